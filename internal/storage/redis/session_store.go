package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

// UpsertSession replaces the snapshot for a table
func (s *sessionStore) UpsertSession(ctx context.Context, ts session.TableSession) error {
	if ts.TableID == "" {
		return fmt.Errorf("session table id is required")
	}
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	keys := []string{sessionKey(ts.TableID), keySessions, keySessionsActive}
	args := []interface{}{
		ts.TableID,
		ts.ID,
		string(ts.Status),
		ts.GameType,
		ts.UpdatedAt.Format(time.RFC3339Nano),
		string(data),
	}

	return upsertSession.Run(ctx, s.client, keys, args...).Err()
}

// GetSession retrieves the snapshot for a table
func (s *sessionStore) GetSession(ctx context.Context, tableID string) (*session.TableSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(tableID)).Result()
	if err != nil {
		return nil, err
	}
	return parseSession(data)
}

// ListSessions returns every stored table snapshot
func (s *sessionStore) ListSessions(ctx context.Context) ([]session.TableSession, error) {
	return s.list(ctx, keySessions)
}

// ListActiveSessions returns snapshots of running and paused tables
func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]session.TableSession, error) {
	return s.list(ctx, keySessionsActive)
}

func (s *sessionStore) list(ctx context.Context, setKey string) ([]session.TableSession, error) {
	tableIDs, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, err
	}

	if len(tableIDs) == 0 {
		return []session.TableSession{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tableIDs))
	for i, id := range tableIDs {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]session.TableSession, 0, len(tableIDs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		ts, err := parseSession(data)
		if err == nil {
			sessions = append(sessions, *ts)
		}
	}

	return sessions, nil
}

// DeleteSession removes a table snapshot and its set memberships
func (s *sessionStore) DeleteSession(ctx context.Context, tableID string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, sessionKey(tableID))
	pipe.SRem(ctx, keySessions, tableID)
	pipe.SRem(ctx, keySessionsActive, tableID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
