package bolt

import (
	"context"
	"fmt"

	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"go.etcd.io/bbolt"
)

type sessionStore struct {
	db *bbolt.DB
}

func (s *sessionStore) UpsertSession(ctx context.Context, ts session.TableSession) error {
	if ts.TableID == "" {
		return fmt.Errorf("session table id is required")
	}
	return update(ctx, s.db, func(tx *bbolt.Tx) error {
		return encode(tx.Bucket(bucketSessions), []byte(ts.TableID), ts)
	})
}

func (s *sessionStore) GetSession(ctx context.Context, tableID string) (*session.TableSession, error) {
	var ts session.TableSession
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		return decode(tx.Bucket(bucketSessions), []byte(tableID), &ts)
	})
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

func (s *sessionStore) ListSessions(ctx context.Context) ([]session.TableSession, error) {
	return s.list(ctx, func(session.TableSession) bool { return true })
}

func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]session.TableSession, error) {
	return s.list(ctx, storage.Active)
}

func (s *sessionStore) list(ctx context.Context, keep func(session.TableSession) bool) ([]session.TableSession, error) {
	out := make([]session.TableSession, 0)
	err := view(ctx, s.db, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		return b.ForEach(func(k, _ []byte) error {
			var ts session.TableSession
			if err := decode(b, k, &ts); err != nil {
				return err
			}
			if keep(ts) {
				out = append(out, ts)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sessionStore) DeleteSession(ctx context.Context, tableID string) error {
	return update(ctx, s.db, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		if b.Get([]byte(tableID)) == nil {
			return storage.ErrNotFound
		}
		return b.Delete([]byte(tableID))
	})
}
