package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/tabletime/internal/storage"
	"github.com/redis/go-redis/v9"
)

type billStore struct {
	client *redis.Client
	ttl    time.Duration
}

// SaveBill stores a bill, replacing any earlier save of the same checkout
func (s *billStore) SaveBill(ctx context.Context, rec storage.BillRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("bill id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = rec.CreatedAt
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal bill: %w", err)
	}

	keys := []string{billKey(rec.ID), keyBills, tableBillsKey(rec.TableID)}
	args := []interface{}{
		rec.ID,
		rec.TableID,
		rec.GameType,
		rec.ClosedAt.Format(time.RFC3339Nano),
		score(rec.ClosedAt),
		rec.Bill.Total.String(),
		string(data),
		int64(s.ttl / time.Second),
		keyBillsByTable,
	}

	return saveBill.Run(ctx, s.client, keys, args...).Err()
}

// GetBill retrieves a bill by session id
func (s *billStore) GetBill(ctx context.Context, id string) (*storage.BillRecord, error) {
	data, err := s.client.HGetAll(ctx, billKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return parseBill(data)
}

// QueryBills returns bills newest first. Ids whose bill has expired are skipped.
func (s *billStore) QueryBills(ctx context.Context, filter storage.BillFilter) ([]storage.BillRecord, error) {
	index := keyBills
	if filter.TableID != "" {
		index = tableBillsKey(filter.TableID)
	}

	span := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if filter.StartTime != nil {
		span.Min = strconv.FormatInt(filter.StartTime.UnixMilli()-1, 10)
	}
	if filter.EndTime != nil {
		span.Max = strconv.FormatInt(filter.EndTime.UnixMilli()+1, 10)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, index, span).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []storage.BillRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, billKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	recs := make([]storage.BillRecord, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseBill(data)
		if err == nil && filter.Match(*rec) {
			recs = append(recs, *rec)
		}
	}

	return filter.Page(recs), nil
}

// DeleteBillsBefore removes bills closed before cutoff. Index entries left
// behind by expired bills are cleaned up but not counted.
func (s *billStore) DeleteBillsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, keyBills, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		closed, err := s.client.HGet(ctx, billKey(id), "closed_at").Result()
		if err != nil && err != redis.Nil {
			return deleted, err
		}
		if closed != "" {
			closedAt, err := time.Parse(time.RFC3339Nano, closed)
			if err != nil {
				return deleted, fmt.Errorf("failed to parse closed_at: %w", err)
			}
			if !closedAt.Before(cutoff) {
				continue
			}
		}

		n, err := deleteBill.Run(ctx, s.client, []string{billKey(id), keyBills}, id, keyBillsByTable).Int()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}

	return deleted, nil
}
