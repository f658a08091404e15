package redis

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
)

func sessionKey(tableID string) string { return keySessionPrefix + tableID }

func billKey(id string) string { return keyBillPrefix + id }

func tableBillsKey(tableID string) string { return keyBillsByTable + tableID }

// score orders bills by close time. Milliseconds keep the value exact in a
// float64 sorted-set score.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// parseSession converts a Redis hash to a TableSession
func parseSession(data map[string]string) (*session.TableSession, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	var ts session.TableSession
	if err := json.Unmarshal([]byte(data["data"]), &ts); err != nil {
		return nil, fmt.Errorf("failed to parse session data: %w", err)
	}
	return &ts, nil
}

// parseBill converts a Redis hash to a BillRecord
func parseBill(data map[string]string) (*storage.BillRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	closedAt, err := time.Parse(time.RFC3339Nano, data["closed_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse closed_at: %w", err)
	}

	var rec storage.BillRecord
	if err := json.Unmarshal([]byte(data["data"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse bill data: %w", err)
	}
	rec.ID = data["id"]
	rec.TableID = data["table_id"]
	rec.ClosedAt = closedAt
	return &rec, nil
}
