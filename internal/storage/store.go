package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/tabletime/internal/session"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Bills() BillStore
}

// SessionStore keeps the latest snapshot of each table's session.
type SessionStore interface {
	UpsertSession(ctx context.Context, s session.TableSession) error
	GetSession(ctx context.Context, tableID string) (*session.TableSession, error)
	ListSessions(ctx context.Context) ([]session.TableSession, error)
	ListActiveSessions(ctx context.Context) ([]session.TableSession, error)
	DeleteSession(ctx context.Context, tableID string) error
}

// Active reports whether a snapshot belongs to a table in play.
func Active(s session.TableSession) bool {
	return s.Status == session.StatusRunning || s.Status == session.StatusPaused
}

// BillStore manages finalised bills.
type BillStore interface {
	SaveBill(ctx context.Context, rec BillRecord) error
	GetBill(ctx context.Context, id string) (*BillRecord, error)
	QueryBills(ctx context.Context, filter BillFilter) ([]BillRecord, error)
	DeleteBillsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BillFilter defines criteria for querying bills. Results are newest first.
type BillFilter struct {
	TableID   string
	GameType  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Match reports whether rec passes the filter, ignoring Limit and Offset.
func (f BillFilter) Match(rec BillRecord) bool {
	if f.TableID != "" && rec.TableID != f.TableID {
		return false
	}
	if f.GameType != "" && rec.GameType != f.GameType {
		return false
	}
	if f.StartTime != nil && rec.ClosedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && rec.ClosedAt.After(*f.EndTime) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered slice.
func (f BillFilter) Page(recs []BillRecord) []BillRecord {
	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return []BillRecord{}
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	return recs
}
