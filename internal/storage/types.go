package storage

import (
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/session"
)

// BillRecord is a finalised bill together with the stopped session it priced.
// ID is the session id, so saving the same checkout twice overwrites rather
// than duplicates.
type BillRecord struct {
	ID        string               `json:"id"`
	TableID   string               `json:"table_id"`
	GameType  string               `json:"game_type"`
	ClosedAt  time.Time            `json:"closed_at"`
	Session   session.TableSession `json:"session"`
	Bill      billing.BillBreakup  `json:"bill"`
	CreatedAt time.Time            `json:"created_at"`
}

// NewBillRecord builds the record for a stopped session.
func NewBillRecord(s session.TableSession, bill billing.BillBreakup, now time.Time) BillRecord {
	rec := BillRecord{
		ID:        s.ID,
		TableID:   s.TableID,
		GameType:  s.GameType,
		Session:   s,
		Bill:      bill,
		CreatedAt: now.UTC(),
	}
	if s.EndTime != nil {
		rec.ClosedAt = s.EndTime.UTC()
	} else {
		rec.ClosedAt = rec.CreatedAt
	}
	return rec
}
