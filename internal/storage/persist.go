package storage

import (
	"context"
	"fmt"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/session"
)

// Persister returns a checkout persistence callback that saves the bill and
// then the stopped session snapshot. Both writes are keyed so a retry after a
// partial failure overwrites instead of duplicating.
func Persister(store Store, c clock.Clock) checkout.PersistFunc {
	if c == nil {
		c = clock.RealClock{}
	}
	return func(ctx context.Context, s session.TableSession, bill billing.BillBreakup) error {
		if err := store.Bills().SaveBill(ctx, NewBillRecord(s, bill, c.Now())); err != nil {
			return fmt.Errorf("save bill: %w", err)
		}
		if err := store.Sessions().UpsertSession(ctx, s); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		return nil
	}
}
