package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/goodtune/tabletime/internal/storage/bolt"
	"github.com/rs/zerolog"
)

func TestNextRun(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	p, err := NewPruner(nil, 24*time.Hour, "04:00", loc, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"before today's run", time.Date(2024, 3, 1, 2, 0, 0, 0, loc), time.Date(2024, 3, 1, 4, 0, 0, 0, loc)},
		{"exactly at run", time.Date(2024, 3, 1, 4, 0, 0, 0, loc), time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
		{"after today's run", time.Date(2024, 3, 1, 23, 0, 0, 0, loc), time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
		{"utc input", time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC), time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.NextRun(tt.now); !got.Equal(tt.want) {
				t.Errorf("NextRun(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestNewPrunerValidation(t *testing.T) {
	if _, err := NewPruner(nil, 0, "04:00", nil, zerolog.Nop()); err == nil {
		t.Error("zero retention should fail")
	}
	if _, err := NewPruner(nil, time.Hour, "4am", nil, zerolog.Nop()); err == nil {
		t.Error("bad prune time should fail")
	}
}

func TestPrune(t *testing.T) {
	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabletime.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{100 * 24 * time.Hour, 95 * 24 * time.Hour, 10 * 24 * time.Hour} {
		start := now.Add(-age)
		end := start.Add(time.Hour)
		s := session.TableSession{
			ID:        "s" + string(rune('a'+i)),
			TableID:   "T1",
			Status:    session.StatusStopped,
			GameType:  "pool",
			StartTime: &start,
			EndTime:   &end,
		}
		if err := store.Bills().SaveBill(ctx, storage.NewBillRecord(s, billing.BillBreakup{TableID: "T1"}, end)); err != nil {
			t.Fatalf("SaveBill: %v", err)
		}
	}

	p, err := NewPruner(store.Bills(), 90*24*time.Hour, "04:00", time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPruner: %v", err)
	}
	p.clock = clock.NewTestClock(now)

	deleted, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d bills, want 2", deleted)
	}

	left, err := store.Bills().QueryBills(ctx, storage.BillFilter{})
	if err != nil {
		t.Fatalf("QueryBills: %v", err)
	}
	if len(left) != 1 || left[0].ID != "sc" {
		t.Errorf("remaining bills = %+v", left)
	}
}
