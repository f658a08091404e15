package floor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/countdown"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/goodtune/tabletime/internal/storage/bolt"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func testBook(t *testing.T) *rates.Book {
	t.Helper()
	upto := 15
	minAmt, perMin := decimal.NewFromInt(50), decimal.NewFromInt(30)
	book, err := rates.NewBook([]rates.RateRule{{GameType: "pool", DayUptoMin: &upto, DayMinAmt: &minAmt, DayPerMin: &perMin}}, nil)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	return book
}

func openStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "tabletime.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestRegistry(t *testing.T, cfg Config, opts ...Option) (*Registry, *clock.TestClock) {
	t.Helper()
	tc := clock.NewTestClock(t0)
	book := testBook(t)
	if cfg.Tables == nil {
		cfg.Tables = []string{"T1", "T2"}
	}
	opts = append([]Option{WithClock(tc)}, opts...)
	return NewRegistry(book, billing.NewCalculator(book), cfg, opts...), tc
}

func TestRegistryCheckoutPersistsAndResets(t *testing.T) {
	store := openStore(t)
	var hooked *checkout.Result
	r, tc := newTestRegistry(t, Config{},
		WithStore(store.Sessions()),
		WithPersist(storage.Persister(store, nil)),
		WithCheckoutHook(func(res *checkout.Result, _ time.Time) { hooked = res }),
	)

	if _, err := r.Start("T1", "pool", []session.Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(40 * time.Minute)

	res, err := r.Checkout(context.Background(), "T1", checkout.Request{}, true)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != checkout.StatePersisted || !res.Bill.Total.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("result = %+v", res)
	}
	if hooked != res {
		t.Error("checkout hook not called with the result")
	}

	s, err := r.Session("T1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.Status != session.StatusIdle {
		t.Errorf("table status = %s, want idle after reset", s.Status)
	}

	rec, err := store.Bills().GetBill(context.Background(), res.Session.ID)
	if err != nil {
		t.Fatalf("GetBill: %v", err)
	}
	if !rec.Bill.Total.Equal(decimal.NewFromInt(800)) {
		t.Errorf("stored total = %s", rec.Bill.Total)
	}
	snap, err := store.Sessions().GetSession(context.Background(), "T1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if snap.Status != session.StatusIdle {
		t.Errorf("snapshot status = %s, want idle", snap.Status)
	}
}

func TestRegistryCheckoutWithoutResetKeepsTableStopped(t *testing.T) {
	r, tc := newTestRegistry(t, Config{})
	if _, err := r.Start("T1", "pool", []session.Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(10 * time.Minute)

	res, err := r.Checkout(context.Background(), "T1", checkout.Request{}, false)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	if res.State != checkout.StateBilled {
		t.Errorf("State = %s, want billed", res.State)
	}
	if s, _ := r.Session("T1"); s.Status != session.StatusStopped {
		t.Errorf("status = %s, want stopped", s.Status)
	}
}

func TestRegistryRestore(t *testing.T) {
	store := openStore(t)
	first, tc := newTestRegistry(t, Config{}, WithStore(store.Sessions()))

	started, err := first.Start("T1", "pool", []session.Player{{Name: "alice"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(5 * time.Minute)
	if _, err := first.Pause("T1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	second, _ := newTestRegistry(t, Config{Tables: []string{"T2"}}, WithStore(store.Sessions()))
	n, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d tables, want 1", n)
	}

	s, err := second.Session("T1")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if s.ID != started.ID || s.Status != session.StatusPaused {
		t.Errorf("restored session = %+v", s)
	}
	if _, _, err := second.Resume("T1", nil); err != nil {
		t.Errorf("Resume after restore: %v", err)
	}
}

func TestRegistryTickAutoStop(t *testing.T) {
	var expired []countdown.DisplayState
	r, tc := newTestRegistry(t, Config{CountdownTarget: 30 * time.Minute, AutoStop: true},
		WithOnExpire(func(d countdown.DisplayState) { expired = append(expired, d) }),
	)
	if _, err := r.Start("T1", "pool", []session.Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tc.Advance(10 * time.Minute)
	r.Tick(tc.Now())
	display, err := r.Display("T1")
	if err != nil {
		t.Fatalf("Display: %v", err)
	}
	if display.Label() != "20:00" || display.Expired {
		t.Errorf("display = %+v (%s)", display, display.Label())
	}
	if got := testutil.ToFloat64(metrics.TablesActive.WithLabelValues("running")); got != 1 {
		t.Errorf("running tables gauge = %v, want 1", got)
	}

	tc.Advance(21 * time.Minute)
	r.Tick(tc.Now())
	tc.Advance(time.Minute)
	r.Tick(tc.Now())

	if len(expired) != 1 {
		t.Fatalf("expiry fired %d times, want 1", len(expired))
	}
	display, _ = r.Display("T1")
	if display.Status != session.StatusStopped || !display.Expired {
		t.Errorf("display after expiry = %+v", display)
	}
	if got := testutil.ToFloat64(metrics.TablesActive.WithLabelValues("stopped")); got != 1 {
		t.Errorf("stopped tables gauge = %v, want 1", got)
	}
}

func TestRegistryUnknownTable(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	if _, err := r.Start("T9", "pool", []session.Player{{Name: "CASH"}}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	if _, err := r.Display("T9"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}

	r.AddTable("T9")
	if _, err := r.Display("T9"); err != nil {
		t.Errorf("Display after AddTable: %v", err)
	}
	if got := len(r.Displays()); got != 3 {
		t.Errorf("Displays() = %d tables, want 3", got)
	}
}

func TestRegistryRestoreTable(t *testing.T) {
	store := openStore(t)
	first, tc := newTestRegistry(t, Config{}, WithStore(store.Sessions()))
	started, err := first.Start("T1", "pool", []session.Player{{Name: "alice"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(5 * time.Minute)
	if _, err := first.Pause("T1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	second, _ := newTestRegistry(t, Config{Tables: []string{}}, WithStore(store.Sessions()))

	tests := []struct {
		table      string
		wantFound  bool
		wantStatus session.Status
	}{
		{"T1", true, session.StatusPaused},
		{"T5", false, session.StatusIdle},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			found, err := second.RestoreTable(context.Background(), tt.table)
			if err != nil {
				t.Fatalf("RestoreTable: %v", err)
			}
			if found != tt.wantFound {
				t.Errorf("found = %v, want %v", found, tt.wantFound)
			}
			s, err := second.Session(tt.table)
			if err != nil {
				t.Fatalf("Session: %v", err)
			}
			if s.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", s.Status, tt.wantStatus)
			}
		})
	}

	if s, _ := second.Session("T1"); s.ID != started.ID {
		t.Errorf("restored session id = %s, want %s", s.ID, started.ID)
	}
	if got := len(second.Displays()); got != 2 {
		t.Errorf("Displays() = %d tables, want 2", got)
	}
}

func TestRegistryRemoveTable(t *testing.T) {
	store := openStore(t)
	r, tc := newTestRegistry(t, Config{}, WithStore(store.Sessions()))
	ctx := context.Background()

	if _, err := r.Start("T1", "pool", []session.Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.RemoveTable(ctx, "T1"); !errors.Is(err, ErrTableInUse) {
		t.Fatalf("remove running table: expected ErrTableInUse, got %v", err)
	}

	tc.Advance(10 * time.Minute)
	if _, err := r.Stop("T1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := r.RemoveTable(ctx, "T1"); !errors.Is(err, ErrTableInUse) {
		t.Fatalf("remove stopped table: expected ErrTableInUse, got %v", err)
	}

	if _, err := r.Reset("T1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := r.RemoveTable(ctx, "T1"); err != nil {
		t.Fatalf("RemoveTable: %v", err)
	}
	if _, err := r.Display("T1"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("Display after remove: expected ErrUnknownTable, got %v", err)
	}
	if _, err := store.Sessions().GetSession(ctx, "T1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("snapshot after remove: expected ErrNotFound, got %v", err)
	}
	if err := r.RemoveTable(ctx, "T1"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("second remove: expected ErrUnknownTable, got %v", err)
	}

	// T2 never had a snapshot.
	if err := r.RemoveTable(ctx, "T2"); err != nil {
		t.Errorf("remove idle table without snapshot: %v", err)
	}
}
