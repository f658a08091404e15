package session

import (
	"errors"
	"testing"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)

func testBook(t *testing.T) *rates.Book {
	t.Helper()
	perMin := decimal.NewFromInt(1)
	book, err := rates.NewBook([]rates.RateRule{{GameType: "pool", DayPerMin: &perMin}}, nil)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	return book
}

func newTestMachine(t *testing.T, opts ...Option) (*Machine, *clock.TestClock) {
	t.Helper()
	tc := clock.NewTestClock(t0)
	m := NewMachine("T1", testBook(t), append([]Option{WithClock(tc)}, opts...)...)
	return m, tc
}

type minutePricer struct{}

func (minutePricer) PriceSegment(seg Segment) (decimal.Decimal, error) {
	return decimal.NewFromInt(int64(clock.WholeMinutes(seg.Billable()))), nil
}

func TestMachineLifecycle(t *testing.T) {
	m, tc := newTestMachine(t)

	s, err := m.Start("pool", []Player{{Name: "CASH"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Status != StatusRunning || s.ID == "" || !s.StartTime.Equal(t0) {
		t.Fatalf("unexpected session after start: %+v", s)
	}

	tc.Advance(10 * time.Minute)
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	tc.Advance(5 * time.Minute)
	if _, _, err := m.Resume(nil); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	tc.Advance(15 * time.Minute)
	s, err = m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if s.Status != StatusStopped {
		t.Errorf("Status = %s, want stopped", s.Status)
	}
	if s.PauseMinute != 5 {
		t.Errorf("PauseMinute = %v, want 5", s.PauseMinute)
	}
	if got := s.BillableMinutes(tc.Now()); got != 25 {
		t.Errorf("BillableMinutes = %d, want 25", got)
	}
	if len(s.Pauses) != 1 || !s.Pauses[0].Start.Equal(t0.Add(10*time.Minute)) {
		t.Errorf("Pauses = %+v", s.Pauses)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	m, tc := newTestMachine(t)
	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(30 * time.Minute)
	first, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}

	tc.Advance(10 * time.Minute)
	second, err := m.Stop()
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if !second.EndTime.Equal(*first.EndTime) {
		t.Errorf("second stop moved end time: %v != %v", second.EndTime, first.EndTime)
	}
	if got := second.BillableMinutes(tc.Now()); got != 30 {
		t.Errorf("BillableMinutes = %d, want 30", got)
	}
}

func TestStopWhilePausedExcludesOpenPause(t *testing.T) {
	m, tc := newTestMachine(t)
	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(20 * time.Minute)
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	tc.Advance(10 * time.Minute)
	s, err := m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.PauseTime != nil {
		t.Error("PauseTime should be cleared on stop")
	}
	if got := s.BillableMinutes(tc.Now()); got != 20 {
		t.Errorf("BillableMinutes = %d, want 20", got)
	}
	if len(s.Pauses) != 1 {
		t.Errorf("expected the open pause to be recorded, got %+v", s.Pauses)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m, _ := newTestMachine(t)

	tests := []struct {
		name string
		op   func() error
	}{
		{"pause idle", func() error { _, err := m.Pause(); return err }},
		{"resume idle", func() error { _, _, err := m.Resume(nil); return err }},
		{"stop idle", func() error { _, err := m.Stop(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if s := m.Session(); s.Status != StatusIdle || s.StartTime != nil {
				t.Fatalf("state changed on rejected transition: %+v", s)
			}
		})
	}

	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("start while running: got %v", err)
	}
	if _, _, err := m.Resume(nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("resume while running: got %v", err)
	}
	if _, err := m.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reset while running: got %v", err)
	}

	var terr *TransitionError
	_, err := m.Reset()
	if !errors.As(err, &terr) || terr.Op != "reset" || terr.From != StatusRunning {
		t.Errorf("expected TransitionError{reset, running}, got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	m, _ := newTestMachine(t)

	if _, err := m.Start("pool", nil); !errors.Is(err, ErrNoPlayers) {
		t.Errorf("no players: got %v", err)
	}
	if _, err := m.Start("pool", []Player{{Name: "  "}}); !errors.Is(err, ErrBlankPlayer) {
		t.Errorf("blank player: got %v", err)
	}
	if _, err := m.Start("darts", []Player{{Name: "CASH"}}); !errors.Is(err, rates.ErrConfiguration) {
		t.Errorf("unknown game type: got %v", err)
	}
	if s := m.Session(); s.Status != StatusIdle {
		t.Errorf("failed starts must leave the table idle, got %s", s.Status)
	}
}

func TestClockSkewIsClamped(t *testing.T) {
	m, tc := newTestMachine(t)
	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tc.Advance(-5 * time.Minute)
	s, err := m.Pause()
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !s.PauseTime.Equal(t0) {
		t.Errorf("PauseTime = %v, want clamp to %v", s.PauseTime, t0)
	}
	if got := m.BillableMinutes(); got != 0 {
		t.Errorf("BillableMinutes = %d, want 0", got)
	}

	// A snapshot evaluated before its start never goes negative.
	if d, skewed := s.BillableDuration(t0.Add(-time.Hour)); d != 0 || skewed {
		t.Errorf("paused snapshot: got %v skewed=%v", d, skewed)
	}
	running := TableSession{TableID: "T1", Status: StatusRunning, StartTime: &t0, Players: []Player{{Name: "A"}}}
	if d, skewed := running.BillableDuration(t0.Add(-time.Minute)); d != 0 || !skewed {
		t.Errorf("running snapshot: got %v skewed=%v, want 0 true", d, skewed)
	}
}

func TestResumeWithReassignedCustomer(t *testing.T) {
	m, tc := newTestMachine(t, WithPricer(minutePricer{}))
	alice := Player{CustomerID: "c-alice", Name: "Alice"}
	bob := Player{CustomerID: "c-bob", Name: "Bob"}

	if _, err := m.Start("pool", []Player{alice}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(20 * time.Minute)
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	tc.Advance(5 * time.Minute)
	s, brk, err := m.Resume(&bob)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if brk == nil {
		t.Fatal("expected a break event")
	}
	if brk.Customer.Key() != alice.Key() || brk.Minutes != 20 {
		t.Errorf("break = %+v, want alice for 20 minutes", brk)
	}
	if !brk.Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("break amount = %s, want 20", brk.Amount)
	}
	if !brk.To.Equal(t0.Add(20 * time.Minute)) {
		t.Errorf("break should end at the pause, got %v", brk.To)
	}
	if len(s.Players) != 2 || s.Primary().Key() != bob.Key() {
		t.Errorf("players = %+v, want bob first", s.Players)
	}

	tc.Advance(15 * time.Minute)
	s, err = m.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.BillableMinutes(tc.Now()); got != 35 {
		t.Errorf("BillableMinutes = %d, want 35", got)
	}

	times := s.PlayerTimes(tc.Now())
	want := map[string]int{alice.Key(): 20, bob.Key(): 15}
	if len(times) != len(want) {
		t.Fatalf("PlayerTimes = %+v", times)
	}
	for _, pt := range times {
		if pt.Minutes != want[pt.Player.Key()] {
			t.Errorf("%s: %d minutes, want %d", pt.Player, pt.Minutes, want[pt.Player.Key()])
		}
	}
}

func TestResumeWithSamePrimaryEmitsNoBreak(t *testing.T) {
	m, tc := newTestMachine(t)
	alice := Player{CustomerID: "c-alice"}
	if _, err := m.Start("pool", []Player{alice}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(time.Minute)
	if _, err := m.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	tc.Advance(time.Minute)
	s, brk, err := m.Resume(&alice)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if brk != nil || len(s.Breaks) != 0 {
		t.Errorf("unexpected break: %+v", brk)
	}
	if s.SegmentPauseMinute != 1 {
		t.Errorf("SegmentPauseMinute = %v, want 1", s.SegmentPauseMinute)
	}
}

func TestObserversSeeEveryTransition(t *testing.T) {
	var seen []Transition
	m, tc := newTestMachine(t, WithObserver(ObserverFunc(func(tr Transition) {
		seen = append(seen, tr)
	})))

	if _, err := m.Start("pool", []Player{{Name: "CASH"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tc.Advance(time.Minute)
	_, _ = m.Pause()
	_, _, _ = m.Resume(nil)
	_, _ = m.Stop()
	_, _ = m.Stop()
	_, _ = m.Reset()
	_, _ = m.Pause()

	want := []Status{StatusRunning, StatusPaused, StatusRunning, StatusStopped, StatusIdle}
	if len(seen) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(seen), len(want))
	}
	for i, tr := range seen {
		if tr.To != want[i] {
			t.Errorf("transition %d to %s, want %s", i, tr.To, want[i])
		}
	}
	if seen[3].Session.EndTime == nil {
		t.Error("stop transition should carry the stopped snapshot")
	}
}

func TestResetStartsFresh(t *testing.T) {
	m, tc := newTestMachine(t)
	first, _ := m.Start("pool", []Player{{Name: "CASH"}})
	tc.Advance(time.Minute)
	_, _ = m.Stop()

	s, err := m.Reset()
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Status != StatusIdle || s.StartTime != nil || len(s.Players) != 0 {
		t.Fatalf("reset left state behind: %+v", s)
	}
	next, err := m.Start("pool", []Player{{Name: "CASH"}})
	if err != nil {
		t.Fatalf("Start after reset: %v", err)
	}
	if next.ID == first.ID {
		t.Error("new session should get a new id")
	}
}

func TestRestore(t *testing.T) {
	start := t0
	pause := t0.Add(10 * time.Minute)
	snap := TableSession{
		TableID:   "T9",
		Status:    StatusPaused,
		GameType:  "pool",
		Players:   []Player{{Name: "CASH"}},
		StartTime: &start,
		PauseTime: &pause,
		UpdatedAt: pause,
	}
	tc := clock.NewTestClock(t0.Add(15 * time.Minute))
	m, err := Restore(snap, testBook(t), WithClock(tc))
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	s, _, err := m.Resume(nil)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if s.PauseMinute != 5 {
		t.Errorf("PauseMinute = %v, want 5", s.PauseMinute)
	}

	bad := snap
	bad.PauseTime = nil
	if _, err := Restore(bad, testBook(t)); err == nil {
		t.Error("expected error for paused snapshot without pause_time")
	}
}
