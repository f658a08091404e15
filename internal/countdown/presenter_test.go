package countdown

import (
	"testing"
	"time"

	"github.com/goodtune/tabletime/internal/session"
)

var t0 = time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC)

func running(id string) session.TableSession {
	start := t0
	return session.TableSession{
		ID:        id,
		TableID:   "T1",
		Status:    session.StatusRunning,
		GameType:  "pool",
		Players:   []session.Player{{Name: "CASH"}},
		StartTime: &start,
	}
}

func TestTickRunning(t *testing.T) {
	tests := []struct {
		name      string
		target    time.Duration
		after     time.Duration
		pauseMin  float64
		wantSecs  int64
		wantLabel string
	}{
		{"ten minutes in", time.Hour, 10 * time.Minute, 0, 3000, "50:00"},
		{"hours format", 2 * time.Hour, 5 * time.Second, 0, 7195, "1:59:55"},
		{"pauses extend the allowance", time.Hour, 62 * time.Minute, 5, 180, "03:00"},
		{"overtime is negative", time.Hour, 61 * time.Minute, 0, -60, "-01:00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := running("s1")
			s.PauseMinute = tt.pauseMin
			got := NewPresenter(tt.target).Tick(t0.Add(tt.after), s)
			if got.RemainingSeconds != tt.wantSecs {
				t.Errorf("RemainingSeconds = %d, want %d", got.RemainingSeconds, tt.wantSecs)
			}
			if got.Label() != tt.wantLabel {
				t.Errorf("Label() = %q, want %q", got.Label(), tt.wantLabel)
			}
			if got.Frozen {
				t.Error("running session should not be frozen")
			}
		})
	}
}

func TestTickFreezesWhilePaused(t *testing.T) {
	p := NewPresenter(time.Hour)
	s := running("s1")
	pause := t0.Add(10 * time.Minute)
	s.Status = session.StatusPaused
	s.PauseTime = &pause

	first := p.Tick(t0.Add(20*time.Minute), s)
	second := p.Tick(t0.Add(40*time.Minute), s)
	if !first.Frozen || first.RemainingSeconds != 3000 || second.RemainingSeconds != 3000 {
		t.Errorf("paused display moved: %+v then %+v", first, second)
	}
}

func TestExpirySignalledOnce(t *testing.T) {
	var fired int
	p := NewPresenter(time.Hour, WithOnExpire(func(DisplayState) { fired++ }))
	s := running("s1")

	var just int
	for _, offset := range []time.Duration{59*time.Minute + 59*time.Second, time.Hour, time.Hour + time.Second, 61 * time.Minute} {
		state := p.Tick(t0.Add(offset), s)
		if state.JustExpired {
			just++
		}
	}
	if fired != 1 || just != 1 {
		t.Fatalf("expiry fired %d times (JustExpired %d), want 1", fired, just)
	}

	// A new session on the same table can expire again.
	next := running("s2")
	if state := p.Tick(t0.Add(2*time.Hour), next); !state.JustExpired {
		t.Error("expected expiry for the next session")
	}
	if fired != 2 {
		t.Errorf("fired = %d, want 2", fired)
	}
}

func TestStaleTickIsIgnored(t *testing.T) {
	p := NewPresenter(time.Hour)
	s := running("s1")

	after := p.Tick(t0.Add(30*time.Minute), s)
	end := t0.Add(30 * time.Minute)
	s.Status = session.StatusStopped
	s.EndTime = &end

	stale := p.Tick(t0.Add(29*time.Minute), s)
	if stale != after {
		t.Errorf("stale tick changed state: %+v != %+v", stale, after)
	}

	final := p.Tick(t0.Add(31*time.Minute), s)
	if !final.Frozen || final.RemainingSeconds != 1800 {
		t.Errorf("stopped display = %+v, want frozen at 1800", final)
	}
}

func TestStoppedSessionDoesNotSignal(t *testing.T) {
	var fired int
	p := NewPresenter(time.Minute, WithOnExpire(func(DisplayState) { fired++ }))
	s := running("s1")
	end := t0.Add(5 * time.Minute)
	s.Status = session.StatusStopped
	s.EndTime = &end

	state := p.Tick(t0.Add(10*time.Minute), s)
	if !state.Expired || state.JustExpired || fired != 0 {
		t.Errorf("stopped session should show expired without signalling: %+v fired=%d", state, fired)
	}
}

func TestTickIdle(t *testing.T) {
	state := NewPresenter(90*time.Minute).Tick(t0, session.TableSession{TableID: "T1", Status: session.StatusIdle})
	if state.RemainingSeconds != 5400 || !state.Frozen || state.Expired {
		t.Errorf("idle display = %+v", state)
	}
	if state.Label() != "1:30:00" {
		t.Errorf("Label() = %q", state.Label())
	}
}
