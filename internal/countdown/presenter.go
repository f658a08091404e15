// Package countdown derives the live remaining-time display for prepaid or
// limited-duration table sessions.
package countdown

import (
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/rs/zerolog"
)

// DisplayState is what a table display shows after a tick.
type DisplayState struct {
	TableID          string         `json:"table_id"`
	SessionID        string         `json:"session_id,omitempty"`
	Status           session.Status `json:"status"`
	At               time.Time      `json:"at"`
	Remaining        time.Duration  `json:"-"`
	RemainingSeconds int64          `json:"remaining_seconds"`
	Expired          bool           `json:"expired"`
	JustExpired      bool           `json:"just_expired,omitempty"`
	Frozen           bool           `json:"frozen"`
}

// Label renders the remaining time as mm:ss or h:mm:ss, with a leading minus
// once the session has run over.
func (d DisplayState) Label() string {
	secs := d.RemainingSeconds
	sign := ""
	if secs < 0 {
		sign = "-"
		secs = -secs
	}
	h, m, s := secs/3600, (secs%3600)/60, secs%60
	if h > 0 {
		return fmt.Sprintf("%s%d:%02d:%02d", sign, h, m, s)
	}
	return fmt.Sprintf("%s%02d:%02d", sign, m, s)
}

// Option configures a Presenter.
type Option func(*Presenter)

// WithOnExpire registers a callback invoked once per session expiry.
func WithOnExpire(fn func(DisplayState)) Option {
	return func(p *Presenter) { p.onExpire = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Presenter) { p.logger = logger }
}

// Presenter turns session snapshots into display states. The caller drives
// it with Tick; it holds no timer of its own and is not safe for concurrent
// use.
type Presenter struct {
	target   time.Duration
	onExpire func(DisplayState)
	logger   zerolog.Logger

	sessionID string
	lastTick  time.Time
	state     DisplayState
	signalled bool
}

// NewPresenter creates a presenter counting down from target.
func NewPresenter(target time.Duration, opts ...Option) *Presenter {
	p := &Presenter{target: target, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "countdown").Logger()
	return p
}

// Target returns the configured session length.
func (p *Presenter) Target() time.Duration { return p.target }

// Tick evaluates s at now. A tick older than the last one processed is stale
// and returns the previous state unchanged. Expiry is reported through
// JustExpired and the OnExpire callback exactly once per session.
func (p *Presenter) Tick(now time.Time, s session.TableSession) DisplayState {
	if s.ID != p.sessionID {
		p.sessionID = s.ID
		p.lastTick = time.Time{}
		p.signalled = false
	}
	if !p.lastTick.IsZero() && now.Before(p.lastTick) {
		p.logger.Debug().Str("table", s.TableID).Time("tick", now).Msg("Ignoring stale tick")
		stale := p.state
		stale.JustExpired = false
		return stale
	}
	p.lastTick = now

	state := DisplayState{
		TableID:   s.TableID,
		SessionID: s.ID,
		Status:    s.Status,
		At:        now,
		Frozen:    s.Status != session.StatusRunning,
	}
	if s.StartTime == nil {
		state.Remaining = p.target
		state.RemainingSeconds = int64(p.target / time.Second)
		p.state = state
		return state
	}

	ref := now
	switch {
	case s.EndTime != nil:
		ref = *s.EndTime
	case s.PauseTime != nil:
		ref = *s.PauseTime
	}
	elapsed := clock.ElapsedSeconds(*s.StartTime, ref, clock.RealClock{})
	allowance := int64((p.target + clock.MinutesToDuration(s.PauseMinute)) / time.Second)

	state.RemainingSeconds = allowance - elapsed
	state.Remaining = time.Duration(state.RemainingSeconds) * time.Second
	state.Expired = state.RemainingSeconds <= 0

	if state.Expired && !p.signalled && s.Status != session.StatusStopped {
		p.signalled = true
		state.JustExpired = true
		metrics.CountdownExpired.Inc()
		p.logger.Info().Str("table", s.TableID).Str("session", s.ID).Msg("Countdown expired")
		if p.onExpire != nil {
			p.onExpire(state)
		}
	}

	p.state = state
	return state
}
