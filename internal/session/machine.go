package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RuleResolver looks up the rate rule for a game type.
type RuleResolver interface {
	Rule(gameType string) (rates.RateRule, error)
}

// Pricer prices a closed segment, used for break events.
type Pricer interface {
	PriceSegment(seg Segment) (decimal.Decimal, error)
}

// Transition is delivered to observers after every successful state change.
type Transition struct {
	TableID   string       `json:"table_id"`
	SessionID string       `json:"session_id,omitempty"`
	From      Status       `json:"from"`
	To        Status       `json:"to"`
	At        time.Time    `json:"at"`
	Session   TableSession `json:"session"`
	Break     *BreakEvent  `json:"break,omitempty"`
}

// Observer receives transitions. Implementations must not call back into the
// machine.
type Observer interface {
	OnTransition(t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t Transition)

// OnTransition calls f(t).
func (f ObserverFunc) OnTransition(t Transition) { f(t) }

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithPricer prices break events as they are emitted.
func WithPricer(p Pricer) Option {
	return func(m *Machine) { m.pricer = p }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) { m.observers = append(m.observers, o) }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// Machine drives one table's session through Idle, Running, Paused and
// Stopped. It is not safe for concurrent use; callers owning several tables
// serialise access per table.
type Machine struct {
	session   TableSession
	rules     RuleResolver
	clock     clock.Clock
	pricer    Pricer
	observers []Observer
	logger    zerolog.Logger
}

// NewMachine returns an Idle machine for tableID.
func NewMachine(tableID string, rules RuleResolver, opts ...Option) *Machine {
	m := &Machine{
		session: TableSession{TableID: tableID, Status: StatusIdle},
		rules:   rules,
		clock:   clock.RealClock{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "session").Str("table", tableID).Logger()
	return m
}

// Restore rebuilds a machine from a persisted snapshot.
func Restore(s TableSession, rules RuleResolver, opts ...Option) (*Machine, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("restore table %s: %w", s.TableID, err)
	}
	m := NewMachine(s.TableID, rules, opts...)
	m.session = s.Clone()
	return m, nil
}

// TableID returns the table this machine tracks.
func (m *Machine) TableID() string { return m.session.TableID }

// Session returns a snapshot of the current session.
func (m *Machine) Session() TableSession { return m.session.Clone() }

// Clock returns the machine's time source.
func (m *Machine) Clock() clock.Clock { return m.clock }

// BillableMinutes returns the whole billable minutes as of now.
func (m *Machine) BillableMinutes() int {
	d, skewed := m.session.BillableDuration(m.clock.Now())
	if skewed {
		m.anomaly("negative billable duration clamped to zero")
	}
	return clock.WholeMinutes(d)
}

// Start opens a session. Only valid from Idle.
func (m *Machine) Start(gameType string, players []Player) (TableSession, error) {
	if m.session.Status != StatusIdle {
		return m.Session(), &TransitionError{Op: "start", From: m.session.Status}
	}

	var cleaned []Player
	for i, p := range players {
		if !p.valid() {
			return m.Session(), fmt.Errorf("player %d: %w", i+1, ErrBlankPlayer)
		}
		cleaned = append(cleaned, Player{
			CustomerID: strings.TrimSpace(p.CustomerID),
			Name:       strings.TrimSpace(p.Name),
		})
	}
	if len(cleaned) == 0 {
		return m.Session(), ErrNoPlayers
	}

	gameType = strings.TrimSpace(gameType)
	if m.rules != nil {
		if _, err := m.rules.Rule(gameType); err != nil {
			return m.Session(), err
		}
	}

	now := m.now()
	start := now
	m.session = TableSession{
		ID:           uuid.NewString(),
		TableID:      m.session.TableID,
		Status:       StatusRunning,
		GameType:     gameType,
		Players:      cleaned,
		StartTime:    &start,
		SegmentStart: copyTime(&start),
	}
	m.commit(StatusIdle, now, nil)
	return m.Session(), nil
}

// Pause freezes billing. Only valid from Running.
func (m *Machine) Pause() (TableSession, error) {
	if m.session.Status != StatusRunning {
		return m.Session(), &TransitionError{Op: "pause", From: m.session.Status}
	}
	now := m.now()
	m.session.PauseTime = &now
	m.session.Status = StatusPaused
	m.commit(StatusRunning, now, nil)
	return m.Session(), nil
}

// Resume continues a paused session. When reassigned names a customer other
// than the current primary player, the segment played so far is closed as a
// BreakEvent for the outgoing customer and the new customer becomes primary.
func (m *Machine) Resume(reassigned *Player) (TableSession, *BreakEvent, error) {
	if m.session.Status != StatusPaused {
		return m.Session(), nil, &TransitionError{Op: "resume", From: m.session.Status}
	}
	now := m.now()
	pausedAt := *m.session.PauseTime
	paused, _ := clock.Span(pausedAt, now, m.clock)
	pausedMin := paused.Minutes()

	var brk *BreakEvent
	if reassigned != nil && reassigned.valid() && reassigned.Key() != m.session.Primary().Key() {
		brk = m.closeSegment(now)
		m.session.Breaks = append(m.session.Breaks, *brk)
		m.promote(*reassigned)
		m.session.SegmentStart = copyTime(&now)
		m.session.SegmentPauseMinute = 0
	} else {
		m.session.SegmentPauseMinute += pausedMin
	}

	m.session.PauseMinute += pausedMin
	m.session.Pauses = append(m.session.Pauses, Interval{Start: pausedAt, End: now})
	m.session.PauseTime = nil
	m.session.Status = StatusRunning
	m.commit(StatusPaused, now, brk)
	return m.Session(), brk, nil
}

// Stop ends the session. Stopping a Stopped session is a no-op. An open pause
// is closed at the stop time and excluded from billable time.
func (m *Machine) Stop() (TableSession, error) {
	switch m.session.Status {
	case StatusStopped:
		return m.Session(), nil
	case StatusRunning, StatusPaused:
	default:
		return m.Session(), &TransitionError{Op: "stop", From: m.session.Status}
	}

	from := m.session.Status
	now := m.now()
	if m.session.PauseTime != nil {
		paused, _ := clock.Span(*m.session.PauseTime, now, m.clock)
		m.session.PauseMinute += paused.Minutes()
		m.session.SegmentPauseMinute += paused.Minutes()
		m.session.Pauses = append(m.session.Pauses, Interval{Start: *m.session.PauseTime, End: now})
		m.session.PauseTime = nil
	}
	m.session.EndTime = &now
	m.session.Status = StatusStopped
	m.commit(from, now, nil)
	return m.Session(), nil
}

// Reset returns a Stopped machine to Idle once its bill has been persisted.
func (m *Machine) Reset() (TableSession, error) {
	switch m.session.Status {
	case StatusIdle:
		return m.Session(), nil
	case StatusStopped:
	default:
		return m.Session(), &TransitionError{Op: "reset", From: m.session.Status}
	}
	now := m.now()
	m.session = TableSession{TableID: m.session.TableID, Status: StatusIdle}
	m.commit(StatusStopped, now, nil)
	return m.Session(), nil
}

// closeSegment builds the break event for the primary player's segment ending
// at the current pause.
func (m *Machine) closeSegment(now time.Time) *BreakEvent {
	seg := m.session.CurrentSegment(now)
	brk := &BreakEvent{
		ID:          uuid.NewString(),
		TableID:     m.session.TableID,
		SessionID:   m.session.ID,
		Customer:    seg.Player,
		From:        seg.From,
		To:          seg.To,
		PauseMinute: seg.PauseMinute,
		Minutes:     clock.WholeMinutes(seg.Billable()),
		Amount:      decimal.Zero,
	}
	if m.pricer != nil {
		amount, err := m.pricer.PriceSegment(seg)
		if err != nil {
			m.logger.Warn().Err(err).Str("customer", seg.Player.String()).Msg("Failed to price break segment")
		} else {
			brk.Amount = amount
		}
	}
	return brk
}

// promote moves p to the front of the player list.
func (m *Machine) promote(p Player) {
	p = Player{CustomerID: strings.TrimSpace(p.CustomerID), Name: strings.TrimSpace(p.Name)}
	players := []Player{p}
	for _, existing := range m.session.Players {
		if existing.Key() != p.Key() {
			players = append(players, existing)
		}
	}
	m.session.Players = players
}

// now returns the clock time, clamped so transitions never go backwards.
func (m *Machine) now() time.Time {
	now := m.clock.Now()
	last := m.session.UpdatedAt
	if !last.IsZero() && now.Before(last) {
		m.logger.Warn().
			Time("now", now).
			Time("last_transition", last).
			Msg("Clock moved backwards, clamping to last transition")
		metrics.ClockAnomalies.WithLabelValues("session").Inc()
		return last
	}
	return now
}

func (m *Machine) anomaly(msg string) {
	m.logger.Warn().Str("session", m.session.ID).Msg(msg)
	metrics.ClockAnomalies.WithLabelValues("session").Inc()
}

func (m *Machine) commit(from Status, at time.Time, brk *BreakEvent) {
	m.session.UpdatedAt = at
	metrics.SessionTransitions.WithLabelValues(string(m.session.Status)).Inc()
	if brk != nil {
		metrics.BreakEvents.Inc()
	}

	m.logger.Debug().
		Str("session", m.session.ID).
		Str("from", string(from)).
		Str("to", string(m.session.Status)).
		Msg("Session transition")

	if len(m.observers) == 0 {
		return
	}
	t := Transition{
		TableID:   m.session.TableID,
		SessionID: m.session.ID,
		From:      from,
		To:        m.session.Status,
		At:        at,
		Session:   m.session.Clone(),
		Break:     brk,
	}
	for _, o := range m.observers {
		o.OnTransition(t)
	}
}
