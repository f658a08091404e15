// Package floor keeps every table of a venue in memory: one state machine and
// one countdown presenter per table, persisted snapshots, and a tick loop
// that refreshes the displays.
package floor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/checkout"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/countdown"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultTickInterval is how often displays refresh when unset.
	DefaultTickInterval = time.Second

	snapshotTimeout = 5 * time.Second
)

// ErrUnknownTable is returned for a table id the floor does not track.
var ErrUnknownTable = errors.New("unknown table")

// ErrTableInUse is returned when removing a table that is not idle.
var ErrTableInUse = errors.New("table is not idle")

// Config holds floor settings.
type Config struct {
	Tables          []string
	CountdownTarget time.Duration // zero disables the countdown
	TickInterval    time.Duration
	AutoStop        bool // stop a table when its countdown expires
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the time source for machines and ticks.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithStore persists a snapshot after every transition and enables Restore.
func WithStore(store storage.SessionStore) Option {
	return func(r *Registry) { r.store = store }
}

// WithObserver forwards every transition on every table.
func WithObserver(o session.Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

// WithOnExpire is called once per expired countdown.
func WithOnExpire(fn func(countdown.DisplayState)) Option {
	return func(r *Registry) { r.onExpire = fn }
}

// WithCheckoutHook is called after every checkout that produced a result.
func WithCheckoutHook(fn func(*checkout.Result, time.Time)) Option {
	return func(r *Registry) { r.onCheckout = fn }
}

// WithPersist sets where checkouts store their bills.
func WithPersist(fn checkout.PersistFunc) Option {
	return func(r *Registry) { r.persist = fn }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

type table struct {
	mu        sync.Mutex
	machine   *session.Machine
	presenter *countdown.Presenter
	display   countdown.DisplayState
}

// Registry owns the tables on the floor. Calls for different tables run in
// parallel; calls for one table are serialised.
type Registry struct {
	rules      session.RuleResolver
	calc       *billing.Calculator
	cfg        Config
	clock      clock.Clock
	store      storage.SessionStore
	persist    checkout.PersistFunc
	observers  []session.Observer
	onExpire   func(countdown.DisplayState)
	onCheckout func(*checkout.Result, time.Time)
	checkout   *checkout.Orchestrator
	logger     zerolog.Logger

	tables map[string]*table
	mu     sync.RWMutex
}

// NewRegistry creates a registry with an idle machine for each configured
// table. calc is required.
func NewRegistry(rules session.RuleResolver, calc *billing.Calculator, cfg Config, opts ...Option) *Registry {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	r := &Registry{
		rules:  rules,
		calc:   calc,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: zerolog.Nop(),
		tables: make(map[string]*table),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "floor").Logger()
	r.checkout = checkout.New(calc, r.persist, checkout.WithLogger(r.logger))

	for _, id := range cfg.Tables {
		r.AddTable(id)
	}
	return r
}

// AddTable registers an idle table. Existing tables are left untouched.
func (r *Registry) AddTable(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tables[id]; ok {
		return
	}
	r.tables[id] = r.newTable(session.NewMachine(id, r.rules, r.machineOptions()...))
}

// Restore loads persisted snapshots, replacing the in-memory machines of the
// tables they name. Invalid snapshots are skipped with a warning.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	snapshots, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, snap := range snapshots {
		m, err := session.Restore(snap, r.rules, r.machineOptions()...)
		if err != nil {
			r.logger.Warn().Err(err).Str("table", snap.TableID).Msg("Skipping invalid session snapshot")
			continue
		}
		r.tables[snap.TableID] = r.newTable(m)
		restored++
	}

	r.logger.Info().Int("restored", restored).Int("tables", len(r.tables)).Msg("Restored table sessions")
	return restored, nil
}

// RestoreTable registers one table and loads its persisted snapshot, if any.
// It reports whether a snapshot was found; without one the table is idle.
func (r *Registry) RestoreTable(ctx context.Context, id string) (bool, error) {
	r.AddTable(id)
	if r.store == nil {
		return false, nil
	}

	snap, err := r.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get session %s: %w", id, err)
	}
	m, err := session.Restore(*snap, r.rules, r.machineOptions()...)
	if err != nil {
		return false, fmt.Errorf("restore session %s: %w", id, err)
	}

	r.mu.Lock()
	r.tables[id] = r.newTable(m)
	r.mu.Unlock()
	return true, nil
}

// RemoveTable drops an idle table from the floor and deletes its snapshot.
// Tables in play, or stopped but not yet reset, return ErrTableInUse.
func (r *Registry) RemoveTable(ctx context.Context, id string) error {
	r.mu.Lock()
	t, ok := r.tables[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTable, id)
	}
	t.mu.Lock()
	status := t.machine.Session().Status
	if status != session.StatusIdle {
		t.mu.Unlock()
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTableInUse, id, status)
	}
	delete(r.tables, id)
	t.mu.Unlock()
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (r *Registry) newTable(m *session.Machine) *table {
	t := &table{machine: m}
	if r.cfg.CountdownTarget > 0 {
		opts := []countdown.Option{countdown.WithLogger(r.logger)}
		if r.onExpire != nil {
			opts = append(opts, countdown.WithOnExpire(r.onExpire))
		}
		t.presenter = countdown.NewPresenter(r.cfg.CountdownTarget, opts...)
	}
	t.display = t.render(r.clock.Now())
	return t
}

func (r *Registry) machineOptions() []session.Option {
	opts := []session.Option{
		session.WithClock(r.clock),
		session.WithLogger(r.logger),
		session.WithObserver(session.ObserverFunc(r.snapshot)),
	}
	if r.calc != nil {
		opts = append(opts, session.WithPricer(r.calc))
	}
	for _, o := range r.observers {
		opts = append(opts, session.WithObserver(o))
	}
	return opts
}

// snapshot persists the session after a transition.
func (r *Registry) snapshot(tr session.Transition) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := r.store.UpsertSession(ctx, tr.Session); err != nil {
		r.logger.Error().Err(err).Str("table", tr.TableID).Str("status", string(tr.To)).Msg("Failed to save session snapshot")
	}
}

// render derives the display for the table at now. Caller holds t.mu.
func (t *table) render(now time.Time) countdown.DisplayState {
	s := t.machine.Session()
	if t.presenter != nil {
		return t.presenter.Tick(now, s)
	}
	return countdown.DisplayState{
		TableID:   s.TableID,
		SessionID: s.ID,
		Status:    s.Status,
		At:        now,
		Frozen:    s.Status != session.StatusRunning,
	}
}

func (r *Registry) table(id string) (*table, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tables[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, id)
	}
	return t, nil
}

// Do runs fn with exclusive access to the table's machine and refreshes the
// display afterwards.
func (r *Registry) Do(id string, fn func(m *session.Machine) error) error {
	t, err := r.table(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	err = fn(t.machine)
	t.display = t.render(r.clock.Now())
	return err
}

// Start opens a session on a table.
func (r *Registry) Start(id, gameType string, players []session.Player) (session.TableSession, error) {
	var s session.TableSession
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		s, err = m.Start(gameType, players)
		return err
	})
	return s, err
}

// Pause pauses a running table.
func (r *Registry) Pause(id string) (session.TableSession, error) {
	var s session.TableSession
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		s, err = m.Pause()
		return err
	})
	return s, err
}

// Resume resumes a paused table, optionally handing it to another customer.
func (r *Registry) Resume(id string, reassigned *session.Player) (session.TableSession, *session.BreakEvent, error) {
	var (
		s   session.TableSession
		brk *session.BreakEvent
	)
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		s, brk, err = m.Resume(reassigned)
		return err
	})
	return s, brk, err
}

// Stop stops a table without billing it.
func (r *Registry) Stop(id string) (session.TableSession, error) {
	var s session.TableSession
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		s, err = m.Stop()
		return err
	})
	return s, err
}

// Reset returns a stopped table to idle.
func (r *Registry) Reset(id string) (session.TableSession, error) {
	var s session.TableSession
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		s, err = m.Reset()
		return err
	})
	return s, err
}

// Checkout stops, prices and persists a table. The table is reset only when
// reset is true and the bill was persisted (or there is no persistence).
func (r *Registry) Checkout(ctx context.Context, id string, req checkout.Request, reset bool) (*checkout.Result, error) {
	var res *checkout.Result
	err := r.Do(id, func(m *session.Machine) error {
		var err error
		res, err = r.checkout.Checkout(ctx, m, req)
		if err != nil || !reset {
			return err
		}
		if res.State == checkout.StatePersisted || res.State == checkout.StateBilled {
			_, err = m.Reset()
		}
		return err
	})
	if res != nil && r.onCheckout != nil {
		r.onCheckout(res, r.clock.Now())
	}
	return res, err
}

// Quote prices a table as of now without changing it.
func (r *Registry) Quote(id string, opts billing.Options) (billing.BillBreakup, error) {
	t, err := r.table(id)
	if err != nil {
		return billing.BillBreakup{}, err
	}
	t.mu.Lock()
	s := t.machine.Session()
	t.mu.Unlock()
	return r.calc.Compute(s, r.clock.Now(), nil, opts)
}

// Session returns a snapshot of a table's session.
func (r *Registry) Session(id string) (session.TableSession, error) {
	t, err := r.table(id)
	if err != nil {
		return session.TableSession{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Session(), nil
}

// Display returns the last rendered display for a table.
func (r *Registry) Display(id string) (countdown.DisplayState, error) {
	t, err := r.table(id)
	if err != nil {
		return countdown.DisplayState{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.display, nil
}

// Displays returns every table's display ordered by table id.
func (r *Registry) Displays() []countdown.DisplayState {
	tables := r.snapshotTables()
	out := make([]countdown.DisplayState, 0, len(tables))
	for _, t := range tables {
		t.mu.Lock()
		out = append(out, t.display)
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableID < out[j].TableID })
	return out
}

func (r *Registry) snapshotTables() []*table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]*table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	return tables
}

// Tick refreshes every display at now and, with AutoStop, stops tables whose
// countdown just expired.
func (r *Registry) Tick(now time.Time) {
	counts := map[session.Status]int{
		session.StatusIdle:    0,
		session.StatusRunning: 0,
		session.StatusPaused:  0,
		session.StatusStopped: 0,
	}

	for _, t := range r.snapshotTables() {
		t.mu.Lock()
		t.display = t.render(now)
		if t.display.JustExpired && r.cfg.AutoStop {
			if _, err := t.machine.Stop(); err != nil {
				r.logger.Error().Err(err).Str("table", t.display.TableID).Msg("Failed to stop expired table")
			} else {
				r.logger.Info().Str("table", t.display.TableID).Msg("Stopped table on countdown expiry")
				t.display = t.render(now)
			}
		}
		counts[t.display.Status]++
		t.mu.Unlock()
	}

	for status, n := range counts {
		metrics.TablesActive.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Run ticks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.Tick(r.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.clock.Now())
		}
	}
}
