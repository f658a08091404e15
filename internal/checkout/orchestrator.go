// Package checkout sequences stopping a table, pricing it and handing the bill
// to the caller's persistence.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrPersist wraps failures returned by the persistence callback.
var ErrPersist = errors.New("persist checkout")

// State is how far a checkout got.
type State string

const (
	// StateStoppedUnbilled: the table is stopped but could not be priced.
	StateStoppedUnbilled State = "stopped_unbilled"
	// StateBilled: priced, persistence not attempted.
	StateBilled State = "billed"
	// StatePersistFailed: priced, the persistence callback failed.
	StatePersistFailed State = "persist_failed"
	// StatePersisted: priced and persisted; the caller may reset the table.
	StatePersisted State = "persisted"
)

// PersistFunc stores a finalised session and bill. It is called at most once
// per Checkout and never retried.
type PersistFunc func(ctx context.Context, s session.TableSession, bill billing.BillBreakup) error

// Request carries the checkout adjustments.
type Request struct {
	Products []billing.Product `json:"products,omitempty"`
	Discount decimal.Decimal   `json:"discount"`
	TaxRate  decimal.Decimal   `json:"tax_rate"`
	Split    billing.SplitMode `json:"split,omitempty"`
}

// Result is returned from every Checkout that got as far as stopping the
// table, including failed ones.
type Result struct {
	State   State                `json:"state"`
	Session session.TableSession `json:"session"`
	Bill    *billing.BillBreakup `json:"bill,omitempty"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// Orchestrator runs stop, price, split and persist for one table at a time.
// It never resets the table; that is left to the caller once it has seen
// StatePersisted.
type Orchestrator struct {
	calc    *billing.Calculator
	persist PersistFunc
	logger  zerolog.Logger
}

// New creates an orchestrator. persist may be nil, in which case checkouts
// end in StateBilled.
func New(calc *billing.Calculator, persist PersistFunc, opts ...Option) *Orchestrator {
	o := &Orchestrator{calc: calc, persist: persist, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "checkout").Logger()
	return o
}

// Checkout stops the table (a no-op if it is already stopped), prices it and
// persists the result. A pricing failure leaves the table stopped and returns
// StateStoppedUnbilled; a persistence failure returns the computed bill with
// StatePersistFailed so the caller can retry.
func (o *Orchestrator) Checkout(ctx context.Context, m *session.Machine, req Request) (*Result, error) {
	s, err := m.Stop()
	if err != nil {
		return nil, fmt.Errorf("stop table %s: %w", m.TableID(), err)
	}
	result := &Result{Session: s}
	logger := o.logger.With().Str("table", s.TableID).Str("session", s.ID).Logger()

	bill, err := o.calc.Compute(s, m.Clock().Now(), req.Products, billing.Options{
		Discount: req.Discount,
		TaxRate:  req.TaxRate,
		Split:    req.Split,
	})
	if err != nil {
		result.State = StateStoppedUnbilled
		metrics.CheckoutsTotal.WithLabelValues(string(result.State)).Inc()
		logger.Warn().Err(err).Msg("Table stopped but not billed")
		return result, err
	}
	result.Bill = &bill
	result.State = StateBilled

	if o.persist == nil {
		metrics.CheckoutsTotal.WithLabelValues(string(result.State)).Inc()
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		metrics.CheckoutsTotal.WithLabelValues(string(result.State)).Inc()
		return result, err
	}

	if err := o.persist(ctx, s, bill); err != nil {
		result.State = StatePersistFailed
		metrics.CheckoutsTotal.WithLabelValues(string(result.State)).Inc()
		logger.Error().Err(err).Msg("Failed to persist checkout")
		return result, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	result.State = StatePersisted
	metrics.CheckoutsTotal.WithLabelValues(string(result.State)).Inc()
	metrics.BilledAmount.WithLabelValues(s.GameType).Add(bill.Total.InexactFloat64())
	metrics.BillableMinutes.WithLabelValues(s.GameType, "day").Add(float64(bill.DayMinutes))
	metrics.BillableMinutes.WithLabelValues(s.GameType, "night").Add(float64(bill.NightMinutes))

	logger.Info().
		Int("minutes", bill.BillableMinutes).
		Str("total", bill.Total.StringFixed(o.calc.Places())).
		Msg("Checkout persisted")
	return result, nil
}
