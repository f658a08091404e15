package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/rs/zerolog"
)

const pruneTimeout = 5 * time.Minute

// Pruner deletes bills older than the retention window once a day.
type Pruner struct {
	bills     storage.BillStore
	retention time.Duration
	runAt     time.Time // Time of day to prune (only hour and minute are used)
	loc       *time.Location
	clock     clock.Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewPruner creates a pruner that runs daily at runAt (HH:MM in loc).
func NewPruner(bills storage.BillStore, retention time.Duration, runAt string, loc *time.Location, logger zerolog.Logger) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	parsed, err := time.Parse("15:04", runAt)
	if err != nil {
		return nil, fmt.Errorf("invalid prune time %q: %w", runAt, err)
	}
	if loc == nil {
		loc = time.Local
	}

	return &Pruner{
		bills:     bills,
		retention: retention,
		runAt:     parsed,
		loc:       loc,
		clock:     clock.RealClock{},
		logger:    logger.With().Str("component", "retention").Logger(),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins the daily schedule
func (p *Pruner) Start() {
	go p.run()
	p.logger.Info().
		Str("prune_time", p.runAt.Format("15:04")).
		Dur("retention", p.retention).
		Msg("Bill retention pruner started")
}

// Stop stops the schedule
func (p *Pruner) Stop() {
	close(p.stopChan)
	p.logger.Info().Msg("Bill retention pruner stopped")
}

func (p *Pruner) run() {
	for {
		next := p.NextRun(p.clock.Now())
		wait := next.Sub(p.clock.Now())

		p.logger.Debug().
			Time("next_run", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next bill prune")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
			if _, err := p.Prune(ctx); err != nil {
				p.logger.Error().Err(err).Msg("Failed to prune bills")
			}
			cancel()
		case <-p.stopChan:
			timer.Stop()
			return
		}
	}
}

// NextRun returns the first prune time strictly after now.
func (p *Pruner) NextRun(now time.Time) time.Time {
	local := now.In(p.loc)
	today := time.Date(
		local.Year(), local.Month(), local.Day(),
		p.runAt.Hour(), p.runAt.Minute(), 0, 0,
		p.loc,
	)

	// If we've already passed today's time, schedule for tomorrow
	if !local.Before(today) {
		return today.AddDate(0, 0, 1)
	}
	return today
}

// Prune deletes bills closed before now minus the retention window.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	cutoff := p.clock.Now().Add(-p.retention)

	deleted, err := p.bills.DeleteBillsBefore(ctx, cutoff)
	if err != nil {
		return deleted, fmt.Errorf("delete bills before %s: %w", clock.FormatTimestamp(cutoff), err)
	}
	metrics.BillsPruned.Add(float64(deleted))

	p.logger.Info().
		Int("bills_deleted", deleted).
		Time("cutoff", cutoff).
		Msg("Pruned bills past retention")
	return deleted, nil
}
