package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/metrics"
	"github.com/goodtune/tabletime/internal/rates"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotStarted is returned when pricing a session that never started.
	ErrNotStarted = errors.New("session has not started")
	// ErrInvalidCharge rejects negative products or tax rates.
	ErrInvalidCharge = errors.New("invalid charge")
)

// DefaultPlaces is the number of currency decimal places.
const DefaultPlaces int32 = 2

// unrecordedPauseTolerance absorbs float rounding between pauseMinute and the
// recorded pause intervals.
const unrecordedPauseTolerance = time.Millisecond

var hundred = decimal.NewFromInt(100)

// Option configures a Calculator.
type Option func(*Calculator)

// WithLocation evaluates night windows in loc instead of the timestamps' own
// location.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) { c.location = loc }
}

// WithPlaces sets the currency rounding precision.
func WithPlaces(places int32) Option {
	return func(c *Calculator) { c.places = places }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Calculator) { c.logger = logger }
}

// Calculator prices sessions. It holds no per-session state and is safe for
// concurrent use.
type Calculator struct {
	rules    session.RuleResolver
	location *time.Location
	places   int32
	logger   zerolog.Logger
}

// NewCalculator creates a calculator resolving rules through rules.
func NewCalculator(rules session.RuleResolver, opts ...Option) *Calculator {
	c := &Calculator{
		rules:  rules,
		places: DefaultPlaces,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "billing").Logger()
	return c
}

// Places returns the currency rounding precision.
func (c *Calculator) Places() int32 { return c.places }

// Compute prices s as of now. Stopped and paused sessions are priced to their
// end and pause times; now only matters for running sessions.
func (c *Calculator) Compute(s session.TableSession, now time.Time, products []Product, opts Options) (BillBreakup, error) {
	bill := BillBreakup{
		TableID:   s.TableID,
		SessionID: s.ID,
		GameType:  s.GameType,
		GameTotal: decimal.Zero,
		SubTotal:  decimal.Zero,
		Discount:  decimal.Zero,
		TaxRate:   opts.TaxRate,
		Tax:       decimal.Zero,
		Total:     decimal.Zero,
	}
	if s.StartTime == nil {
		return bill, fmt.Errorf("table %s: %w", s.TableID, ErrNotStarted)
	}
	if opts.TaxRate.IsNegative() {
		return bill, fmt.Errorf("tax rate %s: %w", opts.TaxRate, ErrInvalidCharge)
	}
	for _, p := range products {
		if p.Amount.IsNegative() {
			return bill, fmt.Errorf("product %q amount %s: %w", p.Name, p.Amount, ErrInvalidCharge)
		}
	}

	rule, err := c.rules.Rule(s.GameType)
	if err != nil {
		return bill, err
	}

	if _, skewed := s.BillableDuration(now); skewed {
		bill.Warnings = append(bill.Warnings, c.anomaly(s, "billable time was negative and has been clamped to zero"))
	}

	priced := c.price(rule, s.Whole(now))
	bill.DayMinutes = priced.day
	bill.NightMinutes = priced.night
	bill.BillableMinutes = priced.day + priced.night
	bill.LineItems = priced.items
	bill.GameTotal = priced.total

	for _, p := range products {
		bill.LineItems = append(bill.LineItems, LineItem{
			Title:    strings.TrimSpace(p.Name),
			Category: p.Category,
			Amount:   p.Amount.Round(c.places),
		})
	}
	for _, item := range bill.LineItems {
		bill.SubTotal = bill.SubTotal.Add(item.Amount)
	}

	bill.Discount = clampDiscount(opts.Discount, bill.SubTotal)
	taxable := bill.SubTotal.Sub(bill.Discount)
	bill.Tax = taxable.Mul(opts.TaxRate).Div(hundred).Round(c.places)
	bill.Total = taxable.Add(bill.Tax)

	switch opts.Split {
	case SplitNone:
	case SplitByTime, SplitEven:
		bill.CustomerBillBreakup = c.split(s, now, bill.SubTotal, opts.Split)
	default:
		return bill, fmt.Errorf("unknown split mode %q", opts.Split)
	}

	c.logger.Debug().
		Str("table", s.TableID).
		Str("game_type", s.GameType).
		Int("day_minutes", bill.DayMinutes).
		Int("night_minutes", bill.NightMinutes).
		Str("total", bill.Total.String()).
		Msg("Computed bill")
	return bill, nil
}

// PriceSegment returns the table charge for one segment, used to price break
// events as they happen.
func (c *Calculator) PriceSegment(seg session.Segment) (decimal.Decimal, error) {
	rule, err := c.rules.Rule(seg.GameType)
	if err != nil {
		return decimal.Zero, err
	}
	return c.price(rule, seg).total, nil
}

type pricedTime struct {
	day   int
	night int
	items []LineItem
	total decimal.Decimal
}

// price splits the segment's billable time into day and night minutes and
// charges each bucket. A boundary minute that is only partly night counts as
// day.
func (c *Calculator) price(rule rates.RateRule, seg session.Segment) pricedTime {
	var out pricedTime
	out.total = decimal.Zero

	billable := clock.WholeMinutes(seg.Billable())
	var night time.Duration
	if rule.NightWindow != nil {
		for _, iv := range activeIntervals(seg) {
			from, to := iv.Start, iv.End
			if c.location != nil {
				from, to = from.In(c.location), to.In(c.location)
			}
			night += rule.NightWindow.NightDuration(from, to)
		}
	}
	out.night = clock.WholeMinutes(night)
	if out.night > billable {
		out.night = billable
	}
	out.day = billable - out.night

	buckets := []struct {
		title   string
		bucket  rates.Bucket
		minutes int
	}{
		{TitleDayMinutes, rule.Day(), out.day},
		{TitleNightMinutes, rule.Night(), out.night},
	}
	for _, b := range buckets {
		if b.minutes <= 0 {
			continue
		}
		charge := b.bucket.Charge(b.minutes).Round(c.places)
		out.items = append(out.items, LineItem{Title: b.title, Minutes: b.minutes, Amount: charge})
		out.total = out.total.Add(charge)
	}
	return out
}

// activeIntervals returns [From, To] minus the recorded pauses. Paused time
// that has no recorded interval is trimmed from the end.
func activeIntervals(seg session.Segment) []session.Interval {
	if !seg.To.After(seg.From) {
		return nil
	}

	pauses := append([]session.Interval(nil), seg.Pauses...)
	sort.Slice(pauses, func(i, j int) bool { return pauses[i].Start.Before(pauses[j].Start) })

	var out []session.Interval
	var recorded time.Duration
	cursor := seg.From
	for _, p := range pauses {
		start, end := p.Start, p.End
		if start.Before(cursor) {
			start = cursor
		}
		if end.After(seg.To) {
			end = seg.To
		}
		if !end.After(start) {
			continue
		}
		if start.After(cursor) {
			out = append(out, session.Interval{Start: cursor, End: start})
		}
		recorded += end.Sub(start)
		cursor = end
	}
	if seg.To.After(cursor) {
		out = append(out, session.Interval{Start: cursor, End: seg.To})
	}

	extra := clock.MinutesToDuration(seg.PauseMinute) - recorded
	for extra > unrecordedPauseTolerance && len(out) > 0 {
		last := &out[len(out)-1]
		length := last.End.Sub(last.Start)
		if length <= extra {
			extra -= length
			out = out[:len(out)-1]
			continue
		}
		last.End = last.End.Add(-extra)
		extra = 0
	}
	return out
}

func (c *Calculator) split(s session.TableSession, now time.Time, amount decimal.Decimal, mode SplitMode) []CustomerShare {
	times := s.PlayerTimes(now)
	if len(times) == 0 {
		return nil
	}
	weights := make([]int64, len(times))
	for i, pt := range times {
		if mode == SplitEven {
			weights[i] = 1
		} else {
			weights[i] = int64(pt.Minutes)
		}
	}

	amounts := Allocate(amount, weights, c.places)
	shares := make([]CustomerShare, len(times))
	for i, pt := range times {
		shares[i] = CustomerShare{Player: pt.Player, Minutes: pt.Minutes, Amount: amounts[i]}
	}
	return shares
}

func (c *Calculator) anomaly(s session.TableSession, msg string) string {
	c.logger.Warn().Str("table", s.TableID).Str("session", s.ID).Msg(msg)
	metrics.ClockAnomalies.WithLabelValues("billing").Inc()
	return msg
}

func clampDiscount(discount, subTotal decimal.Decimal) decimal.Decimal {
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(subTotal) {
		return subTotal
	}
	return discount
}
