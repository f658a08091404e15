package rates

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket is one time-of-day pricing band of a rule. Nil fields are "not
// offered", which is different from zero.
type Bucket struct {
	UptoMin *int             `json:"upto_min,omitempty"`
	MinAmt  *decimal.Decimal `json:"min_amt,omitempty"`
	PerMin  *decimal.Decimal `json:"per_min,omitempty"`
}

// Offered reports whether any field of the bucket is configured.
func (b Bucket) Offered() bool {
	return b.UptoMin != nil || b.MinAmt != nil || b.PerMin != nil
}

// Charge prices minutes in this bucket: the minimum amount covers the first
// UptoMin minutes, every minute after that costs PerMin. Absent fields read
// as zero; a bucket that is not offered, or has no minutes, charges nothing.
func (b Bucket) Charge(minutes int) decimal.Decimal {
	if !b.Offered() || minutes <= 0 {
		return decimal.Zero
	}
	upto := 0
	if b.UptoMin != nil {
		upto = *b.UptoMin
	}
	charge := decimal.Zero
	if b.MinAmt != nil {
		charge = *b.MinAmt
	}
	if minutes <= upto || b.PerMin == nil {
		return charge
	}
	extra := decimal.NewFromInt(int64(minutes - upto)).Mul(*b.PerMin)
	return charge.Add(extra)
}

// RateRule is the billing configuration for one game type.
type RateRule struct {
	GameType     string           `json:"game_type"`
	DayUptoMin   *int             `json:"day_upto_min,omitempty"`
	DayMinAmt    *decimal.Decimal `json:"day_min_amt,omitempty"`
	DayPerMin    *decimal.Decimal `json:"day_per_min,omitempty"`
	NightUptoMin *int             `json:"night_upto_min,omitempty"`
	NightMinAmt  *decimal.Decimal `json:"night_min_amt,omitempty"`
	NightPerMin  *decimal.Decimal `json:"night_per_min,omitempty"`
	NightWindow  *NightWindow     `json:"night_window,omitempty"`
}

// Day returns the day bucket.
func (r RateRule) Day() Bucket {
	return Bucket{UptoMin: r.DayUptoMin, MinAmt: r.DayMinAmt, PerMin: r.DayPerMin}
}

// Night returns the night bucket.
func (r RateRule) Night() Bucket {
	return Bucket{UptoMin: r.NightUptoMin, MinAmt: r.NightMinAmt, PerMin: r.NightPerMin}
}

// Validate rejects negative amounts and malformed windows.
func (r RateRule) Validate() error {
	for name, v := range map[string]*int{"day_upto_min": r.DayUptoMin, "night_upto_min": r.NightUptoMin} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	amounts := map[string]*decimal.Decimal{
		"day_min_amt":   r.DayMinAmt,
		"day_per_min":   r.DayPerMin,
		"night_min_amt": r.NightMinAmt,
		"night_per_min": r.NightPerMin,
	}
	for name, v := range amounts {
		if v != nil && v.IsNegative() {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if r.NightWindow != nil {
		if err := r.NightWindow.Validate(); err != nil {
			return fmt.Errorf("night_window: %w", err)
		}
	}
	return nil
}

// NightWindow is a time-of-day range, "HH:MM" in venue local time. The window
// wraps midnight when End is not after Start.
type NightWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Validate checks both ends parse as HH:MM.
func (w NightWindow) Validate() error {
	_, _, err := w.bounds()
	return err
}

func (w NightWindow) bounds() (start, end int, err error) {
	s, err := time.Parse("15:04", w.Start)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid start %q: %w", w.Start, err)
	}
	e, err := time.Parse("15:04", w.End)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid end %q: %w", w.End, err)
	}
	start = s.Hour()*60 + s.Minute()
	end = e.Hour()*60 + e.Minute()
	if start == end {
		return 0, 0, fmt.Errorf("start and end are both %s", w.Start)
	}
	return start, end, nil
}

// Contains reports whether t falls strictly inside the window. Boundary
// instants belong to the day.
func (w NightWindow) Contains(t time.Time) bool {
	return w.NightDuration(t.Add(-time.Nanosecond), t.Add(time.Nanosecond)) == 2*time.Nanosecond
}

// NightDuration returns how much of [from, to) lies inside the window,
// evaluated in from's location. An invalid window yields zero.
func (w NightWindow) NightDuration(from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	start, end, err := w.bounds()
	if err != nil {
		return 0
	}
	to = to.In(from.Location())

	var total time.Duration
	// Start one day early so a window that opened yesterday evening is seen.
	day := midnight(from).AddDate(0, 0, -1)
	last := midnight(to)
	for !day.After(last) {
		ns := atMinute(day, start)
		ne := atMinute(day, end)
		if end < start {
			ne = atMinute(day.AddDate(0, 0, 1), end)
		}
		total += overlap(from, to, ns, ne)
		day = day.AddDate(0, 0, 1)
	}
	return total
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func atMinute(day time.Time, minuteOfDay int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, day.Location())
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	s := aStart
	if bStart.After(s) {
		s = bStart
	}
	e := aEnd
	if bEnd.Before(e) {
		e = bEnd
	}
	if !e.After(s) {
		return 0
	}
	return e.Sub(s)
}
