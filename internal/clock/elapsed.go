package clock

import (
	"fmt"
	"strings"
	"time"
)

// layouts accepted by ParseTimestamp, most specific first.
var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// ParseError is returned when a timestamp is not valid ISO-8601.
type ParseError struct {
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid ISO-8601 timestamp %q: %v", e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseTimestamp parses an ISO-8601 timestamp. Values without an offset are
// read as UTC.
func ParseTimestamp(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, &ParseError{Value: value, Err: lastErr}
}

// FormatTimestamp renders t as RFC 3339 in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Span returns end-start clamped at zero. A zero end means now. skewed is true
// when the raw difference was negative.
func Span(start, end time.Time, c Clock) (d time.Duration, skewed bool) {
	if end.IsZero() {
		end = c.Now()
	}
	d = end.Sub(start)
	if d < 0 {
		return 0, true
	}
	return d, false
}

// Elapsed returns the non-negative duration between start and end.
func Elapsed(start, end time.Time, c Clock) time.Duration {
	d, _ := Span(start, end, c)
	return d
}

// ElapsedMinutes returns whole elapsed minutes, rounded down, for billing.
func ElapsedMinutes(start, end time.Time, c Clock) int {
	return WholeMinutes(Elapsed(start, end, c))
}

// ElapsedSeconds returns whole elapsed seconds for the live countdown.
func ElapsedSeconds(start, end time.Time, c Clock) int64 {
	return int64(Elapsed(start, end, c) / time.Second)
}

// ElapsedMinutesISO is ElapsedMinutes over ISO-8601 strings. An empty end
// means now.
func ElapsedMinutesISO(start, end string, c Clock) (int, error) {
	s, err := ParseTimestamp(start)
	if err != nil {
		return 0, err
	}
	var e time.Time
	if strings.TrimSpace(end) != "" {
		if e, err = ParseTimestamp(end); err != nil {
			return 0, err
		}
	}
	return ElapsedMinutes(s, e, c), nil
}

// WholeMinutes floors d to whole minutes, never below zero.
func WholeMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(d / time.Minute)
}

// MinutesToDuration converts a fractional minute count to a duration rounded
// to the nearest nanosecond.
func MinutesToDuration(minutes float64) time.Duration {
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes*float64(time.Minute) + 0.5)
}
