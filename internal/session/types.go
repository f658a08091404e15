package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/goodtune/tabletime/internal/clock"
	"github.com/shopspring/decimal"
)

// Status is the occupancy state of a table.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Player is a customer at the table: either a resolved customer id or a
// free-text name such as "CASH".
type Player struct {
	CustomerID string `json:"customer_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Key identifies the player for time attribution.
func (p Player) Key() string {
	if id := strings.TrimSpace(p.CustomerID); id != "" {
		return "id:" + id
	}
	return "name:" + strings.ToUpper(strings.TrimSpace(p.Name))
}

func (p Player) String() string {
	if p.Name != "" {
		return p.Name
	}
	return p.CustomerID
}

func (p Player) valid() bool {
	return strings.TrimSpace(p.CustomerID) != "" || strings.TrimSpace(p.Name) != ""
}

// Interval is a closed wall-clock range.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// BreakEvent records the part of a session billed to a customer who handed
// the table over to someone else.
type BreakEvent struct {
	ID          string          `json:"id"`
	TableID     string          `json:"table_id"`
	SessionID   string          `json:"session_id"`
	Customer    Player          `json:"customer"`
	From        time.Time       `json:"from"`
	To          time.Time       `json:"to"`
	PauseMinute float64         `json:"pause_minute"`
	Minutes     int             `json:"minutes"`
	Amount      decimal.Decimal `json:"amount"`
}

// Segment is a span of table time attributed to one player. Pauses lists the
// closed pause intervals inside it; PauseMinute is their total and may exceed
// the recorded intervals for sessions restored from older records.
type Segment struct {
	GameType    string     `json:"game_type"`
	Player      Player     `json:"player"`
	From        time.Time  `json:"from"`
	To          time.Time  `json:"to"`
	Pauses      []Interval `json:"pauses,omitempty"`
	PauseMinute float64    `json:"pause_minute"`
}

// Billable returns To-From minus paused time, never negative.
func (s Segment) Billable() time.Duration {
	d := s.To.Sub(s.From) - clock.MinutesToDuration(s.PauseMinute)
	if d < 0 {
		return 0
	}
	return d
}

// PlayerTime is the billable minutes attributed to one player.
type PlayerTime struct {
	Player  Player `json:"player"`
	Minutes int    `json:"minutes"`
}

// TableSession is one table's current or most recent session.
type TableSession struct {
	ID                 string       `json:"id,omitempty"`
	TableID            string       `json:"table_id"`
	Status             Status       `json:"status"`
	GameType           string       `json:"game_type,omitempty"`
	Players            []Player     `json:"players,omitempty"`
	StartTime          *time.Time   `json:"start_time,omitempty"`
	PauseTime          *time.Time   `json:"pause_time,omitempty"`
	PauseMinute        float64      `json:"pause_minute"`
	EndTime            *time.Time   `json:"end_time,omitempty"`
	Pauses             []Interval   `json:"pauses,omitempty"`
	Breaks             []BreakEvent `json:"breaks,omitempty"`
	SegmentStart       *time.Time   `json:"segment_start,omitempty"`
	SegmentPauseMinute float64      `json:"segment_pause_minute"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Validate checks the status/timestamp invariants.
func (s TableSession) Validate() error {
	if strings.TrimSpace(s.TableID) == "" {
		return fmt.Errorf("table id is required")
	}
	switch s.Status {
	case StatusIdle:
		if s.StartTime != nil || s.PauseTime != nil || s.EndTime != nil {
			return fmt.Errorf("idle session must not carry timestamps")
		}
		return nil
	case StatusRunning, StatusPaused, StatusStopped:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}

	if s.StartTime == nil {
		return fmt.Errorf("%s session requires start_time", s.Status)
	}
	if (s.Status == StatusPaused) != (s.PauseTime != nil) {
		return fmt.Errorf("pause_time must be set exactly when paused")
	}
	if (s.Status == StatusStopped) != (s.EndTime != nil) {
		return fmt.Errorf("end_time must be set exactly when stopped")
	}
	if s.Status != StatusStopped && len(s.Players) == 0 {
		return fmt.Errorf("%s session requires at least one player", s.Status)
	}
	if s.PauseTime != nil && s.PauseTime.Before(*s.StartTime) {
		return fmt.Errorf("pause_time precedes start_time")
	}
	if s.EndTime != nil && s.EndTime.Before(*s.StartTime) {
		return fmt.Errorf("end_time precedes start_time")
	}
	if s.PauseMinute < 0 {
		return fmt.Errorf("pause_minute must not be negative")
	}
	return nil
}

// Clone returns a deep copy.
func (s TableSession) Clone() TableSession {
	out := s
	out.Players = append([]Player(nil), s.Players...)
	out.Pauses = append([]Interval(nil), s.Pauses...)
	out.Breaks = append([]BreakEvent(nil), s.Breaks...)
	out.StartTime = copyTime(s.StartTime)
	out.PauseTime = copyTime(s.PauseTime)
	out.EndTime = copyTime(s.EndTime)
	out.SegmentStart = copyTime(s.SegmentStart)
	return out
}

// Primary returns the player currently responsible for the table.
func (s TableSession) Primary() Player {
	if len(s.Players) == 0 {
		return Player{}
	}
	return s.Players[0]
}

// PausedDuration is the accumulated closed pause time.
func (s TableSession) PausedDuration() time.Duration {
	return clock.MinutesToDuration(s.PauseMinute)
}

// reference is the instant billing measures up to: end, open pause, or now.
func (s TableSession) reference(now time.Time) time.Time {
	switch {
	case s.EndTime != nil:
		return *s.EndTime
	case s.PauseTime != nil:
		return *s.PauseTime
	default:
		return now
	}
}

// BillableDuration is (end or pause or now) - start - paused time, clamped at
// zero. skewed reports that clamping was needed.
func (s TableSession) BillableDuration(now time.Time) (d time.Duration, skewed bool) {
	if s.StartTime == nil {
		return 0, false
	}
	d = s.reference(now).Sub(*s.StartTime) - s.PausedDuration()
	if d < 0 {
		return 0, true
	}
	return d, false
}

// BillableMinutes floors BillableDuration to whole minutes.
func (s TableSession) BillableMinutes(now time.Time) int {
	d, _ := s.BillableDuration(now)
	return clock.WholeMinutes(d)
}

// Whole returns the entire session as a single segment.
func (s TableSession) Whole(now time.Time) Segment {
	seg := Segment{GameType: s.GameType, Player: s.Primary(), PauseMinute: s.PauseMinute}
	if s.StartTime == nil {
		return seg
	}
	seg.From = *s.StartTime
	seg.To = s.reference(now)
	seg.Pauses = append([]Interval(nil), s.Pauses...)
	return seg
}

// CurrentSegment returns the open segment owned by the primary player.
func (s TableSession) CurrentSegment(now time.Time) Segment {
	seg := Segment{GameType: s.GameType, Player: s.Primary(), PauseMinute: s.SegmentPauseMinute}
	from := s.SegmentStart
	if from == nil {
		from = s.StartTime
	}
	if from == nil {
		return seg
	}
	seg.From = *from
	seg.To = s.reference(now)
	seg.Pauses = pausesWithin(s.Pauses, seg.From, seg.To)
	return seg
}

// PlayerTimes attributes billable minutes to players: each break segment to
// the customer it was closed for, the open segment to the primary player.
// Order follows Players; customers only seen in breaks are appended.
func (s TableSession) PlayerTimes(now time.Time) []PlayerTime {
	out := make([]PlayerTime, 0, len(s.Players))
	index := make(map[string]int, len(s.Players))
	add := func(p Player, minutes int) {
		if i, ok := index[p.Key()]; ok {
			out[i].Minutes += minutes
			return
		}
		index[p.Key()] = len(out)
		out = append(out, PlayerTime{Player: p, Minutes: minutes})
	}

	for _, p := range s.Players {
		add(p, 0)
	}
	for _, b := range s.Breaks {
		add(b.Customer, b.Minutes)
	}
	if s.StartTime != nil && len(s.Players) > 0 {
		add(s.Primary(), clock.WholeMinutes(s.CurrentSegment(now).Billable()))
	}
	return out
}

func pausesWithin(pauses []Interval, from, to time.Time) []Interval {
	var out []Interval
	for _, p := range pauses {
		if !p.Start.Before(from) && !p.End.After(to) {
			out = append(out, p)
		}
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
