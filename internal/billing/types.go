// Package billing prices table sessions against day/night rate rules and
// splits the result across the players who occupied the table.
package billing

import (
	"fmt"
	"strings"

	"github.com/goodtune/tabletime/internal/session"
	"github.com/shopspring/decimal"
)

// Line item titles for table time.
const (
	TitleDayMinutes   = "Day Minutes"
	TitleNightMinutes = "Night Minutes"
)

// Product is a meal or product charge added to the table bill.
type Product struct {
	Name     string          `json:"name" mapstructure:"name"`
	Category string          `json:"category,omitempty" mapstructure:"category"`
	Amount   decimal.Decimal `json:"amount" mapstructure:"amount"`
}

// LineItem is one row of the bill. Minutes is zero for products.
type LineItem struct {
	Title    string          `json:"title"`
	Category string          `json:"category,omitempty"`
	Minutes  int             `json:"time"`
	Amount   decimal.Decimal `json:"amount"`
}

// SplitMode selects how a bill is allocated across players.
//
// SplitByTime follows handovers only: each closed segment belongs to the
// customer it was closed for and the open segment to the current primary
// player. Players who share a table without a handover get no minutes, so
// tables shared from the start should use SplitEven.
type SplitMode string

const (
	SplitNone   SplitMode = ""
	SplitByTime SplitMode = "by_time"
	SplitEven   SplitMode = "even"
)

// ParseSplitMode accepts "", "none", "by_time"/"time" and "even".
func ParseSplitMode(s string) (SplitMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SplitNone, nil
	case "by_time", "time", "bytime":
		return SplitByTime, nil
	case "even", "equal":
		return SplitEven, nil
	default:
		return SplitNone, fmt.Errorf("unknown split mode %q", s)
	}
}

// Options are the checkout adjustments applied on top of the table charge.
type Options struct {
	// Discount is a flat amount, clamped to [0, SubTotal].
	Discount decimal.Decimal
	// TaxRate is a percentage applied after the discount.
	TaxRate decimal.Decimal
	Split   SplitMode
}

// CustomerShare is one player's allocation of the subtotal.
type CustomerShare struct {
	Player  session.Player  `json:"player"`
	Minutes int             `json:"minutes"`
	Amount  decimal.Decimal `json:"amount"`
}

// BillBreakup is the priced result for one session.
type BillBreakup struct {
	TableID             string          `json:"table_id"`
	SessionID           string          `json:"session_id,omitempty"`
	GameType            string          `json:"game_type"`
	LineItems           []LineItem      `json:"line_items"`
	DayMinutes          int             `json:"day_minutes"`
	NightMinutes        int             `json:"night_minutes"`
	BillableMinutes     int             `json:"billable_minutes"`
	GameTotal           decimal.Decimal `json:"game_total"`
	SubTotal            decimal.Decimal `json:"sub_total"`
	Discount            decimal.Decimal `json:"discount"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	CustomerBillBreakup []CustomerShare `json:"customer_bill_breakup,omitempty"`
	Warnings            []string        `json:"warnings,omitempty"`
}
