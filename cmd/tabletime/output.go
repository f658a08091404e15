package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/session"
)

// outputJSON switches table and quote output to indented JSON.
var outputJSON bool

func printBill(w io.Writer, bill billing.BillBreakup, places int32) {
	cyan := color.New(color.FgCyan, color.Bold)
	yellow := color.New(color.FgYellow)
	green := color.New(color.FgGreen, color.Bold)

	_, _ = cyan.Fprintf(w, "\nBill for table %s (%s)\n", bill.TableID, bill.GameType)
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 48))
	for _, item := range bill.LineItems {
		label := item.Title
		if item.Minutes > 0 {
			label = fmt.Sprintf("%s (%d min)", item.Title, item.Minutes)
		}
		_, _ = fmt.Fprintf(w, "  %-34s %11s\n", label, item.Amount.StringFixed(places))
	}
	_, _ = fmt.Fprintln(w, strings.Repeat("-", 48))
	_, _ = fmt.Fprintf(w, "  %-34s %11s\n", "Sub total", bill.SubTotal.StringFixed(places))
	if !bill.Discount.IsZero() {
		_, _ = fmt.Fprintf(w, "  %-34s %11s\n", "Discount", bill.Discount.Neg().StringFixed(places))
	}
	if !bill.Tax.IsZero() {
		_, _ = fmt.Fprintf(w, "  %-34s %11s\n", fmt.Sprintf("Tax (%s%%)", bill.TaxRate), bill.Tax.StringFixed(places))
	}
	_, _ = green.Fprintf(w, "  %-34s %11s\n", "Total", bill.Total.StringFixed(places))

	if len(bill.CustomerBillBreakup) > 0 {
		_, _ = cyan.Fprintln(w, "\nPer player")
		for _, share := range bill.CustomerBillBreakup {
			_, _ = fmt.Fprintf(w, "  %-24s %4d min %11s\n", share.Player, share.Minutes, share.Amount.StringFixed(places))
		}
	}
	for _, warning := range bill.Warnings {
		_, _ = yellow.Fprintf(w, "\nwarning: %s\n", warning)
	}
}

func printSession(w io.Writer, s session.TableSession) {
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Fprintf(w, "Table %s: %s\n", s.TableID, s.Status)
	if s.Status == session.StatusIdle {
		return
	}
	players := make([]string, 0, len(s.Players))
	for _, p := range s.Players {
		players = append(players, p.String())
	}
	_, _ = fmt.Fprintf(w, "  session:  %s\n", s.ID)
	_, _ = fmt.Fprintf(w, "  game:     %s\n", s.GameType)
	_, _ = fmt.Fprintf(w, "  players:  %s\n", strings.Join(players, ", "))
	if s.StartTime != nil {
		_, _ = fmt.Fprintf(w, "  started:  %s\n", clock.FormatTimestamp(*s.StartTime))
	}
	if s.PauseTime != nil {
		_, _ = fmt.Fprintf(w, "  paused:   %s\n", clock.FormatTimestamp(*s.PauseTime))
	}
	if s.EndTime != nil {
		_, _ = fmt.Fprintf(w, "  ended:    %s\n", clock.FormatTimestamp(*s.EndTime))
	}
	if s.PauseMinute > 0 {
		_, _ = fmt.Fprintf(w, "  paused for %.1f min\n", s.PauseMinute)
	}
	if len(s.Breaks) > 0 {
		_, _ = fmt.Fprintf(w, "  breaks:   %d\n", len(s.Breaks))
	}
}

func printSessionList(w io.Writer, sessions []session.TableSession) {
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintf(w, "%-8s  %-8s  %-10s  %-20s  %s\n", "TABLE", "STATUS", "GAME", "STARTED", "PLAYERS")
	for _, s := range sessions {
		started := "-"
		if s.StartTime != nil {
			started = clock.FormatTimestamp(*s.StartTime)
		}
		players := make([]string, 0, len(s.Players))
		for _, p := range s.Players {
			players = append(players, p.String())
		}
		_, _ = fmt.Fprintf(w, "%-8s  %-8s  %-10s  %-20s  %s\n", s.TableID, s.Status, s.GameType, started, strings.Join(players, ", "))
	}
	_, _ = fmt.Fprintf(w, "\n%d table(s)\n", len(sessions))
}
