package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	quoteGame    string
	quoteStart   string
	quoteEnd     string
	quotePauses  []string
	quotePlayers []string
	quoteFlags   checkoutFlags
)

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Price a hypothetical session",
	Long: `Price a session between two instants against the configured rate book
without touching any table. Timestamps without an offset are read as UTC.`,
	Example: `  tabletime quote --game pool --start 2024-03-01T23:50:00Z --end 2024-03-02T00:20:00Z
  tabletime quote --game snooker --start 2024-03-01T14:00:00Z --end 2024-03-01T15:10:00Z \
    --pause 2024-03-01T14:30:00Z/2024-03-01T14:40:00Z --product tea:drinks=40 --tax 5`,
	Args: cobra.NoArgs,
	RunE: runQuote,
}

func init() {
	quoteCmd.Flags().StringVar(&quoteGame, "game", "", "Game type (required)")
	quoteCmd.Flags().StringVar(&quoteStart, "start", "", "Session start, ISO-8601 (required)")
	quoteCmd.Flags().StringVar(&quoteEnd, "end", "", "Session end, ISO-8601 (required)")
	quoteCmd.Flags().StringArrayVar(&quotePauses, "pause", nil, "Pause interval START/END (repeatable)")
	quoteCmd.Flags().StringSliceVar(&quotePlayers, "players", []string{"CASH"}, "Players; prefix customer ids with id:")
	addCheckoutFlags(quoteCmd, &quoteFlags)
	quoteCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the bill as JSON")
	_ = quoteCmd.MarkFlagRequired("game")
	_ = quoteCmd.MarkFlagRequired("start")
	_ = quoteCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(quoteCmd)
}

func addCheckoutFlags(cmd *cobra.Command, f *checkoutFlags) {
	cmd.Flags().StringArrayVar(&f.products, "product", nil, "Product charge name[:category]=amount (repeatable)")
	cmd.Flags().StringVar(&f.discount, "discount", "", "Flat discount amount")
	cmd.Flags().StringVar(&f.taxRate, "tax", "", "Tax percentage (defaults to billing.default_tax_rate)")
	cmd.Flags().StringVar(&f.split, "split", "", "Split the bill across players: by_time (by handover segments) or even")
}

func runQuote(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	book, calc, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	start, err := clock.ParseTimestamp(quoteStart)
	if err != nil {
		return err
	}
	end, err := clock.ParseTimestamp(quoteEnd)
	if err != nil {
		return err
	}
	pauses, err := parsePauses(quotePauses)
	if err != nil {
		return err
	}
	players, err := parsePlayers(quotePlayers)
	if err != nil {
		return err
	}
	req, err := quoteFlags.request(cfg.TaxRate())
	if err != nil {
		return err
	}

	s, err := replaySession(book, quoteGame, players, start, end, pauses)
	if err != nil {
		return err
	}

	bill, err := calc.Compute(s, end, req.Products, billing.Options{
		Discount: req.Discount,
		TaxRate:  req.TaxRate,
		Split:    req.Split,
	})
	if err != nil {
		return err
	}

	if outputJSON {
		return writeJSON(os.Stdout, bill)
	}
	printBill(os.Stdout, bill, calc.Places())
	return nil
}

// parsePauses parses START/END pairs and returns them in start order.
func parsePauses(values []string) ([]session.Interval, error) {
	pauses := make([]session.Interval, 0, len(values))
	for _, v := range values {
		from, to, ok := strings.Cut(v, "/")
		if !ok {
			return nil, fmt.Errorf("invalid pause %q (expected START/END)", v)
		}
		start, err := clock.ParseTimestamp(from)
		if err != nil {
			return nil, err
		}
		end, err := clock.ParseTimestamp(to)
		if err != nil {
			return nil, err
		}
		if !end.After(start) {
			return nil, fmt.Errorf("invalid pause %q: end must be after start", v)
		}
		pauses = append(pauses, session.Interval{Start: start, End: end})
	}
	sort.Slice(pauses, func(i, j int) bool { return pauses[i].Start.Before(pauses[j].Start) })
	return pauses, nil
}

// replaySession drives a machine on a test clock through start, the given
// pauses and stop, yielding the session a real table would have recorded.
func replaySession(rules session.RuleResolver, gameType string, players []session.Player, start, end time.Time, pauses []session.Interval) (session.TableSession, error) {
	if !end.After(start) {
		return session.TableSession{}, fmt.Errorf("end %s must be after start %s", clock.FormatTimestamp(end), clock.FormatTimestamp(start))
	}

	tc := clock.NewTestClock(start)
	m := session.NewMachine("quote", rules, session.WithClock(tc), session.WithLogger(zerolog.Nop()))
	if _, err := m.Start(gameType, players); err != nil {
		return session.TableSession{}, err
	}

	last := start
	for _, p := range pauses {
		if p.Start.Before(last) || p.End.After(end) {
			return session.TableSession{}, fmt.Errorf("pause %s/%s overlaps another pause or falls outside the session",
				clock.FormatTimestamp(p.Start), clock.FormatTimestamp(p.End))
		}
		tc.Set(p.Start)
		if _, err := m.Pause(); err != nil {
			return session.TableSession{}, err
		}
		tc.Set(p.End)
		if _, _, err := m.Resume(nil); err != nil {
			return session.TableSession{}, err
		}
		last = p.End
	}

	tc.Set(end)
	return m.Stop()
}
