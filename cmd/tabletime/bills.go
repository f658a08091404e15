package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/tabletime/internal/clock"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/spf13/cobra"
)

var (
	billsTable     string
	billsGame      string
	billsSince     string
	billsUntil     string
	billsLimit     int
	billsOlderThan time.Duration
)

var billsCmd = &cobra.Command{
	Use:   "bills",
	Short: "Inspect and prune persisted bills",
}

var billsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List persisted bills, newest first",
	Example: `  tabletime bills list --table T1 --since 2024-03-01T00:00:00Z`,
	Args:    cobra.NoArgs,
	RunE:    runBillsList,
}

var billsShowCmd = &cobra.Command{
	Use:     "show BILL",
	Short:   "Print a persisted bill",
	Example: `  tabletime bills show 3f0c9a6e-5d7b-4c1e-9e43-0f6a2b1d8c55`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBillsShow,
}

var billsPruneCmd = &cobra.Command{
	Use:     "prune",
	Short:   "Delete bills closed before a retention window",
	Example: `  tabletime bills prune --older-than 2160h`,
	Args:    cobra.NoArgs,
	RunE:    runBillsPrune,
}

func init() {
	billsListCmd.Flags().StringVar(&billsTable, "table", "", "Only bills for this table")
	billsListCmd.Flags().StringVar(&billsGame, "game", "", "Only bills for this game type")
	billsListCmd.Flags().StringVar(&billsSince, "since", "", "Closed at or after, ISO-8601")
	billsListCmd.Flags().StringVar(&billsUntil, "until", "", "Closed at or before, ISO-8601")
	billsListCmd.Flags().IntVar(&billsLimit, "limit", 50, "Maximum number of bills")
	billsListCmd.Flags().BoolVar(&outputJSON, "json", false, "Print bills as JSON")

	billsShowCmd.Flags().BoolVar(&outputJSON, "json", false, "Print the bill record as JSON")

	billsPruneCmd.Flags().DurationVar(&billsOlderThan, "older-than", 0, "Retention window (required)")
	_ = billsPruneCmd.MarkFlagRequired("older-than")

	billsCmd.AddCommand(billsListCmd, billsShowCmd, billsPruneCmd)
	rootCmd.AddCommand(billsCmd)
}

func billFilter() (storage.BillFilter, error) {
	filter := storage.BillFilter{TableID: billsTable, GameType: billsGame, Limit: billsLimit}
	if billsSince != "" {
		t, err := clock.ParseTimestamp(billsSince)
		if err != nil {
			return filter, err
		}
		filter.StartTime = &t
	}
	if billsUntil != "" {
		t, err := clock.ParseTimestamp(billsUntil)
		if err != nil {
			return filter, err
		}
		filter.EndTime = &t
	}
	return filter, nil
}

func runBillsList(cmd *cobra.Command, args []string) error {
	filter, err := billFilter()
	if err != nil {
		return err
	}

	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	records, err := store.Bills().QueryBills(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query bills: %w", err)
	}

	if outputJSON {
		return writeJSON(os.Stdout, records)
	}

	places := int32(cfg.Billing.CurrencyPlaces)
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintf(os.Stdout, "%-20s  %-8s  %-10s  %6s  %12s\n", "CLOSED", "TABLE", "GAME", "MIN", "TOTAL")
	for _, rec := range records {
		_, _ = fmt.Fprintf(os.Stdout, "%-20s  %-8s  %-10s  %6d  %12s\n",
			clock.FormatTimestamp(rec.ClosedAt), rec.TableID, rec.GameType,
			rec.Bill.BillableMinutes, rec.Bill.Total.StringFixed(places))
	}
	_, _ = fmt.Fprintf(os.Stdout, "\n%d bill(s)\n", len(records))
	return nil
}

func runBillsShow(cmd *cobra.Command, args []string) error {
	cfg, store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := store.Bills().GetBill(ctx, args[0])
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("bill %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to load bill: %w", err)
	}

	if outputJSON {
		return writeJSON(os.Stdout, rec)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Bill %s closed %s\n", rec.ID, clock.FormatTimestamp(rec.ClosedAt))
	printBill(os.Stdout, rec.Bill, int32(cfg.Billing.CurrencyPlaces))
	return nil
}

func runBillsPrune(cmd *cobra.Command, args []string) error {
	if billsOlderThan <= 0 {
		return fmt.Errorf("--older-than must be positive")
	}

	_, store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-billsOlderThan)
	deleted, err := store.Bills().DeleteBillsBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune bills: %w", err)
	}

	_, _ = color.New(color.FgGreen).Fprintf(os.Stdout, "Deleted %d bill(s) closed before %s\n", deleted, clock.FormatTimestamp(cutoff))
	return nil
}

func openStore() (*config.Config, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogger(cfg.Logging)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return cfg, store, nil
}
