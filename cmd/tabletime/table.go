package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goodtune/tabletime/internal/billing"
	"github.com/goodtune/tabletime/internal/config"
	"github.com/goodtune/tabletime/internal/events"
	"github.com/goodtune/tabletime/internal/floor"
	"github.com/goodtune/tabletime/internal/session"
	"github.com/goodtune/tabletime/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	tableGame     string
	tablePlayers  []string
	tableReassign string
	tableKeep     bool
	tableActive   bool
	tableFlags    checkoutFlags
)

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Operate a table from the command line",
	Long: `Drive a table's session directly against the configured store. Each
command restores the table, applies one transition and saves the snapshot.
Do not use these commands on a table that a running daemon owns.`,
}

var tableStartCmd = &cobra.Command{
	Use:     "start TABLE",
	Short:   "Start a session",
	Example: `  tabletime table start T1 --game pool --players CASH,id:C-104`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		players, err := parsePlayers(tablePlayers)
		if err != nil {
			return err
		}
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, err := env.registry.Start(args[0], tableGame, players)
			if err != nil {
				return err
			}
			return emitSession(s)
		})
	},
}

var tablePauseCmd = &cobra.Command{
	Use:   "pause TABLE",
	Short: "Pause a running session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, err := env.registry.Pause(args[0])
			if err != nil {
				return err
			}
			return emitSession(s)
		})
	},
}

var tableResumeCmd = &cobra.Command{
	Use:     "resume TABLE",
	Short:   "Resume a paused session, optionally handing it to another player",
	Example: `  tabletime table resume T1 --player id:C-221`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reassigned, err := parsePlayer(tableReassign)
		if err != nil {
			return err
		}
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, brk, err := env.registry.Resume(args[0], reassigned)
			if err != nil {
				return err
			}
			if brk != nil && !outputJSON {
				_, _ = fmt.Fprintf(os.Stdout, "Break recorded for %s: %s\n", brk.Customer, brk.Amount.StringFixed(env.calc.Places()))
			}
			return emitSession(s)
		})
	},
}

var tableStopCmd = &cobra.Command{
	Use:   "stop TABLE",
	Short: "Stop a session without billing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, err := env.registry.Stop(args[0])
			if errors.Is(err, session.ErrInvalidTransition) {
				env.logger.Info().Str("table", args[0]).Str("status", string(s.Status)).Msg("Table has no session to stop")
			} else if err != nil {
				return err
			}
			return emitSession(s)
		})
	},
}

var tableCheckoutCmd = &cobra.Command{
	Use:     "checkout TABLE",
	Short:   "Stop, bill and persist a session",
	Example: `  tabletime table checkout T1 --product "club sandwich:food=180" --discount 50 --split by_time`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			req, err := tableFlags.request(env.cfg.TaxRate())
			if err != nil {
				return err
			}
			res, err := env.registry.Checkout(cmd.Context(), args[0], req, !tableKeep)
			if res != nil && res.Bill != nil {
				if outputJSON {
					if werr := writeJSON(os.Stdout, res); werr != nil {
						return werr
					}
				} else {
					printBill(os.Stdout, *res.Bill, env.calc.Places())
					_, _ = fmt.Fprintf(os.Stdout, "\nCheckout %s\n", res.State)
				}
			}
			return err
		})
	},
}

var tableShowCmd = &cobra.Command{
	Use:   "show TABLE",
	Short: "Show a table's session and its running bill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, err := env.registry.Session(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(os.Stdout, s)
			}
			printSession(os.Stdout, s)
			if s.Status == session.StatusIdle {
				return nil
			}
			bill, err := env.registry.Quote(args[0], billing.Options{TaxRate: env.cfg.TaxRate()})
			if err != nil {
				return err
			}
			printBill(os.Stdout, bill, env.calc.Places())
			return nil
		})
	},
}

var tableResetCmd = &cobra.Command{
	Use:   "reset TABLE",
	Short: "Clear a stopped session so the table can be started again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			s, err := env.registry.Reset(args[0])
			if err != nil {
				return err
			}
			return emitSession(s)
		})
	},
}

var tableListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tables with a saved session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sessions, err := listTableSessions(ctx, store.Sessions(), tableActive)
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(os.Stdout, sessions)
		}
		printSessionList(os.Stdout, sessions)
		return nil
	},
}

var tableRemoveCmd = &cobra.Command{
	Use:   "remove TABLE",
	Short: "Remove an idle table and its saved session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTable(cmd.Context(), args[0], func(env *floorEnv) error {
			if err := env.registry.RemoveTable(cmd.Context(), args[0]); err != nil {
				return err
			}
			if outputJSON {
				return writeJSON(os.Stdout, map[string]string{"removed": args[0]})
			}
			_, _ = fmt.Fprintf(os.Stdout, "Removed table %s\n", args[0])
			return nil
		})
	},
}

func init() {
	tableStartCmd.Flags().StringVar(&tableGame, "game", "", "Game type (required)")
	tableStartCmd.Flags().StringSliceVar(&tablePlayers, "players", nil, "Players; prefix customer ids with id: (required)")
	_ = tableStartCmd.MarkFlagRequired("game")
	_ = tableStartCmd.MarkFlagRequired("players")

	tableResumeCmd.Flags().StringVar(&tableReassign, "player", "", "Hand the table to this player")

	addCheckoutFlags(tableCheckoutCmd, &tableFlags)
	tableListCmd.Flags().BoolVar(&tableActive, "active", false, "Only tables that are running or paused")

	tableCheckoutCmd.Flags().BoolVar(&tableKeep, "keep", false, "Leave the table stopped instead of resetting it")

	tableCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print results as JSON")
	tableCmd.AddCommand(tableStartCmd, tablePauseCmd, tableResumeCmd, tableStopCmd,
		tableCheckoutCmd, tableShowCmd, tableResetCmd, tableListCmd, tableRemoveCmd)
	rootCmd.AddCommand(tableCmd)
}

// floorEnv is a store-backed registry built for one command.
type floorEnv struct {
	cfg       *config.Config
	store     storage.Store
	calc      *billing.Calculator
	registry  *floor.Registry
	publisher *events.Publisher
	logger    zerolog.Logger
}

func openFloor(ctx context.Context, tableID string) (*floorEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	book, calc, err := newEngine(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	env := &floorEnv{cfg: cfg, store: store, calc: calc, logger: logger}
	opts := []floor.Option{
		floor.WithStore(store.Sessions()),
		floor.WithPersist(storage.Persister(store, nil)),
		floor.WithLogger(logger),
	}
	if cfg.Events.Enabled {
		env.publisher, err = events.Dial(cfg.Events, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Event publisher unavailable, continuing without events")
		} else {
			env.publisher.Start()
			opts = append(opts,
				floor.WithObserver(env.publisher),
				floor.WithCheckoutHook(env.publisher.OnCheckout),
			)
		}
	}

	target, err := cfg.CountdownTarget()
	if err != nil {
		env.close()
		return nil, err
	}
	env.registry = floor.NewRegistry(book, calc, floor.Config{CountdownTarget: target}, opts...)
	if _, err := env.registry.RestoreTable(ctx, tableID); err != nil {
		env.close()
		return nil, err
	}
	return env, nil
}

func (env *floorEnv) close() {
	if env.publisher != nil {
		if err := env.publisher.Close(); err != nil {
			env.logger.Error().Err(err).Msg("Error closing event publisher")
		}
	}
	if err := env.store.Close(); err != nil {
		env.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

func withTable(ctx context.Context, tableID string, fn func(env *floorEnv) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	env, err := openFloor(ctx, tableID)
	if err != nil {
		return err
	}
	defer env.close()
	return fn(env)
}

// listTableSessions returns saved snapshots ordered by table id. active keeps
// only running and paused sessions.
func listTableSessions(ctx context.Context, store storage.SessionStore, active bool) ([]session.TableSession, error) {
	list := store.ListSessions
	if active {
		list = store.ListActiveSessions
	}
	sessions, err := list(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].TableID < sessions[j].TableID })
	return sessions, nil
}

func emitSession(s session.TableSession) error {
	if outputJSON {
		return writeJSON(os.Stdout, s)
	}
	printSession(os.Stdout, s)
	return nil
}
