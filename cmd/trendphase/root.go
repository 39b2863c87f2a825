package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfall/trendphase/data/cache"
	"github.com/quantfall/trendphase/internal/data"
	"github.com/quantfall/trendphase/internal/engine"
	"github.com/quantfall/trendphase/internal/events"
	"github.com/quantfall/trendphase/internal/httpapi"
	"github.com/quantfall/trendphase/internal/metrics"
	"github.com/quantfall/trendphase/internal/persistence"
	"github.com/quantfall/trendphase/internal/persistence/postgres"
	"github.com/quantfall/trendphase/internal/scheduler"
)

const dbTimeout = 10 * time.Second

// Execute runs the trendphase CLI.
func Execute(ctx context.Context) error {
	var (
		dsn        string
		configPath string
	)

	root := &cobra.Command{
		Use:   "trendphase",
		Short: "Uptrend phase-detection engine",
	}
	root.PersistentFlags().StringVar(&dsn, "db", os.Getenv("DATABASE_URL"), "postgres DSN (defaults to DATABASE_URL)")
	root.PersistentFlags().StringVar(&configPath, "config", "", "batch config YAML (defaults apply when empty)")

	root.AddCommand(runCmd(&dsn, &configPath))
	root.AddCommand(onceCmd(&dsn, &configPath))
	root.AddCommand(backtestCmd(&dsn, &configPath))
	return root.ExecuteContext(ctx)
}

// wiring bundles everything a command needs after setup.
type wiring struct {
	runner    *scheduler.Runner
	positions persistence.PositionRepo
	source    *data.Source
	metrics   *metrics.Registry
	db        *sqlx.DB
}

func setup(dsn, configPath string) (*wiring, error) {
	if dsn == "" {
		return nil, fmt.Errorf("no database DSN: set --db or DATABASE_URL")
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	cfg := scheduler.DefaultConfig()
	if configPath != "" {
		cfg, err = scheduler.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
	}

	positions := postgres.NewPositionRepo(db, dbTimeout)
	scores := postgres.NewScoreLogRepo(db, dbTimeout)
	outbox := postgres.NewEventOutbox(db, dbTimeout)
	sink := events.MultiSink{events.LogSink{}, outboxSink{outbox}}

	store := data.NewPGStore(db, dbTimeout)
	source := data.NewSource(store, cache.NewAuto(), 50.0, 24*time.Hour)

	reg := metrics.NewRegistry()
	runner := scheduler.NewRunner(cfg, engine.DefaultConfig(), source, positions, scores, sink, reg)

	return &wiring{runner: runner, positions: positions, source: source, metrics: reg, db: db}, nil
}

// outboxSink adapts the best-effort outbox to the Sink interface: insert
// failures are logged and swallowed.
type outboxSink struct {
	outbox persistence.EventOutbox
}

func (o outboxSink) Emit(ctx context.Context, ev events.Event) {
	if err := o.outbox.Insert(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event", string(ev.Type)).Msg("event outbox insert failed")
	}
}

func runCmd(dsn, configPath *string) *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run periodic batch ticks with the HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := setup(*dsn, *configPath)
			if err != nil {
				return err
			}
			defer w.db.Close()

			ctx := cmd.Context()
			srv := httpapi.New(w.metrics, w.positions, w.source)
			go func() {
				if err := srv.ListenAndServe(ctx, httpAddr); err != nil {
					log.Error().Err(err).Msg("http server stopped")
				}
			}()

			log.Info().Msg("trendphase starting")
			return w.runner.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", ":8093", "HTTP listen address")
	return cmd
}

func onceCmd(dsn, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single batch tick at the current time",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := setup(*dsn, *configPath)
			if err != nil {
				return err
			}
			defer w.db.Close()

			sum := w.runner.RunTick(cmd.Context(), time.Now().UTC())
			log.Info().
				Int("total", sum.Total).
				Int("evaluated", sum.Evaluated).
				Int("skipped", sum.Skipped).
				Int("failed", sum.Failed).
				Int("transitions", sum.Transitions).
				Msg("tick complete")
			if sum.Failed > 0 {
				return fmt.Errorf("%d position(s) failed", sum.Failed)
			}
			return nil
		},
	}
}

func backtestCmd(dsn, configPath *string) *cobra.Command {
	var (
		fromStr string
		toStr   string
		step    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay ticks over a historical window",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := time.Parse(time.RFC3339, fromStr)
			if err != nil {
				return fmt.Errorf("parse --from: %w", err)
			}
			to, err := time.Parse(time.RFC3339, toStr)
			if err != nil {
				return fmt.Errorf("parse --to: %w", err)
			}

			w, err := setup(*dsn, *configPath)
			if err != nil {
				return err
			}
			defer w.db.Close()

			sums, err := w.runner.Backtest(cmd.Context(), from, to, step)
			if err != nil {
				return err
			}
			var evaluated, failed, transitions int
			for _, s := range sums {
				evaluated += s.Evaluated
				failed += s.Failed
				transitions += s.Transitions
			}
			log.Info().
				Int("ticks", len(sums)).
				Int("evaluated", evaluated).
				Int("failed", failed).
				Int("transitions", transitions).
				Msg("backtest complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&fromStr, "from", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&toStr, "to", "", "window end (RFC3339)")
	cmd.Flags().DurationVar(&step, "step", time.Hour, "tick step")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
