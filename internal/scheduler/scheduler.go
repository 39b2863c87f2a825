// Package scheduler runs the batch tick: once per interval it evaluates every
// active position against a single logical as-of timestamp. Positions are
// independent, so the batch fans out over a bounded worker pool; each position
// is evaluated by exactly one worker per tick, which keeps the payload+meta
// read-modify-write serialized without locks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/quantfall/trendphase/internal/data"
	"github.com/quantfall/trendphase/internal/domain"
	"github.com/quantfall/trendphase/internal/engine"
	"github.com/quantfall/trendphase/internal/events"
	"github.com/quantfall/trendphase/internal/metrics"
	"github.com/quantfall/trendphase/internal/persistence"
)

// Config holds the batch runner settings.
type Config struct {
	Timeframe    string        `yaml:"timeframe"`     // snapshot/bar timeframe, e.g. "1h"
	TickInterval time.Duration `yaml:"tick_interval"` // default 1h
	Workers      int           `yaml:"workers"`       // bounded by upstream I/O capacity
	BatchTimeout time.Duration `yaml:"batch_timeout"` // global tick deadline
	BarLookback  int           `yaml:"bar_lookback"`  // bars fetched per cycle
}

// DefaultConfig returns the production batch settings.
func DefaultConfig() Config {
	return Config{
		Timeframe:    "1h",
		TickInterval: time.Hour,
		Workers:      8,
		BatchTimeout: 5 * time.Minute,
		BarLookback:  60,
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// BatchSummary is one tick's outcome statistics.
type BatchSummary struct {
	AsOf        time.Time     `json:"as_of"`
	Total       int           `json:"total"`
	Evaluated   int           `json:"evaluated"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Transitions int           `json:"transitions"`
	Duration    time.Duration `json:"duration"`
}

// Runner wires the engine to its stores and drives ticks.
type Runner struct {
	cfg       Config
	engineCfg *engine.Config
	source    *data.Source
	positions persistence.PositionRepo
	scores    persistence.ScoreLogRepo
	sink      events.Sink
	metrics   *metrics.Registry
}

// NewRunner builds a Runner. scores may be nil; a nil sink falls back to the
// log sink; reg may be nil when metrics are not exported (tests, one-shot
// CLI runs).
func NewRunner(cfg Config, engineCfg *engine.Config, source *data.Source, positions persistence.PositionRepo, scores persistence.ScoreLogRepo, sink events.Sink, reg *metrics.Registry) *Runner {
	if sink == nil {
		sink = events.LogSink{}
	}
	return &Runner{
		cfg:       cfg,
		engineCfg: engineCfg,
		source:    source,
		positions: positions,
		scores:    scores,
		sink:      sink,
		metrics:   reg,
	}
}

// Run ticks forever at the configured interval until ctx is done. The first
// tick fires immediately.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		sum := r.RunTick(ctx, time.Now().UTC())
		log.Info().
			Int("total", sum.Total).
			Int("evaluated", sum.Evaluated).
			Int("skipped", sum.Skipped).
			Int("failed", sum.Failed).
			Int("transitions", sum.Transitions).
			Dur("duration", sum.Duration).
			Msg("batch tick complete")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Backtest replays ticks over [from, to] at the given step, substituting each
// cutoff for "now". Reads go through the same point-in-time source as live
// runs, so behavior is identical by construction.
func (r *Runner) Backtest(ctx context.Context, from, to time.Time, step time.Duration) ([]BatchSummary, error) {
	if step <= 0 {
		return nil, errors.New("backtest step must be positive")
	}
	var out []BatchSummary
	for cutoff := from; !cutoff.After(to); cutoff = cutoff.Add(step) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, r.RunTick(ctx, cutoff))
	}
	return out, nil
}

// RunTick evaluates every active position once against asOf. Individual
// position failures are counted and logged, never fatal to the batch.
func (r *Runner) RunTick(ctx context.Context, asOf time.Time) BatchSummary {
	start := time.Now()
	sum := BatchSummary{AsOf: asOf}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BatchTimeout)
	defer cancel()

	actives, err := r.positions.ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active positions")
		sum.Duration = time.Since(start)
		return sum
	}
	sum.Total = len(actives)
	if r.metrics != nil {
		r.metrics.ActivePositions.Set(float64(len(actives)))
	}

	workers := r.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	type outcome struct {
		evaluated    bool
		skipped      bool
		failed       bool
		transitioned bool
	}

	jobs := make(chan domain.Position)
	results := make(chan outcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range jobs {
				var o outcome
				func() {
					defer func() {
						if rec := recover(); rec != nil {
							o = outcome{failed: true}
							log.Error().
								Str("contract", pos.Contract).
								Int64("chain_id", pos.ChainID).
								Str("panic", fmt.Sprint(rec)).
								Bytes("stack", debug.Stack()).
								Msg("position evaluation panicked")
						}
					}()
					transitioned, err := r.evaluatePosition(ctx, pos, asOf)
					switch {
					case errors.Is(err, engine.ErrInsufficientData):
						o = outcome{skipped: true}
					case err != nil:
						o = outcome{failed: true}
						log.Error().Err(err).
							Str("contract", pos.Contract).
							Int64("chain_id", pos.ChainID).
							Msg("position evaluation failed")
					default:
						o = outcome{evaluated: true, transitioned: transitioned}
					}
				}()
				results <- o
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, pos := range actives {
			select {
			case <-ctx.Done():
				return
			case jobs <- pos:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		switch {
		case o.evaluated:
			sum.Evaluated++
			if r.metrics != nil {
				r.metrics.PositionsEvaluated.Inc()
			}
		case o.skipped:
			sum.Skipped++
			if r.metrics != nil {
				r.metrics.PositionsSkipped.Inc()
			}
		case o.failed:
			sum.Failed++
			if r.metrics != nil {
				r.metrics.PositionsFailed.Inc()
			}
		}
		if o.transitioned {
			sum.Transitions++
		}
	}

	sum.Duration = time.Since(start)
	if r.metrics != nil {
		r.metrics.BatchDuration.Observe(sum.Duration.Seconds())
	}
	return sum
}

// evaluatePosition runs one position's cycle: load previous state, read all
// inputs at asOf, evaluate, write back, then best-effort observability.
func (r *Runner) evaluatePosition(ctx context.Context, pos domain.Position, asOf time.Time) (bool, error) {
	cycleStart := time.Now()

	prev, meta, err := r.positions.Load(ctx, pos)
	if err != nil {
		return false, fmt.Errorf("load state: %w", err)
	}
	if meta == nil {
		meta = engine.NewMeta(pos.Key())
	}

	snap, err := r.source.Indicators(ctx, pos, r.cfg.Timeframe, asOf)
	if err != nil {
		return false, fmt.Errorf("read indicators: %w", err)
	}
	levels, err := r.source.Levels(ctx, pos, asOf)
	if err != nil {
		return false, fmt.Errorf("read levels: %w", err)
	}
	bars, err := r.source.Bars(ctx, pos, r.cfg.Timeframe, asOf, r.cfg.BarLookback)
	if err != nil {
		return false, fmt.Errorf("read bars: %w", err)
	}

	payload, evs, err := engine.Evaluate(r.engineCfg, prev, meta, engine.Inputs{
		Position: pos,
		Snapshot: snap,
		Levels:   levels,
		Bars:     bars,
		AsOf:     asOf,
	})
	if err != nil {
		return false, err
	}

	// The one write that must not be lost.
	if err := r.positions.Save(ctx, pos, payload, meta); err != nil {
		return false, fmt.Errorf("save state: %w", err)
	}

	if r.metrics != nil {
		r.metrics.CycleDuration.Observe(time.Since(cycleStart).Seconds())
		if payload.Transitioned {
			r.metrics.Transitions.WithLabelValues(payload.PreviousState.String(), payload.State.String()).Inc()
		}
	}

	emergencyFlipped := flippedEmergency(prev, payload)
	if r.metrics != nil && emergencyFlipped {
		dir := "off"
		if payload.Flags.EmergencyExit.Active {
			dir = "on"
		}
		r.metrics.EmergencyFlips.WithLabelValues(dir).Inc()
	}

	r.appendScoreRow(ctx, pos, payload, payload.Transitioned || emergencyFlipped)
	for _, ev := range evs {
		r.sink.Emit(ctx, ev)
	}
	return payload.Transitioned, nil
}

// appendScoreRow writes the cost-controlled score log: base scores always,
// diagnostics only on transition or emergency flip. Failures are swallowed.
func (r *Runner) appendScoreRow(ctx context.Context, pos domain.Position, p *engine.Payload, full bool) {
	if r.scores == nil {
		return
	}
	row := persistence.ScoreRow{
		Contract:  pos.Contract,
		ChainID:   pos.ChainID,
		Timestamp: p.Timestamp,
		State:     p.State.String(),
		Scores:    p.Scores,
		Full:      full,
	}
	if full {
		row.Diagnostics = p.Diagnostics
	}
	if err := r.scores.Append(ctx, row); err != nil {
		log.Warn().Err(err).Str("contract", pos.Contract).Msg("score log append failed")
	}
}

func flippedEmergency(prev, cur *engine.Payload) bool {
	prevActive := prev != nil && prev.Flags.EmergencyExit.Active
	return prevActive != cur.Flags.EmergencyExit.Active
}
