// Package harness runs parity cases: it builds the engines for the baseline
// and latest stages, optionally try-runs the prior stage in a child process,
// and compares the outputs.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/example/go-op-parity/internal/bench"
	"github.com/example/go-op-parity/internal/bench/stageprof"
	"github.com/example/go-op-parity/internal/compare"
	"github.com/example/go-op-parity/internal/config"
	"github.com/example/go-op-parity/internal/graph"
	"github.com/example/go-op-parity/internal/observability"
	"github.com/example/go-op-parity/internal/runner"
	"github.com/example/go-op-parity/internal/tensor"
)

// ErrNoSource is returned when a try-run is requested for a case that was not
// loaded from a file.
var ErrNoSource = errors.New("harness: case has no source file")

type Harness struct {
	cfg      config.Config
	launcher runner.Launcher
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New returns a harness. A nil launcher uses a runner.ProcessLauncher and a
// nil logger uses slog.Default. metrics may be nil.
func New(cfg config.Config, launcher runner.Launcher, logger *slog.Logger, metrics *observability.Metrics) *Harness {
	if logger == nil {
		logger = slog.Default()
	}

	if launcher == nil {
		launcher = &runner.ProcessLauncher{Logger: logger}
	}

	return &Harness{cfg: cfg, launcher: launcher, logger: logger, metrics: metrics}
}

// Report is the outcome of one case.
type Report struct {
	Case     string                       `json:"case"`
	Stage    string                       `json:"stage"`
	Baseline string                       `json:"baseline"`
	Errors   compare.ErrorMap             `json:"errors"`
	Timings  map[string]time.Duration     `json:"timings"`
	Kernel   map[string]graph.KernelStats `json:"kernel"`
	TryRun   *runner.Outcome              `json:"try_run,omitempty"`
}

func (r Report) Passed() bool { return len(r.Errors) == 0 }

// BaselineStage is the stage the configured stage is compared against.
func (h *Harness) BaselineStage() string {
	if h.cfg.Stage.EnableDiff {
		if prior, ok := config.PriorStage(h.cfg.Stage.Name); ok {
			return prior
		}
	}

	return config.StageDynamic
}

// Run executes c at the baseline and configured stages and compares them.
func (h *Harness) Run(ctx context.Context, c *graph.Case) (Report, error) {
	stage := h.cfg.Stage.Name
	base := h.BaselineStage()
	log := h.logger.With("case", c.Name, "stage", stage, "baseline", base)

	rep := Report{
		Case:     c.Name,
		Stage:    stage,
		Baseline: base,
		Errors:   compare.ErrorMap{},
		Timings:  map[string]time.Duration{},
		Kernel:   map[string]graph.KernelStats{},
	}

	schema, err := graph.NewSchema(c)
	if err != nil {
		return rep, err
	}

	params, err := graph.BuildParamTable(schema, c.Seed)
	if err != nil {
		return rep, err
	}

	if h.cfg.Stage.EnableDiff && h.cfg.Stage.EnableTryRun && !h.cfg.Child {
		outcome, err := h.tryRun(ctx, c, base)
		if outcome != nil {
			rep.TryRun = outcome
		}

		if err != nil {
			return rep, err
		}
	}

	timings := stageprof.NewTimings()

	var expect, latest graph.Outputs

	err = timings.Time(ctx, base, func(ctx context.Context) error {
		out, stats, err := h.runStage(ctx, c, schema, params, base)
		expect, rep.Kernel[base] = out, stats

		return err
	})
	if err != nil {
		return rep, fmt.Errorf("harness: %s baseline %s: %w", c.Name, base, err)
	}

	err = timings.Time(ctx, stage, func(ctx context.Context) error {
		out, stats, err := h.runStage(ctx, c, schema, params, stage)
		latest, rep.Kernel[stage] = out, stats

		return err
	})
	if err != nil {
		return rep, fmt.Errorf("harness: %s stage %s: %w", c.Name, stage, err)
	}

	rep.Timings = timings.Snapshot()
	for s, d := range rep.Timings {
		h.metrics.RecordStage(ctx, s, d)
	}

	host, err := graph.Materialize(expect)
	if err != nil {
		return rep, err
	}

	opts, err := h.compareOptions(c)
	if err != nil {
		return rep, err
	}

	_, err = compare.CompareHost(latest, host, stage+"_eval", base+"_eval", rep.Errors, opts)
	if err != nil {
		return rep, fmt.Errorf("harness: compare %s: %w", c.Name, err)
	}

	if rep.Passed() {
		log.Info("case passed", "timings", timings.String())
	} else {
		log.Warn("case failed", "mismatches", len(rep.Errors))
	}

	return rep, nil
}

// RunChild executes only the configured stage and returns host outputs. It is
// what a try-run child does.
func (h *Harness) RunChild(ctx context.Context, c *graph.Case) (map[string]any, error) {
	schema, err := graph.NewSchema(c)
	if err != nil {
		return nil, err
	}

	params, err := graph.BuildParamTable(schema, c.Seed)
	if err != nil {
		return nil, err
	}

	out, _, err := h.runStage(ctx, c, schema, params, h.cfg.Stage.Name)
	if err != nil {
		return nil, err
	}

	return graph.Materialize(out)
}

// Measure runs c on every engine, warmup untimed runs followed by runs timed
// ones. The first timed run is cold when warmup is 0. An engine that fails to
// build or run is recorded as a single failed RunResult and the remaining
// engines are still measured.
func (h *Harness) Measure(ctx context.Context, c *graph.Case, engines []string, runs, warmup int) ([]bench.RunResult, error) {
	if runs < 1 {
		return nil, fmt.Errorf("harness: runs must be >= 1, got %d", runs)
	}

	schema, err := graph.NewSchema(c)
	if err != nil {
		return nil, err
	}

	params, err := graph.BuildParamTable(schema, c.Seed)
	if err != nil {
		return nil, err
	}

	var results []bench.RunResult

	for _, name := range engines {
		stage, err := config.NormalizeStage(name)
		if err != nil {
			return nil, err
		}

		timed, err := h.measureEngine(ctx, c, schema, params, stage, runs, warmup)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("harness: measure %s: %w", c.Name, ctxErr)
			}

			h.logger.Warn("engine failed, recorded as error", "case", c.Name, "engine", stage, "error", err)
			results = append(results, bench.RunResult{Engine: stage, Err: err})

			continue
		}

		results = append(results, timed...)
		h.logger.Debug("measured engine", "case", c.Name, "engine", stage, "runs", runs)
	}

	return results, nil
}

func (h *Harness) measureEngine(ctx context.Context, c *graph.Case, schema *graph.Schema, params *graph.ParamTable, stage string, runs, warmup int) ([]bench.RunResult, error) {
	e, err := graph.NewEngine(c, schema, h.engineOptions(stage))
	if err != nil {
		return nil, err
	}

	for range warmup {
		if _, err := e.Run(ctx, params); err != nil {
			return nil, fmt.Errorf("harness: warmup %s on %s: %w", c.Name, e.Name(), err)
		}
	}

	results := make([]bench.RunResult, 0, runs)

	for i := range runs {
		d, err := stageprof.Do(ctx, e.Name(), func(ctx context.Context) error {
			_, err := e.Run(ctx, params)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("harness: run %d of %s on %s: %w", i+1, c.Name, e.Name(), err)
		}

		stats := e.Stats()
		results = append(results, bench.RunResult{
			Engine:     e.Name(),
			Index:      i,
			Cold:       i == 0 && warmup == 0,
			Duration:   d,
			Kernels:    stats.Kernels,
			KernelTime: stats.KernelTime,
		})
	}

	return results, nil
}

func (h *Harness) runStage(ctx context.Context, c *graph.Case, schema *graph.Schema, params *graph.ParamTable, stage string) (graph.Outputs, graph.KernelStats, error) {
	e, err := graph.NewEngine(c, schema, h.engineOptions(stage))
	if err != nil {
		return nil, graph.KernelStats{}, err
	}

	out, err := e.Run(ctx, params)

	return out, e.Stats(), err
}

func (h *Harness) engineOptions(stage string) graph.EngineOptions {
	return graph.EngineOptions{
		Stage:          stage,
		EnablePrim:     h.cfg.Flags.EnablePrim,
		EnableCompiler: h.cfg.Flags.EnableCompiler,
		Logger:         h.logger,
	}
}

// compareOptions uses the configured tolerances, falling back per field to
// the default for the case dtype.
func (h *Harness) compareOptions(c *graph.Case) (compare.Options, error) {
	tol, err := tensor.DefaultTolerance(c.DType())
	if err != nil {
		return compare.Options{}, err
	}

	opts := compare.Options{
		Logger:  h.logger,
		Delta:   tol.Abs,
		RTol:    tol.Rel,
		Metrics: h.metrics,
	}

	if h.cfg.Compare.ATol > 0 {
		opts.Delta = h.cfg.Compare.ATol
	}

	if h.cfg.Compare.RTol > 0 {
		opts.RTol = h.cfg.Compare.RTol
	}

	return opts, nil
}

// tryRun launches the prior stage in a child and fails on a crash.
func (h *Harness) tryRun(ctx context.Context, c *graph.Case, stage string) (*runner.Outcome, error) {
	if c.Source == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, c.Name)
	}

	outcome, err := runner.TryRun(ctx, h.launcher, runner.Request{
		Executable: h.cfg.Runner.Executable,
		Args:       []string{"run", c.Source},
		Stage:      stage,
		RunID:      h.cfg.RunID,
		Env:        h.childEnv(),
		TailBytes:  h.cfg.Runner.StderrTailBytes,
	})
	if errors.Is(err, runner.ErrCrashed) {
		h.metrics.RecordCrash(ctx, stage)
		h.logger.Error("try-run crashed", "case", c.Name, "stage", stage, "exit_code", outcome.ExitCode)
	}

	if err != nil {
		return &outcome, fmt.Errorf("harness: try-run %s at %s: %w", c.Name, stage, err)
	}

	if outcome.ExitCode != 0 {
		h.logger.Warn("try-run failed without crashing", "case", c.Name, "stage", stage, "exit_code", outcome.ExitCode)
	}

	return &outcome, nil
}

// childEnv is the parent environment plus the settings the child must share.
// The child never diffs or try-runs itself.
func (h *Harness) childEnv() []string {
	const prefix = "OPPARITY_"

	return append(os.Environ(),
		prefix+"STAGE_ENABLE_DIFF=false",
		prefix+"STAGE_ENABLE_TRY_RUN=false",
		prefix+"FLAGS_ENABLE_PRIM="+strconv.FormatBool(h.cfg.Flags.EnablePrim),
		prefix+"FLAGS_ENABLE_COMPILER="+strconv.FormatBool(h.cfg.Flags.EnableCompiler),
		prefix+"COMPARE_ATOL="+strconv.FormatFloat(h.cfg.Compare.ATol, 'g', -1, 64),
		prefix+"COMPARE_RTOL="+strconv.FormatFloat(h.cfg.Compare.RTol, 'g', -1, 64),
		prefix+"LOG_LEVEL="+h.cfg.LogLevel,
	)
}
