package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/go-op-parity/internal/config"
)

// StaticEngine runs a captured program compiled up to a pipeline stage.
type StaticEngine struct {
	stage   string
	program *Program
	passes  []string
	stats   KernelStats
}

type pass struct {
	stage string
	// flag names the option that gates the pass; empty means always on.
	flag    string
	enabled func(EngineOptions) bool
	run     func(p *Program, logger *slog.Logger) error
}

var pipeline = []pass{
	{
		stage:   config.StagePrim,
		flag:    "flags.enable_prim",
		enabled: func(o EngineOptions) bool { return o.EnablePrim },
		run: func(p *Program, logger *slog.Logger) error {
			n, err := p.decompose()
			if err != nil {
				return err
			}

			logger.Debug("decomposed composite ops", "count", n, "instrs", p.Len())

			return nil
		},
	},
	{
		stage: config.StageInferSymbolic,
		run: func(p *Program, _ *slog.Logger) error {
			return p.inferSymbolic()
		},
	},
	{
		stage:   config.StageFrontend,
		flag:    "flags.enable_compiler",
		enabled: func(o EngineOptions) bool { return o.EnableCompiler },
		run: func(p *Program, logger *slog.Logger) error {
			n := p.fuse()
			logger.Debug("fused elementwise groups", "groups", n, "instrs", p.Len())

			return nil
		},
	},
	{
		stage:   config.StageBackend,
		flag:    "flags.enable_compiler",
		enabled: func(o EngineOptions) bool { return o.EnableCompiler },
		run: func(p *Program, _ *slog.Logger) error {
			p.lower()
			return nil
		},
	},
}

// Compile captures c and applies every pass up to and including opts.Stage.
// A pass whose flag is off is skipped with a log line.
func Compile(c *Case, schema *Schema, opts EngineOptions) (*StaticEngine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	stage, err := config.NormalizeStage(opts.Stage)
	if err != nil {
		return nil, err
	}

	if stage == config.StageDynamic {
		return nil, fmt.Errorf("graph: stage %s runs eagerly and has no static program", stage)
	}

	p, err := Capture(c, schema)
	if err != nil {
		return nil, err
	}

	e := &StaticEngine{stage: stage, program: p, passes: []string{config.StageToStatic}}

	for _, ps := range pipeline {
		if !config.StageEnables(stage, ps.stage) {
			break
		}

		if ps.enabled != nil && !ps.enabled(opts) {
			logger.Info("pass disabled, skipping", "case", c.Name, "pass", ps.stage, "flag", ps.flag)
			continue
		}

		if err := ps.run(p, logger); err != nil {
			return nil, fmt.Errorf("graph: %s pass on %s: %w", ps.stage, c.Name, err)
		}

		e.passes = append(e.passes, ps.stage)
	}

	logger.Debug("compiled program", "case", c.Name, "stage", stage, "passes", e.passes, "kernels", p.Len())

	return e, nil
}

func (e *StaticEngine) Name() string { return e.stage }

func (e *StaticEngine) Stats() KernelStats { return e.stats }

// Passes lists the passes applied to the program, in order.
func (e *StaticEngine) Passes() []string { return append([]string(nil), e.passes...) }

func (e *StaticEngine) Program() *Program { return e.program }

// Run executes the program. Outputs hold *Buffer leaves.
func (e *StaticEngine) Run(ctx context.Context, params *ParamTable) (Outputs, error) {
	slots, stats, err := e.program.execute(ctx, params)
	e.stats = stats

	if err != nil {
		return nil, fmt.Errorf("graph: %s: %w", e.stage, err)
	}

	out := make(Outputs, len(e.program.outputs))

	for _, o := range e.program.outputs {
		if len(o.slots) == 1 {
			out[o.name] = newBuffer(slots[o.slots[0]], e.stage)
			continue
		}

		seq := make([]any, len(o.slots))
		for i, s := range o.slots {
			seq[i] = newBuffer(slots[s], e.stage)
		}

		out[o.name] = seq
	}

	return out, nil
}
