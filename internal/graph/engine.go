package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/go-op-parity/internal/compare"
	"github.com/example/go-op-parity/internal/config"
	"github.com/example/go-op-parity/internal/tensor"
)

// KernelStats describes the most recent Run of an engine.
type KernelStats struct {
	Kernels    int           `json:"kernels"`
	KernelTime time.Duration `json:"kernel_time"`
}

type Engine interface {
	Name() string
	Run(ctx context.Context, params *ParamTable) (Outputs, error)
	Stats() KernelStats
}

// Outputs maps each case output to a tensor-like leaf, or to a []any of
// leaves when the output lists several values.
type Outputs = map[string]any

// EngineOptions selects the engine built by NewEngine.
type EngineOptions struct {
	Stage          string
	EnablePrim     bool
	EnableCompiler bool
	Logger         *slog.Logger
}

// NewEngine returns the eager engine for the dynamic stage and a compiled
// static engine for every later stage.
func NewEngine(c *Case, schema *Schema, opts EngineOptions) (Engine, error) {
	stage, err := config.NormalizeStage(opts.Stage)
	if err != nil {
		return nil, err
	}

	if stage == config.StageDynamic {
		return NewEagerEngine(c), nil
	}

	opts.Stage = stage

	return Compile(c, schema, opts)
}

// Buffer is a static engine output still attached to the program that
// produced it. It must be detached and moved to host before its values can
// be read.
type Buffer struct {
	t        *tensor.Tensor
	owner    string
	attached bool
	onHost   bool
}

func newBuffer(t *tensor.Tensor, owner string) *Buffer {
	return &Buffer{t: t, owner: owner, attached: true}
}

func (b *Buffer) Detach() compare.HostTensor {
	return &Buffer{t: b.t, owner: b.owner, onHost: b.onHost}
}

func (b *Buffer) Host() compare.HostTensor {
	return &Buffer{t: b.t.Clone(), owner: b.owner, attached: b.attached, onHost: true}
}

func (b *Buffer) Array() (*tensor.Tensor, error) {
	if b.attached || !b.onHost {
		return nil, fmt.Errorf("graph: %s buffer must be detached and on host (attached=%v, host=%v)",
			b.owner, b.attached, b.onHost)
	}

	return b.t, nil
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %s%v)", b.owner, b.t.DType(), b.t.Shape())
}

// Materialize replaces every Buffer in out with a host tensor so the result
// can be encoded.
func Materialize(out Outputs) (map[string]any, error) {
	res := make(map[string]any, len(out))

	for name, v := range out {
		m, err := materialize(v)
		if err != nil {
			return nil, fmt.Errorf("graph: output %s: %w", name, err)
		}

		res[name] = m
	}

	return res, nil
}

func materialize(v any) (any, error) {
	switch x := v.(type) {
	case compare.HostTensor:
		return x.Detach().Host().Array()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			m, err := materialize(item)
			if err != nil {
				return nil, err
			}

			out[i] = m
		}

		return out, nil
	default:
		return v, nil
	}
}

// collectOutputs builds Outputs from specs, resolving values with get.
func collectOutputs(specs []OutputSpec, get func(name string) (any, error)) (Outputs, error) {
	out := make(Outputs, len(specs))

	for _, spec := range specs {
		if len(spec.Values) == 1 {
			v, err := get(spec.Values[0])
			if err != nil {
				return nil, err
			}

			out[spec.Name] = v

			continue
		}

		seq := make([]any, len(spec.Values))
		for i, name := range spec.Values {
			v, err := get(name)
			if err != nil {
				return nil, err
			}

			seq[i] = v
		}

		out[spec.Name] = seq
	}

	return out, nil
}
