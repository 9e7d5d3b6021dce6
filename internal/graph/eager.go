package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-op-parity/internal/config"
	"github.com/example/go-op-parity/internal/tensor"
)

// EagerEngine interprets the case node by node. It is the dynamic-stage
// reference every static engine is compared against.
type EagerEngine struct {
	c     *Case
	stats KernelStats
}

func NewEagerEngine(c *Case) *EagerEngine {
	return &EagerEngine{c: c}
}

func (e *EagerEngine) Name() string { return config.StageDynamic }

func (e *EagerEngine) Stats() KernelStats { return e.stats }

func (e *EagerEngine) Run(ctx context.Context, params *ParamTable) (Outputs, error) {
	e.stats = KernelStats{}

	values := make(map[string]*tensor.Tensor, params.Len()+len(e.c.Nodes))
	for i, name := range params.Schema().Names() {
		values[name] = params.At(i)
	}

	for i, n := range e.c.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		args := make([]*tensor.Tensor, len(n.Inputs))
		for j, in := range n.Inputs {
			t, ok := values[in]
			if !ok {
				return nil, fmt.Errorf("graph: node %d (%s): input %q not available", i, n.Op, in)
			}

			args[j] = t
		}

		start := time.Now()
		out, err := runKernel(n.Op, args, n.Attrs)
		e.stats.KernelTime += time.Since(start)
		e.stats.Kernels++

		if err != nil {
			return nil, fmt.Errorf("node %d -> %s: %w", i, n.Output, err)
		}

		values[n.Output] = out
	}

	return collectOutputs(e.c.Outputs, func(name string) (any, error) {
		t, ok := values[name]
		if !ok {
			return nil, fmt.Errorf("graph: output value %q not computed", name)
		}

		return t, nil
	})
}
