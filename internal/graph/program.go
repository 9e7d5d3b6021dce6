package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-op-parity/internal/tensor"
)

// fusedOpName marks an instruction whose Body runs as one kernel.
const fusedOpName = "fused"

// Instr reads Args and writes Out, all slot indices.
type Instr struct {
	Op    string
	Args  []int
	Out   int
	Attrs Attrs
	Body  []Instr
}

type slotInfo struct {
	name  string
	shape SymShape
}

type outputRef struct {
	name  string
	slots []int
}

// Program is a captured case in slot form. Slots [0, schema.Len()) hold the
// parameter table; every instruction output gets its own slot.
type Program struct {
	schema  *Schema
	slots   []slotInfo
	instrs  []Instr
	outputs []outputRef

	// symbolic is set by infer_symbolic; env then holds symbol equalities.
	symbolic bool
	env      *shapeEnv

	// compiled is set by backend lowering.
	compiled []compiledInstr
}

// Capture turns c into a validated SSA program and drops instructions that
// no output depends on.
func Capture(c *Case, schema *Schema) (*Program, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	p := &Program{schema: schema, env: newShapeEnv(false)}
	index := make(map[string]int, schema.Len()+len(c.Nodes))

	for i, name := range schema.Names() {
		index[name] = i
		p.slots = append(p.slots, slotInfo{name: name, shape: specShape(schema.Spec(i))})
	}

	for _, n := range c.Nodes {
		args := make([]int, len(n.Inputs))
		for j, in := range n.Inputs {
			slot, ok := index[in]
			if !ok {
				return nil, fmt.Errorf("%w: %s reads %q, not in schema", ErrInvalidCase, n.Output, in)
			}

			args[j] = slot
		}

		out, err := p.emit(n.Op, args, n.Attrs, n.Output)
		if err != nil {
			return nil, err
		}

		index[n.Output] = out.Out
		p.instrs = append(p.instrs, out)
	}

	for _, o := range c.Outputs {
		ref := outputRef{name: o.Name}
		for _, v := range o.Values {
			ref.slots = append(ref.slots, index[v])
		}

		p.outputs = append(p.outputs, ref)
	}

	p.eliminateDeadCode()

	return p, nil
}

// emit allocates the output slot of a new instruction and infers its shape.
// The instruction is returned, not appended.
func (p *Program) emit(op string, args []int, attrs Attrs, name string) (Instr, error) {
	def, ok := lookupOp(op)
	if !ok {
		return Instr{}, fmt.Errorf("%w: unknown op %q", ErrInvalidCase, op)
	}

	in := make([]SymShape, len(args))
	for i, a := range args {
		in[i] = p.slots[a].shape
	}

	shape, err := def.shape(p.env, in, attrs, name)
	if err != nil {
		return Instr{}, fmt.Errorf("%w: %s = %s: %v", ErrInvalidCase, name, op, err)
	}

	p.slots = append(p.slots, slotInfo{name: name, shape: shape})

	return Instr{Op: op, Args: args, Out: len(p.slots) - 1, Attrs: attrs}, nil
}

func (p *Program) eliminateDeadCode() {
	live := make([]bool, len(p.slots))
	for _, o := range p.outputs {
		for _, s := range o.slots {
			live[s] = true
		}
	}

	kept := make([]Instr, 0, len(p.instrs))

	for i := len(p.instrs) - 1; i >= 0; i-- {
		in := p.instrs[i]
		if !live[in.Out] {
			continue
		}

		for _, a := range in.Args {
			live[a] = true
		}

		kept = append(kept, in)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	p.instrs = kept
}

// Len returns the number of top-level instructions, one kernel each.
func (p *Program) Len() int { return len(p.instrs) }

// Ops lists the top-level instruction ops in execution order.
func (p *Program) Ops() []string {
	out := make([]string, len(p.instrs))
	for i, in := range p.instrs {
		out[i] = in.Op
	}

	return out
}

// uses counts how often each slot is read, outputs included.
func (p *Program) uses() []int {
	n := make([]int, len(p.slots))
	for _, in := range p.instrs {
		for _, a := range in.Args {
			n[a]++
		}
	}

	for _, o := range p.outputs {
		for _, s := range o.slots {
			n[s]++
		}
	}

	return n
}

func (p *Program) isOutput(slot int) bool {
	for _, o := range p.outputs {
		for _, s := range o.slots {
			if s == slot {
				return true
			}
		}
	}

	return false
}

// execute runs the program over params and returns the filled slots.
func (p *Program) execute(ctx context.Context, params *ParamTable) ([]*tensor.Tensor, KernelStats, error) {
	var stats KernelStats

	if params.Len() != p.schema.Len() {
		return nil, stats, fmt.Errorf("graph: parameter table has %d entries, program wants %d", params.Len(), p.schema.Len())
	}

	slots := make([]*tensor.Tensor, len(p.slots))

	var bindings *shapeBindings
	if p.symbolic {
		bindings = newShapeBindings(p.env)
	}

	for i := range params.Len() {
		slots[i] = params.At(i)

		if bindings != nil {
			if err := bindings.check(p.slots[i].shape, slots[i].Shape()); err != nil {
				return nil, stats, fmt.Errorf("%w: %s: %v", ErrShapeCheck, p.slots[i].name, err)
			}
		}
	}

	for i, in := range p.instrs {
		if err := ctx.Err(); err != nil {
			return nil, stats, err
		}

		start := time.Now()

		var err error
		if p.compiled != nil {
			err = p.compiled[i](slots)
		} else {
			err = p.runInstr(in, slots)
		}

		stats.KernelTime += time.Since(start)
		stats.Kernels++

		if err != nil {
			return nil, stats, fmt.Errorf("%s: %w", p.slots[in.Out].name, err)
		}

		if bindings != nil {
			if err := bindings.check(p.slots[in.Out].shape, slots[in.Out].Shape()); err != nil {
				return nil, stats, fmt.Errorf("%w: %s = %s: %v", ErrShapeCheck, p.slots[in.Out].name, in.Op, err)
			}
		}
	}

	return slots, stats, nil
}

func (p *Program) runInstr(in Instr, slots []*tensor.Tensor) error {
	args := make([]*tensor.Tensor, len(in.Args))
	for j, a := range in.Args {
		args[j] = slots[a]
	}

	if in.Op == fusedOpName {
		out, err := newFusedKernel(in).run(args)
		if err != nil {
			return err
		}

		slots[in.Out] = out

		return nil
	}

	out, err := runKernel(in.Op, args, in.Attrs)
	if err != nil {
		return err
	}

	slots[in.Out] = out

	return nil
}
