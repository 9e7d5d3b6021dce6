package graph

import (
	"errors"
	"fmt"
	"slices"

	"github.com/example/go-op-parity/internal/tensor"
)

// ErrShapeCheck reports a kernel result, or a parameter, whose shape breaks
// the symbolic shapes inferred for the program.
var ErrShapeCheck = errors.New("graph: symbolic shape check failed")

// --- prim: decomposition into primitives ---

// decompose rewrites softmax, layer_norm, linear and mean into primitive
// ops. Instances that cannot be decomposed statically are left intact.
func (p *Program) decompose() (int, error) {
	out := make([]Instr, 0, len(p.instrs))
	rewritten := 0

	for _, in := range p.instrs {
		var (
			seq []Instr
			err error
		)

		switch in.Op {
		case "softmax":
			seq, err = p.decomposeSoftmax(in)
		case "layer_norm":
			seq, err = p.decomposeLayerNorm(in)
		case "linear":
			seq, err = p.decomposeLinear(in)
		case "mean":
			seq, err = p.decomposeMean(in)
		}

		if err != nil {
			return rewritten, fmt.Errorf("decompose %s: %w", p.slots[in.Out].name, err)
		}

		if seq == nil {
			out = append(out, in)
			continue
		}

		rewritten++
		out = append(out, seq...)
	}

	p.instrs = out

	return rewritten, nil
}

// builder accumulates a decomposed sequence whose last instruction writes
// into a fixed output slot.
type builder struct {
	p    *Program
	base string
	seq  []Instr
	err  error
}

func (b *builder) op(op string, attrs Attrs, args ...int) int {
	if b.err != nil {
		return -1
	}

	name := fmt.Sprintf("%s.%s%d", b.base, op, len(b.seq))

	in, err := b.p.emit(op, args, attrs, name)
	if err != nil {
		b.err = err
		return -1
	}

	b.seq = append(b.seq, in)

	return in.Out
}

// finish redirects the last instruction to out. The temporary slot it
// allocated stays unused.
func (b *builder) finish(out int) ([]Instr, error) {
	if b.err != nil {
		return nil, b.err
	}

	b.seq[len(b.seq)-1].Out = out

	return b.seq, nil
}

func intPtr(v int) *int { return &v }

func (p *Program) decomposeSoftmax(in Instr) ([]Instr, error) {
	x := in.Args[0]
	keep := Attrs{Axis: intPtr(in.Attrs.axis()), KeepDim: true}

	b := &builder{p: p, base: p.slots[in.Out].name}
	m := b.op("max", keep, x)
	shifted := b.op("sub", Attrs{}, x, m)
	e := b.op("exp", Attrs{}, shifted)
	s := b.op("sum", keep, e)
	b.op("div", Attrs{}, e, s)

	return b.finish(in.Out)
}

// mean emits sum followed by scale, or reports false when the reduced dim is
// dynamic.
func (b *builder) mean(x int, attrs Attrs) (int, bool) {
	shape := b.p.slots[x].shape

	axis, err := normalizeAxis(attrs.axis(), len(shape))
	if err != nil {
		b.err = err
		return -1, false
	}

	d := b.p.env.canon(shape[axis])
	if d.Sym != "" || d.Size == 0 {
		return -1, false
	}

	s := b.op("sum", attrs, x)

	return b.op("scale", Attrs{Value: 1 / float64(d.Size)}, s), true
}

func (p *Program) decomposeMean(in Instr) ([]Instr, error) {
	b := &builder{p: p, base: p.slots[in.Out].name}
	if _, ok := b.mean(in.Args[0], in.Attrs); !ok {
		return nil, b.err
	}

	return b.finish(in.Out)
}

func (p *Program) decomposeLayerNorm(in Instr) ([]Instr, error) {
	x := in.Args[0]
	last := Attrs{Axis: intPtr(-1), KeepDim: true}

	b := &builder{p: p, base: p.slots[in.Out].name}

	mu, ok := b.mean(x, last)
	if !ok {
		return nil, b.err
	}

	centered := b.op("sub", Attrs{}, x, mu)
	sq := b.op("mul", Attrs{}, centered, centered)

	variance, ok := b.mean(sq, last)
	if !ok {
		return nil, b.err
	}

	shifted := b.op("add_scalar", Attrs{Value: layerNormEps(in.Attrs)}, variance)
	inv := b.op("rsqrt", Attrs{}, shifted)
	y := b.op("mul", Attrs{}, centered, inv)

	if len(in.Args) > 1 {
		y = b.op("mul", Attrs{}, y, in.Args[1])
	}

	if len(in.Args) > 2 {
		b.op("add", Attrs{}, y, in.Args[2])
	}

	return b.finish(in.Out)
}

// decomposeLinear lowers x*W^T+b to transpose, matmul and add. Rank-1 inputs
// stay as linear since matmul needs rank 2.
func (p *Program) decomposeLinear(in Instr) ([]Instr, error) {
	x, w := in.Args[0], in.Args[1]
	if len(p.slots[x].shape) < 2 {
		return nil, nil
	}

	b := &builder{p: p, base: p.slots[in.Out].name}
	wt := b.op("transpose", Attrs{}, w)
	y := b.op("matmul", Attrs{}, x, wt)

	if len(in.Args) > 2 {
		b.op("add", Attrs{}, y, in.Args[2])
	}

	return b.finish(in.Out)
}

// --- infer_symbolic ---

// inferSymbolic re-infers every slot shape with dynamic dims kept symbolic
// and rejects programs that would pin a dynamic dim to a constant.
func (p *Program) inferSymbolic() error {
	env := newShapeEnv(true)

	for i := range p.schema.Len() {
		p.slots[i].shape = specShape(p.schema.Spec(i))
	}

	for _, in := range p.instrs {
		if err := p.inferInstr(env, in); err != nil {
			return err
		}
	}

	p.env = env
	p.symbolic = true

	return nil
}

func (p *Program) inferInstr(env *shapeEnv, in Instr) error {
	if in.Op == fusedOpName {
		for _, member := range in.Body {
			if err := p.inferInstr(env, member); err != nil {
				return err
			}
		}

		return nil
	}

	def, _ := lookupOp(in.Op)

	shapes := make([]SymShape, len(in.Args))
	for i, a := range in.Args {
		shapes[i] = p.slots[a].shape
	}

	name := p.slots[in.Out].name

	shape, err := def.shape(env, shapes, in.Attrs, name)
	if err != nil {
		return fmt.Errorf("%w: %s = %s: %v", ErrShapeCheck, name, in.Op, err)
	}

	p.slots[in.Out].shape = shape

	return nil
}

// --- frontend: elementwise fusion ---

// fuse merges each elementwise instruction whose result is read exactly once,
// by another elementwise instruction, into its consumer. The merged group
// runs as a single kernel.
func (p *Program) fuse() int {
	uses := p.uses()
	consumer := make(map[int]int, len(p.instrs))

	for i, in := range p.instrs {
		for _, a := range in.Args {
			consumer[a] = i
		}
	}

	into := make([]int, len(p.instrs))
	for i, in := range p.instrs {
		into[i] = -1

		def, _ := lookupOp(in.Op)
		if !def.elementwise() || uses[in.Out] != 1 || p.isOutput(in.Out) {
			continue
		}

		j, ok := consumer[in.Out]
		if !ok {
			continue
		}

		if cdef, _ := lookupOp(p.instrs[j].Op); cdef.elementwise() {
			into[i] = j
		}
	}

	root := func(i int) int {
		for into[i] >= 0 {
			i = into[i]
		}

		return i
	}

	members := make(map[int][]int)
	for i := range p.instrs {
		r := root(i)
		members[r] = append(members[r], i)
	}

	out := make([]Instr, 0, len(p.instrs))
	fused := 0

	for i, in := range p.instrs {
		if into[i] >= 0 {
			continue
		}

		group := members[i]
		if len(group) == 1 {
			out = append(out, in)
			continue
		}

		body := make([]Instr, len(group))
		produced := make(map[int]bool, len(group))

		for k, m := range group {
			body[k] = p.instrs[m]
			produced[p.instrs[m].Out] = true
		}

		var ext []int
		for _, m := range body {
			for _, a := range m.Args {
				if !produced[a] && !slices.Contains(ext, a) {
					ext = append(ext, a)
				}
			}
		}

		out = append(out, Instr{Op: fusedOpName, Args: ext, Out: in.Out, Body: body})
		fused++
	}

	p.instrs = out

	return fused
}

// fusedKernel evaluates a fused group element by element, rounding every
// member result to its dtype like the unfused kernels do.
type fusedKernel struct {
	members []fusedMember
}

type fusedMember struct {
	elem  elemFunc
	attrs Attrs
	// operands index externals when >= 0 and earlier members as ^k.
	operands []int
}

func newFusedKernel(in Instr) *fusedKernel {
	member := make(map[int]int, len(in.Body))
	k := &fusedKernel{members: make([]fusedMember, len(in.Body))}

	for i, b := range in.Body {
		def, _ := lookupOp(b.Op)

		ops := make([]int, len(b.Args))
		for j, a := range b.Args {
			if m, ok := member[a]; ok {
				ops[j] = ^m
			} else {
				ops[j] = slices.Index(in.Args, a)
			}
		}

		k.members[i] = fusedMember{elem: def.elem, attrs: b.Attrs, operands: ops}
		member[b.Out] = i
	}

	return k
}

func (k *fusedKernel) run(ext []*tensor.Tensor) (*tensor.Tensor, error) {
	shape := ext[0].Shape()
	for _, t := range ext[1:] {
		s, err := tensor.BroadcastShape(shape, t.Shape())
		if err != nil {
			return nil, fmt.Errorf("fused: %w", err)
		}

		shape = s
	}

	data := make([][]float64, len(ext))
	for i, t := range ext {
		b, err := tensor.BroadcastTo(t, shape)
		if err != nil {
			return nil, fmt.Errorf("fused: %w", err)
		}

		data[i] = b.RawData()
	}

	dtypes := make([]tensor.DType, len(k.members))
	for i, m := range k.members {
		dt := tensor.Bool
		for _, o := range m.operands {
			if o >= 0 {
				dt = tensor.Promote(dt, ext[o].DType())
			} else {
				dt = tensor.Promote(dt, dtypes[^o])
			}
		}

		dtypes[i] = dt
	}

	n := 1
	for _, d := range shape {
		n *= int(d)
	}

	regs := make([]float64, len(k.members))
	args := make([]float64, 0, 2)
	out := make([]float64, n)

	for e := range n {
		for i, m := range k.members {
			args = args[:0]
			for _, o := range m.operands {
				if o >= 0 {
					args = append(args, data[o][e])
				} else {
					args = append(args, regs[^o])
				}
			}

			regs[i] = dtypes[i].Round(m.elem(args, m.attrs))
		}

		out[e] = regs[len(regs)-1]
	}

	return tensor.New(dtypes[len(dtypes)-1], out, shape)
}

// --- backend: lowering to closures ---

type compiledInstr func(slots []*tensor.Tensor) error

// lower resolves every instruction to a closure over fixed slot indices.
func (p *Program) lower() {
	p.compiled = make([]compiledInstr, len(p.instrs))

	for i, in := range p.instrs {
		args := slices.Clone(in.Args)
		out := in.Out
		buf := make([]*tensor.Tensor, len(args))

		if in.Op == fusedOpName {
			k := newFusedKernel(in)
			p.compiled[i] = func(slots []*tensor.Tensor) error {
				for j, a := range args {
					buf[j] = slots[a]
				}

				t, err := k.run(buf)
				if err != nil {
					return err
				}

				slots[out] = t

				return nil
			}

			continue
		}

		def, _ := lookupOp(in.Op)
		attrs := in.Attrs
		op := in.Op

		p.compiled[i] = func(slots []*tensor.Tensor) error {
			for j, a := range args {
				buf[j] = slots[a]
			}

			t, err := def.kernel(buf, attrs)
			if err != nil {
				return fmt.Errorf("graph: %s: %w", op, err)
			}

			slots[out] = t

			return nil
		}
	}
}
