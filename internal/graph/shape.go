package graph

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/example/go-op-parity/internal/tensor"
)

// Dim is one dimension of an inferred shape. A symbolic dim carries the size
// observed when the program was compiled alongside its symbol.
type Dim struct {
	Size int64
	Sym  string
}

func (d Dim) String() string {
	if d.Sym != "" {
		return d.Sym
	}

	return strconv.FormatInt(d.Size, 10)
}

type SymShape []Dim

func StaticShape(shape []int64) SymShape {
	out := make(SymShape, len(shape))
	for i, d := range shape {
		out[i] = Dim{Size: d}
	}

	return out
}

func (s SymShape) Sizes() []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		out[i] = d.Size
	}

	return out
}

func (s SymShape) IsStatic() bool {
	for _, d := range s {
		if d.Sym != "" {
			return false
		}
	}

	return true
}

func (s SymShape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = d.String()
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

// symbolName is the symbol of dynamic dim d of the named tensor.
func symbolName(name string, d int) string {
	return name + "." + strconv.Itoa(d)
}

// specShape returns the declared shape of spec with its dynamic dims marked.
func specShape(spec TensorSpec) SymShape {
	s := StaticShape(spec.Shape)
	for _, d := range spec.DynamicDims {
		s[d].Sym = symbolName(spec.Name, d)
	}

	return s
}

// shapeEnv records equalities between symbols. In strict mode a symbol may
// never be fixed to a static size; otherwise the static size wins.
type shapeEnv struct {
	strict bool
	parent map[string]string
}

func newShapeEnv(strict bool) *shapeEnv {
	return &shapeEnv{strict: strict, parent: make(map[string]string)}
}

func (e *shapeEnv) find(sym string) string {
	for {
		p, ok := e.parent[sym]
		if !ok || p == sym {
			return sym
		}

		sym = p
	}
}

func (e *shapeEnv) canon(d Dim) Dim {
	if d.Sym != "" {
		d.Sym = e.find(d.Sym)
	}

	return d
}

// equal unifies two dims that must agree.
func (e *shapeEnv) equal(a, b Dim) (Dim, error) {
	a, b = e.canon(a), e.canon(b)

	switch {
	case a.Sym == "" && b.Sym == "":
		if a.Size != b.Size {
			return Dim{}, fmt.Errorf("dims %d and %d differ", a.Size, b.Size)
		}

		return a, nil
	case a.Sym != "" && b.Sym != "":
		if a.Size != b.Size {
			return Dim{}, fmt.Errorf("symbols %s=%d and %s=%d cannot be equal", a.Sym, a.Size, b.Sym, b.Size)
		}

		if a.Sym != b.Sym {
			e.parent[b.Sym] = a.Sym
		}

		return a, nil
	}

	sym, fixed := a, b
	if sym.Sym == "" {
		sym, fixed = b, a
	}

	if e.strict {
		return Dim{}, fmt.Errorf("dynamic dim %s is fixed to %d", sym.Sym, fixed.Size)
	}

	if sym.Size != fixed.Size {
		return Dim{}, fmt.Errorf("dims %d and %d differ", sym.Size, fixed.Size)
	}

	return fixed, nil
}

func (e *shapeEnv) broadcast(a, b Dim) (Dim, error) {
	a, b = e.canon(a), e.canon(b)

	if a.Sym == "" && a.Size == 1 {
		return b, nil
	}

	if b.Sym == "" && b.Size == 1 {
		return a, nil
	}

	return e.equal(a, b)
}

func (e *shapeEnv) broadcastShapes(a, b SymShape) (SymShape, error) {
	rank := max(len(a), len(b))
	out := make(SymShape, rank)

	for i := range rank {
		ad, bd := Dim{Size: 1}, Dim{Size: 1}
		if j := i - (rank - len(a)); j >= 0 {
			ad = a[j]
		}

		if j := i - (rank - len(b)); j >= 0 {
			bd = b[j]
		}

		d, err := e.broadcast(ad, bd)
		if err != nil {
			return nil, fmt.Errorf("broadcast %s and %s: %w", a, b, err)
		}

		out[i] = d
	}

	return out, nil
}

func normalizeAxis(axis, rank int) (int, error) {
	if axis < 0 {
		axis += rank
	}

	if axis < 0 || axis >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}

	return axis, nil
}

func broadcastShapeFunc(env *shapeEnv, in []SymShape, _ Attrs, _ string) (SymShape, error) {
	return env.broadcastShapes(in[0], in[1])
}

func sameShapeFunc(_ *shapeEnv, in []SymShape, _ Attrs, _ string) (SymShape, error) {
	return slices.Clone(in[0]), nil
}

func reduceShapeFunc(_ *shapeEnv, in []SymShape, a Attrs, _ string) (SymShape, error) {
	x := in[0]

	axis, err := normalizeAxis(a.axis(), len(x))
	if err != nil {
		return nil, err
	}

	out := make(SymShape, 0, len(x))
	for i, d := range x {
		if i == axis {
			if a.KeepDim {
				out = append(out, Dim{Size: 1})
			}

			continue
		}

		out = append(out, d)
	}

	return out, nil
}

func softmaxShapeFunc(_ *shapeEnv, in []SymShape, a Attrs, _ string) (SymShape, error) {
	if _, err := normalizeAxis(a.axis(), len(in[0])); err != nil {
		return nil, err
	}

	return slices.Clone(in[0]), nil
}

func layerNormShapeFunc(env *shapeEnv, in []SymShape, _ Attrs, _ string) (SymShape, error) {
	x := in[0]
	if len(x) == 0 {
		return nil, fmt.Errorf("layer_norm requires rank >= 1")
	}

	last := x[len(x)-1]

	for _, affine := range in[1:] {
		if len(affine) != 1 {
			return nil, fmt.Errorf("layer_norm affine shape %s must be rank 1", affine)
		}

		if _, err := env.equal(last, affine[0]); err != nil {
			return nil, fmt.Errorf("layer_norm affine shape %s vs input %s: %w", affine, x, err)
		}
	}

	return slices.Clone(x), nil
}

func matmulShapeFunc(env *shapeEnv, in []SymShape, _ Attrs, _ string) (SymShape, error) {
	a, b := in[0], in[1]
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("matmul requires rank >= 2, got %s and %s", a, b)
	}

	if _, err := env.equal(a[len(a)-1], b[len(b)-2]); err != nil {
		return nil, fmt.Errorf("matmul %s x %s: %w", a, b, err)
	}

	batch, err := env.broadcastShapes(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, fmt.Errorf("matmul batch: %w", err)
	}

	return append(batch, a[len(a)-2], b[len(b)-1]), nil
}

func linearShapeFunc(env *shapeEnv, in []SymShape, _ Attrs, _ string) (SymShape, error) {
	x, w := in[0], in[1]
	if len(x) < 1 || len(w) != 2 {
		return nil, fmt.Errorf("linear wants x rank >= 1 and weight rank 2, got %s and %s", x, w)
	}

	if _, err := env.equal(x[len(x)-1], w[1]); err != nil {
		return nil, fmt.Errorf("linear %s with weight %s: %w", x, w, err)
	}

	if len(in) == 3 {
		b := in[2]
		if len(b) != 1 {
			return nil, fmt.Errorf("linear bias shape %s must be rank 1", b)
		}

		if _, err := env.equal(w[0], b[0]); err != nil {
			return nil, fmt.Errorf("linear bias %s with weight %s: %w", b, w, err)
		}
	}

	out := slices.Clone(x[:len(x)-1])

	return append(out, w[0]), nil
}

// reshapeShapeFunc resolves the target against the compile-time element
// count. A dynamic input may only be reshaped through a -1 dim, which becomes
// a fresh symbol named after the output.
func reshapeShapeFunc(env *shapeEnv, in []SymShape, a Attrs, out string) (SymShape, error) {
	x := in[0]

	n := int64(1)
	for _, d := range x {
		n *= d.Size
	}

	resolved, err := tensor.ResolveReshape(int(n), a.Shape)
	if err != nil {
		return nil, err
	}

	shape := StaticShape(resolved)
	if x.IsStatic() || !env.strict {
		return shape, nil
	}

	infer := slices.Index(a.Shape, -1)
	if infer < 0 {
		return nil, fmt.Errorf("reshape of dynamic shape %s to fixed %v", x, a.Shape)
	}

	shape[infer].Sym = symbolName(out, infer)

	return shape, nil
}

func transposeShapeFunc(_ *shapeEnv, in []SymShape, a Attrs, _ string) (SymShape, error) {
	x := in[0]

	perm, err := tensor.NormalizePerm(a.Perm, len(x))
	if err != nil {
		return nil, err
	}

	out := make(SymShape, len(perm))
	for i, p := range perm {
		out[i] = x[p]
	}

	return out, nil
}

// shapeBindings maps symbols to the sizes seen while running a program.
type shapeBindings struct {
	env   *shapeEnv
	sizes map[string]int64
}

func newShapeBindings(env *shapeEnv) *shapeBindings {
	return &shapeBindings{env: env, sizes: make(map[string]int64)}
}

// check verifies that actual matches want, binding unseen symbols.
func (b *shapeBindings) check(want SymShape, actual []int64) error {
	if len(want) != len(actual) {
		return fmt.Errorf("rank %d, inferred %s", len(actual), want)
	}

	for i, d := range want {
		d = b.env.canon(d)
		if d.Sym == "" {
			if actual[i] != d.Size {
				return fmt.Errorf("shape %v, inferred %s", actual, want)
			}

			continue
		}

		if bound, ok := b.sizes[d.Sym]; ok && bound != actual[i] {
			return fmt.Errorf("shape %v binds %s=%d, already bound to %d", actual, d.Sym, actual[i], bound)
		}

		b.sizes[d.Sym] = actual[i]
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
