package graph

import (
	"fmt"
	"math"

	"github.com/example/go-op-parity/internal/tensor"
)

type kernelFunc func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error)

type shapeFunc func(env *shapeEnv, in []SymShape, a Attrs, out string) (SymShape, error)

// elemFunc is the per-element form of an elementwise op, used by fused
// kernels.
type elemFunc func(args []float64, a Attrs) float64

type opDef struct {
	minArgs int
	maxArgs int
	kernel  kernelFunc
	shape   shapeFunc
	elem    elemFunc
}

func (d opDef) elementwise() bool { return d.elem != nil }

const defaultLayerNormEps = 1e-5

var opTable map[string]opDef

func init() {
	binary := func(fn func(a, b *tensor.Tensor) (*tensor.Tensor, error), elem func(x, y float64) float64) opDef {
		return opDef{
			minArgs: 2, maxArgs: 2,
			kernel: func(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) { return fn(args[0], args[1]) },
			shape:  broadcastShapeFunc,
			elem:   func(v []float64, _ Attrs) float64 { return elem(v[0], v[1]) },
		}
	}

	unary := func(fn func(x *tensor.Tensor) (*tensor.Tensor, error), elem func(x float64) float64) opDef {
		return opDef{
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) { return fn(args[0]) },
			shape:  sameShapeFunc,
			elem:   func(v []float64, _ Attrs) float64 { return elem(v[0]) },
		}
	}

	reduction := func(fn func(x *tensor.Tensor, dim int, keep bool) (*tensor.Tensor, error)) opDef {
		return opDef{
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return fn(args[0], a.axis(), a.KeepDim)
			},
			shape: reduceShapeFunc,
		}
	}

	opTable = map[string]opDef{
		"add":   binary(tensor.Add, func(x, y float64) float64 { return x + y }),
		"sub":   binary(tensor.Sub, func(x, y float64) float64 { return x - y }),
		"mul":   binary(tensor.Mul, func(x, y float64) float64 { return x * y }),
		"div":   binary(tensor.Div, func(x, y float64) float64 { return x / y }),
		"relu":  unary(tensor.Relu, func(x float64) float64 { return math.Max(x, 0) }),
		"exp":   unary(tensor.Exp, math.Exp),
		"tanh":  unary(tensor.Tanh, math.Tanh),
		"sqrt":  unary(tensor.Sqrt, math.Sqrt),
		"rsqrt": unary(tensor.Rsqrt, func(x float64) float64 { return 1 / math.Sqrt(x) }),
		"scale": {
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return tensor.Scale(args[0], a.Value)
			},
			shape: sameShapeFunc,
			elem:  func(v []float64, a Attrs) float64 { return v[0] * a.Value },
		},
		// add_scalar only appears in decomposed programs.
		"add_scalar": {
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				v := a.Value
				return tensor.Map(args[0], func(x float64) float64 { return x + v })
			},
			shape: sameShapeFunc,
			elem:  func(v []float64, a Attrs) float64 { return v[0] + a.Value },
		},
		"sum":  reduction(tensor.Sum),
		"mean": reduction(tensor.Mean),
		"max":  reduction(tensor.Max),
		"softmax": {
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return tensor.Softmax(args[0], a.axis())
			},
			shape: softmaxShapeFunc,
		},
		"layer_norm": {
			minArgs: 1, maxArgs: 3,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return tensor.LayerNorm(args[0], optionalArg(args, 1), optionalArg(args, 2), layerNormEps(a))
			},
			shape: layerNormShapeFunc,
		},
		"matmul": {
			minArgs: 2, maxArgs: 2,
			kernel: func(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
				return tensor.MatMul(args[0], args[1])
			},
			shape: matmulShapeFunc,
		},
		"linear": {
			minArgs: 2, maxArgs: 3,
			kernel: func(args []*tensor.Tensor, _ Attrs) (*tensor.Tensor, error) {
				return tensor.Linear(args[0], args[1], optionalArg(args, 2))
			},
			shape: linearShapeFunc,
		},
		"reshape": {
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return args[0].Reshape(a.Shape)
			},
			shape: reshapeShapeFunc,
		},
		"transpose": {
			minArgs: 1, maxArgs: 1,
			kernel: func(args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
				return tensor.Transpose(args[0], a.Perm)
			},
			shape: transposeShapeFunc,
		},
	}
}

func lookupOp(name string) (opDef, bool) {
	def, ok := opTable[name]
	return def, ok
}

// Ops returns the supported operator names.
func Ops() []string {
	return sortedKeys(opTable)
}

func optionalArg(args []*tensor.Tensor, i int) *tensor.Tensor {
	if i < len(args) {
		return args[i]
	}

	return nil
}

func layerNormEps(a Attrs) float64 {
	if a.Eps > 0 {
		return a.Eps
	}

	return defaultLayerNormEps
}

// runKernel executes one operator on concrete tensors.
func runKernel(op string, args []*tensor.Tensor, a Attrs) (*tensor.Tensor, error) {
	def, ok := lookupOp(op)
	if !ok {
		return nil, fmt.Errorf("graph: unknown op %q", op)
	}

	if len(args) < def.minArgs || len(args) > def.maxArgs {
		return nil, fmt.Errorf("graph: %s: got %d inputs, want %d..%d", op, len(args), def.minArgs, def.maxArgs)
	}

	out, err := def.kernel(args, a)
	if err != nil {
		return nil, fmt.Errorf("graph: %s: %w", op, err)
	}

	return out, nil
}

