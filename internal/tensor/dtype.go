package tensor

import (
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DType names the element type a tensor is rounded to.
type DType string

const (
	Bool     DType = "bool"
	Int32    DType = "int32"
	Int64    DType = "int64"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
	Float32  DType = "float32"
	Float64  DType = "float64"
)

// promotion order used by binary kernels
var dtypeRank = map[DType]int{
	Bool:     0,
	Int32:    1,
	Int64:    2,
	Float16:  3,
	BFloat16: 4,
	Float32:  5,
	Float64:  6,
}

// ParseDType accepts canonical names plus the common short aliases.
func ParseDType(raw string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "bool":
		return Bool, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64", "int":
		return Int64, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "float32", "f32", "float", "":
		return Float32, nil
	case "float64", "f64", "double":
		return Float64, nil
	default:
		return "", fmt.Errorf("tensor: unsupported dtype %q", raw)
	}
}

func (d DType) IsFloat() bool {
	switch d {
	case Float16, BFloat16, Float32, Float64:
		return true
	default:
		return false
	}
}

func (d DType) IsInteger() bool {
	return d == Int32 || d == Int64 || d == Bool
}

// Round maps v onto the set of values representable by d.
func (d DType) Round(v float64) float64 {
	switch d {
	case Bool:
		if v != 0 && !math.IsNaN(v) {
			return 1
		}
		return 0
	case Int32:
		return float64(int32(math.Trunc(v)))
	case Int64:
		return float64(int64(math.Trunc(v)))
	case Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case BFloat16:
		bits := math.Float32bits(float32(v))
		return float64(math.Float32frombits(bits &^ 0xffff))
	case Float32:
		return float64(float32(v))
	default:
		return v
	}
}

// Promote returns the wider of a and b.
func Promote(a, b DType) DType {
	if dtypeRank[b] > dtypeRank[a] {
		return b
	}
	return a
}

// Tolerance is the acceptable numeric drift between two engines.
type Tolerance struct {
	Abs float64
	Rel float64
}

// DTypeTolerances holds the default comparison tolerance per dtype. Integer
// dtypes compare exactly.
var DTypeTolerances = map[DType]Tolerance{
	Bool:     {Abs: 0, Rel: 0},
	Int32:    {Abs: 0, Rel: 0},
	Int64:    {Abs: 0, Rel: 0},
	Float16:  {Abs: 1e-3, Rel: 1e-3},
	BFloat16: {Abs: 1e-2, Rel: 1e-2},
	Float32:  {Abs: 1e-6, Rel: 1e-6},
	Float64:  {Abs: 1e-10, Rel: 1e-10},
}

func DefaultTolerance(d DType) (Tolerance, error) {
	t, ok := DTypeTolerances[d]
	if !ok {
		return Tolerance{}, fmt.Errorf("tensor: no tolerance configured for dtype %q", d)
	}

	return t, nil
}
