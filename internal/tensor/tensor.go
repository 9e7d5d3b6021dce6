package tensor

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Tensor is a dense, row-major tensor. Values are held as float64 and rounded
// to dtype whenever a tensor is built, so reduced-precision engines drift the
// way real ones do.
type Tensor struct {
	dtype DType
	shape []int64
	data  []float64
}

// New creates a tensor of dtype from data and shape. data is copied and
// rounded to dtype.
func New(dtype DType, data []float64, shape []int64) (*Tensor, error) {
	if _, ok := dtypeRank[dtype]; !ok {
		return nil, fmt.Errorf("tensor: unsupported dtype %q", dtype)
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = dtype.Round(v)
	}

	return &Tensor{dtype: dtype, shape: append([]int64(nil), shape...), data: d}, nil
}

// newOwned takes ownership of data and shape and rounds data in place.
func newOwned(dtype DType, data []float64, shape []int64) *Tensor {
	if dtype != Float64 {
		for i, v := range data {
			data[i] = dtype.Round(v)
		}
	}

	return &Tensor{dtype: dtype, shape: shape, data: data}
}

// FromFloat32 builds a float32 tensor.
func FromFloat32(data []float32, shape []int64) (*Tensor, error) {
	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = float64(v)
	}

	return New(Float32, d, shape)
}

// FromInt64 builds an int64 tensor.
func FromInt64(data []int64, shape []int64) (*Tensor, error) {
	d := make([]float64, len(data))
	for i, v := range data {
		d[i] = float64(v)
	}

	return New(Int64, d, shape)
}

// FromBool builds a bool tensor.
func FromBool(data []bool, shape []int64) (*Tensor, error) {
	d := make([]float64, len(data))
	for i, v := range data {
		if v {
			d[i] = 1
		}
	}

	return New(Bool, d, shape)
}

// Zeros creates a zero-initialized tensor.
func Zeros(dtype DType, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return New(dtype, make([]float64, total), shape)
}

// Full creates a tensor filled with value.
func Full(dtype DType, shape []int64, value float64) (*Tensor, error) {
	t, err := Zeros(dtype, shape)
	if err != nil {
		return nil, err
	}

	v := dtype.Round(value)
	for i := range t.data {
		t.data[i] = v
	}

	return t, nil
}

// MustNew is New for package-level fixtures and tests; it panics on error.
func MustNew(dtype DType, data []float64, shape ...int64) *Tensor {
	t, err := New(dtype, data, shape)
	if err != nil {
		panic(err)
	}

	return t
}

func (t *Tensor) DType() DType {
	if t == nil {
		return ""
	}

	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the underlying data.
func (t *Tensor) Data() []float64 {
	if t == nil {
		return nil
	}

	return append([]float64(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float64 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
		data:  append([]float64(nil), t.data...),
	}
}

// Cast converts t to dtype, rounding every element.
func (t *Tensor) Cast(dtype DType) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: cast on nil tensor")
	}

	return New(dtype, t.data, t.shape)
}

// Reshape returns a tensor sharing no storage with t. One dimension may be -1.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	resolved, err := ResolveReshape(len(t.data), shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{dtype: t.dtype, shape: resolved, data: append([]float64(nil), t.data...)}, nil
}

// ResolveReshape fills in a single -1 dimension so that shape holds n elements.
func ResolveReshape(n int, shape []int64) ([]int64, error) {
	out := append([]int64(nil), shape...)
	infer := -1
	known := int64(1)

	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("tensor: reshape %v has more than one -1 dimension", shape)
			}
			infer = i
		case d < 0:
			return nil, fmt.Errorf("tensor: reshape %v has negative dimension", shape)
		default:
			known *= d
		}
	}

	if infer >= 0 {
		if known == 0 || int64(n)%known != 0 {
			return nil, fmt.Errorf("tensor: cannot reshape %d elements into %v", n, shape)
		}
		out[infer] = int64(n) / known
		known *= out[infer]
	}

	if known != int64(n) {
		return nil, fmt.Errorf("tensor: cannot reshape %d elements into %v", n, shape)
	}

	return out, nil
}

// At returns the element at the given coordinates.
func (t *Tensor) At(coord ...int64) (float64, error) {
	if t == nil {
		return 0, errors.New("tensor: at on nil tensor")
	}

	if len(coord) != len(t.shape) {
		return 0, fmt.Errorf("tensor: at expects %d coordinates, got %d", len(t.shape), len(coord))
	}

	for i, c := range coord {
		if c < 0 || c >= t.shape[i] {
			return 0, fmt.Errorf("tensor: coordinate %v out of range for shape %v", coord, t.shape)
		}
	}

	return t.data[coordToLinear(coord, computeStrides(t.shape))], nil
}

// String renders a short description, truncating long data.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}

	const maxShown = 8

	parts := make([]string, 0, min(len(t.data), maxShown)+1)
	for i, v := range t.data {
		if i == maxShown {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, formatElem(t.dtype, v))
	}

	return fmt.Sprintf("Tensor(%s%v, [%s])", t.dtype, t.shape, strings.Join(parts, ", "))
}

func formatElem(d DType, v float64) string {
	switch {
	case d == Bool:
		return fmt.Sprintf("%t", v != 0)
	case d.IsInteger():
		return fmt.Sprintf("%d", int64(v))
	case math.IsNaN(v):
		return "nan"
	default:
		return fmt.Sprintf("%g", v)
	}
}

// EqualShape reports whether a and b have the same dimensions.
func EqualShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	if total > int64(^uint(0)>>1) {
		return 0, fmt.Errorf("tensor: shape %v exceeds platform int size", shape)
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

func computeStrides(shape []int64) []int64 {
	if len(shape) == 0 {
		return nil
	}

	strides := make([]int64, len(shape))

	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}

	return strides
}

func linearToCoord(linear int64, shape, strides, out []int64) {
	for i := range shape {
		if shape[i] == 0 {
			out[i] = 0
			continue
		}

		out[i] = (linear / strides[i]) % shape[i]
	}
}

func coordToLinear(coord, strides []int64) int64 {
	var off int64
	for i, c := range coord {
		off += c * strides[i]
	}

	return off
}
