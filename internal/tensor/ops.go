package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Add performs element-wise add with NumPy-style broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float64) float64 { return x + y }, "add")
}

// Sub performs element-wise subtract with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float64) float64 { return x - y }, "sub")
}

// Mul performs element-wise multiply with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float64) float64 { return x * y }, "mul")
}

// Div performs element-wise divide with broadcasting.
func Div(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary(a, b, func(x, y float64) float64 { return x / y }, "div")
}

// Map applies fn to every element and rounds the result to x's dtype.
func Map(x *Tensor, fn func(float64) float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: map on nil tensor")
	}

	out := make([]float64, len(x.data))
	for i, v := range x.data {
		out[i] = fn(v)
	}

	return newOwned(x.dtype, out, append([]int64(nil), x.shape...)), nil
}

func Relu(x *Tensor) (*Tensor, error) {
	return Map(x, func(v float64) float64 { return math.Max(v, 0) })
}

func Exp(x *Tensor) (*Tensor, error) { return Map(x, math.Exp) }

func Tanh(x *Tensor) (*Tensor, error) { return Map(x, math.Tanh) }

func Sqrt(x *Tensor) (*Tensor, error) { return Map(x, math.Sqrt) }

func Rsqrt(x *Tensor) (*Tensor, error) {
	return Map(x, func(v float64) float64 { return 1 / math.Sqrt(v) })
}

// Scale multiplies every element by s.
func Scale(x *Tensor, s float64) (*Tensor, error) {
	return Map(x, func(v float64) float64 { return v * s })
}

// Sum reduces along dim.
func Sum(x *Tensor, dim int, keepDim bool) (*Tensor, error) {
	return reduce(x, dim, keepDim, "sum", 0, func(acc, v float64) float64 { return acc + v }, nil)
}

// Mean reduces along dim.
func Mean(x *Tensor, dim int, keepDim bool) (*Tensor, error) {
	return reduce(x, dim, keepDim, "mean", 0,
		func(acc, v float64) float64 { return acc + v },
		func(acc float64, n int64) float64 { return acc / float64(n) })
}

// Max reduces along dim.
func Max(x *Tensor, dim int, keepDim bool) (*Tensor, error) {
	return reduce(x, dim, keepDim, "max", math.Inf(-1), math.Max, nil)
}

func reduce(
	x *Tensor,
	dim int,
	keepDim bool,
	opName string,
	init float64,
	step func(acc, v float64) float64,
	finish func(acc float64, n int64) float64,
) (*Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("tensor: %s on nil tensor", opName)
	}

	if len(x.shape) == 0 {
		return nil, fmt.Errorf("tensor: %s requires rank >= 1", opName)
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: %s: %w", opName, err)
	}

	outer, axis, inner := splitAround(x.shape, dim)
	out := make([]float64, outer*inner)

	for o := range outer {
		for in := range inner {
			acc := init
			base := o*axis*inner + in

			for k := range axis {
				acc = step(acc, x.data[base+k*inner])
			}

			if finish != nil {
				acc = finish(acc, axis)
			}

			out[o*inner+in] = acc
		}
	}

	return newOwned(x.dtype, out, ReducedShape(x.shape, dim, keepDim)), nil
}

// ReducedShape is the shape of a reduction of shape along dim.
func ReducedShape(shape []int64, dim int, keepDim bool) []int64 {
	out := make([]int64, 0, len(shape))
	for i, d := range shape {
		if i == dim {
			if keepDim {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, d)
	}

	return out
}

func splitAround(shape []int64, dim int) (outer, axis, inner int64) {
	outer, inner = 1, 1
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	return outer, shape[dim], inner
}

// Softmax applies softmax along dim.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	dim, err := normalizeDim(dim, len(x.shape))
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	outer, axis, inner := splitAround(x.shape, dim)
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	out := append([]float64(nil), x.data...)

	for o := range outer {
		for in := range inner {
			base := o*axis*inner + in
			maxV := math.Inf(-1)

			for k := range axis {
				maxV = math.Max(maxV, out[base+k*inner])
			}

			var sum float64

			for k := range axis {
				i := base + k*inner
				out[i] = math.Exp(out[i] - maxV)
				sum += out[i]
			}

			if sum == 0 {
				return nil, errors.New("tensor: softmax encountered zero normalization sum")
			}

			for k := range axis {
				out[base+k*inner] /= sum
			}
		}
	}

	return newOwned(x.dtype, out, append([]int64(nil), x.shape...)), nil
}

// LayerNorm normalizes the last dimension and applies optional weight/bias.
func LayerNorm(x, weight, bias *Tensor, eps float64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: layernorm requires rank >= 1")
	}

	if eps <= 0 {
		return nil, errors.New("tensor: layernorm eps must be > 0")
	}

	d := x.shape[len(x.shape)-1]
	if d <= 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	if weight != nil && (weight.Rank() != 1 || weight.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm weight shape %v does not match last dimension %d", weight.shape, d)
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != d) {
		return nil, fmt.Errorf("tensor: layernorm bias shape %v does not match last dimension %d", bias.shape, d)
	}

	out := append([]float64(nil), x.data...)
	dd := int(d)

	for o := range len(out) / dd {
		slice := out[o*dd : (o+1)*dd]

		var mean float64
		for _, v := range slice {
			mean += v
		}

		mean /= float64(dd)

		var variance float64
		for _, v := range slice {
			delta := v - mean
			variance += delta * delta
		}

		variance /= float64(dd)

		invStd := 1 / math.Sqrt(variance+eps)
		for i := range slice {
			n := (slice[i] - mean) * invStd
			if weight != nil {
				n *= weight.data[i]
			}

			if bias != nil {
				n += bias.data[i]
			}

			slice[i] = n
		}
	}

	return newOwned(x.dtype, out, append([]int64(nil), x.shape...)), nil
}

// MatMul performs batched matrix multiplication with broadcasting over batch dims.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	outShape, err := MatMulShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}

	aRank, bRank := len(a.shape), len(b.shape)
	m, k, n := a.shape[aRank-2], a.shape[aRank-1], b.shape[bRank-1]
	batchShape := outShape[:len(outShape)-2]

	aStrides := computeStrides(a.shape)
	bStrides := computeStrides(b.shape)
	outStrides := computeStrides(outShape)

	batchCount, err := shapeElemCount(batchShape)
	if err != nil {
		return nil, err
	}

	out := make([]float64, batchCount*int(m*n))
	batchCoords := make([]int64, len(batchShape))
	batchStrides := computeStrides(batchShape)

	for batchIdx := range batchCount {
		linearToCoord(int64(batchIdx), batchShape, batchStrides, batchCoords)
		aOff := broadcastBatchOffset(batchCoords, a.shape[:aRank-2], aStrides[:aRank-2])
		bOff := broadcastBatchOffset(batchCoords, b.shape[:bRank-2], bStrides[:bRank-2])
		outOff := coordToLinear(batchCoords, outStrides[:len(batchShape)])

		for i := range m {
			for j := range n {
				var sum float64

				for kk := range k {
					sum += a.data[aOff+i*aStrides[aRank-2]+kk*aStrides[aRank-1]] *
						b.data[bOff+kk*bStrides[bRank-2]+j*bStrides[bRank-1]]
				}

				out[outOff+i*outStrides[len(outShape)-2]+j*outStrides[len(outShape)-1]] = sum
			}
		}
	}

	return newOwned(Promote(a.dtype, b.dtype), out, outShape), nil
}

// MatMulShape returns the result shape of MatMul(a, b).
func MatMulShape(a, b []int64) ([]int64, error) {
	if len(a) < 2 || len(b) < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", len(a), len(b))
	}

	k, k2 := a[len(a)-1], b[len(b)-2]
	if k != k2 {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a, b, k, k2)
	}

	batch, err := BroadcastShape(a[:len(a)-2], b[:len(b)-2])
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	return append(batch, a[len(a)-2], b[len(b)-1]), nil
}

// Linear applies y = x * W^T + b where weight shape is [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]
	outDim := weight.shape[0]

	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || bias.shape[0] != outDim) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, outDim)
	}

	inI, outI := int(in), int(outDim)
	batch := 0
	if inI > 0 {
		batch = len(x.data) / inI
	}

	out := make([]float64, batch*outI)

	for bIdx := range batch {
		xs := x.data[bIdx*inI : (bIdx+1)*inI]
		for o := range outI {
			ws := weight.data[o*inI : (o+1)*inI]

			var sum float64
			for i, v := range xs {
				sum += v * ws[i]
			}

			if bias != nil {
				sum += bias.data[o]
			}

			out[bIdx*outI+o] = sum
		}
	}

	outShape := append([]int64(nil), x.shape...)
	outShape[len(outShape)-1] = outDim

	return newOwned(Promote(x.dtype, weight.dtype), out, outShape), nil
}

// Transpose permutes dimensions. A nil perm swaps the last two dimensions.
func Transpose(x *Tensor, perm []int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	perm, err := NormalizePerm(perm, len(x.shape))
	if err != nil {
		return nil, err
	}

	outShape := PermuteShape(x.shape, perm)
	srcStrides := computeStrides(x.shape)
	outStrides := computeStrides(outShape)
	coord := make([]int64, len(outShape))
	out := make([]float64, len(x.data))

	for i := range out {
		linearToCoord(int64(i), outShape, outStrides, coord)

		var src int64
		for d, p := range perm {
			src += coord[d] * srcStrides[p]
		}

		out[i] = x.data[src]
	}

	return &Tensor{dtype: x.dtype, shape: outShape, data: out}, nil
}

// NormalizePerm validates perm against rank; nil swaps the last two dims.
func NormalizePerm(perm []int, rank int) ([]int, error) {
	if perm == nil {
		if rank < 2 {
			return nil, fmt.Errorf("tensor: transpose requires rank >= 2, got %d", rank)
		}

		perm = make([]int, rank)
		for i := range perm {
			perm[i] = i
		}

		perm[rank-1], perm[rank-2] = perm[rank-2], perm[rank-1]

		return perm, nil
	}

	if len(perm) != rank {
		return nil, fmt.Errorf("tensor: transpose perm %v does not match rank %d", perm, rank)
	}

	seen := make([]bool, rank)
	out := make([]int, rank)

	for i, p := range perm {
		p, err := normalizeDim(p, rank)
		if err != nil {
			return nil, fmt.Errorf("tensor: transpose: %w", err)
		}

		if seen[p] {
			return nil, fmt.Errorf("tensor: transpose perm %v repeats dim %d", perm, p)
		}

		seen[p] = true
		out[i] = p
	}

	return out, nil
}

// PermuteShape reorders shape by perm.
func PermuteShape(shape []int64, perm []int) []int64 {
	out := make([]int64, len(perm))
	for i, p := range perm {
		out[i] = shape[p]
	}

	return out
}

func broadcastBinary(a, b *Tensor, fn func(x, y float64) float64, opName string) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", opName)
	}

	outShape, err := BroadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", opName, err)
	}

	total, err := shapeElemCount(outShape)
	if err != nil {
		return nil, err
	}

	out := make([]float64, total)
	aPad := leftPadShape(a.shape, len(outShape))
	bPad := leftPadShape(b.shape, len(outShape))
	aStrides := computeStrides(aPad)
	bStrides := computeStrides(bPad)
	outStrides := computeStrides(outShape)
	coord := make([]int64, len(outShape))

	for i := range out {
		linearToCoord(int64(i), outShape, outStrides, coord)

		var aOff, bOff int64
		for d, c := range coord {
			if aPad[d] != 1 {
				aOff += c * aStrides[d]
			}

			if bPad[d] != 1 {
				bOff += c * bStrides[d]
			}
		}

		out[i] = fn(a.data[aOff], b.data[bOff])
	}

	return newOwned(Promote(a.dtype, b.dtype), out, outShape), nil
}

// BroadcastTo expands x to shape under NumPy broadcasting rules.
func BroadcastTo(x *Tensor, shape []int64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: broadcast of nil tensor")
	}

	got, err := BroadcastShape(x.shape, shape)
	if err != nil || !EqualShape(got, shape) {
		return nil, fmt.Errorf("tensor: cannot broadcast %v to %v", x.shape, shape)
	}

	if EqualShape(x.shape, shape) {
		return x.Clone(), nil
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float64, total)
	pad := leftPadShape(x.shape, len(shape))
	strides := computeStrides(pad)
	outStrides := computeStrides(shape)
	coord := make([]int64, len(shape))

	for i := range out {
		linearToCoord(int64(i), shape, outStrides, coord)

		var off int64
		for d, c := range coord {
			if pad[d] != 1 {
				off += c * strides[d]
			}
		}

		out[i] = x.data[off]
	}

	return &Tensor{dtype: x.dtype, shape: append([]int64(nil), shape...), data: out}, nil
}

// BroadcastShape returns the NumPy broadcast of a and b.
func BroadcastShape(a, b []int64) ([]int64, error) {
	outRank := max(len(a), len(b))

	out := make([]int64, outRank)
	for i := range outRank {
		ad := int64(1)
		if j := i - (outRank - len(a)); j >= 0 {
			ad = a[j]
		}

		bd := int64(1)
		if j := i - (outRank - len(b)); j >= 0 {
			bd = b[j]
		}

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

func leftPadShape(shape []int64, rank int) []int64 {
	out := make([]int64, rank)

	pad := rank - len(shape)
	for i := range pad {
		out[i] = 1
	}

	copy(out[pad:], shape)

	return out
}

func broadcastBatchOffset(batchCoords, srcBatchShape, srcBatchStrides []int64) int64 {
	pad := len(batchCoords) - len(srcBatchShape)

	var off int64
	for i := range srcBatchShape {
		if srcBatchShape[i] == 1 {
			continue
		}

		off += batchCoords[pad+i] * srcBatchStrides[i]
	}

	return off
}
