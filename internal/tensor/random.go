package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Generator produces reproducible tensor contents from a seed.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator returns a generator seeded with seed. The same seed always
// yields the same sequence of tensors.
func NewGenerator(seed uint64) *Generator {
	return &Generator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Normal fills a tensor with samples from N(mean, std^2).
func (g *Generator) Normal(dtype DType, shape []int64, mean, std float64) (*Tensor, error) {
	return g.fill(dtype, shape, func() float64 { return mean + std*g.rng.NormFloat64() })
}

// Uniform fills a tensor with samples from [low, high).
func (g *Generator) Uniform(dtype DType, shape []int64, low, high float64) (*Tensor, error) {
	if high < low {
		return nil, fmt.Errorf("tensor: uniform range [%g, %g) is empty", low, high)
	}

	return g.fill(dtype, shape, func() float64 { return low + (high-low)*g.rng.Float64() })
}

// Range fills a tensor with 0, 1, 2, ... in row-major order.
func Range(dtype DType, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, total)
	for i := range data {
		data[i] = float64(i)
	}

	return New(dtype, data, shape)
}

func (g *Generator) fill(dtype DType, shape []int64, next func() float64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float64, total)
	for i := range data {
		data[i] = next()
	}

	return New(dtype, data, shape)
}
