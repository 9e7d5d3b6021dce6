package graph

import (
	"fmt"
	"math"

	"github.com/example/go-op-parity/internal/tensor"
)

// Schema is the ordered list of parameter and input specs of a case. Params
// come first, then inputs, each in declaration order. Slot i of a compiled
// program holds the value named by Schema entry i.
type Schema struct {
	specs  []TensorSpec
	dtypes []tensor.DType
	index  map[string]int
	params int
}

func NewSchema(c *Case) (*Schema, error) {
	s := &Schema{index: make(map[string]int, len(c.Params)+len(c.Inputs)), params: len(c.Params)}

	for _, group := range [][]TensorSpec{c.Params, c.Inputs} {
		for _, spec := range group {
			if _, dup := s.index[spec.Name]; dup {
				return nil, fmt.Errorf("%w: %q defined twice", ErrInvalidCase, spec.Name)
			}

			dt, err := tensor.ParseDType(spec.DType)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCase, spec.Name, err)
			}

			s.index[spec.Name] = len(s.specs)
			s.specs = append(s.specs, spec)
			s.dtypes = append(s.dtypes, dt)
		}
	}

	return s, nil
}

func (s *Schema) Len() int { return len(s.specs) }

// Names returns every entry name in slot order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.specs))
	for i, spec := range s.specs {
		out[i] = spec.Name
	}

	return out
}

func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *Schema) Spec(i int) TensorSpec { return s.specs[i] }

// IsParam reports whether slot i is a parameter rather than an input.
func (s *Schema) IsParam(i int) bool { return i < s.params }

// ParamTable maps every schema name to its tensor. It replaces positional
// argument lists: engines look values up by name or slot.
type ParamTable struct {
	schema *Schema
	values []*tensor.Tensor
}

// BuildParamTable fills every schema entry from a generator seeded with seed.
// Entries are drawn in slot order so the same seed always yields the same
// table.
func BuildParamTable(s *Schema, seed uint64) (*ParamTable, error) {
	gen := tensor.NewGenerator(seed)
	values := make([]*tensor.Tensor, s.Len())

	for i, spec := range s.specs {
		t, err := initTensor(gen, s.dtypes[i], spec)
		if err != nil {
			return nil, fmt.Errorf("graph: init %s: %w", spec.Name, err)
		}

		values[i] = t
	}

	return &ParamTable{schema: s, values: values}, nil
}

func (p *ParamTable) Schema() *Schema { return p.schema }

func (p *ParamTable) Len() int { return len(p.values) }

func (p *ParamTable) Get(name string) (*tensor.Tensor, bool) {
	i, ok := p.schema.Index(name)
	if !ok {
		return nil, false
	}

	return p.values[i], true
}

func (p *ParamTable) At(i int) *tensor.Tensor { return p.values[i] }

// Set replaces the value of name. The dtype must match the schema; the shape
// may differ only along dims declared dynamic.
func (p *ParamTable) Set(name string, t *tensor.Tensor) error {
	i, ok := p.schema.Index(name)
	if !ok {
		return fmt.Errorf("graph: unknown parameter %q", name)
	}

	spec := p.schema.specs[i]
	if t.DType() != p.schema.dtypes[i] {
		return fmt.Errorf("graph: %s: dtype %s, schema wants %s", name, t.DType(), p.schema.dtypes[i])
	}

	if len(t.Shape()) != len(spec.Shape) {
		return fmt.Errorf("graph: %s: rank %d, schema wants %d", name, len(t.Shape()), len(spec.Shape))
	}

	dynamic := make(map[int]bool, len(spec.DynamicDims))
	for _, d := range spec.DynamicDims {
		dynamic[d] = true
	}

	for d, size := range t.Shape() {
		if size != spec.Shape[d] && !dynamic[d] {
			return fmt.Errorf("graph: %s: dim %d is %d, schema fixes it to %d", name, d, size, spec.Shape[d])
		}
	}

	p.values[i] = t

	return nil
}

func initTensor(gen *tensor.Generator, dt tensor.DType, spec TensorSpec) (*tensor.Tensor, error) {
	switch spec.Init {
	case InitZeros:
		return tensor.Zeros(dt, spec.Shape)
	case InitOnes:
		return tensor.Full(dt, spec.Shape, 1)
	case InitRange:
		return tensor.Range(dt, spec.Shape)
	case InitUniform:
		t, err := gen.Uniform(tensor.Float64, spec.Shape, spec.Low, spec.High)
		if err != nil {
			return nil, err
		}

		return castFloor(t, dt)
	}

	// Normal, the default. Integer dtypes draw from [0, 10) instead.
	if !dt.IsFloat() {
		high := 10.0
		if dt == tensor.Bool {
			high = 2
		}

		t, err := gen.Uniform(tensor.Float64, spec.Shape, 0, high)
		if err != nil {
			return nil, err
		}

		return castFloor(t, dt)
	}

	std := spec.Std
	if std == 0 {
		std = 1
	}

	return gen.Normal(dt, spec.Shape, spec.Mean, std)
}

// castFloor floors before casting so integer draws are uniform over their
// range instead of truncating toward zero.
func castFloor(t *tensor.Tensor, dt tensor.DType) (*tensor.Tensor, error) {
	if dt.IsFloat() {
		return t.Cast(dt)
	}

	floored, err := tensor.Map(t, math.Floor)
	if err != nil {
		return nil, err
	}

	return floored.Cast(dt)
}
