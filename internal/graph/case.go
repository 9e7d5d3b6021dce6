// Package graph executes captured-graph test cases. A case is a fixed tensor
// computation: a parameter table, seeded inputs, a node list in SSA form and
// named outputs. It runs either eagerly, node by node, or through a static
// program compiled up to a pipeline stage.
package graph

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/example/go-op-parity/internal/tensor"
)

var ErrInvalidCase = errors.New("graph: invalid case")

// Init kinds for TensorSpec.
const (
	InitZeros   = "zeros"
	InitOnes    = "ones"
	InitNormal  = "normal"
	InitUniform = "uniform"
	InitRange   = "range"
)

// TensorSpec declares a parameter or input and how to fill it.
type TensorSpec struct {
	Name  string  `json:"name"`
	DType string  `json:"dtype"`
	Shape []int64 `json:"shape"`
	Init  string  `json:"init"`
	Mean  float64 `json:"mean"`
	Std   float64 `json:"std"`
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	// DynamicDims lists dimensions treated as symbolic by infer_symbolic.
	DynamicDims []int `json:"dynamic_dims,omitempty"`
}

// Attrs holds the union of operator attributes.
type Attrs struct {
	Axis    *int    `json:"axis,omitempty"`
	KeepDim bool    `json:"keepdim,omitempty"`
	Eps     float64 `json:"eps,omitempty"`
	Shape   []int64 `json:"shape,omitempty"`
	Perm    []int   `json:"perm,omitempty"`
	Value   float64 `json:"value,omitempty"`
}

func (a Attrs) axis() int {
	if a.Axis == nil {
		return -1
	}

	return *a.Axis
}

type Node struct {
	Op     string   `json:"op"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
	Attrs  Attrs    `json:"attrs"`
}

// OutputSpec names a result entry. A single value becomes a tensor; several
// become a sequence.
type OutputSpec struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

type Case struct {
	Name      string       `json:"name"`
	LayerType string       `json:"layer_type"`
	Seed      uint64       `json:"seed"`
	Params    []TensorSpec `json:"params"`
	Inputs    []TensorSpec `json:"inputs"`
	Nodes     []Node       `json:"nodes"`
	Outputs   []OutputSpec `json:"outputs"`

	// Source is the file the case was loaded from, empty for parsed bytes.
	Source string `json:"-"`
}

func LoadCase(path string) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graph: read case %s: %w", path, err)
	}

	c, err := ParseCase(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Source = path

	return c, nil
}

func ParseCase(data []byte) (*Case, error) {
	var c Case

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCase, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks that every name is defined exactly once, that nodes only
// read values defined before them, and that operators and arities are known.
func (c *Case) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCase)
	}

	defined := make(map[string]bool)

	for _, group := range [][]TensorSpec{c.Params, c.Inputs} {
		for _, spec := range group {
			if err := validateSpec(spec); err != nil {
				return err
			}

			if defined[spec.Name] {
				return fmt.Errorf("%w: %q defined twice", ErrInvalidCase, spec.Name)
			}

			defined[spec.Name] = true
		}
	}

	for i, n := range c.Nodes {
		def, ok := lookupOp(n.Op)
		if !ok {
			return fmt.Errorf("%w: node %d: unknown op %q", ErrInvalidCase, i, n.Op)
		}

		if len(n.Inputs) < def.minArgs || len(n.Inputs) > def.maxArgs {
			return fmt.Errorf("%w: node %d (%s): got %d inputs, want %d..%d",
				ErrInvalidCase, i, n.Op, len(n.Inputs), def.minArgs, def.maxArgs)
		}

		for _, in := range n.Inputs {
			if !defined[in] {
				return fmt.Errorf("%w: node %d (%s): input %q used before definition", ErrInvalidCase, i, n.Op, in)
			}
		}

		if n.Output == "" {
			return fmt.Errorf("%w: node %d (%s): missing output name", ErrInvalidCase, i, n.Op)
		}

		if defined[n.Output] {
			return fmt.Errorf("%w: node %d (%s): %q defined twice", ErrInvalidCase, i, n.Op, n.Output)
		}

		defined[n.Output] = true
	}

	if len(c.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidCase)
	}

	for _, out := range c.Outputs {
		if out.Name == "" || len(out.Values) == 0 {
			return fmt.Errorf("%w: output %q has no values", ErrInvalidCase, out.Name)
		}

		for _, v := range out.Values {
			if !defined[v] {
				return fmt.Errorf("%w: output %q references undefined %q", ErrInvalidCase, out.Name, v)
			}
		}
	}

	return nil
}

func validateSpec(spec TensorSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: tensor spec without name", ErrInvalidCase)
	}

	if _, err := tensor.ParseDType(spec.DType); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCase, spec.Name, err)
	}

	for _, d := range spec.Shape {
		if d < 0 {
			return fmt.Errorf("%w: %s: negative dimension in %v", ErrInvalidCase, spec.Name, spec.Shape)
		}
	}

	switch spec.Init {
	case "", InitZeros, InitOnes, InitNormal, InitUniform, InitRange:
	default:
		return fmt.Errorf("%w: %s: unknown init %q", ErrInvalidCase, spec.Name, spec.Init)
	}

	for _, d := range spec.DynamicDims {
		if d < 0 || d >= len(spec.Shape) {
			return fmt.Errorf("%w: %s: dynamic dim %d out of range for rank %d",
				ErrInvalidCase, spec.Name, d, len(spec.Shape))
		}
	}

	return nil
}

// DType returns the widest dtype among params and inputs, used to pick the
// default comparison tolerance.
func (c *Case) DType() tensor.DType {
	dt := tensor.Bool

	for _, group := range [][]TensorSpec{c.Params, c.Inputs} {
		for _, spec := range group {
			d, err := tensor.ParseDType(spec.DType)
			if err == nil {
				dt = tensor.Promote(dt, d)
			}
		}
	}

	return dt
}
