// Package result reads and writes nested result values: nil, tensors,
// scalars, string-keyed mappings and sequences.
//
// JSON files encode a tensor as an object carrying the "$tensor" marker:
//
//	{"$tensor": "float32", "shape": [2], "data": [1.5, "nan"]}
//
// Non-finite elements are written as the strings "nan", "inf" and "-inf".
// Any other JSON string is kept as a string, which the comparator treats as
// the marker of a failed upstream stage.
package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-op-parity/internal/safetensors"
	"github.com/example/go-op-parity/internal/tensor"
)

const tensorMarker = "$tensor"

var ErrUnsupportedFormat = errors.New("result: unsupported file format")

type tensorJSON struct {
	DType tensor.DType `json:"$tensor"`
	Shape []int64      `json:"shape"`
	Data  []any        `json:"data"`
}

// DecodeJSON parses a JSON document into a result value.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("result: decode json: %w", err)
	}

	return fromJSON(raw)
}

func fromJSON(raw any) (any, error) {
	switch v := raw.(type) {
	case nil, bool, string:
		return v, nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}

		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("result: number %q: %w", v, err)
		}

		return f, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = conv
		}

		return out, nil
	case map[string]any:
		if _, ok := v[tensorMarker]; ok {
			return tensorFromJSON(v)
		}

		out := make(map[string]any, len(v))
		for k, item := range v {
			conv, err := fromJSON(item)
			if err != nil {
				return nil, fmt.Errorf("[%s]: %w", k, err)
			}

			out[k] = conv
		}

		return out, nil
	default:
		return nil, fmt.Errorf("result: unexpected json value %T", raw)
	}
}

func tensorFromJSON(obj map[string]any) (*tensor.Tensor, error) {
	dtypeRaw, _ := obj[tensorMarker].(string)

	dtype, err := tensor.ParseDType(dtypeRaw)
	if err != nil {
		return nil, err
	}

	shapeRaw, ok := obj["shape"].([]any)
	if !ok && obj["shape"] != nil {
		return nil, fmt.Errorf("result: tensor shape must be an array, got %T", obj["shape"])
	}

	shape := make([]int64, len(shapeRaw))
	for i, d := range shapeRaw {
		n, ok := d.(json.Number)
		if !ok {
			return nil, fmt.Errorf("result: tensor shape[%d] must be a number", i)
		}

		dim, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("result: tensor shape[%d]: %w", i, err)
		}

		shape[i] = dim
	}

	dataRaw, ok := obj["data"].([]any)
	if !ok && obj["data"] != nil {
		return nil, fmt.Errorf("result: tensor data must be an array, got %T", obj["data"])
	}

	values := make([]float64, len(dataRaw))
	for i, item := range dataRaw {
		f, err := elemFromJSON(item)
		if err != nil {
			return nil, fmt.Errorf("result: tensor data[%d]: %w", i, err)
		}

		values[i] = f
	}

	return tensor.New(dtype, values, shape)
}

func elemFromJSON(item any) (float64, error) {
	switch v := item.(type) {
	case json.Number:
		return v.Float64()
	case bool:
		if v {
			return 1, nil
		}

		return 0, nil
	case string:
		switch strings.ToLower(v) {
		case "nan":
			return math.NaN(), nil
		case "inf", "+inf", "infinity":
			return math.Inf(1), nil
		case "-inf", "-infinity":
			return math.Inf(-1), nil
		}

		return 0, fmt.Errorf("unexpected string %q", v)
	default:
		return 0, fmt.Errorf("unexpected element %T", item)
	}
}

// EncodeJSON renders a result value as indented JSON.
func EncodeJSON(v any) ([]byte, error) {
	conv, err := toJSON(v)
	if err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("result: encode json: %w", err)
	}

	return append(out, '\n'), nil
}

func toJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case *tensor.Tensor:
		if x == nil {
			return nil, nil
		}

		return tensorToJSON(x), nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			conv, err := toJSON(item)
			if err != nil {
				return nil, err
			}

			out[k] = conv
		}

		return out, nil
	case map[string]*tensor.Tensor:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k], _ = toJSON(item)
		}

		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			conv, err := toJSON(item)
			if err != nil {
				return nil, err
			}

			out[i] = conv
		}

		return out, nil
	case []*tensor.Tensor:
		out := make([]any, len(x))
		for i, item := range x {
			out[i], _ = toJSON(item)
		}

		return out, nil
	case float64:
		return floatToJSON(x), nil
	case float32:
		return floatToJSON(float64(x)), nil
	case bool, string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, nil
	default:
		return nil, fmt.Errorf("result: cannot encode %T", v)
	}
}

func tensorToJSON(t *tensor.Tensor) tensorJSON {
	raw := t.RawData()
	data := make([]any, len(raw))
	for i, f := range raw {
		data[i] = floatToJSON(f)
	}

	return tensorJSON{DType: t.DType(), Shape: t.Shape(), Data: data}
}

func floatToJSON(f float64) any {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	default:
		return f
	}
}

// LoadFile reads a result value from a .json or .safetensors file.
func LoadFile(path string) (any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("result: read %s: %w", path, err)
		}

		return DecodeJSON(data)
	case ".safetensors":
		st, err := safetensors.OpenStore(path)
		if err != nil {
			return nil, err
		}
		defer st.Close()

		tensors, err := st.ReadAll()
		if err != nil {
			return nil, err
		}

		return Unflatten(tensors), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// SaveFile writes v to path. Safetensors output requires v to flatten into
// named tensors (see Flatten).
func SaveFile(path string, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := EncodeJSON(v)
		if err != nil {
			return err
		}

		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("result: write %s: %w", path, err)
		}

		return nil
	case ".safetensors":
		flat, err := Flatten(v)
		if err != nil {
			return err
		}

		return safetensors.WriteFile(path, flat, nil)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Flatten turns a mapping of tensors and tensor sequences into named tensors.
// Sequence elements are named "<key>.<index>".
func Flatten(v any) (map[string]*tensor.Tensor, error) {
	m, ok := v.(map[string]any)
	if !ok {
		if tm, ok := v.(map[string]*tensor.Tensor); ok {
			return tm, nil
		}

		return nil, fmt.Errorf("result: flatten needs a mapping, got %T", v)
	}

	out := make(map[string]*tensor.Tensor, len(m))
	for k, item := range m {
		switch x := item.(type) {
		case *tensor.Tensor:
			out[k] = x
		case []any:
			for i, elem := range x {
				t, ok := elem.(*tensor.Tensor)
				if !ok {
					return nil, fmt.Errorf("result: flatten %s.%d: not a tensor (%T)", k, i, elem)
				}

				out[k+"."+strconv.Itoa(i)] = t
			}
		case []*tensor.Tensor:
			for i, t := range x {
				out[k+"."+strconv.Itoa(i)] = t
			}
		default:
			return nil, fmt.Errorf("result: flatten %s: not a tensor (%T)", k, item)
		}
	}

	return out, nil
}

// Unflatten groups "<key>.<index>" names back into sequences when the indices
// of a key run contiguously from zero. Other names stay as plain tensors.
func Unflatten(tensors map[string]*tensor.Tensor) map[string]any {
	groups := make(map[string]map[int]*tensor.Tensor)
	out := make(map[string]any, len(tensors))

	for name, t := range tensors {
		dot := strings.LastIndexByte(name, '.')
		if dot <= 0 {
			out[name] = t
			continue
		}

		idx, err := strconv.Atoi(name[dot+1:])
		if err != nil || idx < 0 {
			out[name] = t
			continue
		}

		key := name[:dot]
		if groups[key] == nil {
			groups[key] = make(map[int]*tensor.Tensor)
		}

		groups[key][idx] = t
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		g := groups[key]
		seq := make([]any, len(g))
		contiguous := true

		for i := range seq {
			t, ok := g[i]
			if !ok {
				contiguous = false
				break
			}

			seq[i] = t
		}

		_, clash := out[key]
		if contiguous && !clash {
			out[key] = seq
			continue
		}

		for idx, t := range g {
			out[key+"."+strconv.Itoa(idx)] = t
		}
	}

	return out
}
