// Package compare walks two nested result values in parallel and checks that
// every leaf of the result is numerically close to the matching expected leaf.
//
// Mismatching leaves never stop the walk: each is formatted with a stack trace
// and stored in an ErrorMap under its path so the caller can inspect every
// failure once the walk completes. A result whose kind differs from the
// expected one is such a failure too. Only an expect value of an unsupported
// type or a string marking a failed upstream stage ends the walk with an
// error.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"

	"github.com/example/go-op-parity/internal/observability"
	"github.com/example/go-op-parity/internal/tensor"
)

var (
	ErrUnsupportedType = errors.New("compare: unsupported value type")
	ErrUpstreamFailed  = errors.New("compare: upstream stage failed")
)

const defaultTolerance = 1e-10

// ErrorMap collects formatted leaf failures keyed by result path.
type ErrorMap map[string]string

// Paths returns the failing paths in sorted order.
func (m ErrorMap) Paths() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// Options tunes a comparison. Zero tolerances mean exact comparison; use
// DefaultOptions for the usual 1e-10 bounds.
type Options struct {
	Logger  *slog.Logger
	Delta   float64
	RTol    float64
	Metrics *observability.Metrics
}

func DefaultOptions() Options {
	return Options{
		Logger: slog.Default(),
		Delta:  defaultTolerance,
		RTol:   defaultTolerance,
	}
}

// Compare checks result against expect. resName and expName label the two
// roots; nested paths append "[key]" or "[index]". A nil errs is allocated.
// The returned map is errs with any new failures added.
func Compare(result, expect any, resName, expName string, errs ErrorMap, opts Options) (ErrorMap, error) {
	w := newWalker(opts, toArray)
	if errs == nil {
		errs = ErrorMap{}
	}

	return errs, w.walk(result, expect, resName, expName, errs)
}

// HostTensor is a value living outside host memory, such as an engine buffer
// still attached to its producing program.
type HostTensor interface {
	Detach() HostTensor
	Host() HostTensor
	Array() (*tensor.Tensor, error)
}

// CompareHost is Compare for results holding HostTensor leaves. Each such leaf
// is detached, copied to host and converted to an array before comparison.
func CompareHost(result, expect any, resName, expName string, errs ErrorMap, opts Options) (ErrorMap, error) {
	w := newWalker(opts, hostToArray)
	if errs == nil {
		errs = ErrorMap{}
	}

	return errs, w.walk(result, expect, resName, expName, errs)
}

// leafConverter reports whether v is array-like and, if so, converts it.
type leafConverter func(v any) (t *tensor.Tensor, ok bool, err error)

type walker struct {
	ctx     context.Context
	opts    Options
	toArray leafConverter
}

func newWalker(opts Options, conv leafConverter) *walker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &walker{ctx: context.Background(), opts: opts, toArray: conv}
}

func (w *walker) walk(result, expect any, resName, expName string, errs ErrorMap) error {
	if isNone(result) || isNone(expect) {
		w.opts.Logger.Info("skip comparison of empty value",
			"result", resName, "expect", expName,
			"result_nil", isNone(result), "expect_nil", isNone(expect))
		w.opts.Metrics.RecordSkip(w.ctx, "nil")

		return nil
	}

	if s, ok := result.(string); ok {
		return fmt.Errorf("%w: %s is %q", ErrUpstreamFailed, resName, s)
	}

	if s, ok := expect.(string); ok {
		return fmt.Errorf("%w: %s is %q", ErrUpstreamFailed, expName, s)
	}

	if m, ok := asMapping(expect); ok {
		return w.walkMapping(result, m, resName, expName, errs)
	}

	if seq, ok := asSequence(expect); ok {
		return w.walkSequence(result, seq, resName, expName, errs)
	}

	if _, ok, _ := w.toArray(expect); ok {
		return w.compareArrays(result, expect, resName, expName, errs)
	}

	if isScalar(expect) {
		if !isScalar(result) {
			w.record(resName, kindMismatch(result, "scalar", resName, expName), errs)
			return nil
		}

		w.record(resName, checkScalar(result, expect, resName, expName), errs)

		return nil
	}

	return fmt.Errorf("%w: %s is %T", ErrUnsupportedType, expName, expect)
}

func (w *walker) walkMapping(result any, expect map[string]any, resName, expName string, errs ErrorMap) error {
	got, ok := asMapping(result)
	if !ok {
		w.record(resName, kindMismatch(result, "mapping", resName, expName), errs)
		return nil
	}

	keys := make([]string, 0, len(expect))
	for k := range expect {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, key := range keys {
		r, present := got[key]
		if !present {
			w.opts.Logger.Warn("key missing from result, skipped",
				"key", key, "result", resName, "expect", expName)
			w.opts.Metrics.RecordSkip(w.ctx, "missing_key")

			continue
		}

		err := w.walk(r, expect[key], resName+"["+key+"]", expName+"["+key+"]", errs)
		if err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) walkSequence(result any, expect []any, resName, expName string, errs ErrorMap) error {
	// A bare array stands for the first of several expected outputs.
	if _, ok, _ := w.toArray(result); ok {
		if len(expect) == 0 {
			return nil
		}

		return w.walk(result, expect[0], resName+"[0]", expName+"[0]", errs)
	}

	got, ok := asSequence(result)
	if !ok {
		w.record(resName, kindMismatch(result, "sequence", resName, expName), errs)
		return nil
	}

	for i, e := range expect {
		if i >= len(got) {
			w.opts.Logger.Warn("result sequence shorter than expected, tail skipped",
				"result", resName, "expect", expName,
				"result_len", len(got), "expect_len", len(expect))
			w.opts.Metrics.RecordSkip(w.ctx, "short_sequence")

			break
		}

		idx := fmt.Sprintf("[%d]", i)
		if err := w.walk(got[i], e, resName+idx, expName+idx, errs); err != nil {
			return err
		}
	}

	return nil
}

func (w *walker) compareArrays(result, expect any, resName, expName string, errs ErrorMap) error {
	e, _, err := w.toArray(expect)
	if err != nil {
		w.record(resName, traced(err, resName, expName), errs)
		return nil
	}

	r, ok, err := w.toArray(result)
	if err != nil {
		w.record(resName, traced(err, resName, expName), errs)
		return nil
	}

	if !ok {
		w.record(resName, kindMismatch(result, "array", resName, expName), errs)
		return nil
	}

	w.record(resName, checkClose(r, e, w.opts.Delta, w.opts.RTol, resName, expName), errs)

	return nil
}

func (w *walker) record(path string, err error, errs ErrorMap) {
	w.opts.Metrics.RecordLeaf(w.ctx, path, err == nil)
	if err == nil {
		return
	}

	errs[path] = fmt.Sprintf("%+v", err)
	w.opts.Logger.Debug("leaf mismatch", "path", path, "error", err.Error())
}

func isNone(v any) bool {
	if v == nil {
		return true
	}

	rv := reflect.ValueOf(v)

	return (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) && rv.IsNil()
}

func asMapping(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]*tensor.Tensor:
		out := make(map[string]any, len(m))
		for k, t := range m {
			out[k] = t
		}

		return out, true
	default:
		return nil, false
	}
}

func asSequence(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []*tensor.Tensor:
		out := make([]any, len(s))
		for i, t := range s {
			out[i] = t
		}

		return out, true
	default:
		return nil, false
	}
}

func toArray(v any) (*tensor.Tensor, bool, error) {
	switch x := v.(type) {
	case *tensor.Tensor:
		return x, true, nil
	case []float64:
		t, err := tensor.New(tensor.Float64, x, []int64{int64(len(x))})
		return t, true, err
	case []float32:
		t, err := tensor.FromFloat32(x, []int64{int64(len(x))})
		return t, true, err
	case []int64:
		t, err := tensor.FromInt64(x, []int64{int64(len(x))})
		return t, true, err
	case []int32:
		data := make([]float64, len(x))
		for i, n := range x {
			data[i] = float64(n)
		}

		t, err := tensor.New(tensor.Int32, data, []int64{int64(len(x))})

		return t, true, err
	case []int:
		data := make([]int64, len(x))
		for i, n := range x {
			data[i] = int64(n)
		}

		t, err := tensor.FromInt64(data, []int64{int64(len(x))})

		return t, true, err
	case []bool:
		t, err := tensor.FromBool(x, []int64{int64(len(x))})
		return t, true, err
	default:
		return nil, false, nil
	}
}

func hostToArray(v any) (*tensor.Tensor, bool, error) {
	h, ok := v.(HostTensor)
	if !ok {
		return toArray(v)
	}

	t, err := h.Detach().Host().Array()
	if err != nil {
		return nil, true, fmt.Errorf("move to host: %w", err)
	}

	return t, true, nil
}
