package compare

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/example/go-op-parity/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(vals ...float64) *tensor.Tensor {
	return tensor.MustNew(tensor.Float32, vals, int64(len(vals)))
}

func quietOptions() (Options, *bytes.Buffer) {
	var buf bytes.Buffer

	opts := DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	return opts, &buf
}

// ---------------------------------------------------------------------------
// Arrays
// ---------------------------------------------------------------------------

func TestCompare_EqualArraysLeaveMapUnchanged(t *testing.T) {
	opts, _ := quietOptions()

	errs, err := Compare(f32(1, 2, math.NaN()), f32(1, 2, math.NaN()), "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestCompare_WithinTolerance(t *testing.T) {
	opts, _ := quietOptions()
	opts.Delta = 1e-3
	opts.RTol = 0

	a := tensor.MustNew(tensor.Float64, []float64{1.0005}, 1)
	b := tensor.MustNew(tensor.Float64, []float64{1.0}, 1)

	errs, err := Compare(a, b, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)

	opts.Delta = 1e-4
	errs, err = Compare(a, b, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}

func TestCompare_MismatchAddsExactlyOneEntry(t *testing.T) {
	opts, _ := quietOptions()
	errs := ErrorMap{"earlier": "kept"}

	got, err := Compare(f32(1, 2), f32(1, 3), "out", "exp", errs, opts)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "kept", got["earlier"])
	assert.Contains(t, got["out"], "mismatched elements: 1 / 2")
	// %+v of a pkg/errors error carries the stack.
	assert.Contains(t, got["out"], "checkClose")
}

func TestCompare_ShapeAndDTypeMismatch(t *testing.T) {
	opts, _ := quietOptions()

	errs, err := Compare(f32(1, 2), tensor.MustNew(tensor.Float32, []float64{1, 2}, 1, 2), "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Contains(t, errs["out"], "shape mismatch")

	errs, err = Compare(f32(1), tensor.MustNew(tensor.Float64, []float64{1}, 1), "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Contains(t, errs["out"], "dtype mismatch")
}

func TestCompare_PlainSlicesAreArrays(t *testing.T) {
	opts, _ := quietOptions()

	errs, err := Compare([]float64{1, 2}, []float64{1, 2}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = Compare([]int{1, 2}, []int64{1, 2}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = Compare([]bool{true}, []bool{false}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Len(t, errs, 1)
}

// ---------------------------------------------------------------------------
// Nil, strings and unsupported types
// ---------------------------------------------------------------------------

func TestCompare_NilEitherSideSkips(t *testing.T) {
	opts, logs := quietOptions()

	var nilTensor *tensor.Tensor

	for _, pair := range [][2]any{{nil, f32(1)}, {f32(1), nil}, {nilTensor, f32(1)}, {nil, nil}} {
		errs, err := Compare(pair[0], pair[1], "out", "exp", ErrorMap{}, opts)
		require.NoError(t, err)
		assert.Empty(t, errs)
	}

	assert.Contains(t, logs.String(), "skip comparison of empty value")
}

func TestCompare_StringIsUpstreamFailure(t *testing.T) {
	opts, _ := quietOptions()

	_, err := Compare("stage crashed", f32(1), "out", "exp", nil, opts)
	assert.ErrorIs(t, err, ErrUpstreamFailed)

	_, err = Compare(map[string]any{"a": f32(1)}, map[string]any{"a": "error"}, "out", "exp", nil, opts)
	assert.ErrorIs(t, err, ErrUpstreamFailed)
}

func TestCompare_UnsupportedExpectRaises(t *testing.T) {
	opts, _ := quietOptions()

	_, err := Compare(f32(1), struct{}{}, "out", "exp", nil, opts)
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = Compare(map[string]any{"a": f32(1)}, map[string]any{"a": []string{"x"}}, "out", "exp", nil, opts)
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCompare_KindMismatchIsRecorded(t *testing.T) {
	opts, _ := quietOptions()

	cases := []struct {
		name           string
		result, expect any
		kind           string
	}{
		{"scalar vs array", 1.0, f32(1), "expect array"},
		{"list vs array", []any{1.0}, f32(1), "expect array"},
		{"array vs scalar", f32(1), 1.0, "expect scalar"},
		{"array vs mapping", f32(1), map[string]any{"a": f32(1)}, "expect mapping"},
		{"mapping vs sequence", map[string]any{}, []any{f32(1)}, "expect sequence"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			errs, err := Compare(c.result, c.expect, "out", "exp", nil, opts)
			require.NoError(t, err)
			require.Equal(t, []string{"out"}, errs.Paths())
			assert.Contains(t, errs["out"], "kind mismatch")
			assert.Contains(t, errs["out"], c.kind)
		})
	}
}

func TestCompare_KindMismatchDoesNotStopWalk(t *testing.T) {
	opts, _ := quietOptions()

	result := map[string]any{"a": 1.0, "b": f32(1)}
	expect := map[string]any{"a": f32(1), "b": f32(0)}

	errs, err := Compare(result, expect, "dy_train", "st_train", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"dy_train[a]", "dy_train[b]"}, errs.Paths())
	assert.Contains(t, errs["dy_train[a]"], "kind mismatch: result float64, expect array")
	assert.Contains(t, errs["dy_train[b]"], "not equal to tolerance")
}

// ---------------------------------------------------------------------------
// Scalars
// ---------------------------------------------------------------------------

func TestCompare_Scalars(t *testing.T) {
	opts, _ := quietOptions()

	cases := []struct {
		result, expect any
		match          bool
	}{
		{int64(3), 3, true},
		{true, 1, true},
		{false, true, false},
		{2.5, float32(2.5), true},
		{2.5, 2.5000001, false},
		{uint64(7), int32(7), true},
		{int64(1<<53 + 1), int64(1 << 53), false},
	}

	for _, c := range cases {
		errs, err := Compare(c.result, c.expect, "v", "e", nil, opts)
		require.NoError(t, err)
		assert.Equal(t, c.match, len(errs) == 0, "%v vs %v", c.result, c.expect)
	}
}

// ---------------------------------------------------------------------------
// Mappings and sequences
// ---------------------------------------------------------------------------

func TestCompare_DictMissingKeyInResultIsSkipped(t *testing.T) {
	opts, logs := quietOptions()

	result := map[string]any{"a": f32(1), "extra": f32(9)}
	expect := map[string]any{"a": f32(1), "b": f32(2)}

	errs, err := Compare(result, expect, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Contains(t, logs.String(), "key missing from result")
}

func TestCompare_DictMismatchPath(t *testing.T) {
	opts, _ := quietOptions()

	result := map[string]*tensor.Tensor{"a": f32(1), "b": f32(5)}
	expect := map[string]any{"a": f32(1), "b": f32(2)}

	errs, err := Compare(result, expect, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"out[b]"}, errs.Paths())
}

func TestCompare_EndToEndLogitSequence(t *testing.T) {
	opts, _ := quietOptions()

	result := map[string]any{"logit": []any{f32(1.0), f32(1.0)}}
	expect := map[string]any{"logit": []any{f32(0.0), f32(0.0)}}

	errs, err := Compare(result, expect, "dy_train", "st_train", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"dy_train[logit][0]", "dy_train[logit][1]"}, errs.Paths())
}

func TestCompare_BareArrayAgainstSequenceComparesFirstOnly(t *testing.T) {
	opts, _ := quietOptions()

	// Second element would mismatch, but only expect[0] is considered.
	errs, err := Compare(f32(1), []any{f32(1), f32(42)}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)

	errs, err = Compare(f32(2), []*tensor.Tensor{f32(1)}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"out[0]"}, errs.Paths())
}

func TestCompare_ShortResultSequenceLogged(t *testing.T) {
	opts, logs := quietOptions()

	errs, err := Compare([]any{f32(1)}, []any{f32(1), f32(2)}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Contains(t, logs.String(), "shorter than expected")

	errs, err = Compare(map[string]any{}, []any{f32(1)}, "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"out"}, errs.Paths())
}

// ---------------------------------------------------------------------------
// Host mode
// ---------------------------------------------------------------------------

type fakeDevice struct {
	t        *tensor.Tensor
	detached bool
	onHost   bool
	fail     bool
}

func (f *fakeDevice) Detach() HostTensor {
	c := *f
	c.detached = true

	return &c
}

func (f *fakeDevice) Host() HostTensor {
	c := *f
	c.onHost = true

	return &c
}

func (f *fakeDevice) Array() (*tensor.Tensor, error) {
	if f.fail || !f.detached || !f.onHost {
		return nil, errors.New("buffer not on host")
	}

	return f.t, nil
}

func TestCompareHost_ConvertsDeviceLeaves(t *testing.T) {
	opts, _ := quietOptions()

	result := map[string]any{
		"a": &fakeDevice{t: f32(1, 2)},
		"b": []any{&fakeDevice{t: f32(3)}},
		"c": f32(7),
	}
	expect := map[string]any{"a": f32(1, 2), "b": []any{f32(4)}, "c": f32(7)}

	errs, err := CompareHost(result, expect, "static", "dynamic", nil, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"static[b][0]"}, errs.Paths())
}

func TestCompareHost_ConversionFailureIsSoft(t *testing.T) {
	opts, _ := quietOptions()

	errs, err := CompareHost(&fakeDevice{fail: true}, f32(1), "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Contains(t, errs["out"], "move to host")
}

func TestCompare_DeviceLeafIsKindMismatchWithoutHostMode(t *testing.T) {
	opts, _ := quietOptions()

	errs, err := Compare(&fakeDevice{t: f32(1)}, f32(1), "out", "exp", nil, opts)
	require.NoError(t, err)
	assert.Contains(t, errs["out"], "kind mismatch")
}
