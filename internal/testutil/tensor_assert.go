package testutil

import (
	"math"
	"slices"
	"testing"

	"github.com/example/go-op-parity/internal/tensor"
)

// AssertTensorClose checks that got has want's dtype and shape and that every
// element satisfies |got-want| <= atol + rtol*|want|. NaNs must match.
func AssertTensorClose(tb testing.TB, got, want *tensor.Tensor, atol, rtol float64) {
	tb.Helper()

	if got == nil || want == nil {
		tb.Fatalf("tensor: got=%v want=%v", got, want)
	}

	if got.DType() != want.DType() {
		tb.Fatalf("tensor: dtype %s, want %s", got.DType(), want.DType())
	}

	if !slices.Equal(got.Shape(), want.Shape()) {
		tb.Fatalf("tensor: shape %v, want %v", got.Shape(), want.Shape())
	}

	g, w := got.Data(), want.Data()
	for i := range w {
		if math.IsNaN(w[i]) || math.IsNaN(g[i]) {
			if math.IsNaN(w[i]) != math.IsNaN(g[i]) {
				tb.Fatalf("tensor: element %d is %v, want %v", i, g[i], w[i])
			}

			continue
		}

		if diff := math.Abs(g[i] - w[i]); diff > atol+rtol*math.Abs(w[i]) {
			tb.Fatalf("tensor: element %d is %v, want %v (diff %g)", i, g[i], w[i], diff)
		}
	}
}
