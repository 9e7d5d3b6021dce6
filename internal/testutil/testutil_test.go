package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-op-parity/internal/tensor"
	"github.com/example/go-op-parity/internal/testutil"
)

func TestShippedCases_FindsRepoCases(t *testing.T) {
	// When tests run, cwd is the package directory; go up two levels.
	paths := testutil.ShippedCases(t, filepath.Join("..", ".."))

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("case %q: %v", p, err)
		}
	}
}

func TestShippedCases_SkipsWhenAbsent(t *testing.T) {
	skipped := false
	fakeT := &skipTracker{TB: t, onSkip: func() { skipped = true }}

	testutil.ShippedCases(fakeT, t.TempDir())

	if !skipped {
		t.Error("expected ShippedCases to skip when no cases exist")
	}
}

func TestWriteScript_IsExecutable(t *testing.T) {
	path := testutil.WriteScript(t, "exit 0")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat script: %v", err)
	}

	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("script %q is not executable (mode %v)", path, info.Mode())
	}
}

func TestAssertTensorClose_Passes(t *testing.T) {
	want := tensor.MustNew(tensor.Float64, []float64{1, 2, 3}, 3)
	got := tensor.MustNew(tensor.Float64, []float64{1, 2, 3.0000001}, 3)

	testutil.AssertTensorClose(t, got, want, 1e-6, 0)
}

func TestAssertTensorClose_FailsOnMismatch(t *testing.T) {
	failed := false
	fakeT := &skipTracker{TB: t, onFatal: func() { failed = true }}

	want := tensor.MustNew(tensor.Float64, []float64{1, 2}, 2)
	got := tensor.MustNew(tensor.Float64, []float64{1, 2.5}, 2)

	testutil.AssertTensorClose(fakeT, got, want, 1e-6, 1e-6)

	if !failed {
		t.Error("expected AssertTensorClose to fail on a 0.5 difference")
	}
}

// skipTracker is a minimal testing.TB implementation that intercepts Skip and
// Fatal calls.
type skipTracker struct {
	testing.TB
	onSkip  func()
	onFatal func()
}

func (s *skipTracker) Helper() {}

func (s *skipTracker) Skipf(_ string, _ ...any) {
	if s.onSkip != nil {
		s.onSkip()
	}
	// Do NOT call s.TB.Skip, that would actually skip the outer test.
}

func (s *skipTracker) Fatalf(_ string, _ ...any) {
	if s.onFatal != nil {
		s.onFatal()
	}
}
