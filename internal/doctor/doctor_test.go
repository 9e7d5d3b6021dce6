package doctor_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-op-parity/internal/doctor"
)

func okExecutable() (string, error) { return "/usr/local/bin/opparity", nil }

// ---------------------------------------------------------------------------
// all-pass scenario
// ---------------------------------------------------------------------------

func TestRun_AllChecksPass(t *testing.T) {
	cfg := doctor.Config{
		StageName:         "codegen",
		ResolveExecutable: okExecutable,
		CaseFiles:         []string{"doctor_test.go"},
		ValidateCase:      func(string) error { return nil },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "stage: backend") {
		t.Errorf("output should show the canonical stage; got:\n%s", out.String())
	}

	if !strings.Contains(out.String(), "/usr/local/bin/opparity") {
		t.Errorf("output should show the executable; got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// stage
// ---------------------------------------------------------------------------

func TestRun_UnknownStageFails(t *testing.T) {
	cfg := doctor.Config{StageName: "jit", SkipExecutable: true}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure for unknown stage")
	}

	if !hasFailureContaining(result.Failures(), "stage") {
		t.Errorf("expected failure mentioning stage, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// try-run executable
// ---------------------------------------------------------------------------

func TestRun_ExecutableMissingFails(t *testing.T) {
	cfg := doctor.Config{
		StageName:         "backend",
		ResolveExecutable: func() (string, error) { return "", errBinaryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure when the executable is not found")
	}

	if !hasFailureContaining(result.Failures(), "executable") {
		t.Errorf("expected failure mentioning executable, got: %v", result.Failures())
	}
}

func TestRun_NoResolverFails(t *testing.T) {
	result := doctor.Run(doctor.Config{StageName: "backend"}, &strings.Builder{})

	if !result.Failed() {
		t.Fatal("expected failure without a resolver")
	}
}

func TestRun_SkipExecutable(t *testing.T) {
	cfg := doctor.Config{
		StageName:         "backend",
		SkipExecutable:    true,
		ResolveExecutable: func() (string, error) { return "", errBinaryNotFound },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("skipped check must not fail; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "skipped") {
		t.Errorf("output should say skipped; got:\n%s", out.String())
	}
}

// ---------------------------------------------------------------------------
// case files
// ---------------------------------------------------------------------------

func TestRun_MissingCaseFileFails(t *testing.T) {
	cfg := doctor.Config{
		StageName:      "backend",
		SkipExecutable: true,
		CaseFiles:      []string{"/nonexistent/case.json"},
	}

	result := doctor.Run(cfg, &strings.Builder{})

	if !hasFailureContaining(result.Failures(), "case file") {
		t.Errorf("expected failure mentioning case file, got: %v", result.Failures())
	}
}

func TestRun_ValidateCaseCallback(t *testing.T) {
	cfg := doctor.Config{
		StageName:      "backend",
		SkipExecutable: true,
		CaseFiles:      []string{"doctor_test.go"},
		ValidateCase:   func(string) error { return sentinelError("unknown op gelu") },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !result.Failed() {
		t.Fatal("expected failure from validation callback")
	}

	if !hasFailureContaining(result.Failures(), "gelu") {
		t.Errorf("expected failure carrying the callback error, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// baseline dataset
// ---------------------------------------------------------------------------

func TestRun_BaselineNotPresentPasses(t *testing.T) {
	cfg := doctor.Config{
		StageName:      "backend",
		SkipExecutable: true,
		BaselinePath:   filepath.Join(t.TempDir(), "baseline.json"),
		LoadBaseline:   func(string) error { return sentinelError("should not be called") },
	}

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if result.Failed() {
		t.Errorf("missing baseline must pass; failures: %v", result.Failures())
	}

	if !strings.Contains(out.String(), "not present yet") {
		t.Errorf("output should note the missing baseline; got:\n%s", out.String())
	}
}

func TestRun_BaselineCorruptFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baseline.json")
	if err := os.WriteFile(path, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := doctor.Config{
		StageName:      "backend",
		SkipExecutable: true,
		BaselinePath:   path,
		LoadBaseline:   func(string) error { return sentinelError("unexpected end of JSON input") },
	}

	result := doctor.Run(cfg, &strings.Builder{})

	if !hasFailureContaining(result.Failures(), "baseline") {
		t.Errorf("expected failure mentioning baseline, got: %v", result.Failures())
	}
}

// ---------------------------------------------------------------------------
// output format
// ---------------------------------------------------------------------------

func TestRun_OutputContainsPassAndFailMarkers(t *testing.T) {
	cfg := doctor.Config{
		StageName:         "backend",
		ResolveExecutable: func() (string, error) { return "", errBinaryNotFound },
	}

	var out strings.Builder
	doctor.Run(cfg, &out)

	if !strings.Contains(out.String(), doctor.PassMark) {
		t.Errorf("output should contain %s; got:\n%s", doctor.PassMark, out.String())
	}

	if !strings.Contains(out.String(), doctor.FailMark) {
		t.Errorf("output should contain %s; got:\n%s", doctor.FailMark, out.String())
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	r.AddFailure("external")

	if !r.Failed() || r.Failures()[0] != "external" {
		t.Errorf("AddFailure not recorded: %v", r.Failures())
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

var errBinaryNotFound = sentinelError("binary not found")

func hasFailureContaining(failures []string, substr string) bool {
	substr = strings.ToLower(substr)
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}
