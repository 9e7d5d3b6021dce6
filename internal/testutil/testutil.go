// Package testutil provides shared skip helpers and fixtures for tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when the
// named prerequisite is absent, so tests remain runnable in partial
// environments without failing noisily.
//
// Typical usage:
//
//	func TestTryRun(t *testing.T) {
//	    child := testutil.WriteScript(t, "exit 0")
//	    ...
//	}
package testutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// RequireShell skips the test if /bin/sh scripts cannot be executed.
func RequireShell(tb testing.TB) {
	tb.Helper()

	if runtime.GOOS == "windows" {
		tb.Skip("shell scripts not supported on Windows")
		return
	}

	_, err := os.Stat("/bin/sh")
	if err != nil {
		tb.Skipf("/bin/sh not available: %v", err)
	}
}

// WriteScript writes body as an executable /bin/sh script in a temp dir and
// returns its path. Tests use it as a fake try-run child.
func WriteScript(tb testing.TB, body string) string {
	tb.Helper()
	RequireShell(tb)

	script := filepath.Join(tb.TempDir(), "child.sh")

	err := os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	if err != nil {
		tb.Fatalf("write script: %v", err)
	}

	return script
}

// CasesDir returns the path of the shipped example cases relative to the
// repository root.
func CasesDir() string {
	return "cases"
}

// ShippedCases returns the case files under root/CasesDir(), skipping the
// test when there are none.
func ShippedCases(tb testing.TB, root string) []string {
	tb.Helper()

	paths, err := filepath.Glob(filepath.Join(root, CasesDir(), "*.json"))
	if err != nil {
		tb.Fatalf("glob cases: %v", err)
	}

	if len(paths) == 0 {
		tb.Skipf("no shipped cases under %q", filepath.Join(root, CasesDir()))
	}

	return paths
}
