// Package doctor provides environment preflight checks for opparity.
package doctor

import (
	"fmt"
	"io"
	"os"

	"github.com/example/go-op-parity/internal/config"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// StageName is checked against the known pipeline stages.
	StageName string
	// ResolveExecutable returns the path of the binary relaunched for
	// try-runs.
	ResolveExecutable func() (string, error)
	// SkipExecutable skips the executable check (try-run disabled).
	SkipExecutable bool
	// CaseFiles are parsed with ValidateCase.
	CaseFiles    []string
	ValidateCase func(path string) error
	// BaselinePath is opened with LoadBaseline when set. A missing file
	// passes since the first bench run creates it.
	BaselinePath string
	LoadBaseline func(path string) error
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	// ---- stage ------------------------------------------------------------
	if stage, err := config.NormalizeStage(cfg.StageName); err != nil {
		res.fail(fmt.Sprintf("stage: %v", err))
		fmt.Fprintf(w, "%s stage: %v\n", FailMark, err)
	} else {
		fmt.Fprintf(w, "%s stage: %s\n", PassMark, stage)
	}

	// ---- try-run executable -----------------------------------------------
	switch {
	case cfg.SkipExecutable:
		fmt.Fprintf(w, "%s try-run executable: skipped\n", PassMark)
	case cfg.ResolveExecutable == nil:
		res.fail("try-run executable: no resolver configured")
		fmt.Fprintf(w, "%s try-run executable: no resolver configured\n", FailMark)
	default:
		path, err := cfg.ResolveExecutable()
		if err != nil {
			res.fail(fmt.Sprintf("try-run executable: %v", err))
			fmt.Fprintf(w, "%s try-run executable: not found (%v)\n", FailMark, err)
		} else {
			fmt.Fprintf(w, "%s try-run executable: %s\n", PassMark, path)
		}
	}

	// ---- case files -------------------------------------------------------
	for _, path := range cfg.CaseFiles {
		if _, err := os.Stat(path); err != nil {
			res.fail(fmt.Sprintf("case file %q: %v", path, err))
			fmt.Fprintf(w, "%s case file %s: not found\n", FailMark, path)

			continue
		}

		if cfg.ValidateCase != nil {
			if err := cfg.ValidateCase(path); err != nil {
				res.fail(fmt.Sprintf("case file %q: %v", path, err))
				fmt.Fprintf(w, "%s case file %s: %v\n", FailMark, path, err)

				continue
			}
		}

		fmt.Fprintf(w, "%s case file: %s\n", PassMark, path)
	}

	// ---- baseline dataset -------------------------------------------------
	if cfg.BaselinePath != "" {
		checkBaseline(cfg, w, &res)
	}

	return res
}

func checkBaseline(cfg Config, w io.Writer, res *Result) {
	if _, err := os.Stat(cfg.BaselinePath); os.IsNotExist(err) {
		fmt.Fprintf(w, "%s baseline dataset: %s (not present yet)\n", PassMark, cfg.BaselinePath)
		return
	}

	if cfg.LoadBaseline != nil {
		if err := cfg.LoadBaseline(cfg.BaselinePath); err != nil {
			res.fail(fmt.Sprintf("baseline dataset: %v", err))
			fmt.Fprintf(w, "%s baseline dataset %s: %v\n", FailMark, cfg.BaselinePath, err)

			return
		}
	}

	fmt.Fprintf(w, "%s baseline dataset: %s\n", PassMark, cfg.BaselinePath)
}
