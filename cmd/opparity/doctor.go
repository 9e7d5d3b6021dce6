package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/baseline"
	"github.com/example/go-op-parity/internal/doctor"
	"github.com/example/go-op-parity/internal/graph"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor [CASE...]",
		Short: "Check stage, try-run executable, case files and baseline dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			paths, err := casePaths(args, cfg.Paths.CasesDir)
			if err != nil {
				_, _ = fmt.Fprintf(out, "%s case files: %v\n", doctor.FailMark, err)
			}

			result := doctor.Run(doctor.Config{
				StageName: cfg.Stage.Name,
				ResolveExecutable: func() (string, error) {
					return resolveExecutable(cfg.Runner.Executable)
				},
				SkipExecutable: !cfg.Stage.EnableDiff || !cfg.Stage.EnableTryRun,
				CaseFiles:      paths,
				ValidateCase: func(path string) error {
					_, err := graph.LoadCase(path)
					return err
				},
				BaselinePath: cfg.Paths.BaselinePath,
				LoadBaseline: func(path string) error {
					_, err := baseline.Load(path)
					return err
				},
			}, out)

			if err != nil {
				result.AddFailure(fmt.Sprintf("case files: %v", err))
			}

			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(out, "doctor checks passed")

			return nil
		},
	}

	return cmd
}

// resolveExecutable finds the binary relaunched for try-runs: the configured
// one on PATH, or this binary.
func resolveExecutable(configured string) (string, error) {
	if configured == "" {
		return os.Executable()
	}

	return exec.LookPath(configured)
}
