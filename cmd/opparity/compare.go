package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/compare"
	"github.com/example/go-op-parity/internal/result"
)

func newCompareCmd() *cobra.Command {
	var (
		resultPath string
		expectPath string
		resName    string
		expName    string
	)

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare a saved result against a saved expectation",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if resultPath == "" || expectPath == "" {
				return errors.New("--result and --expect are required")
			}

			res, err := result.LoadFile(resultPath)
			if err != nil {
				return err
			}

			exp, err := result.LoadFile(expectPath)
			if err != nil {
				return err
			}

			opts := compare.DefaultOptions()
			opts.Logger = slog.Default()
			opts.Metrics = newMetrics()
			if cfg.Compare.ATol > 0 {
				opts.Delta = cfg.Compare.ATol
			}
			if cfg.Compare.RTol > 0 {
				opts.RTol = cfg.Compare.RTol
			}

			errs, err := compare.Compare(res, exp, resName, expName, nil, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(errs) == 0 {
				_, _ = fmt.Fprintln(out, "all values match")
				return nil
			}

			for _, path := range errs.Paths() {
				_, _ = fmt.Fprintf(os.Stderr, "FAIL: %s\n%s\n", path, errs[path])
			}

			return fmt.Errorf("%d value(s) differ", len(errs))
		},
	}

	cmd.Flags().StringVar(&resultPath, "result", "", "Result file (.json|.safetensors)")
	cmd.Flags().StringVar(&expectPath, "expect", "", "Expected file (.json|.safetensors)")
	cmd.Flags().StringVar(&resName, "res-name", "result", "Label of the result root in paths")
	cmd.Flags().StringVar(&expName, "exp-name", "expect", "Label of the expected root in paths")

	return cmd
}
