package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/harness"
	"github.com/example/go-op-parity/internal/result"
)

func newRunCmd() *cobra.Command {
	var (
		outPath    string
		reportPath string
	)

	cmd := &cobra.Command{
		Use:   "run [CASE...]",
		Short: "Run cases at the configured stage and compare against the baseline stage",
		Long: "Run each case at the configured stage and compare its outputs against the " +
			"baseline stage (dynamic, or the prior stage with --stage-enable-diff). " +
			"Without arguments every case in --paths-cases-dir is run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			paths, err := casePaths(args, cfg.Paths.CasesDir)
			if err != nil {
				return err
			}

			cases, err := loadCases(paths)
			if err != nil {
				return err
			}

			logger := slog.Default()
			if cfg.RunID != "" {
				logger = logger.With("run_id", cfg.RunID)
			}

			h := harness.New(cfg, nil, logger, newMetrics())

			if cfg.Child {
				// A try-run child only executes the stage it was launched for.
				for _, c := range cases {
					out, err := h.RunChild(cmd.Context(), c)
					if err != nil {
						return err
					}

					if outPath != "" {
						if err := result.SaveFile(outPath, out); err != nil {
							return err
						}
					}
				}

				return nil
			}

			bar := newProgress(len(cases), "run")
			reports := make([]harness.Report, 0, len(cases))
			failed := 0

			for _, c := range cases {
				rep, err := h.Run(cmd.Context(), c)
				_ = bar.Add(1)
				if err != nil {
					_ = bar.Finish()
					return err
				}

				reports = append(reports, rep)

				status := "PASS"
				if !rep.Passed() {
					status = "FAIL"
					failed++
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s vs %s)\n", status, rep.Case, rep.Stage, rep.Baseline)
				for _, path := range rep.Errors.Paths() {
					_, _ = fmt.Fprintf(os.Stderr, "  %s: %s\n", path, rep.Errors[path])
				}
			}
			_ = bar.Finish()

			if reportPath != "" {
				if err := writeJSONFile(reportPath, reports); err != nil {
					return err
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d case(s) failed", failed, len(cases))
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "Child mode: write the stage outputs to this file (.json|.safetensors)")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write per-case reports as JSON to this file")

	return cmd
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}
