package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/baseline"
	"github.com/example/go-op-parity/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		dataPath     string
		kernel       bool
		pairsRaw     string
		format       string
		baselinePath string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Build a comparison table from bench perf data and the baseline dataset",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if dataPath == "" {
				return errors.New("--data is required")
			}

			if pairsRaw == "" {
				pairsRaw = cfg.Report.Compare
			}
			if format == "" {
				format = cfg.Report.Format
			}
			if baselinePath == "" {
				baselinePath = cfg.Paths.BaselinePath
			}

			pairs, err := report.ParsePairs(pairsRaw)
			if err != nil {
				return err
			}

			ds, err := baseline.Load(baselinePath)
			if err != nil {
				return err
			}

			raw, err := os.ReadFile(dataPath)
			if err != nil {
				return fmt.Errorf("read perf data: %w", err)
			}

			var table report.Table
			if kernel {
				var data report.KernelData
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("decode kernel data %s: %w", dataPath, err)
				}
				table, err = report.PerfCompareKernelDict(pairs, ds, data, cfg.Report.LayerType)
			} else {
				var data report.PerfData
				if err := json.Unmarshal(raw, &data); err != nil {
					return fmt.Errorf("decode perf data %s: %w", dataPath, err)
				}
				table, err = report.PerfCompareDict(pairs, ds, data, cfg.Report.LayerType)
			}
			if err != nil {
				return err
			}

			return report.Write(cmd.OutOrStdout(), format, table, report.TableOptions{
				Kernel: kernel,
				Color:  cfg.Report.Color && isTerminal(cmd.OutOrStdout()),
			})
		},
	}

	cmd.Flags().StringVar(&dataPath, "data", "", "Perf data JSON written by bench --out (or --kernel-out with --kernel)")
	cmd.Flags().BoolVar(&kernel, "kernel", false, "Data holds kernel records")
	cmd.Flags().StringVar(&pairsRaw, "compare", "", "Comparison pairs baseline:latest (default: report.compare)")
	cmd.Flags().StringVar(&format, "format", "", "Output format table|json|csv (default: report.format)")
	cmd.Flags().StringVar(&baselinePath, "baseline", "", "Baseline dataset (default: paths.baseline_path)")

	return cmd
}
