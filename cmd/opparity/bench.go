package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/baseline"
	"github.com/example/go-op-parity/internal/bench"
	"github.com/example/go-op-parity/internal/bench/stageprof"
	"github.com/example/go-op-parity/internal/config"
	"github.com/example/go-op-parity/internal/harness"
	"github.com/example/go-op-parity/internal/perf"
	"github.com/example/go-op-parity/internal/report"
)

func newBenchCmd() *cobra.Command {
	var (
		engines        string
		runs           int
		warmup         int
		format         string
		outPath        string
		kernelOutPath  string
		recordBaseline bool
		kernel         bool
		cpuprofile     string
		maxSlowdown    float64
	)

	cmd := &cobra.Command{
		Use:   "bench [CASE...]",
		Short: "Time cases on each engine and write perf data for reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if runs < 1 {
				return fmt.Errorf("--runs must be at least 1")
			}
			if warmup < 0 {
				return fmt.Errorf("--warmup must be >= 0")
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("--format must be 'table' or 'json'")
			}

			names, err := parseEngines(engines)
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

			if cpuprofile != "" {
				stop, err := stageprof.StartCPUProfile(cpuprofile)
				if err != nil {
					return err
				}
				defer func() {
					if err := stop(); err != nil {
						slog.Warn("close cpuprofile", "error", err)
					}
				}()
			}

			h := harness.New(cfg, nil, slog.Default(), newMetrics())

			perfData := report.PerfData{}
			kernelData := report.KernelData{}
			var gateErr error

			bar := newProgress(len(cases), "bench")
			for _, c := range cases {
				results, err := h.Measure(cmd.Context(), c, names, runs, warmup)
				_ = bar.Add(1)
				if err != nil {
					_ = bar.Finish()
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "== %s\n", c.Name)
				switch format {
				case "json":
					if err := bench.FormatJSON(results, cmd.OutOrStdout()); err != nil {
						_ = bar.Finish()
						return err
					}
				default:
					bench.FormatTable(results, cmd.OutOrStdout())
				}

				summaries := bench.Summarize(results)
				perfData[c.Name] = map[string]perf.Measurement{}
				kernelData[c.Name] = map[string]report.KernelRecord{}
				for _, s := range summaries {
					perfData[c.Name][s.Engine] = s.Measurement()
					kernelData[c.Name][s.Engine] = s.KernelRecord()
				}

				if len(summaries) > 1 && gateErr == nil {
					for _, s := range summaries[1:] {
						if err := bench.CheckSlowdown(summaries[0], s, maxSlowdown); err != nil {
							gateErr = fmt.Errorf("%s: %w", c.Name, err)
							break
						}
					}
				}
			}
			_ = bar.Finish()

			if outPath != "" {
				if err := writeJSONFile(outPath, perfData); err != nil {
					return err
				}
			}

			if kernelOutPath != "" {
				if err := writeJSONFile(kernelOutPath, kernelData); err != nil {
					return err
				}
			}

			if recordBaseline {
				if err := recordGroundTruth(cfg, perfData, kernelData, kernel); err != nil {
					return err
				}
			}

			return gateErr
		},
	}

	cmd.Flags().StringVar(&engines, "engines", config.StageDynamic+","+config.StageBackend, "Comma-separated stages to time")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of timed runs per engine")
	cmd.Flags().IntVar(&warmup, "warmup", 1, "Number of untimed warmup runs per engine")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table|json")
	cmd.Flags().StringVar(&outPath, "out", "", "Write per-case mean times (perf data JSON) to this file")
	cmd.Flags().StringVar(&kernelOutPath, "kernel-out", "", "Write per-case kernel records (kernel data JSON) to this file")
	cmd.Flags().BoolVar(&recordBaseline, "record-baseline", false, "Record the results as ground truth in the baseline dataset")
	cmd.Flags().BoolVar(&kernel, "kernel", false, "Also record kernel records in the baseline dataset")
	cmd.Flags().StringVar(&cpuprofile, "cpuprofile", "", "Write a CPU profile labelled by engine to this file")
	cmd.Flags().Float64Var(&maxSlowdown, "max-slowdown", 0, "Exit non-zero if an engine is this many times slower than the first (0 = disabled)")

	return cmd
}

func parseEngines(raw string) ([]string, error) {
	var names []string

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		stage, err := config.NormalizeStage(part)
		if err != nil {
			return nil, err
		}

		names = append(names, stage)
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("--engines must name at least one stage")
	}

	return names, nil
}

// recordGroundTruth stores every engine's mean time for each case in the
// baseline dataset under the configured layer type. With kernel set, the
// kernel record is stored too, under baseline.KernelEngine.
func recordGroundTruth(cfg config.Config, perfData report.PerfData, kernelData report.KernelData, kernel bool) error {
	ds, err := baseline.Load(cfg.Paths.BaselinePath)
	if err != nil {
		return err
	}

	for caseName, byEngine := range perfData {
		title := baseline.Title(cfg.Report.LayerType, caseName)

		for engine, m := range byEngine {
			if err := ds.Record(title, engine, m); err != nil {
				return err
			}

			if !kernel {
				continue
			}

			if err := ds.Record(title, baseline.KernelEngine(engine), kernelData[caseName][engine]); err != nil {
				return err
			}
		}
	}

	if err := ds.Save(cfg.Paths.BaselinePath); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(os.Stderr, "recorded %d case(s) in %s\n", len(perfData), cfg.Paths.BaselinePath)

	return nil
}
