// Package bench provides benchmarking primitives for the opparity bench command.
package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/example/go-op-parity/internal/perf"
	"github.com/example/go-op-parity/internal/report"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and kernel counters of a single engine run.
// A non-nil Err marks an engine that could not be built or run; its timings
// are zero.
type RunResult struct {
	Engine     string
	Index      int
	Cold       bool // true for the first run (cold-start)
	Duration   time.Duration
	Kernels    int
	KernelTime time.Duration
	Err        error
}

func (r RunResult) Failed() bool { return r.Err != nil }

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
// The slice must be non-empty.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// ---------------------------------------------------------------------------
// Per-engine summaries
// ---------------------------------------------------------------------------

// Summary aggregates the runs of one engine. Cold runs are excluded unless
// they are the only runs. Err is set when any run of the engine failed.
type Summary struct {
	Engine     string
	Runs       int
	Stats      Stats
	Kernels    int
	KernelTime time.Duration
	Err        error
}

// Summarize groups runs by engine, in first-seen order.
func Summarize(runs []RunResult) []Summary {
	var order []string
	byEngine := make(map[string][]RunResult)

	for _, r := range runs {
		if _, ok := byEngine[r.Engine]; !ok {
			order = append(order, r.Engine)
		}
		byEngine[r.Engine] = append(byEngine[r.Engine], r)
	}

	out := make([]Summary, 0, len(order))
	for _, engine := range order {
		group := byEngine[engine]

		if i := slices.IndexFunc(group, RunResult.Failed); i >= 0 {
			out = append(out, Summary{Engine: engine, Err: group[i].Err})
			continue
		}

		warm := slices.DeleteFunc(slices.Clone(group), func(r RunResult) bool { return r.Cold })
		if len(warm) == 0 {
			warm = group
		}

		durations := make([]time.Duration, len(warm))
		var kernelTime time.Duration
		for i, r := range warm {
			durations[i] = r.Duration
			kernelTime += r.KernelTime
		}

		out = append(out, Summary{
			Engine:     engine,
			Runs:       len(warm),
			Stats:      ComputeStats(durations),
			Kernels:    warm[len(warm)-1].Kernels,
			KernelTime: kernelTime / time.Duration(len(warm)),
		})
	}

	return out
}

// Measurement is the mean run time in milliseconds, or the error sentinel for
// a failed engine.
func (s Summary) Measurement() perf.Measurement {
	if s.Err != nil {
		return perf.Errored()
	}

	return perf.Value(durationMS(s.Stats.Mean))
}

// KernelRecord converts the summary for kernel-level reports.
func (s Summary) KernelRecord() report.KernelRecord {
	if s.Err != nil {
		return report.KernelRecord{Time: perf.Errored(), KernelTime: perf.Errored(), KernelCount: perf.Errored()}
	}

	return report.KernelRecord{
		Time:        s.Measurement(),
		KernelTime:  perf.Value(durationMS(s.KernelTime)),
		KernelCount: perf.Value(float64(s.Kernels)),
	}
}

func durationMS(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

// ---------------------------------------------------------------------------
// Slowdown gate
// ---------------------------------------------------------------------------

// CheckSlowdown returns an error if latest's mean is more than maxRatio times
// base's mean. A maxRatio of 0 disables the gate, and failed engines are not
// gated.
func CheckSlowdown(base, latest Summary, maxRatio float64) error {
	if maxRatio <= 0 || base.Err != nil || latest.Err != nil || base.Stats.Mean <= 0 {
		return nil
	}
	ratio := float64(latest.Stats.Mean) / float64(base.Stats.Mean)
	if ratio > maxRatio {
		return fmt.Errorf("%s is %.2fx slower than %s (limit %.2fx)", latest.Engine, ratio, base.Engine, maxRatio)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-16s  %-5s  %10s  %8s  %12s\n", "Run", "Engine", "Cold", "MS", "Kernels", "Kernel(ms)")
	fmt.Fprintln(sb, strings.Repeat("-", 66))

	for _, r := range runs {
		if r.Failed() {
			fmt.Fprintf(sb, "%-5s  %-16s  %-5s  %10s  %8s  %12s\n", "-", r.Engine, "", perf.ErrorText, "-", "-")
			continue
		}

		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-16s  %-5s  %10.3f  %8d  %12.3f\n",
			r.Index+1,
			r.Engine,
			cold,
			durationMS(r.Duration),
			r.Kernels,
			durationMS(r.KernelTime),
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 66))

	for _, s := range Summarize(runs) {
		if s.Err != nil {
			fmt.Fprintf(sb, "%-16s  %s: %v\n", s.Engine, perf.ErrorText, s.Err)
			continue
		}

		fmt.Fprintf(sb, "%-16s  min %.3f  mean %.3f  max %.3f ms  (%d warm runs)\n",
			s.Engine,
			durationMS(s.Stats.Min),
			durationMS(s.Stats.Mean),
			durationMS(s.Stats.Max),
			s.Runs,
		)
	}

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs    []jsonRun     `json:"runs"`
	Engines []jsonSummary `json:"engines"`
}

type jsonRun struct {
	Engine       string  `json:"engine"`
	Index        int     `json:"index"`
	Cold         bool    `json:"cold"`
	DurationMS   float64 `json:"duration_ms"`
	Kernels      int     `json:"kernels"`
	KernelTimeMS float64 `json:"kernel_time_ms"`
	Error        string  `json:"error,omitempty"`
}

type jsonSummary struct {
	Engine       string  `json:"engine"`
	MinMS        float64 `json:"min_ms"`
	MeanMS       float64 `json:"mean_ms"`
	MaxMS        float64 `json:"max_ms"`
	Kernels      int     `json:"kernels"`
	KernelTimeMS float64 `json:"kernel_time_ms"`
	Error        string  `json:"error,omitempty"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, w io.Writer) error {
	jr := jsonReport{Runs: make([]jsonRun, len(runs))}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Engine:       r.Engine,
			Index:        r.Index,
			Cold:         r.Cold,
			DurationMS:   durationMS(r.Duration),
			Kernels:      r.Kernels,
			KernelTimeMS: durationMS(r.KernelTime),
			Error:        errText(r.Err),
		}
	}
	for _, s := range Summarize(runs) {
		jr.Engines = append(jr.Engines, jsonSummary{
			Engine:       s.Engine,
			MinMS:        durationMS(s.Stats.Min),
			MeanMS:       durationMS(s.Stats.Mean),
			MaxMS:        durationMS(s.Stats.Max),
			Kernels:      s.Kernels,
			KernelTimeMS: durationMS(s.KernelTime),
			Error:        errText(s.Err),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(jr); err != nil {
		return fmt.Errorf("bench: encode json: %w", err)
	}
	return nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
