// Package report merges measured per-engine performance with a baseline
// dataset into comparison tables keyed by case name.
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/example/go-op-parity/internal/baseline"
	"github.com/example/go-op-parity/internal/perf"
)

const pairSep = "^"

// Pair names the two engines of one comparison column. Baseline may be
// baseline.GroundTruth.
type Pair struct {
	Baseline string
	Latest   string
}

func (p Pair) Key() string { return p.Baseline + pairSep + p.Latest }

// ParsePairs parses "base:latest,base:latest".
func ParsePairs(raw string) ([]Pair, error) {
	var out []Pair

	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		base, latest, ok := strings.Cut(item, ":")
		base, latest = strings.TrimSpace(base), strings.TrimSpace(latest)

		if !ok || base == "" || latest == "" {
			return nil, fmt.Errorf("report: invalid pair %q (want baseline:latest)", item)
		}

		out = append(out, Pair{Baseline: base, Latest: latest})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("report: no comparison pairs in %q", raw)
	}

	return out, nil
}

// PerfData maps case -> engine -> measured value.
type PerfData map[string]map[string]perf.Measurement

// KernelRecord is one engine's kernel-level measurement of a case.
type KernelRecord struct {
	Time        perf.Measurement `json:"time"`
	KernelTime  perf.Measurement `json:"kernel_time"`
	KernelCount perf.Measurement `json:"kernel_count"`
}

// KernelData maps case -> engine -> kernel record.
type KernelData map[string]map[string]KernelRecord

// Row is one (case, pair) cell group. The kernel fields are only set by
// PerfCompareKernelDict.
type Row struct {
	Baseline string `json:"baseline"`
	Latest   string `json:"latest"`
	Compare  string `json:"compare"`
	Speedup  string `json:"speedup"`

	BaselineKernelTime  string `json:"baseline_kernel_time,omitempty"`
	LatestKernelTime    string `json:"latest_kernel_time,omitempty"`
	BaselineKernelCount string `json:"baseline_kernel_count,omitempty"`
	LatestKernelCount   string `json:"latest_kernel_count,omitempty"`
}

// Table maps case -> pair key -> row.
type Table map[string]map[string]Row

// Cases returns the case names in sorted order.
func (t Table) Cases() []string {
	out := make([]string, 0, len(t))
	for c := range t {
		out = append(out, c)
	}

	sort.Strings(out)

	return out
}

// PerfCompareDict pairs each case's measurements for every requested engine
// pair. Ground-truth baselines are read from ds under
// Title(baselineLayerType, case) and the latest engine's name; a case or
// engine absent there yields "None" placeholders instead of an error.
func PerfCompareDict(pairs []Pair, ds *baseline.Dataset, data PerfData, baselineLayerType string) (Table, error) {
	out := make(Table, len(data))

	for _, caseName := range sortedKeys(data) {
		engines := data[caseName]
		rows := make(map[string]Row, len(pairs))

		for _, p := range pairs {
			latest := engines[p.Latest]

			var base perf.Measurement
			if p.Baseline == baseline.GroundTruth {
				found, err := decodeGroundTruth(ds, baselineLayerType, caseName, p.Latest, &base)
				if err != nil {
					return nil, err
				}

				if !found {
					rows[p.Key()] = missingRow(latest)
					continue
				}
			} else {
				base = engines[p.Baseline]
			}

			rows[p.Key()] = Row{
				Baseline: base.String(),
				Latest:   latest.String(),
				Compare:  perf.PerfCompare(base, latest).String(),
				Speedup:  perf.PerfRatio(base, latest).String(),
			}
		}

		out[caseName] = rows
	}

	return out, nil
}

// PerfCompareKernelDict is PerfCompareDict for kernel records. Ground truth is
// read from the engine's baseline.KernelEngine entry. Kernel time and kernel
// count default to "None" independently when missing.
func PerfCompareKernelDict(pairs []Pair, ds *baseline.Dataset, data KernelData, baselineLayerType string) (Table, error) {
	out := make(Table, len(data))

	for _, caseName := range sortedKeys(data) {
		engines := data[caseName]
		rows := make(map[string]Row, len(pairs))

		for _, p := range pairs {
			latest := engines[p.Latest]

			var base KernelRecord
			if p.Baseline == baseline.GroundTruth {
				found, err := decodeGroundTruth(ds, baselineLayerType, caseName, baseline.KernelEngine(p.Latest), &base)
				if err != nil {
					return nil, err
				}

				if !found {
					row := missingRow(latest.Time)
					row.BaselineKernelTime = perf.MissingText
					row.BaselineKernelCount = perf.MissingText
					row.LatestKernelTime = latest.KernelTime.String()
					row.LatestKernelCount = latest.KernelCount.String()
					rows[p.Key()] = row

					continue
				}
			} else {
				base = engines[p.Baseline]
			}

			rows[p.Key()] = Row{
				Baseline:            base.Time.String(),
				Latest:              latest.Time.String(),
				Compare:             perf.PerfCompare(base.Time, latest.Time).String(),
				Speedup:             perf.PerfRatio(base.Time, latest.Time).String(),
				BaselineKernelTime:  base.KernelTime.String(),
				LatestKernelTime:    latest.KernelTime.String(),
				BaselineKernelCount: base.KernelCount.String(),
				LatestKernelCount:   latest.KernelCount.String(),
			}
		}

		out[caseName] = rows
	}

	return out, nil
}

func decodeGroundTruth(ds *baseline.Dataset, layerType, caseName, engine string, out any) (bool, error) {
	if ds == nil {
		return false, nil
	}

	found, err := ds.Decode(baseline.Title(layerType, caseName), engine, out)
	if err != nil {
		return false, fmt.Errorf("report: ground truth for %s: %w", caseName, err)
	}

	return found, nil
}

func missingRow(latest perf.Measurement) Row {
	return Row{
		Baseline: perf.MissingText,
		Latest:   latest.String(),
		Compare:  perf.MissingText,
		Speedup:  perf.MissingText,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}
