package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/example/go-op-parity/internal/baseline"
	"github.com/example/go-op-parity/internal/perf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	pairs, err := ParsePairs(" dynamic:backend , ground_truth:backend ,")
	require.NoError(t, err)
	assert.Equal(t, []Pair{
		{Baseline: "dynamic", Latest: "backend"},
		{Baseline: "ground_truth", Latest: "backend"},
	}, pairs)
	assert.Equal(t, "dynamic^backend", pairs[0].Key())

	_, err = ParsePairs("dynamic")
	assert.Error(t, err)

	_, err = ParsePairs(":x")
	assert.Error(t, err)

	_, err = ParsePairs(" , ")
	assert.Error(t, err)
}

func TestPerfCompareDict_EnginePairs(t *testing.T) {
	data := PerfData{
		"mlp": {"dynamic": perf.Value(10), "backend": perf.Value(15)},
	}

	tbl, err := PerfCompareDict([]Pair{{"dynamic", "backend"}}, nil, data, "layer")
	require.NoError(t, err)

	row := tbl["mlp"]["dynamic^backend"]
	assert.Equal(t, Row{Baseline: "10", Latest: "15", Compare: "-50.00%", Speedup: "-33.33%"}, row)
}

func TestPerfCompareDict_GroundTruth(t *testing.T) {
	ds := baseline.New()
	require.NoError(t, ds.Record(baseline.Title("layer", "mlp"), "backend", 15))

	data := PerfData{
		"mlp":  {"backend": perf.Value(10)},
		"attn": {"backend": perf.Value(7)},
	}

	tbl, err := PerfCompareDict([]Pair{{baseline.GroundTruth, "backend"}}, ds, data, "layer")
	require.NoError(t, err)

	assert.Equal(t, "33.33%", tbl["mlp"]["ground_truth^backend"].Compare)
	assert.Equal(t, "15", tbl["mlp"]["ground_truth^backend"].Baseline)

	// Absent from the dataset: placeholders, no error.
	assert.Equal(t, Row{Baseline: "None", Latest: "7", Compare: "None", Speedup: "None"},
		tbl["attn"]["ground_truth^backend"])

	tbl, err = PerfCompareDict([]Pair{{baseline.GroundTruth, "backend"}}, nil, data, "layer")
	require.NoError(t, err)
	assert.Equal(t, "None", tbl["mlp"]["ground_truth^backend"].Baseline)
}

func TestPerfCompareDict_CorruptGroundTruth(t *testing.T) {
	ds := baseline.New()
	require.NoError(t, ds.Record(baseline.Title("layer", "mlp"), "backend", map[string]int{"x": 1}))

	_, err := PerfCompareDict([]Pair{{baseline.GroundTruth, "backend"}}, ds,
		PerfData{"mlp": {"backend": perf.Value(1)}}, "layer")
	assert.Error(t, err)
}

func TestPerfCompareKernelDict(t *testing.T) {
	ds := baseline.New()
	require.NoError(t, ds.Record(baseline.Title("layer", "mlp"), baseline.KernelEngine("backend"),
		map[string]any{"time": 20, "kernel_count": 12}))
	// The plain measurement beside it must not be read as a kernel record.
	require.NoError(t, ds.Record(baseline.Title("layer", "mlp"), "backend", 99))

	data := KernelData{
		"mlp": {
			"dynamic": {Time: perf.Value(20), KernelTime: perf.Value(18), KernelCount: perf.Value(30)},
			"backend": {Time: perf.Value(10), KernelCount: perf.Value(4)},
		},
		"attn": {
			"backend": {Time: perf.Value(5), KernelTime: perf.Value(4), KernelCount: perf.Value(2)},
		},
	}

	pairs := []Pair{{"dynamic", "backend"}, {baseline.GroundTruth, "backend"}}

	tbl, err := PerfCompareKernelDict(pairs, ds, data, "layer")
	require.NoError(t, err)

	row := tbl["mlp"]["dynamic^backend"]
	assert.Equal(t, "50.00%", row.Compare)
	assert.Equal(t, "100.00%", row.Speedup)
	assert.Equal(t, "18", row.BaselineKernelTime)
	assert.Equal(t, "None", row.LatestKernelTime)
	assert.Equal(t, "30", row.BaselineKernelCount)
	assert.Equal(t, "4", row.LatestKernelCount)

	gt := tbl["mlp"]["ground_truth^backend"]
	assert.Equal(t, "20", gt.Baseline)
	assert.Equal(t, "None", gt.BaselineKernelTime)
	assert.Equal(t, "12", gt.BaselineKernelCount)

	// attn has no dynamic engine and no ground truth.
	assert.Equal(t, "None", tbl["attn"]["dynamic^backend"].Baseline)
	assert.Equal(t, "error", tbl["attn"]["dynamic^backend"].Compare)

	missing := tbl["attn"]["ground_truth^backend"]
	assert.Equal(t, "None", missing.Baseline)
	assert.Equal(t, "None", missing.Compare)
	assert.Equal(t, "None", missing.BaselineKernelCount)
	assert.Equal(t, "4", missing.LatestKernelTime)
}

// ---------------------------------------------------------------------------
// Renderers
// ---------------------------------------------------------------------------

func sampleTable() Table {
	return Table{
		"mlp": {
			"dynamic^backend": {Baseline: "10", Latest: "15", Compare: "-50.00%", Speedup: "-33.33%",
				BaselineKernelCount: "12000", LatestKernelCount: "None"},
		},
		"attn": {
			"dynamic^backend": {Baseline: "15", Latest: "10", Compare: "33.33%", Speedup: "50.00%"},
		},
	}
}

func TestColumns_SortedAndKernel(t *testing.T) {
	header, rows := Columns(sampleTable(), false)
	assert.Len(t, header, 6)
	require.Len(t, rows, 2)
	assert.Equal(t, "attn", rows[0][0])

	header, rows = Columns(sampleTable(), true)
	assert.Len(t, header, 10)
	assert.Equal(t, "12000", rows[1][8])
}

func TestWriteTable_Plain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, sampleTable(), TableOptions{Kernel: true}))

	out := buf.String()
	assert.Contains(t, out, "-50.00%")
	assert.Contains(t, out, "12,000")
	assert.Contains(t, out, "baseline_kernel_count")
	assert.NotContains(t, out, "\x1b[")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleTable()))

	var back Table
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "33.33%", back["attn"]["dynamic^backend"].Compare)
	assert.NotContains(t, buf.String(), `"attn": {"dynamic^backend": {"baseline_kernel_time"`)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleTable(), false))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "case,pair,baseline,latest,compare,speedup", lines[0])
	assert.Equal(t, "attn,dynamic^backend,15,10,33.33%,50.00%", lines[1])
}

func TestWrite_UnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, "xml", sampleTable(), TableOptions{})
	assert.Error(t, err)
}
