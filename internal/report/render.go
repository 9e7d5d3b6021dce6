package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/muesli/termenv"

	"github.com/example/go-op-parity/internal/perf"
)

// Formats accepted by Write.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

// Columns returns the header and the flattened rows of t, sorted by case and
// pair. Kernel columns are included when kernel is true.
func Columns(t Table, kernel bool) ([]string, [][]string) {
	header := []string{"case", "pair", "baseline", "latest", "compare", "speedup"}
	if kernel {
		header = append(header, "baseline_kernel_time", "latest_kernel_time",
			"baseline_kernel_count", "latest_kernel_count")
	}

	var rows [][]string

	for _, c := range t.Cases() {
		pairs := make([]string, 0, len(t[c]))
		for k := range t[c] {
			pairs = append(pairs, k)
		}

		sort.Strings(pairs)

		for _, p := range pairs {
			r := t[c][p]
			row := []string{c, p, r.Baseline, r.Latest, r.Compare, r.Speedup}

			if kernel {
				row = append(row, r.BaselineKernelTime, r.LatestKernelTime,
					r.BaselineKernelCount, r.LatestKernelCount)
			}

			rows = append(rows, row)
		}
	}

	return header, rows
}

// Write renders t in the named format.
func Write(w io.Writer, format string, t Table, opts TableOptions) error {
	switch format {
	case "", FormatTable:
		return WriteTable(w, t, opts)
	case FormatJSON:
		return WriteJSON(w, t)
	case FormatCSV:
		return WriteCSV(w, t, opts.Kernel)
	default:
		return fmt.Errorf("report: unknown format %q (want %s|%s|%s)", format, FormatTable, FormatJSON, FormatCSV)
	}
}

// WriteJSON writes t as indented JSON.
func WriteJSON(w io.Writer, t Table) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("report: encode json: %w", err)
	}

	return nil
}

// WriteCSV writes the flattened table through a string-typed dataframe.
func WriteCSV(w io.Writer, t Table, kernel bool) error {
	header, rows := Columns(t, kernel)
	records := append([][]string{header}, rows...)

	df := dataframe.LoadRecords(records,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
	)
	if df.Err != nil {
		return fmt.Errorf("report: build dataframe: %w", df.Err)
	}

	if err := df.WriteCSV(w); err != nil {
		return fmt.Errorf("report: write csv: %w", err)
	}

	return nil
}

// TableOptions controls WriteTable.
type TableOptions struct {
	Kernel bool
	// Color enables ANSI styling. When false the output is plain ASCII.
	Color bool
}

// WriteTable renders t as a bordered terminal table. Rows where latest is
// slower than baseline are highlighted.
func WriteTable(w io.Writer, t Table, opts TableOptions) error {
	header, rows := Columns(t, opts.Kernel)

	renderer := lipgloss.NewRenderer(w)
	if !opts.Color {
		renderer.SetColorProfile(termenv.Ascii)
	}

	headerStyle := renderer.NewStyle().Bold(true).Padding(0, 1).Align(lipgloss.Center)
	cellStyle := renderer.NewStyle().Padding(0, 1)
	slowStyle := cellStyle.Foreground(lipgloss.Color("9")).Bold(true)

	slow := make(map[int]bool)

	tbl := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(renderer.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers(header...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}

			s := cellStyle
			if slow[row] {
				s = slowStyle
			}

			if col >= 2 {
				s = s.Align(lipgloss.Right)
			}

			return s
		})

	for i, r := range rows {
		if v, err := parsePercent(r[4]); err == nil && v < 0 {
			slow[i] = true
		}

		if opts.Kernel {
			r[8] = humanizeCount(r[8])
			r[9] = humanizeCount(r[9])
		}

		tbl.Row(r...)
	}

	if _, err := fmt.Fprintln(w, tbl.String()); err != nil {
		return fmt.Errorf("report: write table: %w", err)
	}

	return nil
}

func parsePercent(s string) (float64, error) {
	if len(s) < 2 || s[len(s)-1] != '%' {
		return 0, fmt.Errorf("not a percentage: %q", s)
	}

	return strconv.ParseFloat(s[:len(s)-1], 64)
}

func humanizeCount(s string) string {
	m, err := perf.ParseMeasurement(s)
	if err != nil {
		return s
	}

	v, ok := m.Float()
	if !ok || v != float64(int64(v)) {
		return s
	}

	return humanize.Comma(int64(v))
}
