package perf

import "fmt"

type ratioKind uint8

const (
	ratioError ratioKind = iota
	ratioZero
	ratioValue
)

// Ratio is a formatted relative change: "error", the degenerate "0", or a
// percentage such as "-50.00%".
type Ratio struct {
	kind  ratioKind
	value float64
}

// Percent returns the change in percent, false for error and degenerate
// ratios.
func (r Ratio) Percent() (float64, bool) { return r.value, r.kind == ratioValue }

func (r Ratio) IsError() bool { return r.kind == ratioError }

func (r Ratio) String() string {
	switch r.kind {
	case ratioValue:
		return fmt.Sprintf("%.2f%%", r.value)
	case ratioZero:
		return "0"
	default:
		return ErrorText
	}
}

func (r Ratio) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// PerfCompare is the normalized difference (baseline - latest) / baseline.
// Positive means latest is faster.
func PerfCompare(baseline, latest Measurement) Ratio {
	return ratio(baseline, latest, func(b, l float64) float64 { return (b - l) / b })
}

// PerfRatio is the ratio of magnitudes baseline / latest - 1, used for the
// speedup column.
func PerfRatio(baseline, latest Measurement) Ratio {
	return ratio(baseline, latest, func(b, l float64) float64 { return b/l - 1 })
}

func ratio(baseline, latest Measurement, fn func(b, l float64) float64) Ratio {
	b, bok := baseline.Float()
	l, lok := latest.Float()

	if !bok || !lok {
		return Ratio{kind: ratioError}
	}

	if b == 0 || l == 0 {
		return Ratio{kind: ratioZero}
	}

	return Ratio{kind: ratioValue, value: fn(b, l) * 100}
}
