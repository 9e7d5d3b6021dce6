package compare

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/go-op-parity/internal/tensor"
	"github.com/pkg/errors"
)

// maxReported bounds the mismatching indices listed in one failure.
const maxReported = 5

// checkClose requires equal shape, closeness within delta + rtol*|e| for every
// element (NaN matching NaN), and equal dtype.
func checkClose(r, e *tensor.Tensor, delta, rtol float64, resName, expName string) error {
	if !tensor.EqualShape(r.Shape(), e.Shape()) {
		return errors.Errorf("%s vs %s: shape mismatch: result %v, expect %v",
			resName, expName, r.Shape(), e.Shape())
	}

	rd, ed := r.RawData(), e.RawData()

	var (
		mismatched []int
		maxAbs     float64
		maxRel     float64
	)

	for i := range ed {
		if isClose(rd[i], ed[i], delta, rtol) {
			continue
		}

		mismatched = append(mismatched, i)

		diff := math.Abs(rd[i] - ed[i])
		if math.IsNaN(diff) {
			diff = math.Inf(1)
		}

		maxAbs = math.Max(maxAbs, diff)
		if ed[i] != 0 {
			maxRel = math.Max(maxRel, diff/math.Abs(ed[i]))
		} else {
			maxRel = math.Inf(1)
		}
	}

	if len(mismatched) > 0 {
		var sb strings.Builder

		fmt.Fprintf(&sb, "%s vs %s: not equal to tolerance rtol=%g, atol=%g\n", resName, expName, rtol, delta)
		fmt.Fprintf(&sb, "mismatched elements: %d / %d (%.3g%%)\n",
			len(mismatched), len(ed), 100*float64(len(mismatched))/float64(len(ed)))
		fmt.Fprintf(&sb, "max absolute difference: %g\n", maxAbs)
		fmt.Fprintf(&sb, "max relative difference: %g\n", maxRel)

		for n, i := range mismatched {
			if n == maxReported {
				fmt.Fprintf(&sb, "  ... %d more\n", len(mismatched)-maxReported)
				break
			}

			fmt.Fprintf(&sb, "  [%d] result=%g expect=%g\n", i, rd[i], ed[i])
		}

		fmt.Fprintf(&sb, " x: %s\n y: %s", r, e)

		return errors.New(sb.String())
	}

	if r.DType() != e.DType() {
		return errors.Errorf("%s vs %s: dtype mismatch: result %s, expect %s",
			resName, expName, r.DType(), e.DType())
	}

	return nil
}

func isClose(r, e, delta, rtol float64) bool {
	if math.IsNaN(r) || math.IsNaN(e) {
		return math.IsNaN(r) && math.IsNaN(e)
	}

	if r == e {
		return true
	}

	return math.Abs(r-e) <= delta+rtol*math.Abs(e)
}

func isScalar(v any) bool {
	switch v.(type) {
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	default:
		return false
	}
}

// checkScalar requires exact equality. Integers compare exactly; anything
// involving a float compares as float64. bool counts as 0 or 1.
func checkScalar(result, expect any, resName, expName string) error {
	ri, rInt := scalarInt(result)
	ei, eInt := scalarInt(expect)

	if rInt && eInt {
		if ri == ei {
			return nil
		}
	} else if scalarFloat(result) == scalarFloat(expect) {
		return nil
	}

	return errors.Errorf("%s vs %s: scalar mismatch: result %v (%T), expect %v (%T)",
		resName, expName, result, result, expect, expect)
}

func scalarInt(v any) (int64, bool) {
	switch x := v.(type) {
	case bool:
		if x {
			return 1, true
		}

		return 0, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), x <= math.MaxInt64
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), x <= math.MaxInt64
	default:
		return 0, false
	}
}

func scalarFloat(v any) float64 {
	switch x := v.(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case uint:
		return float64(x)
	case uint64:
		return float64(x)
	}

	i, _ := scalarInt(v)

	return float64(i)
}

// kindMismatch reports a result that cannot be compared as the expected kind.
func kindMismatch(result any, kind, resName, expName string) error {
	return errors.Errorf("%s vs %s: kind mismatch: result %T, expect %s", resName, expName, result, kind)
}

// traced attaches a stack trace to err for storage in an ErrorMap.
func traced(err error, resName, expName string) error {
	return errors.Wrapf(err, "%s vs %s", resName, expName)
}
