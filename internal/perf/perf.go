// Package perf holds performance measurements and the two ratio formatters
// used for report columns.
package perf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	ErrorText   = "error"
	MissingText = "None"
)

type state uint8

const (
	stateMissing state = iota
	stateValue
	stateError
)

// Measurement is a recorded number, the error sentinel, or missing. The zero
// value is missing.
type Measurement struct {
	v     float64
	state state
}

func Value(v float64) Measurement { return Measurement{v: v, state: stateValue} }

func Errored() Measurement { return Measurement{state: stateError} }

func Missing() Measurement { return Measurement{} }

// ParseMeasurement accepts a number, "error", "None", "null" or "".
func ParseMeasurement(s string) (Measurement, error) {
	switch strings.TrimSpace(s) {
	case "", MissingText, "null", "none":
		return Missing(), nil
	case ErrorText:
		return Errored(), nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("perf: invalid measurement %q", s)
	}

	return Value(v), nil
}

func (m Measurement) Float() (float64, bool) { return m.v, m.state == stateValue }

func (m Measurement) IsError() bool { return m.state == stateError }

func (m Measurement) IsMissing() bool { return m.state == stateMissing }

func (m Measurement) String() string {
	switch m.state {
	case stateValue:
		return strconv.FormatFloat(m.v, 'g', -1, 64)
	case stateError:
		return ErrorText
	default:
		return MissingText
	}
}

func (m Measurement) MarshalJSON() ([]byte, error) {
	if m.state == stateValue {
		return json.Marshal(m.v)
	}

	return json.Marshal(m.String())
}

func (m *Measurement) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = Missing()
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		parsed, err := ParseMeasurement(s)
		if err != nil {
			return err
		}

		*m = parsed

		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("perf: invalid measurement %s", data)
	}

	*m = Value(v)

	return nil
}
