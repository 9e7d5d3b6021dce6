// Package baseline stores previously recorded results keyed by title
// ("<layer_type>^<case_name>") and engine name. Each value is kept as a JSON
// string so the dataset stays agnostic of what a measurement looks like.
package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// GroundTruth names the pseudo-engine whose values come from the dataset
// instead of the current run.
const GroundTruth = "ground_truth"

const (
	titleSep     = "^"
	kernelSuffix = "/kernel"
)

// Title builds the dataset key for a case.
func Title(layerType, caseName string) string {
	return layerType + titleSep + caseName
}

// KernelEngine is the entry name for an engine's kernel record. Kernel
// records live beside the plain measurement so both report modes can read
// the same dataset.
func KernelEngine(engine string) string {
	return engine + kernelSuffix
}

// Dataset is not safe for concurrent use. The zero value is an empty dataset.
type Dataset struct {
	entries map[string]map[string]string
}

func New() *Dataset {
	return &Dataset{entries: make(map[string]map[string]string)}
}

// Load reads a dataset file. A missing file yields an empty dataset.
func Load(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return New(), nil
		}

		return nil, fmt.Errorf("baseline: read %s: %w", path, err)
	}

	ds := New()
	if len(data) == 0 {
		return ds, nil
	}

	if err := json.Unmarshal(data, &ds.entries); err != nil {
		return nil, fmt.Errorf("baseline: decode %s: %w", path, err)
	}

	if ds.entries == nil {
		ds.entries = make(map[string]map[string]string)
	}

	return ds, nil
}

// Save writes the dataset atomically through a temp file and rename.
func (d *Dataset) Save(path string) error {
	entries := d.entries
	if entries == nil {
		entries = map[string]map[string]string{}
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("baseline: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".baseline-*.json")
	if err != nil {
		return fmt.Errorf("baseline: create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("baseline: write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("baseline: close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("baseline: rename into place: %w", err)
	}

	return nil
}

// Lookup returns the raw JSON string stored for title and engine.
func (d *Dataset) Lookup(title, engine string) (string, bool) {
	v, ok := d.entries[title][engine]

	return v, ok
}

// Decode unmarshals the value stored for title and engine into out.
func (d *Dataset) Decode(title, engine string, out any) (bool, error) {
	raw, ok := d.Lookup(title, engine)
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return true, fmt.Errorf("baseline: decode %s/%s: %w", title, engine, err)
	}

	return true, nil
}

// Record stores value, JSON-encoded, under title and engine.
func (d *Dataset) Record(title, engine string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("baseline: encode %s/%s: %w", title, engine, err)
	}

	if d.entries == nil {
		d.entries = make(map[string]map[string]string)
	}

	if d.entries[title] == nil {
		d.entries[title] = make(map[string]string)
	}

	d.entries[title][engine] = string(data)

	return nil
}

// Titles returns all titles in sorted order.
func (d *Dataset) Titles() []string {
	out := make([]string, 0, len(d.entries))
	for t := range d.entries {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

// Engines returns the engines recorded for title in sorted order.
func (d *Dataset) Engines(title string) []string {
	out := make([]string, 0, len(d.entries[title]))
	for e := range d.entries[title] {
		out = append(out, e)
	}

	sort.Strings(out)

	return out
}
