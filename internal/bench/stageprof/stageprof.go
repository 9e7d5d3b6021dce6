// Package stageprof times pipeline stages under pprof labels so CPU profiles
// can be sliced by stage.
package stageprof

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"
	"strings"
	"sync"
	"time"
)

// Do runs fn with the pprof label stage=<stage> and returns its wall time.
func Do(ctx context.Context, stage string, fn func(ctx context.Context) error) (time.Duration, error) {
	var err error

	start := time.Now()
	pprof.Do(ctx, pprof.Labels("stage", stage), func(ctx context.Context) {
		err = fn(ctx)
	})

	return time.Since(start), err
}

// StartCPUProfile writes a CPU profile to path until stop is called.
func StartCPUProfile(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create cpuprofile: %w", err)
	}

	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("start cpuprofile: %w", err)
	}

	return func() error {
		pprof.StopCPUProfile()
		return f.Close()
	}, nil
}

// Timings accumulates wall time per stage. Safe for concurrent use.
type Timings struct {
	mu    sync.Mutex
	total map[string]time.Duration
	count map[string]int
}

func NewTimings() *Timings {
	return &Timings{total: map[string]time.Duration{}, count: map[string]int{}}
}

// Time runs fn through Do and records its duration under stage.
func (t *Timings) Time(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	d, err := Do(ctx, stage, fn)
	t.Add(stage, d)

	return err
}

func (t *Timings) Add(stage string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total[stage] += d
	t.count[stage]++
}

// Snapshot returns the total per stage.
func (t *Timings) Snapshot() map[string]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Duration, len(t.total))
	for k, v := range t.total {
		out[k] = v
	}

	return out
}

// String prints "stage=avg" pairs sorted by stage.
func (t *Timings) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	stages := make([]string, 0, len(t.total))
	for s := range t.total {
		stages = append(stages, s)
	}

	sort.Strings(stages)

	parts := make([]string, len(stages))
	for i, s := range stages {
		avg := t.total[s] / time.Duration(t.count[s])
		parts[i] = fmt.Sprintf("%s=%s", s, avg.Round(time.Microsecond))
	}

	return strings.Join(parts, " ")
}
