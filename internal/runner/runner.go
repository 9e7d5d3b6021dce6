// Package runner launches a pipeline stage in an isolated child process and
// classifies how it ended.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Environment handed to the child. They are the only channel from parent to
// child.
const (
	EnvStageName = "OPPARITY_STAGE_NAME"
	EnvChild     = "OPPARITY_CHILD"
	EnvRunID     = "OPPARITY_RUN_ID"
)

const DefaultTailBytes = 4096

// ErrCrashed marks a child that died abnormally.
var ErrCrashed = errors.New("runner: child crashed")

// Go runtime crash markers. A panicking Go program exits with status 2.
var crashMarkers = []string{"panic:", "fatal error:"}

type Request struct {
	// Executable defaults to the running binary.
	Executable string
	Args       []string
	Stage      string
	// RunID correlates parent and child logs; generated when empty.
	RunID string
	// Env is the base environment; nil means os.Environ().
	Env       []string
	TailBytes int
	// Stdout receives the child's stdout; nil discards it.
	Stdout io.Writer
}

// Outcome records how a child ended. ExitCode is -1 when it was killed by a
// signal.
type Outcome struct {
	Stage      string        `json:"stage"`
	RunID      string        `json:"run_id"`
	ExitCode   int           `json:"exit_code"`
	StderrTail string        `json:"stderr_tail"`
	Duration   time.Duration `json:"duration"`
}

type Launcher interface {
	Launch(ctx context.Context, req Request) (Outcome, error)
}

// ProcessLauncher runs each request as an OS process and blocks until it
// exits.
type ProcessLauncher struct {
	Logger *slog.Logger
}

func (l *ProcessLauncher) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}

	return slog.Default()
}

func (l *ProcessLauncher) Launch(ctx context.Context, req Request) (Outcome, error) {
	exe := req.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return Outcome{}, fmt.Errorf("runner: resolve executable: %w", err)
		}

		exe = self
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	tailBytes := req.TailBytes
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}

	env := req.Env
	if env == nil {
		env = os.Environ()
	}

	cmd := exec.CommandContext(ctx, exe, req.Args...)
	cmd.Env = append(append([]string(nil), env...),
		EnvStageName+"="+req.Stage,
		EnvChild+"=1",
		EnvRunID+"="+runID,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{}, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	log := l.logger().With("stage", req.Stage, "run_id", runID)
	log.Info("launching try-run", "executable", exe, "args", req.Args)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("runner: start %s: %w", exe, err)
	}

	out := req.Stdout
	if out == nil {
		out = io.Discard
	}

	tail := newTailBuffer(tailBytes)

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(out, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(tail, stderr)
		return err
	})

	drainErr := g.Wait()
	waitErr := cmd.Wait()

	outcome := Outcome{
		Stage:      req.Stage,
		RunID:      runID,
		ExitCode:   cmd.ProcessState.ExitCode(),
		StderrTail: tail.String(),
		Duration:   time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return outcome, fmt.Errorf("runner: %s try-run: %w", req.Stage, ctxErr)
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return outcome, fmt.Errorf("runner: wait %s: %w", exe, waitErr)
	}

	if drainErr != nil {
		log.Warn("child output drain failed", "error", drainErr)
	}

	log.Info("try-run finished", "exit_code", outcome.ExitCode, "duration", outcome.Duration)

	return outcome, nil
}

// CrashError carries the outcome of a crashed child.
type CrashError struct {
	Outcome Outcome
}

func (e *CrashError) Error() string {
	how := fmt.Sprintf("exit status %d", e.Outcome.ExitCode)
	if e.Outcome.ExitCode < 0 {
		how = "killed by signal"
	}

	msg := fmt.Sprintf("runner: stage %s crashed (%s, run %s)", e.Outcome.Stage, how, e.Outcome.RunID)
	if tail := strings.TrimSpace(e.Outcome.StderrTail); tail != "" {
		msg += "\n" + tail
	}

	return msg
}

func (e *CrashError) Unwrap() error { return ErrCrashed }

// Interpret classifies an outcome. Only abnormal termination is an error:
// ordinary failures surface again when the stage runs in-process.
func Interpret(o Outcome) error {
	switch {
	case o.ExitCode == 0:
		return nil
	case o.ExitCode < 0:
		return &CrashError{Outcome: o}
	case o.ExitCode == 2 && hasCrashMarker(o.StderrTail):
		return &CrashError{Outcome: o}
	default:
		return nil
	}
}

// TryRun launches req and interprets the outcome.
func TryRun(ctx context.Context, l Launcher, req Request) (Outcome, error) {
	o, err := l.Launch(ctx, req)
	if err != nil {
		return o, err
	}

	return o, Interpret(o)
}

func hasCrashMarker(tail string) bool {
	for _, m := range crashMarkers {
		if strings.Contains(tail, m) {
			return true
		}
	}

	return false
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   bytes.Buffer
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		p = p[len(p)-t.limit:]
	}

	t.buf.Write(p)

	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}

	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
