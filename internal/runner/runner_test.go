package runner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/go-op-parity/internal/observability"
	"github.com/example/go-op-parity/internal/testutil"
)

// mockChild writes a shell script standing in for the relaunched binary.
func mockChild(t *testing.T, body string) string {
	t.Helper()

	return testutil.WriteScript(t, body)
}

func launcher() *ProcessLauncher {
	return &ProcessLauncher{Logger: observability.Discard()}
}

func TestLaunch_PassesStageThroughEnvironment(t *testing.T) {
	script := mockChild(t, `echo "stage=$OPPARITY_STAGE_NAME child=$OPPARITY_CHILD run=$OPPARITY_RUN_ID" >&2`)

	o, err := launcher().Launch(context.Background(), Request{
		Executable: script,
		Stage:      "prim",
		RunID:      "run-42",
	})
	require.NoError(t, err)

	assert.Equal(t, 0, o.ExitCode)
	assert.Equal(t, "prim", o.Stage)
	assert.Equal(t, "run-42", o.RunID)
	assert.Contains(t, o.StderrTail, "stage=prim child=1 run=run-42")
	assert.Positive(t, o.Duration)
	assert.NoError(t, Interpret(o))
}

func TestLaunch_GeneratesRunID(t *testing.T) {
	script := mockChild(t, `echo "$OPPARITY_RUN_ID" >&2`)

	o, err := launcher().Launch(context.Background(), Request{Executable: script, Stage: "prim"})
	require.NoError(t, err)

	assert.Len(t, o.RunID, 36)
	assert.Contains(t, o.StderrTail, o.RunID)
}

func TestLaunch_ForwardsArgsAndStdout(t *testing.T) {
	script := mockChild(t, `echo "args: $*"`)

	var out strings.Builder

	_, err := launcher().Launch(context.Background(), Request{
		Executable: script,
		Args:       []string{"run", "cases/mlp.json"},
		Stage:      "to_static",
		Stdout:     &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "args: run cases/mlp.json\n", out.String())
}

func TestLaunch_OrdinaryFailureIsNotACrash(t *testing.T) {
	script := mockChild(t, `echo "comparison failed" >&2; exit 1`)

	o, err := TryRun(context.Background(), launcher(), Request{Executable: script, Stage: "prim"})
	require.NoError(t, err)
	assert.Equal(t, 1, o.ExitCode)
}

func TestLaunch_SignalIsACrash(t *testing.T) {
	script := mockChild(t, `echo "about to abort" >&2; kill -9 $$`)

	o, err := TryRun(context.Background(), launcher(), Request{Executable: script, Stage: "frontend"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCrashed))
	assert.Equal(t, -1, o.ExitCode)

	var crash *CrashError
	require.ErrorAs(t, err, &crash)
	assert.Contains(t, crash.Error(), "killed by signal")
	assert.Contains(t, crash.Error(), "about to abort")
}

func TestLaunch_GoPanicIsACrash(t *testing.T) {
	script := mockChild(t, `echo "panic: runtime error: index out of range" >&2; exit 2`)

	_, err := TryRun(context.Background(), launcher(), Request{Executable: script, Stage: "backend"})
	assert.ErrorIs(t, err, ErrCrashed)
}

func TestLaunch_TailKeepsLastBytes(t *testing.T) {
	script := mockChild(t, `i=0; while [ $i -lt 200 ]; do echo "line $i" >&2; i=$((i+1)); done`)

	o, err := launcher().Launch(context.Background(), Request{Executable: script, Stage: "prim", TailBytes: 32})
	require.NoError(t, err)

	assert.LessOrEqual(t, len(o.StderrTail), 32)
	assert.True(t, strings.HasSuffix(o.StderrTail, "line 199\n"))
}

func TestLaunch_MissingExecutable(t *testing.T) {
	_, err := launcher().Launch(context.Background(), Request{Executable: "/nonexistent/opparity", Stage: "prim"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCrashed)
}

func TestLaunch_CanceledContext(t *testing.T) {
	script := mockChild(t, `sleep 5`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := launcher().Launch(ctx, Request{Executable: script, Stage: "prim"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCrashed)
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		name  string
		o     Outcome
		crash bool
	}{
		{"clean exit", Outcome{ExitCode: 0}, false},
		{"ordinary failure", Outcome{ExitCode: 1, StderrTail: "mismatch"}, false},
		{"signal", Outcome{ExitCode: -1}, true},
		{"go panic", Outcome{ExitCode: 2, StderrTail: "goroutine 1\npanic: boom"}, true},
		{"go fatal", Outcome{ExitCode: 2, StderrTail: "fatal error: out of memory"}, true},
		{"usage error", Outcome{ExitCode: 2, StderrTail: "unknown flag --x"}, false},
		{"marker with other code", Outcome{ExitCode: 3, StderrTail: "panic: boom"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Interpret(tt.o)
			if tt.crash {
				assert.ErrorIs(t, err, ErrCrashed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(5)

	n, err := tail.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, _ = tail.Write([]byte("defg"))
	assert.Equal(t, "cdefg", tail.String())

	n, _ = tail.Write([]byte("0123456789"))
	assert.Equal(t, 10, n)
	assert.Equal(t, "56789", tail.String())
}
