package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(t *testing.T, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return &fakeBinder{fs: fs}
}

// chdirTemp isolates Load from an opparity.yaml in the working directory.
func chdirTemp(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Stage.Name != StageBackend {
		t.Errorf("Stage.Name = %q; want %q", cfg.Stage.Name, StageBackend)
	}

	if cfg.Stage.EnableDiff || cfg.Stage.EnableTryRun {
		t.Error("diff and try-run must be off by default")
	}

	if !cfg.Flags.EnablePrim || !cfg.Flags.EnableCompiler {
		t.Error("prim and compiler flags must be on by default")
	}

	if cfg.Runner.StderrTailBytes != 4096 {
		t.Errorf("Runner.StderrTailBytes = %d; want 4096", cfg.Runner.StderrTailBytes)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
}

// --- Stages ---

func TestNormalizeStage(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"dynamic", StageDynamic, false},
		{"  PRIM ", StagePrim, false},
		{"", StageBackend, false},
		{"static", StageToStatic, false},
		{"symbolic", StageInferSymbolic, false},
		{"codegen", StageBackend, false},
		{"eager", StageDynamic, false},
		{"cinn", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeStage(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("NormalizeStage(%q) = %q, nil; want error", tt.input, got)
				}

				return
			}

			if err != nil {
				t.Fatalf("NormalizeStage(%q) unexpected error: %v", tt.input, err)
			}

			if got != tt.want {
				t.Errorf("NormalizeStage(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestPriorStage(t *testing.T) {
	if _, ok := PriorStage(StageDynamic); ok {
		t.Error("dynamic must have no prior stage")
	}

	stages := Stages()
	for i := 1; i < len(stages); i++ {
		prior, ok := PriorStage(stages[i])
		if !ok || prior != stages[i-1] {
			t.Errorf("PriorStage(%q) = %q, %v; want %q", stages[i], prior, ok, stages[i-1])
		}
	}

	if _, ok := PriorStage("unknown"); ok {
		t.Error("unknown stage must have no prior stage")
	}
}

func TestStageEnables(t *testing.T) {
	if !StageEnables(StageFrontend, StagePrim) {
		t.Error("frontend must include prim")
	}

	if StageEnables(StagePrim, StageFrontend) {
		t.Error("prim must not include frontend")
	}

	if !StageEnables(StageBackend, StageBackend) {
		t.Error("a stage includes itself")
	}

	if StageEnables("bogus", StageDynamic) {
		t.Error("unknown stage enables nothing")
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	checks := []struct {
		flag string
		want string
	}{
		{"stage-name", "backend"},
		{"stage-enable-diff", "false"},
		{"flags-enable-prim", "true"},
		{"runner-stderr-tail-bytes", "4096"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stage.Name != StageBackend {
		t.Errorf("Stage.Name = %q; want %q", cfg.Stage.Name, StageBackend)
	}

	if cfg.Child {
		t.Error("Child = true; want false")
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, "--stage-name=prim", "--stage-enable-diff", "--compare-atol=1e-4", "--log-level=debug"),
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stage.Name != StagePrim {
		t.Errorf("Stage.Name = %q; want %q", cfg.Stage.Name, StagePrim)
	}

	if !cfg.Stage.EnableDiff {
		t.Error("Stage.EnableDiff = false; want true")
	}

	if cfg.Compare.ATol != 1e-4 {
		t.Errorf("Compare.ATol = %g; want 1e-4", cfg.Compare.ATol)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPPARITY_STAGE_NAME", "frontend")
	t.Setenv("OPPARITY_STAGE_ENABLE_TRY_RUN", "true")
	t.Setenv("OPPARITY_FLAGS_ENABLE_COMPILER", "false")
	t.Setenv("OPPARITY_CHILD", "1")
	t.Setenv("OPPARITY_RUN_ID", "abc")
	t.Setenv("OPPARITY_EXECUTABLE", "/bin/true")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stage.Name != StageFrontend {
		t.Errorf("Stage.Name = %q; want %q", cfg.Stage.Name, StageFrontend)
	}

	if !cfg.Stage.EnableTryRun {
		t.Error("Stage.EnableTryRun = false; want true")
	}

	if cfg.Flags.EnableCompiler {
		t.Error("Flags.EnableCompiler = true; want false")
	}

	if !cfg.Child || cfg.RunID != "abc" {
		t.Errorf("Child = %v, RunID = %q; want true, abc", cfg.Child, cfg.RunID)
	}

	if cfg.Runner.Executable != "/bin/true" {
		t.Errorf("Runner.Executable = %q; want /bin/true", cfg.Runner.Executable)
	}
}

func TestLoad_FlagBeatsEnv(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPPARITY_STAGE_NAME", "frontend")

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(t, "--stage-name=to_static"),
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Stage.Name != StageToStatic {
		t.Errorf("Stage.Name = %q; want %q", cfg.Stage.Name, StageToStatic)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	chdirTemp(t)

	cfgFile := filepath.Join(t.TempDir(), "opparity.yaml")
	content := `
log_level: error
stage:
  name: infer_symbolic
  enable_diff: true
report:
  format: csv
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(t),
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "error")
	}

	if cfg.Stage.Name != StageInferSymbolic || !cfg.Stage.EnableDiff {
		t.Errorf("Stage = %+v; want infer_symbolic with diff", cfg.Stage)
	}

	if cfg.Report.Format != "csv" {
		t.Errorf("Report.Format = %q; want csv", cfg.Report.Format)
	}
}

func TestLoad_InvalidStage(t *testing.T) {
	chdirTemp(t)
	t.Setenv("OPPARITY_STAGE_NAME", "nope")

	if _, err := Load(LoadOptions{Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid stage")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	chdirTemp(t)

	cfgFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()})
	if err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	chdirTemp(t)

	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/opparity.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

func TestNormalize_RejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compare.RTol = -1

	if err := cfg.Normalize(); err == nil {
		t.Error("Normalize() = nil; want error for negative rtol")
	}

	cfg = DefaultConfig()
	cfg.Runner.StderrTailBytes = 0

	if err := cfg.Normalize(); err == nil {
		t.Error("Normalize() = nil; want error for zero tail size")
	}
}
