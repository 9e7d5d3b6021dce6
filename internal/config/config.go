package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Stage    StageConfig   `mapstructure:"stage"`
	Flags    FlagsConfig   `mapstructure:"flags"`
	Compare  CompareConfig `mapstructure:"compare"`
	Paths    PathsConfig   `mapstructure:"paths"`
	Report   ReportConfig  `mapstructure:"report"`
	Runner   RunnerConfig  `mapstructure:"runner"`

	// Child and RunID are set in the environment of a try-run child.
	Child bool   `mapstructure:"child"`
	RunID string `mapstructure:"run_id"`
}

type StageConfig struct {
	Name         string `mapstructure:"name"`
	EnableDiff   bool   `mapstructure:"enable_diff"`
	EnableTryRun bool   `mapstructure:"enable_try_run"`
}

type FlagsConfig struct {
	EnablePrim     bool `mapstructure:"enable_prim"`
	EnableCompiler bool `mapstructure:"enable_compiler"`
}

// CompareConfig overrides the per-dtype tolerances when non-zero.
type CompareConfig struct {
	ATol float64 `mapstructure:"atol"`
	RTol float64 `mapstructure:"rtol"`
}

type PathsConfig struct {
	BaselinePath string `mapstructure:"baseline_path"`
	CasesDir     string `mapstructure:"cases_dir"`
}

type ReportConfig struct {
	LayerType string `mapstructure:"layer_type"`
	Compare   string `mapstructure:"compare"`
	Format    string `mapstructure:"format"`
	Color     bool   `mapstructure:"color"`
}

type RunnerConfig struct {
	Executable      string `mapstructure:"executable"`
	StderrTailBytes int    `mapstructure:"stderr_tail_bytes"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Stage: StageConfig{
			Name:         StageBackend,
			EnableDiff:   false,
			EnableTryRun: false,
		},
		Flags: FlagsConfig{
			EnablePrim:     true,
			EnableCompiler: true,
		},
		Paths: PathsConfig{
			BaselinePath: "baseline.json",
			CasesDir:     "cases",
		},
		Report: ReportConfig{
			LayerType: "op",
			Compare:   "dynamic:backend,ground_truth:backend",
			Format:    "table",
			Color:     true,
		},
		Runner: RunnerConfig{
			Executable:      "",
			StderrTailBytes: 4096,
		},
	}
}

// binding ties a config key to its command-line flag. An empty flag means
// the key is settable from environment or config file only.
type binding struct {
	key  string
	flag string
}

var bindings = []binding{
	{"log_level", "log-level"},
	{"stage.name", "stage-name"},
	{"stage.enable_diff", "stage-enable-diff"},
	{"stage.enable_try_run", "stage-enable-try-run"},
	{"flags.enable_prim", "flags-enable-prim"},
	{"flags.enable_compiler", "flags-enable-compiler"},
	{"compare.atol", "compare-atol"},
	{"compare.rtol", "compare-rtol"},
	{"paths.baseline_path", "paths-baseline-path"},
	{"paths.cases_dir", "paths-cases-dir"},
	{"report.layer_type", "report-layer-type"},
	{"report.compare", "report-compare"},
	{"report.format", "report-format"},
	{"report.color", "report-color"},
	{"runner.executable", "runner-executable"},
	{"runner.stderr_tail_bytes", "runner-stderr-tail-bytes"},
	{"child", ""},
	{"run_id", ""},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("stage-name", defaults.Stage.Name, "Pipeline stage to run ("+strings.Join(stageOrder, "|")+")")
	fs.Bool("stage-enable-diff", defaults.Stage.EnableDiff, "Compare against the prior stage instead of dynamic")
	fs.Bool("stage-enable-try-run", defaults.Stage.EnableTryRun, "Try-run the prior stage in a child process first (needs --stage-enable-diff)")
	fs.Bool("flags-enable-prim", defaults.Flags.EnablePrim, "Enable primitive decomposition")
	fs.Bool("flags-enable-compiler", defaults.Flags.EnableCompiler, "Enable the compiler frontend and backend passes")
	fs.Float64("compare-atol", defaults.Compare.ATol, "Absolute tolerance override (0 = per-dtype default)")
	fs.Float64("compare-rtol", defaults.Compare.RTol, "Relative tolerance override (0 = per-dtype default)")
	fs.String("paths-baseline-path", defaults.Paths.BaselinePath, "Baseline dataset file")
	fs.String("paths-cases-dir", defaults.Paths.CasesDir, "Directory searched for case files")
	fs.String("report-layer-type", defaults.Report.LayerType, "Layer type used in baseline titles")
	fs.String("report-compare", defaults.Report.Compare, "Comparison pairs baseline:latest, comma separated")
	fs.String("report-format", defaults.Report.Format, "Report format (table|json|csv)")
	fs.Bool("report-color", defaults.Report.Color, "Colorize table output when the terminal supports it")
	fs.String("runner-executable", defaults.Runner.Executable, "Executable relaunched for try-runs (default: this binary)")
	fs.Int("runner-stderr-tail-bytes", defaults.Runner.StderrTailBytes, "Bytes of child stderr kept for crash reports")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("OPPARITY")
	replacer := strings.NewReplacer("-", "_", ".", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runner.executable", "OPPARITY_RUNNER_EXECUTABLE", "OPPARITY_EXECUTABLE"); err != nil {
		return Config{}, fmt.Errorf("bind executable env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("opparity")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Normalize canonicalizes the stage name and rejects out-of-range values.
func (c *Config) Normalize() error {
	stage, err := NormalizeStage(c.Stage.Name)
	if err != nil {
		return err
	}

	c.Stage.Name = stage

	if c.Compare.ATol < 0 || c.Compare.RTol < 0 {
		return fmt.Errorf("tolerances must be >= 0 (atol=%g, rtol=%g)", c.Compare.ATol, c.Compare.RTol)
	}

	if c.Runner.StderrTailBytes <= 0 {
		return fmt.Errorf("runner.stderr_tail_bytes must be > 0, got %d", c.Runner.StderrTailBytes)
	}

	return nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("stage.name", c.Stage.Name)
	v.SetDefault("stage.enable_diff", c.Stage.EnableDiff)
	v.SetDefault("stage.enable_try_run", c.Stage.EnableTryRun)
	v.SetDefault("flags.enable_prim", c.Flags.EnablePrim)
	v.SetDefault("flags.enable_compiler", c.Flags.EnableCompiler)
	v.SetDefault("compare.atol", c.Compare.ATol)
	v.SetDefault("compare.rtol", c.Compare.RTol)
	v.SetDefault("paths.baseline_path", c.Paths.BaselinePath)
	v.SetDefault("paths.cases_dir", c.Paths.CasesDir)
	v.SetDefault("report.layer_type", c.Report.LayerType)
	v.SetDefault("report.compare", c.Report.Compare)
	v.SetDefault("report.format", c.Report.Format)
	v.SetDefault("report.color", c.Report.Color)
	v.SetDefault("runner.executable", c.Runner.Executable)
	v.SetDefault("runner.stderr_tail_bytes", c.Runner.StderrTailBytes)
	v.SetDefault("child", c.Child)
	v.SetDefault("run_id", c.RunID)
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, b := range bindings {
		if b.flag == "" {
			continue
		}

		f := fs.Lookup(b.flag)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(b.key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.flag, err)
		}
	}

	return nil
}
