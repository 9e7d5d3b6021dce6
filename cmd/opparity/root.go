package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/example/go-op-parity/internal/config"
	"github.com/example/go-op-parity/internal/graph"
	"github.com/example/go-op-parity/internal/observability"
)

var (
	cfgFile   string
	activeCfg config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "opparity",
		Short:         "Numerical parity harness for staged tensor programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			setupLogger(loaded.LogLevel)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newCompareCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newBenchCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newDoctorCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger.
func setupLogger(levelStr string) {
	observability.InitLogger(levelStr)
}

func requireConfig() (config.Config, error) {
	if activeCfg.Stage.Name == "" {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// newMetrics returns the metric instruments, or nil with a warning when the
// meter provider rejects them.
func newMetrics() *observability.Metrics {
	m, err := observability.NewMetrics()
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
		return nil
	}
	return m
}

// casePaths returns args, or every case file in dir when args is empty.
func casePaths(args []string, dir string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob cases: %w", err)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no case files given and none found in %s", dir)
	}

	sort.Strings(paths)

	return paths, nil
}

func loadCases(paths []string) ([]*graph.Case, error) {
	cases := make([]*graph.Case, 0, len(paths))

	var errs []error
	for _, p := range paths {
		c, err := graph.LoadCase(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cases = append(cases, c)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return cases, nil
}

func stderrIsTerminal() bool { return isTerminal(os.Stderr) }

// isTerminal reports whether w is a character device. Writers that are not
// files, such as test buffers, never are.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
