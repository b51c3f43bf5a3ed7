package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/executor"
	"github.com/caffeineduck/starbridge/hostfunc"
)

var rootCmd = &cobra.Command{
	Use:   "starbridge [file]",
	Short: "Embedded Starlark interpreter with a host call bridge",
	Long: `starbridge - Run Starlark scripts that call back into Go.

Run scripts from files, inline strings, or stdin. Scripts see bridge
builtins (capsules, exceptions, iterators) and only the host capabilities
enabled with flags: key-value store, HTTP, mounted directories and
WebAssembly modules.`,
	Args:              cobra.MaximumNArgs(1),
	RunE:              runRun, // Default to run command behavior
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// logger is built once per process by setup.
var logger = zap.NewNop()

func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	var exit *executor.ExitError
	if errors.As(err, &exit) {
		os.Exit(exit.Code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "Log bridge diagnostics to stderr")
	rootCmd.PersistentFlags().String("config", "", "YAML config file with default flag values")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable WebAssembly compilation cache")

	addRunFlags(rootCmd)
}

// setup binds logging and applies the config file before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	debug, _ := cmd.Flags().GetBool("debug")
	l, err := newLogger(debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logger = l
	diag.Configure(debug, l)

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	return cfg.apply(cmd.Flags())
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func parseMount(raw string) (hostfunc.Mount, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return hostfunc.Mount{}, fmt.Errorf("invalid mount %q (expected virtual:host:mode)", raw)
	}

	mode, err := hostfunc.ParseMountMode(parts[2])
	if err != nil {
		return hostfunc.Mount{}, err
	}

	return hostfunc.Mount{
		VirtualPath: parts[0],
		HostPath:    parts[1],
		Mode:        mode,
	}, nil
}

func parseMemoryLimit(s string) uint32 {
	switch strings.ToLower(s) {
	case "1mb":
		return executor.MemoryLimit1MB
	case "16mb":
		return executor.MemoryLimit16MB
	case "64mb":
		return executor.MemoryLimit64MB
	case "256mb":
		return executor.MemoryLimit256MB
	default:
		return 0 // use default
	}
}
