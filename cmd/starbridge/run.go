package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/caffeineduck/starbridge/executor"
	"github.com/caffeineduck/starbridge/hostfunc"
	"github.com/caffeineduck/starbridge/value"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a script (stateless execution)",
	Long: `Execute a Starlark script in a fresh session.

Code can be provided via:
  - File argument: starbridge run script.star
  - Inline flag: starbridge run -c 'print(1 + 1)'
  - Stdin: echo 'print(1 + 1)' | starbridge run

With --call, the named function is invoked after the script has run and
its result is printed. Arguments are JSON values:

  starbridge run lib.star --call add --arg 1 --arg 2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("call", "", "Function to call after the script has run")
	cmd.Flags().StringArray("arg", nil, "JSON argument for --call (repeatable)")
	addSessionFlags(cmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().Duration("timeout", 30*time.Second, "Execution timeout per call")
	cmd.Flags().Uint64("max-steps", 0, "Interpreter step limit per call (0 = unlimited)")
	cmd.Flags().Bool("kv", false, "Enable key-value store")
	cmd.Flags().StringSlice("allow-host", nil, "Allow HTTP to host (repeatable)")
	cmd.Flags().StringSlice("mount", nil, "Mount filesystem virtual:host:mode (repeatable)")
	cmd.Flags().StringSlice("module-path", nil, "Directory searched by load() (repeatable)")
	cmd.Flags().StringSlice("wasm", nil, "Load WebAssembly module name=path (repeatable)")
	cmd.Flags().String("memory", "256mb", "WebAssembly memory limit: 1mb, 16mb, 64mb, 256mb")

	// Security limits
	cmd.Flags().Int("http-max-url", 8192, "Max HTTP URL length")
	cmd.Flags().Int64("http-max-body", 1024*1024, "Max HTTP response body size")
	cmd.Flags().Int64("fs-max-file", 10*1024*1024, "Max file read size")
	cmd.Flags().Int64("fs-max-write", 10*1024*1024, "Max file write size")
	cmd.Flags().Int("fs-max-path", 4096, "Max path length")
}

func buildSessionOpts(cmd *cobra.Command) ([]executor.SessionOption, error) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	maxSteps, _ := cmd.Flags().GetUint64("max-steps")
	enableKV, _ := cmd.Flags().GetBool("kv")
	allowedHosts, _ := cmd.Flags().GetStringSlice("allow-host")
	mounts, _ := cmd.Flags().GetStringSlice("mount")
	modulePath, _ := cmd.Flags().GetStringSlice("module-path")

	httpMaxURL, _ := cmd.Flags().GetInt("http-max-url")
	httpMaxBody, _ := cmd.Flags().GetInt64("http-max-body")
	fsMaxFile, _ := cmd.Flags().GetInt64("fs-max-file")
	fsMaxWrite, _ := cmd.Flags().GetInt64("fs-max-write")
	fsMaxPath, _ := cmd.Flags().GetInt("fs-max-path")

	var opts []executor.SessionOption
	opts = append(opts, executor.WithTimeout(timeout))

	if maxSteps > 0 {
		opts = append(opts, executor.WithMaxSteps(maxSteps))
	}
	if enableKV {
		opts = append(opts, executor.WithKV())
	}
	if len(allowedHosts) > 0 {
		opts = append(opts,
			executor.WithAllowedHosts(allowedHosts),
			executor.WithHTTPMaxURLLength(httpMaxURL),
			executor.WithHTTPMaxBodySize(httpMaxBody),
		)
	}
	for _, raw := range mounts {
		m, err := parseMount(raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithMount(m.VirtualPath, m.HostPath, m.Mode))
	}
	if len(mounts) > 0 {
		opts = append(opts,
			executor.WithFSMaxFileSize(fsMaxFile),
			executor.WithFSMaxWriteSize(fsMaxWrite),
			executor.WithFSMaxPathLength(fsMaxPath),
		)
	}
	if len(modulePath) > 0 {
		opts = append(opts, executor.WithModulePath(modulePath...))
	}

	return opts, nil
}

func buildExecutor(cmd *cobra.Command) (*executor.Executor, error) {
	noCache, _ := cmd.Flags().GetBool("no-cache")
	memoryLimit, _ := cmd.Flags().GetString("memory")
	wasm, _ := cmd.Flags().GetStringSlice("wasm")

	var execOpts []executor.ExecutorOption
	if !noCache {
		execOpts = append(execOpts, executor.WithDiskCache())
	}
	if pages := parseMemoryLimit(memoryLimit); pages > 0 {
		execOpts = append(execOpts, executor.WithMemoryLimit(pages))
	}
	for _, raw := range wasm {
		name, path, ok := strings.Cut(raw, "=")
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid wasm module %q (expected name=path)", raw)
		}
		bin, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read wasm module %s: %w", name, err)
		}
		execOpts = append(execOpts, executor.WithWASMModule(name, bin))
	}

	return executor.New(hostfunc.NewRegistry(), execOpts...)
}

// readSource returns the script and the name it is compiled under. An
// empty name with a nil error means there was nothing to run.
func readSource(cmd *cobra.Command, args []string) (src, name string, err error) {
	code, _ := cmd.Flags().GetString("code")

	switch {
	case code != "":
		return code, "<code>", nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", "", err
		}
		return string(data), args[0], nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		// No piped input
		return "", "", nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", "", nil
	}
	return string(data), "<stdin>", nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, filename, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if filename == "" {
		return cmd.Help()
	}

	call, _ := cmd.Flags().GetString("call")
	rawArgs, _ := cmd.Flags().GetStringArray("arg")
	callArgs := make([]value.Value, 0, len(rawArgs))
	for _, raw := range rawArgs {
		v, err := decodeJSONValue([]byte(raw))
		if err != nil {
			return fmt.Errorf("--arg %s: %w", raw, err)
		}
		callArgs = append(callArgs, v)
	}

	exec, err := buildExecutor(cmd)
	if err != nil {
		return err
	}
	defer exec.Close()

	opts, err := buildSessionOpts(cmd)
	if err != nil {
		return err
	}
	opts = append(opts,
		executor.WithOutput(cmd.OutOrStdout()),
		// exit() surfaces as an *executor.ExitError; Execute turns it into the exit code.
		executor.WithExitFunc(func(int) {}),
	)

	session, err := exec.NewSession(opts...)
	if err != nil {
		return err
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	result := session.Exec(ctx, filename, source)
	if result.Error != nil {
		return result.Error
	}

	if call != "" {
		v, err := session.Invoke(ctx, call, callArgs, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v.String())
	}
	return nil
}
