package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var checkCmd = &cobra.Command{
	Use:   "check file...",
	Short: "Parse and resolve scripts without running them",
	Long: `Check reports syntax errors and undefined names in each file. Names are
resolved against the builtins a session would have with the same flags,
so --kv makes kv_get and friends known.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCheck,
}

func init() {
	addSessionFlags(checkCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	exec, err := buildExecutor(cmd)
	if err != nil {
		return err
	}
	defer exec.Close()

	opts, err := buildSessionOpts(cmd)
	if err != nil {
		return err
	}

	var errs error
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if err := exec.Check(path, string(data), opts...); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	}
	return errs
}
