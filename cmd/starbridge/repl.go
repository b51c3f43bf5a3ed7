package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/caffeineduck/starbridge/executor"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (blocks opened with ':' or lines ending with \,
    finished by an empty line)
  - :globals and :builtins list names in scope

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	RunE: runRepl,
}

func init() {
	addSessionFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.starbridge_history)")
	rootCmd.AddCommand(replCmd)
}

const (
	primaryPrompt      = ">>> "
	continuationPrompt = "... "
)

// replBuffer collects the lines of one statement.
type replBuffer struct {
	b strings.Builder
}

// add appends line and reports whether the statement is complete.
func (r *replBuffer) add(line string) (string, bool) {
	trimmed := strings.TrimRight(line, " \t")
	pending := r.b.Len() > 0

	switch {
	case strings.HasSuffix(trimmed, "\\"):
		r.b.WriteString(strings.TrimSuffix(trimmed, "\\"))
		r.b.WriteByte('\n')
		return "", false
	case strings.HasSuffix(trimmed, ":"):
		r.b.WriteString(line)
		r.b.WriteByte('\n')
		return "", false
	case pending && strings.TrimSpace(line) != "":
		r.b.WriteString(line)
		r.b.WriteByte('\n')
		return "", false
	}

	r.b.WriteString(line)
	stmt := r.b.String()
	r.b.Reset()
	return stmt, true
}

func (r *replBuffer) reset() {
	r.b.Reset()
}

func (r *replBuffer) pending() bool {
	return r.b.Len() > 0
}

// replEval runs one statement and prints its value the way an
// interactive interpreter does. Only an exit request is returned.
func replEval(ctx context.Context, session *executor.Session, stmt string, out, errOut io.Writer) error {
	switch strings.TrimSpace(stmt) {
	case "":
		return nil
	case ":globals":
		names, err := session.Globals(ctx)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %v\n", err)
			return nil
		}
		fmt.Fprintln(out, strings.Join(names, " "))
		return nil
	case ":builtins":
		fmt.Fprintln(out, strings.Join(session.Builtins(), " "))
		return nil
	}

	result := session.Exec(ctx, "<repl>", stmt)
	if result.Error != nil {
		var exit *executor.ExitError
		if errors.As(result.Error, &exit) {
			return exit
		}
		fmt.Fprintf(errOut, "Error: %v\n", result.Error)
		return nil
	}
	if !result.Value.IsNull() {
		fmt.Fprintln(out, result.Value.String())
	}
	return nil
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".starbridge_history")
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
	out := cmd.OutOrStdout()
	opts = append(opts,
		executor.WithOutput(out),
		executor.WithExitFunc(func(int) {}),
	)

	session, err := exec.NewSession(opts...)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.Close()

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            primaryPrompt,
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		FuncIsTerminal:    func() bool { return interactive },
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	if interactive {
		fmt.Fprintln(cmd.ErrOrStderr(), "starbridge REPL (type 'exit' to quit, Ctrl+D to exit)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var buf replBuffer
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				buf.reset()
				rl.SetPrompt(primaryPrompt)
				continue
			}
			if errors.Is(err, io.EOF) {
				if buf.pending() {
					stmt, _ := buf.add("")
					if err := replEval(ctx, session, stmt, out, cmd.ErrOrStderr()); err != nil {
						return err
					}
				}
				if interactive {
					fmt.Fprintln(out)
				}
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if !buf.pending() {
			switch strings.TrimSpace(line) {
			case "exit", "quit":
				return nil
			}
		}

		stmt, done := buf.add(line)
		if !done {
			rl.SetPrompt(continuationPrompt)
			continue
		}
		rl.SetPrompt(primaryPrompt)

		if err := replEval(ctx, session, stmt, out, cmd.ErrOrStderr()); err != nil {
			return err
		}
	}
}
