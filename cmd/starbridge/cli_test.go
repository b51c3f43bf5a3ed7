package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caffeineduck/starbridge/executor"
	"github.com/caffeineduck/starbridge/hostfunc"
)

// resetFlags undoes what a previous Execute left behind on the shared
// command tree.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeScript(t *testing.T, name, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCLIHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"starbridge",
		"Starlark",
		"run",
		"repl",
		"serve",
		"check",
		"schema",
		"--debug",
		"--config",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("help output should contain %q", phrase)
		}
	}
}

func TestCLIRunHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--code",
		"--call",
		"--arg",
		"--timeout",
		"--max-steps",
		"--kv",
		"--allow-host",
		"--mount",
		"--module-path",
		"--wasm",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("run help output should contain %q", phrase)
		}
	}
}

func TestCLIReplHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "repl", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--kv",
		"--history",
		"Command history",
		"Line editing",
		"Multi-line",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("repl help output should contain %q", phrase)
		}
	}
}

func TestCLIServeHelp(t *testing.T) {
	output, err := executeCommand(rootCmd, "serve", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedPhrases := []string{
		"--port",
		"--session-ttl",
		"--timeout",
		"/execute",
		"/sessions",
		"/call",
		"/schema",
		"/health",
	}

	for _, phrase := range expectedPhrases {
		if !strings.Contains(output, phrase) {
			t.Errorf("serve help output should contain %q", phrase)
		}
	}
}

func TestCLIRunCode(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--no-cache", "-c", `print("hello " + str(6 * 7))`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if output != "hello 42\n" {
		t.Errorf("expected 'hello 42', got %q", output)
	}
}

func TestCLIRootRunsCode(t *testing.T) {
	output, err := executeCommand(rootCmd, "--no-cache", "-c", `print("root")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "root" {
		t.Errorf("expected 'root', got %q", output)
	}
}

func TestCLIRunFileAndCall(t *testing.T) {
	path := writeScript(t, "lib.star", `
def add(a, b):
    return a + b

def describe(item):
    return "%s x%d" % (item["name"], item["qty"])
`)

	output, err := executeCommand(rootCmd, "run", "--no-cache", path, "--call", "add", "--arg", "40", "--arg", "2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "42" {
		t.Errorf("expected 42, got %q", output)
	}

	output, err = executeCommand(rootCmd, "run", "--no-cache", path, "--call", "describe", "--arg", `{"name": "bolt", "qty": 3}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != `"bolt x3"` {
		t.Errorf("expected \"bolt x3\", got %q", output)
	}
}

func TestCLIRunBadArg(t *testing.T) {
	_, err := executeCommand(rootCmd, "run", "--no-cache", "-c", "x = 1", "--call", "f", "--arg", "{nope")
	if err == nil || !strings.Contains(err.Error(), "--arg") {
		t.Errorf("expected --arg error, got %v", err)
	}
}

func TestCLIRunError(t *testing.T) {
	_, err := executeCommand(rootCmd, "run", "--no-cache", "-c", "1 // 0")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "ZeroDivisionError") {
		t.Errorf("expected ZeroDivisionError, got %v", err)
	}
}

func TestCLIRunExit(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--no-cache", "-c", `print("bye")
exit(3)
print("unreachable")`)

	var exit *executor.ExitError
	if !errors.As(err, &exit) {
		t.Fatalf("expected exit error, got %v", err)
	}
	if exit.Code != 3 {
		t.Errorf("expected code 3, got %d", exit.Code)
	}
	if output != "bye\n" {
		t.Errorf("expected only 'bye', got %q", output)
	}
}

func TestCLIRunWithKV(t *testing.T) {
	output, err := executeCommand(rootCmd, "run", "--no-cache", "--kv", "-c", `kv_set("k", 5)
print(kv_get("k") * 2)`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "10" {
		t.Errorf("expected 10, got %q", output)
	}
}

func TestCLIRunWithModulePath(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "greet.star"), []byte(`def hi(n):
    return "hi " + n
`), 0644); err != nil {
		t.Fatal(err)
	}

	output, err := executeCommand(rootCmd, "run", "--no-cache", "--module-path", dir, "-c", `load("greet", "hi")
print(hi("there"))`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != "hi there" {
		t.Errorf("expected 'hi there', got %q", output)
	}
}

func TestCLIRunInvalidMount(t *testing.T) {
	_, err := executeCommand(rootCmd, "run", "--no-cache", "--mount", "/data:/tmp:xx", "-c", "1")
	if err == nil || !strings.Contains(err.Error(), "invalid mount mode") {
		t.Errorf("expected invalid mount mode, got %v", err)
	}
}

func TestCLICheck(t *testing.T) {
	good := writeScript(t, "good.star", "x = len([1, 2])\n")
	bad := writeScript(t, "bad.star", "y = missing + 1\n")

	output, err := executeCommand(rootCmd, "check", "--no-cache", good)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(output, "good.star: ok") {
		t.Errorf("expected ok line, got %q", output)
	}

	output, err = executeCommand(rootCmd, "check", "--no-cache", good, bad)
	if err == nil {
		t.Fatal("expected check failure")
	}
	if !strings.Contains(output, "NameError") || !strings.Contains(output, "missing") {
		t.Errorf("expected NameError for missing, got %q", output)
	}
}

func TestCLISchema(t *testing.T) {
	output, err := executeCommand(rootCmd, "schema", "kv_set")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, phrase := range []string{`"kv_set"`, `"key"`, `"value"`, `"required"`} {
		if !strings.Contains(output, phrase) {
			t.Errorf("schema output should contain %s", phrase)
		}
	}
	if strings.Contains(output, `"kv_get"`) {
		t.Error("schema output should only describe kv_set")
	}

	if _, err := executeCommand(rootCmd, "schema", "nope"); err == nil {
		t.Error("expected error for unknown function")
	}
}

func TestCLISchemaAllFunctions(t *testing.T) {
	output, err := executeCommand(rootCmd, "schema")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sig := range hostfunc.Signatures() {
		if !strings.Contains(output, `"`+sig.Name+`"`) {
			t.Errorf("schema output should describe %s", sig.Name)
		}
	}
}

func TestReflectSchemaResults(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{"bool", false, "boolean"},
		{"string", "", "string"},
		{"float", 0.0, "number"},
		{"string list", []string{}, "array"},
		{"struct list", []hostfunc.FSEntry{}, "array"},
		{"struct", hostfunc.FSStat{}, "object"},
		{"struct pointer", &hostfunc.FSStat{}, "object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := reflectSchema(tt.v)
			if s == nil {
				t.Fatal("expected a schema")
			}
			if s.Type != tt.want {
				t.Errorf("expected type %q, got %q", tt.want, s.Type)
			}
		})
	}
}

func TestCLIConfigFile(t *testing.T) {
	path := writeScript(t, "starbridge.yaml", "kv: true\ntimeout: 5s\n")

	output, err := executeCommand(rootCmd, "run", "--no-cache", "--config", path, "-c", `kv_set("n", 1)
print(kv_keys())`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(output) != `["n"]` {
		t.Errorf("expected [\"n\"], got %q", output)
	}
}

func TestCLIConfigFileInvalid(t *testing.T) {
	path := writeScript(t, "starbridge.yaml", "memory: 3gb\n")

	_, err := executeCommand(rootCmd, "run", "--no-cache", "--config", path, "-c", "1")
	if err == nil || !strings.Contains(err.Error(), "config validation failed") {
		t.Errorf("expected validation error, got %v", err)
	}
}
