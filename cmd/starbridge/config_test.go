package main

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig([]byte(`
timeout: 2s
max_steps: 1000
kv: true
allow_hosts: [example.com, 10.0.0.1]
mounts:
  - virtual: /data
    host: ./data
  - virtual: /out
    host: ./out
    mode: rwc
module_path: [./lib]
memory: 16mb
http:
  max_body: 4096
serve:
  port: 9090
  session_ttl: 1m
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Timeout != 2*time.Second || cfg.MaxSteps != 1000 || !cfg.KV {
		t.Errorf("unexpected scalars %+v", cfg)
	}
	if len(cfg.Mounts) != 2 || cfg.Mounts[1].Mode != "rwc" {
		t.Errorf("unexpected mounts %+v", cfg.Mounts)
	}
	if cfg.Serve.Port != 9090 || cfg.Serve.SessionTTL != time.Minute {
		t.Errorf("unexpected serve section %+v", cfg.Serve)
	}
}

func TestParseConfigEmpty(t *testing.T) {
	if _, err := parseConfig(nil); err != nil {
		t.Errorf("empty config should be valid: %v", err)
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "colour: blue\n", "field colour not found"},
		{"bad mode", "mounts: [{virtual: /d, host: ., mode: rx}]\n", "Mode"},
		{"relative mount", "mounts: [{virtual: data, host: .}]\n", "Virtual"},
		{"bad host", "allow_hosts: ['not a host']\n", "AllowHosts"},
		{"bad port", "serve: {port: 70000}\n", "Port"},
		{"bad wasm name", "wasm: [{name: 'a-b', path: x.wasm}]\n", "Name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseConfig([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestConfigApplyKeepsExplicitFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	addSessionFlags(cmd)
	if err := cmd.Flags().Parse([]string{"--timeout", "9s"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := parseConfig([]byte("timeout: 1s\nkv: true\nmounts: [{virtual: /d, host: /tmp}]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.apply(cmd.Flags()); err != nil {
		t.Fatalf("apply: %v", err)
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	kv, _ := cmd.Flags().GetBool("kv")
	mounts, _ := cmd.Flags().GetStringSlice("mount")
	if timeout != 9*time.Second {
		t.Errorf("explicit flag overwritten: %v", timeout)
	}
	if !kv {
		t.Error("kv should come from config")
	}
	if len(mounts) != 1 || mounts[0] != "/d:/tmp:ro" {
		t.Errorf("unexpected mounts %v", mounts)
	}
}

func TestReplBuffer(t *testing.T) {
	var buf replBuffer

	if stmt, done := buf.add("x = 1"); !done || stmt != "x = 1" {
		t.Errorf("single line: %q %v", stmt, done)
	}

	lines := []string{"def f(n):", "    return n * 2", ""}
	var stmt string
	var done bool
	for i, line := range lines {
		stmt, done = buf.add(line)
		if done != (i == len(lines)-1) {
			t.Fatalf("line %d: done=%v", i, done)
		}
	}
	if stmt != "def f(n):\n    return n * 2\n" {
		t.Errorf("unexpected block %q", stmt)
	}

	if _, done := buf.add(`y = 1 + \`); done {
		t.Error("backslash should continue")
	}
	if stmt, done := buf.add("2"); done {
		t.Errorf("pending buffer needs a blank line, got %q", stmt)
	}
	if stmt, _ := buf.add(""); stmt != "y = 1 + \n2\n" {
		t.Errorf("unexpected continuation %q", stmt)
	}
}
