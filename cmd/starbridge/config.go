package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// validate is shared by the config loader and the HTTP handlers.
var validate = validator.New()

// fileConfig mirrors the command line flags. Values set here become flag
// defaults; flags given on the command line still win.
type fileConfig struct {
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSteps   uint64        `yaml:"max_steps"`
	KV         bool          `yaml:"kv"`
	AllowHosts []string      `yaml:"allow_hosts" validate:"dive,hostname_rfc1123|ip"`
	Mounts     []mountConfig `yaml:"mounts" validate:"dive"`
	ModulePath []string      `yaml:"module_path" validate:"dive,required"`
	Memory     string        `yaml:"memory" validate:"omitempty,oneof=1mb 16mb 64mb 256mb"`
	WASM       []wasmConfig  `yaml:"wasm" validate:"dive"`

	HTTP struct {
		MaxURL  int   `yaml:"max_url" validate:"gte=0"`
		MaxBody int64 `yaml:"max_body" validate:"gte=0"`
	} `yaml:"http"`

	FS struct {
		MaxFile  int64 `yaml:"max_file" validate:"gte=0"`
		MaxWrite int64 `yaml:"max_write" validate:"gte=0"`
		MaxPath  int   `yaml:"max_path" validate:"gte=0"`
	} `yaml:"fs"`

	Serve struct {
		Port       int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
		SessionTTL time.Duration `yaml:"session_ttl" validate:"gte=0"`
	} `yaml:"serve"`
}

type mountConfig struct {
	Virtual string `yaml:"virtual" validate:"required,startswith=/"`
	Host    string `yaml:"host" validate:"required"`
	Mode    string `yaml:"mode" validate:"omitempty,oneof=ro rw rwc"`
}

type wasmConfig struct {
	Name string `yaml:"name" validate:"required,alphanum"`
	Path string `yaml:"path" validate:"required"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*fileConfig, error) {
	var cfg fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// apply copies every configured value into flags the user did not set.
// Flags the current command does not define are skipped.
func (c *fileConfig) apply(flags *pflag.FlagSet) error {
	set := func(name, v string) error {
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			return nil
		}
		if err := f.Value.Set(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
		return nil
	}

	var mounts []string
	for _, m := range c.Mounts {
		mode := m.Mode
		if mode == "" {
			mode = "ro"
		}
		mounts = append(mounts, m.Virtual+":"+m.Host+":"+mode)
	}
	var wasm []string
	for _, w := range c.WASM {
		wasm = append(wasm, w.Name+"="+w.Path)
	}

	values := []struct {
		name string
		v    string
		ok   bool
	}{
		{"timeout", c.Timeout.String(), c.Timeout > 0},
		{"max-steps", strconv.FormatUint(c.MaxSteps, 10), c.MaxSteps > 0},
		{"kv", "true", c.KV},
		{"allow-host", strings.Join(c.AllowHosts, ","), len(c.AllowHosts) > 0},
		{"mount", strings.Join(mounts, ","), len(mounts) > 0},
		{"module-path", strings.Join(c.ModulePath, ","), len(c.ModulePath) > 0},
		{"memory", c.Memory, c.Memory != ""},
		{"wasm", strings.Join(wasm, ","), len(wasm) > 0},
		{"http-max-url", strconv.Itoa(c.HTTP.MaxURL), c.HTTP.MaxURL > 0},
		{"http-max-body", strconv.FormatInt(c.HTTP.MaxBody, 10), c.HTTP.MaxBody > 0},
		{"fs-max-file", strconv.FormatInt(c.FS.MaxFile, 10), c.FS.MaxFile > 0},
		{"fs-max-write", strconv.FormatInt(c.FS.MaxWrite, 10), c.FS.MaxWrite > 0},
		{"fs-max-path", strconv.Itoa(c.FS.MaxPath), c.FS.MaxPath > 0},
		{"port", strconv.Itoa(c.Serve.Port), c.Serve.Port > 0},
		{"session-ttl", c.Serve.SessionTTL.String(), c.Serve.SessionTTL > 0},
	}
	for _, item := range values {
		if !item.ok {
			continue
		}
		if err := set(item.name, item.v); err != nil {
			return err
		}
	}
	return nil
}
