package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.starlark.net/starlark"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/hostfunc"
	"github.com/caffeineduck/starbridge/value"
)

var ErrExecutorClosed = errors.New("executor closed")

// Result holds the outcome of one Run or Exec.
type Result struct {
	Value    value.Value
	Output   string
	Duration time.Duration
	Error    error
}

// Executor holds what sessions share: the host function registry, the
// compiled program cache and the WebAssembly runtime.
type Executor struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled map[string]wazero.CompiledModule
	wasm     []string
	programs map[string]*starlark.Program
	registry *hostfunc.Registry
	mu       sync.RWMutex
	closed   bool
}

// New creates an Executor with the given host function registry.
func New(registry *hostfunc.Registry, opts ...ExecutorOption) (*Executor, error) {
	cfg := defaultExecutorConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		if cache != nil {
			cache.Close(ctx)
		}
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	if registry == nil {
		registry = hostfunc.NewRegistry()
	}

	e := &Executor{
		runtime:  rt,
		cache:    cache,
		compiled: make(map[string]wazero.CompiledModule),
		programs: make(map[string]*starlark.Program),
		registry: registry,
	}

	for _, src := range cfg.wasmModules {
		if err := e.compileWASM(ctx, src); err != nil {
			e.Close()
			return nil, err
		}
	}

	return e, nil
}

func (e *Executor) compileWASM(ctx context.Context, src wasmSource) error {
	if _, dup := e.compiled[src.name]; dup {
		return fmt.Errorf("wasm module %s registered twice", src.name)
	}
	compiled, err := e.runtime.CompileModule(ctx, src.bin)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", src.name, err)
	}
	e.compiled[src.name] = compiled
	e.wasm = append(e.wasm, src.name)
	diag.Log("wasm module compiled", zap.String("module", src.name))
	return nil
}

// Registry returns the host functions every session starts with.
func (e *Executor) Registry() *hostfunc.Registry {
	return e.registry
}

// Run executes code in a fresh session and closes it.
func (e *Executor) Run(ctx context.Context, code string, opts ...SessionOption) Result {
	start := time.Now()

	s, err := e.NewSession(opts...)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	result := s.Run(ctx, code)
	if err := s.Close(); err != nil && result.Error == nil {
		result.Error = err
	}
	result.Duration = time.Since(start)
	return result
}

// Check parses and resolves src against the builtins a session created
// with opts would have, without running it.
func (e *Executor) Check(filename, src string, opts ...SessionOption) error {
	s, err := e.NewSession(opts...)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Check(filename, src)
}

// program returns a cached compiled program. The key covers the source
// and the predeclared names it was resolved against.
func (e *Executor) program(filename, src string, predeclared starlark.StringDict) (*starlark.Program, error) {
	names := predeclared.Keys()
	sort.Strings(names)
	sum := sha256.Sum256([]byte(src + "\x00" + strings.Join(names, "\x00")))
	key := filename + ":" + hex.EncodeToString(sum[:])

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrExecutorClosed
	}
	if prog, ok := e.programs[key]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	_, prog, err := starlark.SourceProgramOptions(fileOptions, filename, src, predeclared.Has)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.programs[key]; ok {
		return cached, nil
	}
	e.programs[key] = prog
	return prog, nil
}

// instantiateWASM gives a session its own instance of every compiled module.
func (e *Executor) instantiateWASM(ctx context.Context) ([]*hostfunc.WASMModule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}

	mods := make([]*hostfunc.WASMModule, 0, len(e.wasm))
	for _, name := range e.wasm {
		mod, err := hostfunc.InstantiateWASM(ctx, e.runtime, name, e.compiled[name])
		if err != nil {
			for _, m := range mods {
				m.Release(ctx)
			}
			return nil, err
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

// Close releases all resources held by the Executor.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	ctx := context.Background()

	err := e.runtime.Close(ctx)
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(ctx))
	}
	e.programs = nil
	return err
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "starbridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "starbridge")
	}
	return filepath.Join(os.TempDir(), "starbridge-cache")
}
