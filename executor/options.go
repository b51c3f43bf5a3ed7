package executor

import (
	"io"
	"time"

	"github.com/caffeineduck/starbridge/hostfunc"
)

// SessionOption configures a session, or a single Executor.Run.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	timeout  time.Duration
	maxSteps uint64
	output   io.Writer
	globals  map[string]any

	allowedHosts     []string
	httpMaxURLLength int
	httpMaxBodySize  int64
	httpTimeout      time.Duration

	mounts    []hostfunc.Mount
	fsOptions []hostfunc.FSOption

	kvEnabled bool
	kvStore   *hostfunc.KV
	kvOptions []hostfunc.KVOption

	modules    map[string]string
	modulePath []string

	errorMappings []mappingRule
	exitHandler   func()
	exitFunc      func(code int)
}

func defaultSessionConfig() sessionConfig {
	return sessionConfig{
		globals: make(map[string]any),
		modules: make(map[string]string),
	}
}

// WithTimeout bounds every outermost call into the session. Zero, the
// default, means no limit.
func WithTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.timeout = d
	}
}

// WithMaxSteps cancels an outermost call after n interpreter steps.
func WithMaxSteps(n uint64) SessionOption {
	return func(c *sessionConfig) {
		c.maxSteps = n
	}
}

// WithOutput copies everything the script prints to w, in addition to
// Result.Output.
func WithOutput(w io.Writer) SessionOption {
	return func(c *sessionConfig) {
		c.output = w
	}
}

// WithGlobal predeclares name with a Go value converted through
// value.FromAny. Functions become capsules.
func WithGlobal(name string, v any) SessionOption {
	return func(c *sessionConfig) {
		c.globals[name] = v
	}
}

// WithAllowedHosts sets the list of hosts that HTTP requests can access.
func WithAllowedHosts(hosts []string) SessionOption {
	return func(c *sessionConfig) {
		c.allowedHosts = hosts
	}
}

func WithHTTPTimeout(d time.Duration) SessionOption {
	return func(c *sessionConfig) {
		c.httpTimeout = d
	}
}

// WithHTTPMaxURLLength sets the maximum URL length for HTTP requests.
func WithHTTPMaxURLLength(size int) SessionOption {
	return func(c *sessionConfig) {
		c.httpMaxURLLength = size
	}
}

// WithHTTPMaxBodySize sets the maximum body size for HTTP requests and responses.
func WithHTTPMaxBodySize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.httpMaxBodySize = size
	}
}

// Mount permission modes (re-exported from hostfunc for convenience).
const (
	MountReadOnly        = hostfunc.MountReadOnly
	MountReadWrite       = hostfunc.MountReadWrite
	MountReadWriteCreate = hostfunc.MountReadWriteCreate
)

// WithMount adds a filesystem mount point with the specified permissions.
// The virtual path is what scripts see; host path is the actual location.
//
//	executor.WithMount("/data", "./input", executor.MountReadOnly)
//	executor.WithMount("/workspace", "./work", executor.MountReadWriteCreate)
func WithMount(virtualPath, hostPath string, mode hostfunc.MountMode) SessionOption {
	return func(c *sessionConfig) {
		c.mounts = append(c.mounts, hostfunc.Mount{
			VirtualPath: virtualPath,
			HostPath:    hostPath,
			Mode:        mode,
		})
	}
}

// WithFSMaxFileSize sets the maximum file size for read operations.
func WithFSMaxFileSize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxFileSize(size))
	}
}

// WithFSMaxWriteSize sets the maximum content size for write operations.
func WithFSMaxWriteSize(size int64) SessionOption {
	return func(c *sessionConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxWriteSize(size))
	}
}

func WithFSMaxPathLength(length int) SessionOption {
	return func(c *sessionConfig) {
		c.fsOptions = append(c.fsOptions, hostfunc.WithMaxPathLength(length))
	}
}

// WithKV enables a key-value store private to the session.
func WithKV() SessionOption {
	return func(c *sessionConfig) {
		c.kvEnabled = true
	}
}

// WithKVStore shares kv with the session, so data outlives it.
func WithKVStore(kv *hostfunc.KV) SessionOption {
	return func(c *sessionConfig) {
		c.kvEnabled = true
		c.kvStore = kv
	}
}

// WithKVMaxKeySize sets the maximum key size for KV store operations.
func WithKVMaxKeySize(size int) SessionOption {
	return func(c *sessionConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxKeySize(size))
	}
}

// WithKVMaxValueSize sets the maximum value size for KV store operations.
func WithKVMaxValueSize(size int) SessionOption {
	return func(c *sessionConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxValueSize(size))
	}
}

// WithKVMaxEntries sets the maximum number of entries in the KV store.
func WithKVMaxEntries(n int) SessionOption {
	return func(c *sessionConfig) {
		c.kvOptions = append(c.kvOptions, hostfunc.WithMaxEntries(n))
	}
}

// WithModule registers source for load(name) and Import(name).
func WithModule(name, src string) SessionOption {
	return func(c *sessionConfig) {
		c.modules[name] = src
	}
}

// WithModulePath adds directories searched for <name>.star when a module
// is not registered with WithModule.
func WithModulePath(dirs ...string) SessionOption {
	return func(c *sessionConfig) {
		c.modulePath = append(c.modulePath, dirs...)
	}
}

// WithErrorMapping raises host errors matching target (errors.Is) as
// exceptions of the given type inside scripts. Custom mappings are checked
// before the defaults.
func WithErrorMapping(target error, exceptionType string) SessionOption {
	return func(c *sessionConfig) {
		c.errorMappings = append(c.errorMappings, mappingRule{target: target, tag: exceptionType})
	}
}

// WithExitHandler runs fn once when the session is finalized, either by
// Close or by a script calling exit().
func WithExitHandler(fn func()) SessionOption {
	return func(c *sessionConfig) {
		c.exitHandler = fn
	}
}

// WithExitFunc replaces os.Exit for script exit requests. If fn returns,
// the request surfaces as a process exit error instead.
func WithExitFunc(fn func(code int)) SessionOption {
	return func(c *sessionConfig) {
		c.exitFunc = fn
	}
}

// ExecutorOption configures the Executor at creation time.
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	wasmModules      []wasmSource
}

type wasmSource struct {
	name string
	bin  []byte
}

func defaultExecutorConfig() executorConfig {
	return executorConfig{}
}

// WithDiskCache enables a persistent compilation cache for WebAssembly
// modules. Optionally provide a custom directory; otherwise uses
// ~/.cache/starbridge or XDG_CACHE_HOME/starbridge.
func WithDiskCache(dir ...string) ExecutorOption {
	return func(c *executorConfig) {
		c.diskCache = true
		if len(dir) > 0 {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the linear memory of every WebAssembly module.
func WithMemoryLimit(pages uint32) ExecutorOption {
	return func(c *executorConfig) {
		c.memoryLimitPages = pages
	}
}

// Memory limit presets for WithMemoryLimit.
const (
	MemoryLimit1MB   uint32 = 16   // 16 pages * 64KB = 1MB
	MemoryLimit16MB  uint32 = 256  // 256 pages * 64KB = 16MB
	MemoryLimit64MB  uint32 = 1024 // 1024 pages * 64KB = 64MB
	MemoryLimit256MB uint32 = 4096 // 4096 pages * 64KB = 256MB
)

// WithWASMModule compiles bin once at startup. Every session instantiates
// it and exposes its numeric exports as wasm_<export> capsules.
func WithWASMModule(name string, bin []byte) ExecutorOption {
	return func(c *executorConfig) {
		c.wasmModules = append(c.wasmModules, wasmSource{name: name, bin: bin})
	}
}
