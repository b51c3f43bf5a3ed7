// Package hostfunc provides the host capabilities that interpreter code can
// call through capsules.
//
// Every capability is a [Func]: positional and keyword arguments in, one
// bridge value out. The executor wraps each registered Func in a capsule and
// exposes it to scripts under its registered name.
//
// # Registry
//
// The [Registry] holds custom functions alongside the built-ins:
//
//	registry := hostfunc.NewRegistry()
//	registry.Register("greet", func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
//	    return value.String("hello"), nil
//	})
//
// # Built-in Capabilities
//
// HTTP: outbound requests limited to an allow list, via [HTTP] and [HTTPConfig].
//
//	http := hostfunc.NewHTTP(hostfunc.HTTPConfig{
//	    AllowedHosts: []string{"api.example.com"},
//	})
//	registry.Register("http_request", http.Request)
//
// Filesystem: mount-based access via [FS], [Mount], and [MountMode].
//
//	fs := hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/data", HostPath: "./input", Mode: hostfunc.MountReadOnly},
//	})
//	registry.Register("fs_read", fs.Read)
//
// Key-value store: in-memory storage of any plain bridge value via [KV].
//
//	kv := hostfunc.NewKV(hostfunc.DefaultKVConfig())
//	registry.Register("kv_get", kv.Get)
//	registry.Register("kv_set", kv.Set)
//
// WebAssembly: numeric exports of a core wasm module via [WASMModule]. The
// module closes when the last export referencing it is released.
//
// Nothing is reachable unless configured. Paths outside every mount and
// hosts outside the allow list are refused, and every capability has size
// limits.
package hostfunc
