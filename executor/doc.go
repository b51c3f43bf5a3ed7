// Package executor embeds a Starlark interpreter and bridges values,
// callables and exceptions between it and Go.
//
// # Overview
//
// An [Executor] holds what sessions share: the host function registry, the
// compiled program cache and the WebAssembly runtime. A [Session] is one
// interpreter with persistent globals. Every call into a session acquires
// its single execution owner; host code reached from a script through a
// capsule may call back into the same session with the context it was
// given, and that nested call reuses the owner instead of deadlocking.
//
// # Basic Usage
//
//	exec, err := executor.New(hostfunc.NewRegistry())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	result := exec.Run(ctx, `print("hello")`)
//	fmt.Println(result.Output)
//
// # Sessions
//
// Sessions maintain state across calls:
//
//	session, err := exec.NewSession()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.Run(ctx, `def add(a, b): return a + b`)
//	sum, err := session.Call(ctx, "add", 40, 2) // 42
//
// # Capsules
//
// Host functions are exposed to scripts as capsules. A capsule is destroyed
// exactly once: when the collector reclaims its interpreter wrapper, when a
// script calls destroy, or when the session closes.
//
// # Capabilities
//
// By default scripts have no access to the filesystem, network or other
// system resources. Enable capabilities explicitly:
//
//	session, _ := exec.NewSession(
//	    executor.WithAllowedHosts([]string{"api.example.com"}),
//	    executor.WithMount("/data", "./input", executor.MountReadOnly),
//	    executor.WithKV(),
//	)
//
// # Exceptions
//
// Script exceptions reach the host as errors of kind
// propagated_interpreter_error. AsEnvelope in the errors package recovers
// the type tag and message. Host errors raised into scripts are tagged
// through the mappings configured with [WithErrorMapping].
package executor
