// Package starbridge embeds a sandboxed Starlark interpreter in Go programs
// and moves values, errors and callables across the boundary in both
// directions.
//
// # Overview
//
// Scripts start with zero capabilities. Host functions, filesystem mounts,
// HTTP access, the key-value store and WASM modules must be enabled
// explicitly. Host objects handed to a script travel as capsules whose
// lifetime the host controls.
//
// # Basic Usage
//
//	exec, _ := executor.New(hostfunc.NewRegistry())
//	defer exec.Close()
//
//	// Stateless execution
//	result := exec.Run(ctx, `print("hello")`)
//	fmt.Println(result.Output)
//
//	// Session with persistent globals
//	session, _ := exec.NewSession()
//	session.Run(ctx, `def add(a, b): return a + b`)
//	v, _ := session.Call(ctx, "add", 40, 2) // 42
//
// # Enabling Capabilities
//
//	// HTTP access
//	result := exec.Run(ctx, code,
//	    executor.WithAllowedHosts([]string{"api.example.com"}))
//
//	// Filesystem access
//	result := exec.Run(ctx, code,
//	    executor.WithMount("/data", "./input", hostfunc.MountReadOnly))
//
//	// Key-value store
//	result := exec.Run(ctx, code, executor.WithKV())
//
// See the [executor], [value], [capsule], [errors] and [hostfunc] packages
// for detailed API documentation.
package starbridge
