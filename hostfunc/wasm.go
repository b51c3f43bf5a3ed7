package hostfunc

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// WASMModule is an instantiated WebAssembly module whose numeric exports
// are exposed as host functions. The module stays open while any export
// still holds a reference; the last Release closes it.
type WASMModule struct {
	name   string
	module api.Module

	mu     sync.Mutex
	refs   int
	closed bool
}

// LoadWASM compiles and instantiates bin on rt. The caller owns the
// initial reference.
func LoadWASM(ctx context.Context, rt wazero.Runtime, name string, bin []byte) (*WASMModule, error) {
	mod, err := rt.InstantiateWithConfig(ctx, bin, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}
	return &WASMModule{name: name, module: mod, refs: 1}, nil
}

// InstantiateWASM instantiates an already compiled module, so several
// sessions can share one compilation.
func InstantiateWASM(ctx context.Context, rt wazero.Runtime, name string, compiled wazero.CompiledModule) (*WASMModule, error) {
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}
	return &WASMModule{name: name, module: mod, refs: 1}, nil
}

func (m *WASMModule) Name() string {
	return m.name
}

// Exports lists exported functions whose parameters and results are all
// i32, i64, f32 or f64, sorted by name.
func (m *WASMModule) Exports() []string {
	var names []string
	for name, def := range m.module.ExportedFunctionDefinitions() {
		if numeric(def.ParamTypes()) && numeric(def.ResultTypes()) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func numeric(types []api.ValueType) bool {
	for _, t := range types {
		switch t {
		case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		default:
			return false
		}
	}
	return true
}

// Retain adds a reference. It fails once the module has been closed.
func (m *WASMModule) Retain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New(errors.PhaseHost, errors.KindClosed).Detail("wasm module %s", m.name).Build()
	}
	m.refs++
	return nil
}

// Release drops a reference and closes the module when none remain.
func (m *WASMModule) Release(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.refs == 0 {
		m.mu.Unlock()
		return nil
	}
	m.refs--
	last := m.refs == 0
	if last {
		m.closed = true
	}
	m.mu.Unlock()

	if last {
		return m.module.Close(ctx)
	}
	return nil
}

// Func returns a host function calling the named export. Arguments are
// positional; a single result is returned as is, several as a tuple.
func (m *WASMModule) Func(export string) (Func, error) {
	fn := m.module.ExportedFunction(export)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseHost, fmt.Sprintf("wasm export %s.%s", m.name, export))
	}
	def := fn.Definition()
	params, results := def.ParamTypes(), def.ResultTypes()
	if !numeric(params) || !numeric(results) {
		return nil, errors.New(errors.PhaseHost, errors.KindUnsupportedType).
			Detail("wasm export %s.%s has non-numeric signature", m.name, export).
			Build()
	}

	return func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
		if len(kwargs) > 0 {
			return value.Null(), errors.InvalidInput(errors.PhaseHost, "%s takes no keyword arguments", export)
		}
		if len(args) != len(params) {
			return value.Null(), errors.InvalidInput(errors.PhaseHost, "%s takes %d arguments, got %d", export, len(params), len(args))
		}

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return value.Null(), errors.New(errors.PhaseHost, errors.KindClosed).Detail("wasm module %s", m.name).Build()
		}

		stack := make([]uint64, len(args))
		for i, a := range args {
			enc, err := encodeWASM(a, params[i])
			if err != nil {
				return value.Null(), fmt.Errorf("%s argument %d: %w", export, i, err)
			}
			stack[i] = enc
		}

		out, err := fn.Call(ctx, stack...)
		if err != nil {
			return value.Null(), fmt.Errorf("wasm %s.%s: %w", m.name, export, err)
		}

		vals := make([]value.Value, len(out))
		for i, raw := range out {
			vals[i] = decodeWASM(raw, results[i])
		}
		switch len(vals) {
		case 0:
			return value.Null(), nil
		case 1:
			return vals[0], nil
		}
		return value.Tuple(vals...), nil
	}, nil
}

func encodeWASM(v value.Value, t api.ValueType) (uint64, error) {
	switch t {
	case api.ValueTypeI32:
		n, err := v.AsInt()
		if err != nil {
			return 0, err
		}
		if n < math.MinInt32 || n > math.MaxUint32 {
			return 0, errors.InvalidInput(errors.PhaseHost, "%d does not fit in i32", n)
		}
		return api.EncodeU32(uint32(n)), nil
	case api.ValueTypeI64:
		n, err := v.AsInt()
		if err != nil {
			return 0, err
		}
		return api.EncodeI64(n), nil
	case api.ValueTypeF32:
		f, ok := v.Number()
		if !ok {
			return 0, errors.InvalidInput(errors.PhaseHost, "expected number, got %s", v.Kind())
		}
		return api.EncodeF32(float32(f)), nil
	default:
		f, ok := v.Number()
		if !ok {
			return 0, errors.InvalidInput(errors.PhaseHost, "expected number, got %s", v.Kind())
		}
		return api.EncodeF64(f), nil
	}
}

func decodeWASM(raw uint64, t api.ValueType) value.Value {
	switch t {
	case api.ValueTypeI32:
		return value.Int(int64(api.DecodeI32(raw)))
	case api.ValueTypeI64:
		return value.Int(int64(raw))
	case api.ValueTypeF32:
		return value.Float(float64(api.DecodeF32(raw)))
	default:
		return value.Float(api.DecodeF64(raw))
	}
}
