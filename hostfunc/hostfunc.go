package hostfunc

import (
	"context"
	"sort"
	"sync"

	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// Func is a host function as seen by interpreter code: positional
// arguments plus keyword arguments in, one value out.
type Func func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error)

type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns a snapshot of the registry.
func (r *Registry) All() map[string]Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Func, len(r.funcs))
	for name, fn := range r.funcs {
		out[name] = fn
	}
	return out
}

// Callable adapts fn to value.Callable under the given name.
func Callable(name string, fn Func) value.Callable {
	return value.FuncOf(name, fn)
}

// arg looks up a parameter by position first, then by keyword.
func arg(args []value.Value, kwargs map[string]value.Value, pos int, name string) (value.Value, bool) {
	if pos < len(args) {
		return args[pos], true
	}
	v, ok := kwargs[name]
	return v, ok
}

func stringArg(args []value.Value, kwargs map[string]value.Value, pos int, name string) (string, error) {
	v, ok := arg(args, kwargs, pos, name)
	if !ok || v.IsNull() {
		return "", errors.InvalidInput(errors.PhaseHost, "%s required", name)
	}
	s, err := v.AsString()
	if err != nil {
		return "", errors.InvalidInput(errors.PhaseHost, "%s must be a string, got %s", name, v.Kind())
	}
	return s, nil
}

func optionalString(args []value.Value, kwargs map[string]value.Value, pos int, name, def string) (string, error) {
	v, ok := arg(args, kwargs, pos, name)
	if !ok || v.IsNull() {
		return def, nil
	}
	s, err := v.AsString()
	if err != nil {
		return "", errors.InvalidInput(errors.PhaseHost, "%s must be a string, got %s", name, v.Kind())
	}
	return s, nil
}
