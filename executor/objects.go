package executor

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.starlark.net/starlark"

	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// Function is an interpreter function held by the host. Calling it enters
// the session like any other call, or reuses the chain when ctx came from a
// capsule dispatch.
type Function struct {
	s  *Session
	fn starlark.Callable
}

var (
	_ value.Callable = (*Function)(nil)
	_ value.Instance = (*Function)(nil)
)

func (f *Function) Name() string     { return f.fn.Name() }
func (f *Function) TypeName() string { return f.fn.Type() }
func (f *Function) Methods() []string {
	return []string{"call"}
}

func (f *Function) Call(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	return f.s.callValue(ctx, f.fn, args, kwargs)
}

func (f *Function) Invoke(ctx context.Context, method string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	if method != "call" {
		return value.Null(), errors.NotFound(errors.PhaseHost, fmt.Sprintf("method %s of %s", method, f.fn.Type()))
	}
	return f.Call(ctx, args, kwargs)
}

// Object is an interpreter value with attributes, such as a struct or a
// loaded module. The host reaches its members only by name.
type Object struct {
	s *Session
	v starlark.HasAttrs
}

var _ value.Instance = (*Object)(nil)

func (o *Object) TypeName() string { return o.v.Type() }

// Methods lists the callable attributes.
func (o *Object) Methods() []string {
	var names []string
	for _, name := range o.v.AttrNames() {
		if attr, err := o.v.Attr(name); err == nil {
			if _, ok := attr.(starlark.Callable); ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// Fields lists the attributes that are not callable.
func (o *Object) Fields() []string {
	var names []string
	for _, name := range o.v.AttrNames() {
		if attr, err := o.v.Attr(name); err == nil && attr != nil {
			if _, ok := attr.(starlark.Callable); !ok {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func (o *Object) Invoke(ctx context.Context, method string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	attr, err := o.v.Attr(method)
	if err != nil {
		return value.Null(), err
	}
	if _, ok := attr.(starlark.Callable); !ok {
		return value.Null(), errors.NotFound(errors.PhaseHost, fmt.Sprintf("method %s of %s", method, o.v.Type()))
	}
	return o.s.callValue(ctx, attr, args, kwargs)
}

// Get reads a field.
func (o *Object) Get(ctx context.Context, name string) (value.Value, error) {
	inv, err := o.s.enter(ctx)
	if err != nil {
		return value.Null(), err
	}
	defer inv.exit()

	attr, err := o.v.Attr(name)
	if err != nil {
		return value.Null(), err
	}
	if attr == nil {
		return value.Null(), errors.NotFound(errors.PhaseHost, fmt.Sprintf("field %s of %s", name, o.v.Type()))
	}
	return o.s.toHost(attr)
}

// instanceProxy exposes a host instance to scripts. Its attributes are the
// instance's methods.
type instanceProxy struct {
	s    *Session
	inst value.Instance
}

var _ starlark.HasAttrs = (*instanceProxy)(nil)

func (p *instanceProxy) String() string       { return fmt.Sprintf("<instance %s>", p.inst.TypeName()) }
func (p *instanceProxy) Type() string         { return p.inst.TypeName() }
func (p *instanceProxy) Freeze()              {}
func (p *instanceProxy) Truth() starlark.Bool { return starlark.True }
func (p *instanceProxy) Hash() (uint32, error) {
	return 0, fmt.Errorf("unhashable type: %s", p.inst.TypeName())
}

func (p *instanceProxy) Attr(name string) (starlark.Value, error) {
	if !slices.Contains(p.inst.Methods(), name) {
		return nil, nil
	}
	return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return p.s.dispatch(name, args, kwargs, func(ctx context.Context, hargs []value.Value, hkw map[string]value.Value) (value.Value, error) {
			return p.inst.Invoke(ctx, name, hargs, hkw)
		})
	}), nil
}

func (p *instanceProxy) AttrNames() []string {
	names := slices.Clone(p.inst.Methods())
	sort.Strings(names)
	return names
}
