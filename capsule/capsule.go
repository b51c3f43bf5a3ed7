// Package capsule manages opaque callable handles that let interpreter code
// call back into host functions. Each capsule is destroyed exactly once, no
// matter how many goroutines race to release it.
package capsule

import (
	"context"
	"fmt"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// InvokeFunc runs one call of a capsule.
type InvokeFunc func(ctx context.Context, call PendingCall) (value.Value, error)

// DestroyFunc releases the capsule's pointer data.
type DestroyFunc func(pointerData any)

// Capsule is the immutable triple behind a handle. Fields are only settable
// through New.
type Capsule struct {
	pointerData any
	invoke      InvokeFunc
	destroy     DestroyFunc
}

// New builds a capsule. destroy may be nil when pointerData needs no release.
func New(pointerData any, invoke InvokeFunc, destroy DestroyFunc) Capsule {
	return Capsule{pointerData: pointerData, invoke: invoke, destroy: destroy}
}

// Func wraps a plain value.Callable as a capsule with no pointer data.
func Func(fn value.Callable) Capsule {
	return New(fn, func(ctx context.Context, call PendingCall) (value.Value, error) {
		return fn.Call(ctx, call.Args, call.Kwargs)
	}, nil)
}

func (c Capsule) PointerData() any {
	return c.pointerData
}

// PendingCall is what an invocation receives.
type PendingCall struct {
	Args        []value.Value
	Kwargs      map[string]value.Value
	PointerData any
	Context     callctx.ID
}

// Wire renders the call in its interchange shape:
// (args, kwargs, pointer_data, context_id). The handle stands in for the
// pointer data, which never leaves the host.
func (p PendingCall) Wire(h Handle) (value.Value, error) {
	entries := make([]value.Entry, 0, len(p.Kwargs))
	for k, v := range p.Kwargs {
		entries = append(entries, value.KV(value.String(k), v))
	}
	kwargs, err := value.Mapping(entries...)
	if err != nil {
		return value.Null(), err
	}
	return value.Tuple(
		value.List(p.Args...),
		kwargs,
		value.Int(int64(h)),
		value.Int(int64(p.Context)),
	), nil
}

// ParseWire is the inverse of Wire. PointerData is left for the manager to
// fill in from the handle.
func ParseWire(v value.Value) (Handle, PendingCall, error) {
	items, err := v.Items()
	if err != nil || v.Kind() != value.KindTuple || len(items) != 4 {
		return 0, PendingCall{}, errors.InvalidInput(errors.PhaseCapsule, "pending call must be a 4-tuple, got %s", v.Kind())
	}

	args, err := items[0].Items()
	if err != nil {
		return 0, PendingCall{}, fmt.Errorf("pending call args: %w", err)
	}
	entries, err := items[1].Entries()
	if err != nil {
		return 0, PendingCall{}, fmt.Errorf("pending call kwargs: %w", err)
	}
	kwargs := make(map[string]value.Value, len(entries))
	for _, e := range entries {
		k, err := e.Key.AsString()
		if err != nil {
			return 0, PendingCall{}, fmt.Errorf("pending call kwargs: %w", err)
		}
		kwargs[k] = e.Value
	}
	h, err := items[2].AsInt()
	if err != nil {
		return 0, PendingCall{}, fmt.Errorf("pending call handle: %w", err)
	}
	id, err := items[3].AsInt()
	if err != nil {
		return 0, PendingCall{}, fmt.Errorf("pending call context: %w", err)
	}

	return Handle(h), PendingCall{Args: args, Kwargs: kwargs, Context: callctx.ID(id)}, nil
}
