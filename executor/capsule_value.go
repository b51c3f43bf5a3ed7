package executor

import (
	"context"
	"fmt"
	"runtime"
	"weak"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/capsule"
	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// capsuleValue is the interpreter-side wrapper of a capsule. When the
// collector reclaims it, the capsule is destroyed.
type capsuleValue struct {
	s    *Session
	h    capsule.Handle
	name string
}

var (
	_ starlark.Callable = (*capsuleValue)(nil)
	_ starlark.HasAttrs = (*capsuleValue)(nil)
)

// wrap registers c with the session's manager, activates it, and returns
// the wrapper scripts see.
func (s *Session) wrap(name string, c capsule.Capsule) *capsuleValue {
	h := s.capsules.Create(name, c)
	if err := s.capsules.Activate(h); err != nil {
		diag.Warn("capsule not activated", zap.String("name", name), zap.Error(err))
	}

	return s.track(h, name)
}

// track creates the wrapper for h and arms its collector cleanup.
func (s *Session) track(h capsule.Handle, name string) *capsuleValue {
	w := &capsuleValue{s: s, h: h, name: name}
	s.wmu.Lock()
	s.wrappers[h] = weak.Make(w)
	s.wmu.Unlock()
	runtime.AddCleanup(w, s.reclaim, h)
	return w
}

// CapsuleRef is a capsule handed to the host. It holds the interpreter-side
// wrapper, so the capsule is destroyed only once neither side can reach it.
type CapsuleRef struct {
	w *capsuleValue
}

var _ value.Callable = CapsuleRef{}

func (r CapsuleRef) Name() string { return r.w.name }

func (r CapsuleRef) Handle() capsule.Handle { return r.w.h }

// Call implements value.Callable.
func (r CapsuleRef) Call(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	return r.w.s.capsules.Ref(r.w.h).Call(ctx, args, kwargs)
}

// Destroy releases the capsule now instead of waiting for the collector.
func (r CapsuleRef) Destroy() error {
	return r.w.s.capsules.Destroy(r.w.h)
}

// wrapperFor returns the live wrapper of h, if the collector has not taken it.
func (s *Session) wrapperFor(h capsule.Handle) *capsuleValue {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if wp, ok := s.wrappers[h]; ok {
		return wp.Value()
	}
	return nil
}

// reclaim runs on the cleanup goroutine once a wrapper is unreachable.
func (s *Session) reclaim(h capsule.Handle) {
	s.wmu.Lock()
	if wp, ok := s.wrappers[h]; ok && wp.Value() == nil {
		delete(s.wrappers, h)
	}
	s.wmu.Unlock()

	diag.Log("capsule wrapper collected", zap.Uint64("handle", uint64(h)))
	if err := s.capsules.Release(h); err != nil {
		diag.Warn("capsule release failed", zap.Uint64("handle", uint64(h)), zap.Error(err))
	}
}

func (c *capsuleValue) String() string        { return fmt.Sprintf("<capsule %s>", c.name) }
func (c *capsuleValue) Type() string          { return "capsule" }
func (c *capsuleValue) Freeze()               {}
func (c *capsuleValue) Truth() starlark.Bool  { return starlark.True }
func (c *capsuleValue) Name() string          { return c.name }
func (c *capsuleValue) Hash() (uint32, error) { return uint32(c.h) ^ uint32(c.h>>32), nil }

func (c *capsuleValue) CallInternal(thread *starlark.Thread, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return c.s.dispatch(c.name, args, kwargs, func(ctx context.Context, hargs []value.Value, hkw map[string]value.Value) (value.Value, error) {
		id, _ := callctx.FromContext(ctx)
		return c.s.capsules.Invoke(ctx, c.h, capsule.PendingCall{Args: hargs, Kwargs: hkw, Context: id})
	})
}

func (c *capsuleValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(c.name), nil
	case "handle":
		return starlark.MakeUint64(uint64(c.h)), nil
	case "state":
		return starlark.String(c.s.capsules.State(c.h).String()), nil
	case "destroy":
		return starlark.NewBuiltin("destroy", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
				return nil, err
			}
			if err := c.s.capsules.Destroy(c.h); err != nil {
				return nil, c.s.raise(err)
			}
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}

func (c *capsuleValue) AttrNames() []string {
	return []string{"destroy", "handle", "name", "state"}
}

// SetField rejects assignment; capsules are immutable.
func (c *capsuleValue) SetField(name string, _ starlark.Value) error {
	return fmt.Errorf("capsule %s: cannot assign field %s", c.name, name)
}

// dispatch runs host code for an interpreter call. The chain is marked as
// suspended for the duration so the host may call back into the session.
func (s *Session) dispatch(name string, args starlark.Tuple, kwargs []starlark.Tuple, fn func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error)) (starlark.Value, error) {
	inv := s.current()
	if inv == nil {
		return nil, errors.New(errors.PhaseHost, errors.KindInvalidState).
			Detail("%s called outside an interpreter call", name).
			Build()
	}

	hargs, hkw, err := s.decodeArgs(args, kwargs)
	if err != nil {
		return nil, s.raise(err)
	}

	result, err := s.runHost(inv, name, hargs, hkw, fn)
	if err != nil {
		return nil, s.raise(err)
	}

	out, err := s.toInterpreter(result)
	if err != nil {
		return nil, s.raise(err)
	}
	return out, nil
}

func (s *Session) runHost(inv *invocation, name string, args []value.Value, kwargs map[string]value.Value, fn func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error)) (result value.Value, err error) {
	resume := inv.scope.Suspend()
	defer resume()
	defer func() {
		if r := recover(); r != nil {
			diag.Warn("host call panicked", zap.String("name", name), zap.Any("panic", r))
			result = value.Null()
			err = errors.New(errors.PhaseHost, errors.KindInvalidState).
				Detail("%s panicked: %v", name, r).
				Build()
		}
	}()
	return fn(inv.ctx, args, kwargs)
}
