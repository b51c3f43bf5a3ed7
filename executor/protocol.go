package executor

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/capsule"
	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

var (
	bridgeOnce   sync.Once
	bridgeModule *starlarkstruct.Module
)

// bridge returns the __bridge module. Its members find their session
// through the calling thread, so one frozen instance serves the process.
func bridge() *starlarkstruct.Module {
	bridgeOnce.Do(func() {
		bridgeModule = &starlarkstruct.Module{
			Name: "__bridge",
			Members: starlark.StringDict{
				"context_id":    starlark.NewBuiltin("context_id", bridgeContextID),
				"invoke":        starlark.NewBuiltin("invoke", bridgeInvoke),
				"destroy":       starlark.NewBuiltin("destroy", bridgeDestroy),
				"debug":         starlark.NewBuiltin("debug", bridgeDebug),
				"debug_enabled": starlark.NewBuiltin("debug_enabled", bridgeDebugEnabled),
				"exit":          starlark.NewBuiltin("exit", bridgeExit),
			},
		}
		bridgeModule.Freeze()
	})
	return bridgeModule
}

// builtins is everything predeclared in a new session besides host
// functions and configured globals.
func (s *Session) builtins() starlark.StringDict {
	b := starlark.StringDict{
		"__bridge":   bridge(),
		"debug":      starlark.NewBuiltin("debug", bridgeDebug),
		"exit":       starlark.NewBuiltin("exit", bridgeExit),
		"coerce_int": starlark.NewBuiltin("coerce_int", coerceInt),
		"iterable":   starlark.NewBuiltin("iterable", iterableBuiltin),
		"throw":      starlark.NewBuiltin("throw", throw),
		"catch":      starlark.NewBuiltin("catch", catch),
		"struct":     starlark.NewBuiltin("struct", starlarkstruct.Make),
		"module":     starlark.NewBuiltin("module", starlarkstruct.MakeModule),
		"time":       startime.Module,
		"json":       json.Module,
		"math":       math.Module,
	}
	for _, typ := range exceptionTypes {
		b[typ] = exceptionConstructor(typ)
	}
	return b
}

func sessionOf(thread *starlark.Thread, name string) (*Session, error) {
	s, ok := thread.Local(localSession).(*Session)
	if !ok {
		return nil, fmt.Errorf("%s: called outside a session", name)
	}
	return s, nil
}

// bridgeContextID returns the chain currently holding the session, as an
// int. Zero means none.
func bridgeContextID(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	s, err := sessionOf(thread, b.Name())
	if err != nil {
		return nil, err
	}
	return starlark.MakeUint64(uint64(s.tracker.Current())), nil
}

// bridgeInvoke(pointer_data, args=(), kwargs=None) invokes a capsule by
// handle through the pending call wire shape.
func bridgeInvoke(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle starlark.Int
	var cargs starlark.Value = starlark.Tuple{}
	var ckw starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "pointer_data", &handle, "args?", &cargs, "kwargs?", &ckw); err != nil {
		return nil, err
	}
	s, err := sessionOf(thread, b.Name())
	if err != nil {
		return nil, err
	}

	return s.dispatch(b.Name(), starlark.Tuple{handle, cargs, ckw}, nil, func(ctx context.Context, hargs []value.Value, _ map[string]value.Value) (value.Value, error) {
		kw := hargs[2]
		if kw.IsNull() {
			kw = value.MustMapping()
		}
		id, _ := callctx.FromContext(ctx)
		h, call, err := capsule.ParseWire(value.Tuple(hargs[1], kw, hargs[0], value.Int(int64(id))))
		if err != nil {
			return value.Null(), err
		}
		return s.capsules.Invoke(ctx, h, call)
	})
}

func bridgeDestroy(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var handle int64
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &handle); err != nil {
		return nil, err
	}
	s, err := sessionOf(thread, b.Name())
	if err != nil {
		return nil, err
	}
	if err := s.capsules.Destroy(capsule.Handle(handle)); err != nil {
		return nil, s.raise(err)
	}
	return starlark.None, nil
}

func bridgeDebug(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var msg string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &msg); err != nil {
		return nil, err
	}
	var id callctx.ID
	if s, ok := thread.Local(localSession).(*Session); ok {
		id = s.tracker.Current()
	}
	diag.Log(msg, zap.Uint64("context_id", uint64(id)), diag.Ticks())
	return starlark.None, nil
}

func bridgeDebugEnabled(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.Bool(diag.Enabled()), nil
}

// bridgeExit(code=0) finalizes the session and hands code to the exit
// function. If that returns, the call fails with a process exit error.
func bridgeExit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	code := 0
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
		return nil, err
	}
	s, err := sessionOf(thread, b.Name())
	if err != nil {
		return nil, err
	}

	diag.Log("process exit requested", zap.Int("code", code))
	if err := s.Close(); err != nil {
		diag.Warn("finalize before exit failed", zap.Error(err))
	}

	exit := s.cfg.exitFunc
	if exit == nil {
		exit = os.Exit
	}
	exit(code)

	return nil, &ExitError{
		Code: code,
		err: errors.New(errors.PhaseExec, errors.KindProcessExit).
			Detail("exit(%d)", code).
			Build(),
	}
}

// coerceInt(s, base=10) parses s as an arbitrary precision integer.
func coerceInt(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var str string
	base := 10
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "s", &str, "base?", &base); err != nil {
		return nil, err
	}
	v, err := value.ParseInt(str, base)
	if err != nil {
		if s, ok := thread.Local(localSession).(*Session); ok {
			return nil, s.raise(err)
		}
		return nil, err
	}
	n, _ := v.AsBigInt()
	return starlark.MakeBigInt(n), nil
}
