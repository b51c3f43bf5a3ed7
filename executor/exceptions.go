package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/caffeineduck/starbridge/errors"
)

// Exception is an exception value inside the interpreter. Scripts create
// one with a constructor such as TypeError("msg"), raise it with throw and
// inspect .type, .message and .cause.
type Exception struct {
	env *errors.Envelope
}

var (
	_ starlark.HasAttrs   = (*Exception)(nil)
	_ starlark.Comparable = (*Exception)(nil)
)

func (e *Exception) String() string {
	return e.env.Type + "(" + strconv.Quote(e.env.Message) + ")"
}

func (e *Exception) Type() string         { return e.env.Type }
func (e *Exception) Freeze()              {}
func (e *Exception) Truth() starlark.Bool { return starlark.True }

func (e *Exception) Hash() (uint32, error) {
	return starlark.String(e.env.Error()).Hash()
}

func (e *Exception) Attr(name string) (starlark.Value, error) {
	switch name {
	case "type":
		return starlark.String(e.env.Type), nil
	case "message":
		return starlark.String(e.env.Message), nil
	case "cause":
		if e.env.Cause == nil {
			return starlark.None, nil
		}
		return &Exception{env: e.env.Cause}, nil
	}
	return nil, nil
}

func (e *Exception) AttrNames() []string {
	return []string{"cause", "message", "type"}
}

func (e *Exception) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(*Exception)
	switch op {
	case syntax.EQL:
		return ok && sameEnvelope(e.env, other.env), nil
	case syntax.NEQ:
		return !ok || !sameEnvelope(e.env, other.env), nil
	}
	return false, fmt.Errorf("%s %s %s not implemented", e.Type(), op, y.Type())
}

func sameEnvelope(a, b *errors.Envelope) bool {
	for ; a != nil && b != nil; a, b = a.Cause, b.Cause {
		if a.Type != b.Type || a.Message != b.Message {
			return false
		}
	}
	return a == nil && b == nil
}

// raised is an error carrying an exception through the interpreter. The
// cause is the host error it was translated from, if any.
type raised struct {
	env   *errors.Envelope
	cause error
}

func (r *raised) Error() string { return r.env.Error() }
func (r *raised) Unwrap() error { return r.cause }

type mappingRule struct {
	target error
	tag    string
}

var defaultMappings = []mappingRule{
	{context.DeadlineExceeded, "TimeoutError"},
	{context.Canceled, "CancelledError"},
	{fs.ErrNotExist, "FileNotFoundError"},
	{fs.ErrPermission, "PermissionError"},
	{strconv.ErrSyntax, "ValueError"},
	{strconv.ErrRange, "ValueError"},
	{errors.ErrUnsupportedType, "TypeError"},
	{errors.ErrInvalidInput, "ValueError"},
	{errors.ErrUseAfterDestroy, "RuntimeError"},
	{errors.ErrDoubleDestroy, "RuntimeError"},
}

// raise turns a host error into an interpreter exception. Exit requests and
// errors that already carry an exception pass through.
func (s *Session) raise(err error) error {
	var r *raised
	if stderrors.As(err, &r) || stderrors.Is(err, errors.ErrProcessExit) {
		return err
	}
	return &raised{env: s.exceptionFor(err), cause: err}
}

func (s *Session) exceptionFor(err error) *errors.Envelope {
	for _, m := range s.cfg.errorMappings {
		if stderrors.Is(err, m.target) {
			return &errors.Envelope{Type: m.tag, Message: err.Error()}
		}
	}
	if env, ok := errors.AsEnvelope(err); ok {
		return env
	}
	for _, m := range defaultMappings {
		if stderrors.Is(err, m.target) {
			return &errors.Envelope{Type: m.tag, Message: err.Error()}
		}
	}
	return &errors.Envelope{Type: "RuntimeError", Message: err.Error()}
}

// capture describes an error returned by the interpreter.
func capture(err error) *errors.Envelope {
	var r *raised
	if stderrors.As(err, &r) {
		return r.env
	}

	var se syntax.Error
	if stderrors.As(err, &se) {
		return &errors.Envelope{Type: "SyntaxError", Message: se.Error()}
	}

	var rl resolve.ErrorList
	if stderrors.As(err, &rl) {
		typ := "SyntaxError"
		if len(rl) > 0 && strings.HasPrefix(rl[0].Msg, "undefined:") {
			typ = "NameError"
		}
		return &errors.Envelope{Type: typ, Message: rl.Error()}
	}

	var ee *starlark.EvalError
	if stderrors.As(err, &ee) {
		return &errors.Envelope{Type: classify(ee.Msg), Message: ee.Msg}
	}

	if env, ok := errors.AsEnvelope(err); ok {
		return env
	}
	return &errors.Envelope{Type: "Error", Message: err.Error()}
}

const cancelledPrefix = "Starlark computation cancelled"

var runtimeErrorTypes = []struct {
	fragment string
	typ      string
}{
	{cancelledPrefix, "CancelledError"},
	{"cannot load", "ImportError"},
	{" not in dict", "KeyError"},
	{"not found in", "KeyError"},
	{"out of range", "IndexError"},
	{"division by zero", "ZeroDivisionError"},
	{"modulo by zero", "ZeroDivisionError"},
	{"has no .", "AttributeError"},
	{"called recursively", "RecursionError"},
	{"recursion", "RecursionError"},
	{"unhashable", "TypeError"},
	{"unexpected keyword", "TypeError"},
	{"invalid call", "TypeError"},
	{"missing argument", "TypeError"},
	{"not iterable", "TypeError"},
	{"unknown binary op", "TypeError"},
	{"unsupported", "TypeError"},
	{"got ", "TypeError"},
	{"invalid literal", "ValueError"},
}

func classify(msg string) string {
	if strings.HasPrefix(msg, "fail: ") {
		return "Error"
	}
	for _, t := range runtimeErrorTypes {
		if strings.Contains(msg, t.fragment) {
			return t.typ
		}
	}
	return "Error"
}

var exceptionTypes = []string{
	"Exception",
	"TypeError",
	"ValueError",
	"KeyError",
	"IndexError",
	"RuntimeError",
	"StopIteration",
	"AttributeError",
	"NotImplementedError",
	"TimeoutError",
	"FileNotFoundError",
	"PermissionError",
}

// exceptionConstructor builds TypeError(msg, cause=None) and friends.
func exceptionConstructor(typ string) *starlark.Builtin {
	return starlark.NewBuiltin(typ, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var msg string
		var cause starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message?", &msg, "cause?", &cause); err != nil {
			return nil, err
		}
		env := &errors.Envelope{Type: typ, Message: msg}
		switch c := cause.(type) {
		case starlark.NoneType:
		case *Exception:
			env.Cause = c.env
		default:
			return nil, fmt.Errorf("%s: cause must be an exception, got %s", typ, cause.Type())
		}
		return &Exception{env: env}, nil
	})
}

// throw(exc) raises exc. A string raises a plain Exception.
func throw(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *Exception:
		return nil, &raised{env: x.env}
	case starlark.String:
		return nil, &raised{env: &errors.Envelope{Type: "Exception", Message: string(x)}}
	}
	return nil, fmt.Errorf("throw: want exception, got %s", v.Type())
}

// catch(fn, *args, **kwargs) calls fn and returns (result, None) or
// (None, exception). Exit requests and cancellation are not caught.
func catch(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("catch: missing argument for fn")
	}

	result, err := starlark.Call(thread, args[0], args[1:], kwargs)
	if err == nil {
		return starlark.Tuple{result, starlark.None}, nil
	}
	if stderrors.Is(err, errors.ErrProcessExit) {
		return nil, err
	}

	var perr error
	if pending, ok := thread.Local(localPending).(*pendingError); ok {
		perr = pending.take()
	}
	if perr != nil {
		thread.Uncancel()
		err = perr
	} else if strings.Contains(err.Error(), cancelledPrefix) {
		return nil, err
	}

	return starlark.Tuple{starlark.None, &Exception{env: capture(err)}}, nil
}

// ExitError is returned when a script requested process exit and the exit
// function returned instead of terminating.
type ExitError struct {
	Code int
	err  *errors.Error
}

func (e *ExitError) Error() string { return e.err.Error() }
func (e *ExitError) Unwrap() error { return e.err }

// hostError converts an error out of the interpreter into what the host
// caller sees.
func (inv *invocation) hostError(err error) error {
	cancelled := strings.Contains(err.Error(), cancelledPrefix)
	if perr := inv.pending.take(); perr != nil && cancelled {
		err = perr
		cancelled = strings.Contains(err.Error(), cancelledPrefix)
	}

	var exit *ExitError
	if stderrors.As(err, &exit) {
		return exit
	}

	if ctxErr := inv.ctx.Err(); ctxErr != nil && cancelled {
		typ := "CancelledError"
		if stderrors.Is(ctxErr, context.DeadlineExceeded) {
			typ = "TimeoutError"
		}
		env := &errors.Envelope{Type: typ, Message: ctxErr.Error()}
		return errors.New(errors.PhaseExec, errors.KindPropagated).
			Envelope(env).
			Type(typ).
			Detail("%s", ctxErr.Error()).
			Cause(ctxErr).
			Build()
	}

	out := errors.Propagated(capture(err))
	var r *raised
	if stderrors.As(err, &r) {
		out.Cause = r.cause
	}
	return out
}
