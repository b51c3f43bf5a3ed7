// Package errors defines the structured error type shared by every layer of
// the bridge, plus the envelope used to carry interpreter exceptions across
// the host boundary.
package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the bridge the error occurred
type Phase string

const (
	PhaseEncode  Phase = "encode"  // host to interpreter
	PhaseDecode  Phase = "decode"  // interpreter to host
	PhaseCapsule Phase = "capsule" // capsule lifecycle and dispatch
	PhaseOwner   Phase = "owner"   // execution owner acquisition
	PhaseExec    Phase = "exec"    // interpreter execution
	PhaseLoad    Phase = "load"    // module loading
	PhaseHost    Phase = "host"    // host function registration and calls
)

// Kind categorizes the error
type Kind string

const (
	KindUnsupportedType   Kind = "unsupported_type"
	KindUseAfterDestroy   Kind = "use_after_destroy"
	KindDoubleDestroy     Kind = "double_destroy"
	KindPropagated        Kind = "propagated_interpreter_error"
	KindReentrantConflict Kind = "reentrant_owner_conflict"
	KindProcessExit       Kind = "process_exit_requested"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidState      Kind = "invalid_state"
	KindClosed            Kind = "closed"
)

// Error is the structured error type used throughout the bridge
type Error struct {
	Value    any
	Cause    error
	Envelope *Envelope
	Phase    Phase
	Kind     Kind
	Type     string
	Detail   string
	Path     []string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Kind == KindPropagated && e.Envelope != nil {
		return e.Envelope.Error()
	}

	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Type != "" {
		b.WriteString(": type ")
		b.WriteString(e.Type)
	}

	if e.Detail != "" {
		if e.Type != "" {
			b.WriteString(" - ")
		} else {
			b.WriteString(": ")
		}
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error and the captured envelope, so both
// errors.Is on the cause and AsEnvelope see through a propagated error.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Envelope != nil {
		errs = append(errs, e.Envelope)
	}
	return errs
}

// Is reports whether target matches this error. A target with an empty
// Phase matches any phase.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the value path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Type sets the offending type name
func (b *Builder) Type(t string) *Builder {
	b.err.Type = t
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Envelope attaches a captured interpreter exception
func (b *Builder) Envelope(env *Envelope) *Builder {
	b.err.Envelope = env
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Sentinels for errors.Is. They match on Kind regardless of phase.
var (
	ErrUnsupportedType   = &Error{Kind: KindUnsupportedType}
	ErrUseAfterDestroy   = &Error{Kind: KindUseAfterDestroy}
	ErrDoubleDestroy     = &Error{Kind: KindDoubleDestroy}
	ErrPropagated        = &Error{Kind: KindPropagated}
	ErrReentrantConflict = &Error{Kind: KindReentrantConflict}
	ErrProcessExit       = &Error{Kind: KindProcessExit}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrClosed            = &Error{Kind: KindClosed}
)

// Convenience constructors for common error patterns

// UnsupportedType creates an error for a value kind outside the closed set
func UnsupportedType(phase Phase, path []string, typeName string) *Error {
	return &Error{
		Phase: phase,
		Kind:  KindUnsupportedType,
		Path:  path,
		Type:  typeName,
	}
}

// UseAfterDestroy creates a capsule lifecycle error for an invoke after destroy
func UseAfterDestroy(name string) *Error {
	return &Error{
		Phase:  PhaseCapsule,
		Kind:   KindUseAfterDestroy,
		Detail: fmt.Sprintf("capsule %q invoked after destroy", name),
	}
}

// DoubleDestroy creates a capsule lifecycle error for a repeated destroy
func DoubleDestroy(name string) *Error {
	return &Error{
		Phase:  PhaseCapsule,
		Kind:   KindDoubleDestroy,
		Detail: fmt.Sprintf("capsule %q destroyed twice", name),
	}
}

// ReentrantConflict creates an owner acquisition error
func ReentrantConflict(detail string) *Error {
	return &Error{
		Phase:  PhaseOwner,
		Kind:   KindReentrantConflict,
		Detail: detail,
	}
}

// Propagated wraps a captured interpreter exception for the host caller
func Propagated(env *Envelope) *Error {
	return &Error{
		Phase:    PhaseExec,
		Kind:     KindPropagated,
		Envelope: env,
		Type:     env.Type,
		Detail:   env.Message,
	}
}

// NotFound creates a not found error
func NotFound(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: what + " not found",
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string, args ...any) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: fmt.Sprintf(detail, args...),
	}
}
