package errors

import (
	stderrors "errors"
	"strings"
)

// Envelope is an exception captured on one side of the boundary: a type tag,
// its message, and an optional nested cause.
type Envelope struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	Cause   *Envelope `json:"cause,omitempty"`
}

// Error renders "Type: message", followed by the cause chain.
func (e *Envelope) Error() string {
	var b strings.Builder
	for env := e; env != nil; env = env.Cause {
		if env != e {
			b.WriteString(" <- ")
		}
		b.WriteString(env.Type)
		if env.Message != "" {
			b.WriteString(": ")
			b.WriteString(env.Message)
		}
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Envelope) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// AsEnvelope finds the first envelope in err's chain.
func AsEnvelope(err error) (*Envelope, bool) {
	var env *Envelope
	if stderrors.As(err, &env) {
		return env, true
	}
	return nil, false
}
