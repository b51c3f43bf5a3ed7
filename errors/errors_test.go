package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "kind only",
			err:  New(PhaseOwner, KindReentrantConflict).Build(),
			want: "[owner] reentrant_owner_conflict",
		},
		{
			name: "type and path",
			err:  UnsupportedType(PhaseDecode, []string{"args", "0"}, "bytearray"),
			want: "[decode] unsupported_type at args.0: type bytearray",
		},
		{
			name: "detail and cause",
			err:  New(PhaseLoad, KindNotFound).Detail("module %q", "basic").Cause(fmt.Errorf("no such file")).Build(),
			want: `[load] not_found: module "basic" (caused by: no such file)`,
		},
		{
			name: "propagated renders envelope",
			err:  Propagated(&Envelope{Type: "TypeError", Message: "basic exception"}),
			want: "TypeError: basic exception",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("invoke: %w", UseAfterDestroy("kv_get"))

	assert.True(t, stderrors.Is(err, ErrUseAfterDestroy))
	assert.False(t, stderrors.Is(err, ErrDoubleDestroy))
	assert.True(t, stderrors.Is(err, &Error{Phase: PhaseCapsule, Kind: KindUseAfterDestroy}))
	assert.False(t, stderrors.Is(err, &Error{Phase: PhaseEncode, Kind: KindUseAfterDestroy}))
}

func TestAsEnvelope(t *testing.T) {
	cause := &Envelope{Type: "KeyError", Message: "missing"}
	err := fmt.Errorf("call: %w", Propagated(&Envelope{Type: "ValueError", Message: "bad", Cause: cause}))

	env, ok := AsEnvelope(err)
	require.True(t, ok)
	assert.Equal(t, "ValueError", env.Type)
	assert.Equal(t, "bad", env.Message)
	assert.Equal(t, "ValueError: bad <- KeyError: missing", env.Error())
	assert.True(t, stderrors.Is(err, ErrPropagated))

	_, ok = AsEnvelope(stderrors.New("plain"))
	assert.False(t, ok)
}
