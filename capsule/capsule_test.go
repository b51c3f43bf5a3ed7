package capsule

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

type counter struct {
	calls     atomic.Int64
	destroyed atomic.Int64
}

func (c *counter) capsule() Capsule {
	return New(c, func(ctx context.Context, call PendingCall) (value.Value, error) {
		n := call.PointerData.(*counter).calls.Add(1)
		return value.Int(n), nil
	}, func(data any) {
		data.(*counter).destroyed.Add(1)
	})
}

func newActive(t *testing.T, m *Manager, name string, c Capsule) Handle {
	t.Helper()
	h := m.Create(name, c)
	require.NoError(t, m.Activate(h))
	return h
}

func TestInvokeReturnsIndependentResults(t *testing.T) {
	m := NewManager()
	c := &counter{}
	h := newActive(t, m, "count", c.capsule())

	for i := int64(1); i <= 5; i++ {
		got, err := m.Invoke(context.Background(), h, PendingCall{})
		require.NoError(t, err)
		n, _ := got.AsInt()
		assert.Equal(t, i, n)
	}
	assert.EqualValues(t, 0, c.destroyed.Load())
}

func TestInvokeBeforeActivate(t *testing.T) {
	m := NewManager()
	h := m.Create("idle", (&counter{}).capsule())
	assert.Equal(t, StateCreated, m.State(h))

	_, err := m.Invoke(context.Background(), h, PendingCall{})
	assert.True(t, stderrors.Is(err, errors.ErrInvalidState))
}

func TestUnknownHandle(t *testing.T) {
	m := NewManager()
	_, err := m.Invoke(context.Background(), 42, PendingCall{})
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
	assert.True(t, stderrors.Is(m.Destroy(42), errors.ErrNotFound))
	assert.Equal(t, StateUnknown, m.State(42))
}

func TestUseAfterDestroy(t *testing.T) {
	m := NewManager()
	c := &counter{}
	h := newActive(t, m, "gone", c.capsule())

	require.NoError(t, m.Destroy(h))
	assert.Equal(t, StateDestroyed, m.State(h))
	assert.EqualValues(t, 1, c.destroyed.Load())

	_, err := m.Invoke(context.Background(), h, PendingCall{})
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrUseAfterDestroy))
	assert.Contains(t, err.Error(), `"gone"`)

	err = m.Destroy(h)
	assert.True(t, stderrors.Is(err, errors.ErrDoubleDestroy))
	assert.EqualValues(t, 1, c.destroyed.Load())
}

func TestConcurrentDestroyRunsOnce(t *testing.T) {
	m := NewManager()
	c := &counter{}
	h := newActive(t, m, "race", c.capsule())

	const n = 32
	var wg sync.WaitGroup
	var ok, doubles atomic.Int64
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := m.Destroy(h)
			switch {
			case err == nil:
				ok.Add(1)
			case stderrors.Is(err, errors.ErrDoubleDestroy):
				doubles.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, doubles.Load())
	assert.EqualValues(t, 1, c.destroyed.Load())
}

func TestDestroyWaitsForInflightCalls(t *testing.T) {
	m := NewManager()

	type resource struct{ open bool }
	res := &resource{open: true}
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var destroyed atomic.Bool

	h := newActive(t, m, "slow", New(res, func(ctx context.Context, call PendingCall) (value.Value, error) {
		close(entered)
		<-proceed
		return value.Bool(call.PointerData.(*resource).open), nil
	}, func(data any) {
		data.(*resource).open = false
		destroyed.Store(true)
	}))

	result := make(chan value.Value, 1)
	go func() {
		v, _ := m.Invoke(context.Background(), h, PendingCall{})
		result <- v
	}()
	<-entered

	require.NoError(t, m.Destroy(h))
	assert.False(t, destroyed.Load(), "destroy ran while a call was in flight")

	_, err := m.Invoke(context.Background(), h, PendingCall{})
	assert.True(t, stderrors.Is(err, errors.ErrUseAfterDestroy))

	close(proceed)
	v := <-result
	assert.True(t, value.Equal(value.Bool(true), v), "pointer data released early")
	require.Eventually(t, destroyed.Load, time.Second, 5*time.Millisecond)
}

func TestPanicBecomesError(t *testing.T) {
	m := NewManager()
	h := newActive(t, m, "boom", New(nil, func(ctx context.Context, call PendingCall) (value.Value, error) {
		panic("kaboom")
	}, nil))

	_, err := m.Invoke(context.Background(), h, PendingCall{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The capsule stays usable and destroyable after a panic.
	assert.Equal(t, StateActive, m.State(h))
	assert.NoError(t, m.Destroy(h))
}

func TestCloseDestroysLiveCapsules(t *testing.T) {
	m := NewManager()
	a, b := &counter{}, &counter{}
	ha := newActive(t, m, "a", a.capsule())
	newActive(t, m, "b", b.capsule())
	require.NoError(t, m.Destroy(ha))
	assert.Equal(t, 1, m.Active())

	require.NoError(t, m.Close())
	assert.Equal(t, 0, m.Active())
	assert.EqualValues(t, 1, a.destroyed.Load())
	assert.EqualValues(t, 1, b.destroyed.Load())

	late := &counter{}
	h := m.Create("late", late.capsule())
	assert.Equal(t, StateDestroyed, m.State(h))
	assert.EqualValues(t, 1, late.destroyed.Load())
}

func TestRefCarriesCallContext(t *testing.T) {
	m := NewManager()
	var seen callctx.ID
	h := newActive(t, m, "ctx", New(nil, func(ctx context.Context, call PendingCall) (value.Value, error) {
		seen = call.Context
		return value.Int(int64(len(call.Args) + len(call.Kwargs))), nil
	}, nil))
	ref := m.Ref(h)

	tr := callctx.NewTracker()
	scope, err := tr.Enter(context.Background())
	require.NoError(t, err)
	defer scope.Exit()

	var fn value.Callable = ref
	got, err := fn.Call(scope.Context(), []value.Value{value.Int(1)}, map[string]value.Value{"k": value.Null()})
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Int(2), got))
	assert.Equal(t, scope.ID(), seen)
	assert.Equal(t, "ctx", ref.Name())

	require.NoError(t, ref.Destroy())
	_, err = fn.Call(context.Background(), nil, nil)
	assert.True(t, stderrors.Is(err, errors.ErrUseAfterDestroy))
}

func TestFuncCapsule(t *testing.T) {
	m := NewManager()
	add := value.FuncOf("add", func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
		a, _ := args[0].AsInt()
		b, _ := args[1].AsInt()
		return value.Int(a + b), nil
	})
	h := newActive(t, m, "add", Func(add))

	got, err := m.Invoke(context.Background(), h, PendingCall{Args: []value.Value{value.Int(2), value.Int(40)}})
	require.NoError(t, err)
	assert.True(t, value.Equal(value.Int(42), got))
}

func TestPendingCallWire(t *testing.T) {
	call := PendingCall{
		Args:    []value.Value{value.Int(1), value.String("two")},
		Kwargs:  map[string]value.Value{"flag": value.Bool(true)},
		Context: 7,
	}
	wire, err := call.Wire(3)
	require.NoError(t, err)
	assert.Equal(t, value.KindTuple, wire.Kind())
	assert.Equal(t, 4, wire.Len())

	h, back, err := ParseWire(wire)
	require.NoError(t, err)
	assert.Equal(t, Handle(3), h)
	assert.Equal(t, callctx.ID(7), back.Context)
	assert.True(t, value.Equal(value.List(call.Args...), value.List(back.Args...)))
	assert.True(t, value.Equal(value.Bool(true), back.Kwargs["flag"]))

	_, _, err = ParseWire(value.List(value.Int(1)))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidInput))
}
