package capsule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// Handle identifies a capsule within its manager. Zero is never issued.
type Handle uint64

// State is a capsule's lifecycle position.
type State uint8

const (
	StateUnknown State = iota
	StateCreated
	StateActive
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

type entry struct {
	name     string
	capsule  Capsule
	state    State
	inflight int
	released bool

	// destroyed is the one-shot flag. Whoever flips it owns the destroy.
	destroyed atomic.Bool
}

// Manager owns every capsule created for one interpreter. Destroyed
// capsules leave a tombstone so late calls report use-after-destroy
// instead of not-found.
type Manager struct {
	mu      sync.Mutex
	entries map[Handle]*entry
	next    Handle
	closed  bool
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{entries: make(map[Handle]*entry)}
}

// Create registers c under a fresh handle in the Created state. On a closed
// manager the capsule is destroyed immediately.
func (m *Manager) Create(name string, c Capsule) Handle {
	m.mu.Lock()
	m.next++
	h := m.next
	e := &entry{name: name, capsule: c, state: StateCreated}
	m.entries[h] = e
	closed := m.closed
	m.mu.Unlock()

	diag.Log("capsule created", zap.Uint64("handle", uint64(h)), zap.String("name", name))
	if closed {
		_ = m.destroy(h, false)
	}
	return h
}

// Activate makes a created capsule invocable.
func (m *Manager) Activate(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[h]
	if !ok {
		return errors.NotFound(errors.PhaseCapsule, fmt.Sprintf("capsule %d", h))
	}
	switch e.state {
	case StateCreated:
		e.state = StateActive
		return nil
	case StateActive:
		return nil
	default:
		return violation(errors.UseAfterDestroy(e.name))
	}
}

// Invoke runs the capsule. Invocations may overlap; a destroy that arrives
// meanwhile waits for the last one to return before releasing pointer data.
func (m *Manager) Invoke(ctx context.Context, h Handle, call PendingCall) (value.Value, error) {
	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		m.mu.Unlock()
		return value.Null(), errors.NotFound(errors.PhaseCapsule, fmt.Sprintf("capsule %d", h))
	}
	switch e.state {
	case StateCreated:
		m.mu.Unlock()
		return value.Null(), errors.New(errors.PhaseCapsule, errors.KindInvalidState).
			Detail("capsule %q invoked before activation", e.name).
			Build()
	case StateDestroyed:
		m.mu.Unlock()
		return value.Null(), violation(errors.UseAfterDestroy(e.name))
	}
	e.inflight++
	c := e.capsule
	m.mu.Unlock()

	defer m.settle(h, e)

	call.PointerData = c.pointerData
	return run(ctx, e.name, c, call)
}

func run(ctx context.Context, name string, c Capsule, call PendingCall) (result value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = value.Null()
			err = errors.New(errors.PhaseCapsule, errors.KindInvalidState).
				Detail("capsule %q panicked: %v", name, r).
				Build()
		}
	}()
	return c.invoke(ctx, call)
}

// settle closes out one invocation and runs a deferred destroy if this was
// the last one in flight.
func (m *Manager) settle(h Handle, e *entry) {
	m.mu.Lock()
	e.inflight--
	release := e.state == StateDestroyed && e.inflight == 0 && !e.released
	if release {
		e.released = true
	}
	m.mu.Unlock()

	if release {
		m.release(h, e)
	}
}

// Destroy releases the capsule exactly once. A second call reports a double
// destroy. It is safe from any goroutine, including GC cleanups.
func (m *Manager) Destroy(h Handle) error {
	return m.destroy(h, true)
}

// Release is Destroy for owners that may lose a race with an explicit
// destroy, such as collector cleanups. A capsule already destroyed is not an
// error.
func (m *Manager) Release(h Handle) error {
	return m.destroy(h, false)
}

// destroy flips the one-shot flag. When strict is false, losing the race is
// not reported.
func (m *Manager) destroy(h Handle, strict bool) error {
	m.mu.Lock()
	e, ok := m.entries[h]
	if !ok {
		m.mu.Unlock()
		return errors.NotFound(errors.PhaseCapsule, fmt.Sprintf("capsule %d", h))
	}
	if !e.destroyed.CompareAndSwap(false, true) {
		m.mu.Unlock()
		if !strict {
			return nil
		}
		return violation(errors.DoubleDestroy(e.name))
	}
	e.state = StateDestroyed
	inflight := e.inflight
	release := inflight == 0
	if release {
		e.released = true
	}
	m.mu.Unlock()

	if release {
		m.release(h, e)
	} else {
		diag.Log("capsule destroy deferred", zap.Uint64("handle", uint64(h)), zap.Int("inflight", inflight))
	}
	return nil
}

func (m *Manager) release(h Handle, e *entry) {
	m.mu.Lock()
	c := e.capsule
	e.capsule = Capsule{}
	m.mu.Unlock()

	diag.Log("capsule destroyed", zap.Uint64("handle", uint64(h)), zap.String("name", e.name))
	if c.destroy == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			diag.Warn("capsule destroy panicked", zap.String("name", e.name), zap.Any("panic", r))
		}
	}()
	c.destroy(c.pointerData)
}

// State reports where h is in its lifecycle.
func (m *Manager) State(h Handle) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[h]; ok {
		return e.state
	}
	return StateUnknown
}

// Name returns the name h was created with.
func (m *Manager) Name(h Handle) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[h]; ok {
		return e.name
	}
	return ""
}

// Active counts capsules that have not been destroyed.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.state != StateDestroyed {
			n++
		}
	}
	return n
}

// Close destroys every live capsule. Capsules created afterwards are
// destroyed on creation.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	live := make([]Handle, 0, len(m.entries))
	for h, e := range m.entries {
		if e.state != StateDestroyed {
			live = append(live, h)
		}
	}
	m.mu.Unlock()

	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	var err error
	for _, h := range live {
		// A GC cleanup may win the race; that is not a failure here.
		err = multierr.Append(err, m.destroy(h, false))
	}
	return err
}

func violation(err *errors.Error) *errors.Error {
	diag.Alert("capsule lifecycle violation", zap.String("kind", string(err.Kind)), zap.String("detail", err.Detail))
	if panicOnViolation {
		panic(err)
	}
	return err
}

// Ref is a host-side reference to a capsule. It satisfies value.Callable,
// so a capsule can be passed around and called like any other function.
type Ref struct {
	m *Manager
	h Handle
}

// Ref returns a callable reference to h.
func (m *Manager) Ref(h Handle) Ref {
	return Ref{m: m, h: h}
}

func (r Ref) Handle() Handle {
	return r.h
}

// Manager returns the manager that owns the capsule.
func (r Ref) Manager() *Manager {
	return r.m
}

// Name implements value.Callable.
func (r Ref) Name() string {
	return r.m.Name(r.h)
}

// Call implements value.Callable. The chain ID is taken from ctx.
func (r Ref) Call(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	id, _ := callctx.FromContext(ctx)
	return r.m.Invoke(ctx, r.h, PendingCall{Args: args, Kwargs: kwargs, Context: id})
}

// Destroy releases the referenced capsule.
func (r Ref) Destroy() error {
	return r.m.Destroy(r.h)
}
