// Package callctx tracks the logical call chain that currently owns an
// interpreter.
//
// # Overview
//
// An interpreter has a single execution owner. The outermost host call
// acquires it with [Tracker.Enter] and receives a [Scope] whose context
// carries the chain's [ID]. When interpreter code calls back into the host,
// the dispatcher marks the chain as suspended with [Scope.Suspend]; host code
// that calls into the interpreter again with that context enters as a nested
// leg and reuses the ID instead of waiting on an owner its own ancestor holds.
//
//	scope, err := tracker.Enter(ctx)
//	if err != nil {
//	    return err
//	}
//	defer scope.Exit()
//	runInterpreter(scope.Context())
//
// A nested Enter while the chain is actively running interpreter code, for
// example from a goroutine spawned by host code, fails with a reentrant owner
// conflict instead of deadlocking.
package callctx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/caffeineduck/starbridge/errors"
)

// ID identifies one call chain. Zero means no chain.
type ID uint64

type frameKey struct{}

// frame links the chains of every tracker a context has passed through, so
// a call that crosses interpreters can still find its own chain.
type frame struct {
	tracker *Tracker
	id      ID
	parent  *frame
}

func lookup(ctx context.Context, t *Tracker) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	for ; f != nil; f = f.parent {
		if f.tracker == t {
			return f
		}
	}
	return nil
}

// FromContext returns the chain ID carried by ctx, if any.
func FromContext(ctx context.Context) (ID, bool) {
	f, ok := ctx.Value(frameKey{}).(*frame)
	if !ok {
		return 0, false
	}
	return f.id, true
}

// Tracker is one interpreter's execution owner.
type Tracker struct {
	sem     chan struct{}
	current atomic.Uint64
	next    atomic.Uint64

	mu        sync.Mutex
	holder    ID
	depth     int
	suspended bool
}

// NewTracker creates a free tracker.
func NewTracker() *Tracker {
	return &Tracker{sem: make(chan struct{}, 1)}
}

// Current returns the ID of the chain holding the owner, or zero. It never
// blocks.
func (t *Tracker) Current() ID {
	return ID(t.current.Load())
}

// Busy reports whether some chain holds the owner. It never blocks.
func (t *Tracker) Busy() bool {
	return t.current.Load() != 0
}

// Depth returns how many scopes of the current chain are open.
func (t *Tracker) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.depth
}

// Enter acquires the owner for ctx, waiting until it is free or ctx is done.
func (t *Tracker) Enter(ctx context.Context) (*Scope, error) {
	return t.enter(ctx, true)
}

// TryEnter is Enter without waiting. It fails with a reentrant owner
// conflict when another chain holds the owner.
func (t *Tracker) TryEnter(ctx context.Context) (*Scope, error) {
	return t.enter(ctx, false)
}

func (t *Tracker) enter(ctx context.Context, wait bool) (*Scope, error) {
	if s, ok, err := t.reenter(ctx); ok {
		return s, err
	}

	if wait {
		select {
		case t.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, errors.New(errors.PhaseOwner, errors.KindInvalidState).
				Detail("waiting for execution owner").
				Cause(ctx.Err()).
				Build()
		}
	} else {
		select {
		case t.sem <- struct{}{}:
		default:
			return nil, errors.ReentrantConflict(fmt.Sprintf("owner held by chain %d", t.Current()))
		}
	}

	parent, _ := ctx.Value(frameKey{}).(*frame)
	id := ID(t.next.Add(1))
	t.mu.Lock()
	t.holder = id
	t.depth = 1
	t.suspended = false
	t.mu.Unlock()
	t.current.Store(uint64(id))

	return &Scope{
		tracker: t,
		id:      id,
		ctx:     context.WithValue(ctx, frameKey{}, &frame{tracker: t, id: id, parent: parent}),
	}, nil
}

// reenter handles a context that already carries this tracker's frame.
// ok is false when the caller must acquire the owner normally.
func (t *Tracker) reenter(ctx context.Context) (*Scope, bool, error) {
	f := lookup(ctx, t)
	if f == nil {
		return nil, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.holder != f.id {
		// The chain that created this context has finished.
		return nil, false, nil
	}
	if !t.suspended {
		return nil, true, errors.ReentrantConflict(fmt.Sprintf("chain %d is already running interpreter code", f.id))
	}

	t.suspended = false
	t.depth++
	return &Scope{tracker: t, id: f.id, ctx: ctx, nested: true}, true, nil
}

// Scope is one acquisition of the owner, outermost or nested.
type Scope struct {
	tracker *Tracker
	id      ID
	ctx     context.Context
	nested  bool
	once    sync.Once
}

// ID returns the chain ID.
func (s *Scope) ID() ID {
	return s.id
}

// Nested reports whether this scope reused an existing chain.
func (s *Scope) Nested() bool {
	return s.nested
}

// Context returns the context to pass to everything running inside the
// scope, including host code reached through capsules.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Suspend marks the chain as yielded to host code. The returned function
// resumes it; both are no-ops for a scope that no longer holds the owner.
func (s *Scope) Suspend() (resume func()) {
	t := s.tracker
	t.mu.Lock()
	if t.holder == s.id {
		t.suspended = true
	}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		if t.holder == s.id {
			t.suspended = false
		}
		t.mu.Unlock()
	}
}

// Exit releases what Enter acquired. A nested exit hands control back to
// the suspended host leg; the outermost exit frees the owner. Safe to call
// more than once.
func (s *Scope) Exit() {
	s.once.Do(func() {
		t := s.tracker
		t.mu.Lock()
		if t.holder != s.id {
			t.mu.Unlock()
			return
		}
		if s.nested {
			t.depth--
			t.suspended = true
			t.mu.Unlock()
			return
		}
		t.holder = 0
		t.depth = 0
		t.suspended = false
		t.current.Store(0)
		t.mu.Unlock()
		<-t.sem
	})
}
