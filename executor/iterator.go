package executor

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"sync"

	"go.starlark.net/starlark"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/value"
)

// Iterate opens a cursor over an interpreter iterable. Lists, tuples and
// ranges get a fresh cursor; a lazy iterable built with iterable(next_fn)
// shares its state with every cursor.
func (s *Session) Iterate(ctx context.Context, v value.Value) (*Iterator, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer inv.exit()

	sv, err := s.toInterpreter(v)
	if err != nil {
		return nil, err
	}
	src, ok := sv.(starlark.Iterable)
	if !ok {
		return nil, errors.New(errors.PhaseDecode, errors.KindUnsupportedType).
			Type(sv.Type()).
			Detail("not iterable").
			Build()
	}
	return &Iterator{s: s, source: src}, nil
}

// Iterator is a host cursor over an interpreter iterable. Each Next runs
// under the execution owner. Once exhausted it stays exhausted.
type Iterator struct {
	s      *Session
	source starlark.Iterable

	mu     sync.Mutex
	it     starlark.Iterator
	done   bool
	closed bool
}

var _ value.Iterator = (*Iterator)(nil)

// Next returns the next element, or false after the last one.
func (it *Iterator) Next(ctx context.Context) (value.Value, bool, error) {
	if it.finished() {
		return value.Null(), false, nil
	}

	// Lock order: owner, then mu.
	inv, err := it.s.enter(ctx)
	if err != nil {
		return value.Null(), false, err
	}
	defer inv.exit()

	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done || it.closed {
		return value.Null(), false, nil
	}

	if it.it == nil {
		it.it = it.source.Iterate()
	}

	var x starlark.Value
	if !it.it.Next(&x) {
		it.finish()
		if perr := inv.pending.take(); perr != nil {
			if inv.ctx.Err() == nil {
				inv.thread.Uncancel()
			}
			return value.Null(), false, inv.hostError(perr)
		}
		return value.Null(), false, nil
	}

	v, err := it.s.toHost(x)
	if err != nil {
		return value.Null(), false, err
	}
	return v, true, nil
}

func (it *Iterator) finished() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.done || it.closed
}

func (it *Iterator) finish() {
	it.done = true
	it.it.Done()
	it.it = nil
}

// All adapts the cursor to a range loop. Iteration stops at the first
// error, which is yielded once; the cursor is closed afterwards.
func (it *Iterator) All(ctx context.Context) iter.Seq2[value.Value, error] {
	return func(yield func(value.Value, error) bool) {
		defer it.Close()
		for {
			v, ok, err := it.Next(ctx)
			if err != nil {
				yield(value.Null(), err)
				return
			}
			if !ok || !yield(v, nil) {
				return
			}
		}
	}
}

// Close releases the interpreter cursor. It never waits for the owner; when
// the owner is busy the release runs as soon as the owner is free.
func (it *Iterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.closed {
		return nil
	}
	it.closed = true
	if it.it != nil {
		cur := it.it
		it.it = nil
		it.s.release(cur.Done)
	}
	return nil
}

// release runs fn under the execution owner: immediately if it is free,
// otherwise when the holder next enters or exits.
func (s *Session) release(fn func()) {
	if scope, err := s.tracker.TryEnter(context.Background()); err == nil {
		fn()
		scope.Exit()
		return
	}
	s.fmu.Lock()
	s.releases = append(s.releases, fn)
	s.fmu.Unlock()
}

// drainReleases runs deferred releases. The caller holds the owner.
func (s *Session) drainReleases() {
	s.fmu.Lock()
	fns := s.releases
	s.releases = nil
	s.fmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// lazyIterable is the interpreter value built by iterable(next_fn). Every
// cursor calls next_fn until it raises StopIteration.
type lazyIterable struct {
	s         *Session
	next      starlark.Callable
	exhausted bool
}

var _ starlark.Iterable = (*lazyIterable)(nil)

func (l *lazyIterable) String() string        { return fmt.Sprintf("<iterable %s>", l.next.Name()) }
func (l *lazyIterable) Type() string          { return "iterable" }
func (l *lazyIterable) Freeze()               {}
func (l *lazyIterable) Truth() starlark.Bool  { return starlark.True }
func (l *lazyIterable) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: iterable") }
func (l *lazyIterable) Iterate() starlark.Iterator {
	return &lazyIterator{src: l}
}

type lazyIterator struct {
	src *lazyIterable
}

func (li *lazyIterator) Next(p *starlark.Value) bool {
	l := li.src
	if l.exhausted {
		return false
	}
	inv := l.s.current()
	if inv == nil {
		return false
	}

	v, err := starlark.Call(inv.thread, l.next, nil, nil)
	if err != nil {
		var r *raised
		if stderrors.As(err, &r) && r.env.Type == "StopIteration" {
			l.exhausted = true
			return false
		}
		abortIteration(inv, err)
		return false
	}
	*p = v
	return true
}

func (li *lazyIterator) Done() {}

// abortIteration stores err for the entry point and stops the thread, since
// starlark.Iterator cannot return an error.
func abortIteration(inv *invocation, err error) {
	diag.Log("iterator failed", zap.Error(err))
	inv.pending.set(err)
	inv.thread.Cancel("iterator failed")
}

func iterableBuiltin(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var next starlark.Callable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &next); err != nil {
		return nil, err
	}
	s, ok := thread.Local(localSession).(*Session)
	if !ok {
		return nil, fmt.Errorf("%s: no session", b.Name())
	}
	return &lazyIterable{s: s, next: next}, nil
}

// hostIterable exposes a host iterator to scripts. It is single pass.
type hostIterable struct {
	s  *Session
	it value.Iterator
}

var _ starlark.Iterable = (*hostIterable)(nil)

func (h *hostIterable) String() string        { return "<iterator>" }
func (h *hostIterable) Type() string          { return "iterator" }
func (h *hostIterable) Freeze()               {}
func (h *hostIterable) Truth() starlark.Bool  { return starlark.True }
func (h *hostIterable) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: iterator") }
func (h *hostIterable) Iterate() starlark.Iterator {
	return &hostIterator{src: h}
}

type hostIterator struct {
	src *hostIterable
}

func (hi *hostIterator) Next(p *starlark.Value) bool {
	s := hi.src.s
	inv := s.current()
	if inv == nil {
		return false
	}

	v, ok, err := s.nextHost(inv, hi.src.it)
	if err != nil {
		abortIteration(inv, s.raise(err))
		return false
	}
	if !ok {
		return false
	}
	sv, err := s.toInterpreter(v)
	if err != nil {
		abortIteration(inv, s.raise(err))
		return false
	}
	*p = sv
	return true
}

func (hi *hostIterator) Done() {}

func (s *Session) nextHost(inv *invocation, it value.Iterator) (v value.Value, ok bool, err error) {
	resume := inv.scope.Suspend()
	defer resume()
	defer func() {
		if r := recover(); r != nil {
			v, ok = value.Null(), false
			err = errors.New(errors.PhaseHost, errors.KindInvalidState).
				Detail("iterator panicked: %v", r).
				Build()
		}
	}()
	return it.Next(inv.ctx)
}
