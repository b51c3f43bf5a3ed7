package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
	"weak"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/caffeineduck/starbridge/callctx"
	"github.com/caffeineduck/starbridge/capsule"
	"github.com/caffeineduck/starbridge/diag"
	"github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/hostfunc"
	"github.com/caffeineduck/starbridge/value"
)

var ErrSessionClosed = stderrors.New("session closed")

const (
	localSession = "starbridge.session"
	localPending = "starbridge.pending"
)

// Recursion stays disabled: unbounded recursion would overflow the host
// stack instead of failing the call.
var fileOptions = &syntax.FileOptions{
	Set:               true,
	While:             true,
	TopLevelControl:   true,
	GlobalReassign:    true,
	LoadBindsGlobally: true,
}

// Session is one interpreter with persistent globals. It is safe for
// concurrent use; execution is serialized by a single owner that nested
// host-to-interpreter calls share with their outermost call.
type Session struct {
	exec     *Executor
	cfg      sessionConfig
	registry *hostfunc.Registry
	tracker  *callctx.Tracker
	capsules *capsule.Manager
	out      *sessionOutput
	wasm     []*hostfunc.WASMModule

	// predeclared is fixed after NewSession; modules resolve against it.
	predeclared starlark.StringDict

	// Owned by whichever chain holds the tracker.
	globals starlark.StringDict
	modules map[string]*moduleEntry

	wmu      sync.Mutex
	wrappers map[capsule.Handle]weak.Pointer[capsuleValue]

	fmu      sync.Mutex
	thread   *starlark.Thread
	stack    []*invocation
	releases []func()

	mu       sync.Mutex
	closed   bool
	finalize sync.Once
}

// NewSession creates a session with the executor's host functions plus the
// capabilities enabled by opts.
func (e *Executor) NewSession(opts ...SessionOption) (*Session, error) {
	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrExecutorClosed
	}

	registry := hostfunc.NewRegistry()
	for name, fn := range e.registry.All() {
		registry.Register(name, fn)
	}

	s := &Session{
		exec:     e,
		cfg:      cfg,
		registry: registry,
		tracker:  callctx.NewTracker(),
		capsules: capsule.NewManager(),
		out:      newSessionOutput(cfg.output),
		modules:  make(map[string]*moduleEntry),
		wrappers: make(map[capsule.Handle]weak.Pointer[capsuleValue]),
	}

	s.registerHostFunctions()

	wasm, err := e.instantiateWASM(context.Background())
	if err != nil {
		s.capsules.Close()
		return nil, err
	}
	s.wasm = wasm

	if err := s.predeclare(); err != nil {
		s.Close()
		return nil, err
	}

	s.globals = make(starlark.StringDict, len(s.predeclared))
	for name, v := range s.predeclared {
		s.globals[name] = v
	}

	diag.Log("session created", zap.Int("predeclared", len(s.predeclared)))
	return s, nil
}

func (s *Session) registerHostFunctions() {
	s.registry.Register("time_now", func(ctx context.Context, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
		return value.Float(float64(time.Now().UnixNano()) / 1e9), nil
	})

	if s.cfg.kvEnabled {
		kv := s.cfg.kvStore
		if kv == nil {
			kv = hostfunc.NewKV(hostfunc.DefaultKVConfig(), s.cfg.kvOptions...)
		}
		s.registry.Register("kv_get", kv.Get)
		s.registry.Register("kv_set", kv.Set)
		s.registry.Register("kv_delete", kv.Delete)
		s.registry.Register("kv_keys", kv.Keys)
	}

	if len(s.cfg.allowedHosts) > 0 {
		httpHandler := hostfunc.NewHTTP(hostfunc.HTTPConfig{
			AllowedHosts:   s.cfg.allowedHosts,
			MaxURLLength:   s.cfg.httpMaxURLLength,
			MaxBodySize:    s.cfg.httpMaxBodySize,
			RequestTimeout: s.cfg.httpTimeout,
		})
		s.registry.Register("http_request", httpHandler.Request)
		s.registry.Register("http_get", httpHandler.Get)
	}

	if len(s.cfg.mounts) > 0 {
		fs := hostfunc.NewFS(s.cfg.mounts, s.cfg.fsOptions...)
		s.registry.Register("fs_read", fs.Read)
		s.registry.Register("fs_write", fs.Write)
		s.registry.Register("fs_list", fs.List)
		s.registry.Register("fs_exists", fs.Exists)
		s.registry.Register("fs_mkdir", fs.Mkdir)
		s.registry.Register("fs_remove", fs.Remove)
		s.registry.Register("fs_stat", fs.Stat)
	}
}

// predeclare builds everything scripts see before their first statement:
// the bridge builtins, one capsule per host function, and WithGlobal values.
func (s *Session) predeclare() error {
	s.predeclared = s.builtins()

	for name, fn := range s.registry.All() {
		s.predeclared[name] = s.wrap(name, capsule.Func(hostfunc.Callable(name, fn)))
	}

	for _, mod := range s.wasm {
		for _, export := range mod.Exports() {
			fn, err := mod.Func(export)
			if err != nil {
				return err
			}
			if err := mod.Retain(); err != nil {
				return err
			}
			name := "wasm_" + export
			m := mod
			c := capsule.New(m, func(ctx context.Context, call capsule.PendingCall) (value.Value, error) {
				return fn(ctx, call.Args, call.Kwargs)
			}, func(data any) {
				data.(*hostfunc.WASMModule).Release(context.Background())
			})
			s.predeclared[name] = s.wrap(name, c)
		}
	}

	names := make([]string, 0, len(s.cfg.globals))
	for name := range s.cfg.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v, err := value.FromAny(s.cfg.globals[name])
		if err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
		sv, err := s.toInterpreter(v)
		if err != nil {
			return fmt.Errorf("global %s: %w", name, err)
		}
		s.predeclared[name] = sv
	}
	return nil
}

// pendingError carries a failure out of an iterator, whose Next cannot
// return one. The iterator cancels the thread and the entry point swaps the
// cancellation for the stored error.
type pendingError struct {
	mu  sync.Mutex
	err error
}

func (p *pendingError) set(err error) {
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *pendingError) take() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.err
	p.err = nil
	return err
}

// invocation is one entry into the session, outermost or nested.
type invocation struct {
	s         *Session
	scope     *callctx.Scope
	ctx       context.Context
	thread    *starlark.Thread
	pending   *pendingError
	outermost bool
	stop      func() bool
	cancel    context.CancelFunc
}

func (s *Session) newThread() *starlark.Thread {
	th := &starlark.Thread{
		Name: "starbridge",
		Print: func(_ *starlark.Thread, msg string) {
			s.out.WriteLine(msg)
		},
		Load: s.load,
	}
	th.SetLocal(localSession, s)
	th.SetLocal(localPending, &pendingError{})
	if s.cfg.maxSteps > 0 {
		th.SetMaxExecutionSteps(s.cfg.maxSteps)
	}
	return th
}

// enter acquires the execution owner for ctx. A ctx that came from a
// capsule dispatch of this session re-enters the running chain and reuses
// its thread.
func (s *Session) enter(ctx context.Context) (*invocation, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scope, err := s.tracker.Enter(ctx)
	if err != nil {
		return nil, err
	}

	inv := &invocation{s: s, scope: scope, ctx: scope.Context()}

	s.fmu.Lock()
	if scope.Nested() && s.thread != nil {
		inv.thread = s.thread
	} else {
		th := s.newThread()
		s.thread = th
		inv.thread = th
		inv.outermost = true
		s.out.Reset()

		if s.cfg.timeout > 0 {
			inv.ctx, inv.cancel = context.WithTimeout(inv.ctx, s.cfg.timeout)
		}
		runCtx := inv.ctx
		inv.stop = context.AfterFunc(runCtx, func() {
			th.Cancel(context.Cause(runCtx).Error())
		})
	}
	inv.pending = inv.thread.Local(localPending).(*pendingError)
	s.stack = append(s.stack, inv)
	s.fmu.Unlock()

	s.drainReleases()

	diag.Log("owner entered",
		zap.Uint64("context_id", uint64(scope.ID())),
		zap.Bool("nested", scope.Nested()),
		zap.Int("depth", s.tracker.Depth()))
	return inv, nil
}

func (inv *invocation) exit() {
	s := inv.s

	s.fmu.Lock()
	for i := len(s.stack) - 1; i >= 0; i-- {
		if s.stack[i] == inv {
			s.stack = append(s.stack[:i], s.stack[i+1:]...)
			break
		}
	}
	if inv.outermost {
		s.thread = nil
	}
	s.fmu.Unlock()

	if inv.outermost {
		s.drainReleases()
	}

	if inv.stop != nil {
		inv.stop()
	}
	if inv.cancel != nil {
		inv.cancel()
	}
	inv.scope.Exit()
}

// current returns the innermost active invocation, or nil when no chain is
// running interpreter code.
func (s *Session) current() *invocation {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CurrentContextID returns the chain that owns the session, or zero. It
// never blocks.
func (s *Session) CurrentContextID() callctx.ID {
	return s.tracker.Current()
}

// Run executes code against the session globals. If the last statement is
// an expression, its value is returned in Result.Value.
func (s *Session) Run(ctx context.Context, code string) Result {
	return s.Exec(ctx, "<session>", code)
}

// Exec is Run with a filename used in error positions.
func (s *Session) Exec(ctx context.Context, filename, code string) Result {
	start := time.Now()

	inv, err := s.enter(ctx)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}
	defer inv.exit()

	mark := s.out.Len()
	result := Result{}
	result.Value, result.Error = inv.exec(filename, code)
	result.Output = s.out.Since(mark)
	result.Duration = time.Since(start)
	return result
}

func (inv *invocation) exec(filename, code string) (value.Value, error) {
	s := inv.s

	f, err := fileOptions.Parse(filename, code, 0)
	if err != nil {
		return value.Null(), inv.hostError(err)
	}

	var last *syntax.ExprStmt
	if n := len(f.Stmts); n > 0 {
		if stmt, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			last = stmt
			f.Stmts = f.Stmts[:n-1]
		}
	}

	if err := starlark.ExecREPLChunk(f, inv.thread, s.globals); err != nil {
		return value.Null(), inv.hostError(err)
	}
	if last == nil {
		return value.Null(), nil
	}

	v, err := starlark.EvalExprOptions(fileOptions, inv.thread, last.X, s.globals)
	if err != nil {
		return value.Null(), inv.hostError(err)
	}
	return s.toHost(v)
}

// Eval evaluates a single expression.
func (s *Session) Eval(ctx context.Context, expr string) (value.Value, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return value.Null(), err
	}
	defer inv.exit()

	v, err := starlark.EvalOptions(fileOptions, inv.thread, "<eval>", expr, s.globals)
	if err != nil {
		return value.Null(), inv.hostError(err)
	}
	return s.toHost(v)
}

// EvalFile runs a script file against the session globals.
func (s *Session) EvalFile(ctx context.Context, path string) Result {
	src, err := os.ReadFile(path)
	if err != nil {
		return Result{Error: fmt.Errorf("read %s: %w", path, err)}
	}
	return s.Exec(ctx, path, string(src))
}

// Check parses and resolves src against the session's predeclared names
// without running it.
func (s *Session) Check(filename, src string) error {
	_, _, err := starlark.SourceProgramOptions(fileOptions, filename, src, s.predeclared.Has)
	if err != nil {
		return errors.Propagated(capture(err))
	}
	return nil
}

// Call calls the global function name with Go arguments converted through
// value.FromAny.
func (s *Session) Call(ctx context.Context, name string, args ...any) (value.Value, error) {
	vals := make([]value.Value, len(args))
	for i, a := range args {
		v, err := value.FromAny(a)
		if err != nil {
			return value.Null(), fmt.Errorf("argument %d: %w", i, err)
		}
		vals[i] = v
	}
	return s.Invoke(ctx, name, vals, nil)
}

// Invoke calls the global function name with bridge values.
func (s *Session) Invoke(ctx context.Context, name string, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return value.Null(), err
	}
	defer inv.exit()

	fn, ok := s.globals[name]
	if !ok {
		return value.Null(), errors.NotFound(errors.PhaseExec, fmt.Sprintf("function %s", name))
	}
	return inv.call(fn, args, kwargs)
}

// callValue calls an interpreter value from the host.
func (s *Session) callValue(ctx context.Context, fn starlark.Value, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return value.Null(), err
	}
	defer inv.exit()
	return inv.call(fn, args, kwargs)
}

func (inv *invocation) call(fn starlark.Value, args []value.Value, kwargs map[string]value.Value) (value.Value, error) {
	s := inv.s

	sargs := make(starlark.Tuple, len(args))
	for i, a := range args {
		v, err := s.encode(a, []string{fmt.Sprintf("arg%d", i)})
		if err != nil {
			return value.Null(), err
		}
		sargs[i] = v
	}

	skw, err := s.encodeKwargs(kwargs)
	if err != nil {
		return value.Null(), err
	}

	out, err := starlark.Call(inv.thread, fn, sargs, skw)
	if err != nil {
		return value.Null(), inv.hostError(err)
	}
	return s.toHost(out)
}

// AsyncResult is delivered by CallAsync.
type AsyncResult struct {
	Value value.Value
	Error error
}

// CallAsync runs Call on its own goroutine. The call waits for the
// execution owner like any other outermost call.
func (s *Session) CallAsync(ctx context.Context, name string, args ...any) <-chan AsyncResult {
	ch := make(chan AsyncResult, 1)
	go func() {
		v, err := s.Call(ctx, name, args...)
		ch <- AsyncResult{Value: v, Error: err}
	}()
	return ch
}

// Global returns a global variable.
func (s *Session) Global(ctx context.Context, name string) (value.Value, bool, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return value.Null(), false, err
	}
	defer inv.exit()

	v, ok := s.globals[name]
	if !ok {
		return value.Null(), false, nil
	}
	hv, err := s.toHost(v)
	return hv, true, err
}

// SetGlobal assigns a global variable from a Go value.
func (s *Session) SetGlobal(ctx context.Context, name string, v any) error {
	hv, err := value.FromAny(v)
	if err != nil {
		return err
	}

	inv, err := s.enter(ctx)
	if err != nil {
		return err
	}
	defer inv.exit()

	sv, err := s.toInterpreter(hv)
	if err != nil {
		return err
	}
	s.globals[name] = sv
	return nil
}

// Globals lists the names defined by scripts, excluding predeclared ones.
func (s *Session) Globals(ctx context.Context) ([]string, error) {
	inv, err := s.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer inv.exit()

	var names []string
	for name := range s.globals {
		if !s.predeclared.Has(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Builtins lists every predeclared name, sorted.
func (s *Session) Builtins() []string {
	return s.predeclared.Keys()
}

// Capsules reports how many capsules are still alive.
func (s *Session) Capsules() int {
	return s.capsules.Active()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close finalizes the session: it destroys every live capsule, runs the
// exit handler once, and releases WebAssembly instances. Later calls fail
// with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if inv := s.current(); inv != nil {
		inv.thread.Cancel("session closed")
	}

	s.runExitHandler()

	err := s.capsules.Close()
	ctx := context.Background()
	for _, mod := range s.wasm {
		err = multierr.Append(err, mod.Release(ctx))
	}

	diag.Log("session closed")
	return err
}

func (s *Session) runExitHandler() {
	s.finalize.Do(func() {
		if s.cfg.exitHandler != nil {
			s.cfg.exitHandler()
		}
	})
}

// sessionOutput collects printed lines and optionally copies them to w.
type sessionOutput struct {
	buf bytes.Buffer
	w   io.Writer
	mu  sync.Mutex
}

func newSessionOutput(w io.Writer) *sessionOutput {
	return &sessionOutput{w: w}
}

func (o *sessionOutput) WriteLine(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(line)
	o.buf.WriteByte('\n')
	if o.w != nil {
		io.WriteString(o.w, line+"\n")
	}
}

func (o *sessionOutput) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}

// Since returns everything written after mark.
func (o *sessionOutput) Since(mark int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.buf.Bytes()
	if mark > len(b) {
		return ""
	}
	return string(b[mark:])
}

func (o *sessionOutput) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.Reset()
}
