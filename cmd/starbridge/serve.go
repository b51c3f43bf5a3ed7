package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sberrors "github.com/caffeineduck/starbridge/errors"
	"github.com/caffeineduck/starbridge/executor"
	"github.com/caffeineduck/starbridge/value"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for script execution",
	Long: `Start an HTTP server that provides REST endpoints for script execution.

Endpoints:
  POST   /execute              Execute code (stateless)
  POST   /sessions             Create session, returns {"session_id":"..."}
  POST   /sessions/{id}/exec   Execute in session (state persists)
  POST   /sessions/{id}/call   Call a session global: {"function":"f","args":[1]}
  DELETE /sessions/{id}        Close session
  GET    /schema               JSON Schema of host functions and request bodies
  GET    /health               Health check`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for this long")
	addSessionFlags(serveCmd)

	rootCmd.AddCommand(serveCmd)
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.Mutex
	ttl      time.Duration
	done     chan struct{}
	stop     sync.Once
}

type serverSession struct {
	session  *executor.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		done:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) create(exec *executor.Executor, opts ...executor.SessionOption) (string, error) {
	session, err := exec.NewSession(opts...)
	if err != nil {
		return "", err
	}

	id := generateSessionID()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{
		session:  session,
		lastUsed: time.Now(),
	}
	sm.mu.Unlock()
	return id, nil
}

func (sm *sessionManager) get(id string) (*executor.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

// expire closes every session idle since before now minus the TTL.
func (sm *sessionManager) expire(now time.Time) {
	var idle []*executor.Session
	sm.mu.Lock()
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			idle = append(idle, ss.session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
}

func (sm *sessionManager) closeAll() {
	sm.stop.Do(func() { close(sm.done) })

	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()

	for _, ss := range all {
		ss.session.Close()
	}
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

type executeRequest struct {
	Code    string `json:"code" validate:"required"`
	Timeout string `json:"timeout,omitempty"`
}

type executeResponse struct {
	Output     string            `json:"output"`
	Value      *value.Value      `json:"value,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Exception  *sberrors.Envelope `json:"exception,omitempty"`
}

type createSessionRequest struct {
	KV bool `json:"kv,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionExecRequest struct {
	Code    string `json:"code" validate:"required"`
	Timeout string `json:"timeout,omitempty"`
}

type callRequest struct {
	Function string                     `json:"function" validate:"required"`
	Args     []json.RawMessage          `json:"args,omitempty"`
	Kwargs   map[string]json.RawMessage `json:"kwargs,omitempty"`
	Timeout  string                     `json:"timeout,omitempty"`
}

type callResponse struct {
	Value      *value.Value      `json:"value,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	Error      string            `json:"error,omitempty"`
	Exception  *sberrors.Envelope `json:"exception,omitempty"`
}

type server struct {
	exec     *executor.Executor
	sessions *sessionManager
	opts     []executor.SessionOption
	timeout  time.Duration
	log      *zap.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("POST /sessions/{id}/exec", s.handleSessionExec)
	mux.HandleFunc("POST /sessions/{id}/call", s.handleSessionCall)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /schema", s.handleSchema)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return s.logRequests(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// sessionOptions are the server-wide capabilities plus an exit function
// that never terminates the server process.
func (s *server) sessionOptions(extra ...executor.SessionOption) []executor.SessionOption {
	opts := make([]executor.SessionOption, 0, len(s.opts)+len(extra)+2)
	opts = append(opts, s.opts...)
	opts = append(opts, executor.WithTimeout(s.timeout), executor.WithExitFunc(func(int) {}))
	return append(opts, extra...)
}

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid json: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return err
	}
	return nil
}

func requestContext(r *http.Request, timeout string) (context.Context, context.CancelFunc, error) {
	if timeout == "" {
		return r.Context(), func() {}, nil
	}
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
	}
	ctx, cancel := context.WithTimeout(r.Context(), d)
	return ctx, cancel, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func describeError(err error) (string, *sberrors.Envelope) {
	if err == nil {
		return "", nil
	}
	env, _ := sberrors.AsEnvelope(err)
	return err.Error(), env
}

func executeResponseFor(result executor.Result) executeResponse {
	resp := executeResponse{
		Output:     result.Output,
		DurationMs: result.Duration.Milliseconds(),
	}
	resp.Error, resp.Exception = describeError(result.Error)
	if result.Error == nil {
		v := result.Value
		resp.Value = &v
	}
	return resp
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(r, &req, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := s.sessionOptions()
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid timeout %q", req.Timeout), http.StatusBadRequest)
			return
		}
		opts = append(opts, executor.WithTimeout(d))
	}

	result := s.exec.Run(r.Context(), req.Code, opts...)
	writeJSON(w, http.StatusOK, executeResponseFor(result))
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req, true); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var extra []executor.SessionOption
	if req.KV {
		extra = append(extra, executor.WithKV())
	}

	sessionID, err := s.sessions.create(s.exec, s.sessionOptions(extra...)...)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to create session: %v", err), http.StatusInternalServerError)
		return
	}
	s.log.Debug("session created", zap.String("session_id", sessionID))

	writeJSON(w, http.StatusOK, createSessionResponse{SessionID: sessionID})
}

func (s *server) handleSessionExec(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req sessionExecRequest
	if err := decode(r, &req, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel, err := requestContext(r, req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cancel()

	start := time.Now()
	result := session.Run(ctx, req.Code)
	result.Duration = time.Since(start)
	s.dropIfExited(id, result.Error)

	writeJSON(w, http.StatusOK, executeResponseFor(result))
}

func (s *server) handleSessionCall(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	session, ok := s.sessions.get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req callRequest
	if err := decode(r, &req, false); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	args, err := decodeJSONArgs(req.Args)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	kwargs, err := decodeJSONKwargs(req.Kwargs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel, err := requestContext(r, req.Timeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer cancel()

	start := time.Now()
	v, err := session.Invoke(ctx, req.Function, args, kwargs)
	resp := callResponse{DurationMs: time.Since(start).Milliseconds()}
	resp.Error, resp.Exception = describeError(err)
	if err == nil {
		resp.Value = &v
	}
	s.dropIfExited(id, err)

	writeJSON(w, http.StatusOK, resp)
}

// dropIfExited forgets a session whose script called exit(); it is already
// finalized.
func (s *server) dropIfExited(id string, err error) {
	var exit *executor.ExitError
	if errors.As(err, &exit) {
		s.sessions.close(id)
	}
}

func (s *server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.close(r.PathValue("id")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (s *server) handleSchema(w http.ResponseWriter, r *http.Request) {
	doc, err := buildSchema(r.URL.Query().Get("function"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts, err := buildSessionOpts(cmd)
	if err != nil {
		return err
	}

	exec, err := buildExecutor(cmd)
	if err != nil {
		return err
	}
	defer exec.Close()

	sessions := newSessionManager(ttl)
	defer sessions.closeAll()

	s := &server{
		exec:     exec,
		sessions: sessions,
		opts:     opts,
		timeout:  timeout,
		log:      logger,
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()
	logger.Info("starbridge server listening", zap.String("addr", srv.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Int("sessions", sessions.len()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
