package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/dispatchkit/backend"
	"github.com/vinayprograms/dispatchkit/logging"
	"github.com/vinayprograms/dispatchkit/stream"
	"github.com/vinayprograms/dispatchkit/taskid"
	"github.com/vinayprograms/dispatchkit/tracker"
)

// Config holds server configuration.
type Config struct {
	// Executors maps a provider hint to its executor.
	Executors map[string]Executor

	// Default runs tasks without a provider hint. Nil means Echo(0).
	Default Executor

	// Retention is how long finished executions stay streamable. Default 5m.
	Retention time.Duration

	// HeartbeatInterval spaces SSE keepalive comments. Default 15s.
	HeartbeatInterval time.Duration

	// MaxMessageSize limits inbound WebSocket frames. Default 64KB.
	MaxMessageSize int64

	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Retention:         5 * time.Minute,
		HeartbeatInterval: 15 * time.Second,
		MaxMessageSize:    64 * 1024,
	}
}

// Server runs submitted tasks and streams their events.
type Server struct {
	cfg      Config
	logger   *logging.Logger
	upgrader *websocket.Upgrader

	mu         sync.Mutex
	executors  map[string]Executor
	executions map[string]*execution
	byTask     map[string]*execution
	closed     bool

	wg sync.WaitGroup
}

// NewServer creates a worker server.
func NewServer(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.Default == nil {
		cfg.Default = Echo(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.WithComponent("worker"),
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		executors:  make(map[string]Executor),
		executions: make(map[string]*execution),
		byTask:     make(map[string]*execution),
	}
	for name, ex := range cfg.Executors {
		s.executors[strings.ToLower(name)] = ex
	}
	return s
}

// Register adds or replaces the executor for a provider hint.
func (s *Server) Register(provider string, ex Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[strings.ToLower(provider)] = ex
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+backend.SubmitPath, s.handleSubmit)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleSSE)
	mux.HandleFunc("GET /v1/executions/{id}/ws", s.handleWebSocket)
	mux.HandleFunc("DELETE /v1/executions/{id}", s.handleCancel)
	return mux
}

// Cancel stops a running execution. It reports false for unknown ids.
func (s *Server) Cancel(executionID string) bool {
	s.mu.Lock()
	ex, ok := s.executions[executionID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	ex.cancel()
	return true
}

// Close cancels every execution and waits for them to finish or ctx to end.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, ex := range s.executions {
		ex.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) executor(provider string) (Executor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if provider == "" {
		return s.cfg.Default, true
	}
	ex, ok := s.executors[strings.ToLower(provider)]
	return ex, ok
}

func (s *Server) lookup(executionID string) (*execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	return ex, ok
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req backend.SubmitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	executor, ok := s.executor(req.Provider)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("no executor for provider %q", req.Provider))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "worker is shutting down")
		return
	}
	if prev, ok := s.byTask[req.TaskID]; ok && !prev.done() {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, fmt.Sprintf("task %s is already running as %s", req.TaskID, prev.id))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ex := newExecution(taskid.New(), req, cancel)
	s.executions[ex.id] = ex
	s.byTask[req.TaskID] = ex
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Info("execution_accepted", map[string]interface{}{
		"task":      req.TaskID,
		"execution": ex.id,
		"provider":  req.Provider,
	})
	go s.run(ctx, ex, executor)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(backend.SubmitResponse{ExecutionID: ex.id})
}

// run executes the task and records its events.
func (s *Server) run(ctx context.Context, ex *execution, executor Executor) {
	defer s.wg.Done()
	defer ex.cancel()

	start := time.Now()
	ex.append(stream.Connected{ExecutionID: ex.id})
	ex.append(stream.Status{Text: "accepted", State: tracker.StatusPending})
	ex.append(stream.Status{Text: "running", State: tracker.StatusProcessing})

	output, err := s.execute(ctx, ex, executor)
	switch {
	case ctx.Err() != nil:
		ex.append(stream.Failure{Message: "execution canceled"})
	case err != nil:
		ex.append(stream.Failure{Message: err.Error()})
	default:
		ex.append(stream.Result{Output: output, DurationMs: time.Since(start).Milliseconds()})
	}
	ex.append(stream.End{})
	ex.finish()

	fields := map[string]interface{}{
		"task":        ex.req.TaskID,
		"execution":   ex.id,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("execution_failed", fields)
	} else {
		s.logger.Info("execution_completed", fields)
	}

	time.AfterFunc(s.cfg.Retention, func() {
		s.mu.Lock()
		delete(s.executions, ex.id)
		if s.byTask[ex.req.TaskID] == ex {
			delete(s.byTask, ex.req.TaskID)
		}
		s.mu.Unlock()
	})
}

func (s *Server) execute(ctx context.Context, ex *execution, executor Executor) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return executor.Execute(ctx, ex.req, ex)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	events := ex.follow(r.Context())
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := stream.WriteSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", map[string]interface{}{
			"execution": ex.id,
			"error":     err.Error(),
		})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only for control frames and disconnect detection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for ev := range ex.follow(ctx) {
		f, err := stream.NewFrame(ev)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(f); err != nil {
			return
		}
	}
	if ctx.Err() == nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(backend.ErrorResponse{Error: msg})
}

// execution is one task run and its append-only event log.
type execution struct {
	id     string
	req    backend.SubmitRequest
	cancel context.CancelFunc

	mu       sync.Mutex
	log      []stream.Event
	finished bool
	wake     chan struct{}
}

func newExecution(id string, req backend.SubmitRequest, cancel context.CancelFunc) *execution {
	return &execution{
		id:     id,
		req:    req,
		cancel: cancel,
		wake:   make(chan struct{}),
	}
}

// Status implements Emitter.
func (e *execution) Status(text string) {
	e.append(stream.Status{Text: text})
}

// Chunk implements Emitter.
func (e *execution) Chunk(text string) {
	if text == "" {
		return
	}
	e.append(stream.Chunk{Text: text})
}

func (e *execution) append(ev stream.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.log = append(e.log, ev)
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *execution) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished = true
	close(e.wake)
	e.wake = make(chan struct{})
}

func (e *execution) done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished
}

// next returns event i, a channel closed when it may become available,
// or io.EOF once the log is exhausted.
func (e *execution) next(i int) (stream.Event, <-chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < len(e.log) {
		return e.log[i], nil, nil
	}
	if e.finished {
		return nil, nil, io.EOF
	}
	return nil, e.wake, nil
}

// follow replays the log from the start and then tails it until the
// execution finishes or ctx ends.
func (e *execution) follow(ctx context.Context) <-chan stream.Event {
	out := make(chan stream.Event)
	go func() {
		defer close(out)
		for i := 0; ; {
			ev, wait, err := e.next(i)
			if err != nil {
				return
			}
			if wait != nil {
				select {
				case <-ctx.Done():
					return
				case <-wait:
				}
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
				i++
			}
		}
	}()
	return out
}
