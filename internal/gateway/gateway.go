// Package gateway is the HTTP/WebSocket surface over the task-processing
// core: task submission and management, issue feedback, and the real-time
// log/progress stream. It performs no business logic of its own; every
// handler resolves the acting User, asks ShareGuard whether the operation
// is allowed, and delegates to Queue/Store/Reporter/LogBus.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/docreview/docreview/internal/bus"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/governor"
	"github.com/docreview/docreview/internal/logbus"
	"github.com/docreview/docreview/internal/queue"
	"github.com/docreview/docreview/internal/reporter"
	"github.com/docreview/docreview/internal/shareguard"
	"github.com/docreview/docreview/internal/store"
)

// externalUIDHeader carries the caller's stable external identity, already
// authenticated by whatever sits in front of this process (the shared
// AuthToken only proves that front door's legitimacy, not the end user's —
// see DESIGN.md). A request with no header is attributed to an anonymous
// UID, which GetOrCreateUserByExternalUID happily seeds at the default role.
const (
	externalUIDHeader = "X-External-UID"
	displayNameHeader = "X-User-Display-Name"
	userEmailHeader   = "X-User-Email"
	anonymousExternal = "anonymous"
)

// Config holds the Server's collaborators, all already constructed and
// wired by cmd/docreviewd/main.go.
type Config struct {
	Store    *store.Store
	Governor *governor.Governor
	Queue    *queue.Queue
	LogBus   *logbus.LogBus
	Reporter reporter.Reporter
	Guard    *shareguard.Guard
	Bus      *bus.Bus
	Cancel   func(taskID string) bool

	AuthToken       string
	AllowOrigins    []string
	RateLimitPerMin int
	UploadDir       string
	MaxUploadBytes  int64
	DefaultPriority int
	MaxRetries      int

	Logger *slog.Logger
}

// Server is the gateway's http.Handler plus its own lifecycle.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	mux       *http.ServeMux
	rateLimit *RateLimitMiddleware
	schemas   *schemaSet
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 * 1 << 20
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = 5
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		rateLimit: NewRateLimitMiddleware(cfg.RateLimitPerMin),
		schemas:   mustCompileSchemas(),
	}
	s.mux = s.routes()
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /tasks/", s.handleSubmitTask)
	mux.HandleFunc("POST /tasks/batch", s.handleSubmitBatch)
	mux.HandleFunc("GET /tasks/paginated", s.handleListTasks)
	mux.HandleFunc("GET /tasks/statistics", s.handleTaskStatistics)
	mux.HandleFunc("GET /tasks/concurrency-status", s.handleConcurrencyStatus)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{id}/retry", s.handleRetryTask)
	mux.HandleFunc("GET /tasks/{id}/report", s.handleDownloadReport)
	mux.HandleFunc("GET /tasks/{id}/file", s.handleDownloadFile)
	mux.HandleFunc("GET /tasks/{id}/logs/history", s.handleLogHistory)

	mux.HandleFunc("PUT /issues/{id}/feedback", s.handleIssueFeedback)
	mux.HandleFunc("PUT /issues/{id}/satisfaction", s.handleIssueSatisfaction)
	mux.HandleFunc("PUT /issues/{id}/comment", s.handleIssueComment)

	mux.HandleFunc("GET /ws/task/{id}/logs", s.handleTaskLogStream)

	return mux
}

// ServeHTTP wraps the routed mux with auth, CORS, rate limiting, and a
// fixed request-body size cap, outermost first.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	handler := http.Handler(s.mux)
	handler = s.rateLimit.Wrap(handler)
	handler = NewAuthMiddleware(s.cfg.AuthToken).Wrap(handler)
	handler = NewCORSMiddleware(s.cfg.AllowOrigins)(handler)
	handler.ServeHTTP(w, r)
}

// ListenAndServe starts an http.Server bound to addr and blocks until ctx
// is cancelled, at which point it shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Store.CountQueued(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"healthy": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
}

// currentUser resolves the acting User for r, seeding one on first contact
// per the "created on first OAuth login" lifecycle rule.
func (s *Server) currentUser(r *http.Request) (*store.User, error) {
	uid := r.Header.Get(externalUIDHeader)
	if uid == "" {
		uid = anonymousExternal
	}
	return s.cfg.Store.GetOrCreateUserByExternalUID(r.Context(), uid, r.Header.Get(displayNameHeader), r.Header.Get(userEmailHeader))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// apiError is the actionable-reason body returned on rejection: a stable
// code, a human message, and (for ResourceExhausted) the caller's current
// utilization.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := docerr.KindOf(err)
	code := docerr.CodeOf(err)
	status := statusForKind(kind)
	if code == docerr.CodeNotFound {
		status = http.StatusNotFound
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, apiError{Code: code, Message: err.Error()})
}

func statusForKind(kind docerr.Kind) int {
	switch kind {
	case docerr.KindValidation:
		return http.StatusBadRequest
	case docerr.KindAuthorizationDenied:
		return http.StatusForbidden
	case docerr.KindResourceExhausted:
		return http.StatusTooManyRequests
	case docerr.KindShutdown:
		return http.StatusServiceUnavailable
	case docerr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, apiError{Code: docerr.CodeNotFound, Message: "not found"})
}

func rateLimitedErr() error {
	return docerr.New(docerr.KindResourceExhausted, docerr.CodeSystemSaturated, "rate limit exceeded")
}
