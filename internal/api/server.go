package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siterag/internal/config"
	"github.com/JakeFAU/siterag/internal/id/uuid"
	"github.com/JakeFAU/siterag/internal/logging"
	"github.com/JakeFAU/siterag/internal/metrics"
	"github.com/JakeFAU/siterag/internal/query"
	"github.com/JakeFAU/siterag/internal/rag"
	"github.com/JakeFAU/siterag/internal/session"
)

// Sessions is the part of the session manager the API reads and writes.
type Sessions interface {
	Create(ctx context.Context, req session.CreateRequest) (string, error)
	Get(ctx context.Context, id string) (rag.SessionMetadata, error)
	List() []rag.SessionMetadata
	Touch(ctx context.Context, id string) (rag.SessionMetadata, error)
	Transition(ctx context.Context, id string, to rag.Status, opts ...session.Field) (rag.SessionMetadata, error)
}

// Submitter enqueues background work.
type Submitter interface {
	Submit(ctx context.Context, sessionID string, kind rag.TaskKind) error
}

// EmbedStarter claims a scraped session and embeds it in the background.
type EmbedStarter interface {
	Start(ctx context.Context, sessionID string) error
}

// Asker answers questions against a ready session.
type Asker interface {
	Ask(ctx context.Context, req query.Request) (rag.Answer, error)
}

// Canceler signals the in-flight task of a session.
type Canceler interface {
	Cancel(sessionID string) bool
}

// Deps are the collaborators behind the HTTP handlers.
type Deps struct {
	Sessions Sessions
	Tasks    Submitter
	Embed    EmbedStarter
	Query    Asker
	Registry Canceler
	// Ready reports whether downstream dependencies can serve traffic.
	// A nil Ready always passes.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the session pipelines.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

const (
	defaultRequestTimeout = 60 * time.Second
	enqueueTimeout        = 5 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.New()))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.createSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Head("/", s.touchSession)
				r.Post("/embed", s.embedSession)
				r.Post("/cancel", s.cancelSession)
				r.Post("/query", s.querySession)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the server, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type requestIDGenerator interface {
	NewV4ID() (string, error)
}

func requestIDMiddleware(ids requestIDGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				if id, err := ids.NewV4ID(); err == nil {
					reqID = id
				}
			}
			if reqID != "" {
				w.Header().Set("X-Request-ID", reqID)
				r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("request_id", RequestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error", rag.KindInfrastructure)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

// errorBody is the payload of every non-2xx response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, code rag.Kind) {
	writeJSON(w, status, errorBody{Error: msg, Code: string(code)})
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(kind rag.Kind) int {
	switch kind {
	case rag.KindValidation:
		return http.StatusBadRequest
	case rag.KindNotFound:
		return http.StatusNotFound
	case rag.KindInvalidTransition, rag.KindConflict, rag.KindNotReady:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeKindError classifies err and writes the matching response. Internal
// details of infrastructure failures are logged, not returned.
func (s *Server) writeKindError(w http.ResponseWriter, r *http.Request, err error) {
	kind := rag.KindOf(err)
	status := statusFor(kind)
	msg := rag.UserMessage(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeError(w, status, msg, kind)
}
