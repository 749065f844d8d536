// Package gateway exposes the chat loop, task REST API and task event feed
// over HTTP.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/todo-chat/internal/bus"
	"github.com/basket/todo-chat/internal/config"
	"github.com/basket/todo-chat/internal/engine"
	"github.com/basket/todo-chat/internal/otel"
	"github.com/basket/todo-chat/internal/persistence"
	"github.com/basket/todo-chat/internal/shared"
)

const requestIDHeader = "X-Request-ID"

type Config struct {
	Store        *persistence.Store
	Orchestrator *engine.Orchestrator
	Bus          *bus.Bus
	Auth         *Authenticator
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *Metrics // created when nil

	// HistoryLimit bounds the messages reloaded for each chat turn.
	HistoryLimit    int
	MaxMessageChars int
	MaxRequestBytes int64
	CORS            config.CORSConfig

	// ConfigFingerprint is read on every health check so reloads show up.
	ConfigFingerprint func() string
	Version           string
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(cfg.Bus)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = config.DefaultMaxMessageChars
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		metrics: cfg.Metrics,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/{user_id}/chat", s.owned(s.handleChat))
	mux.Handle("POST /api/{user_id}/chat/stream", s.owned(s.handleChatStream))

	mux.Handle("GET /api/{user_id}/tasks", s.owned(s.handleListTasks))
	mux.Handle("POST /api/{user_id}/tasks", s.owned(s.handleCreateTask))
	mux.Handle("GET /api/{user_id}/tasks/{task_id}", s.owned(s.handleGetTask))
	mux.Handle("PATCH /api/{user_id}/tasks/{task_id}", s.owned(s.handleUpdateTask))
	mux.Handle("DELETE /api/{user_id}/tasks/{task_id}", s.owned(s.handleDeleteTask))
	mux.Handle("POST /api/{user_id}/tasks/{task_id}/complete", s.owned(s.handleCompleteTask))

	mux.Handle("GET /api/{user_id}/conversations", s.owned(s.handleListConversations))
	mux.Handle("GET /api/{user_id}/conversations/{conversation_id}/messages", s.owned(s.handleListMessages))

	mux.Handle("GET /api/{user_id}/events", s.owned(s.handleEvents))

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = s.requestContext(h)
	return h
}

// requestContext assigns a request id, opens the server span and logs the
// finished request.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if reqID == "" || len(reqID) > 128 {
			reqID = shared.NewRequestID()
		}
		w.Header().Set(requestIDHeader, reqID)

		ctx := shared.WithRequestID(r.Context(), reqID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path,
			otel.AttrRequestID.String(reqID),
			attribute.String("http.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "http request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// owned authenticates the caller and requires the token subject to match
// the {user_id} path segment.
func (s *Server) owned(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("user_id")
		if s.cfg.Auth == nil {
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		subject, err := s.cfg.Auth.Verify(ExtractBearer(r))
		if err != nil {
			s.logger.Warn("authentication failed", "request_id", shared.RequestID(r.Context()), "path", r.URL.Path, "error", err)
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !ValidUserID(owner) || subject != owner {
			s.logger.Warn("token subject does not match path owner", "request_id", shared.RequestID(r.Context()), "path", r.URL.Path)
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrOwner.String(owner))
		h(w, r.WithContext(shared.WithOwner(r.Context(), owner)))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store != nil && s.cfg.Store.Ping(ctx) == nil
	fingerprint := ""
	if s.cfg.ConfigFingerprint != nil {
		fingerprint = s.cfg.ConfigFingerprint()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": fingerprint,
		"version":            s.cfg.Version,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg, RequestID: shared.RequestID(r.Context())})
}

// storeError maps a store failure to a response without leaking its text.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, persistence.ErrNotFound) {
		s.writeError(w, r, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("store failure", append(shared.LogAttrs(r.Context()), "op", what, "error", err)...)
	s.writeError(w, r, http.StatusInternalServerError, "internal error")
}

// decodeBody decodes a JSON body into dst, answering the request itself on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "request body must be a JSON object")
		return false
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response status while still exposing the
// streaming and hijacking interfaces of the underlying writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
