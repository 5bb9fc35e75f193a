// Package api serves the read-only HTTP view of specs, instances and
// unroutable events, plus event submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dimfeld/httptreemux/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/taskorch/pkg/config"
	"github.com/openfroyo/taskorch/pkg/stores"
	"github.com/openfroyo/taskorch/pkg/task"
	"github.com/openfroyo/taskorch/pkg/telemetry"
)

// SpanName names the server span of every request.
const SpanName = "taskorch.api"

const defaultPageSize = 100

// Store is the read side the API needs from the persistence layer.
type Store interface {
	ListAllSpecs(ctx context.Context) ([]*task.Spec, error)
	FindInstanceByID(ctx context.Context, id string) (task.Instance, bool, error)
	ListRoots(ctx context.Context, statuses []task.Status, limit, offset int) ([]task.Instance, error)
	ListUnroutable(ctx context.Context, limit, offset int) ([]stores.UnroutableRecord, error)
	HealthCheck(ctx context.Context) error
}

// EventSink accepts submitted events.
type EventSink func(ctx context.Context, event task.Event) error

// Server is the HTTP API.
type Server struct {
	router  *httptreemux.ContextMux
	store   Store
	sink    EventSink
	metrics *telemetry.Metrics
	tracer  trace.TracerProvider
	logger  zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithEventSink enables POST /api/events.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithMetrics serves metrics on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracerProvider sets the provider for request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger.With().Str("component", "api").Logger() }
}

// NewServer creates the API over store.
func NewServer(store Store, opts ...Option) *Server {
	s := &Server{
		router: httptreemux.NewContextMux(),
		store:  store,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.NotFoundHandler = func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	}

	s.route(http.MethodGet, "/healthz", s.handleHealth)
	s.route(http.MethodGet, "/api/specs", s.handleListSpecs)
	s.route(http.MethodGet, "/api/specs/:id", s.handleGetSpec)
	s.route(http.MethodGet, "/api/instances", s.handleListInstances)
	s.route(http.MethodGet, "/api/instances/:id", s.handleGetInstance)
	s.route(http.MethodGet, "/api/unroutable", s.handleListUnroutable)
	if s.sink != nil {
		s.route(http.MethodPost, "/api/events", s.handleSubmitEvent)
	}
	if s.metrics != nil {
		s.router.Handle(http.MethodGet, "/metrics", s.metrics.Handler().ServeHTTP)
	}

	return s
}

// route registers h and tags the request span with the matched route.
func (s *Server) route(method, path string, h http.HandlerFunc) {
	s.router.Handle(method, path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if data := httptreemux.ContextData(r.Context()); data != nil {
			span := trace.SpanFromContext(r.Context())
			span.SetAttributes(attribute.String("http.route", data.Route()))
			for k, v := range data.Params() {
				span.SetAttributes(attribute.String("http.route_param."+k, v))
			}
		}
		h(w, r)
	}))
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	opts := []otelhttp.Option{
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	}
	if s.tracer != nil {
		opts = append(opts, otelhttp.WithTracerProvider(s.tracer))
	}
	return otelhttp.NewHandler(s.router, SpanName, opts...)
}

// ListenAndServe serves on addr until ctx is done, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSpecs(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListAllSpecs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	defs := make([]config.SpecDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, config.FromSpec(spec))
	}
	writeJSON(w, http.StatusOK, config.SpecFile{Specs: defs})
}

func (s *Server) handleGetSpec(w http.ResponseWriter, r *http.Request) {
	id := httptreemux.ContextParams(r.Context())["id"]
	specs, err := s.store.ListAllSpecs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	for _, spec := range specs {
		if spec.ID == id {
			writeJSON(w, http.StatusOK, config.FromSpec(spec))
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("spec not found: %s", id))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var statuses []task.Status
	for _, raw := range r.URL.Query()["status"] {
		st := task.Status(raw)
		if err := st.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		statuses = append(statuses, st)
	}

	roots, err := s.store.ListRoots(r.Context(), statuses, limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roots)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := httptreemux.ContextParams(r.Context())["id"]
	inst, ok, err := s.store.FindInstanceByID(r.Context(), id)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("instance not found: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleListUnroutable(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	records, err := s.store.ListUnroutable(r.Context(), limit, offset)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var event task.Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid event: %w", err))
		return
	}
	if event.ID == "" {
		event.ID = task.NewEvent(event.Type, nil).ID
	}
	if err := event.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	op := telemetry.StartOperation(r.Context(), "api.submit_event", attribute.String("event_type", event.Type))
	err := s.sink(op.Ctx, event)
	op.End(err)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"eventId": event.ID})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	writeError(w, http.StatusInternalServerError, err)
}

func paging(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, fmt.Errorf("invalid limit: %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("invalid offset: %q", v)
		}
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
