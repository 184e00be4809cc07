package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aretw0/tessera"
	"github.com/aretw0/tessera/internal/logging"
	"github.com/aretw0/tessera/internal/presentation/graph"
	"github.com/aretw0/tessera/pkg/domain"
	"github.com/aretw0/tessera/pkg/orchestrator"
	"github.com/aretw0/tessera/pkg/runner"
	"github.com/aretw0/tessera/pkg/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Orchestrator is the session API served over HTTP.
type Orchestrator interface {
	StartSession(ctx context.Context, spec session.Spec) (orchestrator.Reply, error)
	EndSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]string, error)
	SubmitIntent(ctx context.Context, id, text string) (orchestrator.Reply, error)
	SubmitResolved(ctx context.Context, id string, intent domain.ResolvedIntent) (orchestrator.Reply, error)
	Confirm(ctx context.Context, id, planID string) (orchestrator.Reply, error)
	Reject(ctx context.Context, id string) (orchestrator.Reply, error)
	Select(ctx context.Context, id, optionID string) (orchestrator.Reply, error)
	Retry(ctx context.Context, id, stepID string) (orchestrator.Reply, error)
	Cancel(ctx context.Context, id, reason string) (orchestrator.Reply, error)
	Inspect(ctx context.Context, id string) (orchestrator.View, error)
	Diff(ctx context.Context, id string, since uint64) ([]domain.GraphOperation, uint64, error)
}

// DefaultKeepAlive is the SSE comment interval that keeps proxies from
// closing idle streams.
const DefaultKeepAlive = 15 * time.Second

// Server serves the session API.
type Server struct {
	Orch      Orchestrator
	Streams   *StreamManager
	metrics   http.Handler
	keepAlive time.Duration
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStreams shares a StreamManager with the sessions' transport factory.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) { s.Streams = sm }
}

// WithMetricsHandler serves h on /metrics. promhttp.Handler() is the default.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithLogger sets the logger. The default writes JSON to stderr.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer builds a Server for orch.
func NewServer(orch Orchestrator, opts ...Option) *Server {
	s := &Server{
		Orch:      orch,
		keepAlive: DefaultKeepAlive,
		logger:    logging.NewWithFormat(os.Stderr, slog.LevelInfo, "json"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.Streams == nil {
		s.Streams = NewStreamManager(WithStreamLogger(s.logger))
	}
	if s.metrics == nil {
		s.metrics = promhttp.Handler()
	}
	return s
}

// NewHandler creates the HTTP handler for orch.
func NewHandler(orch Orchestrator, opts ...Option) http.Handler {
	return enableCORS(NewServer(orch, opts...).Router())
}

// Router mounts every route of the API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", s.GetSpec)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.Post("/", s.StartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.InspectSession)
			r.Delete("/", s.EndSession)
			r.Post("/intents", s.SubmitIntent)
			r.Post("/confirm", s.Confirm)
			r.Post("/reject", s.Reject)
			r.Post("/select", s.Select)
			r.Post("/retry", s.Retry)
			r.Post("/cancel", s.Cancel)
			r.Get("/graph", s.GetGraph)
			r.Get("/graph.mmd", s.GetGraphMermaid)
			r.Get("/events", s.SubscribeEvents)
		})
	})
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// -- Helpers --

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "err", err)
	} else {
		s.logger.Warn("Request refused", "path", r.URL.Path, "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var structural *domain.GraphStructuralError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, domain.ErrMalformedEvent),
		errors.Is(err, runner.ErrInputTooLarge), errors.Is(err, runner.ErrInvalidUTF8):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrVersionTooOld):
		return http.StatusGone
	case errors.Is(err, orchestrator.ErrNoParser):
		return http.StatusNotImplemented
	case errors.Is(err, domain.ErrSessionBusy),
		errors.Is(err, domain.ErrSessionExists),
		errors.Is(err, domain.ErrIllegalTransition),
		errors.Is(err, domain.ErrNoPendingPlan),
		errors.Is(err, domain.ErrPlanMismatch),
		errors.Is(err, domain.ErrNoPendingChoice),
		errors.Is(err, domain.ErrUnknownOption),
		errors.Is(err, domain.ErrRetryNotAllowed):
		return http.StatusConflict
	case errors.As(err, &structural):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("invalid request body")

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	return nil
}

// reply runs an action and writes its Reply. Refused actions still carry
// the session state next to the error.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, rep orchestrator.Reply, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("Action failed", "path", r.URL.Path, "err", err)
		}
		s.writeJSON(w, status, struct {
			Error string `json:"error"`
			orchestrator.Reply
		}{err.Error(), rep})
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// -- Handlers --

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion := "unknown"
	if swagger, err := GetSwagger(); err == nil && swagger.Info != nil {
		apiVersion = swagger.Info.Version
	} else if err != nil {
		s.logger.Error("Failed to load OpenAPI spec", "err", err)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":         "tessera-http",
		"version":     strings.TrimSpace(tessera.Version),
		"api_version": apiVersion,
	})
}

// GetSpec serves the embedded OpenAPI document.
func (s *Server) GetSpec(w http.ResponseWriter, r *http.Request) {
	if _, err := GetSwagger(); err != nil {
		http.Error(w, "Failed to load spec", http.StatusInternalServerError)
		s.logger.Error("Failed to load OpenAPI spec", "err", err)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write(RawSpec())
}

func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Orch.ListSessions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

type startSessionRequest struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	var body startSessionRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Orch.StartSession(r.Context(), session.Spec{ID: body.ID, TenantID: body.TenantID, UserID: body.UserID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("Session started", "session_id", rep.SessionID, "tenant_id", body.TenantID)
	s.writeJSON(w, http.StatusCreated, rep)
}

func (s *Server) InspectSession(w http.ResponseWriter, r *http.Request) {
	v, err := s.Orch.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Orch.EndSession(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.Streams.CloseSession(id)
	w.WriteHeader(http.StatusNoContent)
}

type intentRequest struct {
	Text   string                 `json:"text"`
	Intent *domain.ResolvedIntent `json:"intent"`
}

// SubmitIntent accepts free text for the intent parser or a resolved intent.
func (s *Server) SubmitIntent(w http.ResponseWriter, r *http.Request) {
	var body intentRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if body.Intent != nil {
		if err := required("intent.intent_tag", body.Intent.Tag); err != nil {
			s.writeError(w, r, err)
			return
		}
		rep, err := s.Orch.SubmitResolved(r.Context(), id, *body.Intent)
		s.reply(w, r, rep, err)
		return
	}

	// Sanitize Input (Global Policy)
	text, err := runner.SanitizeInput(strings.TrimSpace(body.Text))
	if err == nil {
		err = required("text", text)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Orch.SubmitIntent(r.Context(), id, text)
	s.reply(w, r, rep, err)
}

func (s *Server) Confirm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlanID string `json:"plan_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := required("plan_id", body.PlanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Orch.Confirm(r.Context(), chi.URLParam(r, "id"), body.PlanID)
	s.reply(w, r, rep, err)
}

func (s *Server) Reject(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Orch.Reject(r.Context(), chi.URLParam(r, "id"))
	s.reply(w, r, rep, err)
}

func (s *Server) Select(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OptionID string `json:"option_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := required("option_id", body.OptionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Orch.Select(r.Context(), chi.URLParam(r, "id"), body.OptionID)
	s.reply(w, r, rep, err)
}

func (s *Server) Retry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StepID string `json:"step_id"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := required("step_id", body.StepID); err != nil {
		s.writeError(w, r, err)
		return
	}
	rep, err := s.Orch.Retry(r.Context(), chi.URLParam(r, "id"), body.StepID)
	s.reply(w, r, rep, err)
}

func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	// The cancel must outlive a client that hangs up right after sending it.
	rep, err := s.Orch.Cancel(context.WithoutCancel(r.Context()), chi.URLParam(r, "id"), body.Reason)
	s.reply(w, r, rep, err)
}

type graphResponse struct {
	Version    uint64                  `json:"version"`
	Full       bool                    `json:"full"`
	Operations []domain.GraphOperation `json:"operations,omitempty"`
	Nodes      []domain.Node           `json:"nodes,omitempty"`
}

// GetGraph returns the operations after ?since=, or the whole graph.
func (s *Server) GetGraph(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	raw := r.URL.Query().Get("since")
	if raw == "" {
		v, err := s.Orch.Inspect(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, graphResponse{Version: v.Version, Full: true, Nodes: v.Nodes})
		return
	}

	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: since must be a version number", errBadRequest))
		return
	}
	ops, version, err := s.Orch.Diff(r.Context(), id, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ops == nil {
		ops = []domain.GraphOperation{}
	}
	s.writeJSON(w, http.StatusOK, graphResponse{Version: version, Operations: ops})
}

// GetGraphMermaid renders the component graph as a Mermaid flowchart, with
// the open confirmation or clarification card in focus.
func (s *Server) GetGraphMermaid(w http.ResponseWriter, r *http.Request) {
	v, err := s.Orch.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	overlay := &graph.GraphOverlay{}
	for _, n := range v.Nodes {
		if n.Type == domain.NodeConfirmationCard || n.Type == domain.NodeClarificationCard {
			overlay.Focus = n.ID
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, graph.GenerateMermaid(v.Nodes, overlay))
}

// SubscribeEvents handles the GET /sessions/{id}/events request (SSE).
func (s *Server) SubscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		s.logger.Error("SubscribeEvents: Streaming not supported")
		return
	}
	id := chi.URLParam(r, "id")
	v, err := s.Orch.Inspect(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ch, cancel := s.Streams.Subscribe(id)
	defer cancel()
	s.logger.Info("SSE: Subscribing to session", "session_id", id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: {\"version\":%d,\"state\":%q}\n\n", v.Version, v.State)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE Client Disconnected", "session_id", id)
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprint(w, "event: resync\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			var head struct {
				Sequence uint64 `json:"sequence"`
			}
			_ = json.Unmarshal(msg, &head)
			fmt.Fprintf(w, "id: %d\nevent: envelope\ndata: %s\n\n", head.Sequence, msg)
			flusher.Flush()
		}
	}
}
