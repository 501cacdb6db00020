// Package httpapi exposes the engine's control surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/petrijr/delaywatch/pkg/api"
)

// Records reads what runs leave behind: event history and execution rows.
type Records interface {
	api.HistoryReader
	Executions(ctx context.Context, deliveryID string) ([]*api.WorkflowExecution, error)
}

// Config wires a Server. Engine is required. Async, when set, serves
// requests made with ?async=true by enqueueing them instead of calling the
// engine directly. Records and Metrics enable their routes.
type Config struct {
	Engine  api.Engine
	Async   api.AsyncStarter
	Records Records
	Metrics http.Handler
	Logger  *slog.Logger

	AllowedOrigins []string
	// RequestTimeout bounds every handler except ?wait=true checks.
	RequestTimeout time.Duration
}

// Server is an http.Handler for the monitoring API.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", healthHandler)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Post("/monitors", s.startDelayCheck)
	r.Post("/monitors/recurring", s.startRecurringCheck)
	r.Get("/runs/{workflowID}", s.queryRun)
	r.Post("/runs/{workflowID}/cancel", s.cancelRun)
	r.Post("/runs/{workflowID}/threshold", s.updateThreshold)
	if cfg.Records != nil {
		r.Get("/runs/{workflowID}/history", s.runHistory)
		r.Get("/deliveries/{deliveryID}/executions", s.deliveryExecutions)
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) startDelayCheck(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if !decode(w, r, &req) {
		return
	}
	in := req.input()

	if s.async(r) {
		if err := s.cfg.Async.EnqueueDelayCheck(r.Context(), in); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			WorkflowID: api.WorkflowID(api.KindDelayNotification, in.DeliveryID),
			Queued:     true,
		})
		return
	}

	if queryBool(r, "wait") {
		res, err := s.cfg.Engine.RunDelayCheck(r.Context(), in)
		if err != nil && res == nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newResultResponse(res))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.cfg.Engine.StartDelayCheck(ctx, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSnapshotResponse(snap))
}

func (s *Server) startRecurringCheck(w http.ResponseWriter, r *http.Request) {
	var req recurringRequest
	if !decode(w, r, &req) {
		return
	}
	in := req.input()

	if s.async(r) {
		if err := s.cfg.Async.EnqueueRecurringCheck(r.Context(), in); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			WorkflowID: api.WorkflowID(api.KindRecurringCheck, in.DeliveryID),
			Queued:     true,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.cfg.Engine.StartRecurringCheck(ctx, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSnapshotResponse(snap))
}

func (s *Server) queryRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	snap, err := s.cfg.Engine.Query(ctx, chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotResponse(snap))
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	s.signal(w, r, api.Signal{Name: api.SignalCancel, Reason: req.Reason, Actor: req.Actor})
}

func (s *Server) updateThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if !decode(w, r, &req) {
		return
	}
	s.signal(w, r, api.Signal{Name: api.SignalUpdateThreshold, ThresholdMinutes: req.ThresholdMinutes})
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request, sig api.Signal) {
	workflowID := chi.URLParam(r, "workflowID")
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	var err error
	if s.async(r) {
		err = s.cfg.Async.EnqueueSignal(ctx, workflowID, sig)
	} else {
		err = s.cfg.Engine.Signal(ctx, workflowID, sig)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{WorkflowID: workflowID, Queued: s.async(r)})
}

func (s *Server) runHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	events, err := s.cfg.Records.History(ctx, chi.URLParam(r, "workflowID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, newEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) deliveryExecutions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	execs, err := s.cfg.Records.Executions(ctx, chi.URLParam(r, "deliveryID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]executionResponse, 0, len(execs))
	for _, e := range execs {
		items = append(items, newExecutionResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) async(r *http.Request) bool {
	return s.cfg.Async != nil && queryBool(r, "async")
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "http_request_failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrRunNotFound), errors.Is(err, api.ErrDeliveryNotFound):
		return http.StatusNotFound
	case errors.Is(err, api.ErrRunAlreadyActive), errors.Is(err, api.ErrRunNotActive):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
