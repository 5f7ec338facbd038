// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ngocp-0847/explain-source/lib/analysis"
	"github.com/ngocp-0847/explain-source/lib/broadcast"
	"github.com/ngocp-0847/explain-source/lib/clock"
	"github.com/ngocp-0847/explain-source/lib/plan"
	analysisschema "github.com/ngocp-0847/explain-source/lib/schema/analysis"
	"github.com/ngocp-0847/explain-source/lib/schema/ticket"
	"github.com/ngocp-0847/explain-source/lib/store"
)

// Storage is the read side the handlers need. *store.Store implements
// it.
type Storage interface {
	GetTicket(ctx context.Context, id string) (ticket.Ticket, error)
	Logs(ctx context.Context, ticketID string, limit, offset int) (analysisschema.LogPage, error)
	EachLog(ctx context.Context, ticketID string, fn func(analysisschema.LogEntry) error) error
}

// Config holds the parameters for NewHandler. All fields but
// AllowedOrigins, WebSocket, and Logger are required.
type Config struct {
	Store      Storage
	Sessions   *analysis.Manager
	Plans      *plan.Engine
	Hub        *broadcast.Hub[analysisschema.Message]
	Identifier Identifier
	Clock      clock.Clock

	// AllowedOrigins lists browser origins allowed to call the API and
	// open the WebSocket. "*" allows any origin. Empty allows only
	// same-origin and non-browser clients.
	AllowedOrigins []string

	// WebSocket tunes keepalive. Zero fields take the defaults.
	WebSocket WebSocketConfig

	Logger *slog.Logger
}

// Handler serves the REST API and the WebSocket channel.
type Handler struct {
	store          Storage
	sessions       *analysis.Manager
	plans          *plan.Engine
	hub            *broadcast.Hub[analysisschema.Message]
	identifier     Identifier
	clock          clock.Clock
	allowedOrigins []string
	websocket      WebSocketConfig
	logger         *slog.Logger
}

// NewHandler validates config and returns a Handler.
func NewHandler(config Config) (*Handler, error) {
	var missing []error
	if config.Store == nil {
		missing = append(missing, errors.New("httpapi: Store is required"))
	}
	if config.Sessions == nil {
		missing = append(missing, errors.New("httpapi: Sessions is required"))
	}
	if config.Plans == nil {
		missing = append(missing, errors.New("httpapi: Plans is required"))
	}
	if config.Hub == nil {
		missing = append(missing, errors.New("httpapi: Hub is required"))
	}
	if config.Identifier == nil {
		missing = append(missing, errors.New("httpapi: Identifier is required"))
	}
	if config.Clock == nil {
		missing = append(missing, errors.New("httpapi: Clock is required"))
	}
	if len(missing) > 0 {
		return nil, errors.Join(missing...)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		store:          config.Store,
		sessions:       config.Sessions,
		plans:          config.Plans,
		hub:            config.Hub,
		identifier:     config.Identifier,
		clock:          config.Clock,
		allowedOrigins: config.AllowedOrigins,
		websocket:      config.WebSocket.withDefaults(),
		logger:         logger,
	}, nil
}

// Router returns the routed handler.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.recoverer)
	r.Use(h.logRequests)
	r.Use(h.cors)

	r.Get("/healthz", h.handleHealth)
	r.Get("/debug/hub", h.handleHubStats)
	r.Get("/ws", h.handleWebSocket)

	r.Route("/tickets/{id}", func(r chi.Router) {
		r.Post("/stop-analysis", h.handleStopAnalysis)
		r.Get("/session", h.handleSession)
		r.Get("/logs", h.handleLogs)
		r.Get("/logs/export", h.handleExportLogs)

		r.Route("/plan", func(r chi.Router) {
			r.Use(h.requireUser)
			r.Put("/", h.handleEditPlan)
			r.Post("/approve", h.handleApprovePlan)
			r.Get("/approvals", h.handleApprovals)
			r.Get("/history", h.handlePlanHistory)
			r.Get("/rendered", h.handleRenderedPlan)
		})
	})
	return r
}

// logRequests logs one line per request at debug level, or at warn for
// server errors.
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		level := slog.LevelDebug
		if wrapped.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		h.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.Status(),
			"bytes", wrapped.BytesWritten(),
			"duration", time.Since(started),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

// recoverer turns a handler panic into a logged 500.
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					panic(recovered)
				}
				h.logger.Error("http handler panic", "panic", recovered, "path", r.URL.Path,
					"request_id", chimw.GetReqID(r.Context()))
				h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether a browser origin may use the API.
func (h *Handler) originAllowed(origin string) bool {
	return slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin)
}

func (h *Handler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+UserHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

// errorStatus maps an error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, analysis.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, analysis.ErrInvalidRequest),
		errors.Is(err, plan.ErrInvalidRequest),
		errors.Is(err, plan.ErrNotPlanMode),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, analysis.ErrShuttingDown),
		errors.Is(err, analysis.ErrUnrecorded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errBadRequest marks malformed requests detected by the handlers.
var errBadRequest = errors.New("bad request")

// sendError writes err as {"error": ...}. Internal errors are logged
// and replaced by a generic message.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "method", r.Method, "path", r.URL.Path,
			"request_id", chimw.GetReqID(r.Context()))
		message = "internal error"
	}
	h.writeJSON(w, status, errorResponse{Error: message})
}

// writeJSON encodes value as JSON into w with the given status. If
// encoding fails (typically because the client disconnected), the
// error is logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		h.logger.Warn("writing JSON response", "error", err)
	}
}

// decodeBody decodes a JSON request body into value.
func decodeBody(r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err := decoder.Decode(value); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// maxBodySize bounds request bodies; plans are the largest.
const maxBodySize = 4 << 20

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": len(h.sessions.Active()),
	})
}

func (h *Handler) handleHubStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"hub":             h.hub.Stats(),
		"active_sessions": h.sessions.Active(),
	})
}
