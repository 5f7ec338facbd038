// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ngocp-0847/explain-source/lib/logexport"
)

type stopResponse struct {
	Success bool   `json:"success"`
	Stopped bool   `json:"stopped"`
	Message string `json:"message"`
}

func (h *Handler) handleStopAnalysis(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")
	result, err := h.sessions.Stop(r.Context(), ticketID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stopResponse{
		Success: true,
		Stopped: result.Stopped,
		Message: result.Message,
	})
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return value, nil
}

// handleLogs returns one page of a ticket's history. An unknown ticket
// has no logs, so it yields an empty page rather than 404.
func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	page, err := h.store.Logs(r.Context(), chi.URLParam(r, "id"), limit, offset)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleExportLogs(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")
	format, err := logexport.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		h.sendError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	compression, err := logexport.ParseCompression(r.URL.Query().Get("compression"))
	if err != nil {
		h.sendError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if _, err := h.store.GetTicket(r.Context(), ticketID); err != nil {
		h.sendError(w, r, err)
		return
	}

	options := logexport.Options{Format: format, Compression: compression}
	w.Header().Set("Content-Type", options.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", options.FileName(ticketID)))
	w.WriteHeader(http.StatusOK)

	// Headers are gone once streaming starts, so a failure can only be
	// logged.
	count, err := logexport.Write(r.Context(), w, h.store, ticketID, options)
	if err != nil {
		h.logger.Warn("log export interrupted", "ticket_id", ticketID, "written", count, "error", err)
		return
	}
	h.logger.Debug("logs exported", "ticket_id", ticketID, "entries", count,
		"format", format, "compression", compression)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "id")
	session, err := h.sessions.Status(r.Context(), ticketID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"session": session,
		"running": h.sessions.IsRunning(ticketID),
	})
}
