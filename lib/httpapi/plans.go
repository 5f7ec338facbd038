// Copyright 2026 The explain-source Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	planschema "github.com/ngocp-0847/explain-source/lib/schema/plan"
)

type editPlanRequest struct {
	Content *string `json:"content"`
}

type approvePlanRequest struct {
	Status string `json:"status"`
}

func (h *Handler) handleEditPlan(w http.ResponseWriter, r *http.Request) {
	var request editPlanRequest
	if err := decodeBody(r, &request); err != nil {
		h.sendError(w, r, err)
		return
	}
	if request.Content == nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "content is required"})
		return
	}
	edit, err := h.plans.Edit(r.Context(), chi.URLParam(r, "id"), requestUser(r).ID, *request.Content)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, edit)
}

func (h *Handler) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	var request approvePlanRequest
	if err := decodeBody(r, &request); err != nil {
		h.sendError(w, r, err)
		return
	}
	summary, err := h.plans.Approve(r.Context(), chi.URLParam(r, "id"), requestUser(r).ID,
		planschema.ApprovalStatus(request.Status))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	summary, err := h.plans.Approvals(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if summary.Approvals == nil {
		summary.Approvals = []planschema.Approval{}
	}
	h.writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handlePlanHistory(w http.ResponseWriter, r *http.Request) {
	edits, err := h.plans.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if edits == nil {
		edits = []planschema.Edit{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"edits": edits})
}

func (h *Handler) handleRenderedPlan(w http.ResponseWriter, r *http.Request) {
	rendered, err := h.plans.Render(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(rendered); err != nil {
		h.logger.Warn("writing rendered plan", "error", err)
	}
}
