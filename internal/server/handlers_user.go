package server

import (
	"errors"
	"net/http"

	"github.com/agentmart/agentmart/internal/billing"
	"github.com/agentmart/agentmart/internal/ctxutil"
	"github.com/agentmart/agentmart/internal/model"
)

// HandleUserData handles GET /api/user/data. A user whose created webhook
// has not landed yet is backfilled from the directory.
func (h *Handlers) HandleUserData(w http.ResponseWriter, r *http.Request) {
	u, err := h.identity.EnsureUser(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}
	writeJSON(w, http.StatusOK, model.UserDataResponse{APIResponse: success(r, ""), User: u})
}

// HandlePurchase handles POST /api/user/purchase.
func (h *Handlers) HandlePurchase(w http.ResponseWriter, r *http.Request) {
	var req model.PurchaseRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agentID, valid := parseAgentID(req.AgentID)
	if !valid {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid Details")
		return
	}

	userID := ctxutil.UserIDFromContext(r.Context())
	if _, err := h.identity.EnsureUser(r.Context(), userID); err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}

	co, err := h.billing.Purchase(r.Context(), userID, agentID, r.Header.Get("Origin"))
	if err != nil {
		h.metrics.CheckoutResult(checkoutResultLabel(err))
		h.writeServiceError(w, r, err, "Agent not found.")
		return
	}
	h.metrics.CheckoutResult("created")

	writeJSON(w, http.StatusOK, model.PurchaseResponse{
		APIResponse: success(r, ""),
		SessionURL:  co.URL,
		PurchaseID:  co.PurchaseID,
	})
}

func checkoutResultLabel(err error) string {
	switch {
	case errors.Is(err, billing.ErrUpstream):
		return "upstream_error"
	case errors.Is(err, billing.ErrBillingDisabled):
		return "disabled"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

// HandleExecutions handles GET /api/user/executions.
func (h *Handlers) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	runs, err := h.marketplace.UserRuns(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}
	if runs == nil {
		runs = []model.RunWithAgent{}
	}
	writeJSON(w, http.StatusOK, model.ExecutionsResponse{APIResponse: success(r, ""), AgentRuns: runs})
}

// HandleAddRating handles POST /api/user/add-rating.
func (h *Handlers) HandleAddRating(w http.ResponseWriter, r *http.Request) {
	var req model.RatingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agentID, valid := parseAgentID(req.AgentID)
	if !valid {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "Invalid Details")
		return
	}

	err := h.marketplace.AddRating(r.Context(), ctxutil.UserIDFromContext(r.Context()), agentID, req.Rating)
	if err != nil {
		h.writeServiceError(w, r, err, "Agent not found.")
		return
	}
	writeJSON(w, http.StatusOK, success(r, "Rating added"))
}
