package server

import (
	"net/http"

	"github.com/agentmart/agentmart/internal/ctxutil"
	"github.com/agentmart/agentmart/internal/model"
)

// HandleListAgents handles GET /api/agent/all.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.marketplace.ListAgents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Agent not found.")
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, model.AgentListResponse{APIResponse: success(r, ""), Agents: agents})
}

// HandleGetAgent handles GET /api/agent/{id}. The caller's session, if any,
// lets a creator see their own unpublished agent.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, valid := parseAgentID(r.PathValue("id"))
	if !valid {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "Agent not found.")
		return
	}
	a, err := h.marketplace.GetAgent(r.Context(), id, ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "Agent not found.")
		return
	}
	writeJSON(w, http.StatusOK, model.AgentResponse{APIResponse: success(r, ""), AgentData: a})
}

// HandleCreateAgent handles POST /api/creator/add-agent.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.marketplace.CreateAgent(r.Context(), ctxutil.UserIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}
	writeJSON(w, http.StatusCreated, model.CreateAgentResponse{APIResponse: success(r, "Agent added"), Agent: a})
}

// HandleCreatorAgents handles GET /api/creator/agents.
func (h *Handlers) HandleCreatorAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.marketplace.CreatorAgents(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, http.StatusOK, model.AgentListResponse{APIResponse: success(r, ""), Agents: agents})
}

// HandleCreatorDashboard handles GET /api/creator/dashboard.
func (h *Handlers) HandleCreatorDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.marketplace.CreatorDashboard(r.Context(), ctxutil.UserIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err, "User Not Found")
		return
	}
	if d.Agents == nil {
		d.Agents = []model.CreatorAgentStats{}
	}
	writeJSON(w, http.StatusOK, model.DashboardResponse{APIResponse: success(r, ""), DashboardData: d})
}
