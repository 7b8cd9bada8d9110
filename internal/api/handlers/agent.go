package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/auth"
	"github.com/vigil-sec/vigil/internal/ingest"
)

// RegisterAgentHandler enrolls an agent. The response body is the raw wire
// shape agents expect: agent_id, token and the initial config.
func RegisterAgentHandler(svc *ingest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingest.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}

		res, err := svc.Register(r.Context(), req)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidEnrollKey) {
				utils.SendErrorResponse(w, utils.NewAPIError("Invalid enrollment key", http.StatusUnauthorized))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusBadRequest))
			return
		}
		utils.SendJSONResponse(w, http.StatusOK, res)
	}
}

// HeartbeatHandler records liveness and piggybacks config updates.
func HeartbeatHandler(svc *ingest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ingest.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if claims, err := auth.AgentFromContext(r.Context()); err != nil || claims.AgentID != req.AgentID {
			utils.SendErrorResponse(w, utils.NewAPIError("Token does not match agent", http.StatusForbidden))
			return
		}

		res, err := svc.Heartbeat(r.Context(), req)
		if err != nil {
			if errors.Is(err, ingest.ErrUnknownAgent) {
				utils.SendErrorResponse(w, utils.NewAPIError("Unknown agent", http.StatusNotFound))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to record heartbeat", http.StatusInternalServerError))
			return
		}
		utils.SendJSONResponse(w, http.StatusOK, res)
	}
}

type eventBatchRequest struct {
	AgentID string        `json:"agent_id"`
	Events  []event.Event `json:"events"`
}

// SubmitEventsHandler ingests one batch of agent events and returns the
// per-event accepted/rejected summary.
func SubmitEventsHandler(svc *ingest.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if claims, err := auth.AgentFromContext(r.Context()); err != nil || claims.AgentID != req.AgentID {
			utils.SendErrorResponse(w, utils.NewAPIError("Token does not match agent", http.StatusForbidden))
			return
		}

		res, err := svc.SubmitBatch(r.Context(), req.AgentID, req.Events)
		if err != nil {
			if errors.Is(err, ingest.ErrUnknownAgent) {
				utils.SendErrorResponse(w, utils.NewAPIError("Unknown agent", http.StatusNotFound))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to ingest events", http.StatusInternalServerError))
			return
		}
		utils.SendJSONResponse(w, http.StatusOK, res)
	}
}
