package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/models"
	"github.com/vigil-sec/vigil/internal/response"
	"github.com/vigil-sec/vigil/internal/store"
)

type executeRequest struct {
	AssetID    string         `json:"asset_id"`
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Parameters models.JSONMap `json:"parameters"`
	Reason     string         `json:"reason"`
}

type executeResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecuteActionHandler starts a containment action on demand. The action
// runs in the background; poll the status route for the outcome.
func ExecuteActionHandler(orch *response.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if req.AssetID == "" {
			utils.SendErrorResponse(w, utils.NewAPIError("asset_id is required", http.StatusBadRequest))
			return
		}

		requestedBy := req.Reason
		if requestedBy == "" {
			requestedBy = "operator"
		}
		rec, err := orch.Execute(r.Context(), req.AssetID, req.ActionType, req.Target, req.Parameters, requestedBy)
		if err != nil {
			if errors.Is(err, response.ErrUnknownAction) {
				utils.SendErrorResponse(w, utils.NewAPIError("Unknown action type", http.StatusBadRequest))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to start action", http.StatusInternalServerError))
			return
		}
		utils.SendJSONResponse(w, http.StatusAccepted, executeResponse{
			ExecutionID: rec.ActionID,
			Status:      rec.Status,
		})
	}
}

// ActionStatusHandler returns the current record for one action.
func ActionStatusHandler(orch *response.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rec, err := orch.Status(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				utils.SendErrorResponse(w, utils.NewAPIError("Action not found", http.StatusNotFound))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to fetch action", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponse(w, rec)
	}
}
