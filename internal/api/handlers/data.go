package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/store"
)

// HealthHandler is the unauthenticated liveness probe.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	utils.SendJSONResponse(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListAlertsHandler returns recent alerts, newest first.
func ListAlertsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		alerts, err := st.ListAlerts(r.Context(), limit)
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to retrieve alerts", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponse(w, alerts)
	}
}

// ListAssetsHandler returns all registered assets.
func ListAssetsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets, err := st.ListAssets(r.Context())
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to retrieve assets", http.StatusInternalServerError))
			return
		}
		utils.SendSuccessResponse(w, assets)
	}
}

// StatusHandler summarizes fleet state for dashboards.
func StatusHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assets, err := st.ListAssets(r.Context())
		if err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Failed to retrieve status", http.StatusInternalServerError))
			return
		}

		var stale int
		tiers := map[string]int{}
		for _, a := range assets {
			if a.Stale {
				stale++
			}
			if score, err := st.LatestScore(r.Context(), a.AgentID); err == nil {
				tiers[score.Tier]++
			}
		}
		utils.SendSuccessResponse(w, map[string]any{
			"assets": len(assets),
			"stale":  stale,
			"tiers":  tiers,
		})
	}
}
