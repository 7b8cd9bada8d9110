package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vigil-sec/vigil/internal/api/utils"
	"github.com/vigil-sec/vigil/internal/risk"
)

// Recommender suggests follow-up actions for a score. Deployments can plug
// in their own; StaticRecommender is the fallback.
type Recommender interface {
	Recommend(ctx context.Context, score risk.Score) []string
}

// StaticRecommender maps tiers to fixed playbook suggestions.
type StaticRecommender struct{}

func (StaticRecommender) Recommend(_ context.Context, score risk.Score) []string {
	switch score.Tier {
	case risk.TierCritical:
		return []string{"isolate the asset", "disable affected accounts", "start incident response"}
	case risk.TierHigh:
		return []string{"block suspicious connections", "schedule a full scan", "review recent events"}
	case risk.TierMedium:
		return []string{"schedule a scan", "watch for repeated activity"}
	default:
		return []string{"no action required"}
	}
}

type evaluateResponse struct {
	CompositeScore  float64  `json:"composite_score"`
	Tier            string   `json:"tier"`
	Recommendations []string `json:"recommendations"`
}

// EvaluateRiskHandler scores a submitted factor set without persisting it.
// Out-of-range factors are rejected at the boundary.
func EvaluateRiskHandler(rec Recommender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var factors risk.FactorSet
		if err := json.NewDecoder(r.Body).Decode(&factors); err != nil {
			utils.SendErrorResponse(w, utils.NewAPIError("Invalid request body", http.StatusBadRequest))
			return
		}
		if err := factors.Validate(); err != nil {
			if errors.Is(err, risk.ErrFactorOutOfRange) {
				utils.SendErrorResponse(w, utils.NewAPIError(err.Error(), http.StatusBadRequest))
				return
			}
			utils.SendErrorResponse(w, utils.NewAPIError("Validation failed", http.StatusBadRequest))
			return
		}

		score := risk.Compute(factors)
		utils.SendJSONResponse(w, http.StatusOK, evaluateResponse{
			CompositeScore:  score.Composite,
			Tier:            string(score.Tier),
			Recommendations: rec.Recommend(r.Context(), score),
		})
	}
}
