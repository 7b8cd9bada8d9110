// Package risk computes per-asset composite risk scores from normalized
// factor inputs. Scoring is a pure function: same factors, same score,
// bit for bit.
package risk

import (
	"errors"
	"fmt"
	"time"
)

// Factor weights of the composite formula. They must not change without a
// coordinated rollout: agents, dashboards and stored scores all assume them.
const (
	WeightAnomaly          = 0.30
	WeightEventFrequency   = 0.20
	WeightSeverity         = 0.25
	WeightAssetCriticality = 0.15
	WeightUserRisk         = 0.10
)

// Tier is the discrete classification of a composite score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// rank orders tiers for escalation comparison.
func (t Tier) rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	case TierCritical:
		return 3
	}
	return -1
}

// Escalated reports whether moving from prev to t crossed upward.
func (t Tier) Escalated(prev Tier) bool {
	return t.rank() > prev.rank()
}

// ErrFactorOutOfRange is returned by Validate for components outside [0,1].
var ErrFactorOutOfRange = errors.New("risk factor out of range")

// FactorSet is one scoring request. Every component is normalized to [0,1];
// anomaly and user risk come from external scoring collaborators and are
// opaque to this package.
type FactorSet struct {
	AssetID          string  `json:"asset_id"`
	Anomaly          float64 `json:"anomaly_score"`
	EventFrequency   float64 `json:"event_frequency_score"`
	Severity         float64 `json:"severity_score"`
	AssetCriticality float64 `json:"asset_criticality"`
	UserRisk         float64 `json:"user_risk"`
}

// Validate rejects out-of-range components. Boundary validation is the
// caller's contract: requests with invalid factors fail, they are not
// silently clamped into a plausible score.
func (f FactorSet) Validate() error {
	for _, c := range []struct {
		name  string
		value float64
	}{
		{"anomaly_score", f.Anomaly},
		{"event_frequency_score", f.EventFrequency},
		{"severity_score", f.Severity},
		{"asset_criticality", f.AssetCriticality},
		{"user_risk", f.UserRisk},
	} {
		if c.value < 0 || c.value > 1 {
			return fmt.Errorf("%w: %s=%v", ErrFactorOutOfRange, c.name, c.value)
		}
	}
	return nil
}

// Score is one immutable evaluation result. Re-scoring an asset produces a
// new Score; earlier ones are never mutated.
type Score struct {
	AssetID   string    `json:"asset_id"`
	Composite float64   `json:"composite_score"`
	Tier      Tier      `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
	Factors   FactorSet `json:"factors"`
}

// Compute evaluates the fixed linear combination
//
//	composite = 100 × (0.30·anomaly + 0.20·frequency + 0.25·severity +
//	                   0.15·criticality + 0.10·user)
//
// Inputs are clamped defensively; out-of-range values should already have
// been rejected by Validate at the boundary.
func Compute(f FactorSet) Score {
	f.Anomaly = clamp(f.Anomaly)
	f.EventFrequency = clamp(f.EventFrequency)
	f.Severity = clamp(f.Severity)
	f.AssetCriticality = clamp(f.AssetCriticality)
	f.UserRisk = clamp(f.UserRisk)

	composite := 100 * (WeightAnomaly*f.Anomaly +
		WeightEventFrequency*f.EventFrequency +
		WeightSeverity*f.Severity +
		WeightAssetCriticality*f.AssetCriticality +
		WeightUserRisk*f.UserRisk)

	return Score{
		AssetID:   f.AssetID,
		Composite: composite,
		Tier:      TierFor(composite),
		Timestamp: time.Now().UTC(),
		Factors:   f,
	}
}

// TierFor partitions [0,100] into non-overlapping tiers:
// low [0,30], medium (30,60], high (60,85], critical (85,100].
func TierFor(composite float64) Tier {
	switch {
	case composite <= 30:
		return TierLow
	case composite <= 60:
		return TierMedium
	case composite <= 85:
		return TierHigh
	default:
		return TierCritical
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
