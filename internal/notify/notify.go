// Package notify fans alerts and action outcomes out to external
// notification channels (message broker, live dashboards).
package notify

import (
	"context"

	"github.com/vigil-sec/vigil/internal/models"
)

// Notifier receives alerts and response-action outcomes as they happen.
// Implementations must not block the caller for longer than their own
// delivery timeout; notification failure is logged, never propagated into
// the scoring or response path.
type Notifier interface {
	NotifyAlert(ctx context.Context, alert models.Alert) error
	NotifyAction(ctx context.Context, action models.ResponseActionRecord) error
	NotifyScore(ctx context.Context, score models.RiskScoreRecord) error
}

// Multi forwards every notification to all children.
type Multi []Notifier

func (m Multi) NotifyAlert(ctx context.Context, alert models.Alert) error {
	var firstErr error
	for _, n := range m {
		if err := n.NotifyAlert(ctx, alert); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) NotifyAction(ctx context.Context, action models.ResponseActionRecord) error {
	var firstErr error
	for _, n := range m {
		if err := n.NotifyAction(ctx, action); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) NotifyScore(ctx context.Context, score models.RiskScoreRecord) error {
	var firstErr error
	for _, n := range m {
		if err := n.NotifyScore(ctx, score); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
