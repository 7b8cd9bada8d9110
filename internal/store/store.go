// Package store is the persistence collaborator boundary. The core never
// talks to a database directly; everything goes through Store, so the
// backing engine can be swapped (postgres in production, memory in tests).
package store

import (
	"context"
	"errors"

	"github.com/vigil-sec/vigil/internal/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence and search surface consumed by ingest, scoring
// and response orchestration.
type Store interface {
	// Assets / agent sessions.
	SaveAsset(ctx context.Context, asset *models.Asset) error
	AssetByAgentID(ctx context.Context, agentID string) (*models.Asset, error)
	AssetByHostname(ctx context.Context, hostname string) (*models.Asset, error)
	ListAssets(ctx context.Context) ([]models.Asset, error)

	// Events.
	SaveEvents(ctx context.Context, events []models.EventRecord) error
	EventByEventID(ctx context.Context, eventID string) (*models.EventRecord, error)
	CountEventsSince(ctx context.Context, agentID string, sinceUnix int64) (int64, error)

	// Risk scores (append-only).
	SaveScore(ctx context.Context, score *models.RiskScoreRecord) error
	LatestScore(ctx context.Context, assetID string) (*models.RiskScoreRecord, error)

	// Alerts.
	SaveAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]models.Alert, error)

	// Response actions.
	SaveAction(ctx context.Context, action *models.ResponseActionRecord) error
	ActionByID(ctx context.Context, actionID string) (*models.ResponseActionRecord, error)
}
