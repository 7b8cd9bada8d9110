package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/vigil-sec/vigil/internal/models"
)

// Gorm is the production Store backed by a relational database.
type Gorm struct {
	db *gorm.DB
}

// NewGorm wraps an open gorm handle.
func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (s *Gorm) SaveAsset(ctx context.Context, asset *models.Asset) error {
	return s.db.WithContext(ctx).Save(asset).Error
}

func (s *Gorm) AssetByAgentID(ctx context.Context, agentID string) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (s *Gorm) AssetByHostname(ctx context.Context, hostname string) (*models.Asset, error) {
	var asset models.Asset
	err := s.db.WithContext(ctx).Where("hostname = ?", hostname).First(&asset).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &asset, nil
}

func (s *Gorm) ListAssets(ctx context.Context) ([]models.Asset, error) {
	var assets []models.Asset
	err := s.db.WithContext(ctx).Order("hostname").Find(&assets).Error
	return assets, err
}

func (s *Gorm) SaveEvents(ctx context.Context, events []models.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&events).Error
}

func (s *Gorm) EventByEventID(ctx context.Context, eventID string) (*models.EventRecord, error) {
	var ev models.EventRecord
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

func (s *Gorm) CountEventsSince(ctx context.Context, agentID string, sinceUnix int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.EventRecord{}).
		Where("agent_id = ? AND timestamp > ?", agentID, time.Unix(sinceUnix, 0)).
		Count(&count).Error
	return count, err
}

func (s *Gorm) SaveScore(ctx context.Context, score *models.RiskScoreRecord) error {
	return s.db.WithContext(ctx).Create(score).Error
}

func (s *Gorm) LatestScore(ctx context.Context, assetID string) (*models.RiskScoreRecord, error) {
	var score models.RiskScoreRecord
	err := s.db.WithContext(ctx).Where("asset_id = ?", assetID).
		Order("timestamp DESC").First(&score).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &score, nil
}

func (s *Gorm) SaveAlert(ctx context.Context, alert *models.Alert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *Gorm) ListAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	var alerts []models.Alert
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&alerts).Error
	return alerts, err
}

func (s *Gorm) SaveAction(ctx context.Context, action *models.ResponseActionRecord) error {
	return s.db.WithContext(ctx).Save(action).Error
}

func (s *Gorm) ActionByID(ctx context.Context, actionID string) (*models.ResponseActionRecord, error) {
	var action models.ResponseActionRecord
	err := s.db.WithContext(ctx).Where("action_id = ?", actionID).First(&action).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &action, nil
}
