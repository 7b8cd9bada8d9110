// Package response turns escalated risk scores into containment actions:
// block an IP, isolate a host, disable a user, push firewall rules, or
// kick off a scan. Actions run against an Executor collaborator under a
// bounded timeout and every outcome is recorded and published.
package response

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-sec/vigil/internal/models"
	"github.com/vigil-sec/vigil/internal/notify"
	"github.com/vigil-sec/vigil/internal/risk"
	"github.com/vigil-sec/vigil/internal/store"
)

// ErrActionTimeout marks an execution that exceeded the orchestrator's
// bounded timeout. Timed-out actions are recorded failed and never
// retried automatically.
var ErrActionTimeout = errors.New("response action timed out")

// ErrUnknownAction is returned for action types outside the catalog.
var ErrUnknownAction = errors.New("unknown action type")

// Executor performs the actual containment work. Implementations talk to
// firewalls, directory services or the agent itself; the orchestrator only
// cares about success, failure and the timeout bound.
type Executor interface {
	Execute(ctx context.Context, action models.ResponseActionRecord) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, action models.ResponseActionRecord) error

func (f ExecutorFunc) Execute(ctx context.Context, action models.ResponseActionRecord) error {
	return f(ctx, action)
}

// Orchestrator owns the action lifecycle. At most one action per
// (asset, action type) is in flight; concurrent triggers for the same pair
// coalesce onto the running one.
type Orchestrator struct {
	store    store.Store
	exec     Executor
	notifier notify.Notifier
	log      *zap.Logger

	timeout   time.Duration
	threshold risk.Tier

	mu       sync.Mutex
	inflight map[string]string // asset|action_type -> action_id
	wg       sync.WaitGroup
}

// New builds an orchestrator. threshold is the lowest tier whose
// escalations trigger automatic response; timeout bounds each execution.
func New(st store.Store, exec Executor, notifier notify.Notifier, log *zap.Logger, threshold risk.Tier, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Orchestrator{
		store:     st,
		exec:      exec,
		notifier:  notifier,
		log:       log,
		timeout:   timeout,
		threshold: threshold,
		inflight:  make(map[string]string),
	}
}

// HandleEscalation is called by the ingest path when a new score crosses
// tiers upward. Escalations below the policy threshold are ignored.
func (o *Orchestrator) HandleEscalation(ctx context.Context, assetID string, score risk.Score, trigger string) (*models.ResponseActionRecord, error) {
	if score.Tier.Escalated(o.threshold) || score.Tier == o.threshold {
		return o.Execute(ctx, assetID, ActionFor(trigger), assetID, models.JSONMap{
			"trigger":         trigger,
			"composite_score": score.Composite,
			"tier":            string(score.Tier),
		}, "risk:"+string(score.Tier))
	}
	return nil, nil
}

// Execute starts (or coalesces onto) a containment action and returns its
// record immediately; the work itself runs in the background under the
// configured timeout. Callers poll Status for the terminal state.
func (o *Orchestrator) Execute(ctx context.Context, assetID, actionType, target string, params models.JSONMap, requestedBy string) (*models.ResponseActionRecord, error) {
	if !KnownAction(actionType) {
		return nil, ErrUnknownAction
	}

	key := assetID + "|" + actionType
	o.mu.Lock()
	if id, ok := o.inflight[key]; ok {
		o.mu.Unlock()
		return o.store.ActionByID(ctx, id)
	}

	rec := &models.ResponseActionRecord{
		ActionID:    uuid.NewString(),
		AssetID:     assetID,
		ActionType:  actionType,
		Target:      target,
		Parameters:  params,
		Status:      models.ActionPending,
		RequestedBy: requestedBy,
	}
	o.inflight[key] = rec.ActionID
	o.mu.Unlock()

	if err := o.store.SaveAction(ctx, rec); err != nil {
		o.release(key)
		return nil, err
	}

	o.wg.Add(1)
	go o.run(key, *rec)

	out := *rec
	return &out, nil
}

// Status fetches the current record for an action.
func (o *Orchestrator) Status(ctx context.Context, actionID string) (*models.ResponseActionRecord, error) {
	return o.store.ActionByID(ctx, actionID)
}

// Wait blocks until all in-flight executions finish. Test and shutdown hook.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

func (o *Orchestrator) run(key string, rec models.ResponseActionRecord) {
	defer o.wg.Done()
	defer o.release(key)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	rec.Status = models.ActionExecuting
	if err := o.store.SaveAction(ctx, &rec); err != nil {
		o.log.Error("persist executing state", zap.String("action_id", rec.ActionID), zap.Error(err))
	}

	err := o.exec.Execute(ctx, rec)
	if err == nil {
		rec.Status = models.ActionCompleted
		rec.Error = ""
	} else {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrActionTimeout
		}
		rec.Status = models.ActionFailed
		rec.Error = err.Error()
	}

	// The execution context may already be dead; finish bookkeeping on a
	// fresh one so the terminal state is always recorded.
	final, cancelFinal := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFinal()

	if serr := o.store.SaveAction(final, &rec); serr != nil {
		o.log.Error("persist action outcome", zap.String("action_id", rec.ActionID), zap.Error(serr))
	}
	if rec.Status == models.ActionFailed {
		alert := models.Alert{
			AssetID:     rec.AssetID,
			AlertType:   "response_failed",
			Severity:    "high",
			Description: rec.ActionType + " failed: " + rec.Error,
			Data:        models.JSONMap{"action_id": rec.ActionID},
		}
		if aerr := o.store.SaveAlert(final, &alert); aerr != nil {
			o.log.Error("persist response alert", zap.Error(aerr))
		}
		if nerr := o.notifier.NotifyAlert(final, alert); nerr != nil {
			o.log.Warn("notify alert", zap.Error(nerr))
		}
	}
	if nerr := o.notifier.NotifyAction(final, rec); nerr != nil {
		o.log.Warn("notify action outcome", zap.Error(nerr))
	}
	o.log.Info("response action finished",
		zap.String("action_id", rec.ActionID),
		zap.String("asset_id", rec.AssetID),
		zap.String("type", rec.ActionType),
		zap.String("status", rec.Status))
}
