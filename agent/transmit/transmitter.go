package transmit

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/agent/queue"
)

// ErrRetriesExhausted marks a batch dropped after the per-batch retry cap.
var ErrRetriesExhausted = errors.New("delivery retries exhausted")

type retryBatch struct {
	events   []event.Event
	attempts int
}

// Stats is a point-in-time snapshot of the transmitter for the agent's
// status surface.
type Stats struct {
	State         string `json:"state"`
	AgentID       string `json:"agent_id"`
	EventsSent    uint64 `json:"events_sent"`
	BatchesLost   uint64 `json:"batches_lost"`
	EventsLost    uint64 `json:"events_lost"`
	RetryPending  int    `json:"retry_pending"`
	QueueDepth    int    `json:"queue_depth"`
	QueueDropped  uint64 `json:"queue_dropped"`
	ConfigVersion int    `json:"config_version"`
}

// Transmitter owns the channel to the coordination service. It drains the
// queue in batches, retries failed batches in order with capped backoff,
// heartbeats on its own timer and applies pushed config updates. Delivery
// is best-effort: a batch past the retry cap is dropped and counted, never
// silently lost.
type Transmitter struct {
	queue   *queue.Queue
	channel Channel
	cfg     *config.Holder
	reg     Registration

	healthFn   func() map[string]bool
	onRegister func(agentID string)

	agentID atomic.Value // string
	state   atomic.Int32
	retry   []retryBatch

	backoffStreak int

	sent        atomic.Uint64
	batchesLost atomic.Uint64
	eventsLost  atomic.Uint64
	retryLen    atomic.Int64
}

// New creates a transmitter. healthFn supplies per-monitor health for
// heartbeats; onRegister is invoked with the assigned agent ID after every
// successful (re-)registration and may be nil.
func New(q *queue.Queue, ch Channel, cfg *config.Holder, reg Registration, healthFn func() map[string]bool, onRegister func(string)) *Transmitter {
	t := &Transmitter{
		queue:      q,
		channel:    ch,
		cfg:        cfg,
		reg:        reg,
		healthFn:   healthFn,
		onRegister: onRegister,
	}
	t.state.Store(int32(StateDisconnected))
	t.agentID.Store("")
	return t
}

// State returns the current lifecycle state.
func (t *Transmitter) State() State {
	return State(t.state.Load())
}

// AgentID returns the identity assigned at registration, or "" before it.
func (t *Transmitter) AgentID() string {
	id, _ := t.agentID.Load().(string)
	return id
}

// Stats returns a snapshot for the status surface. Safe to call from other
// goroutines.
func (t *Transmitter) Stats() Stats {
	return Stats{
		State:         t.State().String(),
		AgentID:       t.AgentID(),
		EventsSent:    t.sent.Load(),
		BatchesLost:   t.batchesLost.Load(),
		EventsLost:    t.eventsLost.Load(),
		RetryPending:  int(t.retryLen.Load()),
		QueueDepth:    t.queue.Len(),
		QueueDropped:  t.queue.Dropped(),
		ConfigVersion: t.cfg.Current().Version,
	}
}

// Run drives the transmitter until ctx is cancelled, then performs a final
// best-effort flush bounded by the shutdown timeout.
func (t *Transmitter) Run(ctx context.Context) {
	if !t.connect(ctx) {
		t.state.Store(int32(StateShutdown))
		return
	}

	cfg := t.cfg.Current()
	flushIv, hbIv := cfg.FlushInterval, cfg.HeartbeatInterval
	flushTicker := time.NewTicker(flushIv)
	defer flushTicker.Stop()
	hbTicker := time.NewTicker(hbIv)
	defer hbTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return
		case <-t.queue.Ready():
			t.flush(ctx)
		case <-flushTicker.C:
			t.flush(ctx)
		case <-hbTicker.C:
			t.heartbeat(ctx)
		}

		// Pushed config may change the timers.
		if cur := t.cfg.Current(); cur.FlushInterval != flushIv || cur.HeartbeatInterval != hbIv {
			flushIv, hbIv = cur.FlushInterval, cur.HeartbeatInterval
			flushTicker.Reset(flushIv)
			hbTicker.Reset(hbIv)
		}
	}
}

// connect registers with increasing backoff until success or cancellation.
// Registration is idempotent server-side, so reconnects reuse it.
func (t *Transmitter) connect(ctx context.Context) bool {
	t.state.Store(int32(StateConnecting))

	for {
		resp, err := t.channel.Register(ctx, t.reg)
		if err == nil {
			t.agentID.Store(resp.AgentID)
			t.state.Store(int32(StateRegistered))
			if resp.Config != nil {
				t.cfg.Apply(*resp.Config)
			}
			if t.onRegister != nil {
				t.onRegister(resp.AgentID)
			}
			t.backoffStreak = 0
			t.state.Store(int32(StateStreaming))
			log.Printf("registered with coordination service: agent_id=%s", resp.AgentID)
			return true
		}

		log.Printf("registration failed: %v", err)
		if !t.backoffWait(ctx) {
			return false
		}
		t.state.Store(int32(StateConnecting))
	}
}

// flush sends pending retry batches first, oldest first, then drains fresh
// batches from the queue. On a failure the offending batch keeps its place
// at the front of the retry buffer and the round ends after a backoff.
func (t *Transmitter) flush(ctx context.Context) {
	cfg := t.cfg.Current()

	for len(t.retry) > 0 {
		rb := &t.retry[0]
		if err := t.channel.SendBatch(ctx, t.AgentID(), rb.events); err != nil {
			rb.attempts++
			if rb.attempts > cfg.RetryCap {
				t.batchesLost.Add(1)
				t.eventsLost.Add(uint64(len(rb.events)))
				log.Printf("delivery retries exhausted, dropping batch of %d events: %v", len(rb.events), ErrRetriesExhausted)
				t.retry = t.retry[1:]
				t.retryLen.Store(int64(len(t.retry)))
				continue
			}
			t.deliveryFailed(ctx, err)
			return
		}
		t.sent.Add(uint64(len(rb.events)))
		t.backoffStreak = 0
		t.retry = t.retry[1:]
		t.retryLen.Store(int64(len(t.retry)))
	}

	for {
		batch := t.queue.Drain(cfg.MaxBatchSize)
		if len(batch) == 0 {
			return
		}

		if err := t.channel.SendBatch(ctx, t.AgentID(), batch); err != nil {
			// Front of an empty retry buffer; ordering is preserved
			// relative to anything drained later.
			t.retry = append([]retryBatch{{events: batch, attempts: 1}}, t.retry...)
			t.retryLen.Store(int64(len(t.retry)))
			t.deliveryFailed(ctx, err)
			return
		}
		t.sent.Add(uint64(len(batch)))
		t.backoffStreak = 0
	}
}

// deliveryFailed backs off and re-establishes the session before the next
// attempt. The retry buffer is untouched here.
func (t *Transmitter) deliveryFailed(ctx context.Context, err error) {
	log.Printf("batch delivery failed: %v", err)
	if !t.backoffWait(ctx) {
		return
	}
	t.reconnect(ctx)
}

// reconnect re-registers once without the connect loop, so a flush round
// does not spin forever while the service is down.
func (t *Transmitter) reconnect(ctx context.Context) {
	t.state.Store(int32(StateConnecting))
	resp, err := t.channel.Register(ctx, t.reg)
	if err != nil {
		log.Printf("re-registration failed: %v", err)
		t.state.Store(int32(StateDisconnected))
		return
	}
	t.agentID.Store(resp.AgentID)
	if resp.Config != nil {
		t.cfg.Apply(*resp.Config)
	}
	if t.onRegister != nil {
		t.onRegister(resp.AgentID)
	}
	t.state.Store(int32(StateStreaming))
}

// backoffWait sleeps for the current backoff step, doubling up to the
// ceiling. Returns false when cancelled.
func (t *Transmitter) backoffWait(ctx context.Context) bool {
	cfg := t.cfg.Current()

	d := cfg.BackoffBase << t.backoffStreak
	if d > cfg.BackoffCeiling || d <= 0 {
		d = cfg.BackoffCeiling
	}
	t.backoffStreak++

	t.state.Store(int32(StateBackoff))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// heartbeat reports liveness and applies any piggybacked config update
// atomically before the next monitoring cycle.
func (t *Transmitter) heartbeat(ctx context.Context) {
	cfg := t.cfg.Current()

	monitors := map[string]bool{}
	if t.healthFn != nil {
		monitors = t.healthFn()
	}

	hb := Heartbeat{
		AgentID:   t.AgentID(),
		Timestamp: time.Now().UTC(),
		ConfigVer: cfg.Version,
		Health: HealthSummary{
			Monitors:      monitors,
			QueueDepth:    t.queue.Len(),
			DroppedEvents: t.queue.Dropped(),
			DeliveryLost:  t.eventsLost.Load(),
		},
	}

	resp, err := t.channel.Heartbeat(ctx, hb)
	if err != nil {
		log.Printf("heartbeat failed: %v", err)
		return
	}

	if resp.Config != nil && t.cfg.Apply(*resp.Config) {
		log.Printf("applied config version %d", resp.Config.Version)
	}
}

// shutdown makes one bounded final delivery attempt for the retry buffer
// and whatever remains in the queue, then parks in the terminal state.
func (t *Transmitter) shutdown() {
	cfg := t.cfg.Current()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	for _, rb := range t.retry {
		if err := t.channel.SendBatch(ctx, t.AgentID(), rb.events); err != nil {
			t.batchesLost.Add(1)
			t.eventsLost.Add(uint64(len(rb.events)))
			log.Printf("final flush: dropping batch of %d events: %v", len(rb.events), err)
			continue
		}
		t.sent.Add(uint64(len(rb.events)))
	}
	t.retry = nil
	t.retryLen.Store(0)

	for {
		batch := t.queue.Drain(cfg.MaxBatchSize)
		if len(batch) == 0 {
			break
		}
		if err := t.channel.SendBatch(ctx, t.AgentID(), batch); err != nil {
			t.batchesLost.Add(1)
			t.eventsLost.Add(uint64(len(batch)))
			log.Printf("final flush: dropping batch of %d events: %v", len(batch), err)
			break
		}
		t.sent.Add(uint64(len(batch)))
	}

	t.state.Store(int32(StateShutdown))
	log.Printf("transmitter shut down (sent=%d lost=%d)", t.sent.Load(), t.eventsLost.Load())
}
