package transmit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/agent/queue"
)

// fakeChannel scripts failures per call and records everything delivered.
type fakeChannel struct {
	mu            sync.Mutex
	registerCalls int
	sendCalls     int
	failSends     int // fail this many SendBatch calls, then succeed
	failRegisters int
	delivered     [][]event.Event
	heartbeats    []Heartbeat
	hbConfig      *config.Config
}

func (c *fakeChannel) Register(ctx context.Context, reg Registration) (RegisterResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerCalls++
	if c.registerCalls <= c.failRegisters {
		return RegisterResponse{}, errors.New("connection refused")
	}
	return RegisterResponse{AgentID: "agent-1", Token: "tok"}, nil
}

func (c *fakeChannel) SendBatch(ctx context.Context, agentID string, events []event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendCalls++
	if c.sendCalls <= c.failSends {
		return errors.New("connection reset")
	}
	batch := make([]event.Event, len(events))
	copy(batch, events)
	c.delivered = append(c.delivered, batch)
	return nil
}

func (c *fakeChannel) Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, hb)
	return HeartbeatResponse{Status: "ok", Config: c.hbConfig}, nil
}

func (c *fakeChannel) deliveredEvents() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all []event.Event
	for _, b := range c.delivered {
		all = append(all, b...)
	}
	return all
}

func fastConfig() *config.Holder {
	cfg := config.FromEnv()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCeiling = 5 * time.Millisecond
	cfg.RetryCap = 3
	cfg.MaxBatchSize = 100
	cfg.ShutdownTimeout = time.Second
	return config.NewHolder(cfg)
}

func fillQueue(q *queue.Queue, n int) []event.Event {
	var events []event.Event
	for i := 0; i < n; i++ {
		ev := event.New("host", "agent-1", event.TypeFile, map[string]any{"seq": i})
		q.Offer(ev)
		events = append(events, ev)
	}
	return events
}

func TestRegisterThenStream(t *testing.T) {
	q := queue.New(1000, 100)
	ch := &fakeChannel{}
	holder := fastConfig()

	var gotID string
	tr := New(q, ch, holder, Registration{Hostname: "host"}, nil, func(id string) { gotID = id })

	offered := fillQueue(q, 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(ch.deliveredEvents()) == 5 })
	cancel()
	<-done

	if gotID != "agent-1" {
		t.Errorf("onRegister callback got %q", gotID)
	}
	if tr.State() != StateShutdown {
		t.Errorf("Expected terminal state shutdown, got %s", tr.State())
	}

	delivered := ch.deliveredEvents()
	for i, ev := range delivered {
		if ev.EventID != offered[i].EventID {
			t.Errorf("Event %d delivered out of order", i)
		}
	}
}

func TestRetryEventuallyDelivers(t *testing.T) {
	q := queue.New(1000, 100)
	ch := &fakeChannel{failSends: 2} // fail twice, then recover
	holder := fastConfig()

	tr := New(q, ch, holder, Registration{}, nil, nil)
	offered := fillQueue(q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(ch.deliveredEvents()) == 3 })
	cancel()
	<-done

	delivered := ch.deliveredEvents()
	if len(delivered) != 3 {
		t.Fatalf("Expected 3 delivered events, got %d", len(delivered))
	}
	// No duplicates, original order.
	for i, ev := range delivered {
		if ev.EventID != offered[i].EventID {
			t.Errorf("Event %d mismatched after retries", i)
		}
	}
	if tr.Stats().EventsLost != 0 {
		t.Errorf("Expected no lost events, got %d", tr.Stats().EventsLost)
	}
}

func TestRetryCapDropsBatchOnce(t *testing.T) {
	q := queue.New(1000, 100)
	ch := &fakeChannel{failSends: 1000} // never recovers
	holder := fastConfig()

	tr := New(q, ch, holder, Registration{}, nil, nil)
	fillQueue(q, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return tr.Stats().BatchesLost >= 1 })
	cancel()
	<-done

	stats := tr.Stats()
	if stats.BatchesLost != 1 {
		t.Errorf("Expected exactly 1 lost batch, got %d", stats.BatchesLost)
	}
	if stats.EventsLost != 4 {
		t.Errorf("Expected 4 lost events, got %d", stats.EventsLost)
	}
	if len(ch.deliveredEvents()) != 0 {
		t.Errorf("Nothing should have been delivered, got %d events", len(ch.deliveredEvents()))
	}
}

func TestRegistrationBackoff(t *testing.T) {
	q := queue.New(100, 10)
	ch := &fakeChannel{failRegisters: 3}
	holder := fastConfig()

	tr := New(q, ch, holder, Registration{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !tr.connect(ctx) {
		t.Fatal("connect gave up despite eventual success")
	}
	if ch.registerCalls != 4 {
		t.Errorf("Expected 4 register attempts, got %d", ch.registerCalls)
	}
	if tr.State() != StateStreaming {
		t.Errorf("Expected streaming state, got %s", tr.State())
	}
}

func TestBackoffGrowsWhileOnlySendsFail(t *testing.T) {
	q := queue.New(100, 10)
	ch := &fakeChannel{failSends: 3}
	holder := fastConfig()

	tr := New(q, ch, holder, Registration{}, nil, nil)

	ctx := context.Background()
	if !tr.connect(ctx) {
		t.Fatal("connect failed")
	}
	fillQueue(q, 1)

	// Registration keeps succeeding between failed deliveries, so each
	// flush round re-registers without shrinking the backoff streak.
	for round := 1; round <= 3; round++ {
		tr.flush(ctx)
		if tr.backoffStreak != round {
			t.Fatalf("after round %d: backoffStreak = %d, want %d", round, tr.backoffStreak, round)
		}
	}
	if ch.registerCalls != 4 {
		t.Errorf("Expected 4 register calls (1 initial + 3 reconnects), got %d", ch.registerCalls)
	}

	// A successful delivery is what resets the streak.
	tr.flush(ctx)
	if len(ch.deliveredEvents()) != 1 {
		t.Fatalf("Expected the batch delivered after sends recover, got %d events", len(ch.deliveredEvents()))
	}
	if tr.backoffStreak != 0 {
		t.Errorf("backoffStreak = %d after successful send, want 0", tr.backoffStreak)
	}
}

func TestHeartbeatCarriesHealthAndAppliesConfig(t *testing.T) {
	q := queue.New(100, 10)
	newCfg := config.FromEnv()
	newCfg.Version = 7
	newCfg.FlushInterval = 10 * time.Millisecond
	newCfg.HeartbeatInterval = 50 * time.Millisecond
	newCfg.MaxBatchSize = 42
	ch := &fakeChannel{hbConfig: &newCfg}
	holder := fastConfig()

	health := func() map[string]bool {
		return map[string]bool{"file": true, "process": false}
	}

	tr := New(q, ch, holder, Registration{}, health, nil)
	tr.agentID.Store("agent-1")

	tr.heartbeat(context.Background())

	if len(ch.heartbeats) != 1 {
		t.Fatalf("Expected 1 heartbeat, got %d", len(ch.heartbeats))
	}
	hb := ch.heartbeats[0]
	if hb.AgentID != "agent-1" {
		t.Errorf("Heartbeat missing agent ID: %+v", hb)
	}
	if hb.Health.Monitors["process"] {
		t.Error("Heartbeat did not carry monitor health")
	}

	cur := holder.Current()
	if cur.Version != 7 || cur.MaxBatchSize != 42 {
		t.Errorf("Config not applied: version=%d batch=%d", cur.Version, cur.MaxBatchSize)
	}
}

func TestShutdownFlushesRemaining(t *testing.T) {
	q := queue.New(1000, 100)
	ch := &fakeChannel{}
	holder := fastConfig()

	tr := New(q, ch, holder, Registration{}, nil, nil)
	tr.agentID.Store("agent-1")
	fillQueue(q, 6)

	tr.shutdown()

	if len(ch.deliveredEvents()) != 6 {
		t.Errorf("Expected 6 events flushed at shutdown, got %d", len(ch.deliveredEvents()))
	}
	if tr.State() != StateShutdown {
		t.Errorf("Expected shutdown state, got %s", tr.State())
	}
	if q.Len() != 0 {
		t.Errorf("Queue not drained at shutdown: %d", q.Len())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("Condition not reached within deadline")
		case <-time.After(2 * time.Millisecond):
		}
	}
}
