package monitor

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
	"github.com/vigil-sec/vigil/agent/queue"
)

// consecutiveFailureLimit is the number of back-to-back probe errors after
// which a monitor reports itself unhealthy. Failures never stop the loop.
const consecutiveFailureLimit = 3

// Observation is one raw finding from a prober, before it becomes an event.
type Observation struct {
	Type    event.Type
	Payload map[string]any
}

// Prober inspects one OS surface and returns whatever differs from its
// baseline. Probe is called from a single goroutine, so probers may keep
// unguarded baseline state.
type Prober interface {
	Name() string
	Probe(cfg *config.Config) ([]Observation, error)
}

// Monitor runs one prober on a polling loop and offers its observations to
// the shared event queue. The queue's Offer is the only shared mutable
// touchpoint; a full queue drops the event rather than stalling the loop.
type Monitor struct {
	prober   Prober
	queue    *queue.Queue
	cfg      *config.Holder
	interval func(*config.Config) time.Duration

	hostname string
	agentID  atomic.Value // string, set after registration

	failures  int
	unhealthy atomic.Bool
	emitted   atomic.Uint64
}

// New creates a monitor for the given prober. The interval selector picks
// this monitor's polling interval out of the active config snapshot, so a
// pushed config change takes effect on the next cycle.
func New(p Prober, q *queue.Queue, cfg *config.Holder, hostname string, interval func(*config.Config) time.Duration) *Monitor {
	m := &Monitor{
		prober:   p,
		queue:    q,
		cfg:      cfg,
		interval: interval,
		hostname: hostname,
	}
	m.agentID.Store("")
	return m
}

// SetAgentID records the ID assigned by the coordination service. Events
// emitted before registration carry an empty agent ID.
func (m *Monitor) SetAgentID(id string) {
	m.agentID.Store(id)
}

// Healthy reports whether the monitor is below the consecutive-failure limit.
func (m *Monitor) Healthy() bool {
	return !m.unhealthy.Load()
}

// Emitted returns the number of events this monitor has offered to the queue.
func (m *Monitor) Emitted() uint64 {
	return m.emitted.Load()
}

// Name returns the underlying prober's name.
func (m *Monitor) Name() string {
	return m.prober.Name()
}

// Run polls until ctx is cancelled. It is meant to be launched in its own
// goroutine; errors are isolated to this loop.
func (m *Monitor) Run(ctx context.Context) {
	cur := m.interval(m.cfg.Current())
	ticker := time.NewTicker(cur)
	defer ticker.Stop()

	log.Printf("%s monitor started (interval %v)", m.prober.Name(), cur)

	for {
		select {
		case <-ctx.Done():
			log.Printf("%s monitor stopped", m.prober.Name())
			return
		case <-ticker.C:
			m.tick()

			// Pick up interval changes from a pushed config.
			if next := m.interval(m.cfg.Current()); next != cur {
				cur = next
				ticker.Reset(cur)
			}
		}
	}
}

func (m *Monitor) tick() {
	cfg := m.cfg.Current()

	observations, err := m.prober.Probe(cfg)
	if err != nil {
		m.failures++
		log.Printf("%s monitor probe error (%d consecutive): %v", m.prober.Name(), m.failures, err)
		if m.failures >= consecutiveFailureLimit {
			m.unhealthy.Store(true)
		}
		return
	}

	m.failures = 0
	m.unhealthy.Store(false)

	agentID, _ := m.agentID.Load().(string)
	for _, obs := range observations {
		ev := event.New(m.hostname, agentID, obs.Type, obs.Payload)
		if m.queue.Offer(ev) {
			m.emitted.Add(1)
		}
	}
}
