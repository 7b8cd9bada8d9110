package transmit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
)

// Registration identifies this host to the coordination service.
type Registration struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	IPAddress    string `json:"ip_address"`
	AgentVersion string `json:"agent_version"`
	EnrollKey    string `json:"enroll_key"`
}

// RegisterResponse carries the assigned identity and initial config.
type RegisterResponse struct {
	AgentID string         `json:"agent_id"`
	Token   string         `json:"token"`
	Config  *config.Config `json:"config,omitempty"`
}

// HealthSummary is the agent-side health snapshot carried on heartbeats.
type HealthSummary struct {
	Monitors      map[string]bool `json:"monitors"`
	QueueDepth    int             `json:"queue_depth"`
	DroppedEvents uint64          `json:"dropped_events"`
	DeliveryLost  uint64          `json:"delivery_lost"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	AgentID   string        `json:"agent_id"`
	Timestamp time.Time     `json:"timestamp"`
	Health    HealthSummary `json:"health"`
	ConfigVer int           `json:"config_version"`
}

// HeartbeatResponse may piggyback a newer config version.
type HeartbeatResponse struct {
	Status string         `json:"status"`
	Config *config.Config `json:"config,omitempty"`
}

// Channel is the network path to the coordination service. Implementations
// must be safe to call from the transmitter goroutine only; all calls are
// bounded by the passed context.
type Channel interface {
	Register(ctx context.Context, reg Registration) (RegisterResponse, error)
	SendBatch(ctx context.Context, agentID string, events []event.Event) error
	Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResponse, error)
}

// HTTPChannel implements Channel against the service's REST API. The
// session token from registration is sent on subsequent requests.
type HTTPChannel struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	token string
}

// NewHTTPChannel creates a channel with a bounded-timeout client.
func NewHTTPChannel(baseURL string, timeout time.Duration) *HTTPChannel {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChannel{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Register enrolls the agent. Registration is idempotent on the server, so
// it is also used to re-establish a session after a connection drop.
func (c *HTTPChannel) Register(ctx context.Context, reg Registration) (RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.post(ctx, "/api/agent/register", reg, &resp); err != nil {
		return RegisterResponse{}, err
	}

	c.mu.Lock()
	c.token = resp.Token
	c.mu.Unlock()

	return resp, nil
}

type batchRequest struct {
	AgentID string        `json:"agent_id"`
	Events  []event.Event `json:"events"`
}

// SendBatch delivers one ordered batch of events.
func (c *HTTPChannel) SendBatch(ctx context.Context, agentID string, events []event.Event) error {
	return c.post(ctx, "/api/agent/events", batchRequest{AgentID: agentID, Events: events}, nil)
}

// Heartbeat reports liveness and collects any pending config update.
func (c *HTTPChannel) Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	if err := c.post(ctx, "/api/agent/heartbeat", hb, &resp); err != nil {
		return HeartbeatResponse{}, err
	}
	return resp, nil
}

func (c *HTTPChannel) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "vigil-agent/1.0")

	c.mu.Lock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Unlock()

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
