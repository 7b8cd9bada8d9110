package config

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Config is one immutable snapshot of the agent's runtime tunables. The
// coordination service may push a newer version; the whole snapshot is
// replaced at once, never field by field.
type Config struct {
	Version int `json:"version"`

	FilePollInterval    time.Duration `json:"file_poll_interval"`
	ProcessPollInterval time.Duration `json:"process_poll_interval"`
	NetworkPollInterval time.Duration `json:"network_poll_interval"`

	QueueCapacity int `json:"queue_capacity"`
	HighWaterMark int `json:"high_water_mark"`

	FlushInterval     time.Duration `json:"flush_interval"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	MaxBatchSize      int           `json:"max_batch_size"`
	RetryCap          int           `json:"retry_cap"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffCeiling    time.Duration `json:"backoff_ceiling"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout"`

	WatchPaths   []string `json:"watch_paths"`
	ExcludePaths []string `json:"exclude_paths"`

	ProcessWhitelist []string `json:"process_whitelist"`
	SuspiciousNames  []string `json:"suspicious_names"`

	ConnectionWhitelist []string `json:"connection_whitelist"`
	SuspiciousIPs       []string `json:"suspicious_ips"`
	SuspiciousPorts     []int    `json:"suspicious_ports"`
}

// FromEnv builds the initial configuration from environment variables,
// falling back to reference defaults.
func FromEnv() Config {
	return Config{
		Version: 1,

		FilePollInterval:    envDuration("VIGIL_FILE_INTERVAL", time.Second),
		ProcessPollInterval: envDuration("VIGIL_PROCESS_INTERVAL", time.Second),
		NetworkPollInterval: envDuration("VIGIL_NETWORK_INTERVAL", time.Second),

		QueueCapacity: envInt("VIGIL_QUEUE_CAPACITY", 10000),
		HighWaterMark: envInt("VIGIL_HIGH_WATER", 100),

		FlushInterval:     envDuration("VIGIL_FLUSH_INTERVAL", 5*time.Second),
		HeartbeatInterval: envDuration("VIGIL_HEARTBEAT_INTERVAL", 30*time.Second),
		MaxBatchSize:      envInt("VIGIL_MAX_BATCH", 500),
		RetryCap:          envInt("VIGIL_RETRY_CAP", 5),
		BackoffBase:       envDuration("VIGIL_BACKOFF_BASE", 500*time.Millisecond),
		BackoffCeiling:    envDuration("VIGIL_BACKOFF_CEILING", 30*time.Second),
		ConnectTimeout:    envDuration("VIGIL_CONNECT_TIMEOUT", 10*time.Second),
		ShutdownTimeout:   envDuration("VIGIL_SHUTDOWN_TIMEOUT", 5*time.Second),

		WatchPaths:   envList("VIGIL_WATCH_PATHS", []string{"/etc/passwd", "/etc/shadow", "/etc/hosts"}),
		ExcludePaths: envList("VIGIL_EXCLUDE_PATHS", nil),

		ProcessWhitelist: envList("VIGIL_PROCESS_WHITELIST", nil),
		SuspiciousNames:  envList("VIGIL_SUSPICIOUS_NAMES", []string{"nc", "ncat", "xmrig", "minerd"}),

		ConnectionWhitelist: envList("VIGIL_CONNECTION_WHITELIST", nil),
		SuspiciousIPs:       envList("VIGIL_SUSPICIOUS_IPS", nil),
		SuspiciousPorts:     envInts("VIGIL_SUSPICIOUS_PORTS", []int{4444, 5555, 6667}),
	}
}

// Holder provides torn-read-free access to the current config snapshot for
// the monitors and transmitter.
type Holder struct {
	ptr atomic.Pointer[Config]
}

// NewHolder creates a holder seeded with the initial config.
func NewHolder(cfg Config) *Holder {
	h := &Holder{}
	h.ptr.Store(&cfg)
	return h
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (h *Holder) Current() *Config {
	return h.ptr.Load()
}

// Apply swaps in a newer snapshot. Snapshots with a version at or below the
// current one are ignored, so replayed heartbeat responses are harmless.
// Snapshots carrying a non-positive interval are rejected outright; every
// interval here ends up in a ticker, and Reset panics on zero.
func (h *Holder) Apply(cfg Config) bool {
	if cfg.FilePollInterval <= 0 || cfg.ProcessPollInterval <= 0 || cfg.NetworkPollInterval <= 0 ||
		cfg.FlushInterval <= 0 || cfg.HeartbeatInterval <= 0 {
		return false
	}
	for {
		cur := h.ptr.Load()
		if cfg.Version <= cur.Version {
			return false
		}
		if h.ptr.CompareAndSwap(cur, &cfg) {
			return true
		}
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

func envList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return def
}

func envInts(key string, def []int) []int {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
				out = append(out, n)
			}
		}
		return out
	}
	return def
}
