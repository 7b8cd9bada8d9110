package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/monitor"
	"github.com/vigil-sec/vigil/agent/queue"
	"github.com/vigil-sec/vigil/agent/transmit"
)

const agentVersion = "1.0.0"

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var serverURL string
	var enrollKey string
	flag.StringVar(&serverURL, "server", envOr("VIGIL_SERVER_URL", "http://localhost:8080"), "Coordination service base URL")
	flag.StringVar(&enrollKey, "enroll-key", os.Getenv("VIGIL_ENROLL_KEY"), "Enrollment key for registration")
	flag.Parse()

	if enrollKey == "" {
		log.Fatal("VIGIL_ENROLL_KEY environment variable is required")
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("Failed to determine hostname: %v", err)
	}

	cfg := config.FromEnv()
	holder := config.NewHolder(cfg)
	q := queue.New(cfg.QueueCapacity, cfg.HighWaterMark)

	monitors := []*monitor.Monitor{
		monitor.New(monitor.NewFileProber(), q, holder, hostname,
			func(c *config.Config) time.Duration { return c.FilePollInterval }),
		monitor.New(monitor.NewProcessProber(), q, holder, hostname,
			func(c *config.Config) time.Duration { return c.ProcessPollInterval }),
		monitor.New(monitor.NewNetworkProber(), q, holder, hostname,
			func(c *config.Config) time.Duration { return c.NetworkPollInterval }),
	}

	healthFn := func() map[string]bool {
		health := make(map[string]bool, len(monitors))
		for _, m := range monitors {
			health[m.Name()] = m.Healthy()
		}
		return health
	}
	onRegister := func(agentID string) {
		for _, m := range monitors {
			m.SetAgentID(agentID)
		}
	}

	channel := transmit.NewHTTPChannel(serverURL, 10*time.Second)
	tx := transmit.New(q, channel, holder, transmit.Registration{
		Hostname:     hostname,
		OS:           runtime.GOOS,
		IPAddress:    localIP(),
		AgentVersion: agentVersion,
		EnrollKey:    enrollKey,
	}, healthFn, onRegister)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for _, m := range monitors {
		wg.Add(1)
		go func(m *monitor.Monitor) {
			defer wg.Done()
			m.Run(ctx)
		}(m)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		tx.Run(ctx)
	}()

	log.Printf("Agent started on %s, reporting to %s", hostname, serverURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	cancel()
	wg.Wait()

	stats := tx.Stats()
	log.Printf("Agent stopped: sent=%d lost=%d dropped=%d", stats.EventsSent, stats.EventsLost, stats.QueueDropped)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// localIP finds the primary outbound address without sending traffic.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
