package monitor

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
)

// tcpEstablished is the st column value for an established socket in
// /proc/net/tcp.
const tcpEstablished = "01"

type connection struct {
	localAddr  string
	remoteAddr string
	remoteIP   string
	remotePort int
}

// NetworkProber parses the kernel's TCP connection table and reports
// connections to suspicious or previously unseen remote endpoints.
type NetworkProber struct {
	tcpPath string
	seen    map[string]struct{}
	primed  bool
}

// NewNetworkProber creates a network prober reading /proc/net/tcp. The path
// is overridable for tests.
func NewNetworkProber() *NetworkProber {
	return &NetworkProber{tcpPath: "/proc/net/tcp", seen: make(map[string]struct{})}
}

// Name implements Prober.
func (p *NetworkProber) Name() string { return "network" }

// Probe reports established connections that match the suspicion lists, and
// new non-whitelisted remotes once the baseline is primed. Suspicious
// matches are reported even on the first probe.
func (p *NetworkProber) Probe(cfg *config.Config) ([]Observation, error) {
	conns, err := p.listConnections()
	if err != nil {
		return nil, err
	}

	var observations []Observation
	current := make(map[string]struct{}, len(conns))

	for _, conn := range conns {
		key := conn.localAddr + "-" + conn.remoteAddr
		current[key] = struct{}{}

		if _, ok := p.seen[key]; ok {
			continue
		}
		if whitelistedConn(key, cfg.ConnectionWhitelist) {
			continue
		}

		if reason := suspiciousConn(conn, cfg); reason != "" {
			observations = append(observations, Observation{
				Type: event.TypeNetwork,
				Payload: map[string]any{
					"event":          "suspicious_connection",
					"local_address":  conn.localAddr,
					"remote_address": conn.remoteAddr,
					"reason":         reason,
				},
			})
		} else if p.primed {
			observations = append(observations, Observation{
				Type: event.TypeNetwork,
				Payload: map[string]any{
					"event":          "new_connection",
					"local_address":  conn.localAddr,
					"remote_address": conn.remoteAddr,
				},
			})
		}
	}

	p.seen = current
	p.primed = true
	return observations, nil
}

func (p *NetworkProber) listConnections() ([]connection, error) {
	f, err := os.Open(p.tcpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.tcpPath, err)
	}
	defer f.Close()

	var conns []connection
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[3] != tcpEstablished {
			continue
		}

		local, err := parseHexAddr(fields[1])
		if err != nil {
			continue
		}
		remote, err := parseHexAddr(fields[2])
		if err != nil {
			continue
		}

		ip, portStr, _ := strings.Cut(remote, ":")
		port, _ := strconv.Atoi(portStr)

		conns = append(conns, connection{
			localAddr:  local,
			remoteAddr: remote,
			remoteIP:   ip,
			remotePort: port,
		})
	}

	return conns, scanner.Err()
}

// parseHexAddr decodes the little-endian hex "ADDR:PORT" notation used by
// /proc/net/tcp into dotted-quad form.
func parseHexAddr(s string) (string, error) {
	addrHex, portHex, ok := strings.Cut(s, ":")
	if !ok || len(addrHex) != 8 {
		return "", fmt.Errorf("malformed address %q", s)
	}

	raw, err := strconv.ParseUint(addrHex, 16, 32)
	if err != nil {
		return "", err
	}
	port, err := strconv.ParseUint(portHex, 16, 16)
	if err != nil {
		return "", err
	}

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(raw))
	return fmt.Sprintf("%s:%d", net.IP(b).String(), port), nil
}

func whitelistedConn(key string, whitelist []string) bool {
	for _, w := range whitelist {
		if strings.Contains(key, w) {
			return true
		}
	}
	return false
}

func suspiciousConn(conn connection, cfg *config.Config) string {
	for _, ip := range cfg.SuspiciousIPs {
		if conn.remoteIP == ip {
			return "suspicious_ip"
		}
	}
	for _, port := range cfg.SuspiciousPorts {
		if conn.remotePort == port {
			return "suspicious_port"
		}
	}
	return ""
}
