package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
)

type processInfo struct {
	pid     int
	name    string
	cmdline string
}

// ProcessProber scans /proc for running processes and reports new,
// terminated and suspiciously named ones against the previous scan.
type ProcessProber struct {
	procRoot string
	seen     map[int]processInfo
	primed   bool
}

// NewProcessProber creates a process prober reading from /proc. The root is
// overridable for tests.
func NewProcessProber() *ProcessProber {
	return &ProcessProber{procRoot: "/proc", seen: make(map[int]processInfo)}
}

// Name implements Prober.
func (p *ProcessProber) Name() string { return "process" }

// Probe diffs the current process table against the last one. The first
// probe only primes the baseline so agent start does not flood the queue
// with one event per preexisting process.
func (p *ProcessProber) Probe(cfg *config.Config) ([]Observation, error) {
	current, err := p.listProcesses()
	if err != nil {
		return nil, err
	}

	var observations []Observation

	if p.primed {
		for pid, info := range current {
			if _, ok := p.seen[pid]; ok {
				continue
			}
			if whitelisted(info.name, cfg.ProcessWhitelist) {
				continue
			}

			if reason := suspiciousName(info.name, cfg.SuspiciousNames); reason != "" {
				observations = append(observations, Observation{
					Type: event.TypeProcess,
					Payload: map[string]any{
						"event":   "suspicious_process",
						"pid":     pid,
						"name":    info.name,
						"cmdline": info.cmdline,
						"reason":  reason,
					},
				})
			}

			observations = append(observations, Observation{
				Type: event.TypeProcess,
				Payload: map[string]any{
					"event":   "new_process",
					"pid":     pid,
					"name":    info.name,
					"cmdline": info.cmdline,
				},
			})
		}

		for pid, info := range p.seen {
			if _, ok := current[pid]; ok {
				continue
			}
			if whitelisted(info.name, cfg.ProcessWhitelist) {
				continue
			}
			observations = append(observations, Observation{
				Type: event.TypeProcess,
				Payload: map[string]any{
					"event": "process_terminated",
					"pid":   pid,
					"name":  info.name,
				},
			})
		}
	}

	p.seen = current
	p.primed = true
	return observations, nil
}

// listProcesses reads numeric /proc entries the way the process table is
// enumerated on Linux. Processes that vanish mid-scan are skipped.
func (p *ProcessProber) listProcesses() (map[int]processInfo, error) {
	dir, err := os.Open(p.procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.procRoot, err)
	}
	defer dir.Close()

	entries, err := dir.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.procRoot, err)
	}

	processes := make(map[int]processInfo)
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry)
		if err != nil {
			continue
		}

		comm, err := os.ReadFile(filepath.Join(p.procRoot, entry, "comm"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(comm))

		cmdline := ""
		if raw, err := os.ReadFile(filepath.Join(p.procRoot, entry, "cmdline")); err == nil {
			cmdline = strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
		}

		processes[pid] = processInfo{pid: pid, name: name, cmdline: cmdline}
	}

	return processes, nil
}

func whitelisted(name string, whitelist []string) bool {
	for _, w := range whitelist {
		if name == w {
			return true
		}
	}
	return false
}

func suspiciousName(name string, patterns []string) string {
	lower := strings.ToLower(name)
	for _, pat := range patterns {
		if strings.Contains(lower, strings.ToLower(pat)) {
			return "suspicious_name"
		}
	}
	return ""
}
