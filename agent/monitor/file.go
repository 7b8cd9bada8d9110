package monitor

import (
	"os"
	"strings"
	"time"

	"github.com/vigil-sec/vigil/agent/config"
	"github.com/vigil-sec/vigil/agent/event"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// FileProber watches a configured list of paths for modification-time or
// size changes against a baseline built on the first probe.
type FileProber struct {
	baseline map[string]fileState
}

// NewFileProber creates a file integrity prober with an empty baseline.
func NewFileProber() *FileProber {
	return &FileProber{baseline: make(map[string]fileState)}
}

// Name implements Prober.
func (p *FileProber) Name() string { return "file" }

// Probe stats every watched path and reports those that changed since the
// previous probe. Missing paths are skipped; the first sighting of a path
// only establishes its baseline.
func (p *FileProber) Probe(cfg *config.Config) ([]Observation, error) {
	var observations []Observation

	for _, path := range cfg.WatchPaths {
		if excluded(path, cfg.ExcludePaths) {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				delete(p.baseline, path)
				continue
			}
			return observations, err
		}

		prev, seen := p.baseline[path]
		cur := fileState{modTime: info.ModTime(), size: info.Size()}

		if seen && (!cur.modTime.Equal(prev.modTime) || cur.size != prev.size) {
			observations = append(observations, Observation{
				Type: event.TypeFile,
				Payload: map[string]any{
					"event":         "file_change",
					"path":          path,
					"previous_mtime": prev.modTime.Unix(),
					"current_mtime":  cur.modTime.Unix(),
					"previous_size":  prev.size,
					"current_size":   cur.size,
				},
			})
		}

		p.baseline[path] = cur
	}

	return observations, nil
}

func excluded(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
