// Package history persists the rotating delta history: one JSON
// snapshot per applied change set, bounded to a configured count, used
// for audit and debugging of sync passes.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultMaxEntries bounds the rotation when no limit is configured.
const DefaultMaxEntries = 20

// Record is one change within a snapshot.
type Record struct {
	Path    string `json:"path"`
	Old     any    `json:"old,omitempty"`
	New     any    `json:"new,omitempty"`
	Message string `json:"message,omitempty"`
}

// Snapshot is one applied change set.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Records   []Record  `json:"records"`
}

// Log manages the rotating snapshot directory.
type Log struct {
	dir string
	max int
}

// New creates a log writing to dir, keeping at most max snapshots;
// non-positive max falls back to DefaultMaxEntries.
func New(dir string, max int) *Log {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Log{dir: dir, max: max}
}

// Append writes a snapshot for records and evicts the oldest snapshots
// beyond the configured maximum. Empty change sets write nothing.
func (l *Log) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	snap := Snapshot{Timestamp: time.Now().UTC(), Records: records}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	nano := snap.Timestamp.UnixNano()
	name := fmt.Sprintf("changes-%d.json", nano)
	for {
		if _, err := os.Stat(filepath.Join(l.dir, name)); os.IsNotExist(err) {
			break
		}
		nano++
		name = fmt.Sprintf("changes-%d.json", nano)
	}
	if err := os.WriteFile(filepath.Join(l.dir, name), data, 0644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	return l.rotate()
}

// List returns snapshot filenames, oldest first.
func (l *Log) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(e.Name(), "changes-") && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read loads one snapshot by filename.
func (l *Log) Read(name string) (Snapshot, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", name, err)
	}
	return snap, nil
}

// ReadRaw loads one snapshot's raw JSON, for path-filtered inspection.
func (l *Log) ReadRaw(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", name, err)
	}
	return data, nil
}

func (l *Log) rotate() error {
	names, err := l.List()
	if err != nil {
		return err
	}
	for len(names) > l.max {
		if err := os.Remove(filepath.Join(l.dir, names[0])); err != nil {
			return fmt.Errorf("evict snapshot %s: %w", names[0], err)
		}
		names = names[1:]
	}
	return nil
}
