// Package daemon watches the declarative config directory and applies
// external changes automatically.
//
// The daemon:
//  1. Watches the config dir (and its subdirectories) via fsnotify
//  2. Debounces bursts of file events into one reconciliation
//  3. Pre-checks the mtime watermark to skip no-op passes
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/canopyhq/canopy/internal/engine"
	"github.com/fsnotify/fsnotify"
)

// Config holds daemon configuration.
type Config struct {
	// DebounceInterval is how long to wait after the last file event
	// before reconciling. This batches rapid edits together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching and reconciliation.
type Daemon struct {
	engine    *engine.Engine
	configDir string
	config    *Config

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon reconciling changes under configDir.
func New(eng *engine.Engine, configDir string) (*Daemon, error) {
	return NewWithConfig(eng, configDir, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, configDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if configDir == "" {
		return nil, fmt.Errorf("configDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Daemon{
		engine:    eng,
		configDir: configDir,
		config:    config,
		watcher:   watcher,
	}, nil
}

// Start begins watching and reconciling. It returns immediately; use
// Stop for graceful shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.addWatchTree(d.configDir); err != nil {
		return err
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.run()

	d.config.Logger.Printf("watching %s", d.configDir)
	return nil
}

// Stop shuts the daemon down and waits for in-flight work.
func (d *Daemon) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	err := d.watcher.Close()
	d.wg.Wait()
	return err
}

func (d *Daemon) run() {
	defer d.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-d.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !d.interesting(ev) {
				continue
			}
			// New subdirectories must join the watch.
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = d.addWatchTree(ev.Name)
				}
			}
			d.mu.Lock()
			d.pending = true
			d.mu.Unlock()
			if timer == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
				timerC = timer.C
			} else {
				timer.Reset(d.config.DebounceInterval)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("watch error: %v", err)

		case <-timerC:
			d.mu.Lock()
			run := d.pending
			d.pending = false
			d.mu.Unlock()
			if run {
				d.reconcile()
			}
		}
	}
}

func (d *Daemon) reconcile() {
	pending, err := d.engine.AreChangesPending(d.ctx, "")
	if err != nil {
		d.config.Logger.Printf("pending-change check failed: %v", err)
		return
	}
	if !pending {
		return
	}

	res, err := d.engine.ApplyExternalChanges(d.ctx)
	if err != nil {
		if errors.Is(err, engine.ErrAborted) {
			d.config.Logger.Printf("sync aborted, stuck paths: %v", engine.StuckPaths(err))
			return
		}
		d.config.Logger.Printf("sync failed: %v", err)
		return
	}
	if res.Degraded {
		d.config.Logger.Printf("sync skipped: degraded mode")
		return
	}
	d.config.Logger.Printf("applied %d records in %v", res.Records, res.Duration.Round(time.Millisecond))
}

// interesting filters events down to config files and directories.
func (d *Daemon) interesting(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	switch ext {
	case ".yaml", ".yml", ".json", ".toml", "":
		return true
	default:
		return false
	}
}

// addWatchTree adds dir and every subdirectory to the watcher.
func (d *Daemon) addWatchTree(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := d.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
