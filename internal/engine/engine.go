// Package engine implements canopy's configuration reconciliation
// core: the per-request working tree with its change log, the
// diff-driven event dispatch with bounded deferral, the lock-guarded
// sync coordinator that reconciles the declarative file tree into the
// row store, and the persistence writer with rotating delta history.
//
// Three trees are in play per unit of work: the internal tree (last
// durably applied state, read through a generation-keyed cache), the
// external tree (the declarative files, reloaded once per unit of
// work), and the working tree (a mutable overlay seeded from internal,
// discarded at the end). Collaborators consume a narrow surface: get,
// set, remove, the on* subscriptions and the sync entry points.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/events"
	"github.com/canopyhq/canopy/internal/filestore"
	"github.com/canopyhq/canopy/internal/history"
	"github.com/canopyhq/canopy/internal/rowstore"
	"github.com/canopyhq/canopy/internal/tree"
)

// TimestampPath is the leaf bumped (at most once per unit of work)
// whenever a value changes, itself dispatched like any other change.
const TimestampPath = "system.last_modified"

// Notification is pushed to observers after durable state changes.
type Notification struct {
	// Records lists the changes just persisted.
	Records []ChangeRecord

	// Generation is the token after the flush.
	Generation int64

	// SyncPass is true when the flush concluded a full sync pass.
	SyncPass bool
}

// Producer re-derives one collaborator's slice of the configuration
// tree from live runtime state, for rebuild.
type Producer interface {
	// Name identifies the producer in logs.
	Name() string

	// Produce returns the subtree this collaborator owns.
	Produce(ctx context.Context) (tree.Tree, error)
}

// Engine is the long-lived reconciliation engine. Sessions created
// from it carry the per-unit-of-work state.
type Engine struct {
	settings *config.Settings
	rows     *rowstore.Store
	files    *filestore.Store
	cache    *rowstore.TreeCache
	registry *events.Registry
	hist     *history.Log
	logger   *log.Logger

	mu        sync.Mutex
	producers []Producer
	observers []func(Notification)
}

// Open wires an engine against its stores. The row store schema is
// created if missing and the schema version recorded on first run.
func Open(ctx context.Context, settings *config.Settings, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	rows, err := rowstore.Open(settings.DBPath())
	if err != nil {
		return nil, err
	}
	if err := rows.InitSchemaContext(ctx); err != nil {
		_ = rows.Close()
		return nil, err
	}

	current, err := rows.MetaGet(ctx, rowstore.MetaSchemaVersion)
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	if current == "" {
		if err := rows.MetaSet(ctx, rowstore.MetaSchemaVersion, settings.SchemaVersion); err != nil {
			_ = rows.Close()
			return nil, err
		}
	}

	return &Engine{
		settings: settings,
		rows:     rows,
		files:    filestore.New(settings.ConfigDir),
		cache:    rowstore.NewTreeCache(),
		registry: events.NewRegistry(),
		hist:     history.New(settings.HistoryDir, settings.HistoryMax),
		logger:   logger,
	}, nil
}

// Close releases the underlying row store.
func (e *Engine) Close() error {
	return e.rows.Close()
}

// Rows exposes the row store for status and inspection commands.
func (e *Engine) Rows() *rowstore.Store {
	return e.rows
}

// Files exposes the declarative file store.
func (e *Engine) Files() *filestore.Store {
	return e.files
}

// History exposes the delta history log.
func (e *Engine) History() *history.Log {
	return e.hist
}

// OnAdd subscribes a handler to additions matching pattern.
func (e *Engine) OnAdd(pattern string, h events.Handler, data any) error {
	return e.registry.On(events.Add, pattern, h, data)
}

// OnUpdate subscribes a handler to updates matching pattern.
func (e *Engine) OnUpdate(pattern string, h events.Handler, data any) error {
	return e.registry.On(events.Update, pattern, h, data)
}

// OnRemove subscribes a handler to removals matching pattern.
func (e *Engine) OnRemove(pattern string, h events.Handler, data any) error {
	return e.registry.On(events.Remove, pattern, h, data)
}

// RegisterProducer adds a rebuild producer. Producers run in
// registration order; later producers win on overlapping leaves.
func (e *Engine) RegisterProducer(p Producer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.producers = append(e.producers, p)
}

// AddObserver subscribes to persistence notifications. Observers run
// synchronously after a flush; they must not block.
func (e *Engine) AddObserver(fn func(Notification)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(n Notification) {
	e.mu.Lock()
	observers := make([]func(Notification), len(e.observers))
	copy(observers, e.observers)
	e.mu.Unlock()
	for _, fn := range observers {
		fn(n)
	}
}

// Generation reads the current generation token.
func (e *Engine) Generation(ctx context.Context) (int64, error) {
	return e.rows.Generation(ctx)
}

// Degraded reports whether the sticky external-write-failure flag is
// set, meaning syncs treat the declarative store as unavailable.
func (e *Engine) Degraded(ctx context.Context) (bool, error) {
	v, err := e.rows.MetaGet(ctx, rowstore.MetaExternalDegraded)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// ClearDegraded resets the sticky flag after an operator fixed the
// declarative store.
func (e *Engine) ClearDegraded(ctx context.Context) error {
	return e.rows.MetaSet(ctx, rowstore.MetaExternalDegraded, "")
}

func (e *Engine) setDegraded(ctx context.Context, cause error) {
	e.logger.Printf("external config write failed, entering degraded mode: %v", cause)
	if err := e.rows.MetaSet(ctx, rowstore.MetaExternalDegraded, "1"); err != nil {
		e.logger.Printf("failed to record degraded flag: %v", err)
	}
}

// Incompatibility is one schema version mismatch between stores.
type Incompatibility struct {
	Source string `json:"source"` // "internal" or "external"
	Found  string `json:"found"`
	Want   string `json:"want"`
}

// CheckCompat compares the schema versions recorded in the internal
// and external stores against the version this build speaks. Reported
// as a list rather than an error so callers can decide whether to
// block a migration.
func (e *Engine) CheckCompat(ctx context.Context) ([]Incompatibility, error) {
	want := e.settings.SchemaVersion
	var out []Incompatibility

	internal, err := e.rows.MetaGet(ctx, rowstore.MetaSchemaVersion)
	if err != nil {
		return nil, err
	}
	if internal != "" && internal != want {
		out = append(out, Incompatibility{Source: "internal", Found: internal, Want: want})
	}

	ext, err := e.files.Load()
	if err != nil {
		return nil, fmt.Errorf("load external config: %w", err)
	}
	if v, ok := ext.Get("version"); ok {
		found := fmt.Sprintf("%v", v)
		if found != want {
			out = append(out, Incompatibility{Source: "external", Found: found, Want: want})
		}
	}
	return out, nil
}
