package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/canopyhq/canopy/internal/lockfile"
	"github.com/canopyhq/canopy/internal/rowstore"
	"github.com/canopyhq/canopy/internal/tree"
)

// watermarkKey stores the external tree's newest file mtime at the
// last successful sync, for the cheap nothing-changed pre-check.
const watermarkKey = "external_watermark"

// SyncResult summarizes a full reconciliation pass.
type SyncResult struct {
	Added    []string
	Changed  []string
	Removed  []string
	Records  int
	Duration time.Duration

	// Generation is the token after the pass.
	Generation int64

	// Degraded is true when the pass skipped the external store
	// because the sticky write-failure flag is set.
	Degraded bool
}

// ApplyExternalChanges runs one full reconciliation pass: acquire the
// process-wide sync lock, reset the working overlay, force-reload the
// external tree, diff it against internal, dispatch removed then
// changed then added paths, drain deferred handlers within the budget,
// then flush the change set and bump the generation. The lock is
// released whether the pass succeeds or fails; the internal store is
// only written after dispatch fully completes, so an aborted pass
// leaves it at its pre-sync state.
func (e *Engine) ApplyExternalChanges(ctx context.Context) (*SyncResult, error) {
	start := time.Now()

	lock, err := lockfile.Acquire(e.settings.LockPath(), e.settings.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			e.logger.Printf("failed to release sync lock: %v", rerr)
		}
	}()

	if degraded, err := e.Degraded(ctx); err != nil {
		return nil, err
	} else if degraded {
		e.logger.Printf("external store flagged degraded, skipping reconciliation")
		gen, err := e.rows.Generation(ctx)
		if err != nil {
			return nil, err
		}
		return &SyncResult{Degraded: true, Generation: gen, Duration: time.Since(start)}, nil
	}

	s := e.NewSession(ctx)
	s.Reset()
	s.syncing = true

	external, err := s.externalTree(true)
	if err != nil {
		return nil, err
	}
	internal, err := s.internalTree()
	if err != nil {
		return nil, err
	}
	watermark, err := e.files.ModTime()
	if err != nil {
		return nil, err
	}

	d := tree.Diff(internal, external)

	// Deletions first: handlers downstream assume an item is gone
	// before a same-named item is recreated.
	for _, p := range d.Removed {
		if err := s.set(p, nil, "sync: removed from external config", false, false); err != nil {
			return nil, err
		}
	}
	for _, p := range d.Changed {
		v, _ := external.Get(p)
		if err := s.set(p, v, "sync: changed in external config", false, false); err != nil {
			return nil, err
		}
	}
	for _, p := range d.Added {
		v, _ := external.Get(p)
		if err := s.set(p, v, "sync: added in external config", false, false); err != nil {
			return nil, err
		}
	}

	if err := s.DrainDeferred(); err != nil {
		return nil, err
	}

	records := len(s.changes)
	gen, err := s.Flush()
	if err != nil {
		return nil, err
	}

	if err := e.rows.MetaSet(ctx, watermarkKey, watermark.UTC().Format(time.RFC3339Nano)); err != nil {
		e.logger.Printf("failed to record sync watermark: %v", err)
	}

	res := &SyncResult{
		Added:      d.Added,
		Changed:    d.Changed,
		Removed:    d.Removed,
		Records:    records,
		Generation: gen,
		Duration:   time.Since(start),
	}
	e.logger.Printf("sync complete: %d added, %d changed, %d removed, %d records, generation %d",
		len(res.Added), len(res.Changed), len(res.Removed), res.Records, res.Generation)
	return res, nil
}

// AreChangesPending reports whether the external tree differs from
// internal. With a path, only that subtree is compared. Without one, a
// file-mtime watermark check short-circuits the full diff when nothing
// was touched since the last sync.
func (e *Engine) AreChangesPending(ctx context.Context, path string) (bool, error) {
	if path == "" {
		current, err := e.files.ModTime()
		if err != nil {
			return false, err
		}
		stored, err := e.rows.MetaGet(ctx, watermarkKey)
		if err != nil {
			return false, err
		}
		if stored != "" && stored == current.UTC().Format(time.RFC3339Nano) {
			return false, nil
		}
	}

	s := e.NewSession(ctx)
	internal, err := s.internalTree()
	if err != nil {
		return false, err
	}
	external, err := s.externalTree(false)
	if err != nil {
		return false, err
	}

	if path != "" {
		return !tree.Equal(subtree(internal, path), subtree(external, path)), nil
	}
	return tree.HasDiff(internal, external), nil
}

// PendingChangeSummary classifies every pending difference between
// internal and external without applying anything.
func (e *Engine) PendingChangeSummary(ctx context.Context) (map[string][]string, error) {
	s := e.NewSession(ctx)
	internal, err := s.internalTree()
	if err != nil {
		return nil, err
	}
	external, err := s.externalTree(false)
	if err != nil {
		return nil, err
	}
	d := tree.Diff(internal, external)
	return map[string][]string{
		"added":   d.Added,
		"changed": d.Changed,
		"removed": d.Removed,
	}, nil
}

// RegenerateExternalConfig rewrites the declarative files from the
// internal tree. On success the sticky degraded flag clears; on
// failure it is set and the error reported.
func (e *Engine) RegenerateExternalConfig(ctx context.Context) error {
	if err := e.regenerate(ctx); err != nil {
		e.setDegraded(ctx, err)
		return fmt.Errorf("%w: %w", ErrExternalWrite, err)
	}
	return e.ClearDegraded(ctx)
}

func (e *Engine) regenerate(ctx context.Context) error {
	s := e.NewSession(ctx)
	internal, err := s.internalTree()
	if err != nil {
		return err
	}
	return e.files.Write(internal)
}

// Rebuild re-derives the entire tree from the live runtime state of
// all registered producers and replaces both stores with the result.
// Later producers win on overlapping leaves. The replaced delta is
// recorded in history like any other applied change set.
func (e *Engine) Rebuild(ctx context.Context) (*SyncResult, error) {
	start := time.Now()

	lock, err := lockfile.Acquire(e.settings.LockPath(), e.settings.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			e.logger.Printf("failed to release sync lock: %v", rerr)
		}
	}()

	e.mu.Lock()
	producers := make([]Producer, len(e.producers))
	copy(producers, e.producers)
	e.mu.Unlock()

	derived := make(tree.Tree)
	for _, p := range producers {
		sub, err := p.Produce(ctx)
		if err != nil {
			return nil, fmt.Errorf("producer %s: %w", p.Name(), err)
		}
		for path, v := range tree.Flatten(sub) {
			derived.Set(path, v)
		}
	}

	s := e.NewSession(ctx)
	internal, err := s.internalTree()
	if err != nil {
		return nil, err
	}
	d := tree.Diff(internal, derived)

	flat := tree.Flatten(derived)
	entries := make([]rowstore.Entry, 0, len(flat))
	for path, v := range flat {
		if path == tree.ImportsKey {
			continue
		}
		entries = append(entries, rowstore.Entry{Path: path, Value: tree.Encode(v)})
	}

	gen, err := e.rows.Replace(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("rebuild: %w", err)
	}

	if err := e.files.Write(derived); err != nil {
		e.setDegraded(ctx, err)
	} else if err := e.ClearDegraded(ctx); err != nil {
		e.logger.Printf("failed to clear degraded flag: %v", err)
	}

	e.recordRebuildHistory(d, derived, internal)

	res := &SyncResult{
		Added:      d.Added,
		Changed:    d.Changed,
		Removed:    d.Removed,
		Records:    len(d.Added) + len(d.Changed) + len(d.Removed),
		Generation: gen,
		Duration:   time.Since(start),
	}
	e.logger.Printf("rebuild complete: %d entries, generation %d", len(entries), gen)
	return res, nil
}
