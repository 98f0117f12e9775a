package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/canopyhq/canopy/internal/events"
	"github.com/canopyhq/canopy/internal/history"
	"github.com/canopyhq/canopy/internal/rowstore"
	"github.com/canopyhq/canopy/internal/tree"
)

// ChangeRecord is one committed change in a unit of work. Records are
// only produced when a value actually changes: equality is by
// canonical encoding, so a no-op set records nothing and dispatches
// nothing.
type ChangeRecord struct {
	Path    string
	Old     any
	New     any
	Message string
}

// Session is one unit of work: a single logical operation during
// which one working tree is active. Sessions are single-threaded by
// contract and must not be shared across goroutines.
type Session struct {
	engine *Engine
	ctx    context.Context

	internal tree.Tree
	external tree.Tree
	working  tree.Tree

	changes  []ChangeRecord
	dirty    bool
	tsBumped bool
	syncing  bool

	deferq *events.DeferQueue
}

// NewSession starts a unit of work. The internal and external trees
// are loaded lazily and memoized for the session's lifetime.
func (e *Engine) NewSession(ctx context.Context) *Session {
	return &Session{
		engine: e,
		ctx:    ctx,
		deferq: events.NewDeferQueue(e.settings.MaxDefers),
	}
}

// Reset discards the working overlay and change log, so a fresh sync
// pass never sees stale mutations from an earlier use of the session.
func (s *Session) Reset() {
	s.working = nil
	s.changes = nil
	s.dirty = false
	s.tsBumped = false
	s.deferq.Reset()
}

// Changes returns the change log accumulated so far.
func (s *Session) Changes() []ChangeRecord {
	return s.changes
}

// Dirty reports whether the session holds unflushed changes.
func (s *Session) Dirty() bool {
	return s.dirty
}

func (s *Session) internalTree() (tree.Tree, error) {
	if s.internal != nil {
		return s.internal, nil
	}
	t, _, err := s.engine.cache.Load(s.ctx, s.engine.rows)
	if err != nil {
		return nil, fmt.Errorf("load internal tree: %w", err)
	}
	s.internal = t
	return t, nil
}

func (s *Session) externalTree(force bool) (tree.Tree, error) {
	if s.external != nil && !force {
		return s.external, nil
	}
	t, err := s.engine.files.Load()
	if err != nil {
		return nil, fmt.Errorf("load external tree: %w", err)
	}
	s.external = t
	return t, nil
}

func (s *Session) workingTree() (tree.Tree, error) {
	if s.working != nil {
		return s.working, nil
	}
	internal, err := s.internalTree()
	if err != nil {
		return nil, err
	}
	s.working = internal.Clone()
	return s.working, nil
}

// Lookup returns the working value at path and whether it exists.
func (s *Session) Lookup(path string) (any, bool) {
	w, err := s.workingTree()
	if err != nil {
		s.engine.logger.Printf("lookup %s: %v", path, err)
		return nil, false
	}
	return w.Get(path)
}

// Get returns the working value at path, nil when absent.
func (s *Session) Get(path string) any {
	v, _ := s.Lookup(path)
	return v
}

// Set writes value at path with an audit message. The first effective
// change of the unit of work also bumps the modification timestamp,
// itself dispatched as a change.
func (s *Session) Set(path string, value any, message string) error {
	return s.set(path, value, message, true, false)
}

// SetForced writes regardless of write protection.
func (s *Session) SetForced(path string, value any, message string) error {
	return s.set(path, value, message, true, true)
}

// Remove deletes the subtree at path. Sugar for a nil Set.
func (s *Session) Remove(path string, message string) error {
	return s.set(path, nil, message, true, false)
}

func (s *Session) set(path string, value any, message string, bumpTimestamp, forced bool) error {
	if path == "" {
		return fmt.Errorf("set: empty path")
	}
	value = tree.Normalize(value)

	if !forced && s.engine.settings.WriteProtected {
		if !s.mirrorsExternal(path, value) {
			return fmt.Errorf("set %s: %w", path, ErrReadOnly)
		}
	}

	w, err := s.workingTree()
	if err != nil {
		return err
	}

	old, existed := w.Get(path)
	if value == nil && !existed {
		return nil
	}
	if existed && value != nil && tree.Equal(old, value) {
		return nil
	}

	w.Set(path, value)
	rec := ChangeRecord{Path: path, Old: cloneForRecord(old), New: cloneForRecord(value), Message: message}
	s.changes = append(s.changes, rec)
	s.dirty = true

	if bumpTimestamp && !s.tsBumped && path != TimestampPath {
		s.tsBumped = true
		ts := time.Now().UTC().Format(time.RFC3339)
		if err := s.set(TimestampPath, ts, "modification timestamp", false, true); err != nil {
			return err
		}
	}

	return s.dispatch(rec)
}

// mirrorsExternal reports whether a write during a sync pass only
// restates what the external store already declares at path, which is
// the one write allowed through active write protection.
func (s *Session) mirrorsExternal(path string, value any) bool {
	if !s.syncing {
		return false
	}
	ext, err := s.externalTree(false)
	if err != nil {
		return false
	}
	cur, _ := ext.Get(path)
	return tree.Equal(cur, value)
}

// dispatch fans a committed change out to matching handlers.
func (s *Session) dispatch(rec ChangeRecord) error {
	ev := events.Event{
		Kind:    classify(rec.Old, rec.New),
		Path:    rec.Path,
		Old:     rec.Old,
		New:     rec.New,
		Message: rec.Message,
	}
	return s.dispatchEvent(ev, map[string]struct{}{rec.Path: {}})
}

// dispatchEvent delivers one event. Handlers whose pattern matches
// with a trailing remainder — the event sits deeper than the shape
// they registered on — are not invoked directly; instead the matched
// prefix is re-dispatched against internal's old value and the
// currently effective working value, so coarse handlers observe the
// granular mutation at their own granularity. The seen set bounds the
// recursion: each prefix is re-dispatched at most once per commit.
func (s *Session) dispatchEvent(ev events.Event, seen map[string]struct{}) error {
	for _, hit := range s.engine.registry.Matches(ev.Kind, ev.Path) {
		if !hit.Match.Exact() {
			prefix := strings.TrimSuffix(ev.Path, "."+hit.Match.Remainder)
			if _, done := seen[prefix]; done {
				continue
			}
			seen[prefix] = struct{}{}

			internal, err := s.internalTree()
			if err != nil {
				return err
			}
			oldV, _ := internal.Get(prefix)
			newV := s.Get(prefix)
			if tree.Equal(oldV, newV) {
				continue
			}
			sub := events.Event{
				Kind:    classify(oldV, newV),
				Path:    prefix,
				Old:     cloneForRecord(oldV),
				New:     cloneForRecord(newV),
				Message: ev.Message,
			}
			if err := s.dispatchEvent(sub, seen); err != nil {
				return err
			}
			continue
		}

		handler := hit.Reg.Handler
		inv := events.Invocation{
			Event: ev,
			UIDs:  hit.Match.UIDs,
			Data:  hit.Reg.Data,
			Tree:  s,
		}
		inv.Defer = func() {
			s.deferq.Push(inv, handler)
		}
		if err := handler(inv); err != nil {
			return fmt.Errorf("handler for %s %s: %w", ev.Kind, ev.Path, err)
		}
	}
	return nil
}

// DrainDeferred retries postponed handlers within the budget.
func (s *Session) DrainDeferred() error {
	if err := s.deferq.Drain(); err != nil {
		return fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return nil
}

// Flush durably records the change log: row deletes and upserts in one
// transaction, a generation bump, one delta history entry, then the
// change log resets. Deferred handlers still queued from the session's
// direct writes are drained first, within the budget. Callers with
// external writing enabled get the declarative files regenerated; a
// failure there is converted into the sticky degraded flag rather than
// failing the flush.
func (s *Session) Flush() (int64, error) {
	if err := s.DrainDeferred(); err != nil {
		return 0, err
	}

	if !s.dirty || len(s.changes) == 0 {
		return s.engine.rows.Generation(s.ctx)
	}

	ops := make([]rowstore.Op, 0, len(s.changes))
	for _, rec := range s.changes {
		op := rowstore.Op{DeletePath: rec.Path}
		if rec.New != nil {
			// Writing leaves beneath rec.Path invalidates any leaf row
			// stored at one of its ancestors.
			op.DeleteExact = ancestorPaths(rec.Path)
			op.Upserts = leafEntries(rec.Path, rec.New)
		}
		ops = append(ops, op)
	}

	gen, err := s.engine.rows.Apply(s.ctx, ops)
	if err != nil {
		return 0, fmt.Errorf("flush change set: %w", err)
	}

	records := make([]history.Record, len(s.changes))
	for i, rec := range s.changes {
		records[i] = history.Record{Path: rec.Path, Old: rec.Old, New: rec.New, Message: rec.Message}
	}
	if err := s.engine.hist.Append(records); err != nil {
		s.engine.logger.Printf("failed to record delta history: %v", err)
	}

	flushed := s.changes
	s.changes = nil
	s.dirty = false
	s.internal = nil // reload at the new generation on next access
	s.working = nil

	if s.engine.settings.ExternalWrite && !s.syncing {
		if err := s.engine.regenerate(s.ctx); err != nil {
			s.engine.setDegraded(s.ctx, err)
		}
	}

	s.engine.notify(Notification{Records: flushed, Generation: gen, SyncPass: s.syncing})
	return gen, nil
}

// ancestorPaths returns every proper prefix of path, nearest the root
// first.
func ancestorPaths(path string) []string {
	segs := tree.Segments(path)
	if len(segs) < 2 {
		return nil
	}
	out := make([]string, 0, len(segs)-1)
	for i := 1; i < len(segs); i++ {
		out = append(out, tree.Join(segs[:i]...))
	}
	return out
}

// leafEntries flattens a committed value into its stored rows.
func leafEntries(path string, value any) []rowstore.Entry {
	if m, ok := value.(map[string]any); ok {
		flat := tree.Flatten(tree.Tree(m))
		paths := make([]string, 0, len(flat))
		for p := range flat {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		entries := make([]rowstore.Entry, 0, len(paths))
		for _, p := range paths {
			entries = append(entries, rowstore.Entry{
				Path:  path + "." + p,
				Value: tree.Encode(flat[p]),
			})
		}
		return entries
	}
	return []rowstore.Entry{{Path: path, Value: tree.Encode(value)}}
}

func classify(old, new any) events.Kind {
	switch {
	case new == nil:
		return events.Remove
	case old == nil:
		return events.Add
	default:
		return events.Update
	}
}

// cloneForRecord snapshots a value for the change log so later working
// tree mutations cannot alias into recorded history.
func cloneForRecord(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(tree.Tree(val).Clone())
	case []any:
		out := make([]any, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}
