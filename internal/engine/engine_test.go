package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopyhq/canopy/internal/config"
	"github.com/canopyhq/canopy/internal/events"
	"github.com/canopyhq/canopy/internal/pattern"
	"github.com/canopyhq/canopy/internal/rowstore"
	"github.com/canopyhq/canopy/internal/tree"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	base := t.TempDir()
	return &config.Settings{
		BaseDir:       filepath.Join(base, ".canopy"),
		DBFile:        "store.db",
		ConfigDir:     filepath.Join(base, "conf.d"),
		HistoryDir:    filepath.Join(base, ".canopy", "history"),
		HistoryMax:    5,
		MaxDefers:     10,
		LockTimeout:   2 * time.Second,
		SchemaVersion: "1",
	}
}

func openTestEngine(t *testing.T, settings *config.Settings) *Engine {
	t.Helper()
	if settings == nil {
		settings = testSettings(t)
	}
	e, err := Open(context.Background(), settings, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func writeConf(t *testing.T, settings *config.Settings, rel, content string) {
	t.Helper()
	p := filepath.Join(settings.ConfigDir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSync_AddsExternalEntries(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "sites.yaml", "s1:\n  name: Test\n")

	res, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Added) != 1 || res.Added[0] != "sites.s1" {
		t.Errorf("Added = %v, want [sites.s1]", res.Added)
	}
	if len(res.Changed) != 0 || len(res.Removed) != 0 {
		t.Errorf("Changed = %v, Removed = %v, want empty", res.Changed, res.Removed)
	}
	if res.Records != 1 {
		t.Errorf("Records = %d, want 1", res.Records)
	}
	if res.Generation != 1 {
		t.Errorf("Generation = %d, want 1", res.Generation)
	}

	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := tr.Get("sites.s1.name"); v != "Test" {
		t.Errorf("persisted sites.s1.name = %v, want Test", v)
	}
}

func TestSync_SecondPassIsNoOp(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "sites.yaml", "s1:\n  name: Test\n")

	first, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.Records != 0 {
		t.Errorf("second pass Records = %d, want 0", second.Records)
	}
	if second.Generation != first.Generation {
		t.Errorf("generation moved on no-op pass: %d -> %d", first.Generation, second.Generation)
	}
}

// Removing one field from a declared object must not delete the
// surviving fields the files still declare.
func TestSync_PartialFieldRemovalKeepsSiblings(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "a.yaml", "b: 1\nc: 2\n")
	if _, err := e.ApplyExternalChanges(ctx); err != nil {
		t.Fatal(err)
	}

	writeConf(t, settings, "a.yaml", "b: 1\n")
	res, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Changed) != 1 || res.Changed[0] != "a" {
		t.Errorf("Changed = %v, want [a]", res.Changed)
	}
	if len(res.Removed) != 0 {
		t.Errorf("Removed = %v, want empty", res.Removed)
	}

	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := tr.Get("a.b"); !ok || v != int64(1) {
		t.Errorf("a.b = %v (present %v), want 1", v, ok)
	}
	if _, ok := tr.Get("a.c"); ok {
		t.Error("a.c survived removal of its sibling from the files")
	}
}

// An explicitly null leaf in a config file classifies as a removal,
// never as an addition or change.
func TestSync_NullLeafClassifiedAsRemoval(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "flags.yaml", "beta: true\n")
	if _, err := e.ApplyExternalChanges(ctx); err != nil {
		t.Fatal(err)
	}

	writeConf(t, settings, "flags.yaml", "beta: null\n")
	summary, err := e.PendingChangeSummary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary["added"]) != 0 || len(summary["changed"]) != 0 {
		t.Errorf("summary = %v, want a removal only", summary)
	}
	if len(summary["removed"]) != 1 || summary["removed"][0] != "flags" {
		t.Errorf("removed = %v, want [flags]", summary["removed"])
	}

	if _, err := e.ApplyExternalChanges(ctx); err != nil {
		t.Fatal(err)
	}
	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Get("flags.beta"); ok {
		t.Error("flags.beta row survived a nulled leaf")
	}
}

// A change at a.b dispatches the exact a.b handler once; a sibling
// pattern a.{uid} must not fire since "b" is not UID-shaped.
func TestSession_DispatchExactPath(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("a.b", 1, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	exact, uidHits := 0, 0
	if err := e.OnUpdate("a.b", func(inv events.Invocation) error {
		exact++
		if inv.Event.Old != int64(1) || inv.Event.New != int64(2) {
			t.Errorf("event old/new = %v/%v", inv.Event.Old, inv.Event.New)
		}
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.OnUpdate("a.{uid}", func(events.Invocation) error {
		uidHits++
		return nil
	}, nil); err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Set("a.b", 2, "bump"); err != nil {
		t.Fatal(err)
	}
	if exact != 1 {
		t.Errorf("exact handler ran %d times, want 1", exact)
	}
	if uidHits != 0 {
		t.Errorf("uid handler ran %d times, want 0", uidHits)
	}

	changes := s.Changes()
	if len(changes) != 2 {
		t.Fatalf("got %d change records, want 2 (value + timestamp)", len(changes))
	}
	if changes[0].Path != "a.b" || changes[0].Old != int64(1) || changes[0].New != int64(2) {
		t.Errorf("record = %+v", changes[0])
	}
	if changes[1].Path != TimestampPath {
		t.Errorf("second record path = %s, want %s", changes[1].Path, TimestampPath)
	}
}

func TestSession_RemoveSubtree(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("a", map[string]any{"b": 1, "c": 2}, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	removals := 0
	err := e.OnRemove("a", func(inv events.Invocation) error {
		removals++
		old, ok := inv.Event.Old.(map[string]any)
		if !ok || old["b"] != int64(1) || old["c"] != int64(2) {
			t.Errorf("remove event old = %v", inv.Event.Old)
		}
		if inv.Event.New != nil {
			t.Errorf("remove event new = %v", inv.Event.New)
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Remove("a", "teardown"); err != nil {
		t.Fatal(err)
	}
	if removals != 1 {
		t.Errorf("remove handler ran %d times, want 1", removals)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tr.Get("a.b"); ok {
		t.Error("a.b row survived subtree removal")
	}
	if _, ok := tr.Get(TimestampPath); !ok {
		t.Error("timestamp row missing after flush")
	}
}

// A scalar gaining children sheds its old leaf row on flush; a path
// never stays both leaf and branch in the store.
func TestFlush_PurgesStaleAncestorLeaf(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("a", 5, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Set("a.b", 1, "deepen"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	entries, err := e.rows.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if entry.Path == "a" {
			t.Errorf("stale leaf row a = %q remains alongside a.b", entry.Value)
		}
	}
	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := tr.Get("a.b"); v != int64(1) {
		t.Errorf("a.b = %v, want 1", v)
	}
}

// Deferred handlers queued by direct writes run when the session
// flushes, not only during sync passes.
func TestFlush_DrainsDirectWriteDeferrals(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	calls := 0
	err := e.OnAdd("task", func(inv events.Invocation) error {
		calls++
		if calls == 1 {
			inv.Defer()
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Set("task", "run", ""); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times before flush, want 1", calls)
	}
	if _, err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("handler ran %d times after flush, want 2 (deferred retry)", calls)
	}
}

// A session with nothing to flush reports the store's current
// generation, not a stale zero.
func TestFlush_CleanSessionReportsStoreGeneration(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("x", 1, ""); err != nil {
		t.Fatal(err)
	}
	want, err := seed.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if want == 0 {
		t.Fatal("seed flush reported generation 0")
	}

	clean := e.NewSession(ctx)
	got, err := clean.Flush()
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("clean flush generation = %d, want %d", got, want)
	}
}

func TestSession_NoOpSetRecordsNothing(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("x", "same", "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	fired := 0
	if err := e.OnUpdate("x", func(events.Invocation) error { fired++; return nil }, nil); err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Set("x", "same", "again"); err != nil {
		t.Fatal(err)
	}
	if s.Dirty() {
		t.Error("no-op set marked session dirty")
	}
	if fired != 0 {
		t.Errorf("no-op set dispatched %d events", fired)
	}
	// Removing an absent path is also a no-op.
	if err := s.Remove("never.there", ""); err != nil {
		t.Fatal(err)
	}
	if len(s.Changes()) != 0 {
		t.Errorf("changes = %v, want none", s.Changes())
	}
}

func TestSession_TimestampBumpedOncePerUnitOfWork(t *testing.T) {
	e := openTestEngine(t, nil)
	s := e.NewSession(context.Background())

	if err := s.Set("x", 1, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("y", 2, ""); err != nil {
		t.Fatal(err)
	}

	tsRecords := 0
	for _, rec := range s.Changes() {
		if rec.Path == TimestampPath {
			tsRecords++
		}
	}
	if tsRecords != 1 {
		t.Errorf("timestamp recorded %d times, want 1", tsRecords)
	}
}

func TestWriteProtection(t *testing.T) {
	settings := testSettings(t)
	settings.WriteProtected = true
	e := openTestEngine(t, settings)
	ctx := context.Background()

	s := e.NewSession(ctx)
	if err := s.Set("x", 1, ""); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("got %v, want ErrReadOnly", err)
	}
	if err := s.SetForced("x", 1, ""); err != nil {
		t.Fatalf("forced set rejected: %v", err)
	}

	// A sync pass mirrors external declarations through the protection.
	writeConf(t, settings, "sites.yaml", "s1:\n  name: Test\n")
	res, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatalf("protected sync failed: %v", err)
	}
	if len(res.Added) != 1 {
		t.Errorf("Added = %v", res.Added)
	}
}

// A handler registered on a container sees granular mutations inside it
// re-dispatched at its own granularity, old from the durable tree and
// new from the working tree.
func TestDispatch_CoarseHandlerSeesContainer(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("svc", map[string]any{"host": "a"}, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	var got []events.Event
	err := e.OnUpdate("svc", func(inv events.Invocation) error {
		got = append(got, inv.Event)
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := e.NewSession(ctx)
	if err := s.Set("svc.host", "b", "move"); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("coarse handler ran %d times, want 1", len(got))
	}
	ev := got[0]
	if ev.Path != "svc" {
		t.Errorf("event path = %s, want svc", ev.Path)
	}
	oldM, _ := ev.Old.(map[string]any)
	newM, _ := ev.New.(map[string]any)
	if oldM["host"] != "a" || newM["host"] != "b" {
		t.Errorf("event old = %v, new = %v", ev.Old, ev.New)
	}
}

func TestSync_DispatchOrderRemovedChangedAdded(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("sites", map[string]any{"s1": map[string]any{"name": "A"}}, ""); err != nil {
		t.Fatal(err)
	}
	if err := seed.Set("other", map[string]any{"old": 1}, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	var order []string
	mark := func(tag string) events.Handler {
		return func(events.Invocation) error {
			order = append(order, tag)
			return nil
		}
	}
	if err := e.OnRemove("other", mark("remove"), nil); err != nil {
		t.Fatal(err)
	}
	if err := e.OnUpdate("sites.s1", mark("update"), nil); err != nil {
		t.Fatal(err)
	}
	if err := e.OnAdd("fresh", mark("add"), nil); err != nil {
		t.Fatal(err)
	}

	writeConf(t, settings, "sites.yaml", "s1:\n  name: B\n")
	writeConf(t, settings, "fresh.yaml", "x: 1\n")

	if _, err := e.ApplyExternalChanges(ctx); err != nil {
		t.Fatal(err)
	}

	want := []string{"remove", "update", "add"}
	if len(order) != 3 {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

// An exhausted deferral budget aborts the pass before anything is
// persisted.
func TestSync_DeferralBudgetAborts(t *testing.T) {
	settings := testSettings(t)
	settings.MaxDefers = 3
	e := openTestEngine(t, settings)
	ctx := context.Background()

	uid := pattern.NewUID()
	err := e.OnAdd("jobs.{uid}", func(inv events.Invocation) error {
		inv.Defer()
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	writeConf(t, settings, "jobs.yaml", uid+":\n  name: stuck\n")

	_, err = e.ApplyExternalChanges(ctx)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("got %v, want ErrAborted", err)
	}
	stuck := StuckPaths(err)
	if len(stuck) != 1 || stuck[0] != "jobs."+uid {
		t.Errorf("stuck paths = %v, want [jobs.%s]", stuck, uid)
	}

	n, err := e.rows.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("aborted pass persisted %d rows", n)
	}
	gen, err := e.Generation(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if gen != 0 {
		t.Errorf("aborted pass bumped generation to %d", gen)
	}
}

func TestAreChangesPending_Watermark(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "sites.yaml", "s1:\n  name: Test\n")

	pending, err := e.AreChangesPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Fatal("expected pending changes before first sync")
	}

	if _, err := e.ApplyExternalChanges(ctx); err != nil {
		t.Fatal(err)
	}

	pending, err = e.AreChangesPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Error("pending after sync with untouched files")
	}

	// Touching a file moves the mtime past the stored watermark.
	f := filepath.Join(settings.ConfigDir, "sites.yaml")
	if err := os.WriteFile(f, []byte("s1:\n  name: Other\n"), 0644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(f, future, future); err != nil {
		t.Fatal(err)
	}
	pending, err = e.AreChangesPending(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !pending {
		t.Error("not pending after file modification")
	}

	// Scoped check ignores unrelated subtrees.
	pending, err = e.AreChangesPending(ctx, "unrelated")
	if err != nil {
		t.Fatal(err)
	}
	if pending {
		t.Error("unrelated subtree reported pending")
	}
}

func TestDegraded_SyncSkips(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "sites.yaml", "s1:\n  name: Test\n")
	if err := e.rows.MetaSet(ctx, rowstore.MetaExternalDegraded, "1"); err != nil {
		t.Fatal(err)
	}

	res, err := e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Error("degraded pass not flagged")
	}
	if res.Records != 0 {
		t.Errorf("degraded pass applied %d records", res.Records)
	}

	if err := e.ClearDegraded(ctx); err != nil {
		t.Fatal(err)
	}
	res, err = e.ApplyExternalChanges(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded || res.Records != 1 {
		t.Errorf("post-clear pass = %+v", res)
	}
}

func TestRegenerateExternalConfig(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("server", map[string]any{"host": "localhost"}, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := e.RegenerateExternalConfig(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(settings.ConfigDir, "server.yaml")); err != nil {
		t.Errorf("regenerated file missing: %v", err)
	}

	ext, err := e.files.Load()
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := ext.Get("server.host"); v != "localhost" {
		t.Errorf("regenerated server.host = %v", v)
	}
}

func TestRegenerate_FailureSetsDegraded(t *testing.T) {
	settings := testSettings(t)
	// Park the config dir under a regular file so regeneration cannot
	// create its staging directory.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	settings.ConfigDir = filepath.Join(blocker, "conf.d")
	e := openTestEngine(t, settings)
	ctx := context.Background()

	err := e.RegenerateExternalConfig(ctx)
	if !errors.Is(err, ErrExternalWrite) {
		t.Fatalf("got %v, want ErrExternalWrite", err)
	}
	degraded, err := e.Degraded(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !degraded {
		t.Error("degraded flag not set after write failure")
	}
}

type stubProducer struct {
	name string
	out  tree.Tree
}

func (p stubProducer) Name() string { return p.name }

func (p stubProducer) Produce(context.Context) (tree.Tree, error) { return p.out, nil }

func TestRebuild(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	seed := e.NewSession(ctx)
	if err := seed.Set("old.key", 1, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := seed.Flush(); err != nil {
		t.Fatal(err)
	}

	e.RegisterProducer(stubProducer{name: "svc", out: tree.Tree{
		"svc": map[string]any{"host": "x"},
	}})
	// Later producers win on overlap.
	e.RegisterProducer(stubProducer{name: "svc-fix", out: tree.Tree{
		"svc": map[string]any{"host": "y"},
	}})

	res, err := e.Rebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}

	tr, err := e.rows.LoadTree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := tr.Get("svc.host"); v != "y" {
		t.Errorf("svc.host = %v, want y (last producer wins)", v)
	}
	if _, ok := tr.Get("old.key"); ok {
		t.Error("old.key survived rebuild")
	}

	found := false
	for _, p := range res.Added {
		if p == "svc" {
			found = true
		}
	}
	if !found {
		t.Errorf("Added = %v, want svc present", res.Added)
	}

	if _, err := os.Stat(filepath.Join(settings.ConfigDir, "svc.yaml")); err != nil {
		t.Errorf("rebuild did not regenerate files: %v", err)
	}
}

func TestCheckCompat(t *testing.T) {
	settings := testSettings(t)
	e := openTestEngine(t, settings)
	ctx := context.Background()

	writeConf(t, settings, "_.yaml", "version: \"2\"\n")

	incompat, err := e.CheckCompat(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(incompat) != 1 {
		t.Fatalf("got %d incompatibilities, want 1: %v", len(incompat), incompat)
	}
	if incompat[0].Source != "external" || incompat[0].Found != "2" || incompat[0].Want != "1" {
		t.Errorf("incompatibility = %+v", incompat[0])
	}
}

func TestObserver_NotifiedOnFlush(t *testing.T) {
	e := openTestEngine(t, nil)
	ctx := context.Background()

	var notes []Notification
	e.AddObserver(func(n Notification) { notes = append(notes, n) })

	s := e.NewSession(ctx)
	if err := s.Set("x", 1, ""); err != nil {
		t.Fatal(err)
	}
	gen, err := s.Flush()
	if err != nil {
		t.Fatal(err)
	}

	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	if notes[0].Generation != gen {
		t.Errorf("notification generation = %d, want %d", notes[0].Generation, gen)
	}
	if notes[0].SyncPass {
		t.Error("direct flush flagged as sync pass")
	}
	if len(notes[0].Records) != 2 {
		t.Errorf("notification records = %v", notes[0].Records)
	}
}
