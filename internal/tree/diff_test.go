package tree

import (
	"reflect"
	"testing"
)

// TestDiff_Classification checks the three buckets report immediate
// parents of differing leaves.
func TestDiff_Classification(t *testing.T) {
	base := Tree{
		"sites": map[string]any{
			"s1": map[string]any{"name": "Old", "port": int64(80)},
			"s2": map[string]any{"name": "Gone"},
		},
	}
	incoming := Tree{
		"sites": map[string]any{
			"s1": map[string]any{"name": "New", "port": int64(80)},
			"s3": map[string]any{"name": "Fresh"},
		},
	}

	d := Diff(base, incoming)

	if !reflect.DeepEqual(d.Added, []string{"sites.s3"}) {
		t.Errorf("Added = %v, want [sites.s3]", d.Added)
	}
	if !reflect.DeepEqual(d.Changed, []string{"sites.s1"}) {
		t.Errorf("Changed = %v, want [sites.s1]", d.Changed)
	}
	if !reflect.DeepEqual(d.Removed, []string{"sites.s2"}) {
		t.Errorf("Removed = %v, want [sites.s2]", d.Removed)
	}
}

// TestDiff_Completeness checks the union of the buckets covers exactly
// the immediate parents of every disagreeing leaf.
func TestDiff_Completeness(t *testing.T) {
	base := Tree{
		"a": map[string]any{"x": int64(1), "y": int64(2)},
		"b": "same",
		"c": "old",
	}
	incoming := Tree{
		"a": map[string]any{"x": int64(1), "z": int64(3)},
		"b": "same",
		"c": "new",
		"d": map[string]any{"deep": map[string]any{"leaf": true}},
	}

	d := Diff(base, incoming)

	got := map[string]struct{}{}
	for _, p := range d.Paths() {
		got[p] = struct{}{}
	}
	// Disagreeing leaves: a.z (added), d.deep.leaf (added), a.y
	// (removed), c (changed) -> parents a, d.deep, a, c.
	want := map[string]struct{}{"a": {}, "d.deep": {}, "c": {}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diff covers %v, want %v", got, want)
	}
}

// TestDiff_DeepestFirst pins the bucket ordering: more segments first.
func TestDiff_DeepestFirst(t *testing.T) {
	base := Tree{}
	incoming := Tree{
		"top":  "v",
		"a":    map[string]any{"leaf": "v"},
		"deep": map[string]any{"er": map[string]any{"most": map[string]any{"leaf": "v"}}},
		"mid":  map[string]any{"dle": map[string]any{"leaf": "v"}},
	}

	d := Diff(base, incoming)

	for i := 1; i < len(d.Added); i++ {
		if Depth(d.Added[i-1]) < Depth(d.Added[i]) {
			t.Fatalf("Added not deepest-first: %v", d.Added)
		}
	}
	if d.Added[0] != "deep.er.most" {
		t.Errorf("deepest path first = %q, want deep.er.most (%v)", d.Added[0], d.Added)
	}
}

// TestDiff_ImportsExcluded checks the file-composition sentinel never
// participates in comparison.
func TestDiff_ImportsExcluded(t *testing.T) {
	base := Tree{"a": "v"}
	incoming := Tree{
		"a":        "v",
		ImportsKey: []any{"a.yaml", "b.yaml"},
	}

	if d := Diff(base, incoming); !d.Empty() {
		t.Errorf("imports leaked into diff: %+v", d)
	}
	if HasDiff(base, incoming) {
		t.Error("HasDiff() reported the imports sentinel")
	}
}

func TestHasDiff(t *testing.T) {
	a := Tree{"x": map[string]any{"y": int64(1)}}
	b := Tree{"x": map[string]any{"y": int64(1)}}

	if HasDiff(a, b) {
		t.Error("HasDiff() on equal trees")
	}

	b.Set("x.y", int64(2))
	if !HasDiff(a, b) {
		t.Error("HasDiff() missed a changed leaf")
	}

	c := Tree{"x": map[string]any{"y": int64(1)}, "extra": "v"}
	if !HasDiff(a, c) {
		t.Error("HasDiff() missed an added leaf")
	}
	if !HasDiff(c, a) {
		t.Error("HasDiff() missed a removed leaf")
	}
}

// A leaf removed from an object whose other leaves survive classifies
// the parent as changed, not removed, so applying the incoming parent
// value keeps the surviving siblings.
func TestDiff_PartialRemovalIsChange(t *testing.T) {
	base := Tree{"a": map[string]any{"b": int64(1), "c": int64(2)}}
	incoming := Tree{"a": map[string]any{"b": int64(1)}}

	d := Diff(base, incoming)

	if !reflect.DeepEqual(d.Changed, []string{"a"}) {
		t.Errorf("Changed = %v, want [a]", d.Changed)
	}
	if len(d.Removed) != 0 || len(d.Added) != 0 {
		t.Errorf("Removed = %v, Added = %v, want empty", d.Removed, d.Added)
	}
}

// TestDiff_NullLeafIsRemove checks an explicitly null incoming leaf
// counts as absent rather than as an added or changed value.
func TestDiff_NullLeafIsRemove(t *testing.T) {
	base := Tree{"k": "v"}
	incoming := Tree{"k": nil}

	d := Diff(base, incoming)
	if !reflect.DeepEqual(d.Removed, []string{"k"}) {
		t.Errorf("Removed = %v, want [k]", d.Removed)
	}
	if len(d.Added) != 0 || len(d.Changed) != 0 {
		t.Errorf("Added = %v, Changed = %v, want empty", d.Added, d.Changed)
	}
	if !HasDiff(base, incoming) {
		t.Error("HasDiff() missed the nulled leaf")
	}

	// A null sibling inside an object that keeps other leaves shrinks
	// the object: a change.
	base = Tree{"a": map[string]any{"b": int64(1), "c": int64(2)}}
	incoming = Tree{"a": map[string]any{"b": int64(1), "c": nil}}
	d = Diff(base, incoming)
	if !reflect.DeepEqual(d.Changed, []string{"a"}) {
		t.Errorf("Changed = %v, want [a]", d.Changed)
	}
	if len(d.Removed) != 0 {
		t.Errorf("Removed = %v, want empty", d.Removed)
	}
}

// TestDiff_TopLevelLeaf checks a top-level leaf is its own parent.
func TestDiff_TopLevelLeaf(t *testing.T) {
	d := Diff(Tree{}, Tree{"version": "2"})
	if !reflect.DeepEqual(d.Added, []string{"version"}) {
		t.Errorf("Added = %v, want [version]", d.Added)
	}
}
