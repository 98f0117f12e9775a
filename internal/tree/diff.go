package tree

import (
	"sort"
	"strings"
)

// DiffResult classifies the paths at which two trees disagree. Each
// bucket holds the immediate parents of differing leaves (a top-level
// leaf is its own parent), de-duplicated and ordered deepest-first so
// handlers for nested items run before handlers for their containers.
type DiffResult struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether the diff found no differences.
func (d DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Paths returns all classified paths across the three buckets.
func (d DiffResult) Paths() []string {
	out := make([]string, 0, len(d.Added)+len(d.Changed)+len(d.Removed))
	out = append(out, d.Removed...)
	out = append(out, d.Changed...)
	out = append(out, d.Added...)
	return out
}

// Diff compares base against incoming leaf by leaf. Leaves present only
// in incoming classify their parent as added; leaves present in both
// with differing canonical encodings classify their parent as changed.
// A leaf present only in base classifies its parent as removed when
// incoming holds nothing under that parent anymore; while incoming
// still declares leaves there, the parent merely shrank and classifies
// as changed instead, so applying the parent's incoming value never
// deletes surviving siblings. The imports sentinel is excluded from
// comparison entirely.
func Diff(base, incoming Tree) DiffResult {
	baseFlat := flatWithoutImports(base)
	incFlat := flatWithoutImports(incoming)

	added := map[string]struct{}{}
	changed := map[string]struct{}{}

	for path, incVal := range incFlat {
		baseVal, ok := baseFlat[path]
		if !ok {
			added[Parent(path)] = struct{}{}
			continue
		}
		if Encode(baseVal) != Encode(incVal) {
			changed[Parent(path)] = struct{}{}
		}
		delete(baseFlat, path)
	}

	removed := map[string]struct{}{}
	for path := range baseFlat {
		parent := Parent(path)
		if hasLeavesUnder(incFlat, parent) {
			changed[parent] = struct{}{}
			continue
		}
		removed[parent] = struct{}{}
	}

	return DiffResult{
		Added:   orderDeepestFirst(added),
		Changed: orderDeepestFirst(changed),
		Removed: orderDeepestFirst(removed),
	}
}

// HasDiff short-circuits on the first detected difference. It is the
// cheap "are changes pending" probe and avoids building result buckets.
func HasDiff(base, incoming Tree) bool {
	baseFlat := flatWithoutImports(base)
	incFlat := flatWithoutImports(incoming)

	for path, incVal := range incFlat {
		baseVal, ok := baseFlat[path]
		if !ok {
			return true
		}
		if Encode(baseVal) != Encode(incVal) {
			return true
		}
		delete(baseFlat, path)
	}
	return len(baseFlat) > 0
}

// hasLeavesUnder reports whether flat holds a leaf at prefix or
// anywhere beneath it.
func hasLeavesUnder(flat map[string]any, prefix string) bool {
	if _, ok := flat[prefix]; ok {
		return true
	}
	for p := range flat {
		if strings.HasPrefix(p, prefix+".") {
			return true
		}
	}
	return false
}

func flatWithoutImports(t Tree) map[string]any {
	flat := Flatten(t)
	for path, v := range flat {
		// An explicitly null leaf means the path is absent.
		if v == nil {
			delete(flat, path)
			continue
		}
		if path == ImportsKey || strings.HasPrefix(path, ImportsKey+".") {
			delete(flat, path)
		}
	}
	return flat
}

// orderDeepestFirst sorts paths with more segments before paths with
// fewer, breaking ties lexically for deterministic dispatch order.
func orderDeepestFirst(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := Depth(out[i]), Depth(out[j])
		if di != dj {
			return di > dj
		}
		return out[i] < out[j]
	})
	return out
}
