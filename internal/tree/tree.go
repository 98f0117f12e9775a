// Package tree implements the nested configuration tree that canopy
// reconciles between its declarative file store and its row store.
//
// A Tree is a nested string-keyed map addressed by dot-separated paths.
// Leaf values are scalars (string, bool, int64, float64, nil) or ordered
// lists ([]any). Lists are opaque leaves: their elements are not
// addressable by path. Nested map[string]any values are branches.
//
// The package provides the flatten/unflatten round trip used by the row
// store, canonical leaf encoding used for change detection and storage,
// and the diff engine used by sync passes.
package tree

import (
	"sort"
	"strings"
)

// ImportsKey is the reserved top-level key that records which files the
// external tree was composed from. It is metadata about file layout, not
// configuration data, and is excluded from diffs and never persisted as
// rows.
const ImportsKey = "imports"

// Tree is a nested configuration map.
type Tree map[string]any

// Segments splits a dot-separated path into its segments.
func Segments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Join builds a dot-separated path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, ".")
}

// Parent returns the path one level up. A single-segment path is its own
// parent; top-level keys have no container to report.
func Parent(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return path
	}
	return path[:idx]
}

// Depth returns the number of segments in path.
func Depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, ".") + 1
}

// Get walks the tree along path and returns the value found there.
// The second return is false when any segment is missing or a scalar
// is hit before the path is exhausted.
func (t Tree) Get(path string) (any, bool) {
	if path == "" {
		return t, true
	}
	segs := Segments(path)
	cur := any(t)
	for _, seg := range segs {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate branches as needed.
// A scalar or list encountered where a branch is required is replaced by
// a branch. Setting nil removes the node at path and prunes branches
// left empty by the removal.
func (t Tree) Set(path string, value any) {
	segs := Segments(path)
	if len(segs) == 0 {
		return
	}
	if value == nil {
		t.remove(segs)
		return
	}
	cur := map[string]any(t)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = normalize(value)
}

func (t Tree) remove(segs []string) {
	cur := map[string]any(t)
	parents := make([]map[string]any, 0, len(segs))
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			return
		}
		parents = append(parents, cur)
		cur = next
	}
	delete(cur, segs[len(segs)-1])

	// Prune branches emptied by the removal.
	for i := len(parents) - 1; i >= 0; i-- {
		if len(cur) > 0 {
			break
		}
		delete(parents[i], segs[i])
		cur = parents[i]
	}
}

// Clone returns a deep copy of the tree. List leaves are copied
// shallowly at the element level; elements themselves are treated as
// immutable, matching their opaque-leaf contract.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case Tree:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

// Flatten reduces the tree to a map from full path to leaf value.
// Branches never appear as values in the result. An empty branch
// contributes nothing.
func Flatten(t Tree) map[string]any {
	flat := make(map[string]any)
	flattenInto(flat, "", map[string]any(t))
	return flat
}

func flattenInto(flat map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := asMap(v); ok {
			flattenInto(flat, path, child)
			continue
		}
		flat[path] = v
	}
}

// Unflatten is the inverse of Flatten up to key ordering.
func Unflatten(flat map[string]any) Tree {
	t := make(Tree)
	for path, v := range flat {
		t.Set(path, v)
	}
	return t
}

// Keys returns the tree's top-level keys in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Tree:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// normalize rewrites decoder-specific container types into the tree's
// canonical representation so that values loaded from yaml, toml and
// json all compare equal. Map entries holding an explicit null are
// dropped: a null value means the path is absent. Nulls inside lists
// are kept, lists being opaque leaves.
func normalize(v any) any {
	switch val := v.(type) {
	case Tree:
		return normalize(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if c := normalize(child); c != nil {
				out[k] = c
			}
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			if c := normalize(child); c != nil {
				out[ks] = c
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			out[i] = normalize(el)
		}
		return out
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

// Normalize returns v rewritten into the tree's canonical value types.
func Normalize(v any) any {
	return normalize(v)
}
