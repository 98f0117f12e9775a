// Package filestore provides the declarative external store: a
// directory of hierarchical text files mirroring the configuration
// tree. The layout is version-control friendly — one file or
// subdirectory per top-level key, one UID-suffixed file per collection
// member — so edits arrive as reviewable diffs.
//
// File-to-path mapping:
//   - <root>/<key>.yaml             holds the subtree at path <key>
//   - <root>/<key>/<child>.yaml     holds the subtree at <key>.<child>
//   - <root>/<key>/<label>.<uid>.yaml holds the member at <key>.<uid>;
//     the label exists for humans and does not participate in paths.
//
// Reads accept yaml, json and toml files; regeneration always writes
// yaml. The files each loaded tree was composed from are recorded
// under the reserved imports key.
package filestore

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/canopyhq/canopy/internal/pattern"
	"github.com/canopyhq/canopy/internal/tree"
)

// Store reads and writes the declarative file tree under a root dir.
type Store struct {
	root string
}

// New creates a store rooted at dir. The directory need not exist yet;
// Load on a missing root returns an empty tree.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Load reconstructs the external tree by merging every config file
// under the root. Files merge in sorted path order so the result is
// deterministic; later files win on conflicting leaves. The relative
// paths of all merged files are recorded under the imports key.
func (s *Store) Load() (tree.Tree, error) {
	files, err := s.configFiles()
	if err != nil {
		return nil, err
	}

	t := make(tree.Tree)
	var imported []any
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(s.root, rel))
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", rel, err)
		}
		v, err := decodeFile(rel, data)
		if err != nil {
			return nil, err
		}
		path := treePath(rel)
		if path == "" {
			// A root-level document merges its top-level keys directly.
			m, ok := tree.Normalize(v).(map[string]any)
			if !ok {
				return nil, fmt.Errorf("config file %s: root document must be a map", rel)
			}
			for k, child := range m {
				t.Set(k, child)
			}
		} else {
			t.Set(path, tree.Normalize(v))
		}
		imported = append(imported, rel)
	}
	if len(imported) > 0 {
		t[tree.ImportsKey] = []any(imported)
	}
	return t, nil
}

// Write regenerates the file tree from t. The root is recreated from
// scratch so stale files never survive a regeneration. The imports key
// is metadata and is not written back.
func (s *Store) Write(t tree.Tree) error {
	tmp := s.root + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	for _, key := range t.Keys() {
		if key == tree.ImportsKey {
			continue
		}
		if err := writeKey(tmp, key, t[key]); err != nil {
			_ = os.RemoveAll(tmp)
			return err
		}
	}

	if err := os.RemoveAll(s.root); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("replace config dir: %w", err)
	}
	if err := os.Rename(tmp, s.root); err != nil {
		return fmt.Errorf("replace config dir: %w", err)
	}
	return nil
}

// ModTime returns the newest modification time across all config files
// under the root, zero when the root is empty or missing. Callers use
// it as a cheap watermark to skip sync passes when nothing changed.
func (s *Store) ModTime() (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !supportedExt(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("scan config dir: %w", err)
	}
	return newest, nil
}

// configFiles lists config files relative to the root in sorted order.
func (s *Store) configFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !supportedExt(path) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan config dir: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// treePath derives the tree path a file's contents merge at.
// Directory segments become path segments; the filename (without
// extension) contributes its final dot-token when that token is
// UID-shaped, otherwise the whole name. A filename of "_" (or "index")
// merges at the directory path itself; at the root that means the
// document's top-level keys merge directly.
func treePath(rel string) string {
	dir, file := filepath.Split(rel)
	name := strings.TrimSuffix(file, filepath.Ext(file))

	var segs []string
	if dir != "" {
		segs = strings.Split(filepath.ToSlash(filepath.Clean(dir)), "/")
	}
	switch {
	case name == "_" || name == "index":
		// merge at directory level
	default:
		if idx := strings.LastIndex(name, "."); idx >= 0 && pattern.IsUID(name[idx+1:]) {
			name = name[idx+1:]
		}
		segs = append(segs, name)
	}
	return strings.Join(segs, ".")
}

// writeKey renders one top-level key. Branches whose children are all
// UID-keyed are collections and get one file per member in a
// subdirectory; everything else is a single file.
func writeKey(root, key string, v any) error {
	m, isBranch := v.(map[string]any)
	if isBranch && isCollection(m) {
		dir := filepath.Join(root, key)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create collection dir %s: %w", key, err)
		}
		for uid, member := range m {
			name := memberFilename(member, uid)
			data, err := encodeFile(member)
			if err != nil {
				return fmt.Errorf("encode %s.%s: %w", key, uid, err)
			}
			if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
				return fmt.Errorf("write %s.%s: %w", key, uid, err)
			}
		}
		return nil
	}

	data, err := encodeFile(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := os.WriteFile(filepath.Join(root, key+Ext), data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// isCollection reports whether every key of a non-empty branch is
// UID-shaped.
func isCollection(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !pattern.IsUID(k) {
			return false
		}
	}
	return true
}

// memberFilename builds the UID-suffixed filename for a collection
// member, using the member's name field as a human-readable label when
// it has one.
func memberFilename(member any, uid string) string {
	if m, ok := member.(map[string]any); ok {
		if name, ok := m["name"].(string); ok {
			if slug := slugify(name); slug != "" {
				return slug + "." + uid + Ext
			}
		}
	}
	return uid + Ext
}

func slugify(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
