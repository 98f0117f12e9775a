package engine

import (
	"github.com/canopyhq/canopy/internal/history"
	"github.com/canopyhq/canopy/internal/tree"
)

// subtree returns the value at path, nil when absent.
func subtree(t tree.Tree, path string) any {
	v, ok := t.Get(path)
	if !ok {
		return nil
	}
	return v
}

// recordRebuildHistory writes one delta entry describing what a
// rebuild replaced, best effort.
func (e *Engine) recordRebuildHistory(d tree.DiffResult, derived, internal tree.Tree) {
	var records []history.Record
	for _, p := range d.Removed {
		records = append(records, history.Record{
			Path: p, Old: subtree(internal, p), Message: "rebuild: removed",
		})
	}
	for _, p := range d.Changed {
		records = append(records, history.Record{
			Path: p, Old: subtree(internal, p), New: subtree(derived, p), Message: "rebuild: changed",
		})
	}
	for _, p := range d.Added {
		records = append(records, history.Record{
			Path: p, New: subtree(derived, p), Message: "rebuild: added",
		})
	}
	if err := e.hist.Append(records); err != nil {
		e.logger.Printf("failed to record rebuild history: %v", err)
	}
}
