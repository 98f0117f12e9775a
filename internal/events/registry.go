package events

import (
	"fmt"
	"sort"
	"sync"

	"github.com/canopyhq/canopy/internal/pattern"
)

// Registration ties a compiled pattern to a handler for one event kind.
type Registration struct {
	Kind    Kind
	Pattern *pattern.Pattern
	Handler Handler
	Data    any

	// order preserves registration sequence for stable tie-breaking.
	order int
}

// Hit is one registration matched against a concrete event path.
type Hit struct {
	Reg   *Registration
	Match pattern.Match
}

// Registry holds handler registrations and answers match queries in
// dispatch order.
type Registry struct {
	mu   sync.RWMutex
	regs []*Registration
	next int
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// On registers a handler for kind against a path pattern.
func (r *Registry) On(kind Kind, pat string, h Handler, data any) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	p, err := pattern.Compile(pat)
	if err != nil {
		return fmt.Errorf("register %s handler: %w", kind, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, &Registration{
		Kind:    kind,
		Pattern: p,
		Handler: h,
		Data:    data,
		order:   r.next,
	})
	r.next++
	return nil
}

// Matches returns every registration for kind whose pattern matches
// path. Results are ordered least specific pattern first, registration
// order breaking ties, so generic handlers can establish preconditions
// before specific ones act.
func (r *Registry) Matches(kind Kind, path string) []Hit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []Hit
	for _, reg := range r.regs {
		if reg.Kind != kind {
			continue
		}
		m, ok := reg.Pattern.Match(path)
		if !ok {
			continue
		}
		hits = append(hits, Hit{Reg: reg, Match: m})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		si, sj := hits[i].Reg.Pattern.Specificity(), hits[j].Reg.Pattern.Specificity()
		if si != sj {
			return si < sj
		}
		return hits[i].Reg.order < hits[j].Reg.order
	})
	return hits
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}
