// Package events implements the path-pattern event machinery: handler
// registration ordered by pattern specificity, and the bounded deferral
// queue drained after each dispatch pass.
//
// Collaborators register handlers against dot-path patterns for one of
// three event kinds. When the engine commits a change, every handler
// whose pattern matches the changed path is invoked, least specific
// pattern first, registration order breaking ties. A handler that
// cannot complete yet calls Defer on its invocation and is retried
// after the initial pass, within a configured budget.
package events

import "fmt"

// Kind classifies a configuration change event.
type Kind int

const (
	// Add indicates a path that did not exist before.
	Add Kind = iota
	// Update indicates a path whose value changed.
	Update
	// Remove indicates a path that was deleted.
	Remove
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case Add:
		return "add"
	case Update:
		return "update"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one committed configuration change.
type Event struct {
	// Kind is the change classification.
	Kind Kind

	// Path is the dot-separated path that changed.
	Path string

	// Old is the value before the change, nil for Add.
	Old any

	// New is the value after the change, nil for Remove.
	New any

	// Message is the free-form commit message supplied by the writer.
	Message string
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s", e.Kind, e.Path)
}

// TreeWriter is the surface a handler uses to read and mutate the
// active working tree while reacting to an event.
type TreeWriter interface {
	// Get returns the working value at path, nil when absent.
	Get(path string) any

	// Set writes value at path with an audit message.
	Set(path string, value any, message string) error

	// Remove deletes the subtree at path.
	Remove(path string, message string) error
}

// Invocation is one delivery of an event to one handler.
type Invocation struct {
	// Event is the change being delivered.
	Event Event

	// UIDs holds the UID segments captured by the handler's pattern.
	UIDs []string

	// Data is the auxiliary value supplied at registration.
	Data any

	// Tree is the working tree of the active unit of work.
	Tree TreeWriter

	// Defer postpones this invocation until other pending changes have
	// been processed. Set by the dispatch loop; nil outside dispatch.
	Defer func()
}

// Handler reacts to a configuration change.
type Handler func(inv Invocation) error
