package events

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxDefers bounds how many re-queues a drain tolerates before
// declaring a handler cycle.
const DefaultMaxDefers = 500

// BudgetExceededError reports a deferral queue that would not empty
// within its re-queue budget. It names every path still stuck so an
// operator can diagnose which handlers are waiting on each other.
type BudgetExceededError struct {
	Budget int
	Paths  []string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("deferral budget of %d exceeded; stuck paths: %s",
		e.Budget, strings.Join(e.Paths, ", "))
}

type deferred struct {
	inv     Invocation
	handler Handler
}

// DeferQueue collects postponed handler invocations during a dispatch
// pass and retries them afterwards, FIFO, within a re-queue budget.
// The queue is single-owner: one unit of work, no locking.
type DeferQueue struct {
	items    []deferred
	maxDefer int
}

// NewDeferQueue creates a queue with the given re-queue budget;
// non-positive budgets fall back to DefaultMaxDefers.
func NewDeferQueue(maxDefers int) *DeferQueue {
	if maxDefers <= 0 {
		maxDefers = DefaultMaxDefers
	}
	return &DeferQueue{maxDefer: maxDefers}
}

// Push enqueues an invocation for retry with the handler to re-invoke.
func (q *DeferQueue) Push(inv Invocation, h Handler) {
	q.items = append(q.items, deferred{inv: inv, handler: h})
}

// Len returns the number of queued invocations.
func (q *DeferQueue) Len() int {
	return len(q.items)
}

// Reset discards all queued invocations.
func (q *DeferQueue) Reset() {
	q.items = nil
}

// Drain retries queued invocations in FIFO order. A handler may defer
// itself again; every such re-queue consumes budget. When the budget is
// exhausted before the queue empties, Drain fails with a
// BudgetExceededError naming the stuck paths and leaves the queue
// empty. Handler errors abort the drain immediately.
func (q *DeferQueue) Drain() error {
	requeues := 0
	for len(q.items) > 0 {
		item := q.items[0]
		q.items = q.items[1:]

		inv := item.inv
		inv.Defer = func() {
			requeues++
			q.Push(inv, item.handler)
		}
		if err := item.handler(inv); err != nil {
			q.items = nil
			return fmt.Errorf("deferred handler for %s: %w", inv.Event.Path, err)
		}
		if requeues >= q.maxDefer && len(q.items) > 0 {
			err := &BudgetExceededError{Budget: q.maxDefer, Paths: q.stuckPaths()}
			q.items = nil
			return err
		}
	}
	return nil
}

func (q *DeferQueue) stuckPaths() []string {
	seen := map[string]struct{}{}
	for _, item := range q.items {
		seen[item.inv.Event.Path] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
