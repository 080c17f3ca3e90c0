package chat

import (
	"fmt"
	"sort"
	"sync"
)

// Child is a subscription owned by a Group
type Child interface {
	Unsubscribe()
}

// Group owns a set of child subscriptions keyed by id, typically one per
// record of a parent subscription. Sync tears down children whose key
// disappeared and opens the missing ones; Close tears down everything.
type Group struct {
	mu       sync.Mutex
	children map[string]Child
	closed   bool
}

// NewGroup creates an empty group
func NewGroup() *Group {
	return &Group{children: make(map[string]Child)}
}

// Sync makes the group hold exactly one child per key in want. Children
// for keys not in want are unsubscribed, and open is called for new keys.
// An open failure does not stop the others; the first one is returned and
// the key is retried on the next Sync. It returns the keys that were
// removed. After Close, Sync does nothing.
func (g *Group) Sync(want []string, open func(key string) (Child, error)) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, nil
	}

	keep := make(map[string]bool, len(want))
	for _, k := range want {
		keep[k] = true
	}

	var removed []string
	for k, child := range g.children {
		if !keep[k] {
			child.Unsubscribe()
			delete(g.children, k)
			removed = append(removed, k)
		}
	}
	sort.Strings(removed)

	var firstErr error
	for _, k := range want {
		if _, ok := g.children[k]; ok {
			continue
		}
		child, err := open(k)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to open child %s: %w", k, err)
			}
			continue
		}
		g.children[k] = child
	}
	return removed, firstErr
}

// Keys returns the ids of the live children in order
func (g *Group) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.children))
	for k := range g.children {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live children
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.children)
}

// Close unsubscribes every child. It is idempotent.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	for k, child := range g.children {
		child.Unsubscribe()
		delete(g.children, k)
	}
}
