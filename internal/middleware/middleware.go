// Package middleware implements the named, ordered interception chain that
// wraps both job enqueueing and job execution.
package middleware

import (
	"context"
	"sync"

	"github.com/theabhaychauhan/sidekiq/internal/job"
)

// Invocation is what the chain threads through each middleware. Middlewares
// may mutate the job; mutations are visible downstream and, on the server
// side, to the worker itself.
type Invocation struct {
	Job   *job.Job
	Queue string

	// Worker is non-nil on the server chain once the class is resolved.
	Worker job.Worker
}

// Next continues the chain. Not calling it halts the invocation without
// error, which is how throttling and deduplication middlewares drop work.
type Next func(ctx context.Context) error

// Func is one link in the chain.
type Func func(ctx context.Context, inv *Invocation, next Next) error

// Entry pairs a middleware with the name used to address it.
type Entry struct {
	Name string
	Fn   Func
}

// Chain is an ordered list of named middlewares. Safe for concurrent use;
// Invoke runs against a snapshot, so mutating the chain mid-flight affects
// only later invocations.
type Chain struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewChain() *Chain {
	return &Chain{}
}

// Add appends a middleware. Re-adding an existing name moves it to the tail
// with the new function.
func (c *Chain) Add(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	c.entries = append(c.entries, Entry{Name: name, Fn: fn})
}

// Prepend inserts a middleware at the head, replacing any existing entry
// with the same name.
func (c *Chain) Prepend(name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	c.entries = append([]Entry{{Name: name, Fn: fn}}, c.entries...)
}

// InsertBefore places the middleware immediately before anchor. A missing
// anchor falls back to the head.
func (c *Chain) InsertBefore(anchor, name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	at := 0
	for i, e := range c.entries {
		if e.Name == anchor {
			at = i
			break
		}
	}
	c.insertLocked(at, Entry{Name: name, Fn: fn})
}

// InsertAfter places the middleware immediately after anchor. A missing
// anchor falls back to the tail.
func (c *Chain) InsertAfter(anchor, name string, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
	at := len(c.entries)
	for i, e := range c.entries {
		if e.Name == anchor {
			at = i + 1
			break
		}
	}
	c.insertLocked(at, Entry{Name: name, Fn: fn})
}

func (c *Chain) insertLocked(at int, e Entry) {
	c.entries = append(c.entries, Entry{})
	copy(c.entries[at+1:], c.entries[at:])
	c.entries[at] = e
}

// Remove deletes the named middleware; removing an absent name is a no-op.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(name)
}

func (c *Chain) removeLocked(name string) {
	for i, e := range c.entries {
		if e.Name == name {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Clear empties the chain.
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = nil
}

func (c *Chain) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.Name == name {
			return true
		}
	}
	return false
}

func (c *Chain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns a copy of the chain in invocation order.
func (c *Chain) Entries() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Clone returns an independent chain with the same entries.
func (c *Chain) Clone() *Chain {
	return &Chain{entries: c.Entries()}
}

// Invoke runs the chain around final. Each middleware wraps the ones after
// it; the first entry added sees the invocation first.
func (c *Chain) Invoke(ctx context.Context, inv *Invocation, final Next) error {
	entries := c.Entries()
	next := final
	for i := len(entries) - 1; i >= 0; i-- {
		fn := entries[i].Fn
		inner := next
		next = func(ctx context.Context) error {
			return fn(ctx, inv, inner)
		}
	}
	return next(ctx)
}
