// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orderedqueue provides a bounded FIFO work queue keyed by an
// identity, with at most one queued entry per key.
//
// Enqueueing a key that is already waiting merges the new value into
// the waiting entry instead of taking another slot, so a burst of
// updates to the same key collapses into a single unit of work. A key
// that a consumer has dequeued is "busy" until the consumer releases or
// requeues it; entries for a busy key stay queued but are not handed
// out, which keeps work for one key strictly sequential while different
// keys proceed in parallel.
//
// A consumer may reserve a slot when dequeueing. The reservation keeps
// capacity available to put the entry back on failure (Requeue) without
// ever blocking behind producers.
package orderedqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Enqueue after Close, and by Dequeue once the
// queue is closed and drained.
var ErrClosed = errors.New("orderedqueue: closed")

// MergeFunc combines a waiting value with a newer one for the same key
// and returns the value that stays queued.
type MergeFunc[V any] func(older, newer V) V

type entry[K comparable, V any] struct {
	key   K
	value V
}

// Queue is safe for concurrent use.
type Queue[K comparable, V any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	merge    MergeFunc[V]

	items    []*entry[K, V]
	queued   map[K]*entry[K, V]
	busy     map[K]V
	reserved int
	closed   bool
}

// New creates a queue holding at most capacity entries (queued plus
// reserved). A capacity below one is treated as one. When merge is nil
// the newer value replaces the older one.
func New[K comparable, V any](capacity int, merge MergeFunc[V]) *Queue[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	if merge == nil {
		merge = func(_, newer V) V { return newer }
	}
	q := &Queue[K, V]{
		capacity: capacity,
		merge:    merge,
		queued:   make(map[K]*entry[K, V]),
		busy:     make(map[K]V),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// wakeOnDone arranges for waiters to re-check their context when ctx
// is cancelled. The returned stop function must be called.
func (q *Queue[K, V]) wakeOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
}

// Enqueue adds value under key. If an entry for key is already waiting
// the two are merged and merged is true; this never blocks. Otherwise
// Enqueue waits for a free slot.
func (q *Queue[K, V]) Enqueue(ctx context.Context, key K, value V) (merged bool, err error) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return false, ErrClosed
		}
		if existing, ok := q.queued[key]; ok {
			existing.value = q.merge(existing.value, value)
			return true, nil
		}
		if len(q.items)+q.reserved < q.capacity {
			break
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		q.cond.Wait()
	}

	e := &entry[K, V]{key: key, value: value}
	q.items = append(q.items, e)
	q.queued[key] = e
	q.cond.Broadcast()
	return false, nil
}

// Dequeue removes the oldest entry whose key is not busy and marks the
// key busy. With reserve set, one slot of capacity stays held for the
// caller until Release or Requeue. Dequeue blocks while nothing is
// eligible and returns ErrClosed once the queue is closed and empty.
func (q *Queue[K, V]) Dequeue(ctx context.Context, reserve bool) (K, V, error) {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for i, e := range q.items {
			if _, busy := q.busy[e.key]; busy {
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.queued, e.key)
			q.busy[e.key] = e.value
			if reserve {
				q.reserved++
			}
			q.cond.Broadcast()
			return e.key, e.value, nil
		}
		if q.closed && len(q.items) == 0 {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, err
		}
		q.cond.Wait()
	}
}

// Release ends the caller's work on key. reserved must match the
// reserve argument of the Dequeue that returned key.
func (q *Queue[K, V]) Release(key K, reserved bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, key)
	if reserved && q.reserved > 0 {
		q.reserved--
	}
	q.cond.Broadcast()
}

// Requeue puts a busy key back at the head of the queue using the slot
// reserved by Dequeue. If a newer value for key was enqueued meanwhile,
// value is merged under it. Requeue does not wake waiting consumers;
// the caller is expected to dequeue again itself. It reports whether
// value was merged into a waiting entry.
func (q *Queue[K, V]) Requeue(key K, value V) (merged bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.busy, key)
	if q.reserved > 0 {
		q.reserved--
	}
	if existing, ok := q.queued[key]; ok {
		existing.value = q.merge(value, existing.value)
		return true
	}
	e := &entry[K, V]{key: key, value: value}
	q.items = append([]*entry[K, V]{e}, q.items...)
	q.queued[key] = e
	return false
}

// Peek returns the value waiting for key, or the value a consumer is
// currently working on when none is waiting.
func (q *Queue[K, V]) Peek(key K) (V, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.queued[key]; ok {
		return e.value, true
	}
	value, ok := q.busy[key]
	return value, ok
}

// Each calls fn for every waiting entry, in queue order, and then for
// every busy key that has no waiting entry. fn must not call back into
// the queue.
func (q *Queue[K, V]) Each(fn func(key K, value V, busy bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.items {
		fn(e.key, e.value, false)
	}
	for key, value := range q.busy {
		if _, queued := q.queued[key]; !queued {
			fn(key, value, true)
		}
	}
}

// Count returns the number of queued and busy keys matching match.
func (q *Queue[K, V]) Count(match func(K) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countLocked(match)
}

func (q *Queue[K, V]) countLocked(match func(K) bool) int {
	n := 0
	for _, e := range q.items {
		if match(e.key) {
			n++
		}
	}
	for key := range q.busy {
		if _, queued := q.queued[key]; !queued && match(key) {
			n++
		}
	}
	return n
}

// WaitIdle blocks until no queued or busy key matches match.
func (q *Queue[K, V]) WaitIdle(ctx context.Context, match func(K) bool) error {
	stop := q.wakeOnDone(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.countLocked(match) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		q.cond.Wait()
	}
	return nil
}

// Remove drops every waiting entry whose key matches and returns their
// values. Busy keys are unaffected.
func (q *Queue[K, V]) Remove(match func(K) bool) []V {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []V
	kept := q.items[:0]
	for _, e := range q.items {
		if match(e.key) {
			removed = append(removed, e.value)
			delete(q.queued, e.key)
			continue
		}
		kept = append(kept, e)
	}
	clear(q.items[len(kept):])
	q.items = kept
	if len(removed) > 0 {
		q.cond.Broadcast()
	}
	return removed
}

// Len returns the number of waiting entries.
func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting new entries. Entries already queued remain
// available to Dequeue.
func (q *Queue[K, V]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
