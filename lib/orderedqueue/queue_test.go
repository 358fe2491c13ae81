// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orderedqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/mediavault/lib/testutil"
)

func TestMergeCollapsesSameKey(t *testing.T) {
	q := New[string, string](4, func(older, newer string) string { return older + "+" + newer })
	ctx := context.Background()

	if merged, err := q.Enqueue(ctx, "a", "first"); err != nil || merged {
		t.Fatalf("first Enqueue: merged=%v err=%v", merged, err)
	}
	if merged, err := q.Enqueue(ctx, "a", "second"); err != nil || !merged {
		t.Fatalf("second Enqueue: merged=%v err=%v", merged, err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	key, value, err := q.Dequeue(ctx, false)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if key != "a" || value != "first+second" {
		t.Fatalf("Dequeue = (%q, %q), want (a, first+second)", key, value)
	}
}

func TestDefaultMergeKeepsNewest(t *testing.T) {
	q := New[int, int](2, nil)
	ctx := context.Background()
	q.Enqueue(ctx, 1, 10)
	q.Enqueue(ctx, 1, 20)
	if value, ok := q.Peek(1); !ok || value != 20 {
		t.Fatalf("Peek = (%d, %v), want (20, true)", value, ok)
	}
}

func TestFIFOAcrossKeys(t *testing.T) {
	q := New[int, int](8, nil)
	ctx := context.Background()
	for i := range 5 {
		q.Enqueue(ctx, i, i*10)
	}
	for i := range 5 {
		key, _, err := q.Dequeue(ctx, false)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if key != i {
			t.Fatalf("Dequeue %d returned key %d", i, key)
		}
		q.Release(key, false)
	}
}

func TestBusyKeyIsNotHandedOutTwice(t *testing.T) {
	q := New[string, int](4, nil)
	ctx := context.Background()

	q.Enqueue(ctx, "a", 1)
	key, _, _ := q.Dequeue(ctx, true)
	if key != "a" {
		t.Fatalf("Dequeue = %q, want a", key)
	}

	// A newer write for the busy key queues behind it; another key
	// overtakes it.
	if merged, _ := q.Enqueue(ctx, "a", 2); merged {
		t.Fatal("enqueue for busy key merged into in-progress work")
	}
	q.Enqueue(ctx, "b", 3)

	key, value, _ := q.Dequeue(ctx, false)
	if key != "b" || value != 3 {
		t.Fatalf("Dequeue = (%q, %d), want (b, 3)", key, value)
	}

	result := make(chan string, 1)
	go func() {
		key, _, err := q.Dequeue(context.Background(), false)
		if err != nil {
			result <- err.Error()
			return
		}
		result <- key
	}()

	testutil.RequireBlocked(t, result, 20*time.Millisecond, "Dequeue while a was still busy")

	q.Release("a", true)
	if got := testutil.RequireReceive(t, result, 5*time.Second, "waiting for second a"); got != "a" {
		t.Fatalf("Dequeue after release = %q, want a", got)
	}
}

func TestRequeueMergesUnderNewerValue(t *testing.T) {
	q := New[string, string](2, func(older, newer string) string { return newer })
	ctx := context.Background()

	q.Enqueue(ctx, "chunk", "v1")
	_, value, _ := q.Dequeue(ctx, true)
	q.Enqueue(ctx, "chunk", "v2")
	q.Requeue("chunk", value)

	_, got, _ := q.Dequeue(ctx, true)
	if got != "v2" {
		t.Fatalf("after requeue Dequeue = %q, want v2", got)
	}
}

func TestRequeueGoesToFront(t *testing.T) {
	q := New[int, int](4, nil)
	ctx := context.Background()
	q.Enqueue(ctx, 1, 1)
	q.Enqueue(ctx, 2, 2)

	key, value, _ := q.Dequeue(ctx, true)
	q.Requeue(key, value)

	key, _, _ = q.Dequeue(ctx, true)
	if key != 1 {
		t.Fatalf("Dequeue after Requeue = %d, want 1", key)
	}
}

func TestEnqueueBlocksWhenFull(t *testing.T) {
	q := New[int, int](1, nil)
	ctx := context.Background()
	q.Enqueue(ctx, 1, 1)

	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), 2, 2)
		done <- err
	}()

	testutil.RequireBlocked(t, done, 20*time.Millisecond, "Enqueue on a full queue")

	// Merging into the waiting key never blocks.
	if merged, err := q.Enqueue(ctx, 1, 5); err != nil || !merged {
		t.Fatalf("merge on full queue: merged=%v err=%v", merged, err)
	}

	key, _, _ := q.Dequeue(ctx, false)
	q.Release(key, false)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "blocked enqueue"); err != nil {
		t.Fatalf("blocked Enqueue: %v", err)
	}
}

func TestReservedSlotCountsAgainstCapacity(t *testing.T) {
	q := New[int, int](1, nil)
	q.Enqueue(context.Background(), 1, 1)
	q.Dequeue(context.Background(), true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Enqueue(ctx, 2, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue with all slots reserved = %v, want deadline exceeded", err)
	}
}

func TestDequeueHonorsCancellation(t *testing.T) {
	q := New[int, int](1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := q.Dequeue(ctx, false)
		done <- err
	}()
	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "cancelled dequeue"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Dequeue = %v, want context.Canceled", err)
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	q := New[int, int](4, nil)
	ctx := context.Background()
	q.Enqueue(ctx, 1, 1)
	q.Enqueue(ctx, 2, 2)
	q.Close()

	if _, err := q.Enqueue(ctx, 3, 3); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrClosed", err)
	}
	for want := 1; want <= 2; want++ {
		key, _, err := q.Dequeue(ctx, false)
		if err != nil || key != want {
			t.Fatalf("Dequeue = (%d, %v), want (%d, nil)", key, err, want)
		}
		q.Release(key, false)
	}
	if _, _, err := q.Dequeue(ctx, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Dequeue on drained queue = %v, want ErrClosed", err)
	}
}

func TestWaitIdleAndRemove(t *testing.T) {
	q := New[string, int](8, nil)
	ctx := context.Background()
	q.Enqueue(ctx, "vol1/0", 1)
	q.Enqueue(ctx, "vol1/1", 2)
	q.Enqueue(ctx, "vol2/0", 3)

	isVol1 := func(key string) bool { return key[:4] == "vol1" }
	if got := q.Count(isVol1); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	key, _, _ := q.Dequeue(ctx, false)
	if key != "vol1/0" {
		t.Fatalf("Dequeue = %q, want vol1/0", key)
	}
	removed := q.Remove(isVol1)
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("Remove = %v, want [2]", removed)
	}

	done := make(chan error, 1)
	go func() { done <- q.WaitIdle(context.Background(), isVol1) }()
	testutil.RequireBlocked(t, done, 20*time.Millisecond, "WaitIdle while vol1/0 was busy")
	q.Release("vol1/0", false)
	if err := testutil.RequireReceive(t, done, 5*time.Second, "WaitIdle"); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1 (vol2 untouched)", q.Len())
	}
}

func TestEachVisitsQueuedAndBusy(t *testing.T) {
	q := New[int, string](4, nil)
	ctx := context.Background()
	q.Enqueue(ctx, 1, "one")
	q.Enqueue(ctx, 2, "two")
	q.Dequeue(ctx, false)

	seen := map[int]bool{}
	q.Each(func(key int, value string, busy bool) {
		seen[key] = busy
	})
	if len(seen) != 2 || !seen[1] || seen[2] {
		t.Fatalf("Each saw %v, want 1 busy and 2 waiting", seen)
	}
}
