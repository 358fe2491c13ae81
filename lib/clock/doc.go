// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// storage engine for label timestamps, flush retry delays and the
// bounded waits on inflight chunks.
//
// Production code receives Real(). Tests receive Fake() and drive
// time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	manager, _ := chunked.NewManager(backend, chunked.Config{Clock: c})
//	go manager.Size(ctx, "Vol-0001")
//	c.WaitForWaiters(1)
//	c.Advance(5 * time.Second)
//
// WaitForWaiters removes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
