// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunked presents a remote object store as a seekable volume.
//
// A volume is divided into fixed-size chunks. The open chunk lives in
// memory; writes land there and, when the write position leaves the
// chunk, the chunk's buffer is handed to a flush queue. Worker
// goroutines take requests from the queue and upload them through a
// [Backend]. The queue holds at most one request per (volume, chunk):
// a newer flush of a chunk that is still waiting replaces the older
// one, so only the latest contents are ever uploaded. Requests for the
// same chunk are never uploaded concurrently.
//
// Before a worker uploads a chunk it writes an inflight marker (see
// package watchdog) and removes it after the backend acknowledges the
// data. A chunk is therefore always in one of three places: waiting in
// the queue, marked inflight, or durable on the backend. Loading a
// chunk consults them in that order.
//
// A failed upload is retried up to Config.MaxRetries times. After the
// last failure the [Manager] becomes permanently read-only: pending
// requests still drain, but every later write or writable open fails
// with [ErrReadOnly] without touching the backend.
//
// With Config.Workers set to zero no goroutines are started and each
// flush runs synchronously on the writer's goroutine.
package chunked
