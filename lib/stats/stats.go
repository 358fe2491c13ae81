// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stats holds the process-wide counters shared by the spool
// and chunk managers. A single *Shared is created at startup and
// injected into every manager constructor; there are no package-level
// globals.
package stats

import (
	"sync"
	"sync/atomic"
)

// Shared is safe for concurrent use. The zero value is ready to use.
type Shared struct {
	// Chunk pipeline.
	inflightChunks atomic.Int64
	queuedChunks   atomic.Int64
	flushedChunks  atomic.Int64
	flushFailures  atomic.Int64
	mergedRequests atomic.Int64

	// Data spooling. Guarded by spoolMu so that Snapshot sees a
	// consistent job/size pair.
	spoolMu            sync.Mutex
	spoolingJobs       int
	totalSpoolingJobs  int
	spoolSize          int64
	maxSpoolSize       int64
	despoolCount       int64
	despooledBytes     int64
	spoolWriteFailures int64
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	InflightChunks int64
	QueuedChunks   int64
	FlushedChunks  int64
	FlushFailures  int64
	MergedRequests int64

	SpoolingJobs       int
	TotalSpoolingJobs  int
	SpoolSize          int64
	MaxSpoolSize       int64
	DespoolCount       int64
	DespooledBytes     int64
	SpoolWriteFailures int64
}

// ChunkInflight adjusts the number of chunks currently uploading.
func (s *Shared) ChunkInflight(delta int64) { s.inflightChunks.Add(delta) }

// ChunkQueued adjusts the number of chunks waiting in flush queues.
func (s *Shared) ChunkQueued(delta int64) { s.queuedChunks.Add(delta) }

// ChunkFlushed records one successful backend flush.
func (s *Shared) ChunkFlushed() { s.flushedChunks.Add(1) }

// ChunkFlushFailed records one failed backend flush attempt.
func (s *Shared) ChunkFlushFailed() { s.flushFailures.Add(1) }

// RequestMerged records a flush request absorbed by an already
// queued request for the same chunk.
func (s *Shared) RequestMerged() { s.mergedRequests.Add(1) }

// InflightChunks returns the number of chunks currently uploading.
func (s *Shared) InflightChunks() int64 { return s.inflightChunks.Load() }

// SpoolJobStarted records a job that began data spooling.
func (s *Shared) SpoolJobStarted() {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	s.spoolingJobs++
	s.totalSpoolingJobs++
}

// SpoolJobEnded records a job that committed or discarded its spool.
func (s *Shared) SpoolJobEnded() {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	if s.spoolingJobs > 0 {
		s.spoolingJobs--
	}
}

// SpoolGrew adds n bytes to the spooled total and tracks the high
// water mark.
func (s *Shared) SpoolGrew(n int64) {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	s.spoolSize += n
	if s.spoolSize > s.maxSpoolSize {
		s.maxSpoolSize = s.spoolSize
	}
}

// SpoolDespooled removes n bytes from the spooled total after they
// reached the device.
func (s *Shared) SpoolDespooled(n int64) {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	s.spoolSize -= n
	if s.spoolSize < 0 {
		s.spoolSize = 0
	}
	s.despoolCount++
	s.despooledBytes += n
}

// SpoolReleased removes n spooled bytes that were discarded rather
// than despooled.
func (s *Shared) SpoolReleased(n int64) {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	s.spoolSize -= n
	if s.spoolSize < 0 {
		s.spoolSize = 0
	}
}

// SpoolWriteFailed records a failed write to a spool file.
func (s *Shared) SpoolWriteFailed() {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	s.spoolWriteFailures++
}

// Snapshot returns a copy of every counter.
func (s *Shared) Snapshot() Snapshot {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()
	return Snapshot{
		InflightChunks:     s.inflightChunks.Load(),
		QueuedChunks:       s.queuedChunks.Load(),
		FlushedChunks:      s.flushedChunks.Load(),
		FlushFailures:      s.flushFailures.Load(),
		MergedRequests:     s.mergedRequests.Load(),
		SpoolingJobs:       s.spoolingJobs,
		TotalSpoolingJobs:  s.totalSpoolingJobs,
		SpoolSize:          s.spoolSize,
		MaxSpoolSize:       s.maxSpoolSize,
		DespoolCount:       s.despoolCount,
		DespooledBytes:     s.despooledBytes,
		SpoolWriteFailures: s.spoolWriteFailures,
	}
}
