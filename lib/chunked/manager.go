// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chunked

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/orderedqueue"
	"github.com/bureau-foundation/mediavault/lib/stats"
	"github.com/bureau-foundation/mediavault/lib/watchdog"
)

const (
	DefaultChunkSize            = 10 * 1024 * 1024
	DefaultSlots                = 10
	DefaultMaxRetries           = 3
	DefaultInflightPollInterval = 5 * time.Second
	DefaultInflightRetries      = 120
)

// Config configures a Manager. Zero values select the defaults above;
// Workers has no default because zero is meaningful.
type Config struct {
	ChunkSize int

	// Workers is the number of upload goroutines. Zero flushes
	// synchronously on the writing goroutine.
	Workers int

	// Slots bounds the flush queue. A writer blocks when every slot
	// holds a distinct chunk.
	Slots int

	// MaxRetries is the number of upload attempts a chunk gets before
	// the manager turns read-only.
	MaxRetries int
	RetryDelay time.Duration

	// InflightDir holds inflight markers. Empty disables markers.
	InflightDir          string
	InflightPollInterval time.Duration
	InflightRetries      int

	Clock  clock.Clock
	Logger *slog.Logger
	Stats  *stats.Shared
}

// IORequest is one chunk upload. Buffer is owned by the request from
// the moment it is submitted; a newer request for the same chunk
// replaces it while it waits.
type IORequest struct {
	Volume string
	Chunk  int
	Buffer []byte
	Tries  int
}

type chunkKey struct {
	volume string
	chunk  int
}

// Manager owns the flush queue and worker pool shared by every volume
// opened through it.
type Manager struct {
	config  Config
	backend Backend
	clock   clock.Clock
	logger  *slog.Logger
	stats   *stats.Shared
	token   string
	host    string

	queue *orderedqueue.Queue[chunkKey, *IORequest]
	pool  *workerPool

	mu       sync.Mutex
	readOnly bool
	fatal    error
	closed   bool
}

// NewManager starts config.Workers upload goroutines against backend.
func NewManager(backend Backend, config Config) (*Manager, error) {
	if backend == nil {
		return nil, errors.New("chunked: nil backend")
	}
	if config.ChunkSize < 0 || config.Workers < 0 || config.Slots < 0 || config.MaxRetries < 0 {
		return nil, fmt.Errorf("chunked: negative configuration value")
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.Slots == 0 {
		config.Slots = DefaultSlots
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.InflightPollInterval == 0 {
		config.InflightPollInterval = DefaultInflightPollInterval
	}
	if config.InflightRetries == 0 {
		config.InflightRetries = DefaultInflightRetries
	}
	if config.InflightDir != "" {
		if err := os.MkdirAll(config.InflightDir, 0o750); err != nil {
			return nil, fmt.Errorf("chunked: creating inflight directory: %w", err)
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	shared := config.Stats
	if shared == nil {
		shared = &stats.Shared{}
	}
	host, _ := os.Hostname()

	m := &Manager{
		config:  config,
		backend: backend,
		clock:   clock.OrReal(config.Clock),
		logger:  logger,
		stats:   shared,
		token:   uuid.NewString(),
		host:    host,
	}
	if config.Workers > 0 {
		m.queue = orderedqueue.New[chunkKey, *IORequest](config.Slots, func(older, newer *IORequest) *IORequest {
			shared.RequestMerged()
			return newer
		})
		m.pool = startWorkers(config.Workers, m.worker)
	}
	return m, nil
}

// ChunkSize returns the configured chunk size.
func (m *Manager) ChunkSize() int { return m.config.ChunkSize }

// ReadOnly reports whether a permanent flush failure has occurred.
func (m *Manager) ReadOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readOnly
}

// Err returns the recorded permanent flush failure, if any.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

func (m *Manager) writableErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.readOnly {
		return fmt.Errorf("%w: %v", ErrReadOnly, m.fatal)
	}
	return nil
}

func validVolumeName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("chunked: invalid volume name %q", name)
	}
	return nil
}

// Mode selects how Open prepares a volume.
type Mode int

const (
	// ModeRead opens an existing volume for reading.
	ModeRead Mode = iota
	// ModeWrite opens a volume for reading and writing, creating it if
	// it does not exist.
	ModeWrite
	// ModeTruncate discards every chunk of the volume, then opens it
	// as ModeWrite.
	ModeTruncate
)

// Open returns a handle positioned at the start of volume. Writable
// opens fail with ErrReadOnly after a permanent flush failure. If the
// backend implements Prober and the probe fails, Open returns
// ErrBackendUnavailable.
func (m *Manager) Open(ctx context.Context, volume string, mode Mode) (*Volume, error) {
	if err := validVolumeName(volume); err != nil {
		return nil, err
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if mode != ModeRead {
		if err := m.writableErr(); err != nil {
			return nil, err
		}
	}
	if prober, ok := m.backend.(Prober); ok {
		if err := prober.Check(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		}
	}
	if mode == ModeTruncate {
		if err := m.Truncate(ctx, volume); err != nil {
			return nil, err
		}
	}

	size, err := m.Size(ctx, volume)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("chunked volume opened", "volume", volume, "mode", int(mode), "size", size)
	return &Volume{
		manager:  m,
		name:     volume,
		writable: mode != ModeRead,
		size:     size,
	}, nil
}

// submit hands req to the flush pipeline. In synchronous mode the
// upload happens before submit returns.
func (m *Manager) submit(ctx context.Context, req *IORequest) error {
	if err := m.writableErr(); err != nil {
		return err
	}
	if m.queue == nil {
		return m.flushSynchronously(ctx, req)
	}
	merged, err := m.queue.Enqueue(ctx, chunkKey{req.Volume, req.Chunk}, req)
	if err != nil {
		if errors.Is(err, orderedqueue.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	if !merged {
		m.stats.ChunkQueued(1)
	}
	return nil
}

// flushSynchronously uploads req on the caller's goroutine. A cancelled
// ctx ends the attempt without counting it: the caller still owns the
// chunk and may submit it again.
func (m *Manager) flushSynchronously(ctx context.Context, req *IORequest) error {
	for {
		err := m.upload(ctx, req)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		req.Tries++
		if req.Tries >= m.config.MaxRetries {
			m.fail(req, err)
			return m.Err()
		}
		m.logger.Warn("chunk flush failed, retrying",
			"volume", req.Volume, "chunk", req.Chunk, "attempt", req.Tries, "error", err)
		if err := m.sleep(ctx, m.config.RetryDelay); err != nil {
			return err
		}
	}
}

// sleep waits for d on the manager's clock or until ctx ends.
func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}

func (m *Manager) worker(ctx context.Context, id int) {
	for {
		key, req, err := m.queue.Dequeue(ctx, true)
		if err != nil {
			return
		}
		m.stats.ChunkQueued(-1)

		err = m.upload(ctx, req)
		if err == nil {
			m.queue.Release(key, true)
			continue
		}
		if ctx.Err() != nil {
			// Stopped mid-upload: the chunk goes back to the queue
			// untouched and its marker stays.
			m.requeue(key, req)
			return
		}

		req.Tries++
		if req.Tries >= m.config.MaxRetries {
			m.fail(req, err)
			m.queue.Release(key, true)
			continue
		}
		m.logger.Warn("chunk flush failed, requeueing",
			"worker", id, "volume", req.Volume, "chunk", req.Chunk, "attempt", req.Tries, "error", err)
		stopped := m.sleep(ctx, m.config.RetryDelay) != nil
		m.requeue(key, req)
		if stopped {
			return
		}
	}
}

func (m *Manager) requeue(key chunkKey, req *IORequest) {
	if !m.queue.Requeue(key, req) {
		m.stats.ChunkQueued(1)
	}
}

// upload performs one attempt: mark inflight, flush, clear the marker.
// A failed attempt leaves the marker in place for the retry.
func (m *Manager) upload(ctx context.Context, req *IORequest) error {
	markerPath := ""
	if m.config.InflightDir != "" {
		markerPath = watchdog.Path(m.config.InflightDir, req.Volume, req.Chunk)
		err := watchdog.Write(markerPath, watchdog.State{
			Volume:    req.Volume,
			Chunk:     req.Chunk,
			Length:    len(req.Buffer),
			Token:     m.token,
			Host:      m.host,
			PID:       os.Getpid(),
			Timestamp: m.clock.Now(),
		})
		if err != nil {
			return err
		}
	}

	m.stats.ChunkInflight(1)
	err := m.backend.Flush(ctx, req.Volume, req.Chunk, req.Buffer)
	m.stats.ChunkInflight(-1)
	if err != nil {
		if ctx.Err() == nil {
			m.stats.ChunkFlushFailed()
		}
		return err
	}
	m.stats.ChunkFlushed()

	if markerPath != "" {
		if err := watchdog.Clear(markerPath); err != nil {
			m.logger.Warn("clearing inflight marker", "path", markerPath, "error", err)
		}
	}
	m.logger.Debug("chunk flushed",
		"volume", req.Volume, "chunk", req.Chunk, "bytes", humanize.IBytes(uint64(len(req.Buffer))))
	return nil
}

func (m *Manager) fail(req *IORequest, cause error) {
	if m.config.InflightDir != "" {
		watchdog.Clear(watchdog.Path(m.config.InflightDir, req.Volume, req.Chunk))
	}

	m.mu.Lock()
	m.readOnly = true
	if m.fatal == nil {
		m.fatal = fmt.Errorf("%w: volume %s chunk %d after %d attempts: %w",
			ErrPermanentFlushFailure, req.Volume, req.Chunk, req.Tries, cause)
	}
	m.mu.Unlock()

	m.logger.Error("chunk flush failed permanently, manager is now read-only",
		"volume", req.Volume, "chunk", req.Chunk, "attempts", req.Tries, "error", cause)
}

// peek returns a copy of the latest contents of a chunk that is
// waiting for or undergoing upload.
func (m *Manager) peek(volume string, chunk int) ([]byte, bool) {
	if m.queue == nil {
		return nil, false
	}
	req, ok := m.queue.Peek(chunkKey{volume, chunk})
	if !ok {
		return nil, false
	}
	return req.Buffer, true
}

func (m *Manager) matchVolume(volume string) func(chunkKey) bool {
	return func(key chunkKey) bool { return key.volume == volume }
}

// Pending returns the number of chunks of volume waiting for or
// undergoing upload.
func (m *Manager) Pending(volume string) int {
	if m.queue == nil {
		return 0
	}
	return m.queue.Count(m.matchVolume(volume))
}

// waitInflight waits until no other manager holds an inflight marker
// for the chunk (any chunk when chunk is negative). It polls the marker
// directory InflightRetries times, InflightPollInterval apart.
func (m *Manager) waitInflight(ctx context.Context, volume string, chunk int) error {
	if m.config.InflightDir == "" {
		return nil
	}
	for attempt := 0; ; attempt++ {
		states, err := watchdog.List(m.config.InflightDir, volume)
		if err != nil {
			return err
		}
		var foreign []watchdog.State
		for _, state := range states {
			if state.Token == m.token {
				continue
			}
			if chunk >= 0 && state.Chunk != chunk {
				continue
			}
			foreign = append(foreign, state)
		}
		if len(foreign) == 0 {
			return nil
		}
		if attempt >= m.config.InflightRetries {
			return fmt.Errorf("%w: volume %s chunk %d still marked by %s pid %d",
				ErrInflightTimeout, volume, foreign[0].Chunk, foreign[0].Host, foreign[0].PID)
		}
		if attempt == 0 {
			m.logger.Info("waiting for inflight chunk upload",
				"volume", volume, "chunk", foreign[0].Chunk, "host", foreign[0].Host, "pid", foreign[0].PID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.config.InflightPollInterval):
		}
	}
}

// Size returns the volume's logical size: the backend size extended by
// any chunk still waiting for or undergoing upload. Uploads by other
// processes are waited out first.
func (m *Manager) Size(ctx context.Context, volume string) (int64, error) {
	if err := m.waitInflight(ctx, volume, -1); err != nil {
		return 0, err
	}
	size, err := m.backend.Size(ctx, volume, m.config.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("querying backend size of %s: %w", volume, err)
	}
	if m.queue != nil {
		chunkSize := int64(m.config.ChunkSize)
		m.queue.Each(func(key chunkKey, req *IORequest, busy bool) {
			if key.volume != volume {
				return
			}
			size = max(size, int64(key.chunk)*chunkSize+int64(len(req.Buffer)))
		})
	}
	return size, nil
}

// IsFullyWritten reports whether every chunk of volume has reached the
// backend: nothing queued, nothing uploading here, and no marker left
// by another process once the bounded wait expires.
func (m *Manager) IsFullyWritten(ctx context.Context, volume string) (bool, error) {
	if m.Pending(volume) > 0 {
		return false, nil
	}
	if err := m.waitInflight(ctx, volume, -1); err != nil {
		if errors.Is(err, ErrInflightTimeout) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// WaitUntilFlushed blocks until no chunk of volume is waiting for or
// undergoing upload, then reports any permanent flush failure.
func (m *Manager) WaitUntilFlushed(ctx context.Context, volume string) error {
	if m.queue != nil {
		if err := m.queue.WaitIdle(ctx, m.matchVolume(volume)); err != nil {
			return err
		}
	}
	return m.Err()
}

// Truncate discards every chunk of volume: waiting requests are
// dropped, uploads in progress are allowed to finish, and the backend
// copy is removed.
func (m *Manager) Truncate(ctx context.Context, volume string) error {
	if err := m.writableErr(); err != nil {
		return err
	}
	if m.queue != nil {
		dropped := m.queue.Remove(m.matchVolume(volume))
		m.stats.ChunkQueued(-int64(len(dropped)))
		if err := m.queue.WaitIdle(ctx, m.matchVolume(volume)); err != nil {
			return err
		}
	}
	if err := m.waitInflight(ctx, volume, -1); err != nil {
		return err
	}
	if err := m.backend.Truncate(ctx, volume); err != nil {
		return fmt.Errorf("truncating %s: %w", volume, err)
	}
	m.logger.Info("chunked volume truncated", "volume", volume)
	return nil
}

// Status describes a volume's position in the flush pipeline.
type Status struct {
	Volume      string
	BackendSize int64
	Queued      []int
	Uploading   []int
	Inflight    []watchdog.State
	ReadOnly    bool
	Err         error
}

// Status reports the volume's queued, uploading, and marked chunks
// without waiting.
func (m *Manager) Status(ctx context.Context, volume string) (Status, error) {
	status := Status{Volume: volume}
	size, err := m.backend.Size(ctx, volume, m.config.ChunkSize)
	if err != nil {
		return status, err
	}
	status.BackendSize = size
	if m.queue != nil {
		m.queue.Each(func(key chunkKey, _ *IORequest, busy bool) {
			if key.volume != volume {
				return
			}
			if busy {
				status.Uploading = append(status.Uploading, key.chunk)
			} else {
				status.Queued = append(status.Queued, key.chunk)
			}
		})
	}
	if m.config.InflightDir != "" {
		status.Inflight, err = watchdog.List(m.config.InflightDir, volume)
		if err != nil {
			return status, err
		}
	}
	status.ReadOnly = m.ReadOnly()
	status.Err = m.Err()
	return status, nil
}

// ClearOrphaned removes markers for volume left by processes on this
// host that no longer exist, and returns them.
func (m *Manager) ClearOrphaned(volume string) ([]watchdog.State, error) {
	if m.config.InflightDir == "" {
		return nil, nil
	}
	states, err := watchdog.List(m.config.InflightDir, volume)
	if err != nil {
		return nil, err
	}
	var cleared []watchdog.State
	for _, state := range states {
		if !state.Orphaned() {
			continue
		}
		if err := watchdog.Clear(watchdog.Path(m.config.InflightDir, volume, state.Chunk)); err != nil {
			return cleared, err
		}
		m.logger.Warn("cleared orphaned inflight marker",
			"volume", volume, "chunk", state.Chunk, "pid", state.PID, "since", state.Timestamp)
		cleared = append(cleared, state)
	}
	return cleared, nil
}

// Close stops accepting uploads and waits for the queue to drain. If
// ctx ends first, uploads in progress are cancelled. Close returns the
// recorded permanent flush failure, if any.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.queue != nil {
		m.queue.Close()
		if err := m.pool.Wait(ctx); err != nil {
			m.pool.Stop()
			m.pool.Wait(context.Background())
			return fmt.Errorf("chunked: closing with %d chunks pending: %w", m.queue.Len(), err)
		}
		m.pool.Stop()
	}
	return m.Err()
}
