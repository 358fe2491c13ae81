// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package spool stages a job's blocks in local files before they reach
// the device.
//
// A [Session] installs itself as the job's [control.Spooler]. Blocks
// handed to it are appended to the active spool file as
// (FirstIndex, LastIndex, length, raw) records. When the job's spool
// limit or the device's spool allowance is reached, the active file is
// despooled: its records are replayed in order through the control
// handle's physical write path and the file is truncated. With two or
// more files the filled file is despooled in the background while the
// job keeps writing into the next one; with a single file the job
// waits for the despool.
//
// Commit despools whatever remains and releases the files; Discard
// releases them without touching the device. Both erase the spool
// files. Writing the job's end of session label commits the session.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/stats"
)

// ErrSpoolIO reports a failed read or write of a spool file. It is
// fatal to the job; the device never receives a partial record.
var ErrSpoolIO = errors.New("spool I/O error")

// ErrClosed is returned by a session after Commit or Discard.
var ErrClosed = errors.New("spool session closed")

// Config configures a spool session.
type Config struct {
	// Directory holds the spool files. It is created if missing.
	Directory string

	// Files is the number of spool files used round-robin. Values
	// below one mean one.
	Files int

	// JobMaxSize despools the active spool file once it holds this
	// many bytes. Zero leaves only the device allowance.
	JobMaxSize int64

	// SecureErasePerCycle erases and recreates a file after every
	// despool instead of truncating it.
	SecureErasePerCycle bool

	// EraseCommand is run with the file path appended to erase a
	// spool file. Empty overwrites the file with zeros and removes it.
	EraseCommand []string

	Stats  *stats.Shared
	Logger *slog.Logger
}

// Session is one job's spool. WriteBlock, Commit and Discard are
// called from the job's goroutine; background despools run on a
// goroutine owned by the session.
type Session struct {
	ctl    *control.Control
	config Config
	id     uuid.UUID
	stats  *stats.Shared
	logger *slog.Logger

	files  []*spoolFile
	active int

	// Closed-over state of the background despooler.
	background context.Context
	cancel     context.CancelFunc
	pending    chan *spoolFile
	done       chan struct{}

	mu      sync.Mutex
	spooled int64
	err     error
	closed  bool
}

// Begin opens the spool files for the job behind ctl and routes the
// job's blocks into them.
func Begin(ctx context.Context, ctl *control.Control, config Config) (*Session, error) {
	if config.Files < 1 {
		config.Files = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = ctl.Logger
	}
	shared := config.Stats
	if shared == nil {
		shared = &stats.Shared{}
	}
	if err := os.MkdirAll(config.Directory, 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating spool directory: %w", ErrSpoolIO, err)
	}

	s := &Session{
		ctl:    ctl,
		config: config,
		id:     uuid.New(),
		stats:  shared,
		logger: logger.With("device", ctl.Dev.Name),
	}
	for i := range config.Files {
		f, err := createFile(s.filePath(i))
		if err != nil {
			s.closeFiles(context.WithoutCancel(ctx))
			return nil, err
		}
		s.files = append(s.files, f)
	}

	if config.Files > 1 {
		s.background, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
		s.pending = make(chan *spoolFile, config.Files)
		s.done = make(chan struct{})
		go s.despooler()
	}

	ctl.Spooler = s
	s.stats.SpoolJobStarted()
	s.logger.Info("spooling data", "files", config.Files,
		"job_maximum", humanize.IBytes(uint64(config.JobMaxSize)))
	return s, nil
}

func (s *Session) filePath(index int) string {
	return filepath.Join(s.config.Directory,
		fmt.Sprintf("%s.%d.%s.%d.spool", s.ctl.Dev.Name, s.ctl.JobID, s.id, index))
}

// Spooled returns the bytes currently held in spool files.
func (s *Session) Spooled() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spooled
}

// Err returns the first background despool failure.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// WriteBlock appends b to the active spool file and despools when a
// limit is reached. It implements control.Spooler.
func (s *Session) WriteBlock(ctx context.Context, b *block.DeviceBlock) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.Err(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f := s.files[s.active]
	n, err := f.append(b)
	if err != nil {
		s.stats.SpoolWriteFailed()
		s.logger.Error("writing spool file", "path", f.path, "error", err)
		return err
	}
	s.stats.SpoolGrew(n)

	s.mu.Lock()
	s.spooled += n
	s.mu.Unlock()

	// Files already handed to the despooler no longer count against
	// the job: only the active file does.
	overJob := s.config.JobMaxSize > 0 && f.size >= s.config.JobMaxSize
	reserved, err := s.reserve(ctx, f, n)
	if err != nil {
		return err
	}
	overDevice := !reserved

	if overJob || overDevice {
		s.logger.Debug("spool limit reached",
			"spooled", humanize.IBytes(uint64(s.Spooled())),
			"job_limit", overJob, "device_limit", overDevice)
		return s.rotate(ctx)
	}
	return nil
}

// reserve takes n bytes of the device's spool allowance for f. When
// the allowance is exhausted while other files of this session are
// despooling, it waits for them to hand their share back and tries
// once more.
func (s *Session) reserve(ctx context.Context, f *spoolFile, n int64) (bool, error) {
	dev := s.ctl.Dev
	if dev.ReserveSpool(n) {
		f.reserved += n
		return true, nil
	}
	if len(s.files) == 1 {
		return false, nil
	}
	busy := false
	for _, other := range s.files {
		if other == f {
			continue
		}
		select {
		case <-other.waitIdle():
			continue
		default:
		}
		busy = true
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-other.waitIdle():
		}
	}
	if !busy {
		return false, nil
	}
	if err := s.Err(); err != nil {
		return false, err
	}
	if dev.ReserveSpool(n) {
		f.reserved += n
		return true, nil
	}
	return false, nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// rotate despools the active file and moves on to the next one.
func (s *Session) rotate(ctx context.Context) error {
	f := s.files[s.active]
	if len(s.files) == 1 {
		return s.despoolFile(ctx, false, f)
	}

	f.idle = make(chan struct{})
	s.pending <- f
	s.active = (s.active + 1) % len(s.files)

	next := s.files[s.active]
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-next.waitIdle():
	}
	return s.Err()
}

// despooler replays filled files in the order they were queued.
func (s *Session) despooler() {
	defer close(s.done)
	for f := range s.pending {
		if s.Err() == nil {
			if err := s.despoolFile(s.background, false, f); err != nil {
				s.setErr(err)
			}
		}
		close(f.idle)
	}
}

// despoolFile replays every record of f through the device write path
// and empties f. The device is reserved for the duration. On failure f
// is left intact.
func (s *Session) despoolFile(ctx context.Context, commit bool, f *spoolFile) error {
	if f.size == 0 {
		return nil
	}
	dev := s.ctl.Dev
	if err := dev.Block(ctx, device.BlockedDespooling, s); err != nil {
		return err
	}
	defer dev.Unblock(s)

	action := "despooling"
	if commit {
		action = "committing"
	}
	size := f.size
	s.logger.Info(action+" spooled data", "path", f.path, "bytes", humanize.IBytes(uint64(size)))

	scratch := block.New(dev.MaxBlockSize, s.ctl.Block.Version)
	scratch.SetSession(s.ctl.VolSessionID, s.ctl.VolSessionTime)

	var offset int64
	records := 0
	for offset < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, raw, err := f.readRecord(offset)
		if err != nil {
			return err
		}
		scratch.Load(raw, header.firstIndex, header.lastIndex)
		if err := s.ctl.WriteBlock(ctx, scratch); err != nil {
			return fmt.Errorf("despooling record %d of %s: %w", records, f.path, err)
		}
		offset += recordHeaderLen + int64(len(raw))
		records++
	}

	if s.config.SecureErasePerCycle {
		if err := f.recreate(ctx, s.config.EraseCommand); err != nil {
			return err
		}
	} else if err := f.truncate(); err != nil {
		return err
	}

	dev.ReleaseSpool(f.reserved)
	f.reserved = 0
	s.mu.Lock()
	s.spooled -= size
	s.mu.Unlock()
	s.stats.SpoolDespooled(size)
	s.logger.Info("despool complete", "records", records, "bytes", humanize.IBytes(uint64(size)))
	return nil
}

// Despool waits for background despools and then replays every
// spooled record to the device in the order it was written. commit
// marks the final despool of the job in the logs.
func (s *Session) Despool(ctx context.Context, commit bool) error {
	if err := s.drain(ctx); err != nil {
		return err
	}
	if err := s.Err(); err != nil {
		return err
	}
	// The active file holds the newest blocks; every older file has
	// been despooled by now.
	for i := range s.files {
		f := s.files[(s.active+1+i)%len(s.files)]
		if err := s.despoolFile(ctx, commit, f); err != nil {
			return err
		}
	}
	return nil
}

// Commit writes the job's partial block into the spool, despools
// everything, and releases the session. The job's blocks go straight
// to the device afterwards.
func (s *Session) Commit(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.ctl.Flush(ctx); err != nil {
		return err
	}
	if err := s.Despool(ctx, true); err != nil {
		return err
	}
	return s.release(ctx)
}

// Discard drops everything spooled and releases the session.
func (s *Session) Discard(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.drain(ctx)

	var discarded int64
	for _, f := range s.files {
		discarded += f.size
		s.ctl.Dev.ReleaseSpool(f.reserved)
		f.reserved = 0
	}
	s.mu.Lock()
	s.spooled = 0
	s.mu.Unlock()
	s.stats.SpoolReleased(discarded)
	s.ctl.Block.Empty()
	if discarded > 0 {
		s.logger.Info("discarded spooled data", "bytes", humanize.IBytes(uint64(discarded)))
	}
	return s.release(ctx)
}

// drain waits until every queued background despool has finished.
func (s *Session) drain(ctx context.Context) error {
	for _, f := range s.files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.waitIdle():
		}
	}
	return nil
}

func (s *Session) release(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.pending != nil {
		close(s.pending)
		<-s.done
		s.cancel()
	}
	s.ctl.Spooler = nil
	s.stats.SpoolJobEnded()
	return s.closeFiles(ctx)
}

func (s *Session) closeFiles(ctx context.Context) error {
	var errs []error
	for _, f := range s.files {
		if err := f.erase(ctx, s.config.EraseCommand); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
