// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mediavault/lib/codec"
)

const suffix = ".inflight"

// State is the content of one marker.
type State struct {
	Volume string `cbor:"volume"`
	Chunk  int    `cbor:"chunk"`

	// Length is the number of chunk bytes being uploaded. Readers use
	// it to account for the volume size before the upload finishes.
	Length int `cbor:"length"`

	// Token identifies the writing manager instance. A manager ignores
	// its own markers when waiting for foreign uploads.
	Token string `cbor:"token"`

	Host string `cbor:"host"`
	PID  int    `cbor:"pid"`

	Timestamp time.Time `cbor:"timestamp"`
}

// Path returns the marker path for a chunk of volume under directory.
func Path(directory, volume string, chunk int) string {
	return filepath.Join(directory, fmt.Sprintf("%s@%04d%s", volume, chunk, suffix))
}

// Write atomically writes a marker file. The parent directory must
// already exist. The file is created with mode 0600.
func Write(path string, state State) error {
	if err := codec.WriteFile(path, state, 0o600); err != nil {
		return fmt.Errorf("writing inflight marker: %w", err)
	}
	return nil
}

// Read parses a marker file. When the file does not exist the returned
// error wraps os.ErrNotExist.
func Read(path string) (State, error) {
	var state State
	if err := codec.ReadFile(path, &state); err != nil {
		return State{}, err
	}
	return state, nil
}

// Exists reports whether a marker is present at path.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Clear removes a marker. Idempotent: returns nil when the file does
// not exist.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing inflight marker: %w", err)
	}
	return nil
}

// List returns the markers for volume in directory, ordered by chunk.
// Markers that disappear or cannot be parsed while listing are skipped;
// a concurrent writer may clear them at any moment.
func List(directory, volume string) ([]State, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing inflight markers: %w", err)
	}

	prefix := volume + "@"
	var states []State
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		chunk, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix))
		if err != nil {
			continue
		}
		state, err := Read(filepath.Join(directory, name))
		if err != nil {
			continue
		}
		state.Chunk = chunk
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Chunk < states[j].Chunk })
	return states, nil
}

// Stale reports whether the marker is older than maxAge at now.
func (s State) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.Timestamp) > maxAge
}

// Orphaned reports whether the marker was written by a process on
// this host that no longer exists. Markers from other hosts are never
// considered orphaned.
func (s State) Orphaned() bool {
	host, err := os.Hostname()
	if err != nil || host != s.Host || s.PID <= 0 {
		return false
	}
	return errors.Is(unix.Kill(s.PID, 0), unix.ESRCH)
}
