// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/testutil"
)

// recordingCatalog keeps every catalog call.
type recordingCatalog struct {
	mu      sync.Mutex
	created []device.VolCatInfo
	updated []device.VolCatInfo
}

func (c *recordingCatalog) CreateMedia(ctx context.Context, info device.VolCatInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, info)
	return nil
}

func (c *recordingCatalog) UpdateVolumeInfo(ctx context.Context, info device.VolCatInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = append(c.updated, info)
	return nil
}

func (c *recordingCatalog) last() device.VolCatInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updated) == 0 {
		return device.VolCatInfo{}
	}
	return c.updated[len(c.updated)-1]
}

// faultyBackend wraps a backend and fails writes from a script.
type faultyBackend struct {
	device.Backend
	mu         sync.Mutex
	writeErrs  []error
	shortBy    int
	writes     int
	lastLength int
	eofs       int
}

func (f *faultyBackend) Write(ctx context.Context, p []byte) (int, error) {
	f.mu.Lock()
	f.writes++
	f.lastLength = len(p)
	if len(f.writeErrs) > 0 {
		err := f.writeErrs[0]
		f.writeErrs = f.writeErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return 0, err
		}
		return f.Backend.Write(ctx, p)
	}
	shortBy := f.shortBy
	f.mu.Unlock()
	if shortBy > 0 {
		n, err := f.Backend.Write(ctx, p[:len(p)-shortBy])
		return n, err
	}
	return f.Backend.Write(ctx, p)
}

func (f *faultyBackend) WriteEOF(ctx context.Context, count int) error {
	f.mu.Lock()
	f.eofs += count
	f.mu.Unlock()
	return f.Backend.WriteEOF(ctx, count)
}

func (f *faultyBackend) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func mountFile(t *testing.T, backend device.Backend, config device.Config) *device.Dev {
	t.Helper()
	dev := device.New(backend, config)
	ctx := context.Background()
	if err := dev.Mount(ctx, "Vol-0001", device.OpenCreate); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { dev.Unmount(context.Background()) })
	return dev
}

func TestRecordsRoundTripThroughDevice(t *testing.T) {
	for _, backendName := range []string{"file", "tape"} {
		t.Run(backendName, func(t *testing.T) {
			var backend device.Backend
			if backendName == "file" {
				backend = device.NewFileDevice(t.TempDir(), false)
			} else {
				backend = device.NewVirtualTape(t.TempDir(), 0)
			}
			dev := mountFile(t, backend, device.Config{Name: "Dev1", MaxBlockSize: 1024})
			ctx := context.Background()
			writer := New(dev, Config{JobID: 1, VolSessionID: 3, VolSessionTime: 77, Options: Options{Checksum: true}})

			var records [][]byte
			for i := range 20 {
				data := testutil.Pattern(byte(i), 50+i*97)
				records = append(records, data)
				if err := writer.WriteRecord(ctx, writer.NewRecord(int32(i+1), 1, data)); err != nil {
					t.Fatalf("WriteRecord %d: %v", i, err)
				}
			}
			if err := writer.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			positions := writer.Positions()
			if !positions.Wrote || positions.StartBlock != 0 || positions.EndBlock < 10 {
				t.Fatalf("block span = %+v, want 0..>=10", positions)
			}
			if got := dev.Info().Blocks; got != positions.EndBlock+1 {
				t.Fatalf("Blocks = %d, want %d", got, positions.EndBlock+1)
			}

			dev.Backend.Rewind(ctx)
			reader := New(dev, Config{JobID: 2, Options: Options{VerifyChecksum: true}})
			var rec block.Record
			previous := int64(-1)
			for i, want := range records {
				if err := reader.ReadRecord(ctx, &rec); err != nil {
					t.Fatalf("ReadRecord %d: %v", i, err)
				}
				if rec.FileIndex != int32(i+1) || !bytes.Equal(rec.Data, want) {
					t.Fatalf("record %d: index %d with %d bytes, want index %d with %d bytes",
						i, rec.FileIndex, len(rec.Data), i+1, len(want))
				}
				if rec.VolSessionID != 3 || rec.VolSessionTime != 77 {
					t.Fatalf("record %d session = %d/%d", i, rec.VolSessionID, rec.VolSessionTime)
				}
				if number := int64(reader.Block.BlockNumber); number < previous {
					t.Fatalf("block numbers went backwards: %d after %d", number, previous)
				} else {
					previous = number
				}
			}
			if err := reader.ReadRecord(ctx, &rec); !errors.Is(err, io.EOF) {
				t.Fatalf("ReadRecord past end = %v, want io.EOF", err)
			}
		})
	}
}

func TestFixedBlockDevicePadsToFullBuffer(t *testing.T) {
	backend := &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false)}
	dev := mountFile(t, backend, device.Config{MinBlockSize: 2048, MaxBlockSize: 2048})
	ctl := New(dev, Config{})
	ctx := context.Background()

	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("tiny")))
	if err := ctl.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if backend.lastLength != 2048 {
		t.Fatalf("wrote %d bytes, want the full 2048-byte block", backend.lastLength)
	}
}

func TestAdaptiveDeviceRoundsUpToMinimum(t *testing.T) {
	backend := &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false)}
	dev := mountFile(t, backend, device.Config{MinBlockSize: 512, MaxBlockSize: 4096})
	ctl := New(dev, Config{})
	ctx := context.Background()

	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("tiny")))
	ctl.Flush(ctx)
	if backend.lastLength != 512 {
		t.Fatalf("wrote %d bytes, want 512", backend.lastLength)
	}

	ctl.WriteRecord(ctx, ctl.NewRecord(2, 1, make([]byte, 1000)))
	ctl.Flush(ctx)
	if want := block.HeaderLenV2 + block.RecordHeaderLenV2 + 1000; backend.lastLength != want {
		t.Fatalf("wrote %d bytes, want %d", backend.lastLength, want)
	}
}

func TestTransientWriteErrorsRetried(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	backend := &faultyBackend{
		Backend:   device.NewFileDevice(t.TempDir(), false),
		writeErrs: []error{unix.EBUSY, unix.EBUSY, nil},
	}
	dev := mountFile(t, backend, device.Config{Clock: fake})
	ctl := New(dev, Config{})
	ctx := context.Background()
	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("data")))

	done := make(chan error, 1)
	go func() { done <- ctl.Flush(ctx) }()
	for range 2 {
		fake.WaitForWaiters(1)
		fake.Advance(writeRetryDelay)
	}
	if err := testutil.RequireReceive(t, done, 5*time.Second, "retried write"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if backend.Writes() != 3 {
		t.Fatalf("write attempts = %d, want 3", backend.Writes())
	}
}

func TestPersistentBusyGivesUp(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	backend := &faultyBackend{
		Backend:   device.NewFileDevice(t.TempDir(), false),
		writeErrs: []error{unix.EBUSY, unix.EBUSY, unix.EBUSY, unix.EBUSY},
	}
	dev := mountFile(t, backend, device.Config{Clock: fake})
	ctl := New(dev, Config{})
	ctx := context.Background()
	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("data")))

	done := make(chan error, 1)
	go func() { done <- ctl.Flush(ctx) }()
	for range 2 {
		fake.WaitForWaiters(1)
		fake.Advance(writeRetryDelay)
	}
	err := testutil.RequireReceive(t, done, 5*time.Second, "abandoned write")
	if !errors.Is(err, device.ErrTransient) {
		t.Fatalf("Flush = %v, want ErrTransient", err)
	}
	if backend.Writes() != 3 {
		t.Fatalf("write attempts = %d, want 3", backend.Writes())
	}
}

func TestEndOfMediumTerminatesVolume(t *testing.T) {
	tests := []struct {
		name    string
		backend func(t *testing.T) *faultyBackend
		config  device.Config
	}{
		{
			name: "ENOSPC",
			backend: func(t *testing.T) *faultyBackend {
				return &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false), writeErrs: []error{nil, unix.ENOSPC}}
			},
		},
		{
			name: "short write",
			backend: func(t *testing.T) *faultyBackend {
				return &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false), writeErrs: []error{nil}, shortBy: 10}
			},
		},
		{
			name: "maximum volume bytes",
			backend: func(t *testing.T) *faultyBackend {
				return &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false)}
			},
			config: device.Config{MinBlockSize: 1000, MaxBlockSize: 1000, MaxVolumeBytes: 1500},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			backend := test.backend(t)
			dev := mountFile(t, backend, test.config)
			catalog := &recordingCatalog{}
			ctl := New(dev, Config{Catalog: catalog})
			ctx := context.Background()

			ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("first")))
			if err := ctl.Flush(ctx); err != nil {
				t.Fatalf("first block: %v", err)
			}
			ctl.WriteRecord(ctx, ctl.NewRecord(2, 1, []byte("second")))
			err := ctl.Flush(ctx)
			if !errors.Is(err, device.ErrCapacityExceeded) {
				t.Fatalf("second block = %v, want ErrCapacityExceeded", err)
			}
			if !dev.AtEOM() {
				t.Fatal("device not at end of medium")
			}
			if backend.eofs != 1 {
				t.Fatalf("file marks written = %d, want 1", backend.eofs)
			}
			if got := catalog.last().Status; got != device.StatusFull {
				t.Fatalf("catalog status = %q, want Full", got)
			}

			writes := backend.Writes()
			if err := ctl.WriteBlock(ctx, ctl.Block); !errors.Is(err, device.ErrCapacityExceeded) {
				t.Fatalf("write after EOM = %v, want ErrCapacityExceeded", err)
			}
			if backend.Writes() != writes {
				t.Fatal("write after EOM reached the backend")
			}
		})
	}
}

func TestHardwareErrorMarksVolumeError(t *testing.T) {
	backend := &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false), writeErrs: []error{unix.EIO}}
	dev := mountFile(t, backend, device.Config{})
	catalog := &recordingCatalog{}
	ctl := New(dev, Config{Catalog: catalog})
	ctx := context.Background()

	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, []byte("x")))
	err := ctl.Flush(ctx)
	if !errors.Is(err, device.ErrHardware) {
		t.Fatalf("Flush = %v, want ErrHardware", err)
	}
	if device.Describe(err) != "hardware write error" {
		t.Fatalf("Describe = %q", device.Describe(err))
	}
	if catalog.last().Status != device.StatusError {
		t.Fatalf("catalog status = %q, want Error", catalog.last().Status)
	}
	if err := dev.Writable(); !errors.Is(err, device.ErrReadOnly) {
		t.Fatalf("Writable after hardware error = %v, want ErrReadOnly", err)
	}
}

// corruptingTape flips a byte in everything read back.
type corruptingTape struct {
	*device.VirtualTape
}

func (c corruptingTape) Read(ctx context.Context, p []byte) (int, error) {
	n, err := c.VirtualTape.Read(ctx, p)
	if n > 30 {
		p[30] ^= 0xff
	}
	return n, err
}

func TestVerifyWritesOnTape(t *testing.T) {
	ctx := context.Background()

	good := mountFile(t, device.NewVirtualTape(t.TempDir(), 0), device.Config{})
	ctl := New(good, Config{Options: Options{Checksum: true, VerifyWrites: true}})
	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, testutil.Pattern(1, 300)))
	if err := ctl.Flush(ctx); err != nil {
		t.Fatalf("verified write: %v", err)
	}

	bad := mountFile(t, corruptingTape{device.NewVirtualTape(t.TempDir(), 0)}, device.Config{})
	ctl = New(bad, Config{Options: Options{Checksum: true, VerifyChecksum: true, VerifyWrites: true}})
	ctl.WriteRecord(ctx, ctl.NewRecord(1, 1, testutil.Pattern(1, 300)))
	if err := ctl.Flush(ctx); !errors.Is(err, device.ErrHardware) {
		t.Fatalf("write verified against corrupted read = %v, want ErrHardware", err)
	}
}

func TestReadGrowsBufferForOversizedBlock(t *testing.T) {
	for _, backendName := range []string{"file", "tape"} {
		t.Run(backendName, func(t *testing.T) {
			var backend device.Backend
			if backendName == "file" {
				backend = device.NewFileDevice(t.TempDir(), false)
			} else {
				backend = device.NewVirtualTape(t.TempDir(), 0)
			}
			dev := mountFile(t, backend, device.Config{MaxBlockSize: 8192})
			ctx := context.Background()

			writer := New(dev, Config{Options: Options{Checksum: true}})
			big := testutil.Pattern(2, 5000)
			writer.WriteRecord(ctx, writer.NewRecord(1, 1, big))
			writer.WriteRecord(ctx, writer.NewRecord(2, 1, []byte("after")))
			if err := writer.Flush(ctx); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			writer.WriteRecord(ctx, writer.NewRecord(3, 1, []byte("next block")))
			writer.Flush(ctx)

			dev.Backend.Rewind(ctx)
			reader := New(dev, Config{Options: Options{VerifyChecksum: true}})
			reader.Block = block.New(1024, block.V2)
			if err := reader.ReadBlock(ctx, reader.Block); err != nil {
				t.Fatalf("ReadBlock: %v", err)
			}
			if len(reader.Block.Buf) < 5000 {
				t.Fatalf("buffer is %d bytes, want grown past 5000", len(reader.Block.Buf))
			}
			var rec block.Record
			for _, want := range []int32{1, 2, 3} {
				if err := reader.ReadRecord(ctx, &rec); err != nil {
					t.Fatalf("ReadRecord %d: %v", want, err)
				}
				if rec.FileIndex != want {
					t.Fatalf("record index = %d, want %d", rec.FileIndex, want)
				}
			}
		})
	}
}

func TestReadErrorFiresHook(t *testing.T) {
	dev := mountFile(t, device.NewFileDevice(t.TempDir(), false), device.Config{})
	ctx := context.Background()
	writer := New(dev, Config{Options: Options{Checksum: true}})
	writer.WriteRecord(ctx, writer.NewRecord(1, 1, []byte("payload")))
	writer.Flush(ctx)

	// Corrupt the checksum field in place.
	dev.Backend.Rewind(ctx)
	header := make([]byte, 4)
	dev.Backend.Read(ctx, header)
	dev.Backend.Rewind(ctx)
	header[0] ^= 0xff
	dev.Backend.Write(ctx, header)
	dev.Backend.Rewind(ctx)

	var events []Event
	reader := New(dev, Config{
		Options: Options{VerifyChecksum: true},
		Hook: func(ctx context.Context, event Event, ctl *Control) error {
			events = append(events, event)
			return nil
		},
	})
	err := reader.ReadBlock(ctx, reader.Block)
	if !errors.Is(err, block.ErrChecksum) {
		t.Fatalf("ReadBlock = %v, want ErrChecksum", err)
	}
	if len(events) != 1 || events[0] != EventReadError {
		t.Fatalf("hook events = %v, want [read-error]", events)
	}
	if dev.Info().ReadErrors != 1 || reader.Block.ReadErrors != 1 {
		t.Fatalf("read errors = %d/%d, want 1/1", dev.Info().ReadErrors, reader.Block.ReadErrors)
	}
}

type capturingSpooler struct {
	blocks    [][]byte
	committed bool
}

func (s *capturingSpooler) WriteBlock(ctx context.Context, b *block.DeviceBlock) error {
	s.blocks = append(s.blocks, bytes.Clone(b.Bytes()))
	return nil
}

func (s *capturingSpooler) Commit(ctx context.Context) error {
	s.committed = true
	return nil
}

func TestSpoolerReceivesBlocks(t *testing.T) {
	backend := &faultyBackend{Backend: device.NewFileDevice(t.TempDir(), false)}
	dev := mountFile(t, backend, device.Config{MaxBlockSize: 512})
	spooler := &capturingSpooler{}
	ctl := New(dev, Config{})
	ctl.Spooler = spooler
	ctx := context.Background()

	for i := range 10 {
		ctl.WriteRecord(ctx, ctl.NewRecord(int32(i+1), 1, make([]byte, 100)))
	}
	ctl.Flush(ctx)
	if len(spooler.blocks) < 2 {
		t.Fatalf("spooler received %d blocks, want several", len(spooler.blocks))
	}
	if backend.Writes() != 0 {
		t.Fatalf("device received %d writes while spooling", backend.Writes())
	}
	if !ctl.Block.IsEmpty() {
		t.Fatal("block not emptied after spooling")
	}
}

func TestPositionsReadableDuringBackgroundWrites(t *testing.T) {
	dev := mountFile(t, device.NewFileDevice(t.TempDir(), false), device.Config{MaxBlockSize: 512})
	ctl := New(dev, Config{JobID: 5})
	ctx := context.Background()
	if ctl.Positions().Wrote {
		t.Fatal("Positions reports a write before any block")
	}

	const blocks = 50
	done := make(chan error, 1)
	go func() {
		scratch := block.New(dev.MaxBlockSize, block.V2)
		for i := range blocks {
			scratch.Empty()
			scratch.WriteRecord(ctl.NewRecord(int32(i+1), 1, []byte("payload")))
			if err := ctl.WriteBlock(ctx, scratch); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	var last uint32
	for finished := false; !finished; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WriteBlock: %v", err)
			}
			finished = true
		default:
		}
		positions := ctl.Positions()
		if !positions.Wrote {
			continue
		}
		if positions.StartBlock != 0 || positions.EndBlock < last {
			t.Fatalf("positions went from end %d to %+v", last, positions)
		}
		last = positions.EndBlock
	}
	if got := ctl.Positions(); got.EndBlock != blocks-1 {
		t.Fatalf("final positions = %+v, want end block %d", got, blocks-1)
	}
}
