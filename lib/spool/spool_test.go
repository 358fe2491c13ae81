// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/label"
	"github.com/bureau-foundation/mediavault/lib/stats"
	"github.com/bureau-foundation/mediavault/lib/testutil"
)

type fixture struct {
	dev      *device.Dev
	ctl      *control.Control
	spoolDir string
	shared   *stats.Shared
}

func newFixture(t *testing.T, config device.Config) *fixture {
	t.Helper()
	dev := device.New(device.NewFileDevice(testutil.VolumeDir(t, "volumes"), false), config)
	ctx := context.Background()
	if err := dev.Mount(ctx, "Spool-0001", device.OpenCreate); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	t.Cleanup(func() { dev.Unmount(context.Background()) })
	return &fixture{
		dev:      dev,
		ctl:      control.New(dev, control.Config{JobID: 42, VolSessionID: 1, VolSessionTime: 1000}),
		spoolDir: filepath.Join(t.TempDir(), "spool"),
		shared:   &stats.Shared{},
	}
}

func (f *fixture) begin(t *testing.T, config Config) *Session {
	t.Helper()
	config.Directory = f.spoolDir
	config.Stats = f.shared
	session, err := Begin(context.Background(), f.ctl, config)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return session
}

// writeBlock puts one record into its own block and hands the block
// to the spooler.
func (f *fixture) writeBlock(t *testing.T, fileIndex int32, size int) error {
	t.Helper()
	ctx := context.Background()
	if err := f.ctl.WriteRecord(ctx, f.ctl.NewRecord(fileIndex, 1, testutil.Pattern(byte(fileIndex), size))); err != nil {
		return err
	}
	return f.ctl.Flush(ctx)
}

func (f *fixture) spoolFileSizes(t *testing.T) []int64 {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(f.spoolDir, "*.spool"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	var sizes []int64
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		sizes = append(sizes, info.Size())
	}
	return sizes
}

// readIndexes rewinds the volume and returns the file index of every
// record on it.
func (f *fixture) readIndexes(t *testing.T) []int32 {
	t.Helper()
	ctx := context.Background()
	f.dev.Backend.Rewind(ctx)
	reader := control.New(f.dev, control.Config{})
	var indexes []int32
	var rec block.Record
	for {
		err := reader.ReadRecord(ctx, &rec)
		if errors.Is(err, io.EOF) {
			return indexes
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		indexes = append(indexes, rec.FileIndex)
	}
}

func TestThresholdTriggersDespool(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{JobMaxSize: 1000})

	if err := f.writeBlock(t, 1, 700); err != nil {
		t.Fatalf("first block: %v", err)
	}
	first := int64(recordHeaderLen + block.HeaderLenV2 + block.RecordHeaderLenV2 + 700)
	if got := session.Spooled(); got != first {
		t.Fatalf("spooled = %d, want %d", got, first)
	}
	if got := f.shared.Snapshot().SpoolSize; got != first {
		t.Fatalf("shared spool size = %d, want %d", got, first)
	}
	if f.dev.Info().Blocks != 0 {
		t.Fatal("device written before the threshold was reached")
	}

	if err := f.writeBlock(t, 2, 700); err != nil {
		t.Fatalf("second block: %v", err)
	}
	if session.Spooled() != 0 {
		t.Fatalf("spooled after despool = %d, want 0", session.Spooled())
	}
	snapshot := f.shared.Snapshot()
	if snapshot.SpoolSize != 0 || snapshot.DespoolCount != 1 || snapshot.DespooledBytes != 2*first {
		t.Fatalf("snapshot = %+v, want size 0 after one despool of %d bytes", snapshot, 2*first)
	}
	if snapshot.MaxSpoolSize != 2*first {
		t.Fatalf("max spool size = %d, want %d", snapshot.MaxSpoolSize, 2*first)
	}
	if f.dev.SpoolSize() != 0 {
		t.Fatalf("device spool reservation = %d, want 0", f.dev.SpoolSize())
	}
	if f.dev.Info().Blocks != 2 {
		t.Fatalf("device blocks = %d, want 2", f.dev.Info().Blocks)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestDespoolPreservesOrderAndEmptiesFile(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{})
	ctx := context.Background()

	const blocks = 10
	for i := range blocks {
		if err := f.writeBlock(t, int32(i+1), 100+i*50); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	if err := session.Despool(ctx, false); err != nil {
		t.Fatalf("Despool: %v", err)
	}
	for _, size := range f.spoolFileSizes(t) {
		if size != 0 {
			t.Fatalf("spool file is %d bytes after despool, want 0", size)
		}
	}

	indexes := f.readIndexes(t)
	if len(indexes) != blocks {
		t.Fatalf("read %d records, want %d", len(indexes), blocks)
	}
	for i, index := range indexes {
		if index != int32(i+1) {
			t.Fatalf("record %d has index %d, want %d", i, index, i+1)
		}
	}
	if positions := f.ctl.Positions(); positions.StartBlock != 0 || positions.EndBlock != blocks-1 {
		t.Fatalf("blocks written %d..%d, want 0..%d", positions.StartBlock, positions.EndBlock, blocks-1)
	}
	session.Commit(ctx)
}

func TestBackgroundDespoolWithTwoFiles(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{Files: 2, JobMaxSize: 500})
	ctx := context.Background()

	const blocks = 7
	for i := range blocks {
		if err := f.writeBlock(t, int32(i+1), 600); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	// A partial block still in the job's buffer is spooled by Commit.
	if err := f.ctl.WriteRecord(ctx, f.ctl.NewRecord(blocks+1, 1, []byte("tail"))); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	indexes := f.readIndexes(t)
	if len(indexes) != blocks+1 {
		t.Fatalf("read %d records, want %d: %v", len(indexes), blocks+1, indexes)
	}
	for i, index := range indexes {
		if index != int32(i+1) {
			t.Fatalf("records out of order: %v", indexes)
		}
	}
	if sizes := f.spoolFileSizes(t); len(sizes) != 0 {
		t.Fatalf("%d spool files left after commit", len(sizes))
	}
	snapshot := f.shared.Snapshot()
	if snapshot.SpoolingJobs != 0 || snapshot.TotalSpoolingJobs != 1 || snapshot.SpoolSize != 0 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if f.ctl.Spooler != nil {
		t.Fatal("control still routes blocks to the spool after commit")
	}
	if err := session.WriteBlock(ctx, f.ctl.Block); !errors.Is(err, ErrClosed) {
		t.Fatalf("WriteBlock after commit = %v, want ErrClosed", err)
	}
}

func TestWriterContinuesDuringBackgroundDespool(t *testing.T) {
	f := newFixture(t, device.Config{})
	// Each 1000-byte block takes 1048 bytes of spool, so the tenth
	// block fills a file.
	session := f.begin(t, Config{Files: 2, JobMaxSize: 10000})
	ctx := context.Background()

	// Hold the device so the background despool cannot finish.
	holder := new(int)
	if err := f.dev.Block(ctx, device.BlockedLabeling, holder); err != nil {
		t.Fatalf("Block: %v", err)
	}

	const blocks = 19
	done := make(chan error, 1)
	go func() {
		for i := range blocks {
			if err := f.writeBlock(t, int32(i+1), 1000); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "writer stalled behind the background despool"); err != nil {
		t.Fatalf("writeBlock: %v", err)
	}
	if f.dev.Info().Blocks != 0 {
		t.Fatalf("device blocks = %d while held, want 0", f.dev.Info().Blocks)
	}
	if want := int64(blocks * 1048); session.Spooled() != want {
		t.Fatalf("spooled = %d, want %d", session.Spooled(), want)
	}

	f.dev.Unblock(holder)
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	indexes := f.readIndexes(t)
	if len(indexes) != blocks {
		t.Fatalf("read %d records, want %d", len(indexes), blocks)
	}
	for i, index := range indexes {
		if index != int32(i+1) {
			t.Fatalf("records out of order: %v", indexes)
		}
	}
	if got := f.shared.Snapshot().DespoolCount; got != 2 {
		t.Fatalf("despool passes = %d, want one background and one at commit", got)
	}
}

func TestEndLabelCommitsSpoolFirst(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{Files: 2, JobMaxSize: 3000})
	manager := label.New(label.Config{HostName: "backup-host"})
	ctx := context.Background()
	info := label.SessionInfo{JobName: "nightly", PoolName: "Full"}

	if err := manager.WriteSessionLabel(ctx, f.ctl, label.SOSLabel, info); err != nil {
		t.Fatalf("start label: %v", err)
	}
	const blocks = 12
	for i := range blocks {
		if err := f.writeBlock(t, int32(i+1), 1000); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	info.JobFiles = blocks
	info.JobStatus = 'T'
	if err := manager.WriteSessionLabel(ctx, f.ctl, label.EOSLabel, info); err != nil {
		t.Fatalf("end label: %v", err)
	}
	if f.ctl.Spooler != nil {
		t.Fatal("end label left the spool attached")
	}
	if err := session.Commit(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Commit after end label = %v, want ErrClosed", err)
	}
	if err := f.ctl.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f.dev.Backend.Rewind(ctx)
	reader := control.New(f.dev, control.Config{})
	var indexes []int32
	var end *label.SessionLabel
	var rec block.Record
	for {
		err := reader.ReadRecord(ctx, &rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		indexes = append(indexes, rec.FileIndex)
		if rec.FileIndex == label.EOSLabel {
			if end, err = label.UnserializeSessionLabel(&rec); err != nil {
				t.Fatalf("UnserializeSessionLabel: %v", err)
			}
		}
	}
	if len(indexes) != blocks+2 || indexes[0] != label.SOSLabel || indexes[len(indexes)-1] != label.EOSLabel {
		t.Fatalf("record indexes = %v, want start label, %d data records, end label", indexes, blocks)
	}
	for i, index := range indexes[1 : blocks+1] {
		if index != int32(i+1) {
			t.Fatalf("records out of order: %v", indexes)
		}
	}
	// The end label has a block of its own after the last data block.
	lastData := f.dev.Info().Blocks - 2
	if end.StartBlock != 0 || end.EndBlock != lastData {
		t.Fatalf("end label spans blocks %d..%d, want 0..%d", end.StartBlock, end.EndBlock, lastData)
	}
}

func TestDeviceAllowanceTriggersDespool(t *testing.T) {
	f := newFixture(t, device.Config{MaxSpoolSize: 1000})
	session := f.begin(t, Config{})

	f.writeBlock(t, 1, 600)
	if f.dev.SpoolSize() == 0 || f.dev.Info().Blocks != 0 {
		t.Fatalf("after first block: reserved %d, device blocks %d", f.dev.SpoolSize(), f.dev.Info().Blocks)
	}
	if err := f.writeBlock(t, 2, 600); err != nil {
		t.Fatalf("second block: %v", err)
	}
	if f.dev.Info().Blocks != 2 {
		t.Fatalf("device blocks = %d, want 2", f.dev.Info().Blocks)
	}
	if f.dev.SpoolSize() != 0 {
		t.Fatalf("device spool reservation = %d, want 0", f.dev.SpoolSize())
	}
	session.Commit(context.Background())
}

func TestDeviceAllowanceReturnedByBackgroundDespool(t *testing.T) {
	// Two 1048-byte blocks fit the allowance; the third does not.
	f := newFixture(t, device.Config{MaxSpoolSize: 2500})
	session := f.begin(t, Config{Files: 2})
	ctx := context.Background()

	for i := range 3 {
		if err := f.writeBlock(t, int32(i+1), 1000); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	// The first file went to the despooler; the fourth block waits for
	// its allowance instead of despooling a one-block file.
	if err := f.writeBlock(t, 4, 1000); err != nil {
		t.Fatalf("block 3: %v", err)
	}
	if err := session.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got := f.shared.Snapshot().DespoolCount; got != 2 {
		t.Fatalf("despool passes = %d, want 2", got)
	}
	if indexes := f.readIndexes(t); len(indexes) != 4 || indexes[3] != 4 {
		t.Fatalf("record indexes = %v, want 1..4", indexes)
	}
	if f.dev.SpoolSize() != 0 {
		t.Fatalf("device spool reservation = %d, want 0", f.dev.SpoolSize())
	}
}

func TestDiscardLeavesDeviceUntouched(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{Files: 2})
	ctx := context.Background()

	for i := range 3 {
		f.writeBlock(t, int32(i+1), 200)
	}
	if err := session.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if f.dev.Info().Blocks != 0 {
		t.Fatalf("device blocks = %d after discard, want 0", f.dev.Info().Blocks)
	}
	if sizes := f.spoolFileSizes(t); len(sizes) != 0 {
		t.Fatalf("%d spool files left after discard", len(sizes))
	}
	if got := f.shared.Snapshot().SpoolSize; got != 0 {
		t.Fatalf("shared spool size = %d, want 0", got)
	}
	if f.dev.SpoolSize() != 0 {
		t.Fatalf("device spool reservation = %d, want 0", f.dev.SpoolSize())
	}
	if err := session.Commit(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Commit after discard = %v, want ErrClosed", err)
	}
}

func TestFailedDespoolKeepsSpoolFile(t *testing.T) {
	f := newFixture(t, device.Config{MaxVolumeBytes: 1000})
	session := f.begin(t, Config{JobMaxSize: 1400})

	f.writeBlock(t, 1, 700)
	err := f.writeBlock(t, 2, 700)
	if !errors.Is(err, device.ErrCapacityExceeded) {
		t.Fatalf("second block = %v, want ErrCapacityExceeded", err)
	}
	want := int64(2 * (recordHeaderLen + block.HeaderLenV2 + block.RecordHeaderLenV2 + 700))
	if session.Spooled() != want {
		t.Fatalf("spooled = %d after failed despool, want %d", session.Spooled(), want)
	}
	sizes := f.spoolFileSizes(t)
	if len(sizes) != 1 || sizes[0] != want {
		t.Fatalf("spool file sizes = %v, want [%d]", sizes, want)
	}
	session.Discard(context.Background())
}

func TestSecureErasePerCycleRecreatesFile(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{JobMaxSize: 100, SecureErasePerCycle: true})

	for i := range 3 {
		if err := f.writeBlock(t, int32(i+1), 200); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
	}
	sizes := f.spoolFileSizes(t)
	if len(sizes) != 1 || sizes[0] != 0 {
		t.Fatalf("spool file sizes = %v, want one empty file", sizes)
	}
	if f.dev.Info().Blocks != 3 {
		t.Fatalf("device blocks = %d, want 3", f.dev.Info().Blocks)
	}
	if err := session.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestEraseCommandRuns(t *testing.T) {
	f := newFixture(t, device.Config{})
	marker := filepath.Join(t.TempDir(), "erased")
	session := f.begin(t, Config{EraseCommand: []string{"sh", "-c", `echo "$1" >> ` + marker, "erase"}})
	f.writeBlock(t, 1, 100)
	if err := session.Discard(context.Background()); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("erase command did not run: %v", err)
	}
	if filepath.Ext(string(data[:len(data)-1])) != ".spool" {
		t.Fatalf("erase command got %q, want a spool file path", data)
	}
}

func TestSpoolWriteFailure(t *testing.T) {
	f := newFixture(t, device.Config{})
	session := f.begin(t, Config{})
	session.files[0].file.Close()

	err := f.writeBlock(t, 1, 100)
	if !errors.Is(err, ErrSpoolIO) {
		t.Fatalf("write to broken spool = %v, want ErrSpoolIO", err)
	}
	if got := f.shared.Snapshot().SpoolWriteFailures; got != 1 {
		t.Fatalf("spool write failures = %d, want 1", got)
	}
	if session.Spooled() != 0 {
		t.Fatalf("spooled = %d after failed write, want 0", session.Spooled())
	}
	session.Discard(context.Background())
}
