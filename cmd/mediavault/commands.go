// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/mediavault/lib/block"
	"github.com/bureau-foundation/mediavault/lib/catalog"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/label"
	"github.com/bureau-foundation/mediavault/lib/process"
	"github.com/bureau-foundation/mediavault/lib/spool"
)

// Record streams written by the write command.
const (
	streamAttributes int32 = 1 // file name
	streamFileData   int32 = 2
)

// dataRecordSize bounds the payload of one file data record.
const dataRecordSize = 64 * 1024

// withDevice opens storage and the named device, runs fn, and closes
// both.
func (a *app) withDevice(ctx context.Context, name string, fn func(*storage, *openedDevice) error) (err error) {
	if name == "" {
		return process.Usagef("--device is required")
	}
	s, err := openStorage(a.config, a.clock, a.logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	d, err := s.openDevice(name)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, d.Close(context.WithoutCancel(ctx))) }()
	return fn(s, d)
}

func runLabel(ctx context.Context, a *app, args []string) error {
	flags := a.flags("label")
	deviceName := flags.String("device", "", "device holding the volume")
	volume := flags.String("volume", "", "name of the new volume")
	pool := flags.String("pool", "Default", "pool the volume belongs to")
	relabel := flags.Bool("relabel", false, "relabel a cataloged volume, discarding its data")
	if err := a.parse(flags, args); err != nil {
		return err
	}
	if *volume == "" {
		return process.Usagef("label: --volume is required")
	}

	return a.withDevice(ctx, *deviceName, func(s *storage, d *openedDevice) error {
		existing, err := s.catalog.Media(ctx, *volume)
		switch {
		case err == nil && !*relabel:
			return fmt.Errorf("volume %s is already in the catalog (pool %s, %s); use --relabel to overwrite it",
				*volume, existing.PoolName, existing.Status)
		case errors.Is(err, catalog.ErrMediaNotFound) && *relabel:
			return fmt.Errorf("cannot relabel %s: %w", *volume, err)
		case err != nil && !errors.Is(err, catalog.ErrMediaNotFound):
			return err
		}
		if *relabel && !flags.Changed("pool") {
			*pool = existing.PoolName
		}

		mode := device.OpenCreate
		if *relabel {
			mode = device.OpenReadWrite
		}
		if err := d.dev.Mount(ctx, *volume, mode); err != nil {
			return err
		}
		manager, err := s.labelManager(d)
		if err != nil {
			return err
		}
		written, err := manager.WriteNewVolumeLabel(ctx, s.control(d, 0, a.verbose), label.Request{
			VolumeName: *volume,
			PoolName:   *pool,
			MediaType:  d.config.MediaType,
			Relabel:    *relabel,
		})
		if label.StatusOf(err) == label.StatusCreateError {
			return fmt.Errorf("%s labeled on %s but not recorded in the catalog: %w", *volume, d.config.Name, err)
		}
		if err != nil {
			return fmt.Errorf("labeling %s on %s: %s: %w", *volume, d.config.Name, device.Describe(err), err)
		}
		return label.DumpVolumeLabel(a.stdout, written)
	})
}

func runShowLabel(ctx context.Context, a *app, args []string) error {
	flags := a.flags("show-label")
	deviceName := flags.String("device", "", "device holding the volume")
	volume := flags.String("volume", "", "volume to open")
	if err := a.parse(flags, args); err != nil {
		return err
	}
	if *volume == "" {
		return process.Usagef("show-label: --volume is required")
	}

	return a.withDevice(ctx, *deviceName, func(s *storage, d *openedDevice) error {
		if err := d.dev.Mount(ctx, *volume, device.OpenRead); err != nil {
			return err
		}
		manager, err := s.labelManager(d)
		if err != nil {
			return err
		}
		found, status, err := manager.ReadVolumeLabel(ctx, s.control(d, 0, a.verbose), *volume)
		if found != nil {
			if dumpErr := label.DumpVolumeLabel(a.stdout, found); dumpErr != nil {
				return dumpErr
			}
		}
		if status != label.StatusOK {
			return fmt.Errorf("volume %s on %s: %s: %w", *volume, d.config.Name, status, err)
		}
		return nil
	})
}

func runWrite(ctx context.Context, a *app, args []string) error {
	flags := a.flags("write")
	deviceName := flags.String("device", "", "device holding the volume")
	volume := flags.String("volume", "", "volume to append to")
	jobID := flags.Uint32("job", 0, "job id recorded in session labels")
	jobName := flags.String("name", "cli", "job name recorded in session labels")
	if err := a.parse(flags, args); err != nil {
		return err
	}
	if *volume == "" || *jobID == 0 {
		return process.Usagef("write: --volume and a non-zero --job are required")
	}
	if flags.NArg() == 0 {
		return process.Usagef("write: no files given")
	}

	return a.withDevice(ctx, *deviceName, func(s *storage, d *openedDevice) error {
		return writeJob(ctx, a, s, d, *volume, *jobID, *jobName, flags.Args())
	})
}

func writeJob(ctx context.Context, a *app, s *storage, d *openedDevice, volume string, jobID uint32, jobName string, paths []string) error {
	media, err := s.catalog.Media(ctx, volume)
	if err != nil {
		return err
	}
	if media.Status != device.StatusAppend {
		return fmt.Errorf("volume %s is %s, not appendable", volume, media.Status)
	}
	if err := d.dev.Mount(ctx, volume, device.OpenReadWrite); err != nil {
		return err
	}
	d.dev.UpdateInfo(func(info *device.VolCatInfo) {
		mounts := info.Mounts
		*info = media
		info.Mounts = mounts + media.Mounts
	})

	manager, err := s.labelManager(d)
	if err != nil {
		return err
	}
	if _, status, err := manager.ReadVolumeLabel(ctx, s.control(d, 0, a.verbose), volume); status != label.StatusOK {
		return fmt.Errorf("volume %s on %s: %s: %w", volume, d.config.Name, status, err)
	}
	ctl := s.control(d, jobID, a.verbose)
	if err := d.dev.AppendAtEnd(ctx); err != nil {
		return err
	}

	session, err := s.beginSpool(ctx, d, ctl)
	if err != nil {
		return err
	}
	hostName, _ := os.Hostname()
	now := s.clock.Now()
	info := label.SessionInfo{
		PoolName:    media.PoolName,
		PoolType:    "Backup",
		JobName:     jobName,
		ClientName:  hostName,
		Job:         fmt.Sprintf("%s.%s", jobName, now.UTC().Format("2006-01-02_15.04.05")),
		FileSetName: "command line",
		JobType:     'B',
		JobLevel:    'F',
	}

	err = writeSession(ctx, manager, ctl, &info, paths)
	if err != nil {
		if session != nil {
			// A session committed by the end label is already closed.
			if discardErr := session.Discard(context.WithoutCancel(ctx)); !errors.Is(discardErr, spool.ErrClosed) {
				err = errors.Join(err, discardErr)
			}
		}
		return err
	}
	// The end label committed the spool; its own block goes straight
	// to the device.
	if err := ctl.Flush(ctx); err != nil {
		return err
	}
	if err := d.dev.Backend.Sync(ctx); err != nil {
		return fmt.Errorf("syncing %s: %w", volume, device.Classify(err))
	}
	if err := ctl.UpdateCatalog(ctx); err != nil {
		return err
	}

	positions := ctl.Positions()
	fmt.Fprintf(a.stdout, "job %d wrote %d files (%s) to %s, blocks %d-%d\n",
		jobID, info.JobFiles, humanize.IBytes(info.JobBytes), volume, positions.StartBlock, positions.EndBlock)
	if session != nil {
		snapshot := s.stats.Snapshot()
		fmt.Fprintf(a.stdout, "despooled %s in %d passes\n",
			humanize.IBytes(uint64(snapshot.DespooledBytes)), snapshot.DespoolCount)
	}
	return nil
}

// writeSession writes the start label, one name record and the data
// records of every file, and the end label.
func writeSession(ctx context.Context, manager *label.Manager, ctl *control.Control, info *label.SessionInfo, paths []string) error {
	if err := manager.WriteSessionLabel(ctx, ctl, label.SOSLabel, *info); err != nil {
		return err
	}
	buf := make([]byte, dataRecordSize)
	for i, path := range paths {
		fileIndex := int32(i + 1)
		n, err := writeFile(ctx, ctl, fileIndex, path, buf)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		info.JobFiles++
		info.JobBytes += uint64(n)
	}
	info.JobStatus = 'T'
	return manager.WriteSessionLabel(ctx, ctl, label.EOSLabel, *info)
}

func writeFile(ctx context.Context, ctl *control.Control, fileIndex int32, path string, buf []byte) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	if err := ctl.WriteRecord(ctx, ctl.NewRecord(fileIndex, streamAttributes, []byte(filepath.Base(path)))); err != nil {
		return 0, err
	}
	var total int64
	for {
		n, err := io.ReadFull(file, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if err := ctl.WriteRecord(ctx, ctl.NewRecord(fileIndex, streamFileData, data)); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func runRead(ctx context.Context, a *app, args []string) error {
	flags := a.flags("read")
	deviceName := flags.String("device", "", "device holding the volume")
	volume := flags.String("volume", "", "volume to read")
	output := flags.String("output", "", "restore files into this directory")
	if err := a.parse(flags, args); err != nil {
		return err
	}
	if *volume == "" {
		return process.Usagef("read: --volume is required")
	}
	if *output != "" {
		if err := os.MkdirAll(*output, 0o755); err != nil {
			return err
		}
	}

	return a.withDevice(ctx, *deviceName, func(s *storage, d *openedDevice) error {
		if err := d.dev.Mount(ctx, *volume, device.OpenRead); err != nil {
			return err
		}
		manager, err := s.labelManager(d)
		if err != nil {
			return err
		}
		ctl := s.control(d, 0, a.verbose)
		volumeLabel, status, err := manager.ReadVolumeLabel(ctx, ctl, *volume)
		if status != label.StatusOK {
			return fmt.Errorf("volume %s on %s: %s: %w", *volume, d.config.Name, status, err)
		}
		fmt.Fprintf(a.stdout, "volume %s pool %s labeled %s\n",
			volumeLabel.VolumeName, volumeLabel.PoolName, volumeLabel.LabelTime.Format("2006-01-02 15:04:05"))

		r := &restorer{out: a.stdout, directory: *output}
		defer r.finish()
		var rec block.Record
		for {
			err := ctl.ReadRecord(ctx, &rec)
			switch {
			case errors.Is(err, device.ErrFileMark):
				continue
			case errors.Is(err, io.EOF):
				return r.finish()
			case err != nil:
				return fmt.Errorf("reading %s: %s: %w", *volume, device.Describe(err), err)
			}
			if err := r.record(&rec); err != nil {
				return err
			}
		}
	})
}

// restorer prints and optionally restores the records of a volume.
type restorer struct {
	out       io.Writer
	directory string

	name  string
	index int32
	bytes int64
	file  *os.File
}

func (r *restorer) record(rec *block.Record) error {
	if rec.FileIndex < 0 {
		if err := r.finish(); err != nil {
			return err
		}
		session, err := label.UnserializeSessionLabel(rec)
		if errors.Is(err, label.ErrNotSessionLabel) {
			fmt.Fprintf(r.out, "%s\n", label.TypeName(rec.FileIndex))
			return nil
		}
		if err != nil {
			return err
		}
		switch session.Type {
		case label.SOSLabel:
			fmt.Fprintf(r.out, "job %d %s started %s\n", session.JobID, session.Job,
				session.WriteTime.Format("2006-01-02 15:04:05"))
		case label.EOSLabel:
			fmt.Fprintf(r.out, "job %d ended: %d files, %s, status %c\n", session.JobID,
				session.JobFiles, humanize.IBytes(session.JobBytes), rune(session.JobStatus))
		}
		return nil
	}

	switch rec.Stream {
	case streamAttributes:
		if err := r.finish(); err != nil {
			return err
		}
		r.name = string(rec.Data)
		r.index = rec.FileIndex
		if r.directory == "" {
			return nil
		}
		name := filepath.Base(r.name)
		if name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
			return fmt.Errorf("file %d has unusable name %q", rec.FileIndex, r.name)
		}
		file, err := os.Create(filepath.Join(r.directory, name))
		if err != nil {
			return err
		}
		r.file = file
	case streamFileData:
		if rec.FileIndex != r.index {
			return fmt.Errorf("data for file %d without its name record", rec.FileIndex)
		}
		r.bytes += int64(len(rec.Data))
		if r.file != nil {
			if _, err := r.file.Write(rec.Data); err != nil {
				return err
			}
		}
	}
	return nil
}

// finish reports and closes the current file, if any.
func (r *restorer) finish() error {
	if r.name == "" {
		return nil
	}
	fmt.Fprintf(r.out, "  file %d %s %s\n", r.index, r.name, humanize.IBytes(uint64(r.bytes)))
	var err error
	if r.file != nil {
		err = r.file.Close()
	}
	r.name, r.index, r.bytes, r.file = "", 0, 0, nil
	return err
}

func runChunks(ctx context.Context, a *app, args []string) error {
	flags := a.flags("chunks")
	deviceName := flags.String("device", "", "chunked device")
	volume := flags.String("volume", "", "volume to inspect")
	clearOrphaned := flags.Bool("clear-orphaned", false, "remove inflight markers left by this host")
	if err := a.parse(flags, args); err != nil {
		return err
	}
	if *volume == "" {
		return process.Usagef("chunks: --volume is required")
	}

	return a.withDevice(ctx, *deviceName, func(s *storage, d *openedDevice) error {
		if d.manager == nil {
			return fmt.Errorf("device %s is a %s device, not chunked", d.config.Name, d.config.Type)
		}
		if *clearOrphaned {
			cleared, err := d.manager.ClearOrphaned(*volume)
			if err != nil {
				return err
			}
			for _, marker := range cleared {
				fmt.Fprintf(a.stdout, "cleared marker for chunk %d (%s)\n", marker.Chunk, humanize.IBytes(uint64(marker.Length)))
			}
		}

		status, err := d.manager.Status(ctx, *volume)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Volume:\t%s\n", status.Volume)
		fmt.Fprintf(w, "Stored:\t%s\n", humanize.IBytes(uint64(status.BackendSize)))
		fmt.Fprintf(w, "Queued:\t%v\n", status.Queued)
		fmt.Fprintf(w, "Uploading:\t%v\n", status.Uploading)
		fmt.Fprintf(w, "Inflight:\t%d\n", len(status.Inflight))
		for _, marker := range status.Inflight {
			fmt.Fprintf(w, "  chunk %d\t%s from %s\n", marker.Chunk, humanize.IBytes(uint64(marker.Length)), marker.Host)
		}
		fmt.Fprintf(w, "Read-only:\t%t\n", status.ReadOnly)
		if status.Err != nil {
			fmt.Fprintf(w, "Error:\t%v\n", status.Err)
		}
		return w.Flush()
	})
}

func runMedia(ctx context.Context, a *app, args []string) (err error) {
	flags := a.flags("media")
	pool := flags.String("pool", "", "only list volumes in this pool")
	if err := a.parse(flags, args); err != nil {
		return err
	}

	s, err := openStorage(a.config, a.clock, a.logger)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, s.Close()) }()

	media, err := s.catalog.List(ctx, *pool)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VOLUME\tPOOL\tMEDIA TYPE\tSTATUS\tBLOCKS\tBYTES\tLAST WRITTEN")
	for _, m := range media {
		lastWritten := "-"
		if !m.LastWritten.IsZero() {
			lastWritten = m.LastWritten.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", m.VolumeName, m.PoolName, m.MediaType, m.Status,
			humanize.Comma(int64(m.Blocks)), humanize.IBytes(uint64(m.Bytes)), lastWritten)
	}
	return w.Flush()
}
