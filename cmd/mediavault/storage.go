// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/mediavault/lib/catalog"
	"github.com/bureau-foundation/mediavault/lib/chunked"
	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/config"
	"github.com/bureau-foundation/mediavault/lib/control"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/label"
	"github.com/bureau-foundation/mediavault/lib/spool"
	"github.com/bureau-foundation/mediavault/lib/stats"
	"github.com/bureau-foundation/mediavault/lib/version"
)

// storage is the set of long-lived objects one command works with.
type storage struct {
	config  *config.Config
	catalog *catalog.Catalog
	stats   *stats.Shared
	clock   clock.Clock
	logger  *slog.Logger
}

func openStorage(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*storage, error) {
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	ledger, err := catalog.Open(catalog.Config{Path: cfg.Catalog.Path, Clock: clk, Logger: logger})
	if err != nil {
		return nil, err
	}
	return &storage{config: cfg, catalog: ledger, stats: &stats.Shared{}, clock: clk, logger: logger}, nil
}

func (s *storage) Close() error {
	return s.catalog.Close()
}

// openedDevice is a configured device with its backend ready to mount.
type openedDevice struct {
	config  config.DeviceConfig
	dev     *device.Dev
	manager *chunked.Manager
}

// openDevice builds the named device and its backend.
func (s *storage) openDevice(name string) (*openedDevice, error) {
	deviceConfig, err := s.config.Device(name)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("device", name)

	opened := &openedDevice{config: deviceConfig}
	var backend device.Backend
	switch deviceConfig.Type {
	case config.DeviceFile:
		backend = device.NewFileDevice(deviceConfig.ArchiveDevice, deviceConfig.DirectIO)
	case config.DeviceTape:
		backend = device.NewVirtualTape(deviceConfig.ArchiveDevice, int64(deviceConfig.TapeCapacity))
	case config.DeviceChunked:
		manager, err := s.openChunked(name, deviceConfig.Chunked, logger)
		if err != nil {
			return nil, err
		}
		opened.manager = manager
		backend = device.NewChunkedDevice(manager)
	default:
		return nil, fmt.Errorf("device %s has unknown type %q", name, deviceConfig.Type)
	}

	opened.dev = device.New(backend, device.Config{
		Name:           name,
		MediaType:      deviceConfig.MediaType,
		MinBlockSize:   int(deviceConfig.Block.MinimumSize),
		MaxBlockSize:   int(deviceConfig.Block.MaximumSize),
		MaxVolumeBytes: int64(deviceConfig.MaximumVolumeBytes),
		MaxSpoolSize:   int64(deviceConfig.Spool.MaximumSize),
		Clock:          s.clock,
		Logger:         logger,
	})
	return opened, nil
}

func (s *storage) openChunked(name string, cfg *config.ChunkedConfig, logger *slog.Logger) (*chunked.Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("device %s has no chunked section", name)
	}
	compression, err := chunked.ParseCompression(cfg.Backend.Compression)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	backend, err := chunked.NewFileBackend(cfg.Backend.Path, compression)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", name, err)
	}
	return chunked.NewManager(backend, chunked.Config{
		ChunkSize:            int(cfg.ChunkSize),
		Workers:              cfg.IOThreads,
		Slots:                cfg.IOSlots,
		MaxRetries:           cfg.Retries,
		RetryDelay:           time.Second,
		InflightDir:          s.config.InflightDirectory(name),
		InflightPollInterval: time.Duration(cfg.InflightWait),
		InflightRetries:      cfg.InflightRetries,
		Clock:                s.clock,
		Logger:               logger,
		Stats:                s.stats,
	})
}

// Close unmounts the device and drains its chunk uploads.
func (d *openedDevice) Close(ctx context.Context) error {
	err := d.dev.Unmount(ctx)
	if d.manager != nil {
		err = errors.Join(err, d.manager.Close(ctx))
	}
	return err
}

// control returns a job handle on the device with the configured block
// options.
func (s *storage) control(d *openedDevice, jobID uint32, verbose bool) *control.Control {
	block := d.config.Block
	return control.New(d.dev, control.Config{
		JobID:          jobID,
		VolSessionID:   jobID,
		VolSessionTime: uint32(s.clock.Now().Unix()),
		Catalog:        s.catalog,
		Options: control.Options{
			Checksum:       block.ChecksumEnabled(),
			VerifyChecksum: block.ChecksumEnabled(),
			VerifyWrites:   block.VerifyWrites,
			ForceRead:      block.ForceRead,
			Verbose:        verbose,
		},
		Logger: s.logger,
	})
}

func (s *storage) labelManager(d *openedDevice) (*label.Manager, error) {
	labelType, err := label.ParseType(d.config.LabelType)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.config.Name, err)
	}
	program := version.Program()
	hostName, _ := os.Hostname()
	return label.New(label.Config{
		Type:           labelType,
		Program:        program.Name,
		ProgramVersion: program.Version,
		ProgramDate:    program.Date,
		HostName:       hostName,
		Clock:          s.clock,
		Logger:         s.logger,
	}), nil
}

// beginSpool starts spooling the job when the device has spooling
// configured. It returns nil when blocks go straight to the device.
func (s *storage) beginSpool(ctx context.Context, d *openedDevice, ctl *control.Control) (*spool.Session, error) {
	if !d.config.Spool.Enabled() {
		return nil, nil
	}
	return spool.Begin(ctx, ctl, spool.Config{
		Directory:           s.config.Paths.SpoolDirectory,
		Files:               d.config.Spool.Files,
		JobMaxSize:          int64(d.config.Spool.JobMaximumSize),
		SecureErasePerCycle: d.config.Spool.SecureErasePerCycle,
		EraseCommand:        s.config.SecureEraseCommand,
		Stats:               s.stats,
		Logger:              s.logger,
	})
}
