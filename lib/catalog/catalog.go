// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog is the local media ledger. It records every labeled
// volume with its pool, media type, status and usage counters, and
// implements the catalog calls the device write path makes when a
// volume is labeled, fills, or fails.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/device"
	"github.com/bureau-foundation/mediavault/lib/sqlitepool"
)

var (
	// ErrMediaExists is returned when creating a volume the catalog
	// already holds.
	ErrMediaExists = errors.New("catalog: media already exists")

	// ErrMediaNotFound is returned for an unknown volume name.
	ErrMediaNotFound = errors.New("catalog: media not found")

	// ErrInvalidTransition is returned for a status change the ledger
	// does not allow.
	ErrInvalidTransition = errors.New("catalog: invalid volume status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS media (
	volume_name   TEXT PRIMARY KEY,
	pool_name     TEXT NOT NULL,
	media_type    TEXT NOT NULL,
	status        TEXT NOT NULL,
	blocks        INTEGER NOT NULL DEFAULT 0,
	bytes         INTEGER NOT NULL DEFAULT 0,
	files         INTEGER NOT NULL DEFAULT 0,
	writes        INTEGER NOT NULL DEFAULT 0,
	read_errors   INTEGER NOT NULL DEFAULT 0,
	write_errors  INTEGER NOT NULL DEFAULT 0,
	mounts        INTEGER NOT NULL DEFAULT 0,
	first_written INTEGER NOT NULL DEFAULT 0,
	last_written  INTEGER NOT NULL DEFAULT 0,
	labelled      INTEGER NOT NULL DEFAULT 0,
	created       INTEGER NOT NULL,
	updated       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS media_pool ON media (pool_name, status);
`

const columns = `volume_name, pool_name, media_type, status, blocks, bytes, files, writes,
	read_errors, write_errors, mounts, first_written, last_written, labelled`

// Config holds the parameters for opening a catalog.
type Config struct {
	Path     string
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Catalog is a SQLite media ledger. It is safe for concurrent use.
type Catalog struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens or creates the ledger at cfg.Path.
func Open(cfg Config) (*Catalog, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Durable:  true,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return &Catalog{pool: pool, clock: clock.OrReal(cfg.Clock), logger: logger}, nil
}

// Close closes the ledger.
func (c *Catalog) Close() error {
	return c.pool.Close()
}

// CreateMedia records a newly labeled volume.
func (c *Catalog) CreateMedia(ctx context.Context, info device.VolCatInfo) error {
	if info.VolumeName == "" {
		return fmt.Errorf("catalog: creating media with an empty volume name")
	}
	if info.Status == "" {
		info.Status = device.StatusAppend
	}
	now := c.clock.Now().UnixMicro()
	err := c.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		exists, err := mediaExists(conn, info.VolumeName)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrMediaExists, info.VolumeName)
		}
		args := append([]any{info.VolumeName}, valueArgs(info)...)
		return sqlitex.Execute(conn, `INSERT INTO media (`+columns+`, created, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: append(args, now, now)})
	})
	if err != nil {
		return err
	}
	c.logger.Info("media created", "volume", info.VolumeName, "pool", info.PoolName, "media_type", info.MediaType)
	return nil
}

// UpdateVolumeInfo stores the counters and status of a volume. A
// volume leaves Append for Full, Used, Error or Read-Only; it only
// returns to Append when relabeled or recycled, which restarts its
// counters.
func (c *Catalog) UpdateVolumeInfo(ctx context.Context, info device.VolCatInfo) error {
	now := c.clock.Now().UnixMicro()
	var previous device.VolumeStatus
	err := c.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		current, err := getMedia(conn, info.VolumeName)
		if err != nil {
			return err
		}
		previous = current.Status
		if info.Status == "" {
			info.Status = current.Status
		}
		if err := checkTransition(current, info); err != nil {
			return err
		}
		args := append(valueArgs(info), now, info.VolumeName)
		return sqlitex.Execute(conn, `UPDATE media SET
			pool_name = ?, media_type = ?, status = ?, blocks = ?, bytes = ?, files = ?, writes = ?,
			read_errors = ?, write_errors = ?, mounts = ?, first_written = ?, last_written = ?, labelled = ?,
			updated = ?
			WHERE volume_name = ?`, &sqlitex.ExecOptions{Args: args})
	})
	if err != nil {
		return err
	}
	if previous != info.Status {
		c.logger.Info("volume status changed", "volume", info.VolumeName,
			"from", string(previous), "to", string(info.Status))
	}
	return nil
}

// Media returns the ledger entry for a volume.
func (c *Catalog) Media(ctx context.Context, volumeName string) (device.VolCatInfo, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return device.VolCatInfo{}, err
	}
	defer c.pool.Put(conn)
	return getMedia(conn, volumeName)
}

// List returns the volumes in pool, or every volume when pool is
// empty, ordered by name.
func (c *Catalog) List(ctx context.Context, pool string) ([]device.VolCatInfo, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	var media []device.VolCatInfo
	err = sqlitex.Execute(conn, `SELECT `+columns+` FROM media
		WHERE ? = '' OR pool_name = ? ORDER BY volume_name`,
		&sqlitex.ExecOptions{
			Args: []any{pool, pool},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				media = append(media, scanMedia(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("catalog: listing media: %w", err)
	}
	return media, nil
}

// checkTransition enforces the status life cycle.
func checkTransition(current, next device.VolCatInfo) error {
	if current.Status == next.Status {
		return nil
	}
	switch current.Status {
	case device.StatusAppend:
		return nil
	case device.StatusFull, device.StatusUsed, device.StatusError, device.StatusReadOnly:
		// Relabeling or recycling writes only the label block.
		if next.Status == device.StatusAppend && next.Blocks <= 1 {
			return nil
		}
		if current.Status == device.StatusFull && next.Status == device.StatusUsed {
			return nil
		}
		if next.Status == device.StatusError || next.Status == device.StatusReadOnly {
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s to %s", ErrInvalidTransition, next.VolumeName, current.Status, next.Status)
}

func mediaExists(conn *sqlite.Conn, volumeName string) (bool, error) {
	var found bool
	err := sqlitex.Execute(conn, `SELECT 1 FROM media WHERE volume_name = ?`, &sqlitex.ExecOptions{
		Args: []any{volumeName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	return found, err
}

func getMedia(conn *sqlite.Conn, volumeName string) (device.VolCatInfo, error) {
	var (
		info  device.VolCatInfo
		found bool
	)
	err := sqlitex.Execute(conn, `SELECT `+columns+` FROM media WHERE volume_name = ?`, &sqlitex.ExecOptions{
		Args: []any{volumeName},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			info = scanMedia(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return device.VolCatInfo{}, fmt.Errorf("catalog: reading %s: %w", volumeName, err)
	}
	if !found {
		return device.VolCatInfo{}, fmt.Errorf("%w: %s", ErrMediaNotFound, volumeName)
	}
	return info, nil
}

// valueArgs returns every column after volume_name, in column order.
func valueArgs(info device.VolCatInfo) []any {
	return []any{
		info.PoolName, info.MediaType, string(info.Status),
		int64(info.Blocks), info.Bytes, int64(info.Files), int64(info.Writes),
		int64(info.ReadErrors), int64(info.WriteErrors), int64(info.Mounts),
		micros(info.FirstWritten), micros(info.LastWritten), micros(info.Labelled),
	}
}

func scanMedia(stmt *sqlite.Stmt) device.VolCatInfo {
	return device.VolCatInfo{
		VolumeName:   stmt.ColumnText(0),
		PoolName:     stmt.ColumnText(1),
		MediaType:    stmt.ColumnText(2),
		Status:       device.VolumeStatus(stmt.ColumnText(3)),
		Blocks:       uint32(stmt.ColumnInt64(4)),
		Bytes:        stmt.ColumnInt64(5),
		Files:        uint32(stmt.ColumnInt64(6)),
		Writes:       uint32(stmt.ColumnInt64(7)),
		ReadErrors:   uint32(stmt.ColumnInt64(8)),
		WriteErrors:  uint32(stmt.ColumnInt64(9)),
		Mounts:       uint32(stmt.ColumnInt64(10)),
		FirstWritten: fromMicros(stmt.ColumnInt64(11)),
		LastWritten:  fromMicros(stmt.ColumnInt64(12)),
		Labelled:     fromMicros(stmt.ColumnInt64(13)),
	}
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}
