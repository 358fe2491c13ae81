// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/mediavault/lib/clock"
	"github.com/bureau-foundation/mediavault/lib/device"
)

var epoch = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func openTestCatalog(t *testing.T) (*Catalog, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	c, err := Open(Config{Path: filepath.Join(t.TempDir(), "catalog.db"), Clock: fake})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func newVolume(name, pool string) device.VolCatInfo {
	return device.VolCatInfo{
		VolumeName: name,
		PoolName:   pool,
		MediaType:  "File",
		Status:     device.StatusAppend,
		Blocks:     1,
		Bytes:      64512,
		Labelled:   epoch,
	}
}

func TestCreateAndReadMedia(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()

	if err := c.CreateMedia(ctx, newVolume("Vol-0001", "Full")); err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}
	got, err := c.Media(ctx, "Vol-0001")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if got.PoolName != "Full" || got.MediaType != "File" || got.Status != device.StatusAppend {
		t.Errorf("Media = %+v", got)
	}
	if got.Blocks != 1 || got.Bytes != 64512 {
		t.Errorf("counters = %d blocks, %d bytes; want 1, 64512", got.Blocks, got.Bytes)
	}
	if !got.Labelled.Equal(epoch) {
		t.Errorf("Labelled = %v, want %v", got.Labelled, epoch)
	}
	if !got.FirstWritten.IsZero() {
		t.Errorf("FirstWritten = %v, want zero", got.FirstWritten)
	}

	err = c.CreateMedia(ctx, newVolume("Vol-0001", "Full"))
	if !errors.Is(err, ErrMediaExists) {
		t.Fatalf("duplicate CreateMedia error = %v, want ErrMediaExists", err)
	}
	if _, err := c.Media(ctx, "Vol-0002"); !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("Media(unknown) error = %v, want ErrMediaNotFound", err)
	}
}

func TestUpdateVolumeInfo(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()
	if err := c.CreateMedia(ctx, newVolume("Vol-0001", "Full")); err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}

	info := newVolume("Vol-0001", "Full")
	info.Blocks = 120
	info.Bytes = 120 * 64512
	info.Writes = 119
	info.FirstWritten = epoch.Add(time.Minute)
	info.LastWritten = epoch.Add(time.Hour)
	if err := c.UpdateVolumeInfo(ctx, info); err != nil {
		t.Fatalf("UpdateVolumeInfo: %v", err)
	}
	got, err := c.Media(ctx, "Vol-0001")
	if err != nil {
		t.Fatalf("Media: %v", err)
	}
	if got.Blocks != 120 || got.Writes != 119 || got.Bytes != 120*64512 {
		t.Errorf("counters = %+v", got)
	}
	if !got.LastWritten.Equal(info.LastWritten) {
		t.Errorf("LastWritten = %v, want %v", got.LastWritten, info.LastWritten)
	}

	missing := newVolume("Vol-0009", "Full")
	if err := c.UpdateVolumeInfo(ctx, missing); !errors.Is(err, ErrMediaNotFound) {
		t.Fatalf("UpdateVolumeInfo(unknown) error = %v, want ErrMediaNotFound", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	for _, test := range []struct {
		name    string
		from    device.VolumeStatus
		to      device.VolumeStatus
		blocks  uint32
		allowed bool
	}{
		{"append to full", device.StatusAppend, device.StatusFull, 500, true},
		{"append to error", device.StatusAppend, device.StatusError, 500, true},
		{"append to read-only", device.StatusAppend, device.StatusReadOnly, 500, true},
		{"full to used", device.StatusFull, device.StatusUsed, 500, true},
		{"full back to append with data", device.StatusFull, device.StatusAppend, 500, false},
		{"full relabeled", device.StatusFull, device.StatusAppend, 1, true},
		{"error recycled", device.StatusError, device.StatusAppend, 1, true},
		{"used to full", device.StatusUsed, device.StatusFull, 500, false},
		{"full to error", device.StatusFull, device.StatusError, 500, true},
	} {
		t.Run(test.name, func(t *testing.T) {
			c, _ := openTestCatalog(t)
			ctx := context.Background()
			start := newVolume("Vol-0001", "Full")
			start.Status = test.from
			start.Blocks = 500
			if err := c.CreateMedia(ctx, start); err != nil {
				t.Fatalf("CreateMedia: %v", err)
			}

			next := start
			next.Status = test.to
			next.Blocks = test.blocks
			err := c.UpdateVolumeInfo(ctx, next)
			if test.allowed && err != nil {
				t.Fatalf("UpdateVolumeInfo: %v", err)
			}
			if !test.allowed && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("UpdateVolumeInfo error = %v, want ErrInvalidTransition", err)
			}

			got, err := c.Media(ctx, "Vol-0001")
			if err != nil {
				t.Fatalf("Media: %v", err)
			}
			want := test.from
			if test.allowed {
				want = test.to
			}
			if got.Status != want {
				t.Errorf("Status = %q, want %q", got.Status, want)
			}
		})
	}
}

func TestListFiltersByPool(t *testing.T) {
	c, _ := openTestCatalog(t)
	ctx := context.Background()
	for _, volume := range []device.VolCatInfo{
		newVolume("Vol-0003", "Incremental"),
		newVolume("Vol-0001", "Full"),
		newVolume("Vol-0002", "Full"),
	} {
		if err := c.CreateMedia(ctx, volume); err != nil {
			t.Fatalf("CreateMedia(%s): %v", volume.VolumeName, err)
		}
	}

	full, err := c.List(ctx, "Full")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(full) != 2 || full[0].VolumeName != "Vol-0001" || full[1].VolumeName != "Vol-0002" {
		t.Errorf("List(Full) = %+v", full)
	}

	all, err := c.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List(\"\") returned %d volumes, want 3", len(all))
	}
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	c, err := Open(Config{Path: path, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := c.CreateMedia(ctx, newVolume("Vol-0001", "Full")); err != nil {
		t.Fatalf("CreateMedia: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Media(ctx, "Vol-0001"); err != nil {
		t.Fatalf("Media after reopen: %v", err)
	}
}
