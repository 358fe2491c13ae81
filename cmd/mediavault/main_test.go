// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/mediavault/lib/process"
	"github.com/bureau-foundation/mediavault/lib/testutil"
)

// site is a temporary installation: a config file and its directories.
type site struct {
	root       string
	configPath string
}

func newSite(t *testing.T, devices string) *site {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{"volumes", "tapes"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	content := fmt.Sprintf(`
environment: development
paths:
  working_directory: %[1]s/state
  spool_directory: %[1]s/spool
catalog:
  path: %[1]s/state/catalog.db
devices:
%[2]s`, root, strings.ReplaceAll(devices, "ROOT", root))
	configPath := filepath.Join(root, "mediavault.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return &site{root: root, configPath: configPath}
}

// run invokes the command line and returns stdout.
func (s *site) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(append([]string{"--config", s.configPath}, args...), &stdout, &stderr)
	if err != nil {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return stdout.String(), err
}

func (s *site) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := s.run(t, args...)
	if err != nil {
		t.Fatalf("mediavault %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func (s *site) writeInput(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(s.root, "input", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const devices = `
  - name: File1
    type: file
    archive_device: ROOT/volumes
  - name: Tape1
    type: tape
    archive_device: ROOT/tapes
  - name: Spooled1
    type: file
    archive_device: ROOT/volumes
    block: { maximum_size: "16 KiB" }
    spool: { maximum_size: "1 MiB", job_maximum_size: "40 KiB", files: 2 }
  - name: Cloud1
    type: chunked
    chunked:
      chunk_size: "64 KiB"
      backend: { path: ROOT/chunks, compression: lz4 }
`

func TestLabelWriteReadRoundTrip(t *testing.T) {
	for _, deviceName := range []string{"File1", "Tape1", "Spooled1"} {
		t.Run(deviceName, func(t *testing.T) {
			s := newSite(t, devices)
			volume := "VOL001"

			out := s.mustRun(t, "label", "--device", deviceName, "--volume", volume, "--pool", "Full")
			if !strings.Contains(out, volume) {
				t.Fatalf("label output does not name the volume:\n%s", out)
			}

			small := testutil.Pattern(1, 1000)
			large := testutil.Pattern(2, 150*1024)
			inputs := []string{s.writeInput(t, "small.bin", small), s.writeInput(t, "large.bin", large)}
			out = s.mustRun(t, append([]string{"write", "--device", deviceName, "--volume", volume, "--job", "7"}, inputs...)...)
			if !strings.Contains(out, "job 7 wrote 2 files") {
				t.Fatalf("write output:\n%s", out)
			}
			if deviceName == "Spooled1" && !strings.Contains(out, "despooled") {
				t.Fatalf("spooled write did not report despooling:\n%s", out)
			}

			restore := filepath.Join(s.root, "restore")
			out = s.mustRun(t, "read", "--device", deviceName, "--volume", volume, "--output", restore)
			for _, want := range []string{"volume VOL001 pool Full", "job 7 ", "file 1 small.bin", "file 2 large.bin", "job 7 ended: 2 files"} {
				if !strings.Contains(out, want) {
					t.Errorf("read output missing %q:\n%s", want, out)
				}
			}
			for name, want := range map[string][]byte{"small.bin": small, "large.bin": large} {
				got, err := os.ReadFile(filepath.Join(restore, name))
				if err != nil {
					t.Fatalf("restored %s: %v", name, err)
				}
				if !bytes.Equal(got, want) {
					t.Errorf("restored %s has %d bytes differing from the %d written", name, len(got), len(want))
				}
			}

			out = s.mustRun(t, "media", "--pool", "Full")
			if !strings.Contains(out, volume) || !strings.Contains(out, "Append") {
				t.Errorf("media output:\n%s", out)
			}
		})
	}
}

func TestSecondJobAppends(t *testing.T) {
	s := newSite(t, devices)
	s.mustRun(t, "label", "--device", "File1", "--volume", "VOL001", "--pool", "Full")
	first := s.writeInput(t, "first.txt", []byte("first job"))
	second := s.writeInput(t, "second.txt", []byte("second job"))
	s.mustRun(t, "write", "--device", "File1", "--volume", "VOL001", "--job", "1", first)
	s.mustRun(t, "write", "--device", "File1", "--volume", "VOL001", "--job", "2", second)

	out := s.mustRun(t, "read", "--device", "File1", "--volume", "VOL001")
	for _, want := range []string{"job 1 ended: 1 files", "first.txt", "job 2 ended: 1 files", "second.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("read output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "first.txt") > strings.Index(out, "second.txt") {
		t.Errorf("jobs read out of order:\n%s", out)
	}
}

func TestLabelRefusesCatalogedVolume(t *testing.T) {
	s := newSite(t, devices)
	s.mustRun(t, "label", "--device", "File1", "--volume", "VOL001", "--pool", "Full")

	if _, err := s.run(t, "label", "--device", "File1", "--volume", "VOL001"); err == nil ||
		!strings.Contains(err.Error(), "already in the catalog") {
		t.Fatalf("second label = %v, want refusal", err)
	}
	if _, err := s.run(t, "label", "--device", "File1", "--volume", "VOL002", "--relabel"); err == nil {
		t.Fatal("relabel of an unknown volume succeeded")
	}

	out := s.mustRun(t, "label", "--device", "File1", "--volume", "VOL001", "--relabel")
	if !strings.Contains(out, "Full") {
		t.Errorf("relabel did not keep the pool:\n%s", out)
	}
}

func TestShowLabel(t *testing.T) {
	s := newSite(t, devices)
	s.mustRun(t, "label", "--device", "Tape1", "--volume", "TAPE01", "--pool", "Archive")

	out := s.mustRun(t, "show-label", "--device", "Tape1", "--volume", "TAPE01")
	if !strings.Contains(out, "TAPE01") || !strings.Contains(out, "Archive") {
		t.Errorf("show-label output:\n%s", out)
	}

	if _, err := s.run(t, "show-label", "--device", "File1", "--volume", "MISSING"); err == nil {
		t.Fatal("show-label of a missing volume succeeded")
	}
}

func TestChunksStatus(t *testing.T) {
	s := newSite(t, devices)
	s.mustRun(t, "label", "--device", "Cloud1", "--volume", "CLOUD1", "--pool", "Offsite")

	out := s.mustRun(t, "chunks", "--device", "Cloud1", "--volume", "CLOUD1")
	for _, want := range []string{"CLOUD1", "Inflight:", "Read-only:"} {
		if !strings.Contains(out, want) {
			t.Errorf("chunks output missing %q:\n%s", want, out)
		}
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "Stored:") && strings.HasSuffix(line, " 0 B") {
			t.Errorf("label block was not uploaded:\n%s", out)
		}
	}

	if _, err := s.run(t, "chunks", "--device", "File1", "--volume", "VOL001"); err == nil {
		t.Fatal("chunks on a file device succeeded")
	}
}

func TestUsageErrors(t *testing.T) {
	s := newSite(t, devices)
	for _, args := range [][]string{
		{},
		{"frobnicate"},
		{"label", "--device", "File1"},
		{"write", "--device", "File1", "--volume", "VOL001", "--job", "3"},
		{"label", "--bogus"},
	} {
		_, err := s.run(t, args...)
		if code := process.ExitCode(err); code != 2 {
			t.Errorf("mediavault %v: exit code %d (%v), want 2", args, code, err)
		}
	}

	if _, err := s.run(t, "label", "--device", "Nope", "--volume", "VOL001"); process.ExitCode(err) != 1 {
		t.Errorf("unknown device = %v, want a plain failure", err)
	}
}

func TestVersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run([]string{"--version"}, &stdout, &stderr); err != nil {
		t.Fatalf("--version: %v", err)
	}
	if !strings.HasPrefix(stdout.String(), "mediavault ") {
		t.Errorf("--version printed %q", stdout.String())
	}

	stderr.Reset()
	if err := run([]string{"--help"}, &stdout, &stderr); err != nil {
		t.Fatalf("--help: %v", err)
	}
	if !strings.Contains(stderr.String(), "show-label") {
		t.Errorf("help does not list commands:\n%s", stderr.String())
	}
}
