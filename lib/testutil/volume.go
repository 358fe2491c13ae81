// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// VolumeDir creates a directory under t.TempDir() with the given
// name and returns its path. The directory is removed with the test.
func VolumeDir(t *testing.T, name string) string {
	t.Helper()
	directory := filepath.Join(t.TempDir(), name)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		t.Fatalf("creating %s: %v", directory, err)
	}
	return directory
}

// Pattern returns n bytes where byte i depends on seed and i. Two
// patterns with different seeds differ at almost every position.
func Pattern(seed byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31) ^ byte(i>>8) ^ seed
	}
	return data
}
