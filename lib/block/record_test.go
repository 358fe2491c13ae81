// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"bytes"
	"testing"

	"github.com/bureau-foundation/mediavault/lib/testutil"
)

func TestRecordsRoundTrip(t *testing.T) {
	for _, version := range []Version{V1, V2} {
		t.Run(version.String(), func(t *testing.T) {
			b := New(4096, version)
			b.SetSession(11, 22)
			records := []Record{
				{VolSessionID: 11, VolSessionTime: 22, FileIndex: 1, Stream: 1, Data: []byte("first")},
				{VolSessionID: 11, VolSessionTime: 22, FileIndex: 2, Stream: 2, Data: nil},
				{VolSessionID: 11, VolSessionTime: 22, FileIndex: 5, Stream: 1, Data: testutil.Pattern(3, 700)},
			}
			for i := range records {
				if !b.WriteRecord(&records[i]) {
					t.Fatalf("record %d did not fit", i)
				}
			}
			if b.FirstIndex != 1 || b.LastIndex != 5 {
				t.Errorf("index span = %d..%d, want 1..5", b.FirstIndex, b.LastIndex)
			}

			b.SerializeHeader(true)
			reader := New(4096, version)
			copy(reader.Buf, b.Bytes())
			reader.ReadLen = b.BlockLen
			if err := reader.DeserializeHeader(ReadOptions{VerifyChecksum: true}); err != nil {
				t.Fatalf("DeserializeHeader: %v", err)
			}

			var got Record
			for i, want := range records {
				complete, err := reader.ReadRecord(&got)
				if err != nil || !complete {
					t.Fatalf("record %d: complete=%v err=%v", i, complete, err)
				}
				if got.FileIndex != want.FileIndex || got.Stream != want.Stream || !bytes.Equal(got.Data, want.Data) {
					t.Fatalf("record %d = (%d,%d,%d bytes), want (%d,%d,%d bytes)",
						i, got.FileIndex, got.Stream, len(got.Data), want.FileIndex, want.Stream, len(want.Data))
				}
				if got.VolSessionID != 11 || got.VolSessionTime != 22 {
					t.Fatalf("record %d session = %d/%d, want 11/22", i, got.VolSessionID, got.VolSessionTime)
				}
			}
			complete, err := reader.ReadRecord(&got)
			if complete || err != nil {
				t.Fatalf("read past end: complete=%v err=%v", complete, err)
			}
		})
	}
}

func TestRecordSplitsAcrossBlocks(t *testing.T) {
	const size = 512
	data := testutil.Pattern(9, 1500)
	rec := &Record{FileIndex: 4, Stream: 2, Data: data}

	var blocks [][]byte
	b := New(size, V2)
	for number := uint32(1); ; number++ {
		done := b.WriteRecord(rec)
		b.BlockNumber = number
		b.SerializeHeader(true)
		blocks = append(blocks, bytes.Clone(b.Bytes()))
		b.Empty()
		if done {
			break
		}
	}
	if len(blocks) < 3 {
		t.Fatalf("record spread over %d blocks, want at least 3", len(blocks))
	}

	var got Record
	for i, raw := range blocks {
		reader := New(size, V2)
		copy(reader.Buf, raw)
		reader.ReadLen = uint32(len(raw))
		if err := reader.DeserializeHeader(ReadOptions{VerifyChecksum: true}); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		complete, err := reader.ReadRecord(&got)
		if err != nil {
			t.Fatalf("block %d: ReadRecord: %v", i, err)
		}
		last := i == len(blocks)-1
		if complete != last {
			t.Fatalf("block %d: complete = %v, want %v", i, complete, last)
		}
		if !last && !got.Partial() {
			t.Fatalf("block %d: record not marked partial", i)
		}
	}
	if got.Stream != 2 || got.FileIndex != 4 {
		t.Errorf("reassembled header = (%d,%d), want (4,2)", got.FileIndex, got.Stream)
	}
	if !bytes.Equal(got.Data, data) {
		t.Errorf("reassembled %d bytes do not match the %d written", len(got.Data), len(data))
	}
}

func TestOrphanContinuationSkipped(t *testing.T) {
	b := New(256, V2)
	long := &Record{FileIndex: 1, Stream: 3, Data: testutil.Pattern(1, 400)}
	if b.WriteRecord(long) {
		t.Fatal("400-byte record fit a 256-byte block")
	}
	b.Empty()
	if !b.WriteRecord(long) {
		t.Fatal("continuation did not complete in the second block")
	}
	if !b.WriteRecord(&Record{FileIndex: 2, Stream: 1, Data: []byte("next")}) {
		t.Fatal("trailing record did not fit")
	}
	b.SerializeHeader(false)

	reader := New(256, V2)
	copy(reader.Buf, b.Bytes())
	reader.ReadLen = b.BlockLen
	if err := reader.DeserializeHeader(ReadOptions{}); err != nil {
		t.Fatalf("DeserializeHeader: %v", err)
	}
	var got Record
	complete, err := reader.ReadRecord(&got)
	if err != nil || !complete {
		t.Fatalf("ReadRecord: complete=%v err=%v", complete, err)
	}
	if got.FileIndex != 2 || string(got.Data) != "next" {
		t.Fatalf("got record %d %q, want 2 \"next\"", got.FileIndex, got.Data)
	}
}

func TestLabelRecordsDoNotMoveIndexSpan(t *testing.T) {
	b := New(256, V2)
	b.WriteRecord(&Record{FileIndex: -2, Stream: 1, Data: []byte("label")})
	if b.FirstIndex != 0 || b.LastIndex != 0 {
		t.Fatalf("index span = %d..%d after label record, want 0..0", b.FirstIndex, b.LastIndex)
	}
}
