// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"fmt"
)

// Record is one logical unit of job data or a label. While writing,
// a Record that spans blocks remembers how much of Data has been
// placed; while reading, it accumulates continuation pieces until the
// record is complete.
type Record struct {
	VolSessionID   uint32
	VolSessionTime uint32

	// FileIndex is the job's file number for data records, or one of
	// the negative label constants for label records.
	FileIndex int32

	// Stream identifies the data stream. Always positive in a Record;
	// only the on-media continuation header carries the negated value.
	Stream int32

	Data []byte

	written  int
	expected int
	partial  bool
}

// Remaining returns how many bytes of Data have not yet been written
// into a block.
func (r *Record) Remaining() int {
	return len(r.Data) - r.written
}

// Partial reports whether a read has started this record but not yet
// seen all of its continuation pieces.
func (r *Record) Partial() bool {
	return r.partial
}

// ResetWrite rewinds the write position so the record can be written
// again from the start.
func (r *Record) ResetWrite() {
	r.written = 0
}

// WriteRecord packs as much of rec as fits into the block. It returns
// true once the whole record has been written. A false return means
// the block is full: the caller writes the block out, empties it, and
// calls WriteRecord again with the same rec to emit the continuation.
func (b *DeviceBlock) WriteRecord(rec *Record) bool {
	headerLen := b.Version.RecordHeaderLen()
	remaining := rec.Remaining()
	free := b.Free()

	// A header with no payload would only waste space, except for a
	// zero-length record which is exactly a header.
	if free < headerLen || (remaining > 0 && free == headerLen) {
		return false
	}

	stream := rec.Stream
	if rec.written > 0 {
		stream = -stream
	}

	pos := int(b.BlockLen)
	if b.Version == V1 {
		binary.BigEndian.PutUint32(b.Buf[pos:], rec.VolSessionID)
		binary.BigEndian.PutUint32(b.Buf[pos+4:], rec.VolSessionTime)
		pos += 8
	}
	binary.BigEndian.PutUint32(b.Buf[pos:], uint32(rec.FileIndex))
	binary.BigEndian.PutUint32(b.Buf[pos+4:], uint32(stream))
	binary.BigEndian.PutUint32(b.Buf[pos+8:], uint32(remaining))
	pos += 12

	piece := min(remaining, len(b.Buf)-pos)
	copy(b.Buf[pos:], rec.Data[rec.written:rec.written+piece])
	pos += piece
	rec.written += piece
	b.BlockLen = uint32(pos)

	if rec.FileIndex > 0 {
		if b.FirstIndex == 0 {
			b.FirstIndex = rec.FileIndex
		}
		b.LastIndex = rec.FileIndex
	}
	return rec.written == len(rec.Data)
}

// Fits reports whether a record of dataLen bytes fits in the block
// without splitting.
func (b *DeviceBlock) Fits(dataLen int) bool {
	return b.Free() >= b.Version.RecordHeaderLen()+dataLen
}

// RewindRecords moves the read cursor back to the first record.
func (b *DeviceBlock) RewindRecords() {
	b.readPos = b.Version.HeaderLen()
}

// ReadRecord decodes record pieces from the block into rec. It returns
// true when rec holds a complete record. A false return with a nil
// error means the block is exhausted; if rec.Partial() the caller reads
// the next block and calls ReadRecord again to collect the rest.
//
// Continuation pieces that do not belong to the partial record in rec
// (for example when reading starts mid-volume) are skipped.
func (b *DeviceBlock) ReadRecord(rec *Record) (bool, error) {
	headerLen := b.Version.RecordHeaderLen()
	for {
		if b.readPos+headerLen > int(b.BlockLen) {
			return false, nil
		}

		pos := b.readPos
		sessionID, sessionTime := b.VolSessionID, b.VolSessionTime
		if b.Version == V1 {
			sessionID = binary.BigEndian.Uint32(b.Buf[pos:])
			sessionTime = binary.BigEndian.Uint32(b.Buf[pos+4:])
			pos += 8
		}
		fileIndex := int32(binary.BigEndian.Uint32(b.Buf[pos:]))
		stream := int32(binary.BigEndian.Uint32(b.Buf[pos+4:]))
		dataLen := int(binary.BigEndian.Uint32(b.Buf[pos+8:]))
		pos += 12

		if dataLen > MaxBlockLength*64 {
			return false, fmt.Errorf("%w: record in block %d declares %d bytes", ErrFormat, b.BlockNumber, dataLen)
		}

		available := int(b.BlockLen) - pos
		piece := min(dataLen, available)

		if stream < 0 {
			if !rec.partial || -stream != rec.Stream || fileIndex != rec.FileIndex ||
				sessionID != rec.VolSessionID || sessionTime != rec.VolSessionTime ||
				dataLen != rec.expected-len(rec.Data) {
				b.readPos = pos + piece
				continue
			}
		} else {
			rec.VolSessionID = sessionID
			rec.VolSessionTime = sessionTime
			rec.FileIndex = fileIndex
			rec.Stream = stream
			rec.Data = rec.Data[:0]
			rec.expected = dataLen
			rec.written = 0
		}

		rec.Data = append(rec.Data, b.Buf[pos:pos+piece]...)
		b.readPos = pos + piece

		if fileIndex > 0 {
			if b.FirstIndex == 0 {
				b.FirstIndex = fileIndex
			}
			b.LastIndex = fileIndex
		}

		if len(rec.Data) < rec.expected {
			rec.partial = true
			return false, nil
		}
		rec.partial = false
		return true, nil
	}
}
