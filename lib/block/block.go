// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
)

const (
	// HeaderLenV1 is the size of a BB01 block header.
	HeaderLenV1 = 16
	// HeaderLenV2 is the size of a BB02 block header.
	HeaderLenV2 = 24

	// RecordHeaderLenV1 is the size of a record header inside a BB01
	// block (session id and time are repeated per record).
	RecordHeaderLenV1 = 20
	// RecordHeaderLenV2 is the size of a record header inside a BB02
	// block.
	RecordHeaderLenV2 = 12

	// DefaultBlockSize is the buffer size used when a device does not
	// configure one.
	DefaultBlockSize = 64512

	// MaxBlockLength is the largest block_len accepted on read.
	MaxBlockLength = 4000000
)

// Version selects the header layout.
type Version uint8

const (
	V1 Version = 1
	V2 Version = 2
)

var (
	magicV1 = [4]byte{'B', 'B', '0', '1'}
	magicV2 = [4]byte{'B', 'B', '0', '2'}
)

// String returns the on-media tag for the version.
func (v Version) String() string {
	switch v {
	case V1:
		return "BB01"
	case V2:
		return "BB02"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// HeaderLen returns the block header size for the version.
func (v Version) HeaderLen() int {
	if v == V1 {
		return HeaderLenV1
	}
	return HeaderLenV2
}

// RecordHeaderLen returns the record header size for the version.
func (v Version) RecordHeaderLen() int {
	if v == V1 {
		return RecordHeaderLenV1
	}
	return RecordHeaderLenV2
}

// DeviceBlock is one I/O unit: a buffer plus the decoded header state.
type DeviceBlock struct {
	// Buf is the block buffer. len(Buf) is the buffer size; BlockLen
	// bytes of it are in use.
	Buf []byte

	// BlockLen is the number of bytes in use, header included. While
	// writing it is the append cursor.
	BlockLen uint32

	// BlockNumber is assigned by the device immediately before the
	// physical write and decoded from the header on read.
	BlockNumber uint32

	Version        Version
	VolSessionID   uint32
	VolSessionTime uint32

	// FirstIndex and LastIndex span the positive file indexes of the
	// records packed into this block. Both are zero when the block
	// holds only label records.
	FirstIndex int32
	LastIndex  int32

	// Checksum is the value computed by the last SerializeHeader or
	// decoded by the last successful DeserializeHeader.
	Checksum uint32

	// ReadLen is the number of bytes the last device read placed into
	// Buf.
	ReadLen uint32

	// ReadErrors counts rejected headers over the life of the block.
	ReadErrors int

	checksumReported bool
	readPos          int
}

// New allocates a block with a buffer of size bytes, emptied and ready
// for writing. A size of zero selects DefaultBlockSize.
func New(size int, version Version) *DeviceBlock {
	if size <= 0 {
		size = DefaultBlockSize
	}
	if version != V1 {
		version = V2
	}
	b := &DeviceBlock{
		Buf:     make([]byte, size),
		Version: version,
	}
	b.Empty()
	return b
}

// Empty resets the block for writing: the cursor moves past the header
// and the file index span is cleared. The block number and session
// fields are retained.
func (b *DeviceBlock) Empty() {
	headerLen := b.Version.HeaderLen()
	b.BlockLen = uint32(headerLen)
	b.FirstIndex = 0
	b.LastIndex = 0
	b.readPos = headerLen
}

// IsEmpty reports whether the block holds no records.
func (b *DeviceBlock) IsEmpty() bool {
	return int(b.BlockLen) <= b.Version.HeaderLen()
}

// Free returns the number of unused buffer bytes.
func (b *DeviceBlock) Free() int {
	return len(b.Buf) - int(b.BlockLen)
}

// Bytes returns the in-use portion of the buffer.
func (b *DeviceBlock) Bytes() []byte {
	return b.Buf[:b.BlockLen]
}

// SetSession sets the volume session id and time stamped into BB02
// headers and BB01 record headers.
func (b *DeviceBlock) SetSession(id, time uint32) {
	b.VolSessionID = id
	b.VolSessionTime = time
}

// Grow enlarges the buffer to at least size bytes, preserving the
// in-use bytes.
func (b *DeviceBlock) Grow(size int) {
	if size <= len(b.Buf) {
		return
	}
	buf := make([]byte, size)
	copy(buf, b.Buf[:b.BlockLen])
	b.Buf = buf
}

// Load replaces the block contents with raw, which must be a block
// previously produced by Bytes (header space included). The header
// itself is not decoded; the next SerializeHeader rewrites it.
func (b *DeviceBlock) Load(raw []byte, firstIndex, lastIndex int32) {
	b.Grow(len(raw))
	copy(b.Buf, raw)
	b.BlockLen = uint32(len(raw))
	b.FirstIndex = firstIndex
	b.LastIndex = lastIndex
	b.readPos = b.Version.HeaderLen()
}

// SerializeHeader writes the header into the front of Buf. When
// doChecksum is set the CRC-32 (IEEE) of every byte after the checksum
// field is computed and stored; otherwise the checksum field is zero.
// It returns the stored checksum.
func (b *DeviceBlock) SerializeHeader(doChecksum bool) uint32 {
	header := b.Buf
	binary.BigEndian.PutUint32(header[0:4], 0)
	binary.BigEndian.PutUint32(header[4:8], b.BlockLen)
	binary.BigEndian.PutUint32(header[8:12], b.BlockNumber)
	if b.Version == V1 {
		copy(header[12:16], magicV1[:])
	} else {
		copy(header[12:16], magicV2[:])
		binary.BigEndian.PutUint32(header[16:20], b.VolSessionID)
		binary.BigEndian.PutUint32(header[20:24], b.VolSessionTime)
	}

	var checksum uint32
	if doChecksum {
		checksum = crc32.ChecksumIEEE(b.Buf[4:b.BlockLen])
		binary.BigEndian.PutUint32(header[0:4], checksum)
	}
	b.Checksum = checksum
	return checksum
}

// ReadOptions controls header validation.
type ReadOptions struct {
	// VerifyChecksum enables CRC verification. Blocks written without
	// a checksum carry zero in the field and must be read with this
	// disabled.
	VerifyChecksum bool

	// ForceRead accepts blocks whose checksum does not match. The
	// mismatch is still counted and reported. Used for forensic
	// recovery of damaged media.
	ForceRead bool

	// Verbose reports every checksum mismatch instead of only the
	// first one seen by this block.
	Verbose bool

	Logger *slog.Logger
}

// DeserializeHeader decodes and validates the header of the ReadLen
// bytes in Buf. On success the header fields are committed and the
// record cursor is positioned after the header. On rejection
// ReadErrors is incremented and every other field is left unchanged.
func (b *DeviceBlock) DeserializeHeader(options ReadOptions) error {
	readLen := int(b.ReadLen)
	if readLen > len(b.Buf) {
		readLen = len(b.Buf)
	}
	if readLen < HeaderLenV1 {
		b.ReadErrors++
		return fmt.Errorf("%w: read %d bytes, header needs %d", ErrShortBlock, readLen, HeaderLenV1)
	}

	header := b.Buf
	checksum := binary.BigEndian.Uint32(header[0:4])
	blockLen := binary.BigEndian.Uint32(header[4:8])
	blockNumber := binary.BigEndian.Uint32(header[8:12])

	var (
		version     Version
		sessionID   = b.VolSessionID
		sessionTime = b.VolSessionTime
	)
	switch [4]byte(header[12:16]) {
	case magicV1:
		version = V1
	case magicV2:
		version = V2
		if readLen < HeaderLenV2 {
			b.ReadErrors++
			return fmt.Errorf("%w: read %d bytes, BB02 header needs %d", ErrShortBlock, readLen, HeaderLenV2)
		}
		sessionID = binary.BigEndian.Uint32(header[16:20])
		sessionTime = binary.BigEndian.Uint32(header[20:24])
	default:
		b.ReadErrors++
		return fmt.Errorf("%w: got %q in block %d", ErrBadMagic, header[12:16], blockNumber)
	}

	if blockLen > MaxBlockLength {
		b.ReadErrors++
		return fmt.Errorf("%w: block %d declares %d bytes, maximum %d", ErrBlockTooLong, blockNumber, blockLen, MaxBlockLength)
	}
	if int(blockLen) < version.HeaderLen() {
		b.ReadErrors++
		return fmt.Errorf("%w: block %d declares %d bytes, smaller than its header", ErrFormat, blockNumber, blockLen)
	}
	if int(blockLen) > len(b.Buf) {
		return &OversizeError{Declared: blockLen, Buffer: len(b.Buf)}
	}
	if int(blockLen) > readLen {
		b.ReadErrors++
		return fmt.Errorf("%w: block %d declares %d bytes but only %d were read", ErrShortBlock, blockNumber, blockLen, readLen)
	}

	if options.VerifyChecksum {
		computed := crc32.ChecksumIEEE(b.Buf[4:blockLen])
		if computed != checksum {
			b.ReadErrors++
			if !b.checksumReported || options.Verbose {
				b.checksumReported = true
				logger := options.Logger
				if logger == nil {
					logger = slog.New(slog.DiscardHandler)
				}
				logger.Warn("block checksum mismatch",
					"block_number", blockNumber,
					"block_len", blockLen,
					"stored", fmt.Sprintf("%08x", checksum),
					"computed", fmt.Sprintf("%08x", computed),
					"force_read", options.ForceRead,
				)
			}
			if !options.ForceRead {
				return fmt.Errorf("%w: block %d stored %08x computed %08x", ErrChecksum, blockNumber, checksum, computed)
			}
		}
	}

	b.Checksum = checksum
	b.BlockLen = blockLen
	b.BlockNumber = blockNumber
	b.Version = version
	b.VolSessionID = sessionID
	b.VolSessionTime = sessionTime
	b.FirstIndex = 0
	b.LastIndex = 0
	b.readPos = version.HeaderLen()
	return nil
}

// String summarizes the header for logs and dumps.
func (b *DeviceBlock) String() string {
	return fmt.Sprintf("%s block %d len=%d checksum=%08x session=%d/%d index=%d..%d",
		b.Version, b.BlockNumber, b.BlockLen, b.Checksum,
		b.VolSessionID, b.VolSessionTime, b.FirstIndex, b.LastIndex)
}
