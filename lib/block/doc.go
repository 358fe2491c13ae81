// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package block implements the on-media block format: a fixed header
// carrying a CRC-32 checksum, the block length, a monotonically
// increasing block number and a format tag, followed by packed records.
//
// Two header versions exist. BB01 blocks carry the volume session id
// and time in every record header (20-byte record headers). BB02 blocks
// move the session fields into the block header (24 bytes) and shrink
// each record header to 12 bytes. All integers are big-endian.
//
//	checksum:u32 block_len:u32 block_number:u32 "BB01"|"BB02" [session_id:u32 session_time:u32]
//	records: [session_id:u32 session_time:u32 (BB01 only)] file_index:i32 stream:i32 data_len:u32 data
//
// The checksum covers every byte after the checksum field up to
// block_len. A record that does not fit in the remaining space is split:
// its first piece carries the full remaining length, and each
// continuation in a following block carries the negated stream number.
//
// A [DeviceBlock] is owned by a single job's control handle and reused
// across read and write cycles. It is not safe for concurrent use.
package block
