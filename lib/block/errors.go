// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"errors"
	"fmt"
)

// ErrFormat is the parent of every block validation failure. Callers
// that only need to know "this block cannot be trusted" test for it
// with errors.Is.
var ErrFormat = errors.New("block format error")

var (
	ErrBadMagic     = fmt.Errorf("%w: bad block magic", ErrFormat)
	ErrChecksum     = fmt.Errorf("%w: checksum mismatch", ErrFormat)
	ErrBlockTooLong = fmt.Errorf("%w: block length exceeds maximum", ErrFormat)
	ErrShortBlock   = fmt.Errorf("%w: short block", ErrFormat)
)

// OversizeError reports a valid header whose declared length is larger
// than the block's buffer. The caller grows the buffer to Declared,
// repositions, and reads the block again. It is not counted as a read
// error.
type OversizeError struct {
	Declared uint32
	Buffer   int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("block declares %d bytes but buffer holds %d", e.Declared, e.Buffer)
}
