// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// interchangeRecordLen is the size of every ANSI and IBM label record.
const interchangeRecordLen = 80

// maxVolser is the longest volume name an interchange label holds.
const maxVolser = 6

var ebcdicVOL1 = mustEncodeEBCDIC("VOL1")

func mustEncodeEBCDIC(s string) []byte {
	b, err := charmap.CodePage037.NewEncoder().Bytes([]byte(s))
	if err != nil {
		panic(err)
	}
	return b
}

// field left-justifies s in a width-byte space-padded field.
func field(s string, width int) string {
	if len(s) > width {
		s = s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

// julianDate formats t as the " yyddd" date used by interchange
// labels.
func julianDate(t time.Time) string {
	return fmt.Sprintf(" %02d%03d", t.Year()%100, t.YearDay())
}

// interchangeLabels builds the VOL1, HDR1 and HDR2 records for a
// volume, encoded for labelType.
func interchangeLabels(labelType Type, volumeName, owner string, blockSize int, now time.Time) ([][]byte, error) {
	if len(volumeName) > maxVolser {
		return nil, fmt.Errorf("volume name %q is longer than the %d characters an %s label holds",
			volumeName, maxVolser, labelType)
	}
	volser := strings.ToUpper(volumeName)

	vol1 := "VOL1" + field(volser, 6) + " " + field("", 13) + field("MEDIAVAULT", 13) +
		field(owner, 14) + field("", 28) + "3"
	hdr1 := "HDR1" + field("MEDIAVAULT.DATA", 17) + field(volser, 6) + "0001" + "0001" + "0001" + "00" +
		julianDate(now) + " 00000" + " " + "000000" + field("MEDIAVAULT", 13) + field("", 7)
	hdr2 := "HDR2" + "F" + fmt.Sprintf("%05d%05d", min(blockSize, 99999), min(blockSize, 99999))
	hdr2 = field(hdr2, interchangeRecordLen)

	records := [][]byte{[]byte(vol1), []byte(hdr1), []byte(hdr2)}
	for i, record := range records {
		if len(record) != interchangeRecordLen {
			return nil, fmt.Errorf("interchange label %d is %d bytes", i, len(record))
		}
		if labelType == TypeIBM {
			encoded, err := charmap.CodePage037.NewEncoder().Bytes(record)
			if err != nil {
				return nil, fmt.Errorf("encoding IBM label: %w", err)
			}
			records[i] = encoded
		}
	}
	return records, nil
}

// parseVOL1 recognizes an ANSI or IBM VOL1 record and returns its
// volume name.
func parseVOL1(record []byte) (Type, string, bool) {
	if len(record) != interchangeRecordLen {
		return TypeNative, "", false
	}
	switch {
	case bytes.HasPrefix(record, []byte("VOL1")):
		return TypeANSI, strings.TrimRight(string(record[4:10]), " "), true
	case bytes.HasPrefix(record, ebcdicVOL1):
		decoded, err := charmap.CodePage037.NewDecoder().Bytes(record)
		if err != nil {
			return TypeNative, "", false
		}
		return TypeIBM, strings.TrimRight(string(decoded[4:10]), " "), true
	}
	return TypeNative, "", false
}
