// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package label reads, writes and verifies volume labels and job
// session labels.
//
// The volume label is the sole record of the first block on a volume.
// It carries an identifying string and a format version that must
// match before any data block on the volume is trusted, followed by
// timestamps and the volume, pool and media names. Tape volumes may
// additionally start with ANSI or IBM interchange labels (VOL1, HDR1,
// HDR2 and a file mark) ahead of the volume label.
//
// Session labels mark the start and end of one job's records in the
// block stream. They always fit in a single block and are never split.
package label

import (
	"errors"
	"fmt"
	"time"
)

// Identifying strings at the start of every label. ID is written;
// the others are accepted on read.
const (
	ID         = "Bareos 2.0 immortal\n"
	legacyID   = "Bacula 1.0 immortal\n"
	ancientID  = "Bacula 0.9 mortal\n"
	maxNameLen = 128
)

// Format versions. Version is written; the compatible versions are
// read.
const (
	Version            uint32 = 20
	CompatibleVersion1 uint32 = 11
	CompatibleVersion2 uint32 = 10
)

// Record file indexes reserved for labels. Data records always have a
// positive file index.
const (
	PreLabel int32 = -1 // volume label not yet finalized
	VolLabel int32 = -2 // finalized volume label
	EOMLabel int32 = -3
	SOSLabel int32 = -4 // start of session
	EOSLabel int32 = -5 // end of session
	EOTLabel int32 = -6
)

// TypeName returns a readable name for a label file index.
func TypeName(fileIndex int32) string {
	switch fileIndex {
	case PreLabel:
		return "PRE_LABEL"
	case VolLabel:
		return "VOL_LABEL"
	case EOMLabel:
		return "EOM_LABEL"
	case SOSLabel:
		return "SOS_LABEL"
	case EOSLabel:
		return "EOS_LABEL"
	case EOTLabel:
		return "EOT_LABEL"
	default:
		return fmt.Sprintf("Unknown label %d", fileIndex)
	}
}

// Status is the outcome of reading a volume label.
type Status int

const (
	StatusOK Status = iota
	StatusNoLabel
	StatusIOError
	StatusNameMismatch
	StatusCreateError
	StatusVersionMismatch
	StatusLabelTypeError
	StatusNoMedia
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoLabel:
		return "no label"
	case StatusIOError:
		return "I/O error"
	case StatusNameMismatch:
		return "name mismatch"
	case StatusCreateError:
		return "create error"
	case StatusVersionMismatch:
		return "version mismatch"
	case StatusLabelTypeError:
		return "label type error"
	case StatusNoMedia:
		return "no media"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusError carries the Status of a failed label operation.
type StatusError struct {
	Status Status
	Err    error
}

func (e *StatusError) Error() string { return e.Status.String() + ": " + e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// StatusOf returns the Status carried by err, StatusOK for nil, and
// StatusIOError for errors that carry none.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return StatusIOError
}

// ErrFormat reports a label payload that cannot be decoded.
var ErrFormat = errors.New("label: malformed label record")

// ErrNotSessionLabel is returned when decoding a record that is not a
// session label.
var ErrNotSessionLabel = errors.New("label: record is not a session label")

// Type selects the labels written ahead of the volume label.
type Type int

const (
	TypeNative Type = iota
	TypeANSI
	TypeIBM
)

// ParseType parses a configured label type.
func ParseType(name string) (Type, error) {
	switch name {
	case "", "bareos", "native":
		return TypeNative, nil
	case "ansi":
		return TypeANSI, nil
	case "ibm":
		return TypeIBM, nil
	default:
		return TypeNative, fmt.Errorf("unknown label type %q", name)
	}
}

func (t Type) String() string {
	switch t {
	case TypeANSI:
		return "ansi"
	case TypeIBM:
		return "ibm"
	default:
		return "bareos"
	}
}

// VolumeLabel identifies a volume.
type VolumeLabel struct {
	ID      string
	Version uint32

	// LabelType is PreLabel or VolLabel. It is stored as the file
	// index of the label record, not in the payload.
	LabelType int32

	LabelTime time.Time
	WriteTime time.Time

	VolumeName     string
	PrevVolumeName string
	PoolName       string
	PoolType       string
	MediaType      string
	HostName       string
	LabelProgram   string
	ProgramVersion string
	ProgramDate    string
}

// SessionLabel marks the start or end of a job's data on a volume.
type SessionLabel struct {
	// Type is SOSLabel or EOSLabel.
	Type    int32
	ID      string
	Version uint32

	// Taken from the record header.
	VolSessionID   uint32
	VolSessionTime uint32

	JobID       uint32
	WriteTime   time.Time
	PoolName    string
	PoolType    string
	JobName     string
	ClientName  string
	Job         string
	FileSetName string
	JobType     uint32
	JobLevel    uint32
	FileSetMD5  string

	// End-of-session totals.
	JobFiles   uint32
	JobBytes   uint64
	StartBlock uint32
	EndBlock   uint32
	StartFile  uint32
	EndFile    uint32
	JobErrors  uint32
	JobStatus  uint32
}

// SessionInfo is the job information a caller supplies for a session
// label. Block and file positions come from the control handle.
type SessionInfo struct {
	PoolName    string
	PoolType    string
	JobName     string
	ClientName  string
	Job         string
	FileSetName string
	JobType     uint32
	JobLevel    uint32
	FileSetMD5  string

	JobFiles  uint32
	JobBytes  uint64
	JobErrors uint32
	JobStatus uint32
}

func knownID(id string) bool {
	return id == ID || id == legacyID || id == ancientID
}

func supportedVersion(version uint32) bool {
	return version == Version || version == CompatibleVersion1 || version == CompatibleVersion2
}
