// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Labels are big-endian. Strings are NUL-terminated. Timestamps are
// microseconds since the epoch; version 10 labels carry a Julian day
// and seconds-of-day pair of float64 instead.

const unixEpochJulianDay = 2440587.5

type encoder struct {
	buf []byte
}

func (e *encoder) uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) uint64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) float64(v float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.uint64(0)
		return
	}
	e.uint64(uint64(t.UnixMicro()))
}

func (e *encoder) string(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

type decoder struct {
	data []byte
	err  error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.data) < n {
		d.err = fmt.Errorf("%w: truncated after %d bytes remained", ErrFormat, len(d.data))
		return nil
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b
}

func (d *decoder) uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) float64() float64 {
	return math.Float64frombits(d.uint64())
}

func (d *decoder) time() time.Time {
	v := d.uint64()
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(v)).UTC()
}

// julian reads a version 10 date/time pair.
func (d *decoder) julian() time.Time {
	day := d.float64()
	seconds := d.float64()
	if day == 0 {
		return time.Time{}
	}
	unix := (day-unixEpochJulianDay)*86400 + seconds
	return time.Unix(int64(unix), 0).UTC()
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	end := bytes.IndexByte(d.data, 0)
	if end < 0 {
		d.err = fmt.Errorf("%w: unterminated string", ErrFormat)
		return ""
	}
	if end > maxNameLen*2 {
		d.err = fmt.Errorf("%w: string of %d bytes", ErrFormat, end)
		return ""
	}
	s := string(d.data[:end])
	d.data = d.data[end+1:]
	return s
}

// MarshalVolumeLabel serializes the label payload. WriteTime is
// written as given.
func MarshalVolumeLabel(label *VolumeLabel) []byte {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.string(label.ID)
	e.uint32(label.Version)
	e.time(label.LabelTime)
	e.time(label.WriteTime)
	e.float64(0)
	e.float64(0)
	e.string(label.VolumeName)
	e.string(label.PrevVolumeName)
	e.string(label.PoolName)
	e.string(label.PoolType)
	e.string(label.MediaType)
	e.string(label.HostName)
	e.string(label.LabelProgram)
	e.string(label.ProgramVersion)
	e.string(label.ProgramDate)
	return e.buf
}

// UnmarshalVolumeLabel decodes a label payload. The identifying
// string and version are decoded but not validated.
func UnmarshalVolumeLabel(data []byte, labelType int32) (*VolumeLabel, error) {
	d := &decoder{data: data}
	label := &VolumeLabel{LabelType: labelType}
	label.ID = d.string()
	label.Version = d.uint32()
	if d.err == nil && label.Version >= CompatibleVersion1 {
		label.LabelTime = d.time()
		label.WriteTime = d.time()
		d.float64()
		d.float64()
	} else {
		label.LabelTime = d.julian()
		label.WriteTime = d.julian()
	}
	label.VolumeName = d.string()
	label.PrevVolumeName = d.string()
	label.PoolName = d.string()
	label.PoolType = d.string()
	label.MediaType = d.string()
	label.HostName = d.string()
	label.LabelProgram = d.string()
	label.ProgramVersion = d.string()
	label.ProgramDate = d.string()
	if d.err != nil {
		return nil, d.err
	}
	return label, nil
}

// MarshalSessionLabel serializes a session label payload. Totals are
// written only for end-of-session labels.
func MarshalSessionLabel(label *SessionLabel) []byte {
	e := &encoder{buf: make([]byte, 0, 256)}
	e.string(label.ID)
	e.uint32(label.Version)
	e.uint32(label.JobID)
	e.time(label.WriteTime)
	e.float64(0)
	e.string(label.PoolName)
	e.string(label.PoolType)
	e.string(label.JobName)
	e.string(label.ClientName)
	e.string(label.Job)
	e.string(label.FileSetName)
	e.uint32(label.JobType)
	e.uint32(label.JobLevel)
	e.string(label.FileSetMD5)
	if label.Type == EOSLabel {
		e.uint32(label.JobFiles)
		e.uint64(label.JobBytes)
		e.uint32(label.StartBlock)
		e.uint32(label.EndBlock)
		e.uint32(label.StartFile)
		e.uint32(label.EndFile)
		e.uint32(label.JobErrors)
		e.uint32(label.JobStatus)
	}
	return e.buf
}

func unmarshalSessionLabel(data []byte, labelType int32) (*SessionLabel, error) {
	d := &decoder{data: data}
	label := &SessionLabel{Type: labelType}
	label.ID = d.string()
	label.Version = d.uint32()
	label.JobID = d.uint32()
	if d.err == nil && label.Version >= CompatibleVersion1 {
		label.WriteTime = d.time()
		d.float64()
	} else {
		label.WriteTime = d.julian()
	}
	label.PoolName = d.string()
	label.PoolType = d.string()
	label.JobName = d.string()
	label.ClientName = d.string()
	label.Job = d.string()
	label.FileSetName = d.string()
	label.JobType = d.uint32()
	label.JobLevel = d.uint32()
	if label.Version >= CompatibleVersion1 {
		label.FileSetMD5 = d.string()
	}
	if labelType == EOSLabel {
		label.JobFiles = d.uint32()
		label.JobBytes = d.uint64()
		label.StartBlock = d.uint32()
		label.EndBlock = d.uint32()
		label.StartFile = d.uint32()
		label.EndFile = d.uint32()
		label.JobErrors = d.uint32()
		if label.Version >= CompatibleVersion1 {
			label.JobStatus = d.uint32()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return label, nil
}
