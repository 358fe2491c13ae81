// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package label

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05 MST")
}

// DumpVolumeLabel writes a readable rendering of label to w.
func DumpVolumeLabel(w io.Writer, label *VolumeLabel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Volume Label:\n")
	fmt.Fprintf(tw, "Id\t%q\n", label.ID)
	fmt.Fprintf(tw, "VerNo\t%d\n", label.Version)
	fmt.Fprintf(tw, "LabelType\t%s\n", TypeName(label.LabelType))
	fmt.Fprintf(tw, "VolName\t%s\n", label.VolumeName)
	fmt.Fprintf(tw, "PrevVolName\t%s\n", label.PrevVolumeName)
	fmt.Fprintf(tw, "PoolName\t%s\n", label.PoolName)
	fmt.Fprintf(tw, "PoolType\t%s\n", label.PoolType)
	fmt.Fprintf(tw, "MediaType\t%s\n", label.MediaType)
	fmt.Fprintf(tw, "HostName\t%s\n", label.HostName)
	fmt.Fprintf(tw, "Labelled\t%s\n", formatTime(label.LabelTime))
	fmt.Fprintf(tw, "Written\t%s\n", formatTime(label.WriteTime))
	fmt.Fprintf(tw, "Program\t%s %s %s\n", label.LabelProgram, label.ProgramVersion, label.ProgramDate)
	return tw.Flush()
}

// DumpSessionLabel writes a readable rendering of label to w.
func DumpSessionLabel(w io.Writer, label *SessionLabel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s:\n", TypeName(label.Type))
	fmt.Fprintf(tw, "Id\t%q\n", label.ID)
	fmt.Fprintf(tw, "VerNo\t%d\n", label.Version)
	fmt.Fprintf(tw, "VolSession\t%d/%d\n", label.VolSessionID, label.VolSessionTime)
	fmt.Fprintf(tw, "JobId\t%d\n", label.JobID)
	fmt.Fprintf(tw, "Job\t%s\n", label.Job)
	fmt.Fprintf(tw, "JobName\t%s\n", label.JobName)
	fmt.Fprintf(tw, "ClientName\t%s\n", label.ClientName)
	fmt.Fprintf(tw, "FileSet\t%s\n", label.FileSetName)
	fmt.Fprintf(tw, "PoolName\t%s\n", label.PoolName)
	fmt.Fprintf(tw, "PoolType\t%s\n", label.PoolType)
	fmt.Fprintf(tw, "JobType\t%c\n", rune(label.JobType))
	fmt.Fprintf(tw, "JobLevel\t%c\n", rune(label.JobLevel))
	fmt.Fprintf(tw, "Date written\t%s\n", formatTime(label.WriteTime))
	if label.Type == EOSLabel {
		fmt.Fprintf(tw, "JobFiles\t%s\n", humanize.Comma(int64(label.JobFiles)))
		fmt.Fprintf(tw, "JobBytes\t%s (%s)\n", humanize.Comma(int64(label.JobBytes)), humanize.IBytes(label.JobBytes))
		fmt.Fprintf(tw, "StartBlock\t%d\n", label.StartBlock)
		fmt.Fprintf(tw, "EndBlock\t%d\n", label.EndBlock)
		fmt.Fprintf(tw, "StartFile\t%d\n", label.StartFile)
		fmt.Fprintf(tw, "EndFile\t%d\n", label.EndFile)
		fmt.Fprintf(tw, "JobErrors\t%d\n", label.JobErrors)
		fmt.Fprintf(tw, "JobStatus\t%c\n", rune(label.JobStatus))
	}
	return tw.Flush()
}
