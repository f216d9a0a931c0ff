package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ianremillard/sesh/internal/proto"
)

// printSessions renders a ListSessions snapshot as a table. Kept in its
// own file, separate from RPC plumbing in main.go, so a future TUI or
// fuzzy-picker front-end can replace just this collaborator.
func printSessions(w io.Writer, sessions []proto.SeshInfo) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROGRAM\tPID\tCONNECTED\tSTARTED\tATTACHED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%v\t%s\t%s\n",
			s.ID, s.Name, s.Program, s.PID, s.Connected,
			humanize.Time(msToTime(s.StartTimeMs)),
			humanize.Time(msToTime(s.AttachTimeMs)))
	}
	tw.Flush()
}

// printHistory renders a history snapshot as a table.
func printHistory(w io.Writer, rows []proto.HistoryEntry) {
	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(w, "\nhistory:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROGRAM\tPID\tEXIT\tENDED")
	for _, h := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			h.Name, h.Program, h.PID, h.ExitCode, humanize.Time(msToTime(h.EndedAt)))
	}
	tw.Flush()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
