package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/danmuck/gridctl/internal/engine"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/dustin/go-humanize"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	stateStyles = map[registry.State]lipgloss.Style{
		registry.StateRunning:   cellStyle.Foreground(lipgloss.Color("12")),
		registry.StateCompleted: cellStyle.Foreground(lipgloss.Color("10")),
		registry.StateFailed:    cellStyle.Foreground(lipgloss.Color("9")),
		registry.StateCancelled: cellStyle.Foreground(lipgloss.Color("11")),
	}
)

const stateColumn = 2

// renderStatus prints one row per run. Submit times are relative to now.
func renderStatus(w io.Writer, records []registry.RunRecord, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "(no runs)")
		return
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.ExpName,
			rec.JobID,
			string(rec.State),
			submittedAt(rec.SubmittedAt, now),
			fetchedCell(rec),
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("EXP NAME", "JOB ID", "STATE", "SUBMITTED", "FETCHED").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == stateColumn && row >= 0 && row < len(records) {
				if style, ok := stateStyles[records[row].State]; ok {
					return style
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func submittedAt(at time.Time, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func fetchedCell(rec registry.RunRecord) string {
	if rec.Fetched {
		return "yes"
	}
	return "no"
}

func printSubmitReport(w io.Writer, report engine.SubmitReport) {
	for _, rec := range report.Submitted {
		fmt.Fprintf(w, "submitted %s (job %s)\n", rec.ExpName, rec.JobID)
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(w, "skipped %s (already submitted)\n", name)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "failed %s: %v\n", f.ExpName, f.Err)
	}
}

func printFetchReport(w io.Writer, report engine.FetchReport) {
	for _, run := range report.Fetched {
		fmt.Fprintf(w, "fetched %s (%s) -> %s\n", run.Record.ExpName, humanize.Bytes(uint64(max(run.Bytes, 0))), run.Record.LocalResultsDir)
	}
	for _, name := range report.NotFinished {
		fmt.Fprintf(w, "not finished %s\n", name)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "failed %s: %v\n", f.ExpName, f.Err)
	}
	if len(report.Fetched)+len(report.NotFinished)+len(report.Failed) == 0 {
		fmt.Fprintln(w, "nothing to fetch")
	}
}
