package render

import (
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Sumatoshi-tech/stanlens/pkg/diagstore"
	"github.com/Sumatoshi-tech/stanlens/pkg/session"
)

const messageWidthMax = 100

var (
	levelColor   = color.New(color.FgRed, color.Bold)
	fileColor    = color.New(color.FgCyan)
	idleColor    = color.New(color.FgGreen)
	runningColor = color.New(color.FgYellow)
	failedColor  = color.New(color.FgRed)
)

// Table renders the results list: one row per finding in run order.
func Table(rows []diagstore.Row) string {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"File", "Line", "Message", "Level"})
	tbl.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Line", Align: text.AlignRight},
		{Name: "Message", WidthMax: messageWidthMax},
	})

	for _, row := range rows {
		tbl.AppendRow(table.Row{
			fileColor.Sprint(row.File),
			strconv.Itoa(row.Line),
			row.Message,
			levelColor.Sprint(string(row.Level)),
		})
	}

	tbl.AppendFooter(table.Row{"Total: " + english.Plural(len(rows), "issue", "")})

	return tbl.Render()
}

// StatusLine renders a one-line status, e.g. "✔ stanlens: Found 3 issues (2 minutes ago)".
func StatusLine(status session.Status, now time.Time) string {
	var line string

	switch status.State {
	case session.StateRunning:
		line = runningColor.Sprint("⟳ stanlens: Analyzing...")
	case session.StateFailed:
		line = failedColor.Sprint("✖ stanlens: Error") + ": " + status.Message
	default:
		line = idleColor.Sprint("✔ stanlens")
		if status.Message != "" {
			line += ": " + status.Message
		}
	}

	if status.State != session.StateRunning && !status.LastRun.IsZero() {
		line += " (" + humanize.RelTime(status.LastRun, now, "ago", "from now") + ")"
	}

	return line
}
