package main

import (
	"encoding/json"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/muaviaUsmani/pantry/internal/run"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func statusText(s run.Status) string {
	switch s {
	case run.StatusSuccess:
		return green(string(s))
	case run.StatusFailed:
		return red(string(s))
	default:
		return yellow(string(s))
	}
}

func enabledText(enabled bool) string {
	if enabled {
		return green("enabled")
	}
	return faint("disabled")
}

func timeText(t *time.Time) string {
	if t == nil {
		return faint("-")
	}
	return t.Local().Format("2006-01-02 15:04")
}

func strText(s *string) string {
	if s == nil || *s == "" {
		return faint("-")
	}
	return *s
}

func durationText(ms *int64) string {
	if ms == nil {
		return faint("-")
	}
	return (time.Duration(*ms) * time.Millisecond).Round(time.Second / 10).String()
}
