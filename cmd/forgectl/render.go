package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/yourusername/heic-forge/internal/queue"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

// shouldColorize は --color と出力先から色付けの要否を決めます。
func shouldColorize(mode string, writer io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func stateColor(state queue.State) string {
	switch state {
	case queue.StateCompleted:
		return ansiGreen
	case queue.StateFailed:
		return ansiRed
	case queue.StateActive:
		return ansiBlue
	case queue.StatePending:
		return ansiYellow
	default:
		return ""
	}
}

func renderState(state queue.State, colorize bool) string {
	label := string(state)
	if colorize {
		if color := stateColor(state); color != "" {
			return color + label + ansiReset
		}
	}
	return label
}

func relativeTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}

func formatProgress(p *queue.ProgressEvent) string {
	if p == nil {
		return "-"
	}
	if p.TotalFiles > 0 {
		return fmt.Sprintf("%d%% (%d/%d)", p.Percentage, p.FileIndex, p.TotalFiles)
	}
	return fmt.Sprintf("%d%%", p.Percentage)
}
