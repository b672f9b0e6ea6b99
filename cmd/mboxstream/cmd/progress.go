package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

func isTTY(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// parseProgress reports the progress of a chunked parse. On a terminal it
// redraws one line; otherwise it prints a line per update.
type parseProgress struct {
	out       io.Writer
	tty       bool
	total     int64
	startTime time.Time
	lastPrint time.Time
	interval  time.Duration
}

func newParseProgress(out io.Writer, tty bool, total int64) *parseProgress {
	return &parseProgress{
		out:       out,
		tty:       tty,
		total:     total,
		startTime: time.Now(),
		interval:  500 * time.Millisecond,
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func progressBar(pct float64, width int) string {
	filled := min(int(pct/100*float64(width)), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}

// Update reports uploaded bytes and the record count so far. Updates
// closer together than the interval are dropped, except the final one.
func (p *parseProgress) Update(uploaded int64, records int) {
	if uploaded < p.total && time.Since(p.lastPrint) < p.interval {
		return
	}
	p.lastPrint = time.Now()

	var pct float64
	if p.total > 0 {
		pct = float64(uploaded) / float64(p.total) * 100
	}
	status := fmt.Sprintf("  %s %.1f%%  %d records  %s", progressBar(pct, 30), pct, records,
		formatDuration(time.Since(p.startTime)))
	if p.tty {
		fmt.Fprintf(p.out, "\r\033[K%s", status)
	} else {
		fmt.Fprintln(p.out, status)
	}
}

// Done clears the progress line.
func (p *parseProgress) Done() {
	if p.tty {
		fmt.Fprint(p.out, "\r\033[K")
	}
}
