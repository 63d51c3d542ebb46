// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package progress displays the progress of episode loops (collection and planning) on the
// command-line: a progress bar with a table of statistics above it, redrawn asynchronously.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// Row is one named value of the statistics table.
type Row struct {
	Name, Value string
}

// Style of the progress bar. Defaults to the ASCII version.
var Style = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// maxUpdateFrequency is the time between redraws of the statistics.
const maxUpdateFrequency = time.Millisecond * 200

type update struct {
	amount, done int
	rows         []Row
}

// Bar tracks a loop over a known number of items (episodes).
//
// Update is cheap: the drawing happens in a separate goroutine, which drops intermediary updates
// if the terminal is slower than the loop.
type Bar struct {
	out         io.Writer
	termenv     *termenv.Output
	bar         *progressbar.ProgressBar
	statsStyle  lipgloss.Style
	statsTable  *lgtable.Table
	start       time.Time
	total, done int

	isFirstOutput bool
	lastNumRows   int
	updates       chan update
	drawer        sync.WaitGroup
}

// New creates and starts a progress bar for total items, described by unit (e.g. "episodes").
func New(out io.Writer, total int, unit string) *Bar {
	b := &Bar{
		out:           out,
		termenv:       termenv.NewOutput(out),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
		start:         time.Now(),
		total:         total,
		isFirstOutput: true,
		updates:       make(chan update, 100),
	}
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionSetTheme(Style),
		progressbar.OptionSetWriter(out),
	)
	b.statsTable = newTable()
	b.drawer.Add(1)
	go b.draw()
	return b
}

func newTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// Update reports one more item done, with the current statistics.
func (b *Bar) Update(rows ...Row) {
	b.done++
	b.updates <- update{amount: 1, done: b.done, rows: rows}
}

// Done waits for the pending redraws and finishes the display.
func (b *Bar) Done() {
	close(b.updates)
	b.drawer.Wait()
	b.termenv.ShowCursor()
	_, _ = fmt.Fprintln(b.out)
}

func (b *Bar) draw() {
	defer b.drawer.Done()
	for u := range b.updates {
		// Exhaust the updates in the buffer.
		amount := u.amount
	exhaust:
		for {
			select {
			case next, ok := <-b.updates:
				if !ok {
					break exhaust
				}
				amount += next.amount
				u = next
			default:
				break exhaust
			}
		}

		b.statsTable.Data(lgtable.NewStringData())
		b.statsTable.Row("Done", fmt.Sprintf("%s of %s", humanize.Comma(int64(u.done)), humanize.Comma(int64(b.total))))
		b.statsTable.Row("Elapsed", commandline.FormatDuration(time.Since(b.start)))
		for _, row := range u.rows {
			b.statsTable.Row(row.Name, row.Value)
		}

		b.termenv.HideCursor()
		if !b.isFirstOutput {
			// Table borders (2), the two fixed rows, the previous rows, the bar line and the blank line.
			b.termenv.CursorPrevLine(2 + 2 + b.lastNumRows + 2)
		}
		b.isFirstOutput = false
		b.lastNumRows = len(u.rows)

		_, _ = fmt.Fprintln(b.out, b.statsStyle.Render(b.statsTable.String()))
		_ = b.bar.Add(amount)
		_, _ = fmt.Fprintln(b.out)
		b.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Table renders a summary table with the given headers and rows, in the same style as the
// progress statistics.
func Table(headers []string, rows [][]string) string {
	t := newTable().Headers(headers...)
	for _, row := range rows {
		t.Row(row...)
	}
	return t.String()
}
