// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/simsearch/services/search/datatypes"
	"github.com/AleutianAI/simsearch/services/search/orchestrator"
)

// Palette.
var (
	colorTeal    = lipgloss.Color("#2CD7C7")
	colorDeep    = lipgloss.Color("#16858E")
	colorSlate   = lipgloss.Color("#2C4A54")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
)

// styles are the rendered forms used by printer. The zero value renders
// plain text.
type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	header  lipgloss.Style
	box     lipgloss.Style
}

func colorStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
		muted:   lipgloss.NewStyle().Foreground(colorSlate),
		success: lipgloss.NewStyle().Foreground(colorTeal),
		warning: lipgloss.NewStyle().Foreground(colorWarning),
		err:     lipgloss.NewStyle().Foreground(colorError),
		header:  lipgloss.NewStyle().Bold(true).Foreground(colorDeep),
		box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDeep).
			Padding(0, 1),
	}
}

func plainStyles() styles {
	s := lipgloss.NewStyle()
	return styles{title: s, muted: s, success: s, warning: s, err: s, header: s, box: s}
}

// printer writes human output. Colour is only used on terminals.
type printer struct {
	w     io.Writer
	color bool
	st    styles
}

func newPrinter(w io.Writer, noColor bool) *printer {
	color := !noColor && isTerminal(w)
	st := plainStyles()
	if color {
		st = colorStyles()
	}
	return &printer{w: w, color: color, st: st}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *printer) Title(text string) {
	fmt.Fprintln(p.w, p.st.title.Render(text))
}

func (p *printer) Success(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.success.Render("✓"), text)
}

func (p *printer) Warning(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.warning.Render("⚠"), text)
}

func (p *printer) Error(text string) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.err.Render("✗"), p.st.err.Render(text))
}

func (p *printer) Info(key, value string) {
	fmt.Fprintf(p.w, "%s %s\n", p.st.muted.Render(key+":"), value)
}

// Table renders rows as aligned columns under a header.
func (p *printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Render(c + strings.Repeat(" ", widths[i]-lipgloss.Width(c)))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	fmt.Fprintln(p.w, line(header, p.st.header))
	for _, row := range rows {
		fmt.Fprintln(p.w, line(row, lipgloss.NewStyle()))
	}
}

// Partition prints each group's instances, holdout marked.
func (p *printer) Partition(slices []orchestrator.Slice, unused []string) {
	rows := make([][]string, 0, len(slices))
	for _, s := range slices {
		active := make([]string, len(s.Active))
		for i, inst := range s.Active {
			active[i] = inst.ID()
		}
		rows = append(rows, []string{
			strconv.Itoa(s.GroupID),
			strings.Join(active, ","),
			s.Holdout.ID(),
		})
	}
	p.Table([]string{"GROUP", "ACTIVE", "HOLDOUT"}, rows)
	if len(unused) > 0 {
		p.Warning(fmt.Sprintf("unused instances: %s", strings.Join(unused, ",")))
	}
}

// Chunks prints one box per chunk.
func (p *printer) Chunks(chunks []datatypes.ProgramChunk) {
	for i, c := range chunks {
		title := p.st.title.Render(fmt.Sprintf("chunk %d: %s", i+1, firstLine(c.Label)))
		body := c.Code
		if body == "" {
			body = p.st.muted.Render("(no code)")
		}
		fmt.Fprintln(p.w, p.st.box.Render(title+"\n"+body))
	}
}

// Summary prints the per-group table after a run.
func (p *printer) Summary(stats []orchestrator.GroupStats) {
	rows := make([][]string, 0, len(stats))
	var iterations, persisted, failures int
	for _, s := range stats {
		status := "ok"
		switch {
		case s.Interrupted:
			status = "interrupted"
		case s.Err != nil:
			status = "stopped"
		}
		rows = append(rows, []string{
			strconv.Itoa(s.GroupID),
			strings.Join(s.Instances, ","),
			strconv.Itoa(s.Iterations),
			strconv.Itoa(s.Persisted),
			strconv.Itoa(s.Failures),
			strconv.Itoa(s.Skipped),
			strconv.Itoa(s.Halted),
			s.Elapsed.Round(time.Millisecond).String(),
			status,
		})
		iterations += s.Iterations
		persisted += s.Persisted
		failures += s.Failures
	}
	p.Table([]string{"GROUP", "INSTANCES", "ITER", "PERSISTED", "FAILED", "SKIPPED", "HALTED", "ELAPSED", "STATUS"}, rows)
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s\n",
		p.st.success.Render(strconv.Itoa(iterations)), p.st.muted.Render("iterations"),
		p.st.success.Render(strconv.Itoa(persisted)), p.st.muted.Render("programs"),
		p.st.warning.Render(strconv.Itoa(failures)), p.st.muted.Render("failures"),
	)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
