// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/tree"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/bureau-foundation/realm/lib/event"
	"github.com/bureau-foundation/realm/lib/realm"
	"github.com/bureau-foundation/realm/lib/routing"
)

// styles renders realmctl output. Colors are dropped when the output
// is not a terminal or --no-color is set.
type styles struct {
	width int

	header  lipgloss.Style
	moniker lipgloss.Style
	faint   lipgloss.Style
	failure lipgloss.Style
	states  map[realm.State]lipgloss.Style
}

func newStyles(w io.Writer, noColor bool) *styles {
	renderer := lipgloss.NewRenderer(w)
	if noColor || os.Getenv("NO_COLOR") != "" {
		renderer.SetColorProfile(termenv.Ascii)
	}

	s := &styles{
		header:  renderer.NewStyle().Bold(true),
		moniker: renderer.NewStyle().Foreground(lipgloss.Color("12")),
		faint:   renderer.NewStyle().Faint(true),
		failure: renderer.NewStyle().Foreground(lipgloss.Color("9")),
		states: map[realm.State]lipgloss.Style{
			realm.StateNew:        renderer.NewStyle().Faint(true),
			realm.StateDiscovered: renderer.NewStyle().Foreground(lipgloss.Color("8")),
			realm.StateResolved:   renderer.NewStyle().Foreground(lipgloss.Color("11")),
			realm.StateStarted:    renderer.NewStyle().Foreground(lipgloss.Color("10")),
			realm.StateStopped:    renderer.NewStyle().Foreground(lipgloss.Color("13")),
			realm.StateDestroyed:  renderer.NewStyle().Foreground(lipgloss.Color("9")),
		},
	}
	if file, ok := w.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		if width, _, err := term.GetSize(int(file.Fd())); err == nil {
			s.width = width
		}
	}
	return s
}

func (s *styles) state(state realm.State) string {
	if style, ok := s.states[state]; ok {
		return style.Render(string(state))
	}
	return string(state)
}

// table writes rows with columns padded to their widest cell. Cells
// may contain styling; widths are measured without escape sequences.
func (s *styles) table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, cell := range header {
		widths[i] = ansi.StringWidth(cell)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}

	line := func(cells []string) string {
		var builder strings.Builder
		for i, cell := range cells {
			builder.WriteString(cell)
			if i < len(cells)-1 {
				builder.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+3))
			}
		}
		text := builder.String()
		if s.width > 0 {
			text = ansi.Truncate(text, s.width, "…")
		}
		return text
	}

	styled := make([]string, len(header))
	for i, cell := range header {
		styled[i] = s.header.Render(cell)
	}
	fmt.Fprintln(w, line(styled))
	for _, row := range rows {
		fmt.Fprintln(w, line(row))
	}
}

// chain renders a routing chain as one line per hop.
func (s *styles) chain(w io.Writer, source *routing.RoutedSource) {
	fmt.Fprintf(w, "%s %s %s\n", s.header.Render("source"), s.moniker.Render(source.Moniker.String()), sourceNote(source))
	fmt.Fprintf(w, "%s %s %s\n", s.header.Render("capability"), source.Capability.Kind, source.Capability.Name)
	if source.Subdir != "" {
		fmt.Fprintf(w, "%s %s\n", s.header.Render("subdir"), source.Subdir)
	}
	if source.StorageInstance != nil {
		fmt.Fprintf(w, "%s %s\n", s.header.Render("storage for"), s.moniker.Render(source.StorageInstance.String()))
	}
	root := tree.Root(s.header.Render("chain")).Enumerator(tree.RoundedEnumerator)
	for _, hop := range source.Chain {
		root.Child(fmt.Sprintf("%s %s %s", hop.Step, s.moniker.Render(hop.Moniker.String()), s.faint.Render(hop.Name)))
	}
	fmt.Fprintln(w, root.String())
}

func sourceNote(source *routing.RoutedSource) string {
	switch {
	case source.AboveRoot:
		return "(above root)"
	case source.Framework:
		return "(framework)"
	}
	return ""
}

// record renders one event record as a single line.
func (s *styles) record(w io.Writer, record event.Record) {
	parts := []string{
		s.faint.Render(record.Timestamp.Format("15:04:05.000")),
		s.header.Render(string(record.Type)),
		s.moniker.Render(record.Moniker.String()),
	}
	if record.URL != "" {
		parts = append(parts, record.URL)
	}
	if route := record.Route; route != nil {
		parts = append(parts, route.Kind+" "+route.Capability)
		switch {
		case route.Error != "":
			parts = append(parts, s.failure.Render(route.Error))
		case route.AboveRoot:
			parts = append(parts, "from above root")
		default:
			parts = append(parts, "from "+route.Source.String())
		}
	}
	if record.Error != "" {
		parts = append(parts, s.failure.Render(record.Error))
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}
