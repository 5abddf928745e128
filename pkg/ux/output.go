// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the isg CLI.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette - deep ocean teals
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // Bright teal - highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // Primary teal - main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // Deep teal - borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // Slate - muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return Styles.Muted.Render(string(i))
	}
}

// Format selects between styled and machine output.
type Format string

const (
	FormatAuto  Format = "auto"
	FormatHuman Format = "human"
	FormatJSON  Format = "json"
)

// ParseFormat validates a --format flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatAuto, FormatHuman, FormatJSON:
		return f, nil
	case "":
		return FormatAuto, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want auto, human or json)", s)
	}
}

// DetectFormat resolves FormatAuto: human when f is a terminal, JSON when
// output is piped or redirected.
func DetectFormat(requested Format, f *os.File) Format {
	if requested != FormatAuto && requested != "" {
		return requested
	}
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return FormatHuman
	}
	return FormatJSON
}

// Printer writes results in one format.
//
// In JSON format only Result and Error produce output; the decorative
// helpers are no-ops so that stdout carries one JSON document per command.
type Printer struct {
	w      io.Writer
	format Format
}

// NewPrinter returns a printer writing to w. FormatAuto is treated as human.
func NewPrinter(w io.Writer, format Format) *Printer {
	if format == FormatAuto || format == "" {
		format = FormatHuman
	}
	return &Printer{w: w, format: format}
}

// Format returns the printer's resolved format.
func (p *Printer) Format() Format {
	return p.format
}

// Machine reports whether the printer emits JSON.
func (p *Printer) Machine() bool {
	return p.format == FormatJSON
}

// Result prints v as indented JSON in machine mode, or calls human otherwise.
func (p *Printer) Result(v any, human func(p *Printer)) error {
	if p.Machine() {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(p)
	return nil
}

// Title prints a styled title
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message. In machine mode it prints a JSON object
// with an "error" field.
func (p *Printer) Error(text string) {
	if p.Machine() {
		json.NewEncoder(p.w).Encode(map[string]string{"error": text})
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational line
func (p *Printer) Info(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Muted prints muted/secondary text
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Muted.Render(text))
}

// KV prints an aligned key/value line.
func (p *Printer) KV(key string, value any) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "  %s %v\n", Styles.Muted.Render(fmt.Sprintf("%-12s", key+":")), value)
}

// Bullet prints an indented list item.
func (p *Printer) Bullet(indent int, text string) {
	if p.Machine() {
		return
	}
	fmt.Fprintf(p.w, "%s%s %s\n", strings.Repeat("  ", indent), IconBullet.Render(), text)
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	if p.Machine() {
		return
	}
	fmt.Fprintln(p.w, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}
