package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// statusKind classifies one status line for its badge and color.
type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
)

const (
	statusIndent     = "  "
	statusLabelWidth = 16
)

// renderStatusLine prints one aligned "label [badge] value" line. Only the
// badge is colored so values stay clean when copied out of a terminal.
func renderStatusLine(label string, kind statusKind, value string, colorize bool) string {
	badge := "[" + kindBadge(kind) + "]"
	if colorize {
		if color := kindColor(kind); color != "" {
			badge = color + badge + ansiReset
		}
	}
	if value == "" {
		return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label, badge)
	}
	return fmt.Sprintf("%s%-*s %s %s", statusIndent, statusLabelWidth, label, badge, value)
}

func kindBadge(kind statusKind) string {
	switch kind {
	case statusOK:
		return "ok"
	case statusWarn:
		return "warn"
	case statusError:
		return "error"
	default:
		return "info"
	}
}

func kindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	default:
		return ""
	}
}

// renderSectionHeader returns the section title underlined with dashes.
func renderSectionHeader(title string, colorize bool) string {
	title = strings.TrimSpace(title)
	header := title + "\n" + strings.Repeat("-", len(title))
	if colorize {
		return ansiCyan + header + ansiReset
	}
	return header
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
