// Package sanitize strips completion-protocol noise and terminal artifacts
// from raw shell output while keeping SGR color sequences intact.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// MarkerPattern matches any sandterm completion marker, with or without the
// exit status digits that follow it on a completion line.
var MarkerPattern = regexp.MustCompile(`__ST_[0-9a-f]{12}__(?:\$\?|\d+)?`)

var echoLinePattern = regexp.MustCompile(`echo __ST_[0-9a-f]{12}__\$\?`)

// Clean normalizes line endings and removes escape sequences that carry no
// meaning for a reader: cursor movement, mode toggles (including bracketed
// paste), OSC titles, DCS and APC payloads, and stray bells. Color and style
// sequences are kept.
func Clean(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")

	var b strings.Builder
	b.Grow(len(s))
	var state byte
	for len(s) > 0 {
		seq, _, n, newState := ansi.DecodeSequence(s, state, nil)
		state = newState
		s = s[n:]
		if isSequence(seq) {
			if isSGR(seq) {
				b.WriteString(seq)
			}
			continue
		}
		switch seq {
		case "\r", "\a", "\b":
			continue
		}
		b.WriteString(seq)
	}
	return b.String()
}

// isSequence reports whether seq was introduced by ESC or an 8-bit
// CSI, DCS, OSC or APC byte.
func isSequence(seq string) bool {
	if seq == "" {
		return false
	}
	switch seq[0] {
	case ansi.ESC, ansi.CSI, ansi.DCS, ansi.OSC, ansi.APC, ansi.SOS, ansi.PM:
		return true
	}
	return false
}

// isSGR reports whether seq is a plain Select Graphic Rendition sequence.
// Private variants such as "CSI > 4 ; 1 m" are not style changes.
func isSGR(seq string) bool {
	var body string
	switch {
	case strings.HasPrefix(seq, "\x1b["):
		body = seq[2:]
	case seq[0] == ansi.CSI:
		body = seq[1:]
	default:
		return false
	}
	if !strings.HasSuffix(body, "m") {
		return false
	}
	return strings.Trim(body[:len(body)-1], "0123456789;:") == ""
}

// Plain returns s with every escape sequence removed. Detection and echo
// matching work on this view so a colored prompt cannot hide a match.
func Plain(s string) string {
	return ansi.Strip(s)
}

// Chunk prepares one streamed chunk for display: artifacts are removed,
// lines that only echo a completion marker are dropped and any marker left
// inline is erased.
func Chunk(s string) string {
	s = Clean(s)
	if !strings.Contains(s, "__ST_") {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	var b strings.Builder
	for _, line := range lines {
		if echoLinePattern.MatchString(Plain(line)) {
			continue
		}
		if isMarkerOnly(line) {
			continue
		}
		b.WriteString(MarkerPattern.ReplaceAllString(line, ""))
	}
	return b.String()
}

// Output cleans the text returned for one read of a session. command is the
// line that was sent for the current exec, or empty when the read did not
// start at a send point. The echoed command (possibly wrapped over several
// lines) and every marker are removed, and surrounding blank lines trimmed.
func Output(raw, command string) string {
	s := Clean(raw)
	s = StripEcho(s, command)
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		// Re-armed completion echoes carry no user command.
		if isMarkerOnly(line) || echoLinePattern.MatchString(Plain(line)) {
			continue
		}
		kept = append(kept, MarkerPattern.ReplaceAllString(line, ""))
	}
	return trimBlank(strings.Join(kept, "\n"))
}

// StripEcho removes the terminal's echo of the sent command. The echo ends
// on the line holding "echo <marker>$?"; when the terminal wrapped the
// input, preceding lines are consumed until their joined text contains the
// first line of command.
func StripEcho(s, command string) string {
	lines := strings.Split(s, "\n")
	end := -1
	for i, line := range lines {
		if echoLinePattern.MatchString(Plain(line)) {
			end = i
			break
		}
	}
	if end < 0 {
		return s
	}
	start := end
	if first := squash(firstLine(command)); first != "" {
		joined := squash(Plain(lines[end]))
		for start > 0 && !strings.Contains(joined, first) {
			start--
			joined = squash(Plain(lines[start])) + joined
		}
		if !strings.Contains(joined, first) {
			start = end
		}
	}
	out := append([]string{}, lines[:start]...)
	out = append(out, lines[end+1:]...)
	return strings.Join(out, "\n")
}

func isMarkerOnly(line string) bool {
	p := strings.TrimSpace(Plain(line))
	return p != "" && MarkerPattern.ReplaceAllString(p, "") == ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}

// squash drops all whitespace; terminals insert padding where they wrap.
func squash(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func trimBlank(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && strings.TrimSpace(Plain(lines[0])) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(Plain(lines[len(lines)-1])) == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
