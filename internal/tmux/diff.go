package tmux

import "strings"

// normalize turns a pane capture into a stable snapshot: trailing padding
// is stripped from each line, trailing empty lines are dropped and there
// is no final newline. Two captures of an unchanged pane normalize equal.
func normalize(capture string) string {
	capture = strings.ReplaceAll(capture, "\r\n", "\n")
	lines := strings.Split(capture, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

// anchorLines is how much of the previous snapshot's tail must reappear in
// a capture for the two to be aligned when the head has moved.
const anchorLines = 4

// newSince returns the offset in cur where content not yet seen in prev
// starts. Captures normally only grow, so prev is a prefix of cur. When
// the scrollback limit drops old lines from the top the tail of prev is
// looked up instead. ok is false when nothing of prev can be found in cur
// and everything is treated as new.
func newSince(prev, cur string) (off int, ok bool) {
	if strings.HasPrefix(cur, prev) {
		return len(prev), true
	}
	if strings.HasPrefix(prev, cur) {
		// An older capture than the one already read.
		return len(cur), true
	}
	anchor := tailLines(prev, anchorLines)
	if anchor == "" {
		return 0, prev == ""
	}
	// Old content can only move up, so the anchor cannot end past where it
	// ended in prev.
	window := cur
	if len(window) > len(prev) {
		window = window[:len(prev)]
	}
	if i := strings.LastIndex(window, anchor); i >= 0 {
		return i + len(anchor), true
	}
	return 0, false
}

// tailLines returns the last n lines of s, or fewer if s is shorter.
func tailLines(s string, n int) string {
	i := len(s)
	for k := 0; k < n; k++ {
		j := strings.LastIndexByte(s[:i], '\n')
		if j < 0 {
			return s
		}
		i = j
	}
	return s[i+1:]
}
