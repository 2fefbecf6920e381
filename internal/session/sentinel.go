package session

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Sentinel is the per-exec completion token. The shell prints it followed
// by the command's exit status once the command returns.
type Sentinel string

const sentinelPrefix = "__ST_"

var echoedSentinel = regexp.MustCompile(`echo (__ST_[0-9a-f]{12}__)\$\?`)

// NewSentinel returns a fresh token of the form __ST_<12 hex>__.
func NewSentinel() Sentinel {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return Sentinel(sentinelPrefix + id[:12] + "__")
}

// Echo is the shell statement that reports completion.
func (s Sentinel) Echo() string {
	return "echo " + string(s) + "$?"
}

// Detector finds the completion line of one sentinel.
type Detector struct {
	stream *regexp.Regexp
	final  *regexp.Regexp
}

// Detector compiles the completion patterns for s. The status digits keep
// the shell's echo of the typed command (which shows "$?") from matching.
// Streamed text also needs whitespace after the digits, so a status split
// across two reads is not cut short.
func (s Sentinel) Detector() *Detector {
	q := regexp.QuoteMeta(string(s))
	return &Detector{
		stream: regexp.MustCompile(q + `(\d+)\s`),
		final:  regexp.MustCompile(q + `(\d+)(?:\s|$)`),
	}
}

// Match locates a completion line.
type Match struct {
	ExitCode int
	Start    int // offset of the token
	End      int // offset just past the status digits
}

// Find looks for the completion in streamed text.
func (d *Detector) Find(text string) (Match, bool) {
	return find(d.stream, text)
}

// FindFinal is Find for a complete snapshot, where the status may be the
// last thing in the text.
func (d *Detector) FindFinal(text string) (Match, bool) {
	return find(d.final, text)
}

func find(re *regexp.Regexp, text string) (Match, bool) {
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return Match{}, false
	}
	code, err := strconv.Atoi(text[loc[2]:loc[3]])
	if err != nil {
		// Too many digits to be a status; treat as output.
		return Match{}, false
	}
	return Match{ExitCode: code, Start: loc[0], End: loc[3]}, true
}

// BuildCommand appends the completion echo to command. A trailing ';' is
// dropped, a command backgrounded with '&' is followed directly by the echo
// and a multi-line command gets the echo on its own line.
func BuildCommand(command string, s Sentinel) string {
	cmd := strings.TrimRight(command, " \t\r\n")
	cmd = strings.TrimSuffix(cmd, ";")
	cmd = strings.TrimRight(cmd, " \t")
	switch {
	case strings.Contains(cmd, "\n"):
		return cmd + "\n" + s.Echo()
	case strings.HasSuffix(cmd, "&") && !strings.HasSuffix(cmd, "&&"):
		return cmd + " " + s.Echo()
	default:
		return cmd + " ; " + s.Echo()
	}
}

// Pending describes the last completion echo found in recovered scrollback.
type Pending struct {
	Sentinel Sentinel
	// EchoEnd is the offset just past the line that carried the echo.
	EchoEnd int
	// Done is set when the completion line already follows the echo.
	Done bool
}

// RecoverPending scans scrollback for the most recent completion echo. It
// lets a new process resume waiting on a command started by an earlier one.
func RecoverPending(scrollback string) (Pending, bool) {
	all := echoedSentinel.FindAllStringSubmatchIndex(scrollback, -1)
	if len(all) == 0 {
		return Pending{}, false
	}
	last := all[len(all)-1]
	tok := Sentinel(scrollback[last[2]:last[3]])
	end := last[1]
	if nl := strings.IndexByte(scrollback[end:], '\n'); nl >= 0 {
		end += nl + 1
	} else {
		end = len(scrollback)
	}
	_, done := tok.Detector().FindFinal(scrollback[last[1]:])
	return Pending{Sentinel: tok, EchoEnd: end, Done: done}, true
}
