package tmux

import (
	"encoding/base64"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/zpdzap/sandterm/internal/session"
)

func TestChatPrefix(t *testing.T) {
	tests := []struct {
		chat string
		want string
	}{
		{"", "st-default-"},
		{"abc", "st-abc-"},
		{"Chat 42!", "st-chat_42-"},
		{"///", "st-default-"},
		{"a-very-long-chat-identifier-here", "st-a_very_long_chat-"},
	}
	for _, tt := range tests {
		t.Run(tt.chat, func(t *testing.T) {
			got := ChatPrefix(tt.chat)
			if got != tt.want {
				t.Errorf("ChatPrefix(%q) = %q, want %q", tt.chat, got, tt.want)
			}
			if !ValidName(got + "1") {
				t.Errorf("%q is not a valid name", got+"1")
			}
		})
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"st-default-1", true},
		{"st-chat_a-12", true},
		{"st-default-", false},
		{"main", false},
		{"st-x-1; rm -rf /", false},
		{"st-UPPER-1", false},
		{"=st-default-1", false},
	}
	for _, tt := range tests {
		if got := ValidName(tt.name); got != tt.want {
			t.Errorf("ValidName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNextName(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		floor    int
		want     string
	}{
		{"fresh", nil, 0, "st-c-1"},
		{"skips existing", []string{"st-c-1", "st-c-3", "st-other-9"}, 0, "st-c-4"},
		{"floor wins", []string{"st-c-1"}, 5, "st-c-6"},
		{"ignores junk", []string{"st-c-x", "main"}, 0, "st-c-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextName("c", tt.existing, tt.floor); got != tt.want {
				t.Errorf("nextName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQuoteRoundTripsThroughShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	for _, s := range []string{"plain", "it's", "$(whoami) `id` \"q\"", "a\nb", ""} {
		out, err := exec.Command("sh", "-c", "printf '%s' "+quote(s)).Output()
		if err != nil {
			t.Fatalf("sh: %v", err)
		}
		if string(out) != s {
			t.Errorf("quote(%q) came back as %q", s, out)
		}
	}
}

func TestPasteScriptEncodesData(t *testing.T) {
	data := "echo 'hi' && rm -rf $HOME\n"
	script := pasteScript("st-c-1", data, true)
	if strings.Contains(script, "rm -rf") {
		t.Fatalf("raw data in script: %s", script)
	}
	m := regexp.MustCompile(`printf '%s' '([^']*)'`).FindStringSubmatch(script)
	if m == nil {
		t.Fatalf("no payload in %s", script)
	}
	dec, err := base64.StdEncoding.DecodeString(m[1])
	if err != nil || string(dec) != data {
		t.Errorf("payload decodes to %q (%v)", dec, err)
	}
	for _, want := range []string{"load-buffer", "paste-buffer", "'=st-c-1:'", "'Enter'"} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %s: %s", want, script)
		}
	}
	if strings.Contains(pasteScript("st-c-1", "x", false), "send-keys") {
		t.Error("Enter sent without being asked for")
	}
}

func TestPollScript(t *testing.T) {
	tok := session.Sentinel("__ST_0123456789ab__")
	script := pollScript("st-c-1", tok, 7, 250*time.Millisecond)
	for _, want := range []string{
		`-lt 7 ]`,
		`sleep 0.25`,
		`grep -q '__ST_0123456789ab__[0-9]'`,
		`'capture-pane' '-p' '-J' '-S' '-' '-t' '=st-c-1:'`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("poll script missing %q:\n%s", want, script)
		}
	}
	if !strings.HasSuffix(script, captureScript("st-c-1")) {
		t.Error("poll script does not end with a capture")
	}
}

func TestIterations(t *testing.T) {
	tests := []struct {
		timeout, interval time.Duration
		want              int
	}{
		{2 * time.Second, 500 * time.Millisecond, 4},
		{2100 * time.Millisecond, 500 * time.Millisecond, 5},
		{0, 500 * time.Millisecond, 1},
		{time.Second, 0, 2},
	}
	for _, tt := range tests {
		if got := iterations(tt.timeout, tt.interval); got != tt.want {
			t.Errorf("iterations(%v, %v) = %d, want %d", tt.timeout, tt.interval, got, tt.want)
		}
	}
}

func TestTrimmed(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"10 2000", false},
		{"2000 2000", true},
		{"2001 2000", true},
		{"", false},
		{"x y", false},
		{"5 0", false},
	}
	for _, tt := range tests {
		if got := trimmed(tt.in); got != tt.want {
			t.Errorf("trimmed(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCreateScriptKillsStaleSessionFirst(t *testing.T) {
	script := createScript("st-c-2", "bash", 1000, 80, 24)
	kill := strings.Index(script, "kill-session")
	create := strings.Index(script, "new-session")
	if kill < 0 || create < 0 || kill > create {
		t.Errorf("stale session is not killed before creation:\n%s", script)
	}
	if !strings.Contains(script, "history-limit 1000") {
		t.Errorf("history limit not set:\n%s", script)
	}
	if !strings.Contains(script, "-f /dev/null") {
		t.Errorf("user tmux config not suppressed:\n%s", script)
	}
}
