package session

import "strings"

// Key names follow tmux's send-keys vocabulary. The remote backend turns
// them into the bytes a terminal would produce.
var keyBytes = map[string]string{
	"Enter":  "\r",
	"Escape": "\x1b",
	"Tab":    "\t",
	"BSpace": "\x7f",
	"Space":  " ",
	"Up":     "\x1b[A",
	"Down":   "\x1b[B",
	"Right":  "\x1b[C",
	"Left":   "\x1b[D",
	"Home":   "\x1b[H",
	"End":    "\x1b[F",
	"PPage":  "\x1b[5~",
	"NPage":  "\x1b[6~",
	"IC":     "\x1b[2~",
	"DC":     "\x1b[3~",
	"F1":     "\x1bOP",
	"F2":     "\x1bOQ",
	"F3":     "\x1bOR",
	"F4":     "\x1bOS",
	"F5":     "\x1b[15~",
	"F6":     "\x1b[17~",
	"F7":     "\x1b[18~",
	"F8":     "\x1b[19~",
	"F9":     "\x1b[20~",
	"F10":    "\x1b[21~",
	"F11":    "\x1b[23~",
	"F12":    "\x1b[24~",
}

var keyAliases = map[string]string{
	"esc":       "Escape",
	"return":    "Enter",
	"backspace": "BSpace",
	"pageup":    "PPage",
	"pagedown":  "NPage",
	"delete":    "DC",
	"insert":    "IC",
}

// CanonicalKey maps a key name to its tmux spelling. Control keys are
// written C-a through C-z; names are matched without regard to case.
func CanonicalKey(name string) (string, bool) {
	if len(name) == 3 && (name[0] == 'C' || name[0] == 'c') && name[1] == '-' {
		c := name[2] | 0x20
		if c >= 'a' && c <= 'z' {
			return "C-" + string(c), true
		}
		return "", false
	}
	if alias, ok := keyAliases[strings.ToLower(name)]; ok {
		return alias, true
	}
	for k := range keyBytes {
		if strings.EqualFold(k, name) {
			return k, true
		}
	}
	return "", false
}

// ParseKeys splits input into key names. It reports false unless every
// whitespace-separated token names a key, in which case the input is
// literal text.
func ParseKeys(input string) ([]string, bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return nil, false
	}
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		k, ok := CanonicalKey(f)
		if !ok {
			return nil, false
		}
		keys = append(keys, k)
	}
	return keys, true
}

// KeyBytes returns the terminal input for canonical key names.
func KeyBytes(keys []string) []byte {
	var b []byte
	for _, k := range keys {
		if strings.HasPrefix(k, "C-") && len(k) == 3 {
			b = append(b, k[2]-'a'+1)
			continue
		}
		b = append(b, keyBytes[k]...)
	}
	return b
}

// HasInterrupt reports whether the sequence contains C-c.
func HasInterrupt(keys []string) bool {
	for _, k := range keys {
		if k == "C-c" {
			return true
		}
	}
	return false
}
