package ptyd

import (
	"bytes"
	"testing"
)

func TestRingKeepsNewestBytes(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		writes []string
		want   string
		total  int64
	}{
		{"empty", 8, nil, "", 0},
		{"under capacity", 8, []string{"abc", "de"}, "abcde", 5},
		{"exactly full", 4, []string{"ab", "cd"}, "abcd", 4},
		{"wraps", 4, []string{"abc", "def"}, "cdef", 6},
		{"single oversized write", 4, []string{"abcdefgh"}, "efgh", 8},
		{"many small writes", 3, []string{"a", "b", "c", "d", "e"}, "cde", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRing(tt.size)
			for _, w := range tt.writes {
				r.Write([]byte(w))
			}
			got, total := r.Snapshot()
			if string(got) != tt.want {
				t.Errorf("Snapshot() = %q, want %q", got, tt.want)
			}
			if total != tt.total {
				t.Errorf("total = %d, want %d", total, tt.total)
			}
		})
	}
}

func TestRingSnapshotStartsOnRuneBoundary(t *testing.T) {
	r := newRing(4)
	// "é" is two bytes; after wrapping the first byte kept is its tail.
	r.Write([]byte("aé"))
	r.Write([]byte("bcd"))
	got, _ := r.Snapshot()
	if !bytes.Equal(got, []byte("bcd")) {
		t.Errorf("Snapshot() = %q, want %q", got, "bcd")
	}
}

func TestUTF8Tail(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"ascii", []byte("abc"), 0},
		{"complete rune", append([]byte("a"), euro...), 0},
		{"one of three", append([]byte("a"), euro[0]), 1},
		{"two of three", append([]byte("a"), euro[:2]...), 2},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := utf8Tail(tt.in); got != tt.want {
				t.Errorf("utf8Tail(%x) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
