package ptyd

import "sync"

// DefaultScrollback is the per-session scrollback kept for re-attach.
const DefaultScrollback = 1 << 20

// ring is a fixed-size circular byte buffer that also counts every byte
// ever written, so a re-attaching client can tell how much it missed.
type ring struct {
	mu    sync.Mutex
	buf   []byte
	pos   int
	full  bool
	total int64
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total += int64(len(p))
	if len(p) >= len(r.buf) {
		copy(r.buf, p[len(p)-len(r.buf):])
		r.pos = 0
		r.full = true
		return
	}
	n := copy(r.buf[r.pos:], p)
	if n < len(p) {
		copy(r.buf, p[n:])
		r.full = true
	}
	r.pos = (r.pos + len(p)) % len(r.buf)
	if r.pos == 0 && len(p) > 0 {
		r.full = true
	}
}

// Snapshot returns the retained bytes oldest first and the total number
// of bytes written. After a wrap, leading UTF-8 continuation bytes are
// dropped so the data starts on a character boundary.
func (r *ring) Snapshot() ([]byte, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]byte(nil), r.buf[:r.pos]...), r.total
	}
	out := make([]byte, 0, len(r.buf))
	out = append(out, r.buf[r.pos:]...)
	out = append(out, r.buf[:r.pos]...)
	return trimContinuation(out), r.total
}

func trimContinuation(p []byte) []byte {
	i := 0
	for i < len(p) && i < 4 && p[i]&0xC0 == 0x80 {
		i++
	}
	return p[i:]
}

// utf8Tail returns how many trailing bytes of p are an unfinished UTF-8
// sequence that should wait for the next read.
func utf8Tail(p []byte) int {
	n := len(p)
	for i := 0; i < 4 && i < n; i++ {
		b := p[n-1-i]
		if b < 0x80 {
			return 0
		}
		if b&0xC0 == 0x80 {
			continue
		}
		want := 0
		switch {
		case b&0xE0 == 0xC0:
			want = 2
		case b&0xF0 == 0xE0:
			want = 3
		case b&0xF8 == 0xF0:
			want = 4
		default:
			return 0
		}
		if i+1 < want {
			return i + 1
		}
		return 0
	}
	return 0
}
