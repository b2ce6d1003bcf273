package executor

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// TruncationMarker is appended to output cut at the cap.
const TruncationMarker = "\n...[output truncated]"

// Truncate cuts s to at most limit bytes (on a rune boundary) and appends the
// marker. Applying it twice yields the same string.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if strings.HasSuffix(s, TruncationMarker) && len(s)-len(TruncationMarker) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of s by
// a byte-level cut.
func trimPartialRune(s string) string {
	for i := 0; i < utf8.UTFMax-1 && s != ""; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written and discards the rest.
// It is safe for concurrent use since a timed-out transport may still write
// while the result is read.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// Write never fails so the remote side is not blocked by a full buffer.
func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - len(b.buf)
	if room >= len(p) {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	if room > 0 {
		b.buf = append(b.buf, p[:room]...)
	}
	b.truncated = true
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	s, _ := b.snapshot()
	return s
}

// snapshot returns the kept text and whether anything was discarded.
func (b *cappedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.truncated {
		return string(b.buf), false
	}
	return trimPartialRune(string(b.buf)) + TruncationMarker, true
}
