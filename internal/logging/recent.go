package logging

import (
	"container/ring"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRecentSize is the number of log lines kept in memory.
const DefaultRecentSize = 500

var recent = NewRecentBuffer(DefaultRecentSize)

// Recent returns the buffer every logger created by Init also writes to.
func Recent() *RecentBuffer {
	return recent
}

// RecentBuffer keeps the last log lines so operators can read them from chat.
type RecentBuffer struct {
	mu     sync.Mutex
	buffer *ring.Ring
}

// NewRecentBuffer creates a buffer holding size lines.
func NewRecentBuffer(size int) *RecentBuffer {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &RecentBuffer{buffer: ring.New(size)}
}

// Write implements io.Writer. zerolog hands it one JSON event per call.
func (b *RecentBuffer) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)

	b.mu.Lock()
	b.buffer.Value = line
	b.buffer = b.buffer.Next()
	b.mu.Unlock()
	return len(p), nil
}

// Line is one decoded log event.
type Line struct {
	Time    time.Time
	Level   zerolog.Level
	Message string
	Fields  map[string]string
}

// String renders the line as "15:04:05 WRN message key=value ...".
func (l Line) String() string {
	var sb strings.Builder
	if !l.Time.IsZero() {
		sb.WriteString(l.Time.Format("15:04:05 "))
	}
	sb.WriteString(strings.ToUpper(levelAbbrev(l.Level)))
	sb.WriteString(" ")
	sb.WriteString(l.Message)

	keys := make([]string, 0, len(l.Fields))
	for k := range l.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%s", k, l.Fields[k])
	}
	return sb.String()
}

// Tail returns up to n of the newest lines at minLevel or above, oldest first.
func (b *RecentBuffer) Tail(n int, minLevel zerolog.Level) []Line {
	b.mu.Lock()
	var raw [][]byte
	b.buffer.Do(func(v interface{}) {
		if v != nil {
			raw = append(raw, v.([]byte))
		}
	})
	b.mu.Unlock()

	var out []Line
	for i := len(raw) - 1; i >= 0 && (n <= 0 || len(out) < n); i-- {
		line, ok := decodeLine(raw[i])
		if !ok || line.Level < minLevel {
			continue
		}
		out = append(out, line)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func decodeLine(p []byte) (Line, bool) {
	var event map[string]interface{}
	if err := json.Unmarshal(p, &event); err != nil {
		return Line{}, false
	}

	line := Line{Level: zerolog.NoLevel, Fields: make(map[string]string)}
	for k, v := range event {
		switch k {
		case zerolog.LevelFieldName:
			if s, ok := v.(string); ok {
				if lvl, err := zerolog.ParseLevel(s); err == nil {
					line.Level = lvl
				}
			}
		case zerolog.MessageFieldName:
			line.Message = fmt.Sprint(v)
		case zerolog.TimestampFieldName:
			if s, ok := v.(string); ok {
				line.Time, _ = time.Parse(zerolog.TimeFieldFormat, s)
			}
		case "component", zerolog.ErrorStackFieldName:
		default:
			line.Fields[k] = fmt.Sprint(v)
		}
	}
	return line, true
}

func levelAbbrev(l zerolog.Level) string {
	switch l {
	case zerolog.TraceLevel:
		return "trc"
	case zerolog.DebugLevel:
		return "dbg"
	case zerolog.InfoLevel:
		return "inf"
	case zerolog.WarnLevel:
		return "wrn"
	case zerolog.ErrorLevel:
		return "err"
	case zerolog.FatalLevel:
		return "ftl"
	case zerolog.PanicLevel:
		return "pnc"
	}
	return "???"
}

// SetGlobalLevel updates the global zerolog level at runtime.
func SetGlobalLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	zerolog.SetGlobalLevel(parseLevel(level))
}

// GetGlobalLevel returns the current global level string.
func GetGlobalLevel() string {
	return zerolog.GlobalLevel().String()
}
