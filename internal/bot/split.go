package bot

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rcourtman/pulse-sentinel/internal/ai/approval"
	"github.com/rcourtman/pulse-sentinel/internal/ai/investigation"
)

// MaxMessageLength is the largest chat message sent in one piece.
const MaxMessageLength = 4000

// SplitMessage breaks text into chunks of at most limit bytes, preferring
// line boundaries. A single line longer than limit is cut at rune
// boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if cur.Len()+len(line) <= limit {
			cur.WriteString(line)
			continue
		}
		flush()
		for len(line) > limit {
			cut := limit
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

// chunkedTransport splits long texts before handing them to the
// underlying transport.
type chunkedTransport struct {
	next  investigation.Transport
	limit int
}

// Chunked wraps t so that no single SendText exceeds limit bytes.
func Chunked(t investigation.Transport, limit int) investigation.Transport {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	return &chunkedTransport{next: t, limit: limit}
}

func (c *chunkedTransport) SendText(ctx context.Context, chatID, text string) error {
	for _, chunk := range SplitMessage(text, c.limit) {
		if err := c.next.SendText(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *chunkedTransport) PresentApproval(ctx context.Context, chatID string, pc approval.ProposedCommand) error {
	return c.next.PresentApproval(ctx, chatID, pc)
}
