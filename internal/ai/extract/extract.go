// Package extract splits an AI response into operator-facing narrative and
// the shell commands it proposes with RUN: markers.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	sentinelerrors "github.com/rcourtman/pulse-sentinel/internal/errors"
)

// Marker introduces a proposed command at the start of a line.
const Marker = "RUN:"

var (
	// Leading whitespace, block quote markers, an optional list bullet, an
	// inline code opener and optional emphasis may precede the marker;
	// emphasis may also close right after it.
	markerLineRe = regexp.MustCompile("^\\s*(?:>\\s*)*(?:[-*+•]\\s+|\\d+[.)]\\s+)?(`+)?(?:\\*\\*|__|\\*|_)?RUN:(\\*\\*|__|\\*|_)?(.*)$")

	htmlTagRe = regexp.MustCompile(`(?i)</?(?:code|b|i|pre|strong|em)>`)

	fenceRe = regexp.MustCompile("^\\s*```")
)

// Ignored is a marker line that could not be turned into a command.
type Ignored struct {
	Line int // 1-based line number in the response
	Text string
	Err  error
}

// Result is the outcome of Extract.
type Result struct {
	// Narrative is every non-marker line, in order.
	Narrative string
	// Commands are the proposed commands in marker order.
	Commands []string
	// Ignored lists marker lines treated as narrative.
	Ignored []Ignored
}

// Extract parses text. It never fails: malformed markers are kept as
// narrative and reported in Result.Ignored.
func Extract(text string) Result {
	var (
		res       Result
		narrative []string
	)

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, line := range lines {
		m := markerLineRe.FindStringSubmatch(line)
		if m == nil {
			narrative = append(narrative, line)
			continue
		}

		body := m[3]
		if ticks := m[1]; ticks != "" {
			// `RUN: cmd` quotes the marker together with the command.
			trimmed := strings.TrimRight(body, " \t")
			if !strings.HasSuffix(trimmed, ticks) {
				res.Ignored = append(res.Ignored, Ignored{Line: i + 1, Text: line,
					Err: fmt.Errorf("%w: unbalanced backticks around marker", sentinelerrors.ErrExtractionAmbiguity)})
				narrative = append(narrative, line)
				continue
			}
			body = strings.TrimSuffix(trimmed, ticks)
		}

		cmd, err := cleanCommand(body)
		switch {
		case err != nil:
			res.Ignored = append(res.Ignored, Ignored{Line: i + 1, Text: line, Err: err})
			narrative = append(narrative, line)
		case cmd == "":
			// Empty body: nothing to propose, nothing to show.
		default:
			res.Commands = append(res.Commands, cmd)
		}
	}

	res.Narrative = strings.TrimSpace(strings.Join(dropEmptyFences(narrative), "\n"))
	return res
}

// cleanCommand strips markup around a marker body.
func cleanCommand(body string) (string, error) {
	cmd := strings.TrimSpace(htmlTagRe.ReplaceAllString(body, ""))
	cmd = trimEmphasis(cmd)

	if strings.Contains(cmd, Marker) {
		return "", fmt.Errorf("%w: more than one marker on a line", sentinelerrors.ErrExtractionAmbiguity)
	}

	for _, fence := range []string{"```", "`"} {
		if len(cmd) < 2*len(fence) || !strings.HasPrefix(cmd, fence) || !strings.HasSuffix(cmd, fence) {
			continue
		}
		// Only a wrapper when nothing inside uses backticks itself
		if inner := cmd[len(fence) : len(cmd)-len(fence)]; !strings.Contains(inner, "`") {
			cmd = strings.TrimSpace(inner)
			break
		}
	}
	if strings.Count(cmd, "`")%2 != 0 {
		return "", fmt.Errorf("%w: unbalanced backticks in command", sentinelerrors.ErrExtractionAmbiguity)
	}

	return strings.TrimSpace(cmd), nil
}

// trimEmphasis removes markdown emphasis wrapping the whole body.
func trimEmphasis(s string) string {
	for _, e := range []string{"**", "__"} {
		if len(s) > 2*len(e) && strings.HasPrefix(s, e) && strings.HasSuffix(s, e) {
			return strings.TrimSpace(s[len(e) : len(s)-len(e)])
		}
	}
	// A dangling closer left over from "**RUN: cmd**"
	for _, e := range []string{"**", "__"} {
		if strings.HasSuffix(s, e) && !strings.Contains(s[:len(s)-len(e)], e) {
			return strings.TrimSpace(strings.TrimSuffix(s, e))
		}
	}
	return s
}

// dropEmptyFences removes code fences left empty after their marker lines
// were lifted out.
func dropEmptyFences(lines []string) []string {
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		if fenceRe.MatchString(lines[i]) {
			j := i + 1
			for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
				j++
			}
			if j < len(lines) && strings.TrimSpace(lines[j]) == "```" {
				i = j
				continue
			}
		}
		out = append(out, lines[i])
	}
	return out
}

// Format renders a command as a marker line.
func Format(command string) string {
	return Marker + " " + command
}

// Render joins narrative and marker lines into one response text.
func Render(narrative string, commands []string) string {
	var b strings.Builder
	b.WriteString(narrative)
	for _, c := range commands {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(Format(c))
	}
	return b.String()
}
