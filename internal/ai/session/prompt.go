package session

import (
	"fmt"
	"strings"
)

const basePrompt = `You are an operations assistant helping an engineer inspect and fix Linux servers through a chat.

To run a shell command on the server, put it alone on a line that starts with RUN: followed by the exact command, for example:
RUN: df -h

Rules:
- Propose one command at a time and wait for its output before drawing conclusions.
- The operator approves every command. Say what a command changes before proposing it.
- Prefer read-only diagnostics. Never propose commands that wipe disks or filesystems.
- When you have enough information, give the answer without any RUN: line.`

// SystemPrompt returns the system turn for a session on server. An empty
// server means no host is selected and commands cannot run.
func SystemPrompt(server string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	if server == "" {
		b.WriteString("No server is selected for this chat. Answer from general knowledge and do not propose RUN: commands.")
	} else {
		fmt.Fprintf(&b, "Target server: %s. Every RUN: command executes there over SSH.", server)
	}
	return b.String()
}
