package reporting

import (
	"bytes"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() *Transcript {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Transcript{
		SessionID:   "b7c1d7e2",
		ChatID:      "C1",
		Server:      "prod",
		StartedAt:   start,
		EndedAt:     start.Add(90 * time.Second),
		GeneratedAt: start.Add(time.Hour),
		Entries: []Entry{
			{At: start, Role: "operator", Text: "Investigate server prod. Goal: disk full"},
			{At: start.Add(10 * time.Second), Role: "assistant", Text: "Checking usage.\nRUN: df -h"},
			{At: start.Add(30 * time.Second), Role: "tool", Text: "Command Output (exit 0):\n/dev/sda1 40G 39G 1G 98% /"},
			{At: start.Add(90 * time.Second), Role: "assistant", Text: "Root is at 98%, café logs are the culprit."},
		},
		Commands: []CommandRecord{
			{At: start.Add(20 * time.Second), Event: "command_decision", User: "U1", Command: "df -h", Success: true},
			{At: start.Add(30 * time.Second), Event: "command_executed", User: "U1", Command: "df -h", Success: true, Details: "exit=0"},
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" PDF ")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	_, err = ParseFormat("docx")
	assert.ErrorContains(t, err, "unsupported")
}

func TestGeneratePDF(t *testing.T) {
	data, contentType, err := Generate(sampleTranscript(), FormatPDF)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", contentType)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	assert.Greater(t, len(data), 1000)
}

func TestGenerateCSV(t *testing.T) {
	data, contentType, err := Generate(sampleTranscript(), FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", contentType)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	require.NoError(t, err)

	var turns, commands int
	section := ""
	for _, row := range rows {
		if strings.HasPrefix(row[0], "# ") && len(row) == 1 {
			section = row[0]
			continue
		}
		switch {
		case section == "# TURNS" && row[0] != "Timestamp" && row[0] != "":
			turns++
		case section == "# COMMANDS" && row[0] != "Timestamp":
			commands++
		}
	}
	assert.Equal(t, 4, turns)
	assert.Equal(t, 2, commands)
	assert.Contains(t, string(data), "\"Checking usage.\nRUN: df -h\"")
}

func TestGenerateRejectsNil(t *testing.T) {
	_, _, err := Generate(nil, FormatPDF)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	tr := sampleTranscript()
	assert.Equal(t, 90*time.Second, tr.Duration())
	assert.Zero(t, (&Transcript{}).Duration())
}
