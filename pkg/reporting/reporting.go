// Package reporting exports session transcripts as PDF or CSV.
package reporting

import (
	"fmt"
	"strings"
	"time"
)

// ReportFormat represents the output format of a report
type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

// ParseFormat accepts "pdf" or "csv" in any case.
func ParseFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatPDF:
		return f, nil
	}
	return "", fmt.Errorf("unsupported report format %q (use pdf or csv)", s)
}

// Entry is one conversation turn.
type Entry struct {
	At   time.Time
	Role string
	Text string
}

// CommandRecord is one audited command of the session.
type CommandRecord struct {
	At      time.Time
	Event   string
	User    string
	Command string
	Success bool
	Details string
}

// Transcript is the data of one session report.
type Transcript struct {
	SessionID   string
	ChatID      string
	Server      string
	StartedAt   time.Time
	EndedAt     time.Time
	GeneratedAt time.Time
	Entries     []Entry
	Commands    []CommandRecord
}

// Duration is the time between the first and the last turn.
func (t *Transcript) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.Before(t.StartedAt) {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}

// Generate renders t in format and returns the bytes and content type.
func Generate(t *Transcript, format ReportFormat) ([]byte, string, error) {
	if t == nil {
		return nil, "", fmt.Errorf("no transcript to render")
	}
	if t.GeneratedAt.IsZero() {
		t.GeneratedAt = time.Now()
	}
	switch format {
	case FormatPDF:
		data, err := NewPDFGenerator().Generate(t)
		return data, "application/pdf", err
	case FormatCSV:
		data, err := NewCSVGenerator().Generate(t)
		return data, "text/csv", err
	}
	return nil, "", fmt.Errorf("unsupported report format %q", format)
}
