package reporting

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"
)

// CSVGenerator handles CSV report generation.
type CSVGenerator struct{}

// NewCSVGenerator creates a new CSV generator.
func NewCSVGenerator() *CSVGenerator {
	return &CSVGenerator{}
}

// Generate writes a header block, the turns and the audited commands.
func (g *CSVGenerator) Generate(t *Transcript) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := g.writeHeader(w, t); err != nil {
		return nil, fmt.Errorf("write CSV header section: %w", err)
	}
	if err := g.writeTurns(w, t); err != nil {
		return nil, fmt.Errorf("write CSV turns section: %w", err)
	}
	if err := g.writeCommands(w, t); err != nil {
		return nil, fmt.Errorf("write CSV commands section: %w", err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("CSV write error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *CSVGenerator) writeHeader(w *csv.Writer, t *Transcript) error {
	rows := [][]string{
		{"# Sentinel Session Transcript"},
		{"# Session:", t.SessionID},
		{"# Chat:", t.ChatID},
		{"# Server:", t.Server},
		{"# Period:", fmt.Sprintf("%s to %s", t.StartedAt.Format(time.RFC3339), t.EndedAt.Format(time.RFC3339))},
		{"# Generated:", t.GeneratedAt.Format(time.RFC3339)},
		{""},
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write header row %q: %w", row[0], err)
		}
	}
	return nil
}

func (g *CSVGenerator) writeTurns(w *csv.Writer, t *Transcript) error {
	if err := w.Write([]string{"# TURNS"}); err != nil {
		return err
	}
	if err := w.Write([]string{"Timestamp", "Role", "Text"}); err != nil {
		return err
	}
	for _, e := range t.Entries {
		if err := w.Write([]string{e.At.Format(time.RFC3339), e.Role, e.Text}); err != nil {
			return err
		}
	}
	return w.Write([]string{""})
}

func (g *CSVGenerator) writeCommands(w *csv.Writer, t *Transcript) error {
	if len(t.Commands) == 0 {
		return nil
	}
	if err := w.Write([]string{"# COMMANDS"}); err != nil {
		return err
	}
	if err := w.Write([]string{"Timestamp", "Event", "User", "Command", "Success", "Details"}); err != nil {
		return err
	}
	for _, c := range t.Commands {
		row := []string{c.At.Format(time.RFC3339), c.Event, c.User, c.Command, strconv.FormatBool(c.Success), c.Details}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
