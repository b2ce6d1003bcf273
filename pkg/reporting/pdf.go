package reporting

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Color scheme
var (
	colorPrimary    = [3]int{30, 58, 95}    // Dark navy
	colorAccent     = [3]int{46, 204, 113}  // Green
	colorDanger     = [3]int{231, 76, 60}   // Red
	colorTextDark   = [3]int{44, 62, 80}    // Dark text
	colorTextMuted  = [3]int{127, 140, 141} // Muted text
	colorBackground = [3]int{248, 249, 250} // Light gray bg
	colorGridLine   = [3]int{220, 220, 220}
)

var roleColors = map[string][3]int{
	"operator":  {52, 152, 219},
	"assistant": {30, 58, 95},
	"tool":      {127, 140, 141},
}

// maxEntryChars caps a single turn in the PDF; the CSV keeps everything.
const maxEntryChars = 6000

// PDFGenerator handles PDF report generation.
type PDFGenerator struct{}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate creates a transcript PDF.
func (g *PDFGenerator) Generate(t *Transcript) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	g.writeTitle(pdf, t, tr)
	g.writeTurns(pdf, t, tr)
	if len(t.Commands) > 0 {
		if pdf.GetY() > 200 {
			pdf.AddPage()
		}
		g.writeCommands(pdf, t, tr)
	}
	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeTitle(pdf *fpdf.Fpdf, t *Transcript, tr func(string) string) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 6, "F")

	pdf.SetY(15)
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, "Session Transcript", "", 1, "L", false, 0, "")

	rows := [][2]string{
		{"Session", t.SessionID},
		{"Chat", t.ChatID},
		{"Server", orDash(t.Server)},
		{"Started", formatTime(t.StartedAt)},
		{"Duration", t.Duration().Round(time.Second).String()},
		{"Turns", fmt.Sprintf("%d", len(t.Entries))},
		{"Generated", formatTime(t.GeneratedAt)},
	}

	y := pdf.GetY() + 2
	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.RoundedRect(20, y, pageWidth-40, float64(len(rows))*6+6, 2, "1234", "FD")
	pdf.SetY(y + 3)
	for _, row := range rows {
		pdf.SetX(25)
		pdf.SetFont("Arial", "B", 9)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(30, 6, row[0], "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(8)
}

func (g *PDFGenerator) writeTurns(pdf *fpdf.Fpdf, t *Transcript, tr func(string) string) {
	for _, e := range t.Entries {
		color, ok := roleColors[e.Role]
		if !ok {
			color = colorTextMuted
		}

		pdf.SetFont("Arial", "B", 9)
		pdf.SetTextColor(color[0], color[1], color[2])
		pdf.CellFormat(40, 5, strings.ToUpper(e.Role), "", 0, "L", false, 0, "")
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, formatTime(e.At), "", 1, "R", false, 0, "")

		text := e.Text
		if len(text) > maxEntryChars {
			text = text[:maxEntryChars] + "\n[truncated]"
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		if e.Role == "tool" {
			pdf.SetFont("Courier", "", 8)
			pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
			pdf.MultiCell(0, 4, tr(text), "", "L", true)
		} else {
			pdf.SetFont("Arial", "", 10)
			pdf.MultiCell(0, 5, tr(text), "", "L", false)
		}
		pdf.Ln(3)
	}
}

func (g *PDFGenerator) writeCommands(pdf *fpdf.Fpdf, t *Transcript, tr func(string) string) {
	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Command Audit", "", 1, "L", false, 0, "")

	widths := []float64{22, 32, 25, 76, 15}
	headers := []string{"Time", "Event", "User", "Command", "OK"}
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, c := range t.Commands {
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(widths[0], 6, c.At.Format("15:04:05"), "B", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, c.Event, "B", 0, "L", false, 0, "")
		pdf.CellFormat(widths[2], 6, tr(clip(c.User, 14)), "B", 0, "L", false, 0, "")
		pdf.CellFormat(widths[3], 6, tr(clip(c.Command, 48)), "B", 0, "L", false, 0, "")
		ok, color := "no", colorDanger
		if c.Success {
			ok, color = "yes", colorAccent
		}
		pdf.SetTextColor(color[0], color[1], color[2])
		pdf.CellFormat(widths[4], 6, ok, "B", 1, "L", false, 0, "")
	}
}

func (g *PDFGenerator) addPageNumbers(pdf *fpdf.Fpdf) {
	// Disable auto page break while adding footers to prevent creating new pages
	pdf.SetAutoPageBreak(false, 0)

	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		pageWidth, pageHeight := pdf.GetPageSize()

		pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
		pdf.SetLineWidth(0.3)
		pdf.Line(20, pageHeight-20, pageWidth-20, pageHeight-20)

		pdf.SetY(pageHeight - 15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 5, fmt.Sprintf("Page %d of %d", i, total), "", 0, "C", false, 0, "")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
