// Package render lays out a clinical report as a single-page PDF in memory.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"
)

// Letter page geometry in points, origin top-left.
const (
	pageWidth    = 612.0
	pageHeight   = 792.0
	marginX      = 50.0
	marginBottom = 50.0

	titleY     = 50.0
	nameY      = 100.0
	idY        = 120.0
	ruleY      = 130.0
	headingY   = 160.0
	bodyTopY   = 180.0
	bodySize   = 10.0
	bodyLeader = 12.0
)

const (
	DefaultTitle = "Laudo de Exame - Zavtech"
	headingText  = "Observações Médicas"
)

// ErrEmptyReport is returned when there is nothing to put in the body.
var ErrEmptyReport = errors.New("report text is empty")

// Input is what goes on the page.
type Input struct {
	ReportText  string
	PatientName string
	PatientID   string
}

// Document is a rendered PDF.
type Document struct {
	Bytes     []byte
	Lines     int  // body lines drawn
	Truncated bool // body ran past the bottom margin and was cut
	Replaced  int  // characters the core fonts cannot encode, drawn as '.'
}

// Renderer produces report PDFs. The zero value uses DefaultTitle.
type Renderer struct {
	Title string
}

// New returns a Renderer with the default title.
func New() *Renderer {
	return &Renderer{Title: DefaultTitle}
}

// Render draws the report onto exactly one page.
func (r *Renderer) Render(in Input) (*Document, error) {
	if in.ReportText == "" {
		return nil, ErrEmptyReport
	}
	title := r.Title
	if title == "" {
		title = DefaultTitle
	}

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetMargins(marginX, titleY, marginX)
	pdf.SetTitle(title, true)
	pdf.SetCreator("pacs-report-bridge", true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	t := tr(title)
	pdf.Text((pageWidth-pdf.GetStringWidth(t))/2, titleY, t)

	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(marginX, nameY, tr("Paciente: "+in.PatientName))
	pdf.Text(marginX, idY, tr("ID do Paciente: "+in.PatientID))
	pdf.SetLineWidth(1)
	pdf.Line(marginX, ruleY, pageWidth-marginX, ruleY)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.Text(marginX, headingY, tr(headingText))

	pdf.SetFont("Helvetica", "", bodySize)
	lines := wrap(pdf, tr(normalizeNewlines(in.ReportText)), pageWidth-2*marginX)

	doc := &Document{}
	y := bodyTopY + bodySize
	for _, line := range lines {
		if y > pageHeight-marginBottom {
			doc.Truncated = true
			break
		}
		pdf.Text(marginX, y, line)
		doc.Lines++
		y += bodyLeader
	}

	if pdf.PageCount() != 1 {
		return nil, fmt.Errorf("expected a single page, layout produced %d", pdf.PageCount())
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render report pdf: %w", err)
	}
	doc.Bytes = buf.Bytes()
	doc.Replaced = countUnencodable(tr, title, in.PatientName, in.PatientID, in.ReportText)
	return doc, nil
}

// wrap splits text on hard line breaks, then on width. Blank lines are kept.
func wrap(pdf *fpdf.Fpdf, text string, width float64) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		if strings.TrimSpace(para) == "" {
			out = append(out, "")
			continue
		}
		for _, l := range pdf.SplitLines([]byte(para), width) {
			out = append(out, string(l))
		}
	}
	return out
}

// countUnencodable counts runes outside cp1252. The translator maps each of
// them to '.'.
func countUnencodable(tr func(string) string, parts ...string) int {
	n := 0
	for _, s := range parts {
		for _, r := range s {
			if r >= 0x80 && tr(string(r)) == "." {
				n++
			}
		}
	}
	return n
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
