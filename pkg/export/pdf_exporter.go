package export

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/jung-kurt/gofpdf"
)

const (
	pdfPageWidthLandscape = 277.0
	pdfMinColumnWidth     = 20.0
)

// PDFExporter renders datasets into a landscape A4 table.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Extension implements Renderer.
func (e *PDFExporter) Extension() string { return "pdf" }

// Render creates a PDF document with the dataset title above the table.
func (e *PDFExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("pdf requires at least one header")
	}
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	if data.Title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, tr(data.Title), "", 1, "C", false, 0, "")
		pdf.Ln(5)
	}

	widths := columnWidths(data)
	pdf.SetFont("Arial", "B", 10)
	for i, header := range data.Headers {
		pdf.CellFormat(widths[i], 8, tr(header), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range data.Rows {
		for i := range data.Headers {
			value := ""
			if i < len(row) {
				value = row[i]
			}
			pdf.CellFormat(widths[i], 7, tr(value), "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// columnWidths shares the page width in proportion to the longest cell of
// each column, with a floor so short columns stay readable.
func columnWidths(data Dataset) []float64 {
	longest := make([]int, len(data.Headers))
	for i, h := range data.Headers {
		longest[i] = utf8.RuneCountInString(h)
	}
	for _, row := range data.Rows {
		for i := 0; i < len(row) && i < len(longest); i++ {
			if n := utf8.RuneCountInString(row[i]); n > longest[i] {
				longest[i] = n
			}
		}
	}
	total := 0
	for _, n := range longest {
		total += n
	}
	widths := make([]float64, len(longest))
	if total == 0 {
		for i := range widths {
			widths[i] = pdfPageWidthLandscape / float64(len(widths))
		}
		return widths
	}
	sum := 0.0
	for i, n := range longest {
		w := pdfPageWidthLandscape * float64(n) / float64(total)
		if w < pdfMinColumnWidth {
			w = pdfMinColumnWidth
		}
		widths[i] = w
		sum += w
	}
	scale := pdfPageWidthLandscape / sum
	for i := range widths {
		widths[i] *= scale
	}
	return widths
}
