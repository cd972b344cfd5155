// Package report renders the current entitlement state as a PDF.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/rcourtman/entitled/internal/entitlement"
	"github.com/rcourtman/entitled/internal/journal"
)

var (
	colorPrimary     = [3]int{30, 58, 95}    // Dark navy
	colorAccent      = [3]int{46, 204, 113}  // Green
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorBackground  = [3]int{248, 249, 250} // Light gray bg
	colorTableHeader = [3]int{30, 58, 95}    // Navy header
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Box borders
)

// Data is everything the report renders.
type Data struct {
	Snapshot    entitlement.Snapshot
	Description string
	Entries     []journal.Entry
	GeneratedAt time.Time
}

// Generator handles PDF report generation.
type Generator struct{}

// NewGenerator creates a new PDF generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate creates a PDF report from the provided data.
func (g *Generator) Generate(data Data) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)
	pdf.AddPage()

	g.writeHeader(pdf, data)
	g.writeStatusSection(pdf, data)
	g.writeProductsSection(pdf, data)
	g.writeHistorySection(pdf, data)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *Generator) writeHeader(pdf *fpdf.Fpdf, data Data) {
	pageWidth, _ := pdf.GetPageSize()

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(18)
	pdf.SetFont("Arial", "B", 22)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 10, "Entitlement Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated: %s", data.GeneratedAt.Format("January 2, 2006 at 15:04 MST")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("State as of: %s", data.Snapshot.UpdatedAt.Format("January 2, 2006 at 15:04 MST")), "", 1, "L", false, 0, "")
	pdf.Ln(4)
}

func (g *Generator) writeStatusSection(pdf *fpdf.Fpdf, data Data) {
	pageWidth, _ := pdf.GetPageSize()
	boxWidth := pageWidth - 40

	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	top := pdf.GetY()
	pdf.RoundedRect(20, top, boxWidth, 30, 3, "1234", "FD")

	pdf.SetY(top + 5)
	pdf.SetX(26)
	pdf.SetFont("Arial", "B", 10)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 6, "SUBSCRIPTION STATUS", "", 1, "L", false, 0, "")

	state := string(data.Snapshot.GroupState)
	if state == "" {
		state = "unknown"
	}
	pdf.SetX(26)
	pdf.SetFont("Arial", "B", 13)
	if data.Snapshot.GroupState == "subscribed" {
		pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
	} else if data.Snapshot.GroupState == "revoked" || data.Snapshot.GroupState == "expired" {
		pdf.SetTextColor(colorDanger[0], colorDanger[1], colorDanger[2])
	} else {
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	}
	pdf.CellFormat(0, 8, state, "", 1, "L", false, 0, "")

	pdf.SetX(26)
	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	description := data.Description
	if description == "" {
		description = "No active subscription."
	}
	pdf.MultiCell(boxWidth-12, 5, description, "", "L", false)

	pdf.SetY(top + 34)
	pdf.Ln(4)
}

func (g *Generator) writeProductsSection(pdf *fpdf.Fpdf, data Data) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Tracked Products", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(data.Snapshot.Subscriptions) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 6, "No products are currently tracked.", "", 1, "L", false, 0, "")
		pdf.Ln(8)
		return
	}

	owned := make(map[string]bool, len(data.Snapshot.PurchasedIDs))
	for _, id := range data.Snapshot.PurchasedIDs {
		owned[id] = true
	}

	colWidths := []float64{55, 55, 30, 30}
	headers := []string{"Product", "Name", "Price", "Owned"}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 8)
	for i, header := range headers {
		pdf.CellFormat(colWidths[i], 7, header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, p := range data.Snapshot.Subscriptions {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}

		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(colWidths[0], 6, truncate(p.ID, 38), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(colWidths[1], 6, truncate(p.DisplayName, 38), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(colWidths[2], 6, p.DisplayPrice(), "1", 0, "R", fill, 0, "")

		if owned[p.ID] {
			pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
			pdf.CellFormat(colWidths[3], 6, "yes", "1", 0, "C", fill, 0, "")
		} else {
			pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
			pdf.CellFormat(colWidths[3], 6, "no", "1", 0, "C", fill, 0, "")
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

		pdf.Ln(-1)
		fill = !fill
	}
	pdf.Ln(8)
}

func (g *Generator) writeHistorySection(pdf *fpdf.Fpdf, data Data) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Recent Transactions", "", 1, "L", false, 0, "")
	pdf.Ln(2)

	if len(data.Entries) == 0 {
		pdf.SetFont("Arial", "I", 10)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 6, "No transactions recorded.", "", 1, "L", false, 0, "")
		return
	}

	colWidths := []float64{35, 45, 50, 40}
	headers := []string{"When", "Transaction", "Product", "Outcome"}

	pdf.SetFillColor(colorTableHeader[0], colorTableHeader[1], colorTableHeader[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 8)
	for i, header := range headers {
		pdf.CellFormat(colWidths[i], 7, header, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	fill := false
	for _, e := range data.Entries {
		if fill {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}

		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(colWidths[0], 6, e.RecordedAt.Format("Jan 02 15:04"), "1", 0, "C", fill, 0, "")
		pdf.CellFormat(colWidths[1], 6, truncate(e.TransactionID, 30), "1", 0, "L", fill, 0, "")
		pdf.CellFormat(colWidths[2], 6, truncate(e.ProductID, 34), "1", 0, "L", fill, 0, "")

		outcome := string(e.Outcome)
		if e.Revoked {
			outcome += " (revoked)"
		}
		if e.Outcome == journal.OutcomeVerificationFailed || e.Revoked {
			pdf.SetTextColor(colorDanger[0], colorDanger[1], colorDanger[2])
		} else {
			pdf.SetTextColor(colorAccent[0], colorAccent[1], colorAccent[2])
		}
		pdf.CellFormat(colWidths[3], 6, outcome, "1", 0, "C", fill, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])

		pdf.Ln(-1)
		fill = !fill
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
