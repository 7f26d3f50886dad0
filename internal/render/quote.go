// Package render turns quotes into documents.
package render

import (
	"bytes"
	"fmt"
	"time"

	"github.com/phpdave11/gofpdf"

	"booking/internal/domain"
)

// QuotePDF renders a single-page A4 quote.
type QuotePDF struct {
	// Title is printed in the header; defaults to "QUOTE".
	Title string
	Now   func() time.Time
}

func (p QuotePDF) RenderQuote(q domain.Quote, r domain.BookingRequest) ([]byte, error) {
	title := p.Title
	if title == "" {
		title = "QUOTE"
	}
	now := time.Now().UTC()
	if p.Now != nil {
		now = p.Now().UTC()
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Quote #%d", q.ID), false)
	pdf.SetCreationDate(now)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)

	pdf.SetFont("Helvetica", "", 11)
	for _, line := range []string{
		fmt.Sprintf("Quote No        : %d", q.ID),
		fmt.Sprintf("Booking request : %d", r.ID),
		fmt.Sprintf("Issued          : %s", q.CreatedAt.UTC().Format("2006-01-02 15:04")),
		fmt.Sprintf("Valid until     : %s", validUntil(q.ExpiresAt)),
		fmt.Sprintf("Status          : %s", q.Status),
	} {
		pdf.Cell(0, 6, line)
		pdf.Ln(6)
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(140, 7, "Item", "B", 0, "L", false, 0, "")
	pdf.CellFormat(40, 7, "Amount", "B", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	row := func(label string, amount domain.Money) {
		pdf.CellFormat(140, 7, label, "", 0, "L", false, 0, "")
		pdf.CellFormat(40, 7, Money(amount), "", 1, "R", false, 0, "")
	}
	for _, it := range q.Items {
		row(it.Description, it.Price)
	}
	if q.SoundFee > 0 {
		row("Sound", q.SoundFee)
	}
	if q.TravelFee > 0 {
		row("Travel", q.TravelFee)
	}
	pdf.Ln(2)
	row("Subtotal", q.Subtotal)
	if q.Discount > 0 {
		row("Discount", -q.Discount)
	}

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(140, 8, "Total", "T", 0, "L", false, 0, "")
	pdf.CellFormat(40, 8, Money(q.Total), "T", 1, "R", false, 0, "")

	if r.Travel.VenueAddr != "" {
		pdf.Ln(6)
		pdf.SetFont("Helvetica", "I", 10)
		pdf.MultiCell(0, 5, "Venue: "+r.Travel.VenueAddr, "", "", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render quote %d: %w", q.ID, err)
	}
	return buf.Bytes(), nil
}

func validUntil(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// Money formats minor units with two decimals.
func Money(m domain.Money) string {
	sign := ""
	if m < 0 {
		sign, m = "-", -m
	}
	return fmt.Sprintf("%s%d.%02d", sign, m/100, m%100)
}
