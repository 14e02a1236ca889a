// Package receipt prints a placed order as a one-page PDF.
package receipt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"
	"github.com/skip2/go-qrcode"

	"storefront/models"
)

var ErrNoOrder = errors.New("receipt: order has no id")

// Payload is the QR content: id|total|created-at.
func Payload(o models.Order) string {
	return fmt.Sprintf("%s|%s|%s", o.ID, o.Total.StringFixed(2), o.CreatedAt.UTC().Format(time.RFC3339))
}

// Filename suggests a download name for o's receipt.
func Filename(o models.Order) string {
	return "receipt-" + o.ID + ".pdf"
}

// Render writes the receipt for o to w.
func Render(w io.Writer, o models.Order) error {
	if o.ID == "" {
		return ErrNoOrder
	}

	qrPNG, err := qrcode.Encode(Payload(o), qrcode.Medium, 256)
	if err != nil {
		return fmt.Errorf("receipt: qr code: %w", err)
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, "Order Receipt", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(120, 6, fmt.Sprintf(
		"Order: %s\nPlaced: %s\nStatus: %s\nPayment: %s",
		o.ID,
		o.CreatedAt.Format("02 Jan 2006 15:04"),
		o.Status,
		paymentLabel(o.PaymentMethod),
	), "", "L", false)

	imgOpts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", imgOpts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", 150, 20, 40, 40, false, imgOpts, 0, "")
	pdf.SetY(65)

	// items
	pdf.SetFont("Arial", "B", 11)
	pdf.SetFillColor(240, 240, 240)
	pdf.CellFormat(90, 8, "Item", "B", 0, "L", true, 0, "")
	pdf.CellFormat(25, 8, "Qty", "B", 0, "R", true, 0, "")
	pdf.CellFormat(27, 8, "Price", "B", 0, "R", true, 0, "")
	pdf.CellFormat(28, 8, "Total", "B", 1, "R", true, 0, "")
	pdf.SetFont("Arial", "", 11)
	for _, it := range o.Items {
		pdf.CellFormat(90, 7, it.Name, "", 0, "L", false, 0, "")
		pdf.CellFormat(25, 7, fmt.Sprint(it.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(27, 7, it.Price.StringFixed(2), "", 0, "R", false, 0, "")
		pdf.CellFormat(28, 7, it.LineTotal().StringFixed(2), "", 1, "R", false, 0, "")
	}

	pdf.Ln(3)
	totals := [][2]string{
		{"Subtotal", o.Subtotal.StringFixed(2)},
	}
	if !o.Discount.IsZero() {
		label := "Discount"
		if o.CouponCode != "" {
			label += " (" + o.CouponCode + ")"
		}
		totals = append(totals, [2]string{label, "-" + o.Discount.StringFixed(2)})
	}
	totals = append(totals,
		[2]string{"Shipping", o.ShippingFee.StringFixed(2)},
		[2]string{"Total", o.Total.StringFixed(2)},
	)
	for i, row := range totals {
		if i == len(totals)-1 {
			pdf.SetFont("Arial", "B", 12)
		}
		pdf.CellFormat(142, 7, row[0], "", 0, "R", false, 0, "")
		pdf.CellFormat(28, 7, row[1], "", 1, "R", false, 0, "")
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Ship to", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(0, 6, addressBlock(o.ShippingAddress), "", "L", false)

	pdf.SetY(-30)
	pdf.SetFont("Arial", "I", 9)
	pdf.CellFormat(0, 10, "Scan the code to look up this order.", "T", 0, "C", false, 0, "")

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("receipt: pdf: %w", err)
	}
	return nil
}

func paymentLabel(m models.PaymentMethod) string {
	switch m {
	case models.PaymentCashOnDelivery:
		return "Cash on delivery"
	case models.PaymentMobileMoney:
		return "Mobile money"
	}
	return string(m)
}

func addressBlock(a models.ShippingAddress) string {
	var lines []string
	for _, l := range []string{
		a.FullName,
		a.Street,
		strings.Join(strings.Fields(a.City+" "+a.Region+" "+a.PostalCode), " "),
		a.Country,
		a.Phone,
	} {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}
