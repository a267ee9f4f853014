package sales

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

const moneyPlaces = 2

var hundred = decimal.NewFromInt(100)

func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// LineTotals holds the computed amounts of a sale line.
type LineTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// CalculateLine prices qty units at unitPrice less discount, rounding each step.
func CalculateLine(unitPrice decimal.Decimal, qty int, discount decimal.Decimal) (LineTotals, error) {
	if qty <= 0 {
		return LineTotals{}, shared.Validationf("quantity must be positive")
	}
	if unitPrice.IsNegative() {
		return LineTotals{}, shared.Validationf("unit price must not be negative")
	}
	if discount.IsNegative() {
		return LineTotals{}, shared.Validationf("line discount must not be negative")
	}
	subtotal := roundMoney(unitPrice.Mul(decimal.NewFromInt(int64(qty))))
	discount = roundMoney(discount)
	if discount.GreaterThan(subtotal) {
		return LineTotals{}, shared.Validationf("line discount %s exceeds subtotal %s", discount.StringFixed(moneyPlaces), subtotal.StringFixed(moneyPlaces))
	}
	return LineTotals{
		Subtotal: subtotal,
		Discount: discount,
		Total:    roundMoney(subtotal.Sub(discount)),
	}, nil
}

// SaleTotals holds the computed header amounts.
type SaleTotals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
}

// CalculateSale sums line totals, applies the percentage tax rate and the sale discount.
func CalculateSale(lines []LineTotals, taxRate, discount decimal.Decimal) (SaleTotals, error) {
	if taxRate.IsNegative() {
		return SaleTotals{}, shared.Validationf("tax rate must not be negative")
	}
	if discount.IsNegative() {
		return SaleTotals{}, shared.Validationf("discount must not be negative")
	}
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.Total)
	}
	subtotal = roundMoney(subtotal)
	tax := roundMoney(subtotal.Mul(taxRate).Div(hundred))
	discount = roundMoney(discount)
	gross := roundMoney(subtotal.Add(tax))
	if discount.GreaterThan(gross) {
		return SaleTotals{}, shared.Validationf("discount %s exceeds total %s", discount.StringFixed(moneyPlaces), gross.StringFixed(moneyPlaces))
	}
	return SaleTotals{
		Subtotal: subtotal,
		Tax:      tax,
		Discount: discount,
		Total:    roundMoney(gross.Sub(discount)),
	}, nil
}

const receiptPrefix = "REC"

// FormatReceiptNumber renders REC-<year>-<seq> with a six digit sequence.
func FormatReceiptNumber(year, seq int) string {
	return fmt.Sprintf("%s-%d-%06d", receiptPrefix, year, seq)
}

// ParseReceiptNumber splits a receipt number into year and sequence.
func ParseReceiptNumber(receipt string) (year, seq int, err error) {
	parts := strings.Split(receipt, "-")
	if len(parts) != 3 || parts[0] != receiptPrefix {
		return 0, 0, shared.Validationf("malformed receipt number %q", receipt)
	}
	if year, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, shared.Validationf("malformed receipt year %q", receipt)
	}
	if seq, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, shared.Validationf("malformed receipt sequence %q", receipt)
	}
	return year, seq, nil
}
