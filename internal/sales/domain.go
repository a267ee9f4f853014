package sales

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

// PaymentMethod is how the customer paid.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "cash"
	PaymentMethodCard  PaymentMethod = "card"
	PaymentMethodMixed PaymentMethod = "mixed"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCash || m == PaymentMethodCard || m == PaymentMethodMixed
}

// PaymentStatus is the lifecycle state of a sale.
//
//	pending ──confirm──▶ completed ──refund / all returned──▶ refunded
//	   └──────cancel───▶ cancelled
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// Store is the read-only store configuration needed to price a sale.
type Store struct {
	ID       int64
	Name     string
	TaxRate  decimal.Decimal // percentage, 16 means 16%
	Currency string
}

// Sale is the header of a recorded sale. Only PaymentStatus changes after insert.
type Sale struct {
	ID            int64
	StoreID       int64
	UserID        int64
	Subtotal      decimal.Decimal
	Tax           decimal.Decimal
	Discount      decimal.Decimal
	Total         decimal.Decimal
	PaymentMethod PaymentMethod
	PaymentStatus PaymentStatus
	ReceiptNumber string
	Notes         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SaleItem is an immutable sale line with a snapshot of the product.
type SaleItem struct {
	ID          int64
	SaleID      int64
	ProductID   int64
	ProductName string
	SKU         string
	Barcode     string
	Quantity    int
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
	Discount    decimal.Decimal
	Total       decimal.Decimal
	Pool        inventory.StockPool
}

// SaleLine is one cart line of a sale request.
type SaleLine struct {
	ProductID int64
	Quantity  int
	// UnitPrice overrides the catalogue price when set.
	UnitPrice *decimal.Decimal
	Discount  decimal.Decimal
	// Pool defaults to venta.
	Pool inventory.StockPool
}

// ProcessSaleRequest is the input of ProcessSale.
type ProcessSaleRequest struct {
	StoreID        int64
	Lines          []SaleLine
	PaymentMethod  PaymentMethod
	Discount       decimal.Decimal
	Notes          string
	IdempotencyKey string
}

// StockOutcomeStatus is the result of one per-item stock step.
type StockOutcomeStatus string

const (
	StockOutcomeApplied StockOutcomeStatus = "applied"
	StockOutcomeFailed  StockOutcomeStatus = "failed"
	StockOutcomeSkipped StockOutcomeStatus = "skipped"
)

// StockOutcome records what happened to one sale item during deduction or restoration.
type StockOutcome struct {
	SaleItemID int64
	ProductID  int64
	Pool       inventory.StockPool
	Quantity   int
	Status     StockOutcomeStatus
	MovementID int64
	StockAfter int
	Err        error
}

// StockReport collects the per-item outcomes of a multi-item stock flow.
type StockReport struct {
	Outcomes []StockOutcome
}

// Failed returns outcomes that did not apply.
func (r StockReport) Failed() []StockOutcome {
	var out []StockOutcome
	for _, o := range r.Outcomes {
		if o.Status == StockOutcomeFailed {
			out = append(out, o)
		}
	}
	return out
}

// SaleResult is returned by the lifecycle operations.
type SaleResult struct {
	Sale  Sale
	Items []SaleItem
	Stock StockReport
}

// SaleFilter narrows sale listings.
type SaleFilter struct {
	StoreID int64
	Status  PaymentStatus
	From    time.Time
	To      time.Time
	Limit   int
}
