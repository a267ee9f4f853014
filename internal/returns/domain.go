// Package returns reconciles partial and defective returns against the stock ledger.
package returns

import (
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
)

// ItemSummary is the returned and remaining quantity of one sale item.
type ItemSummary struct {
	SaleItemID   int64
	ProductID    int64
	ProductName  string
	SKU          string
	Pool         inventory.StockPool
	Sold         int
	Returned     int
	Remaining    int
	CurrentStock int
}

// Summary is recomputed from the ledger on every read.
type Summary struct {
	SaleID        int64
	ReceiptNumber string
	Status        sales.PaymentStatus
	Items         []ItemSummary
}

// FullyReturned reports whether nothing remains to be returned.
func (s Summary) FullyReturned() bool {
	for _, it := range s.Items {
		if it.Remaining > 0 {
			return false
		}
	}
	return len(s.Items) > 0
}

// Item finds the summary row of a sale item.
func (s Summary) Item(saleItemID int64) (ItemSummary, bool) {
	for _, it := range s.Items {
		if it.SaleItemID == saleItemID {
			return it, true
		}
	}
	return ItemSummary{}, false
}

// ReturnLine is one requested return in a batch.
type ReturnLine struct {
	SaleItemID int64
	ProductID  int64
	Pool       inventory.StockPool
	Quantity   int
	ReturnType inventory.ReturnType
	Reason     string
}

// CommittedLine is a return line whose ledger entries were written.
type CommittedLine struct {
	Line        ReturnLine
	MovementIDs []int64
	StockAfter  int
}

// BatchResult is the outcome of ReturnItemsBatch.
type BatchResult struct {
	BatchID      string
	Committed    []CommittedLine
	Summary      Summary
	SaleRefunded bool
}

// ReturnedProduct is a human facing projection of a return movement.
type ReturnedProduct struct {
	MovementID  int64
	SaleItemID  int64
	ProductID   int64
	ProductName string
	SKU         string
	Pool        inventory.StockPool
	Quantity    int
	ReturnType  inventory.ReturnType
	// Inferred is set when ReturnType was derived from the reason text.
	Inferred    bool
	Reason      string
	PerformedBy int64
	BatchID     string
	CreatedAt   time.Time
}
