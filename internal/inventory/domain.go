package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// StockPool names one of the two independent counters kept per product.
type StockPool string

const (
	// StockPoolVenta is the sales-floor pool.
	StockPoolVenta StockPool = "venta"
	// StockPoolDeposito is the warehouse pool.
	StockPoolDeposito StockPool = "deposito"
)

// Valid reports whether p is a known pool.
func (p StockPool) Valid() bool {
	return p == StockPoolVenta || p == StockPoolDeposito
}

// MovementType enumerates ledger entry kinds.
type MovementType string

const (
	MovementTypeSale       MovementType = "sale"
	MovementTypeReturn     MovementType = "return"
	MovementTypeRestock    MovementType = "restock"
	MovementTypeAdjustment MovementType = "adjustment"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeSale, MovementTypeReturn, MovementTypeRestock, MovementTypeAdjustment:
		return true
	}
	return false
}

// ReturnType classifies return movements. It is empty for every other movement type.
type ReturnType string

const (
	ReturnTypeCustomerMistake ReturnType = "customer_mistake"
	ReturnTypeDefective       ReturnType = "defective"
)

// Valid reports whether t is a known return classification.
func (t ReturnType) Valid() bool {
	return t == ReturnTypeCustomerMistake || t == ReturnTypeDefective
}

// Product is the stock-bearing catalogue row of a store.
type Product struct {
	ID               int64
	StoreID          int64
	Name             string
	SKU              string
	Barcode          string
	Price            decimal.Decimal
	Cost             decimal.Decimal
	StockVenta       int
	StockDeposito    int
	MinStockVenta    int
	MinStockDeposito int
	IsActive         bool
	UpdatedAt        time.Time
}

// Stock returns the quantity held in pool.
func (p Product) Stock(pool StockPool) int {
	if pool == StockPoolDeposito {
		return p.StockDeposito
	}
	return p.StockVenta
}

// MinStock returns the low-stock threshold configured for pool.
func (p Product) MinStock(pool StockPool) int {
	if pool == StockPoolDeposito {
		return p.MinStockDeposito
	}
	return p.MinStockVenta
}

// WithStock returns a copy of p with pool set to qty.
func (p Product) WithStock(pool StockPool, qty int) Product {
	if pool == StockPoolDeposito {
		p.StockDeposito = qty
	} else {
		p.StockVenta = qty
	}
	return p
}

// StockMovement is an append-only ledger entry. QuantityAfter always equals
// QuantityBefore plus QuantityChange.
type StockMovement struct {
	ID             int64
	StoreID        int64
	ProductID      int64
	Type           MovementType
	Pool           StockPool
	QuantityChange int
	QuantityBefore int
	QuantityAfter  int
	Reason         string
	PerformedBy    int64
	SaleID         int64
	SaleItemID     int64
	ReturnType     ReturnType
	BatchID        string
	CreatedAt      time.Time
}

// MovementInput requests a stock change recorded in the ledger.
type MovementInput struct {
	StoreID    int64
	ProductID  int64
	Pool       StockPool
	Type       MovementType
	Change     int
	Reason     string
	ActorID    int64
	SaleID     int64
	SaleItemID int64
	ReturnType ReturnType
	BatchID    string
}

// MovementFilter narrows ledger queries. Zero values are ignored.
type MovementFilter struct {
	StoreID   int64
	ProductID int64
	SaleID    int64
	Pool      StockPool
	Type      MovementType
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether m satisfies every non-zero field of f except Limit.
func (f MovementFilter) Matches(m StockMovement) bool {
	if f.StoreID != 0 && m.StoreID != f.StoreID {
		return false
	}
	if f.ProductID != 0 && m.ProductID != f.ProductID {
		return false
	}
	if f.SaleID != 0 && m.SaleID != f.SaleID {
		return false
	}
	if f.Pool != "" && m.Pool != f.Pool {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// LowStockAlert is published when a deduction leaves a pool at or below its threshold.
type LowStockAlert struct {
	StoreID   int64     `json:"store_id"`
	ProductID int64     `json:"product_id"`
	Name      string    `json:"name"`
	Pool      StockPool `json:"stock_type"`
	Quantity  int       `json:"quantity"`
	MinStock  int       `json:"min_stock"`
	At        time.Time `json:"at"`
}
