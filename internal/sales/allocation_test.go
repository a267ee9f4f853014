package sales

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

func TestAllocateMovementsByItemID(t *testing.T) {
	items := []SaleItem{
		{ID: 1, ProductID: 10, Quantity: 2, Pool: inventory.StockPoolVenta},
		{ID: 2, ProductID: 10, Quantity: 3, Pool: inventory.StockPoolVenta},
	}
	movements := []inventory.StockMovement{
		{Type: inventory.MovementTypeSale, ProductID: 10, Pool: inventory.StockPoolVenta, SaleItemID: 2, QuantityChange: -3},
		{Type: inventory.MovementTypeReturn, ProductID: 10, Pool: inventory.StockPoolVenta, SaleItemID: 2, QuantityChange: 1},
		{Type: inventory.MovementTypeAdjustment, ProductID: 10, Pool: inventory.StockPoolVenta, SaleItemID: 2, QuantityChange: -1},
	}
	got := AllocateMovements(items, movements)
	require.Equal(t, ItemQuantities{}, got[1])
	require.Equal(t, ItemQuantities{Deducted: 3, Returned: 1}, got[2])
	require.Equal(t, 2, got[2].Returnable(items[1]))
}

func TestAllocateMovementsSpreadsUntaggedEntries(t *testing.T) {
	items := []SaleItem{
		{ID: 1, ProductID: 10, Quantity: 2, Pool: inventory.StockPoolVenta},
		{ID: 2, ProductID: 10, Quantity: 3, Pool: inventory.StockPoolVenta},
		{ID: 3, ProductID: 10, Quantity: 4, Pool: inventory.StockPoolDeposito},
	}
	movements := []inventory.StockMovement{
		{Type: inventory.MovementTypeSale, ProductID: 10, Pool: inventory.StockPoolVenta, QuantityChange: -5},
		{Type: inventory.MovementTypeReturn, ProductID: 10, Pool: inventory.StockPoolVenta, QuantityChange: 3},
		{Type: inventory.MovementTypeSale, ProductID: 10, Pool: inventory.StockPoolDeposito, QuantityChange: -4},
	}
	got := AllocateMovements(items, movements)
	require.Equal(t, ItemQuantities{Deducted: 2, Returned: 2}, got[1])
	require.Equal(t, ItemQuantities{Deducted: 3, Returned: 1}, got[2])
	require.Equal(t, ItemQuantities{Deducted: 4}, got[3])
	require.Equal(t, 0, got[1].Returnable(items[0]))
}

func TestAllocateMovementsExcessLandsOnLastItem(t *testing.T) {
	items := []SaleItem{
		{ID: 1, ProductID: 10, Quantity: 1, Pool: inventory.StockPoolVenta},
		{ID: 2, ProductID: 10, Quantity: 1, Pool: inventory.StockPoolVenta},
	}
	movements := []inventory.StockMovement{
		{Type: inventory.MovementTypeReturn, ProductID: 10, Pool: inventory.StockPoolVenta, QuantityChange: 3},
		{Type: inventory.MovementTypeReturn, ProductID: 99, Pool: inventory.StockPoolVenta, QuantityChange: 1},
	}
	got := AllocateMovements(items, movements)
	require.Equal(t, 1, got[1].Returned)
	require.Equal(t, 2, got[2].Returned)
	require.Equal(t, 0, got[2].Returnable(items[1]))
	require.Len(t, got, 2)
}
