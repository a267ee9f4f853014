package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

func TestWithTxDiscardsFailedWrites(t *testing.T) {
	s := New()
	p := s.PutProduct(inventory.Product{StoreID: 1, Name: "Cafe", StockVenta: 5})
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		if _, err := tx.UpdateProductStock(ctx, p.ID, 1, inventory.StockPoolVenta, 5, 3); err != nil {
			return err
		}
		if _, err := tx.InsertStockMovement(ctx, inventory.StockMovement{ProductID: p.ID}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	got, err := s.GetProduct(ctx, p.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 5, got.StockVenta)
	require.Empty(t, s.AllMovements())

	err = s.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		_, err := tx.UpdateProductStock(ctx, p.ID, 1, inventory.StockPoolVenta, 4, 3)
		return err
	})
	require.ErrorIs(t, err, shared.ErrConflict)

	err = s.WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		if _, err := tx.UpdateProductStock(ctx, p.ID, 1, inventory.StockPoolVenta, 5, 3); err != nil {
			return err
		}
		_, err := tx.InsertStockMovement(ctx, inventory.StockMovement{ProductID: p.ID, StoreID: 1})
		return err
	})
	require.NoError(t, err)
	require.Len(t, s.AllMovements(), 1)
	require.Equal(t, int64(1), s.AllMovements()[0].ID)
}

func TestSalesReceiptsAndStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, found, err := s.LatestReceiptSequence(ctx, 1, 2026)
	require.NoError(t, err)
	require.False(t, found)

	sale, items, err := s.InsertSale(ctx, sales.Sale{StoreID: 1, ReceiptNumber: "REC-2026-000007", PaymentStatus: sales.PaymentStatusPending},
		[]sales.SaleItem{{ProductID: 3, Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, sale.ID, items[0].SaleID)

	_, _, err = s.InsertSale(ctx, sales.Sale{StoreID: 1, ReceiptNumber: "REC-2026-000007"}, nil)
	require.ErrorIs(t, err, shared.ErrIntegrityViolation)
	_, _, err = s.InsertSale(ctx, sales.Sale{StoreID: 2, ReceiptNumber: "REC-2026-000007"}, nil)
	require.NoError(t, err)

	seq, found, err := s.LatestReceiptSequence(ctx, 1, 2026)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 7, seq)

	_, err = s.UpdateSaleStatus(ctx, sale.ID, 1, sales.PaymentStatusCompleted, sales.PaymentStatusRefunded)
	require.ErrorIs(t, err, shared.ErrConflict)
	updated, err := s.UpdateSaleStatus(ctx, sale.ID, 1, sales.PaymentStatusPending, sales.PaymentStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, sales.PaymentStatusCompleted, updated.PaymentStatus)

	_, _, err = s.GetSale(ctx, sale.ID, 2)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
