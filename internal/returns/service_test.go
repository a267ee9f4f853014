package returns_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/returns"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
	"github.com/odyssey-erp/odyssey-pos/internal/store/memory"
)

const (
	storeID int64 = 1
	actorID int64 = 9
)

type fixture struct {
	store   *memory.Store
	ledger  *inventory.Ledger
	sales   *sales.Service
	service *returns.Service
	coffee  inventory.Product
	sugar   inventory.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.PutStore(sales.Store{ID: storeID, Name: "Centro", TaxRate: decimal.NewFromInt(16), Currency: "MXN"})
	f := &fixture{store: store}
	f.coffee = store.PutProduct(inventory.Product{
		StoreID: storeID, Name: "Cafe", SKU: "CAF-1", Price: decimal.RequireFromString("10.00"), StockVenta: 5, IsActive: true,
	})
	f.sugar = store.PutProduct(inventory.Product{
		StoreID: storeID, Name: "Azucar", SKU: "AZU-1", Price: decimal.RequireFromString("32.50"), StockDeposito: 6, IsActive: true,
	})
	f.ledger = inventory.NewLedger(store, nil, nil, nil, inventory.LedgerConfig{})
	f.sales = sales.NewService(store, f.ledger, sales.ServiceDeps{Audit: store})
	f.service = returns.NewService(f.sales, f.ledger, returns.ServiceDeps{Audit: store})
	return f
}

func (f *fixture) sell(t *testing.T, lines ...sales.SaleLine) *sales.SaleResult {
	t.Helper()
	result, err := f.sales.ProcessSale(context.Background(), sales.ProcessSaleRequest{
		StoreID:       storeID,
		PaymentMethod: sales.PaymentMethodCash,
		Lines:         lines,
	}, actorID, false)
	require.NoError(t, err)
	return result
}

func (f *fixture) stock(t *testing.T, p inventory.Product, pool inventory.StockPool) int {
	t.Helper()
	reloaded, err := f.store.GetProduct(context.Background(), p.ID, storeID)
	require.NoError(t, err)
	return reloaded.Stock(pool)
}

type heldLocker struct{ keys []string }

func (l *heldLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.keys = append(l.keys, key)
	return nil, shared.ErrLockHeld
}

type countingLocker struct{ acquired, released int }

func (l *countingLocker) Acquire(context.Context, string) (func(), error) {
	l.acquired++
	return func() { l.released++ }, nil
}

// brokenScrap fails every scrapped return and delegates the rest.
type brokenScrap struct {
	*inventory.Ledger
}

func (brokenScrap) ApplyScrapped(context.Context, inventory.MovementInput, string) ([]inventory.StockMovement, inventory.Product, error) {
	return nil, inventory.Product{}, errors.New("ledger unavailable")
}

// brokenApply fails every movement of one product and delegates the rest.
type brokenApply struct {
	*inventory.Ledger
	productID int64
}

func (l *brokenApply) Apply(ctx context.Context, input inventory.MovementInput) (inventory.StockMovement, inventory.Product, error) {
	if input.ProductID == l.productID {
		return inventory.StockMovement{}, inventory.Product{}, errors.New("ledger unavailable")
	}
	return l.Ledger.Apply(ctx, input)
}

func TestReturnsScenarioEndsRefunded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2})
	item := sale.Items[0]
	require.Equal(t, 3, f.stock(t, f.coffee, inventory.StockPoolVenta))

	summary, err := f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Len(t, summary.Items, 1)
	require.Equal(t, 2, summary.Items[0].Sold)
	require.Equal(t, 0, summary.Items[0].Returned)
	require.Equal(t, 2, summary.Items[0].Remaining)
	require.Equal(t, 3, summary.Items[0].CurrentStock)
	require.False(t, summary.FullyReturned())

	first, err := f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake, Reason: "  wrong size  "},
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.BatchID)
	require.False(t, first.SaleRefunded)
	require.Len(t, first.Committed, 1)
	require.Equal(t, 4, first.Committed[0].StockAfter)
	require.Equal(t, 1, first.Summary.Items[0].Remaining)
	require.Equal(t, sales.PaymentStatusCompleted, first.Summary.Status)
	require.Equal(t, 4, f.stock(t, f.coffee, inventory.StockPoolVenta))

	second, err := f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeDefective},
	})
	require.NoError(t, err)
	require.True(t, second.SaleRefunded)
	require.Len(t, second.Committed[0].MovementIDs, 2)
	require.Equal(t, 4, second.Committed[0].StockAfter)
	require.Equal(t, 0, second.Summary.Items[0].Remaining)
	require.True(t, second.Summary.FullyReturned())
	require.Equal(t, sales.PaymentStatusRefunded, second.Summary.Status)
	require.Equal(t, 4, f.stock(t, f.coffee, inventory.StockPoolVenta))

	loaded, err := f.sales.GetSale(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, sales.PaymentStatusRefunded, loaded.Sale.PaymentStatus)

	returned, err := f.service.GetReturnedProducts(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Len(t, returned, 2)
	assert.Equal(t, inventory.ReturnTypeCustomerMistake, returned[0].ReturnType)
	assert.Equal(t, "return "+sale.Sale.ReceiptNumber+": wrong size", returned[0].Reason)
	assert.Equal(t, inventory.ReturnTypeDefective, returned[1].ReturnType)
	assert.False(t, returned[1].Inferred)
	assert.Equal(t, "Cafe", returned[1].ProductName)
	assert.Equal(t, item.ID, returned[1].SaleItemID)

	replays, err := f.ledger.Verify(ctx, storeID, f.coffee.ID)
	require.NoError(t, err)
	for _, r := range replays {
		require.True(t, r.Consistent())
	}

	_, err = f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	var batches int
	for _, log := range f.store.AuditLogs() {
		if log.Action == shared.AuditReturnsBatch {
			batches++
		}
	}
	require.Equal(t, 2, batches)
}

// interleavingLedger runs hook the first time the full sale ledger is read.
type interleavingLedger struct {
	*inventory.Ledger
	hook func()
	ran  bool
}

func (l *interleavingLedger) Movements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error) {
	if filter.Type == "" && !l.ran {
		l.ran = true
		l.hook()
	}
	return l.Ledger.Movements(ctx, filter)
}

func TestRefundSaleExcludesConcurrentReturnBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2})
	item := sale.Items[0]

	locker := shared.NewLocalLocker(30 * time.Millisecond)
	ledger := &interleavingLedger{Ledger: f.ledger}
	salesSvc := sales.NewService(f.store, ledger, sales.ServiceDeps{Audit: f.store, Locker: locker})
	service := returns.NewService(salesSvc, f.ledger, returns.ServiceDeps{Audit: f.store, Locker: locker})

	var batchErr error
	ledger.hook = func() {
		_, batchErr = service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
			{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
		})
	}

	refunded, err := salesSvc.RefundSale(ctx, sale.Sale.ID, storeID, actorID)
	require.NoError(t, err)
	require.True(t, ledger.ran)
	require.ErrorIs(t, batchErr, shared.ErrLockHeld)
	require.Equal(t, 2, refunded.Stock.Outcomes[0].Quantity)
	require.Equal(t, 5, f.stock(t, f.coffee, inventory.StockPoolVenta))

	_, err = service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)

	summary, err := service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Items[0].Returned)
	require.LessOrEqual(t, summary.Items[0].Returned, summary.Items[0].Sold)
	require.True(t, summary.FullyReturned())
}

func TestRefundSaleRequiresReconciledDeductions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	failing := sales.NewService(f.store, &brokenApply{Ledger: f.ledger, productID: f.sugar.ID}, sales.ServiceDeps{Audit: f.store})
	result, err := failing.ProcessSale(ctx, sales.ProcessSaleRequest{
		StoreID:       storeID,
		PaymentMethod: sales.PaymentMethodCash,
		Lines: []sales.SaleLine{
			{ProductID: f.coffee.ID, Quantity: 1},
			{ProductID: f.sugar.ID, Quantity: 1, Pool: inventory.StockPoolDeposito},
		},
	}, actorID, false)
	require.Error(t, err)

	_, err = f.sales.RefundSale(ctx, result.Sale.ID, storeID, actorID)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	loaded, err := f.sales.GetSale(ctx, result.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, sales.PaymentStatusCompleted, loaded.Sale.PaymentStatus)
	require.Equal(t, 4, f.stock(t, f.coffee, inventory.StockPoolVenta))

	_, err = f.sales.ReconcileDeductions(ctx, result.Sale.ID, storeID, actorID)
	require.NoError(t, err)
	_, err = f.sales.RefundSale(ctx, result.Sale.ID, storeID, actorID)
	require.NoError(t, err)

	summary, err := f.service.GetReturnsSummary(ctx, result.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, sales.PaymentStatusRefunded, summary.Status)
	require.True(t, summary.FullyReturned())
	require.Equal(t, 5, f.stock(t, f.coffee, inventory.StockPoolVenta))
	require.Equal(t, 6, f.stock(t, f.sugar, inventory.StockPoolDeposito))
}

func TestGetReturnsSummaryIsRepeatable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t,
		sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2},
		sales.SaleLine{ProductID: f.coffee.ID, Quantity: 1},
		sales.SaleLine{ProductID: f.sugar.ID, Quantity: 3, Pool: inventory.StockPoolDeposito},
	)
	require.Len(t, sale.Items, 3)

	first, err := f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	second, err := f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, first.Items[0].Remaining)
	require.Equal(t, 1, first.Items[1].Remaining)

	_, err = f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: sale.Items[0].ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
		{SaleItemID: sale.Items[2].ID, Quantity: 2, ReturnType: inventory.ReturnTypeDefective},
	})
	require.NoError(t, err)

	first, err = f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	second, err = f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, first.Items[0].Returned)
	require.Equal(t, 0, first.Items[1].Returned)
	require.Equal(t, 2, first.Items[2].Returned)
	require.Equal(t, 1, first.Items[2].Remaining)
}

func TestReturnItemsBatchRejectsExcessWithoutWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t,
		sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2},
		sales.SaleLine{ProductID: f.sugar.ID, Quantity: 3, Pool: inventory.StockPoolDeposito},
	)
	before := len(f.store.AllMovements())

	_, err := f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: sale.Items[1].ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
		{SaleItemID: sale.Items[0].ID, Quantity: 2, ReturnType: inventory.ReturnTypeCustomerMistake},
		{SaleItemID: sale.Items[0].ID, Quantity: 1, ReturnType: inventory.ReturnTypeDefective},
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	var stockErr *shared.StockError
	require.True(t, errors.As(err, &stockErr))
	require.Equal(t, 3, stockErr.Requested)
	require.Equal(t, 2, stockErr.Available)

	require.Len(t, f.store.AllMovements(), before)
	require.Equal(t, 3, f.stock(t, f.coffee, inventory.StockPoolVenta))
	require.Equal(t, 3, f.stock(t, f.sugar, inventory.StockPoolDeposito))
}

func TestReturnItemsBatchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2})
	other := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 1})
	item := sale.Items[0]

	cases := map[string][]returns.ReturnLine{
		"empty batch":   nil,
		"zero quantity": {{SaleItemID: item.ID, ReturnType: inventory.ReturnTypeCustomerMistake}},
		"bad type":      {{SaleItemID: item.ID, Quantity: 1, ReturnType: "lost"}},
		"foreign item":  {{SaleItemID: other.Items[0].ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake}},
		"wrong product": {{SaleItemID: item.ID, ProductID: f.sugar.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake}},
		"wrong pool":    {{SaleItemID: item.ID, Pool: inventory.StockPoolDeposito, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake}},
	}
	for name, lines := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, lines)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}

	line := []returns.ReturnLine{{SaleItemID: item.ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake}}
	_, err := f.service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, 0, line)
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = f.service.ReturnItemsBatch(ctx, sale.Sale.ID+50, storeID, actorID, line)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 2, f.stock(t, f.coffee, inventory.StockPoolVenta))
}

func TestReturnItemsBatchRequiresCompletedSale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending, err := f.sales.ProcessSale(ctx, sales.ProcessSaleRequest{
		StoreID: storeID, PaymentMethod: sales.PaymentMethodCard,
		Lines: []sales.SaleLine{{ProductID: f.coffee.ID, Quantity: 1}},
	}, actorID, true)
	require.NoError(t, err)

	_, err = f.service.ReturnItemsBatch(ctx, pending.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: pending.Items[0].ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake},
	})
	require.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReturnItemsBatchPartialCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t,
		sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2},
		sales.SaleLine{ProductID: f.sugar.ID, Quantity: 1, Pool: inventory.StockPoolDeposito},
	)
	service := returns.NewService(f.sales, brokenScrap{Ledger: f.ledger}, returns.ServiceDeps{})

	result, err := service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, []returns.ReturnLine{
		{SaleItemID: sale.Items[0].ID, Quantity: 2, ReturnType: inventory.ReturnTypeCustomerMistake},
		{SaleItemID: sale.Items[1].ID, Quantity: 1, ReturnType: inventory.ReturnTypeDefective},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Committed, 1)
	require.False(t, result.SaleRefunded)
	require.Equal(t, 0, result.Summary.Items[0].Remaining)
	require.Equal(t, 1, result.Summary.Items[1].Remaining)
	require.Equal(t, 5, f.stock(t, f.coffee, inventory.StockPoolVenta))
	require.Equal(t, 5, f.stock(t, f.sugar, inventory.StockPoolDeposito))
}

func TestReturnItemsBatchLocking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 2})
	line := []returns.ReturnLine{{SaleItemID: sale.Items[0].ID, Quantity: 1, ReturnType: inventory.ReturnTypeCustomerMistake}}

	held := &heldLocker{}
	service := returns.NewService(f.sales, f.ledger, returns.ServiceDeps{Locker: held})
	_, err := service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, line)
	require.ErrorIs(t, err, shared.ErrLockHeld)
	require.Equal(t, []string{shared.SaleReturnsLockKey(storeID, sale.Sale.ID)}, held.keys)
	require.Equal(t, 3, f.stock(t, f.coffee, inventory.StockPoolVenta))

	counting := &countingLocker{}
	service = returns.NewService(f.sales, f.ledger, returns.ServiceDeps{Locker: counting})
	_, err = service.ReturnItemsBatch(ctx, sale.Sale.ID, storeID, actorID, line)
	require.NoError(t, err)
	require.Equal(t, 1, counting.acquired)
	require.Equal(t, 1, counting.released)
}

func TestGetReturnedProductsInfersLegacyType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sale := f.sell(t, sales.SaleLine{ProductID: f.coffee.ID, Quantity: 3})

	for _, reason := range []string{"Producto DAÑADO en caja", "changed mind"} {
		_, _, err := f.ledger.Apply(ctx, inventory.MovementInput{
			StoreID: storeID, ProductID: f.coffee.ID, Pool: inventory.StockPoolVenta,
			Type: inventory.MovementTypeReturn, Change: 1, Reason: reason, ActorID: actorID, SaleID: sale.Sale.ID,
		})
		require.NoError(t, err)
	}

	returned, err := f.service.GetReturnedProducts(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Len(t, returned, 2)
	require.True(t, returned[0].Inferred)
	require.Equal(t, inventory.ReturnTypeDefective, returned[0].ReturnType)
	require.Equal(t, sale.Items[0].ID, returned[0].SaleItemID)
	require.True(t, returned[1].Inferred)
	require.Equal(t, inventory.ReturnTypeCustomerMistake, returned[1].ReturnType)

	summary, err := f.service.GetReturnsSummary(ctx, sale.Sale.ID, storeID)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Items[0].Returned)
	require.Equal(t, 1, summary.Items[0].Remaining)
}

func TestInferReturnType(t *testing.T) {
	cases := map[string]inventory.ReturnType{
		"Broken seal":           inventory.ReturnTypeDefective,
		"FAULTY battery":        inventory.ReturnTypeDefective,
		"producto defectuoso":   inventory.ReturnTypeDefective,
		"customer changed mind": inventory.ReturnTypeCustomerMistake,
		"":                      inventory.ReturnTypeCustomerMistake,
	}
	for reason, want := range cases {
		require.Equal(t, want, returns.InferReturnType(reason), reason)
	}
}
