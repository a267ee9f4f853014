package inventory_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/store/memory"
)

func newProductsRouter(ledger *inventory.Ledger) http.Handler {
	r := chi.NewRouter()
	r.Route("/stores/{storeID}/products", inventory.NewHandler(nil, ledger).MountRoutes)
	return r
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandlerListsMovements(t *testing.T) {
	store := memory.New()
	product := seedProduct(t, store, 5, 5)
	ledger := inventory.NewLedger(store, nil, nil, nil, inventory.LedgerConfig{})
	for _, pool := range []inventory.StockPool{inventory.StockPoolVenta, inventory.StockPoolDeposito} {
		_, _, err := ledger.Apply(context.Background(), inventory.MovementInput{
			StoreID: storeID, ProductID: product.ID, Pool: pool, Type: inventory.MovementTypeRestock, Change: 2, ActorID: 1,
		})
		require.NoError(t, err)
	}
	router := newProductsRouter(ledger)

	rec := get(t, router, fmt.Sprintf("/stores/1/products/%d/movements?stock_type=deposito", product.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Movements []struct {
			StockType     string `json:"stock_type"`
			QuantityAfter int    `json:"quantity_after"`
		} `json:"movements"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Movements, 1)
	require.Equal(t, "deposito", body.Movements[0].StockType)
	require.Equal(t, 7, body.Movements[0].QuantityAfter)

	require.Equal(t, http.StatusBadRequest, get(t, router, fmt.Sprintf("/stores/1/products/%d/movements?stock_type=shelf", product.ID)).Code)
	require.Equal(t, http.StatusBadRequest, get(t, router, fmt.Sprintf("/stores/1/products/%d/movements?from=yesterday", product.ID)).Code)
	require.Equal(t, http.StatusNotFound, get(t, router, "/stores/2/products/1/movements").Code)
}

func TestHandlerVerifyReportsMismatch(t *testing.T) {
	store := memory.New()
	product := seedProduct(t, store, 5, 0)
	ledger := inventory.NewLedger(store, nil, nil, nil, inventory.LedgerConfig{})
	_, _, err := ledger.Apply(context.Background(), inventory.MovementInput{
		StoreID: storeID, ProductID: product.ID, Pool: inventory.StockPoolVenta, Type: inventory.MovementTypeSale, Change: -1,
	})
	require.NoError(t, err)
	store.SetStock(product.ID, inventory.StockPoolVenta, 1)

	rec := get(t, newProductsRouter(ledger), fmt.Sprintf("/stores/1/products/%d/ledger/verify", product.ID))
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Consistent bool `json:"consistent"`
		Pools      []struct {
			StockType string `json:"stock_type"`
			Replayed  int    `json:"replayed"`
			Cached    int    `json:"cached"`
		} `json:"pools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.False(t, body.Consistent)
	require.Equal(t, 4, body.Pools[0].Replayed)
	require.Equal(t, 1, body.Pools[0].Cached)
}
