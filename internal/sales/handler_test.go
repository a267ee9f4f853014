package sales_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	_ "github.com/odyssey-erp/odyssey-pos/testing"
)

func newSalesRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Route("/stores/{storeID}", func(r chi.Router) {
		r.Use(httpx.ActorMiddleware)
		r.Route("/sales", sales.NewHandler(nil, f.service, nil).MountRoutes)
	})
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(httpx.ActorHeader, fmt.Sprint(actorID))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type saleBody struct {
	ID            int64  `json:"id"`
	ReceiptNumber string `json:"receipt_number"`
	Subtotal      string `json:"subtotal"`
	Tax           string `json:"tax"`
	Total         string `json:"total"`
	PaymentStatus string `json:"payment_status"`
	Items         []struct {
		ID        int64  `json:"id"`
		StockType string `json:"stock_type"`
	} `json:"items"`
	Stock []struct {
		Status     string `json:"status"`
		StockAfter int    `json:"stock_after"`
	} `json:"stock"`
}

func TestHandlerProcessSale(t *testing.T) {
	f := newFixture(t)
	router := newSalesRouter(f)

	body := fmt.Sprintf(`{"items":[{"product_id":%d,"quantity":2}],"payment_method":"cash"}`, f.coffee.ID)
	rec := doJSON(t, router, http.MethodPost, "/stores/1/sales", body, map[string]string{sales.IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got saleBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "20.00", got.Subtotal)
	require.Equal(t, "3.20", got.Tax)
	require.Equal(t, "23.20", got.Total)
	require.Equal(t, "completed", got.PaymentStatus)
	require.Len(t, got.Items, 1)
	require.Equal(t, "venta", got.Items[0].StockType)
	require.Len(t, got.Stock, 1)
	require.Equal(t, 3, got.Stock[0].StockAfter)

	rec = doJSON(t, router, http.MethodPost, "/stores/1/sales", body, map[string]string{sales.IdempotencyHeader: "k-1"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerProcessSaleErrors(t *testing.T) {
	f := newFixture(t)
	router := newSalesRouter(f)

	rec := doJSON(t, router, http.MethodPost, "/stores/1/sales", `{"items":[],"payment_method":"cash"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")

	body := fmt.Sprintf(`{"items":[{"product_id":%d,"quantity":9}],"payment_method":"card"}`, f.coffee.ID)
	rec = doJSON(t, router, http.MethodPost, "/stores/1/sales", body, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/stores/1/sales", strings.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/stores/1/sales/99", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerLifecycleRoutes(t *testing.T) {
	f := newFixture(t)
	router := newSalesRouter(f)
	pending := f.sell(t, 2, true)
	base := fmt.Sprintf("/stores/1/sales/%d", pending.Sale.ID)

	rec := doJSON(t, router, http.MethodPost, base+"/confirm", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, 3, f.stock(t, f.coffee, inventory.StockPoolVenta))

	rec = doJSON(t, router, http.MethodPost, base+"/cancel", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodGet, base+"/deductions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gaps struct {
		Missing []json.RawMessage `json:"missing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &gaps))
	require.Empty(t, gaps.Missing)

	rec = doJSON(t, router, http.MethodPost, base+"/refund", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got saleBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "refunded", got.PaymentStatus)
	require.Equal(t, 5, f.stock(t, f.coffee, inventory.StockPoolVenta))

	rec = doJSON(t, router, http.MethodGet, "/stores/1/sales?status=refunded", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sales []saleBody `json:"sales"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Sales, 1)

	rec = doJSON(t, router, http.MethodGet, "/stores/1/sales?limit=abc", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerPartialDeductionAnswersMultiStatus(t *testing.T) {
	f := newFixture(t)
	f.service = sales.NewService(f.store, &failingLedger{Ledger: f.ledger, productID: f.sugar.ID}, sales.ServiceDeps{})
	router := newSalesRouter(f)

	body := fmt.Sprintf(`{"items":[{"product_id":%d,"quantity":1},{"product_id":%d,"quantity":1}],"payment_method":"cash"}`, f.coffee.ID, f.sugar.ID)
	rec := doJSON(t, router, http.MethodPost, "/stores/1/sales", body, nil)
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	var got struct {
		saleBody
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotZero(t, got.ID)
	require.Equal(t, "internal error", got.Error)
	require.Len(t, got.Stock, 2)
	require.Equal(t, "applied", got.Stock[0].Status)
	require.Equal(t, "failed", got.Stock[1].Status)
}
