package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesLedgerMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveMovement("sale", "venta")
	metrics.ObserveStockConflict()
	metrics.ObserveDeductionFailure("insufficient_stock")
	metrics.ObserveSale("completed")
	metrics.ObserveReturn("defective", 2)
	metrics.ObserveReturn("defective", 0)

	body := scrape(t, metrics)
	for _, want := range []string{
		`pos_stock_movements_total{stock_type="venta",type="sale"} 1`,
		`pos_stock_update_conflicts_total 1`,
		`pos_sale_deduction_failures_total{reason="insufficient_stock"} 1`,
		`pos_sales_total{status="completed"} 1`,
		`pos_returned_units_total{return_type="defective"} 2`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %s, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveMovement("sale", "venta")
	metrics.ObserveStockConflict()
	metrics.ObserveSale("refunded")
	metrics.ObserveReturn("customer_mistake", 1)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/stores/{storeID}/sales")

	req := httptest.NewRequest(http.MethodGet, "/stores/1/sales", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, `pos_http_requests_total{code="418",route="/stores/{storeID}/sales"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, `pos_http_request_duration_seconds_bucket{route="/stores/{storeID}/sales"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}
