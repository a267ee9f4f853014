package sales

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// IdempotencyHeader carries the client supplied key of a sale request.
const IdempotencyHeader = "Idempotency-Key"

// Handler manages sale lifecycle endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *httpx.Validator
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, validator *httpx.Validator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = httpx.NewValidator()
	}
	return &Handler{logger: logger, service: service, validator: validator}
}

// MountRoutes registers routes below /stores/{storeID}/sales.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.processSale)
	r.Get("/", h.listSales)
	r.Get("/{saleID}", h.getSale)
	r.Post("/{saleID}/confirm", h.confirmSale)
	r.Post("/{saleID}/cancel", h.cancelSale)
	r.Post("/{saleID}/refund", h.refundSale)
	r.Get("/{saleID}/deductions", h.deductionGaps)
	r.Post("/{saleID}/deductions/reconcile", h.reconcileDeductions)
}

type saleLineRequest struct {
	ProductID int64            `json:"product_id" validate:"required,gt=0"`
	Quantity  int              `json:"quantity" validate:"required,gt=0"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal  `json:"discount"`
	StockType string           `json:"stock_type" validate:"omitempty,oneof=venta deposito"`
}

type processSaleRequest struct {
	Items                      []saleLineRequest `json:"items" validate:"required,min=1,dive"`
	PaymentMethod              string            `json:"payment_method" validate:"required,oneof=cash card mixed"`
	Discount                   decimal.Decimal   `json:"discount"`
	Notes                      string            `json:"notes" validate:"max=1000"`
	RequirePaymentConfirmation bool              `json:"require_payment_confirmation"`
}

type saleItemResponse struct {
	ID          int64  `json:"id"`
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	SKU         string `json:"sku"`
	Barcode     string `json:"barcode,omitempty"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Subtotal    string `json:"subtotal"`
	Discount    string `json:"discount"`
	Total       string `json:"total"`
	StockType   string `json:"stock_type"`
}

type stockOutcomeResponse struct {
	SaleItemID int64  `json:"sale_item_id"`
	ProductID  int64  `json:"product_id"`
	StockType  string `json:"stock_type"`
	Quantity   int    `json:"quantity"`
	Status     string `json:"status"`
	MovementID int64  `json:"movement_id,omitempty"`
	StockAfter int    `json:"stock_after"`
	Error      string `json:"error,omitempty"`
}

type saleResponse struct {
	ID            int64                  `json:"id"`
	StoreID       int64                  `json:"store_id"`
	UserID        int64                  `json:"user_id"`
	ReceiptNumber string                 `json:"receipt_number"`
	Subtotal      string                 `json:"subtotal"`
	Tax           string                 `json:"tax"`
	Discount      string                 `json:"discount"`
	Total         string                 `json:"total"`
	PaymentMethod string                 `json:"payment_method"`
	PaymentStatus string                 `json:"payment_status"`
	Notes         string                 `json:"notes,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Items         []saleItemResponse     `json:"items,omitempty"`
	Stock         []stockOutcomeResponse `json:"stock,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

func (h *Handler) processSale(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.PathInt64(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req processSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := ProcessSaleRequest{
		StoreID:        storeID,
		PaymentMethod:  PaymentMethod(req.PaymentMethod),
		Discount:       req.Discount,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		Lines:          make([]SaleLine, 0, len(req.Items)),
	}
	for _, it := range req.Items {
		input.Lines = append(input.Lines, SaleLine{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Discount:  it.Discount,
			Pool:      inventory.StockPool(it.StockType),
		})
	}
	result, err := h.service.ProcessSale(r.Context(), input, actorID, req.RequirePaymentConfirmation)
	h.respondResult(w, http.StatusCreated, result, err)
}

func (h *Handler) listSales(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.PathInt64(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := SaleFilter{StoreID: storeID, Status: PaymentStatus(q.Get("status")), Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			httpx.RespondError(w, shared.Validationf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	for name, target := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("invalid %s %q", name, raw))
			return
		}
		*target = t
	}
	list, err := h.service.ListSales(r.Context(), filter)
	if err != nil {
		h.logger.Error("list sales", slog.Int64("store_id", storeID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]saleResponse, 0, len(list))
	for _, s := range list {
		out = append(out, toSaleResponse(&SaleResult{Sale: s}))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sales": out})
}

func (h *Handler) getSale(w http.ResponseWriter, r *http.Request) {
	storeID, saleID, err := saleParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.GetSale(r.Context(), saleID, storeID)
	h.respondResult(w, http.StatusOK, result, err)
}

func (h *Handler) confirmSale(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.ConfirmPendingSale)
}

func (h *Handler) cancelSale(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.CancelPendingSale)
}

func (h *Handler) refundSale(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.RefundSale)
}

func (h *Handler) reconcileDeductions(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, h.service.ReconcileDeductions)
}

func (h *Handler) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, saleID, storeID, actorID int64) (*SaleResult, error)) {
	storeID, saleID, err := saleParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actorID, err := httpx.Actor(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := op(r.Context(), saleID, storeID, actorID)
	h.respondResult(w, http.StatusOK, result, err)
}

func (h *Handler) deductionGaps(w http.ResponseWriter, r *http.Request) {
	storeID, saleID, err := saleParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	missing, err := h.service.DeductionGaps(r.Context(), saleID, storeID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]saleItemResponse, 0, len(missing))
	for _, it := range missing {
		out = append(out, toItemResponse(it))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sale_id": saleID, "missing": out})
}

// respondResult writes result on success. When the sale was written but some
// stock steps failed, it answers 207 with the per-item outcomes.
func (h *Handler) respondResult(w http.ResponseWriter, status int, result *SaleResult, err error) {
	if err != nil && result == nil {
		if shared.UserSafeMessage(err) == "internal error" {
			h.logger.Error("sale request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	resp := toSaleResponse(result)
	if err != nil {
		h.logger.Warn("sale stock steps failed",
			slog.Int64("sale_id", result.Sale.ID),
			slog.Int("failed", len(result.Stock.Failed())),
			slog.Any("error", err))
		resp.Error = shared.UserSafeMessage(err)
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, resp)
}

func saleParams(r *http.Request) (int64, int64, error) {
	storeID, err := httpx.PathInt64(r, "storeID")
	if err != nil {
		return 0, 0, err
	}
	saleID, err := httpx.PathInt64(r, "saleID")
	if err != nil {
		return 0, 0, err
	}
	return storeID, saleID, nil
}

func toSaleResponse(result *SaleResult) saleResponse {
	s := result.Sale
	resp := saleResponse{
		ID:            s.ID,
		StoreID:       s.StoreID,
		UserID:        s.UserID,
		ReceiptNumber: s.ReceiptNumber,
		Subtotal:      s.Subtotal.StringFixed(moneyPlaces),
		Tax:           s.Tax.StringFixed(moneyPlaces),
		Discount:      s.Discount.StringFixed(moneyPlaces),
		Total:         s.Total.StringFixed(moneyPlaces),
		PaymentMethod: string(s.PaymentMethod),
		PaymentStatus: string(s.PaymentStatus),
		Notes:         s.Notes,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
	for _, it := range result.Items {
		resp.Items = append(resp.Items, toItemResponse(it))
	}
	for _, o := range result.Stock.Outcomes {
		or := stockOutcomeResponse{
			SaleItemID: o.SaleItemID,
			ProductID:  o.ProductID,
			StockType:  string(o.Pool),
			Quantity:   o.Quantity,
			Status:     string(o.Status),
			MovementID: o.MovementID,
			StockAfter: o.StockAfter,
		}
		if o.Err != nil {
			or.Error = shared.UserSafeMessage(o.Err)
		}
		resp.Stock = append(resp.Stock, or)
	}
	return resp
}

func toItemResponse(it SaleItem) saleItemResponse {
	return saleItemResponse{
		ID:          it.ID,
		ProductID:   it.ProductID,
		ProductName: it.ProductName,
		SKU:         it.SKU,
		Barcode:     it.Barcode,
		Quantity:    it.Quantity,
		UnitPrice:   it.UnitPrice.StringFixed(moneyPlaces),
		Subtotal:    it.Subtotal.StringFixed(moneyPlaces),
		Discount:    it.Discount.StringFixed(moneyPlaces),
		Total:       it.Total.StringFixed(moneyPlaces),
		StockType:   string(it.Pool),
	}
}
