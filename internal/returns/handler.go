package returns

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Handler exposes the returns endpoints of a sale.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *httpx.Validator
}

// NewHandler constructs returns handler.
func NewHandler(logger *slog.Logger, service *Service, validator *httpx.Validator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = httpx.NewValidator()
	}
	return &Handler{logger: logger, service: service, validator: validator}
}

// MountRoutes registers routes on the /stores/{storeID}/sales router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{saleID}/returns/summary", h.summary)
	r.Get("/{saleID}/returns", h.listReturned)
	r.Post("/{saleID}/returns", h.returnBatch)
}

type returnLineRequest struct {
	SaleItemID int64  `json:"sale_item_id" validate:"required,gt=0"`
	ProductID  int64  `json:"product_id" validate:"omitempty,gt=0"`
	StockType  string `json:"stock_type" validate:"omitempty,oneof=venta deposito"`
	Quantity   int    `json:"quantity" validate:"required,gt=0"`
	ReturnType string `json:"return_type" validate:"required,oneof=customer_mistake defective"`
	Reason     string `json:"reason" validate:"max=500"`
}

type returnBatchRequest struct {
	Items []returnLineRequest `json:"items" validate:"required,min=1,dive"`
}

type itemSummaryResponse struct {
	SaleItemID   int64  `json:"sale_item_id"`
	ProductID    int64  `json:"product_id"`
	ProductName  string `json:"product_name"`
	SKU          string `json:"sku"`
	StockType    string `json:"stock_type"`
	Sold         int    `json:"sold"`
	Returned     int    `json:"returned"`
	Remaining    int    `json:"remaining"`
	CurrentStock int    `json:"current_stock"`
}

type summaryResponse struct {
	SaleID        int64                 `json:"sale_id"`
	ReceiptNumber string                `json:"receipt_number"`
	Status        string                `json:"payment_status"`
	FullyReturned bool                  `json:"fully_returned"`
	Items         []itemSummaryResponse `json:"items"`
}

type committedResponse struct {
	SaleItemID  int64   `json:"sale_item_id"`
	ProductID   int64   `json:"product_id"`
	StockType   string  `json:"stock_type"`
	Quantity    int     `json:"quantity"`
	ReturnType  string  `json:"return_type"`
	MovementIDs []int64 `json:"movement_ids"`
	StockAfter  int     `json:"stock_after"`
}

type batchResponse struct {
	BatchID      string              `json:"batch_id"`
	SaleRefunded bool                `json:"sale_refunded"`
	Committed    []committedResponse `json:"committed"`
	Summary      summaryResponse     `json:"summary"`
	Error        string              `json:"error,omitempty"`
}

type returnedResponse struct {
	MovementID  int64     `json:"movement_id"`
	SaleItemID  int64     `json:"sale_item_id,omitempty"`
	ProductID   int64     `json:"product_id"`
	ProductName string    `json:"product_name"`
	SKU         string    `json:"sku"`
	StockType   string    `json:"stock_type"`
	Quantity    int       `json:"quantity"`
	ReturnType  string    `json:"return_type"`
	Inferred    bool      `json:"return_type_inferred"`
	Reason      string    `json:"reason"`
	PerformedBy int64     `json:"performed_by"`
	BatchID     string    `json:"batch_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	storeID, saleID, err := saleParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.GetReturnsSummary(r.Context(), saleID, storeID)
	if err != nil {
		h.logError("returns summary", saleID, err)
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSummaryResponse(summary))
}

func (h *Handler) returnBatch(w http.ResponseWriter, r *http.Request) {
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
	var req returnBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines := make([]ReturnLine, 0, len(req.Items))
	for _, it := range req.Items {
		lines = append(lines, ReturnLine{
			SaleItemID: it.SaleItemID,
			ProductID:  it.ProductID,
			Pool:       inventory.StockPool(it.StockType),
			Quantity:   it.Quantity,
			ReturnType: inventory.ReturnType(it.ReturnType),
			Reason:     it.Reason,
		})
	}
	result, err := h.service.ReturnItemsBatch(r.Context(), saleID, storeID, actorID, lines)
	if err != nil && (result == nil || len(result.Committed) == 0) {
		h.logError("returns batch", saleID, err)
		httpx.RespondError(w, err)
		return
	}
	resp := batchResponse{
		BatchID:      result.BatchID,
		SaleRefunded: result.SaleRefunded,
		Committed:    make([]committedResponse, 0, len(result.Committed)),
		Summary:      toSummaryResponse(result.Summary),
	}
	for _, c := range result.Committed {
		resp.Committed = append(resp.Committed, committedResponse{
			SaleItemID:  c.Line.SaleItemID,
			ProductID:   c.Line.ProductID,
			StockType:   string(c.Line.Pool),
			Quantity:    c.Line.Quantity,
			ReturnType:  string(c.Line.ReturnType),
			MovementIDs: c.MovementIDs,
			StockAfter:  c.StockAfter,
		})
	}
	status := http.StatusCreated
	if err != nil {
		h.logError("returns batch partially committed", saleID, err)
		resp.Error = shared.UserSafeMessage(err)
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) listReturned(w http.ResponseWriter, r *http.Request) {
	storeID, saleID, err := saleParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	products, err := h.service.GetReturnedProducts(r.Context(), saleID, storeID)
	if err != nil {
		h.logError("returned products", saleID, err)
		httpx.RespondError(w, err)
		return
	}
	out := make([]returnedResponse, 0, len(products))
	for _, p := range products {
		out = append(out, returnedResponse{
			MovementID:  p.MovementID,
			SaleItemID:  p.SaleItemID,
			ProductID:   p.ProductID,
			ProductName: p.ProductName,
			SKU:         p.SKU,
			StockType:   string(p.Pool),
			Quantity:    p.Quantity,
			ReturnType:  string(p.ReturnType),
			Inferred:    p.Inferred,
			Reason:      p.Reason,
			PerformedBy: p.PerformedBy,
			BatchID:     p.BatchID,
			CreatedAt:   p.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"returns": out})
}

func (h *Handler) logError(msg string, saleID int64, err error) {
	if shared.UserSafeMessage(err) != "internal error" {
		return
	}
	h.logger.Error(msg, slog.Int64("sale_id", saleID), slog.Any("error", err))
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

func toSummaryResponse(s Summary) summaryResponse {
	resp := summaryResponse{
		SaleID:        s.SaleID,
		ReceiptNumber: s.ReceiptNumber,
		Status:        string(s.Status),
		FullyReturned: s.FullyReturned(),
		Items:         make([]itemSummaryResponse, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		resp.Items = append(resp.Items, itemSummaryResponse{
			SaleItemID:   it.SaleItemID,
			ProductID:    it.ProductID,
			ProductName:  it.ProductName,
			SKU:          it.SKU,
			StockType:    string(it.Pool),
			Sold:         it.Sold,
			Returned:     it.Returned,
			Remaining:    it.Remaining,
			CurrentStock: it.CurrentStock,
		})
	}
	return resp
}
