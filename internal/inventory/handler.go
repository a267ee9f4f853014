package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Handler exposes read-only ledger endpoints.
type Handler struct {
	logger *slog.Logger
	ledger *Ledger
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, ledger *Ledger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger}
}

// MountRoutes registers routes below /stores/{storeID}/products.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{productID}/movements", h.listMovements)
	r.Get("/{productID}/ledger/verify", h.verify)
}

type movementResponse struct {
	ID             int64     `json:"id"`
	Type           string    `json:"movement_type"`
	StockType      string    `json:"stock_type"`
	QuantityChange int       `json:"quantity_change"`
	QuantityBefore int       `json:"quantity_before"`
	QuantityAfter  int       `json:"quantity_after"`
	Reason         string    `json:"reason"`
	PerformedBy    int64     `json:"performed_by"`
	SaleID         int64     `json:"sale_id,omitempty"`
	SaleItemID     int64     `json:"sale_item_id,omitempty"`
	ReturnType     string    `json:"return_type,omitempty"`
	BatchID        string    `json:"batch_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.PathInt64(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.PathInt64(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := MovementFilter{StoreID: storeID, ProductID: productID, Limit: 500}
	q := r.URL.Query()
	filter.Pool = StockPool(q.Get("stock_type"))
	filter.Type = MovementType(q.Get("movement_type"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.RespondError(w, shared.Validationf("invalid limit %q", raw))
			return
		}
		filter.Limit = limit
	}
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.Add(24*time.Hour - time.Nanosecond)
	}
	if _, err := h.ledger.Product(r.Context(), productID, storeID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.ledger.Movements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements", slog.Int64("product_id", productID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]movementResponse, 0, len(entries))
	for _, m := range entries {
		out = append(out, movementResponse{
			ID:             m.ID,
			Type:           string(m.Type),
			StockType:      string(m.Pool),
			QuantityChange: m.QuantityChange,
			QuantityBefore: m.QuantityBefore,
			QuantityAfter:  m.QuantityAfter,
			Reason:         m.Reason,
			PerformedBy:    m.PerformedBy,
			SaleID:         m.SaleID,
			SaleItemID:     m.SaleItemID,
			ReturnType:     string(m.ReturnType),
			BatchID:        m.BatchID,
			CreatedAt:      m.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"movements": out})
}

type replayResponse struct {
	StockType  string `json:"stock_type"`
	Movements  int    `json:"movements"`
	Opening    int    `json:"opening"`
	Replayed   int    `json:"replayed"`
	Cached     int    `json:"cached"`
	Breaks     int    `json:"breaks"`
	Consistent bool   `json:"consistent"`
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	storeID, err := httpx.PathInt64(r, "storeID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.PathInt64(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	replays, err := h.ledger.Verify(r.Context(), storeID, productID)
	if err != nil && !errors.Is(err, shared.ErrIntegrityViolation) {
		httpx.RespondError(w, err)
		return
	}
	out := make([]replayResponse, 0, len(replays))
	for _, rp := range replays {
		out = append(out, replayResponse{
			StockType:  string(rp.Pool),
			Movements:  rp.Movements,
			Opening:    rp.Opening,
			Replayed:   rp.Replayed,
			Cached:     rp.Cached,
			Breaks:     rp.Breaks,
			Consistent: rp.Consistent(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "pools": out, "consistent": err == nil})
}

func parseDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, shared.Validationf("invalid date %q", raw)
	}
	return t, nil
}
