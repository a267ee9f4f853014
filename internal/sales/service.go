package sales

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// RepositoryPort abstracts sale aggregate persistence.
type RepositoryPort interface {
	GetStore(ctx context.Context, storeID int64) (Store, error)
	GetSale(ctx context.Context, id, storeID int64) (Sale, []SaleItem, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error)
	LatestReceiptSequence(ctx context.Context, storeID int64, year int) (int, bool, error)
	// InsertSale writes the header and every item atomically. A duplicate
	// receipt number is reported as shared.ErrIntegrityViolation.
	InsertSale(ctx context.Context, sale Sale, items []SaleItem) (Sale, []SaleItem, error)
	// UpdateSaleStatus moves the sale from one status to another, returning
	// shared.ErrConflict when the current status is not from.
	UpdateSaleStatus(ctx context.Context, id, storeID int64, from, to PaymentStatus) (Sale, error)
}

// StockLedger is the part of the inventory ledger the lifecycle needs.
type StockLedger interface {
	Product(ctx context.Context, id, storeID int64) (inventory.Product, error)
	Apply(ctx context.Context, input inventory.MovementInput) (inventory.StockMovement, inventory.Product, error)
	Movements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort registers request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Locker serializes refunds and return batches on the same sale.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

const idempotencyModule = "pos.sales"

// Service coordinates the sale lifecycle.
type Service struct {
	repo        RepositoryPort
	ledger      StockLedger
	audit       AuditPort
	idempotency IdempotencyPort
	locker      Locker
	metrics     *observability.Metrics
	logger      *slog.Logger
	clock       func() time.Time
}

// ServiceDeps groups the optional collaborators of Service.
type ServiceDeps struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	// Locker must be the one the returns service uses.
	Locker      Locker
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger StockLedger, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      ledger,
		audit:       deps.Audit,
		idempotency: deps.Idempotency,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		logger:      logger.With(slog.String("component", "sales.lifecycle")),
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// ProcessSale validates the cart, records the sale and, unless payment
// confirmation is required, deducts stock item by item.
//
// Deduction failures do not undo the persisted sale or earlier deductions.
// In that case both the result and an error wrapping the per-item failures
// are returned; Stock tells which items still need reconciliation.
func (s *Service) ProcessSale(ctx context.Context, req ProcessSaleRequest, actorID int64, requirePaymentConfirmation bool) (*SaleResult, error) {
	if err := validateRequest(req, actorID); err != nil {
		return nil, err
	}
	store, err := s.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		return nil, err
	}

	items, lineTotals, err := s.priceLines(ctx, req)
	if err != nil {
		return nil, err
	}
	totals, err := CalculateSale(lineTotals, store.TaxRate, req.Discount)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" && s.idempotency != nil {
		key := idempotencyKey(req.StoreID, req.IdempotencyKey)
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return nil, fmt.Errorf("%w: %w", shared.ErrIntegrityViolation, err)
			}
			return nil, fmt.Errorf("sales: register idempotency key: %w", err)
		}
	}

	now := s.clock()
	status := PaymentStatusCompleted
	if requirePaymentConfirmation {
		status = PaymentStatusPending
	}
	receipt, err := s.nextReceipt(ctx, req.StoreID, now.Year())
	if err != nil {
		s.releaseKey(ctx, req)
		return nil, err
	}
	header := Sale{
		StoreID:       req.StoreID,
		UserID:        actorID,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Discount:      totals.Discount,
		Total:         totals.Total,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: status,
		ReceiptNumber: receipt,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	sale, saved, err := s.repo.InsertSale(ctx, header, items)
	if err != nil {
		s.releaseKey(ctx, req)
		return nil, fmt.Errorf("sales: insert sale %s: %w", receipt, err)
	}
	s.metrics.ObserveSale(string(sale.PaymentStatus))
	s.logger.Info("sale recorded",
		slog.Int64("sale_id", sale.ID),
		slog.Int64("store_id", sale.StoreID),
		slog.String("receipt", sale.ReceiptNumber),
		slog.String("status", string(sale.PaymentStatus)),
		slog.String("total", sale.Total.StringFixed(moneyPlaces)))

	result := &SaleResult{Sale: sale, Items: saved}
	var deductErr error
	if status == PaymentStatusCompleted {
		result.Stock, deductErr = s.deduct(ctx, sale, saved, actorID)
	}
	s.record(ctx, shared.AuditSaleProcessed, sale, actorID, map[string]any{
		"receipt":      sale.ReceiptNumber,
		"total":        sale.Total.StringFixed(moneyPlaces),
		"status":       string(sale.PaymentStatus),
		"items":        len(saved),
		"failed_items": len(result.Stock.Failed()),
	})
	return result, deductErr
}

// ConfirmPendingSale marks a pending sale completed and deducts its stock.
func (s *Service) ConfirmPendingSale(ctx context.Context, saleID, storeID, actorID int64) (*SaleResult, error) {
	if actorID <= 0 {
		return nil, shared.Validationf("actor is required")
	}
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	if sale.PaymentStatus != PaymentStatusPending {
		return nil, fmt.Errorf("%w: sale %s is %s, not pending", shared.ErrInvalidState, sale.ReceiptNumber, sale.PaymentStatus)
	}
	sale, err = s.transition(ctx, sale, PaymentStatusPending, PaymentStatusCompleted)
	if err != nil {
		return nil, err
	}
	result := &SaleResult{Sale: sale, Items: items}
	var deductErr error
	result.Stock, deductErr = s.deduct(ctx, sale, items, actorID)
	s.record(ctx, shared.AuditSaleConfirmed, sale, actorID, map[string]any{
		"receipt":      sale.ReceiptNumber,
		"failed_items": len(result.Stock.Failed()),
	})
	return result, deductErr
}

// CancelPendingSale abandons a sale whose payment never went through. No stock moves.
func (s *Service) CancelPendingSale(ctx context.Context, saleID, storeID, actorID int64) (*SaleResult, error) {
	if actorID <= 0 {
		return nil, shared.Validationf("actor is required")
	}
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	if sale.PaymentStatus != PaymentStatusPending {
		return nil, fmt.Errorf("%w: sale %s is %s, not pending", shared.ErrInvalidState, sale.ReceiptNumber, sale.PaymentStatus)
	}
	sale, err = s.transition(ctx, sale, PaymentStatusPending, PaymentStatusCancelled)
	if err != nil {
		return nil, err
	}
	s.record(ctx, shared.AuditSaleCancelled, sale, actorID, map[string]any{"receipt": sale.ReceiptNumber})
	return &SaleResult{Sale: sale, Items: items}, nil
}

// RefundSale refunds a completed sale and puts back into stock whatever was
// deducted and not yet returned. It runs under the sale's returns lock and
// claims the sale before reading the ledger, so neither a second refund nor a
// return batch can restore the same units twice. Sales with deduction gaps
// must be reconciled first.
func (s *Service) RefundSale(ctx context.Context, saleID, storeID, actorID int64) (*SaleResult, error) {
	if actorID <= 0 {
		return nil, shared.Validationf("actor is required")
	}
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.SaleReturnsLockKey(storeID, saleID))
		if err != nil {
			return nil, fmt.Errorf("sales: lock sale %d: %w", saleID, err)
		}
		defer release()
	}
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	switch sale.PaymentStatus {
	case PaymentStatusRefunded:
		return nil, fmt.Errorf("%w: sale %s already refunded", shared.ErrInvalidState, sale.ReceiptNumber)
	case PaymentStatusPending, PaymentStatusCancelled:
		return nil, fmt.Errorf("%w: sale %s is %s and has no stock to restore", shared.ErrInvalidState, sale.ReceiptNumber, sale.PaymentStatus)
	}
	missing, err := s.gaps(ctx, sale, items)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: sale %s has %d items without stock deduction, reconcile before refunding", shared.ErrInvalidState, sale.ReceiptNumber, len(missing))
	}
	sale, err = s.transition(ctx, sale, PaymentStatusCompleted, PaymentStatusRefunded)
	if err != nil {
		return nil, err
	}
	movements, err := s.ledger.Movements(ctx, inventory.MovementFilter{StoreID: storeID, SaleID: saleID})
	if err != nil {
		if _, undoErr := s.transition(ctx, sale, PaymentStatusRefunded, PaymentStatusCompleted); undoErr != nil {
			err = errors.Join(err, undoErr)
		}
		return nil, fmt.Errorf("sales: load ledger of %s: %w", sale.ReceiptNumber, err)
	}

	quantities := AllocateMovements(items, movements)
	batchID := uuid.NewString()
	report := StockReport{}
	var errs []error
	for _, item := range items {
		q := quantities[item.ID]
		restore := max(0, q.Deducted-q.Returned)
		outcome := StockOutcome{SaleItemID: item.ID, ProductID: item.ProductID, Pool: item.Pool, Quantity: restore}
		if restore == 0 {
			outcome.Status = StockOutcomeSkipped
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}
		mv, product, err := s.ledger.Apply(ctx, inventory.MovementInput{
			StoreID:    storeID,
			ProductID:  item.ProductID,
			Pool:       item.Pool,
			Type:       inventory.MovementTypeReturn,
			Change:     restore,
			Reason:     "refund " + sale.ReceiptNumber,
			ActorID:    actorID,
			SaleID:     sale.ID,
			SaleItemID: item.ID,
			ReturnType: inventory.ReturnTypeCustomerMistake,
			BatchID:    batchID,
		})
		if err != nil {
			outcome.Status = StockOutcomeFailed
			outcome.Err = err
			errs = append(errs, fmt.Errorf("item %d: %w", item.ID, err))
			s.logger.Error("refund restore failed",
				slog.Int64("sale_id", sale.ID),
				slog.Int64("sale_item_id", item.ID),
				slog.Any("error", err))
		} else {
			outcome.Status = StockOutcomeApplied
			outcome.MovementID = mv.ID
			outcome.StockAfter = product.Stock(item.Pool)
			s.metrics.ObserveReturn(string(inventory.ReturnTypeCustomerMistake), restore)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	s.record(ctx, shared.AuditSaleRefunded, sale, actorID, map[string]any{
		"receipt":      sale.ReceiptNumber,
		"batch_id":     batchID,
		"failed_items": len(errs),
	})
	result := &SaleResult{Sale: sale, Items: items, Stock: report}
	if len(errs) > 0 {
		return result, fmt.Errorf("sales: refund %s restored %d of %d items: %w", sale.ReceiptNumber, len(items)-len(errs), len(items), errors.Join(errs...))
	}
	return result, nil
}

// GetSale loads a sale with its items.
func (s *Service) GetSale(ctx context.Context, saleID, storeID int64) (*SaleResult, error) {
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	return &SaleResult{Sale: sale, Items: items}, nil
}

// ListSales lists sales of a store.
func (s *Service) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	if filter.StoreID == 0 {
		return nil, shared.Validationf("store is required")
	}
	return s.repo.ListSales(ctx, filter)
}

// DeductionGaps lists items of a completed or refunded sale whose deduction is
// missing from the ledger. Pending and cancelled sales never have gaps.
func (s *Service) DeductionGaps(ctx context.Context, saleID, storeID int64) ([]SaleItem, error) {
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	return s.gaps(ctx, sale, items)
}

// ReconcileDeductions deducts the items DeductionGaps reports for a completed sale.
func (s *Service) ReconcileDeductions(ctx context.Context, saleID, storeID, actorID int64) (*SaleResult, error) {
	if actorID <= 0 {
		return nil, shared.Validationf("actor is required")
	}
	sale, items, err := s.repo.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	if sale.PaymentStatus != PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s, only completed sales are reconciled", shared.ErrInvalidState, sale.ReceiptNumber, sale.PaymentStatus)
	}
	missing, err := s.gaps(ctx, sale, items)
	if err != nil {
		return nil, err
	}
	result := &SaleResult{Sale: sale, Items: items}
	if len(missing) == 0 {
		return result, nil
	}
	var deductErr error
	result.Stock, deductErr = s.deduct(ctx, sale, missing, actorID)
	s.record(ctx, shared.AuditDeductionRepair, sale, actorID, map[string]any{
		"receipt":      sale.ReceiptNumber,
		"items":        len(missing),
		"failed_items": len(result.Stock.Failed()),
	})
	return result, deductErr
}

func (s *Service) gaps(ctx context.Context, sale Sale, items []SaleItem) ([]SaleItem, error) {
	if sale.PaymentStatus == PaymentStatusPending || sale.PaymentStatus == PaymentStatusCancelled {
		return nil, nil
	}
	movements, err := s.ledger.Movements(ctx, inventory.MovementFilter{StoreID: sale.StoreID, SaleID: sale.ID, Type: inventory.MovementTypeSale})
	if err != nil {
		return nil, fmt.Errorf("sales: load deductions of %s: %w", sale.ReceiptNumber, err)
	}
	quantities := AllocateMovements(items, movements)
	var missing []SaleItem
	for _, item := range items {
		q := quantities[item.ID]
		if q.Deducted >= item.Quantity {
			continue
		}
		partial := item
		partial.Quantity = item.Quantity - q.Deducted
		missing = append(missing, partial)
	}
	return missing, nil
}

func (s *Service) deduct(ctx context.Context, sale Sale, items []SaleItem, actorID int64) (StockReport, error) {
	report := StockReport{Outcomes: make([]StockOutcome, 0, len(items))}
	var errs []error
	for _, item := range items {
		outcome := StockOutcome{SaleItemID: item.ID, ProductID: item.ProductID, Pool: item.Pool, Quantity: item.Quantity}
		mv, product, err := s.ledger.Apply(ctx, inventory.MovementInput{
			StoreID:    sale.StoreID,
			ProductID:  item.ProductID,
			Pool:       item.Pool,
			Type:       inventory.MovementTypeSale,
			Change:     -item.Quantity,
			Reason:     "sale " + sale.ReceiptNumber,
			ActorID:    actorID,
			SaleID:     sale.ID,
			SaleItemID: item.ID,
		})
		if err != nil {
			outcome.Status = StockOutcomeFailed
			outcome.Err = err
			errs = append(errs, fmt.Errorf("item %d product %d: %w", item.ID, item.ProductID, err))
			reason := "error"
			if errors.Is(err, shared.ErrInsufficientStock) {
				reason = "insufficient_stock"
			}
			s.metrics.ObserveDeductionFailure(reason)
			s.logger.Warn("stock deduction failed",
				slog.Int64("sale_id", sale.ID),
				slog.Int64("sale_item_id", item.ID),
				slog.Int64("product_id", item.ProductID),
				slog.String("stock_type", string(item.Pool)),
				slog.Any("error", err))
		} else {
			outcome.Status = StockOutcomeApplied
			outcome.MovementID = mv.ID
			outcome.StockAfter = product.Stock(item.Pool)
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("sales: %s deducted %d of %d items: %w", sale.ReceiptNumber, len(items)-len(errs), len(items), errors.Join(errs...))
	}
	return report, nil
}

func (s *Service) priceLines(ctx context.Context, req ProcessSaleRequest) ([]SaleItem, []LineTotals, error) {
	items := make([]SaleItem, 0, len(req.Lines))
	totals := make([]LineTotals, 0, len(req.Lines))
	requested := map[productPool]int{}
	for i, line := range req.Lines {
		pool := line.Pool
		if pool == "" {
			pool = inventory.StockPoolVenta
		}
		product, err := s.ledger.Product(ctx, line.ProductID, req.StoreID)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if !product.IsActive {
			return nil, nil, fmt.Errorf("%w: product %d (%s) is inactive", shared.ErrInvalidState, product.ID, product.Name)
		}
		key := productPool{productID: product.ID, pool: pool}
		requested[key] += line.Quantity
		if available := product.Stock(pool); requested[key] > available {
			return nil, nil, &shared.StockError{ProductID: product.ID, Pool: string(pool), Requested: requested[key], Available: available}
		}
		price := product.Price
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		}
		// The stored unit price must reproduce the stored subtotal.
		price = roundMoney(price)
		lt, err := CalculateLine(price, line.Quantity, line.Discount)
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		totals = append(totals, lt)
		items = append(items, SaleItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			SKU:         product.SKU,
			Barcode:     product.Barcode,
			Quantity:    line.Quantity,
			UnitPrice:   price,
			Subtotal:    lt.Subtotal,
			Discount:    lt.Discount,
			Total:       lt.Total,
			Pool:        pool,
		})
	}
	return items, totals, nil
}

func (s *Service) nextReceipt(ctx context.Context, storeID int64, year int) (string, error) {
	seq, _, err := s.repo.LatestReceiptSequence(ctx, storeID, year)
	if err != nil {
		return "", fmt.Errorf("sales: latest receipt sequence: %w", err)
	}
	return FormatReceiptNumber(year, seq+1), nil
}

func (s *Service) transition(ctx context.Context, sale Sale, from, to PaymentStatus) (Sale, error) {
	updated, err := s.repo.UpdateSaleStatus(ctx, sale.ID, sale.StoreID, from, to)
	if errors.Is(err, shared.ErrConflict) {
		return Sale{}, fmt.Errorf("%w: sale %s is no longer %s", shared.ErrInvalidState, sale.ReceiptNumber, from)
	}
	if err != nil {
		return Sale{}, fmt.Errorf("sales: update status of %s: %w", sale.ReceiptNumber, err)
	}
	s.metrics.ObserveSale(string(to))
	s.logger.Info("sale status changed",
		slog.Int64("sale_id", sale.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
	return updated, nil
}

// TransitionToRefunded marks a completed sale refunded without moving stock.
// It is used once returns have brought every item back.
func (s *Service) TransitionToRefunded(ctx context.Context, sale Sale) (Sale, error) {
	return s.transition(ctx, sale, PaymentStatusCompleted, PaymentStatusRefunded)
}

func (s *Service) releaseKey(ctx context.Context, req ProcessSaleRequest) {
	if req.IdempotencyKey == "" || s.idempotency == nil {
		return
	}
	if err := s.idempotency.Delete(ctx, idempotencyKey(req.StoreID, req.IdempotencyKey)); err != nil {
		s.logger.Warn("release idempotency key", slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, action string, sale Sale, actorID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		StoreID:  sale.StoreID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "sale",
		EntityID: strconv.FormatInt(sale.ID, 10),
		Meta:     meta,
		At:       s.clock(),
	})
	if err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

func idempotencyKey(storeID int64, key string) string {
	return fmt.Sprintf("store:%d:sale:%s", storeID, key)
}

func validateRequest(req ProcessSaleRequest, actorID int64) error {
	if actorID <= 0 {
		return shared.Validationf("actor is required")
	}
	if req.StoreID <= 0 {
		return shared.Validationf("store is required")
	}
	if len(req.Lines) == 0 {
		return shared.Validationf("sale must contain at least one item")
	}
	if !req.PaymentMethod.Valid() {
		return shared.Validationf("unknown payment method %q", req.PaymentMethod)
	}
	if req.Discount.IsNegative() {
		return shared.Validationf("discount must not be negative")
	}
	for i, line := range req.Lines {
		if line.ProductID <= 0 {
			return shared.Validationf("line %d: product is required", i+1)
		}
		if line.Quantity <= 0 {
			return shared.Validationf("line %d: quantity must be positive", i+1)
		}
		if line.Discount.IsNegative() {
			return shared.Validationf("line %d: discount must not be negative", i+1)
		}
		if line.UnitPrice != nil && line.UnitPrice.LessThan(decimal.Zero) {
			return shared.Validationf("line %d: unit price must not be negative", i+1)
		}
		if line.Pool != "" && !line.Pool.Valid() {
			return shared.Validationf("line %d: unknown stock type %q", i+1, line.Pool)
		}
	}
	return nil
}
