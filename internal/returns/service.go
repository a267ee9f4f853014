package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// SalePort is the part of the sale lifecycle the returns engine needs.
type SalePort interface {
	GetSale(ctx context.Context, saleID, storeID int64) (*sales.SaleResult, error)
	TransitionToRefunded(ctx context.Context, sale sales.Sale) (sales.Sale, error)
}

// LedgerPort is the part of the stock ledger the returns engine needs.
type LedgerPort interface {
	Product(ctx context.Context, id, storeID int64) (inventory.Product, error)
	Movements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error)
	Apply(ctx context.Context, input inventory.MovementInput) (inventory.StockMovement, inventory.Product, error)
	ApplyScrapped(ctx context.Context, input inventory.MovementInput, scrapReason string) ([]inventory.StockMovement, inventory.Product, error)
}

// Locker serializes batches on the same sale.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service reconciles returns of sold items with the ledger.
type Service struct {
	sales   SalePort
	ledger  LedgerPort
	locker  Locker
	audit   AuditPort
	metrics *observability.Metrics
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
}

// ServiceDeps groups the optional collaborators of Service.
type ServiceDeps struct {
	Locker  Locker
	Audit   AuditPort
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewService builds Service.
func NewService(salesPort SalePort, ledger LedgerPort, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sales:   salesPort,
		ledger:  ledger,
		locker:  deps.Locker,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  logger.With(slog.String("component", "sales.returns")),
		clock:   func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// GetReturnsSummary reports, per sale item, how much was sold, returned and
// can still be returned, next to the current stock of the item's pool.
func (s *Service) GetReturnsSummary(ctx context.Context, saleID, storeID int64) (Summary, error) {
	sale, err := s.sales.GetSale(ctx, saleID, storeID)
	if err != nil {
		return Summary{}, err
	}
	return s.summarize(ctx, sale.Sale, sale.Items)
}

func (s *Service) summarize(ctx context.Context, sale sales.Sale, items []sales.SaleItem) (Summary, error) {
	movements, err := s.ledger.Movements(ctx, inventory.MovementFilter{
		StoreID: sale.StoreID,
		SaleID:  sale.ID,
		Type:    inventory.MovementTypeReturn,
	})
	if err != nil {
		return Summary{}, fmt.Errorf("returns: load returns of %s: %w", sale.ReceiptNumber, err)
	}
	quantities := sales.AllocateMovements(items, movements)
	stock := map[int64]inventory.Product{}

	summary := Summary{
		SaleID:        sale.ID,
		ReceiptNumber: sale.ReceiptNumber,
		Status:        sale.PaymentStatus,
		Items:         make([]ItemSummary, 0, len(items)),
	}
	for _, item := range items {
		product, ok := stock[item.ProductID]
		if !ok {
			product, err = s.ledger.Product(ctx, item.ProductID, sale.StoreID)
			switch {
			case errors.Is(err, shared.ErrNotFound):
				product = inventory.Product{ID: item.ProductID}
			case err != nil:
				return Summary{}, fmt.Errorf("returns: load product %d: %w", item.ProductID, err)
			}
			stock[item.ProductID] = product
		}
		q := quantities[item.ID]
		summary.Items = append(summary.Items, ItemSummary{
			SaleItemID:   item.ID,
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			SKU:          item.SKU,
			Pool:         item.Pool,
			Sold:         item.Quantity,
			Returned:     q.Returned,
			Remaining:    q.Returnable(item),
			CurrentStock: product.Stock(item.Pool),
		})
	}
	return summary, nil
}

// ReturnItemsBatch records the returns of one batch against a completed sale.
//
// Every line is validated before anything is written. Lines are then committed
// one by one; when a line fails, the lines before it stay committed and the
// result lists them next to the error. Once every item of the sale is back the
// sale moves to refunded.
func (s *Service) ReturnItemsBatch(ctx context.Context, saleID, storeID, actorID int64, lines []ReturnLine) (*BatchResult, error) {
	if actorID <= 0 {
		return nil, shared.Validationf("actor is required")
	}
	if len(lines) == 0 {
		return nil, shared.Validationf("batch must contain at least one item")
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, shared.SaleReturnsLockKey(storeID, saleID))
		if err != nil {
			return nil, fmt.Errorf("returns: lock sale %d: %w", saleID, err)
		}
		defer release()
	}

	loaded, err := s.sales.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	sale := loaded.Sale
	if sale.PaymentStatus != sales.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: sale %s is %s, only completed sales accept returns", shared.ErrInvalidState, sale.ReceiptNumber, sale.PaymentStatus)
	}
	summary, err := s.summarize(ctx, sale, loaded.Items)
	if err != nil {
		return nil, err
	}
	lines, err = normalizeLines(summary, lines)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{BatchID: s.newID()}
	var lineErr error
	for i, line := range lines {
		committed, err := s.commitLine(ctx, sale, line, actorID, result.BatchID)
		if err != nil {
			lineErr = fmt.Errorf("line %d item %d: %w", i+1, line.SaleItemID, err)
			s.logger.Warn("return line failed",
				slog.Int64("sale_id", sale.ID),
				slog.Int64("sale_item_id", line.SaleItemID),
				slog.String("batch_id", result.BatchID),
				slog.Any("error", err))
			break
		}
		result.Committed = append(result.Committed, committed)
		s.metrics.ObserveReturn(string(line.ReturnType), line.Quantity)
	}

	if len(result.Committed) > 0 {
		if err := s.finish(ctx, sale, loaded.Items, actorID, result); err != nil {
			return result, errors.Join(lineErr, err)
		}
	} else {
		result.Summary = summary
	}
	if lineErr != nil {
		return result, fmt.Errorf("returns: %s committed %d of %d lines: %w", sale.ReceiptNumber, len(result.Committed), len(lines), lineErr)
	}
	return result, nil
}

func (s *Service) commitLine(ctx context.Context, sale sales.Sale, line ReturnLine, actorID int64, batchID string) (CommittedLine, error) {
	reason := "return " + sale.ReceiptNumber
	if line.Reason != "" {
		reason += ": " + line.Reason
	}
	input := inventory.MovementInput{
		StoreID:    sale.StoreID,
		ProductID:  line.ProductID,
		Pool:       line.Pool,
		Type:       inventory.MovementTypeReturn,
		Change:     line.Quantity,
		Reason:     reason,
		ActorID:    actorID,
		SaleID:     sale.ID,
		SaleItemID: line.SaleItemID,
		ReturnType: line.ReturnType,
		BatchID:    batchID,
	}
	committed := CommittedLine{Line: line}
	switch line.ReturnType {
	case inventory.ReturnTypeDefective:
		movements, product, err := s.ledger.ApplyScrapped(ctx, input, "scrap defective return "+sale.ReceiptNumber)
		if err != nil {
			return CommittedLine{}, err
		}
		for _, m := range movements {
			committed.MovementIDs = append(committed.MovementIDs, m.ID)
		}
		committed.StockAfter = product.Stock(line.Pool)
	default:
		movement, product, err := s.ledger.Apply(ctx, input)
		if err != nil {
			return CommittedLine{}, err
		}
		committed.MovementIDs = []int64{movement.ID}
		committed.StockAfter = product.Stock(line.Pool)
	}
	return committed, nil
}

func (s *Service) finish(ctx context.Context, sale sales.Sale, items []sales.SaleItem, actorID int64, result *BatchResult) error {
	summary, err := s.summarize(ctx, sale, items)
	if err != nil {
		return err
	}
	if summary.FullyReturned() {
		updated, err := s.sales.TransitionToRefunded(ctx, sale)
		if err != nil {
			result.Summary = summary
			return fmt.Errorf("returns: mark %s refunded: %w", sale.ReceiptNumber, err)
		}
		sale = updated
		summary.Status = updated.PaymentStatus
		result.SaleRefunded = true
	}
	result.Summary = summary

	units := 0
	for _, c := range result.Committed {
		units += c.Line.Quantity
	}
	s.logger.Info("returns batch recorded",
		slog.Int64("sale_id", sale.ID),
		slog.String("batch_id", result.BatchID),
		slog.Int("lines", len(result.Committed)),
		slog.Int("units", units),
		slog.Bool("refunded", result.SaleRefunded))
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			StoreID:  sale.StoreID,
			ActorID:  actorID,
			Action:   shared.AuditReturnsBatch,
			Entity:   "sale",
			EntityID: strconv.FormatInt(sale.ID, 10),
			Meta: map[string]any{
				"receipt":  sale.ReceiptNumber,
				"batch_id": result.BatchID,
				"lines":    len(result.Committed),
				"units":    units,
				"refunded": result.SaleRefunded,
			},
			At: s.clock(),
		})
		if err != nil {
			s.logger.Warn("audit record", slog.String("action", shared.AuditReturnsBatch), slog.Any("error", err))
		}
	}
	return nil
}

// normalizeLines checks every line against the sale and fills product and
// pool from the referenced item. Quantities are checked against the summed
// request per item so two lines cannot over-return together.
func normalizeLines(summary Summary, lines []ReturnLine) ([]ReturnLine, error) {
	out := make([]ReturnLine, 0, len(lines))
	requested := map[int64]int{}
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, shared.Validationf("line %d: quantity must be positive", i+1)
		}
		if !line.ReturnType.Valid() {
			return nil, shared.Validationf("line %d: unknown return type %q", i+1, line.ReturnType)
		}
		item, ok := summary.Item(line.SaleItemID)
		if !ok {
			return nil, shared.Validationf("line %d: item %d does not belong to sale %s", i+1, line.SaleItemID, summary.ReceiptNumber)
		}
		if line.ProductID != 0 && line.ProductID != item.ProductID {
			return nil, shared.Validationf("line %d: item %d sold product %d, not %d", i+1, item.SaleItemID, item.ProductID, line.ProductID)
		}
		if line.Pool != "" && line.Pool != item.Pool {
			return nil, shared.Validationf("line %d: item %d was sold from %s, not %s", i+1, item.SaleItemID, item.Pool, line.Pool)
		}
		requested[item.SaleItemID] += line.Quantity
		if requested[item.SaleItemID] > item.Remaining {
			return nil, &shared.StockError{
				ProductID: item.ProductID,
				Pool:      string(item.Pool),
				Requested: requested[item.SaleItemID],
				Available: item.Remaining,
			}
		}
		line.ProductID = item.ProductID
		line.Pool = item.Pool
		line.Reason = strings.TrimSpace(line.Reason)
		out = append(out, line)
	}
	return out, nil
}

// GetReturnedProducts lists every return recorded against the sale, oldest first.
func (s *Service) GetReturnedProducts(ctx context.Context, saleID, storeID int64) ([]ReturnedProduct, error) {
	sale, err := s.sales.GetSale(ctx, saleID, storeID)
	if err != nil {
		return nil, err
	}
	movements, err := s.ledger.Movements(ctx, inventory.MovementFilter{
		StoreID: storeID,
		SaleID:  saleID,
		Type:    inventory.MovementTypeReturn,
	})
	if err != nil {
		return nil, fmt.Errorf("returns: load returns of %s: %w", sale.Sale.ReceiptNumber, err)
	}
	byID := make(map[int64]sales.SaleItem, len(sale.Items))
	byProduct := make(map[int64]sales.SaleItem, len(sale.Items))
	for _, it := range sale.Items {
		byID[it.ID] = it
		if _, ok := byProduct[it.ProductID]; !ok {
			byProduct[it.ProductID] = it
		}
	}

	out := make([]ReturnedProduct, 0, len(movements))
	for _, m := range movements {
		item, ok := byID[m.SaleItemID]
		if !ok {
			item = byProduct[m.ProductID]
		}
		rp := ReturnedProduct{
			MovementID:  m.ID,
			SaleItemID:  item.ID,
			ProductID:   m.ProductID,
			ProductName: item.ProductName,
			SKU:         item.SKU,
			Pool:        m.Pool,
			Quantity:    m.QuantityChange,
			ReturnType:  m.ReturnType,
			Reason:      m.Reason,
			PerformedBy: m.PerformedBy,
			BatchID:     m.BatchID,
			CreatedAt:   m.CreatedAt,
		}
		if !rp.ReturnType.Valid() {
			rp.ReturnType = InferReturnType(m.Reason)
			rp.Inferred = true
		}
		out = append(out, rp)
	}
	return out, nil
}

var defectKeywords = []string{"defect", "damaged", "broken", "faulty", "scrap", "defectuoso", "dañado", "roto"}

// InferReturnType classifies entries written before return types were stored.
// A reason mentioning a defect is treated as defective, anything else as a
// customer mistake.
func InferReturnType(reason string) inventory.ReturnType {
	folded := cases.Fold().String(reason)
	for _, kw := range defectKeywords {
		if strings.Contains(folded, kw) {
			return inventory.ReturnTypeDefective
		}
	}
	return inventory.ReturnTypeCustomerMistake
}
