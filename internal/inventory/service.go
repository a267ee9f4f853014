package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/observability"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// RepositoryPort abstracts product and ledger persistence for the ledger service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetProduct(ctx context.Context, id, storeID int64) (Product, error)
	ListProducts(ctx context.Context, storeID int64) ([]Product, error)
	QueryMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error)
}

// TxRepository exposes the writes that must commit together.
type TxRepository interface {
	// UpdateProductStock sets pool to newValue only while it still holds
	// expectedBefore, returning shared.ErrConflict otherwise.
	UpdateProductStock(ctx context.Context, id, storeID int64, pool StockPool, expectedBefore, newValue int) (Product, error)
	InsertStockMovement(ctx context.Context, movement StockMovement) (StockMovement, error)
}

// AlertPublisher receives low-stock notifications after a deduction commits.
type AlertPublisher interface {
	PublishLowStock(ctx context.Context, alert LowStockAlert) error
}

// LedgerConfig groups optional settings.
type LedgerConfig struct {
	// MaxRetries bounds how often a conflicting conditional write is re-read and retried.
	MaxRetries int
}

// Ledger records stock movements and keeps the cached product stock in step with them.
type Ledger struct {
	repo       RepositoryPort
	logger     *slog.Logger
	metrics    *observability.Metrics
	alerts     AlertPublisher
	maxRetries int
	clock      func() time.Time
}

// NewLedger builds a Ledger. logger, metrics and alerts may be nil.
func NewLedger(repo RepositoryPort, logger *slog.Logger, metrics *observability.Metrics, alerts AlertPublisher, cfg LedgerConfig) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Ledger{
		repo:       repo,
		logger:     logger.With(slog.String("component", "inventory.ledger")),
		metrics:    metrics,
		alerts:     alerts,
		maxRetries: retries,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Product loads a product scoped to its store.
func (l *Ledger) Product(ctx context.Context, id, storeID int64) (Product, error) {
	return l.repo.GetProduct(ctx, id, storeID)
}

// Movements queries the ledger in commit order.
func (l *Ledger) Movements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	if filter.StoreID == 0 {
		return nil, shared.Validationf("store is required")
	}
	if filter.Pool != "" && !filter.Pool.Valid() {
		return nil, shared.Validationf("unknown stock type %q", filter.Pool)
	}
	return l.repo.QueryMovements(ctx, filter)
}

// Apply commits one movement and the matching stock write atomically.
func (l *Ledger) Apply(ctx context.Context, input MovementInput) (StockMovement, Product, error) {
	if err := validateInput(input); err != nil {
		return StockMovement{}, Product{}, err
	}
	movements, product, err := l.commit(ctx, input, []MovementInput{input})
	if err != nil {
		return StockMovement{}, Product{}, err
	}
	return movements[0], product, nil
}

// ApplyScrapped records a return of units that cannot be resold: a positive
// return entry immediately offset by an adjustment of the same size, so the
// pool ends unchanged while the ledger still replays to the cached stock.
func (l *Ledger) ApplyScrapped(ctx context.Context, input MovementInput, scrapReason string) ([]StockMovement, Product, error) {
	if err := validateInput(input); err != nil {
		return nil, Product{}, err
	}
	if input.Type != MovementTypeReturn || input.Change <= 0 {
		return nil, Product{}, shared.Validationf("scrapped movement must be a positive return")
	}
	scrap := input
	scrap.Type = MovementTypeAdjustment
	scrap.Change = -input.Change
	scrap.Reason = scrapReason
	scrap.ReturnType = ""
	return l.commit(ctx, input, []MovementInput{input, scrap})
}

func (l *Ledger) commit(ctx context.Context, head MovementInput, steps []MovementInput) ([]StockMovement, Product, error) {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		product, err := l.repo.GetProduct(ctx, head.ProductID, head.StoreID)
		if err != nil {
			return nil, Product{}, err
		}
		before := product.Stock(head.Pool)
		now := l.clock()
		entries := make([]StockMovement, 0, len(steps))
		running := before
		for _, step := range steps {
			after := running + step.Change
			if after < 0 {
				return nil, Product{}, &shared.StockError{ProductID: head.ProductID, Pool: string(head.Pool), Requested: -step.Change, Available: running}
			}
			entries = append(entries, StockMovement{
				StoreID:        step.StoreID,
				ProductID:      step.ProductID,
				Type:           step.Type,
				Pool:           step.Pool,
				QuantityChange: step.Change,
				QuantityBefore: running,
				QuantityAfter:  after,
				Reason:         step.Reason,
				PerformedBy:    step.ActorID,
				SaleID:         step.SaleID,
				SaleItemID:     step.SaleItemID,
				ReturnType:     step.ReturnType,
				BatchID:        step.BatchID,
				CreatedAt:      now,
			})
			running = after
		}

		var updated Product
		stored := make([]StockMovement, 0, len(entries))
		err = l.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			stored = stored[:0]
			var err error
			updated, err = tx.UpdateProductStock(ctx, head.ProductID, head.StoreID, head.Pool, before, running)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				saved, err := tx.InsertStockMovement(ctx, entry)
				if err != nil {
					return err
				}
				stored = append(stored, saved)
			}
			return nil
		})
		if errors.Is(err, shared.ErrConflict) {
			l.metrics.ObserveStockConflict()
			l.logger.Debug("stock write conflict, retrying",
				slog.Int64("product_id", head.ProductID),
				slog.String("stock_type", string(head.Pool)),
				slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, Product{}, fmt.Errorf("inventory: apply %s movement: %w", head.Type, err)
		}
		for _, m := range stored {
			l.metrics.ObserveMovement(string(m.Type), string(m.Pool))
		}
		l.maybeAlert(ctx, updated, head.Pool, head.Change)
		return stored, updated, nil
	}
	return nil, Product{}, fmt.Errorf("%w: product %d stock %s changed %d times in a row", shared.ErrConflict, head.ProductID, head.Pool, l.maxRetries+1)
}

func (l *Ledger) maybeAlert(ctx context.Context, product Product, pool StockPool, change int) {
	if l.alerts == nil || change >= 0 {
		return
	}
	qty := product.Stock(pool)
	threshold := product.MinStock(pool)
	if threshold <= 0 || qty > threshold {
		return
	}
	alert := LowStockAlert{
		StoreID:   product.StoreID,
		ProductID: product.ID,
		Name:      product.Name,
		Pool:      pool,
		Quantity:  qty,
		MinStock:  threshold,
		At:        l.clock(),
	}
	if err := l.alerts.PublishLowStock(ctx, alert); err != nil {
		l.logger.Warn("publish low stock alert", slog.Int64("product_id", product.ID), slog.Any("error", err))
	}
}

func validateInput(input MovementInput) error {
	if input.StoreID == 0 || input.ProductID == 0 {
		return shared.Validationf("store and product are required")
	}
	if !input.Pool.Valid() {
		return shared.Validationf("unknown stock type %q", input.Pool)
	}
	if !input.Type.Valid() {
		return shared.Validationf("unknown movement type %q", input.Type)
	}
	if input.Change == 0 {
		return shared.Validationf("quantity change must be non zero")
	}
	if input.ReturnType != "" && (input.Type != MovementTypeReturn || !input.ReturnType.Valid()) {
		return shared.Validationf("return type %q not allowed on %s movement", input.ReturnType, input.Type)
	}
	return nil
}

// PoolReplay is the outcome of replaying one pool's ledger against the cached stock.
type PoolReplay struct {
	ProductID int64
	Pool      StockPool
	Movements int
	Opening   int
	Replayed  int
	Cached    int
	// Breaks counts entries whose QuantityBefore differs from the previous QuantityAfter.
	Breaks int
}

// Consistent reports whether the replay matched the cached stock without chain breaks.
func (r PoolReplay) Consistent() bool {
	return r.Breaks == 0 && r.Replayed == r.Cached
}

// Verify replays the product ledger per pool. The opening balance of a pool is
// the QuantityBefore of its first entry; a pool without entries is consistent.
// A discrepancy is returned alongside an error wrapping shared.ErrIntegrityViolation.
func (l *Ledger) Verify(ctx context.Context, storeID, productID int64) ([]PoolReplay, error) {
	product, err := l.repo.GetProduct(ctx, productID, storeID)
	if err != nil {
		return nil, err
	}
	entries, err := l.repo.QueryMovements(ctx, MovementFilter{StoreID: storeID, ProductID: productID})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	var (
		results []PoolReplay
		broken  []string
	)
	for _, pool := range []StockPool{StockPoolVenta, StockPoolDeposito} {
		replay := PoolReplay{ProductID: productID, Pool: pool, Cached: product.Stock(pool)}
		first := true
		for _, e := range entries {
			if e.Pool != pool {
				continue
			}
			if first {
				replay.Opening = e.QuantityBefore
				replay.Replayed = e.QuantityBefore
				first = false
			}
			if e.QuantityBefore != replay.Replayed || e.QuantityAfter != e.QuantityBefore+e.QuantityChange {
				replay.Breaks++
			}
			replay.Replayed += e.QuantityChange
			replay.Movements++
		}
		if first {
			replay.Replayed = replay.Cached
			replay.Opening = replay.Cached
		}
		if !replay.Consistent() {
			broken = append(broken, fmt.Sprintf("%s replayed %d cached %d breaks %d", pool, replay.Replayed, replay.Cached, replay.Breaks))
		}
		results = append(results, replay)
	}
	if len(broken) > 0 {
		return results, fmt.Errorf("%w: product %d ledger mismatch: %v", shared.ErrIntegrityViolation, productID, broken)
	}
	return results, nil
}

// Products lists every product of a store.
func (l *Ledger) Products(ctx context.Context, storeID int64) ([]Product, error) {
	return l.repo.ListProducts(ctx, storeID)
}
