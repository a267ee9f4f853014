// Package memory keeps stores, products, the stock ledger and sales in process.
// It backs tests and the local dev mode when no PostgreSQL DSN is configured.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/sales"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Store implements inventory.RepositoryPort and sales.RepositoryPort.
type Store struct {
	mu sync.RWMutex

	stores    map[int64]sales.Store
	products  map[int64]inventory.Product
	movements []inventory.StockMovement
	sales     map[int64]sales.Sale
	items     map[int64][]sales.SaleItem
	keys      map[string]string
	audit     []shared.AuditLog

	nextProduct  int64
	nextMovement int64
	nextSale     int64
	nextItem     int64
	now          func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		stores:   map[int64]sales.Store{},
		products: map[int64]inventory.Product{},
		sales:    map[int64]sales.Sale{},
		items:    map[int64][]sales.SaleItem{},
		keys:     map[string]string{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PutStore creates or replaces a store.
func (s *Store) PutStore(st sales.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

// PutProduct creates or replaces a product. A zero ID is assigned.
func (s *Store) PutProduct(p inventory.Product) inventory.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.nextProduct++
		p.ID = s.nextProduct
	} else if p.ID > s.nextProduct {
		s.nextProduct = p.ID
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = s.now()
	}
	s.products[p.ID] = p
	return p
}

// SetStock overwrites a pool without writing a ledger entry, as a broken
// writer would.
func (s *Store) SetStock(productID int64, pool inventory.StockPool, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.products[productID]; ok {
		s.products[productID] = p.WithStock(pool, qty)
	}
}

// AllMovements returns a copy of the whole ledger in commit order.
func (s *Store) AllMovements() []inventory.StockMovement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.movements)
}

// AuditLogs returns a copy of the recorded audit entries.
func (s *Store) AuditLogs() []shared.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.audit)
}

// GetStore implements sales.RepositoryPort.
func (s *Store) GetStore(_ context.Context, storeID int64) (sales.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[storeID]
	if !ok {
		return sales.Store{}, fmt.Errorf("%w: store %d", shared.ErrNotFound, storeID)
	}
	return st, nil
}

// GetProduct implements inventory.RepositoryPort.
func (s *Store) GetProduct(_ context.Context, id, storeID int64) (inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok || p.StoreID != storeID {
		return inventory.Product{}, fmt.Errorf("%w: product %d in store %d", shared.ErrNotFound, id, storeID)
	}
	return p, nil
}

// ListProducts implements inventory.RepositoryPort.
func (s *Store) ListProducts(_ context.Context, storeID int64) ([]inventory.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []inventory.Product{}
	for _, p := range s.products {
		if p.StoreID == storeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// QueryMovements implements inventory.RepositoryPort.
func (s *Store) QueryMovements(_ context.Context, filter inventory.MovementFilter) ([]inventory.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []inventory.StockMovement{}
	for _, m := range s.movements {
		if !filter.Matches(m) {
			continue
		}
		out = append(out, m)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

type txStore struct {
	products  map[int64]inventory.Product
	movements []inventory.StockMovement
	next      int64
	now       time.Time
}

// WithTx runs fn against a staged copy and publishes it only when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &txStore{products: map[int64]inventory.Product{}, next: s.nextMovement, now: s.now()}
	view := &txView{store: s, tx: tx}
	if err := fn(ctx, view); err != nil {
		return err
	}
	for id, p := range tx.products {
		s.products[id] = p
	}
	s.movements = append(s.movements, tx.movements...)
	s.nextMovement = tx.next
	return nil
}

type txView struct {
	store *Store
	tx    *txStore
}

func (v *txView) product(id int64) (inventory.Product, bool) {
	if p, ok := v.tx.products[id]; ok {
		return p, true
	}
	p, ok := v.store.products[id]
	return p, ok
}

func (v *txView) UpdateProductStock(_ context.Context, id, storeID int64, pool inventory.StockPool, expectedBefore, newValue int) (inventory.Product, error) {
	p, ok := v.product(id)
	if !ok || p.StoreID != storeID {
		return inventory.Product{}, fmt.Errorf("%w: product %d in store %d", shared.ErrNotFound, id, storeID)
	}
	if !pool.Valid() {
		return inventory.Product{}, shared.Validationf("unknown stock type %q", pool)
	}
	if p.Stock(pool) != expectedBefore {
		return inventory.Product{}, fmt.Errorf("%w: product %d %s is %d, expected %d", shared.ErrConflict, id, pool, p.Stock(pool), expectedBefore)
	}
	p = p.WithStock(pool, newValue)
	p.UpdatedAt = v.tx.now
	v.tx.products[id] = p
	return p, nil
}

func (v *txView) InsertStockMovement(_ context.Context, m inventory.StockMovement) (inventory.StockMovement, error) {
	v.tx.next++
	m.ID = v.tx.next
	if m.CreatedAt.IsZero() {
		m.CreatedAt = v.tx.now
	}
	v.tx.movements = append(v.tx.movements, m)
	return m, nil
}

// GetSale implements sales.RepositoryPort.
func (s *Store) GetSale(_ context.Context, id, storeID int64) (sales.Sale, []sales.SaleItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok || sale.StoreID != storeID {
		return sales.Sale{}, nil, fmt.Errorf("%w: sale %d in store %d", shared.ErrNotFound, id, storeID)
	}
	return sale, slices.Clone(s.items[id]), nil
}

// ListSales implements sales.RepositoryPort.
func (s *Store) ListSales(_ context.Context, filter sales.SaleFilter) ([]sales.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []sales.Sale{}
	for _, sale := range s.sales {
		if sale.StoreID != filter.StoreID {
			continue
		}
		if filter.Status != "" && sale.PaymentStatus != filter.Status {
			continue
		}
		if !filter.From.IsZero() && sale.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && sale.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, sale)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LatestReceiptSequence implements sales.RepositoryPort.
func (s *Store) LatestReceiptSequence(_ context.Context, storeID int64, year int) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := fmt.Sprintf("REC-%d-", year)
	best, found := 0, false
	for _, sale := range s.sales {
		if sale.StoreID != storeID || !strings.HasPrefix(sale.ReceiptNumber, prefix) {
			continue
		}
		_, seq, err := sales.ParseReceiptNumber(sale.ReceiptNumber)
		if err != nil {
			return 0, false, fmt.Errorf("%w: stored %v", shared.ErrIntegrityViolation, err)
		}
		if seq > best {
			best = seq
		}
		found = true
	}
	return best, found, nil
}

// InsertSale implements sales.RepositoryPort.
func (s *Store) InsertSale(_ context.Context, sale sales.Sale, items []sales.SaleItem) (sales.Sale, []sales.SaleItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sales {
		if existing.StoreID == sale.StoreID && existing.ReceiptNumber == sale.ReceiptNumber {
			return sales.Sale{}, nil, fmt.Errorf("%w: receipt %s already used in store %d", shared.ErrIntegrityViolation, sale.ReceiptNumber, sale.StoreID)
		}
	}
	s.nextSale++
	sale.ID = s.nextSale
	saved := make([]sales.SaleItem, 0, len(items))
	for _, it := range items {
		s.nextItem++
		it.ID = s.nextItem
		it.SaleID = sale.ID
		saved = append(saved, it)
	}
	s.sales[sale.ID] = sale
	s.items[sale.ID] = saved
	return sale, slices.Clone(saved), nil
}

// UpdateSaleStatus implements sales.RepositoryPort.
func (s *Store) UpdateSaleStatus(_ context.Context, id, storeID int64, from, to sales.PaymentStatus) (sales.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sale, ok := s.sales[id]
	if !ok || sale.StoreID != storeID || sale.PaymentStatus != from {
		return sales.Sale{}, fmt.Errorf("%w: sale %d not %s", shared.ErrConflict, id, from)
	}
	sale.PaymentStatus = to
	sale.UpdatedAt = s.now()
	s.sales[id] = sale
	return sale, nil
}

// CheckAndInsert registers an idempotency key.
func (s *Store) CheckAndInsert(_ context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = module
	return nil
}

// Delete releases an idempotency key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Record appends an audit entry.
func (s *Store) Record(_ context.Context, log shared.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, log)
	return nil
}
