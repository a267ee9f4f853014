package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Repository persists products and the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

const productColumns = `id, store_id, name, sku, barcode, price, cost, stock_venta, stock_deposito, min_stock_venta, min_stock_deposito, is_active, updated_at`

const movementColumns = `id, store_id, product_id, movement_type, stock_type, quantity_change, quantity_before, quantity_after,
reason, performed_by, COALESCE(sale_id, 0), COALESCE(sale_item_id, 0), COALESCE(return_type, ''), COALESCE(batch_id::text, ''), created_at`

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if db.IsSerializationFailure(err) {
		return fmt.Errorf("%w: %v", shared.ErrConflict, err)
	}
	return err
}

// GetProduct loads a product scoped to its store.
func (r *Repository) GetProduct(ctx context.Context, id, storeID int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 AND store_id=$2`, id, storeID)
	product, err := scanProduct(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %d in store %d", shared.ErrNotFound, id, storeID)
	}
	return product, err
}

// ListProducts returns every product of the store ordered by id.
func (r *Repository) ListProducts(ctx context.Context, storeID int64) ([]Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+productColumns+` FROM products WHERE store_id=$1 ORDER BY id`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	products := []Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// QueryMovements lists ledger entries in commit order.
func (r *Repository) QueryMovements(ctx context.Context, filter MovementFilter) ([]StockMovement, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	add("store_id=$%d", filter.StoreID)
	if filter.ProductID != 0 {
		add("product_id=$%d", filter.ProductID)
	}
	if filter.SaleID != 0 {
		add("sale_id=$%d", filter.SaleID)
	}
	if filter.Pool != "" {
		add("stock_type=$%d", string(filter.Pool))
	}
	if filter.Type != "" {
		add("movement_type=$%d", string(filter.Type))
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at <= $%d", filter.To)
	}
	query := `SELECT ` + movementColumns + ` FROM stock_movements WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []StockMovement{}
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *txRepository) UpdateProductStock(ctx context.Context, id, storeID int64, pool StockPool, expectedBefore, newValue int) (Product, error) {
	column, err := stockColumn(pool)
	if err != nil {
		return Product{}, err
	}
	query := fmt.Sprintf(`UPDATE products SET %[1]s=$4, updated_at=NOW()
WHERE id=$1 AND store_id=$2 AND %[1]s=$3
RETURNING `+productColumns, column)
	product, err := scanProduct(t.tx.QueryRow(ctx, query, id, storeID, expectedBefore, newValue))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w: product %d %s no longer %d", shared.ErrConflict, id, pool, expectedBefore)
	}
	return product, err
}

func (t *txRepository) InsertStockMovement(ctx context.Context, m StockMovement) (StockMovement, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO stock_movements (store_id, product_id, movement_type, stock_type, quantity_change, quantity_before, quantity_after,
reason, performed_by, sale_id, sale_item_id, return_type, batch_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		m.StoreID, m.ProductID, string(m.Type), string(m.Pool), m.QuantityChange, m.QuantityBefore, m.QuantityAfter,
		m.Reason, m.PerformedBy, nullInt(m.SaleID), nullInt(m.SaleItemID), nullString(string(m.ReturnType)), nullString(m.BatchID), m.CreatedAt).
		Scan(&m.ID)
	return m, err
}

func stockColumn(pool StockPool) (string, error) {
	switch pool {
	case StockPoolVenta:
		return "stock_venta", nil
	case StockPoolDeposito:
		return "stock_deposito", nil
	}
	return "", shared.Validationf("unknown stock type %q", pool)
}

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.StoreID, &p.Name, &p.SKU, &p.Barcode, &p.Price, &p.Cost,
		&p.StockVenta, &p.StockDeposito, &p.MinStockVenta, &p.MinStockDeposito, &p.IsActive, &p.UpdatedAt)
	return p, err
}

func scanMovement(row pgx.Row) (StockMovement, error) {
	var (
		m          StockMovement
		mType      string
		pool       string
		returnType string
	)
	err := row.Scan(&m.ID, &m.StoreID, &m.ProductID, &mType, &pool, &m.QuantityChange, &m.QuantityBefore, &m.QuantityAfter,
		&m.Reason, &m.PerformedBy, &m.SaleID, &m.SaleItemID, &returnType, &m.BatchID, &m.CreatedAt)
	m.Type = MovementType(mType)
	m.Pool = StockPool(pool)
	m.ReturnType = ReturnType(returnType)
	return m, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
