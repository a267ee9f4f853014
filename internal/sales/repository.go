package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Repository provides PostgreSQL backed persistence for sale aggregates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const saleColumns = `id, store_id, user_id, subtotal, tax, discount, total, payment_method, payment_status, receipt_number, notes, created_at, updated_at`

const itemColumns = `id, sale_id, product_id, product_name, sku, barcode, quantity, unit_price, subtotal, discount, total, stock_type`

// GetStore loads the pricing configuration of a store.
func (r *Repository) GetStore(ctx context.Context, storeID int64) (Store, error) {
	var st Store
	err := r.pool.QueryRow(ctx, `SELECT id, name, tax_rate, currency FROM stores WHERE id=$1`, storeID).
		Scan(&st.ID, &st.Name, &st.TaxRate, &st.Currency)
	if errors.Is(err, pgx.ErrNoRows) {
		return Store{}, fmt.Errorf("%w: store %d", shared.ErrNotFound, storeID)
	}
	return st, err
}

// GetSale loads a sale header with its items in insertion order.
func (r *Repository) GetSale(ctx context.Context, id, storeID int64) (Sale, []SaleItem, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id=$1 AND store_id=$2`, id, storeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, nil, fmt.Errorf("%w: sale %d in store %d", shared.ErrNotFound, id, storeID)
	}
	if err != nil {
		return Sale{}, nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM sale_items WHERE sale_id=$1 ORDER BY id`, id)
	if err != nil {
		return Sale{}, nil, err
	}
	defer rows.Close()
	items := []SaleItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return Sale{}, nil, err
		}
		items = append(items, it)
	}
	return sale, items, rows.Err()
}

// ListSales lists sale headers newest first.
func (r *Repository) ListSales(ctx context.Context, filter SaleFilter) ([]Sale, error) {
	where := []string{"store_id=$1"}
	args := []any{filter.StoreID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("payment_status=$%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT `+saleColumns+` FROM sales WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`, strings.Join(where, " AND "), len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Sale{}
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestReceiptSequence returns the highest receipt sequence used by the store in year.
func (r *Repository) LatestReceiptSequence(ctx context.Context, storeID int64, year int) (int, bool, error) {
	var receipt string
	err := r.pool.QueryRow(ctx, `SELECT receipt_number FROM sales
WHERE store_id=$1 AND receipt_number LIKE $2
ORDER BY receipt_number DESC LIMIT 1`, storeID, fmt.Sprintf("%s-%d-%%", receiptPrefix, year)).Scan(&receipt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	_, seq, err := ParseReceiptNumber(receipt)
	if err != nil {
		return 0, false, fmt.Errorf("%w: stored %v", shared.ErrIntegrityViolation, err)
	}
	return seq, true, nil
}

// InsertSale writes header and items in one transaction.
func (r *Repository) InsertSale(ctx context.Context, sale Sale, items []SaleItem) (Sale, []SaleItem, error) {
	var saved []SaleItem
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		saved = make([]SaleItem, 0, len(items))
		err := tx.QueryRow(ctx, `INSERT INTO sales (store_id, user_id, subtotal, tax, discount, total, payment_method, payment_status, receipt_number, notes, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
			sale.StoreID, sale.UserID, sale.Subtotal, sale.Tax, sale.Discount, sale.Total, string(sale.PaymentMethod), string(sale.PaymentStatus),
			sale.ReceiptNumber, sale.Notes, sale.CreatedAt, sale.UpdatedAt).Scan(&sale.ID)
		if err != nil {
			return err
		}
		for _, it := range items {
			it.SaleID = sale.ID
			err := tx.QueryRow(ctx, `INSERT INTO sale_items (sale_id, product_id, product_name, sku, barcode, quantity, unit_price, subtotal, discount, total, stock_type)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
				it.SaleID, it.ProductID, it.ProductName, it.SKU, it.Barcode, it.Quantity, it.UnitPrice, it.Subtotal, it.Discount, it.Total, string(it.Pool)).Scan(&it.ID)
			if err != nil {
				return err
			}
			saved = append(saved, it)
		}
		return nil
	})
	if shared.IsUniqueViolation(err) {
		return Sale{}, nil, fmt.Errorf("%w: receipt %s already used in store %d", shared.ErrIntegrityViolation, sale.ReceiptNumber, sale.StoreID)
	}
	if err != nil {
		return Sale{}, nil, err
	}
	return sale, saved, nil
}

// UpdateSaleStatus performs a conditional status transition.
func (r *Repository) UpdateSaleStatus(ctx context.Context, id, storeID int64, from, to PaymentStatus) (Sale, error) {
	sale, err := scanSale(r.pool.QueryRow(ctx, `UPDATE sales SET payment_status=$4, updated_at=NOW()
WHERE id=$1 AND store_id=$2 AND payment_status=$3
RETURNING `+saleColumns, id, storeID, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, fmt.Errorf("%w: sale %d not %s", shared.ErrConflict, id, from)
	}
	return sale, err
}

func scanSale(row pgx.Row) (Sale, error) {
	var (
		s      Sale
		method string
		status string
	)
	err := row.Scan(&s.ID, &s.StoreID, &s.UserID, &s.Subtotal, &s.Tax, &s.Discount, &s.Total, &method, &status,
		&s.ReceiptNumber, &s.Notes, &s.CreatedAt, &s.UpdatedAt)
	s.PaymentMethod = PaymentMethod(method)
	s.PaymentStatus = PaymentStatus(status)
	return s, err
}

func scanItem(row pgx.Row) (SaleItem, error) {
	var (
		it   SaleItem
		pool string
	)
	err := row.Scan(&it.ID, &it.SaleID, &it.ProductID, &it.ProductName, &it.SKU, &it.Barcode, &it.Quantity,
		&it.UnitPrice, &it.Subtotal, &it.Discount, &it.Total, &pool)
	it.Pool = inventory.StockPool(pool)
	return it, err
}
