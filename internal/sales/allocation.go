package sales

import "github.com/odyssey-erp/odyssey-pos/internal/inventory"

// ItemQuantities is what the ledger says happened to one sale item.
type ItemQuantities struct {
	Deducted int
	Returned int
}

// Returnable is the quantity that can still come back for a sale item.
func (q ItemQuantities) Returnable(item SaleItem) int {
	return max(0, item.Quantity-q.Returned)
}

type productPool struct {
	productID int64
	pool      inventory.StockPool
}

// AllocateMovements attributes the sale and return movements of one sale to
// its items. Entries carrying a sale item id go to that item; older entries
// without one are spread over items with the same product and pool in item
// order, each item absorbing up to its sold quantity. Any excess lands on the
// last matching item.
func AllocateMovements(items []SaleItem, movements []inventory.StockMovement) map[int64]ItemQuantities {
	out := make(map[int64]ItemQuantities, len(items))
	byID := make(map[int64]SaleItem, len(items))
	for _, it := range items {
		out[it.ID] = ItemQuantities{}
		byID[it.ID] = it
	}
	deductedPool := map[productPool]int{}
	returnedPool := map[productPool]int{}

	for _, m := range movements {
		var qty int
		switch m.Type {
		case inventory.MovementTypeSale:
			qty = -m.QuantityChange
		case inventory.MovementTypeReturn:
			qty = m.QuantityChange
		default:
			continue
		}
		if qty <= 0 {
			continue
		}
		if it, ok := byID[m.SaleItemID]; ok && it.ProductID == m.ProductID && it.Pool == m.Pool {
			q := out[it.ID]
			if m.Type == inventory.MovementTypeSale {
				q.Deducted += qty
			} else {
				q.Returned += qty
			}
			out[it.ID] = q
			continue
		}
		key := productPool{productID: m.ProductID, pool: m.Pool}
		if m.Type == inventory.MovementTypeSale {
			deductedPool[key] += qty
		} else {
			returnedPool[key] += qty
		}
	}

	spread := func(pending map[productPool]int, get func(ItemQuantities) int, set func(*ItemQuantities, int)) {
		for key, left := range pending {
			var last int64
			for _, it := range items {
				if it.ProductID != key.productID || it.Pool != key.pool || left == 0 {
					continue
				}
				last = it.ID
				q := out[it.ID]
				take := min(left, max(0, it.Quantity-get(q)))
				set(&q, get(q)+take)
				out[it.ID] = q
				left -= take
			}
			if left > 0 && last != 0 {
				q := out[last]
				set(&q, get(q)+left)
				out[last] = q
			}
		}
	}
	spread(deductedPool, func(q ItemQuantities) int { return q.Deducted }, func(q *ItemQuantities, v int) { q.Deducted = v })
	spread(returnedPool, func(q ItemQuantities) int { return q.Returned }, func(q *ItemQuantities, v int) { q.Returned = v })
	return out
}
