package migrations

import "gorm.io/gorm"

// AddOrderBookIndexes adds the indexes used by matching and the order book view
func AddOrderBookIndexes(db *gorm.DB) error {
	indexes := []string{
		// Resting order scan: filter by symbol, side and status, then price-time order
		`CREATE INDEX IF NOT EXISTS idx_orders_book
		 ON orders(symbol_id, side, status, price, created_at)`,

		// A user's order history, newest first
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created_at
		 ON orders(user_id, created_at)`,

		// Candle aggregation by symbol and time
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_created_at
		 ON trades(symbol_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
