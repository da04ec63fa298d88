package migrations

import (
	"gorm.io/gorm"
)

// AddTradeIndexes adds the lookup indexes used by reconciliation and status polling.
func AddTradeIndexes(db *gorm.DB) error {
	indexes := []string{
		// Status sweeps during reconciliation
		`CREATE INDEX IF NOT EXISTS idx_trade_records_status
		 ON trade_records(status)`,

		// Per-symbol position and history lookups
		`CREATE INDEX IF NOT EXISTS idx_trade_records_symbol
		 ON trade_records(symbol)`,

		// Child orders of one trade
		`CREATE INDEX IF NOT EXISTS idx_trade_xrefs_local_primary
		 ON trade_xrefs(local_id, primary_order_id)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
