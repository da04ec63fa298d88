package migrations

import (
	"github.com/ksred/brokerbridge/internal/types"
	"gorm.io/gorm"
)

// AddTradeStore creates the trade record, cross reference and allocator tables.
func AddTradeStore(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.TradeRecord{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.TradeXref{}); err != nil {
		return err
	}

	return db.AutoMigrate(&types.IDAllocator{})
}
