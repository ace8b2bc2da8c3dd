package migrations

import (
	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

// CreateExchangeTables creates the ledger, order and trade tables
func CreateExchangeTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.User{},
		&types.Symbol{},
		&types.Portfolio{},
		&types.Holding{},
		&types.Order{},
		&types.Trade{},
		&types.IdempotencyRecord{},
	)
}
