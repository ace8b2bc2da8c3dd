// Package dbtest provides a migrated in-memory database for tests
package dbtest

import (
	"testing"
	"time"

	"github.com/ksred/klear-exchange/internal/database"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// New opens a fresh in-memory sqlite database with every table created
func New(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.Open("sqlite", ":memory:", false)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate database: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// Symbol inserts a symbol with an optional reference price ("" for none)
func Symbol(t testing.TB, db *gorm.DB, name, price string) *types.Symbol {
	t.Helper()

	s := &types.Symbol{Name: name}
	if price != "" {
		s.LastPrice = decimal.NewNullDecimal(decimal.RequireFromString(price))
		now := time.Now()
		s.LastPriceUpdatedAt = &now
	}
	if err := db.Create(s).Error; err != nil {
		t.Fatalf("create symbol: %v", err)
	}
	return s
}

// User inserts a user with a portfolio holding cash
func User(t testing.TB, db *gorm.DB, username, cash string) *types.User {
	t.Helper()

	u := &types.User{Username: username, PasswordHash: "x"}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	p := &types.Portfolio{
		UserID:           u.ID,
		AvailableBalance: decimal.RequireFromString(cash),
		ReservedBalance:  decimal.Zero,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("create portfolio: %v", err)
	}
	return u
}

// Shares gives a user available shares of a symbol
func Shares(t testing.TB, db *gorm.DB, userID, symbolID uint, qty int64) {
	t.Helper()

	h := &types.Holding{UserID: userID, SymbolID: symbolID, AvailableQuantity: qty}
	if err := db.Omit("Symbol").Create(h).Error; err != nil {
		t.Fatalf("create holding: %v", err)
	}
}

// Portfolio reloads a user's portfolio
func Portfolio(t testing.TB, db *gorm.DB, userID uint) types.Portfolio {
	t.Helper()

	var p types.Portfolio
	if err := db.Where("user_id = ?", userID).First(&p).Error; err != nil {
		t.Fatalf("load portfolio: %v", err)
	}
	return p
}

// Holding reloads a holding, returning a zero holding when none exists
func Holding(t testing.TB, db *gorm.DB, userID, symbolID uint) types.Holding {
	t.Helper()

	var hs []types.Holding
	if err := db.Where("user_id = ? AND symbol_id = ?", userID, symbolID).Find(&hs).Error; err != nil {
		t.Fatalf("load holding: %v", err)
	}
	if len(hs) == 0 {
		return types.Holding{UserID: userID, SymbolID: symbolID}
	}
	return hs[0]
}

// Order reloads an order by id
func Order(t testing.TB, db *gorm.DB, id uint) types.Order {
	t.Helper()

	var o types.Order
	if err := db.First(&o, id).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	return o
}
