package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ksred/klear-exchange/internal/types"
	"gorm.io/gorm"
)

// FindSymbol resolves a symbol name case-insensitively
func FindSymbol(ctx context.Context, db *gorm.DB, name string) (*types.Symbol, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("%w: empty symbol", types.ErrSymbolNotFound)
	}

	var symbol types.Symbol
	err := db.WithContext(ctx).Where("UPPER(name) = ?", name).First(&symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", types.ErrSymbolNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &symbol, nil
}

// Quotes returns the reference price of every symbol ordered by name
func Quotes(ctx context.Context, db *gorm.DB) ([]types.PriceQuote, error) {
	var symbols []types.Symbol
	if err := db.WithContext(ctx).Order("name").Find(&symbols).Error; err != nil {
		return nil, err
	}

	quotes := make([]types.PriceQuote, 0, len(symbols))
	for i := range symbols {
		quotes = append(quotes, types.NewPriceQuote(&symbols[i]))
	}
	return quotes, nil
}
