package engine

import (
	"fmt"
	"sync"

	"gorm.io/gorm"

	"tradeengine/model"
)

// ExchangeResolver looks up an exchange's registry key ("binance",
// "bybit", ...) by id, caching the small, effectively-static exchanges
// table in memory.
type ExchangeResolver struct {
	db *gorm.DB

	mu    sync.RWMutex
	names map[uint64]string
}

// NewExchangeResolver builds a resolver backed by db.
func NewExchangeResolver(db *gorm.DB) *ExchangeResolver {
	return &ExchangeResolver{db: db, names: make(map[uint64]string)}
}

// Resolve returns the adapter-registry key for exchangeID.
func (r *ExchangeResolver) Resolve(exchangeID uint64) (string, error) {
	r.mu.RLock()
	name, ok := r.names[exchangeID]
	r.mu.RUnlock()
	if ok {
		return name, nil
	}

	var exchange model.Exchange
	if err := r.db.First(&exchange, exchangeID).Error; err != nil {
		return "", fmt.Errorf("engine: resolve exchange %d: %w", exchangeID, err)
	}

	r.mu.Lock()
	r.names[exchangeID] = exchange.Name
	r.mu.Unlock()
	return exchange.Name, nil
}
