package symbolcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"

	"tradeengine/internal/connectors"
	"tradeengine/model"
)

// Config controls how long a fetched SymbolFilters entry is trusted before
// a refetch is forced.
type Config struct {
	TTL time.Duration `envconfig:"SYMBOL_CACHE_TTL" default:"1h"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type key struct {
	exchangeID uint64
	symbol     string
}

type entry struct {
	mu        sync.Mutex
	filters   model.SymbolFilters
	fetchedAt time.Time
	hasValue  bool
}

// Cache is a process-wide, read-mostly TTL cache of per-symbol exchange
// filters. A per-key lock means a stampede of concurrent callers for the
// same (exchange, symbol) only ever issues one refetch.
type Cache struct {
	cfg Config
	log *logger.Entry

	mu      sync.Mutex
	entries map[key]*entry
}

func NewCache(cfg Config) *Cache {
	return &Cache{
		cfg:     cfg,
		log:     logger.WithField("component", "symbolcache"),
		entries: make(map[key]*entry),
	}
}

func (c *Cache) entryFor(exchangeID uint64, symbol string) *entry {
	k := key{exchangeID: exchangeID, symbol: symbol}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	return e
}

// Get returns the cached filters for (exchangeID, symbol), refetching via
// adapter.SymbolFilters if the entry is missing or older than the TTL.
func (c *Cache) Get(ctx context.Context, adapter connectors.Adapter, exchangeID uint64, symbol string) (model.SymbolFilters, error) {
	e := c.entryFor(exchangeID, symbol)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasValue && time.Since(e.fetchedAt) < c.cfg.TTL {
		return e.filters, nil
	}

	filters, err := adapter.SymbolFilters(ctx, symbol)
	if err != nil {
		if e.hasValue {
			c.log.WithError(err).WithField("symbol", symbol).Warn("refetch failed, serving stale filters")
			return e.filters, nil
		}
		return model.SymbolFilters{}, fmt.Errorf("symbolcache: fetch %s: %w", symbol, err)
	}

	filters.ExchangeID = exchangeID
	filters.FetchedAt = time.Now()
	e.filters = filters
	e.fetchedAt = filters.FetchedAt
	e.hasValue = true
	return filters, nil
}

// Evict drops the cached entry for (exchangeID, symbol), forcing a fresh
// fetch on the next Get. Called when an adapter reports ErrFilterViolation,
// since that usually means the exchange changed its grid out from under a
// stale cache entry.
func (c *Cache) Evict(exchangeID uint64, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key{exchangeID: exchangeID, symbol: symbol})
}
