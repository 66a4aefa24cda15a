package connectors

import (
	"fmt"
	"sync"
)

// registryKey identifies one adapter client by the tuple credentials are
// scoped to: a user's credentials on one exchange, live or testnet.
type registryKey struct {
	userID     uint64
	exchangeID uint64
	isTestnet  bool
}

// CredentialSource resolves an API key/secret pair for one credential
// record. The registry never touches ciphertext itself; a collaborator
// outside this package owns decryption.
type CredentialSource func(userID, exchangeID uint64, isTestnet bool) (apiKey, apiSecret string, err error)

// Builder constructs a fresh Adapter for an exchange given its key/secret.
type Builder func(apiKey, apiSecret string) Adapter

// Registry is the process-wide adapter client cache: one Adapter per
// (user, exchange, is_testnet), built lazily and kept for the life of the
// process. Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	clients  map[registryKey]Adapter
	builders map[string]Builder
	creds    CredentialSource
}

// NewRegistry builds a Registry. The exchange name keys in builders must
// match model.Exchange.Name values exactly ("binance", "bybit").
func NewRegistry(creds CredentialSource, builders map[string]Builder) *Registry {
	return &Registry{
		clients:  make(map[registryKey]Adapter),
		builders: builders,
		creds:    creds,
	}
}

// DefaultBuilders wires the two adapters this engine ships with.
func DefaultBuilders() map[string]Builder {
	return map[string]Builder{
		"binance": func(apiKey, apiSecret string) Adapter { return NewBinanceAdapter(apiKey, apiSecret) },
		"bybit":   func(apiKey, apiSecret string) Adapter { return NewBybitAdapter(apiKey, apiSecret) },
	}
}

// Get returns the cached adapter for (userID, exchangeID, isTestnet),
// building and caching it on first use.
func (r *Registry) Get(userID, exchangeID uint64, isTestnet bool, exchangeName string) (Adapter, error) {
	key := registryKey{userID: userID, exchangeID: exchangeID, isTestnet: isTestnet}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.clients[key]; ok {
		return a, nil
	}

	build, ok := r.builders[exchangeName]
	if !ok {
		return nil, fmt.Errorf("connectors: no adapter builder registered for exchange %q", exchangeName)
	}

	apiKey, apiSecret, err := r.creds(userID, exchangeID, isTestnet)
	if err != nil {
		return nil, fmt.Errorf("connectors: resolve credentials: %w", err)
	}

	adapter := build(apiKey, apiSecret)
	r.clients[key] = adapter
	return adapter, nil
}

// Evict drops a cached adapter, forcing a rebuild on next Get. Used after a
// credential rotation or a run of ErrAuthError.
func (r *Registry) Evict(userID, exchangeID uint64, isTestnet bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, registryKey{userID: userID, exchangeID: exchangeID, isTestnet: isTestnet})
}
