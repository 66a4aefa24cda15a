package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SymbolFilters is the exchange-mandated grid a symbol's orders must land
// on: lot step for quantity, tick size for price, and the minimum notional
// value an order must clear.
type SymbolFilters struct {
	ExchangeID  uint64          `gorm:"primaryKey;autoIncrement:false" json:"exchange_id"`
	Symbol      string          `gorm:"primaryKey;autoIncrement:false" json:"symbol"`
	LotStep     decimal.Decimal `gorm:"type:numeric(36,18)" json:"lot_step"`
	TickSize    decimal.Decimal `gorm:"type:numeric(36,18)" json:"tick_size"`
	MinNotional decimal.Decimal `gorm:"type:numeric(36,18)" json:"min_notional"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

// TableName controls the exact table name for symbol filters.
func (SymbolFilters) TableName() string {
	return "symbol_filters"
}

// APICredential is an opaque per-(user, exchange, is_testnet) record. The
// core only ever sees ciphertext columns; a collaborator decrypts on demand.
type APICredential struct {
	ID          uint64    `gorm:"primaryKey" json:"id"`
	UserID      uint64    `gorm:"index:idx_api_cred,unique" json:"user_id"`
	ExchangeID  uint64    `gorm:"index:idx_api_cred,unique" json:"exchange_id"`
	IsTestnet   bool      `gorm:"index:idx_api_cred,unique" json:"is_testnet"`
	APIKeyCT    string    `gorm:"column:api_key_ct;type:text" json:"-"`
	SecretKeyCT string    `gorm:"column:secret_key_ct;type:text" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName controls the exact table name for API credentials.
func (APICredential) TableName() string {
	return "api_keys"
}

// Exchange identifies a routable exchange by name.
type Exchange struct {
	ID   uint64 `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:40;uniqueIndex" json:"name"`
}

// TableName controls the exact table name for exchanges.
func (Exchange) TableName() string {
	return "exchanges"
}
