package security

import (
	"fmt"

	"gorm.io/gorm"

	"tradeengine/model"
)

// Store resolves a user's exchange credentials from the database and
// decrypts them through a Codec. Its Resolve method satisfies
// connectors.CredentialSource.
type Store struct {
	db    *gorm.DB
	codec Codec
}

// NewStore builds a Store.
func NewStore(db *gorm.DB, codec Codec) *Store {
	return &Store{db: db, codec: codec}
}

// Resolve looks up the api_keys row for (userID, exchangeID, isTestnet)
// and decrypts both columns.
func (s *Store) Resolve(userID, exchangeID uint64, isTestnet bool) (apiKey, apiSecret string, err error) {
	var cred model.APICredential
	err = s.db.Where("user_id = ? AND exchange_id = ? AND is_testnet = ?", userID, exchangeID, isTestnet).
		First(&cred).Error
	if err != nil {
		return "", "", fmt.Errorf("security: load api key for user %d exchange %d: %w", userID, exchangeID, err)
	}

	apiKey, err = s.codec.Decrypt(cred.APIKeyCT)
	if err != nil {
		return "", "", fmt.Errorf("security: decrypt api key: %w", err)
	}
	apiSecret, err = s.codec.Decrypt(cred.SecretKeyCT)
	if err != nil {
		return "", "", fmt.Errorf("security: decrypt secret key: %w", err)
	}
	return apiKey, apiSecret, nil
}

// ListCredentials returns every stored credential row, ciphertext intact.
// Used to enumerate which (user, exchange) pairs need a live order-event
// stream started at startup.
func (s *Store) ListCredentials() ([]model.APICredential, error) {
	var creds []model.APICredential
	if err := s.db.Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("security: list credentials: %w", err)
	}
	return creds, nil
}

// Decrypt exposes the underlying codec's Decrypt for callers that already
// hold a credential row (the order-event stream dispatcher) and don't need
// a fresh lookup.
func (s *Store) Decrypt(ciphertext string) (string, error) {
	return s.codec.Decrypt(ciphertext)
}

// Put encrypts and upserts a credential pair, used by the key-management
// CLI command.
func (s *Store) Put(userID, exchangeID uint64, isTestnet bool, apiKey, apiSecret string) error {
	keyCT, err := s.codec.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("security: encrypt api key: %w", err)
	}
	secretCT, err := s.codec.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("security: encrypt secret key: %w", err)
	}

	cred := model.APICredential{
		UserID:      userID,
		ExchangeID:  exchangeID,
		IsTestnet:   isTestnet,
		APIKeyCT:    keyCT,
		SecretKeyCT: secretCT,
	}
	return s.db.Where("user_id = ? AND exchange_id = ? AND is_testnet = ?", userID, exchangeID, isTestnet).
		Assign(cred).
		FirstOrCreate(&cred).Error
}
