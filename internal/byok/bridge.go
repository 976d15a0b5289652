package byok

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"devos/internal/apperr"
	"devos/internal/db"
	"devos/internal/telemetry"
)

// Bridge resolves a workspace's active provider key to plaintext. The
// plaintext is handed to the caller for the duration of a spawn and is
// never logged or persisted decrypted.
type Bridge struct {
	store  db.Store
	cipher *Cipher
	now    func() time.Time
}

// NewBridge wires the key bridge.
func NewBridge(store db.Store, cipher *Cipher) *Bridge {
	return &Bridge{
		store:  store,
		cipher: cipher,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ResolveKey returns the decrypted active key for workspace+provider.
// A missing or inactive key is a Forbidden error.
func (b *Bridge) ResolveKey(ctx context.Context, workspaceID, provider string) (string, error) {
	sec, err := b.store.GetActiveSecret(ctx, workspaceID, provider)
	if err != nil {
		return "", fmt.Errorf("failed to load %s key for workspace %s: %w", provider, workspaceID, err)
	}
	if sec == nil || !sec.IsActive {
		return "", apperr.Forbidden("no active %s key configured for workspace %s", provider, workspaceID)
	}

	plain, err := b.cipher.Decrypt(sec.EncryptedKey, sec.EncryptionIV)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s key for workspace %s: %w", provider, workspaceID, err)
	}

	if err := b.store.TouchSecretUsed(ctx, sec.ID, b.now()); err != nil {
		telemetry.LogWarn("failed to update key last-used timestamp", "workspace", workspaceID, "provider", provider, "error", err)
	}
	return plain, nil
}

// StoreKey encrypts and saves a new key, deactivating nothing; the
// store's upsert keeps one active row per workspace+provider.
func (b *Bridge) StoreKey(ctx context.Context, workspaceID, keyName, provider, plaintext, createdBy string) (*db.ByokSecret, error) {
	ciphertext, iv, err := b.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt %s key: %w", provider, err)
	}
	now := b.now()
	sec := &db.ByokSecret{
		ID:              uuid.NewString(),
		WorkspaceID:     workspaceID,
		KeyName:         keyName,
		Provider:        provider,
		EncryptedKey:    ciphertext,
		EncryptionIV:    iv,
		CreatedByUserID: createdBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		IsActive:        true,
	}
	if err := b.store.SaveSecret(ctx, sec); err != nil {
		return nil, fmt.Errorf("failed to save %s key: %w", provider, err)
	}
	return sec, nil
}
