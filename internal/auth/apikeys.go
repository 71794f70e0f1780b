// Package auth covers API-key authentication for the HTTP surface and
// the tokens handed to plugin containers.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/store"
)

const (
	// keyPrefixLen is the number of plaintext characters stored for
	// display and lookup.
	keyPrefixLen = 12
	keyBytes     = 24
)

// KeyService issues and verifies API keys. Plaintext keys are returned
// exactly once at creation; only a bcrypt hash is persisted.
type KeyService struct {
	store store.Store
}

// NewKeyService wraps the store.
func NewKeyService(st store.Store) *KeyService {
	return &KeyService{store: st}
}

// Create mints a new key, returning the record and the plaintext.
func (s *KeyService) Create(ctx context.Context, name, description string) (*store.APIKey, string, error) {
	if name == "" {
		return nil, "", errdefs.New(errdefs.CodeValidation, "api key requires a name")
	}

	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	plaintext := "fhk_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := &store.APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		KeyHash:     string(hash),
		Prefix:      plaintext[:keyPrefixLen],
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, "", err
	}
	return key, plaintext, nil
}

// Verify checks a presented plaintext key. The prefix narrows the
// candidate before the bcrypt comparison.
func (s *KeyService) Verify(ctx context.Context, plaintext string) (*store.APIKey, error) {
	if len(plaintext) < keyPrefixLen {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid api key")
	}
	key, err := s.store.GetAPIKeyByPrefix(ctx, plaintext[:keyPrefixLen])
	if err != nil {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid api key")
	}
	if key.Revoked {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "api key has been revoked")
	}
	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
		return nil, errdefs.New(errdefs.CodeUnauthorized, "invalid api key")
	}

	now := time.Now().UTC()
	key.LastUsedAt = &now
	if err := s.store.SaveAPIKey(ctx, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Revoke disables a key without deleting its audit record.
func (s *KeyService) Revoke(ctx context.Context, id string) error {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == id {
			k.Revoked = true
			return s.store.SaveAPIKey(ctx, k)
		}
	}
	return errdefs.New(errdefs.CodePluginNotFound, "api key %s not found", id)
}

// List returns key metadata, never hashes or plaintext.
func (s *KeyService) List(ctx context.Context) ([]*store.APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		k.KeyHash = ""
	}
	return keys, nil
}

// BootstrapMode reports whether no active key exists yet. While true,
// the middleware lets requests through so the first key can be minted.
func (s *KeyService) BootstrapMode(ctx context.Context) (bool, error) {
	keys, err := s.store.ListAPIKeys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if !k.Revoked {
			return false, nil
		}
	}
	return true, nil
}
