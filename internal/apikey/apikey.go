// Package apikey issues and verifies bearer API keys. Only bcrypt hashes
// are stored; the raw key is returned once at creation.
package apikey

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/procmine/internal/store"
	"github.com/kiranshivaraju/procmine/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Scheme starts every raw key.
	Scheme = "pmk_"
	// PrefixLen is how much of a raw key is stored in clear for lookup.
	PrefixLen = 8

	secretBytes = 24
)

// Generate returns a new random raw key.
func Generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return Scheme + hex.EncodeToString(b), nil
}

// Prefix is the lookup prefix of a raw key, or "" when the key is too short.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return ""
	}
	return raw[:PrefixLen]
}

// Hash bcrypt-hashes a raw key.
func Hash(raw string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(h), nil
}

// Matches reports whether raw is the key behind hash.
func Matches(hash, raw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)) == nil
}

// Issue creates a key for the user and stores its hash. The raw key is
// returned once.
func Issue(ctx context.Context, st store.Store, userID uuid.UUID, name string) (string, *models.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}
	if _, err := st.GetUser(ctx, userID); err != nil {
		return "", nil, fmt.Errorf("looking up user %s: %w", userID, err)
	}

	raw, err := Generate()
	if err != nil {
		return "", nil, err
	}
	hash, err := Hash(raw, bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   hash,
		KeyPrefix: Prefix(raw),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("storing api key: %w", err)
	}
	return raw, key, nil
}
