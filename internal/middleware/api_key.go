// Package middleware wraps the variantz HTTP and gRPC transports with bearer
// API key authentication, failed-attempt throttling and request logging.
package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyHashCost = bcrypt.DefaultCost

	// APIKeyPrincipal is the identity attached to requests authenticated by a
	// HashValidator.
	APIKeyPrincipal = "api-key"
)

var errInvalidAPIKey = errors.New("invalid api key")

// HashAPIKey returns a salted bcrypt hash for an API key.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key against a stored hash.
// Hex-encoded SHA-256 hashes are accepted as well as bcrypt.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	if err := bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)); err == nil {
		return true
	}

	return sha256APIKeyMatchesHash(expectedHash, apiKey)
}

func sha256APIKeyMatchesHash(expectedHash, apiKey string) bool {
	expectedBytes, err := hex.DecodeString(expectedHash)
	if err != nil {
		return false
	}

	actual := sha256.Sum256([]byte(apiKey))
	if len(expectedBytes) != len(actual) {
		return false
	}

	return subtle.ConstantTimeCompare(expectedBytes, actual[:]) == 1
}

// HashValidator accepts the single API key whose hash it holds.
type HashValidator struct {
	hash string
}

func NewHashValidator(hash string) *HashValidator {
	return &HashValidator{hash: strings.TrimSpace(hash)}
}

func (v *HashValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if v == nil || v.hash == "" || !APIKeyMatchesHash(v.hash, token) {
		return "", errInvalidAPIKey
	}
	return APIKeyPrincipal, nil
}
