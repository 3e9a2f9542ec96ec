// Package auth protects the MCP control surface with static API keys.
// Keys are held only as SHA-256 digests and compared in constant time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix marks a bearer token as a zdc-sync API key.
	APIKeyPrefix = "zs_"

	// APIKeyMinLen is the prefix plus 128 bits of hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is a configured key owned by a user.
type APIKey struct {
	UserID string
	digest [sha256.Size]byte
}

// Keys validates presented API keys. It is read-only after construction
// and safe for concurrent use.
type Keys struct {
	keys []APIKey
}

// NewKeys hashes the plain-text keys in byUser (user ID to key).
func NewKeys(byUser map[string]string) (*Keys, error) {
	k := &Keys{}

	for user, key := range byUser {
		if !strings.HasPrefix(key, APIKeyPrefix) {
			return nil, fmt.Errorf("API key for %q must start with %q", user, APIKeyPrefix)
		}

		k.keys = append(k.keys, APIKey{UserID: user, digest: sha256.Sum256([]byte(key))})
	}

	return k, nil
}

// Validate returns the key matching token, or nil. Every configured key is
// compared so the time taken does not depend on which one matched.
func (k *Keys) Validate(token string) *APIKey {
	if k == nil || !strings.HasPrefix(token, APIKeyPrefix) {
		return nil
	}

	d := sha256.Sum256([]byte(token))

	var match *APIKey

	for i := range k.keys {
		if subtle.ConstantTimeCompare(d[:], k.keys[i].digest[:]) == 1 {
			match = &k.keys[i]
		}
	}

	return match
}

// Len reports how many keys are configured.
func (k *Keys) Len() int {
	if k == nil {
		return 0
	}

	return len(k.keys)
}

// GenerateAPIKey returns a new random key with the zs_ prefix.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API key: %w", err)
	}

	return APIKeyPrefix + hex.EncodeToString(b), nil
}
