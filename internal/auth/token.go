package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

// Token format: ct_{secret}, secret is 40 hex characters.
// Example: ct_4f8d2e1b9c7a5f3d2e1b9c7a5f3d2e1b9c7a5f3d
const (
	TokenPrefix    = "ct_"
	tokenSecretLen = 20 // bytes, hex encoded to 40 characters
)

var tokenFormat = regexp.MustCompile(`^ct_[a-f0-9]{40}$`)

// GeneratedToken holds a new API token and its hash.
type GeneratedToken struct {
	Plaintext string // shown once, handed to API clients
	Hash      string // Argon2id PHC string for API_TOKEN_HASH
}

// GenerateToken creates a random API token and hashes it.
func GenerateToken() (*GeneratedToken, error) {
	secret := make([]byte, tokenSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	plaintext := TokenPrefix + hex.EncodeToString(secret)

	hash, err := HashToken(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hash token: %w", err)
	}

	return &GeneratedToken{Plaintext: plaintext, Hash: hash}, nil
}

// ValidTokenFormat reports whether token looks like one GenerateToken made.
func ValidTokenFormat(token string) bool {
	return tokenFormat.MatchString(token)
}
