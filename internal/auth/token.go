package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// DefaultTokenPermissions is the grant applied to API tokens created
// without an explicit permission list.
var DefaultTokenPermissions = []string{"read", "write"}

// SessionPermissions is the fixed grant for session-authenticated users.
// Session auth means the user is acting as themselves in the UI and is
// trusted fully.
var SessionPermissions = []string{"read", "write", "admin"}

// NewAPIToken generates an opaque bearer token value. Only the hash is
// ever persisted.
func NewAPIToken() string {
	bytes := make([]byte, 24)
	_, _ = rand.Read(bytes)
	return "qlt_" + hex.EncodeToString(bytes)
}

// NewSessionToken generates an opaque session token value.
func NewSessionToken() string {
	bytes := make([]byte, 32)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
