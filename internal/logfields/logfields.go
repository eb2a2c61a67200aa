// Package logfields holds zap field constructors shared across packages so
// personal data is never written to logs in clear text.
package logfields

import (
	"crypto/sha256"
	"fmt"

	"go.uber.org/zap"
)

// HashIdentifier returns the first 8 hex characters of the SHA-256 digest of
// identifier, or "" for an empty identifier.
func HashIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	h := sha256.Sum256([]byte(identifier))
	return fmt.Sprintf("%x", h[:4])
}

// Identifier logs an email or login identifier as its hash.
func Identifier(identifier string) zap.Field {
	return zap.String("identifier_hash", HashIdentifier(identifier))
}

// UserID logs an identity-provider user id. User ids are opaque and are
// logged as is.
func UserID(id string) zap.Field {
	return zap.String("user_id", id)
}
