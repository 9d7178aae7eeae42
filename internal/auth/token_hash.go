package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var errTokenIDRequired = errors.New("token id required")

// revocationKey derives the fixed-length key under which a revoked jti is
// stored.
func revocationKey(jti string) (string, error) {
	if jti == "" {
		return "", errTokenIDRequired
	}
	digest := sha256.Sum256([]byte(jti))
	return hex.EncodeToString(digest[:]), nil
}
