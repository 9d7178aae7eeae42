package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	giftCardAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	giftCardGroups      = 4
	giftCardGroupLength = 4
	tokenByteLength     = 32
)

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// generateGiftCardCode returns a code such as "7KQM-XR2D-PW9C-HT4N". The
// alphabet has 32 symbols so masking a random byte is unbiased.
func generateGiftCardCode() (string, error) {
	raw := make([]byte, giftCardGroups*giftCardGroupLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate gift card code: %w", err)
	}
	symbols := make([]byte, len(raw))
	for i, b := range raw {
		symbols[i] = giftCardAlphabet[int(b)&(len(giftCardAlphabet)-1)]
	}
	return formatGiftCardCode(string(symbols)), nil
}

func formatGiftCardCode(compact string) string {
	var builder strings.Builder
	for i := 0; i < len(compact); i += giftCardGroupLength {
		if i > 0 {
			builder.WriteByte('-')
		}
		builder.WriteString(compact[i : i+giftCardGroupLength])
	}
	return builder.String()
}

// NormalizeGiftCardCode canonicalises user input: full-width characters are
// folded, case is ignored, and spaces or dashes may appear anywhere. It
// reports false when the input cannot be a valid code.
func NormalizeGiftCardCode(input string) (string, bool) {
	folded := strings.ToUpper(norm.NFKC.String(input))
	compact := make([]byte, 0, giftCardGroups*giftCardGroupLength)
	for _, r := range folded {
		switch {
		case r == '-' || r == ' ' || r == '\t':
			continue
		case r < 128 && strings.IndexByte(giftCardAlphabet, byte(r)) >= 0:
			compact = append(compact, byte(r))
		default:
			return "", false
		}
	}
	if len(compact) != giftCardGroups*giftCardGroupLength {
		return "", false
	}
	return formatGiftCardCode(string(compact)), true
}

func generateVerificationToken() (string, string, error) {
	bytes := make([]byte, tokenByteLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(bytes)
	return token, hashVerificationToken(token), nil
}

func hashVerificationToken(token string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(digest[:])
}

func normalizeEmail(email string) string {
	// Casers are stateful, so each call gets its own.
	return cases.Fold().String(strings.TrimSpace(norm.NFKC.String(email)))
}

func normalizeDisplayName(name string) string {
	return strings.TrimSpace(norm.NFKC.String(name))
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
