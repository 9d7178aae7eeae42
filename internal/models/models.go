package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	moneyFractionDigits = 8
	moneyScale          = int64(100000000)
)

// Money represents a currency amount stored in minor units (1e-8 of the major
// currency) to avoid floating point rounding issues. JSON encoding and string
// formatting expose the canonical decimal representation while all internal
// operations use the fixed-precision integer value.
type Money struct {
	minorUnits int64
}

// NewMoneyFromMinorUnits constructs a Money value from its minor-unit
// representation.
func NewMoneyFromMinorUnits(units int64) Money {
	return Money{minorUnits: units}
}

// MinorUnits exposes the internal integer representation scaled by 1e-8.
func (m Money) MinorUnits() int64 {
	return m.minorUnits
}

// Add returns the sum of two Money values.
func (m Money) Add(other Money) Money {
	return Money{minorUnits: m.minorUnits + other.minorUnits}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.minorUnits == 0
}

// IsNegative reports whether the amount is below zero.
func (m Money) IsNegative() bool {
	return m.minorUnits < 0
}

// DecimalString returns the canonical decimal representation with up to eight
// fractional digits.
func (m Money) DecimalString() string {
	return formatMinorUnits(m.minorUnits)
}

func (m Money) String() string {
	return m.DecimalString()
}

// MarshalJSON encodes the fixed-precision amount as a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.DecimalString()), nil
}

// UnmarshalJSON decodes a JSON number or string into the fixed-precision minor
// unit representation. A JSON null resets the value to zero.
func (m *Money) UnmarshalJSON(data []byte) error {
	if m == nil {
		return fmt.Errorf("models: cannot decode into nil Money pointer")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*m = Money{}
		return nil
	}
	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode money string: %w", err)
		}
	} else {
		raw = trimmed
	}
	money, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// ParseMoney parses a human-readable decimal string into a Money value with up
// to eight fractional digits.
func ParseMoney(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Money{}, fmt.Errorf("invalid money amount")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Money{}, fmt.Errorf("invalid money amount")
	}
	rat.Mul(rat, big.NewRat(moneyScale, 1))
	if !rat.IsInt() {
		return Money{}, fmt.Errorf("amount supports up to %d decimal places", moneyFractionDigits)
	}
	numerator := rat.Num()
	if !numerator.IsInt64() {
		return Money{}, fmt.Errorf("money amount out of range")
	}
	return Money{minorUnits: numerator.Int64()}, nil
}

// MustParseMoney panics if the value cannot be parsed. It is intended for
// tests and static initialisation.
func MustParseMoney(value string) Money {
	money, err := ParseMoney(value)
	if err != nil {
		panic(err)
	}
	return money
}

func formatMinorUnits(units int64) string {
	negative := units < 0
	if negative {
		units = -units
	}
	major := units / moneyScale
	minor := units % moneyScale
	var builder strings.Builder
	if negative {
		builder.WriteByte('-')
	}
	builder.WriteString(fmt.Sprintf("%d", major))
	if minor == 0 {
		return builder.String()
	}
	builder.WriteByte('.')
	fraction := fmt.Sprintf("%0*d", moneyFractionDigits, minor)
	fraction = strings.TrimRight(fraction, "0")
	builder.WriteString(fraction)
	return builder.String()
}

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User is an account holder. StorageUsed never exceeds StorageAll; both are
// byte counts.
type User struct {
	ID              string     `json:"id"`
	DisplayName     string     `json:"displayName"`
	Email           string     `json:"email"`
	Roles           []string   `json:"roles"`
	PasswordHash    string     `json:"passwordHash,omitempty"`
	EmailVerified   bool       `json:"emailVerified"`
	EmailVerifiedAt *time.Time `json:"emailVerifiedAt,omitempty"`
	StorageUsed     int64      `json:"storageUsed"`
	StorageAll      int64      `json:"storageAll"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// HasRole reports whether the user has the provided role, ignoring case.
func (u User) HasRole(role string) bool {
	for _, existing := range u.Roles {
		if strings.EqualFold(existing, role) {
			return true
		}
	}
	return false
}

// StorageFree returns the unused portion of the user's quota.
func (u User) StorageFree() int64 {
	free := u.StorageAll - u.StorageUsed
	if free < 0 {
		return 0
	}
	return free
}

type TransactionKind string

const (
	TransactionPurchase   TransactionKind = "purchase"
	TransactionGiftCard   TransactionKind = "giftcard"
	TransactionAdjustment TransactionKind = "adjustment"
)

// Valid reports whether the kind is one of the known transaction kinds.
func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionPurchase, TransactionGiftCard, TransactionAdjustment:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Transaction records a billing event that changed a user's storage quota.
// Amount uses the Money type so ledger sums stay exact.
type Transaction struct {
	ID           string            `json:"id"`
	UserID       string            `json:"userId"`
	Kind         TransactionKind   `json:"kind"`
	Amount       Money             `json:"amount"`
	Currency     string            `json:"currency"`
	StorageBytes int64             `json:"storageBytes"`
	Reference    string            `json:"reference"`
	Status       TransactionStatus `json:"status"`
	Note         string            `json:"note,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// GiftCard is a single-use code that credits StorageBytes to whoever claims
// it first.
type GiftCard struct {
	ID           string     `json:"id"`
	Code         string     `json:"code"`
	StorageBytes int64      `json:"storageBytes"`
	Amount       Money      `json:"amount"`
	Currency     string     `json:"currency"`
	Claimed      bool       `json:"claimed"`
	ClaimedBy    string     `json:"claimedBy,omitempty"`
	ClaimedAt    *time.Time `json:"claimedAt,omitempty"`
	CreatedBy    string     `json:"createdBy,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Expired reports whether the card can no longer be redeemed at now.
func (g GiftCard) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !now.Before(*g.ExpiresAt)
}

type TokenPurpose string

const (
	PurposeVerifyEmail   TokenPurpose = "verify_email"
	PurposeResetPassword TokenPurpose = "reset_password"
)

// VerificationToken is a single-use emailed token. Only the sha256 hash of the
// raw token is stored.
type VerificationToken struct {
	TokenHash string       `json:"tokenHash"`
	UserID    string       `json:"userId"`
	Purpose   TokenPurpose `json:"purpose"`
	ExpiresAt time.Time    `json:"expiresAt"`
	CreatedAt time.Time    `json:"createdAt"`
}
