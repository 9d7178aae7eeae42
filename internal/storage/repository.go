package storage

import (
	"context"
	"time"

	"cloudlocker/internal/models"
)

// Repository exposes the account and billing operations required by the API
// handlers and the command line tools. Every driver enforces the same
// invariants: StorageUsed never exceeds StorageAll, a gift card is claimed at
// most once, and a (kind, reference) pair appears in at most one transaction.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error)
	UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error)
	SetUserPassword(ctx context.Context, id, password string) (models.User, error)
	MarkEmailVerified(ctx context.Context, id string) (models.User, error)
	UpdateStorageUsed(ctx context.Context, id string, used int64) (models.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateVerificationToken(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (string, models.VerificationToken, error)
	ConsumeVerificationToken(ctx context.Context, rawToken string, purpose models.TokenPurpose) (models.VerificationToken, error)
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)

	CreateGiftCards(ctx context.Context, params CreateGiftCardsParams) ([]models.GiftCard, error)
	GetGiftCard(ctx context.Context, code string) (models.GiftCard, error)
	ListGiftCards(ctx context.Context, filter GiftCardFilter) ([]models.GiftCard, error)
	DeleteGiftCard(ctx context.Context, code string) error
	RedeemGiftCard(ctx context.Context, code, userID string) (Redemption, error)

	CreateTransaction(ctx context.Context, params CreateTransactionParams) (models.Transaction, models.User, error)
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]models.Transaction, error)
	RecomputeStorageQuota(ctx context.Context, userID string, base int64) (models.User, error)
}
