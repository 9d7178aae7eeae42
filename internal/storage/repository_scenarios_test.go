package storage

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"cloudlocker/internal/models"
)

// RepositoryFactory constructs a repository backed by either the JSON store or
// MongoDB for cross-datastore scenario assertions.
type RepositoryFactory func(t *testing.T, opts ...Option) (Repository, func(), error)

func runRepository(t *testing.T, factory RepositoryFactory, opts ...Option) Repository {
	t.Helper()
	if factory == nil {
		t.Fatal("repository factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if repo == nil {
		t.Fatal("repository factory returned nil repository")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

// RunRepositoryUserLifecycle covers account creation, lookup, updates, quota
// enforcement, and deletion.
func RunRepositoryUserLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory, WithDefaultStorageQuota(1000))

	user, err := repo.CreateUser(ctx, CreateUserParams{
		DisplayName: "  Ada  ",
		Email:       "Ada@Example.com ",
		Password:    "correct-horse",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %q", user.Email)
	}
	if user.DisplayName != "Ada" {
		t.Fatalf("expected trimmed display name, got %q", user.DisplayName)
	}
	if user.StorageAll != 1000 {
		t.Fatalf("expected default quota 1000, got %d", user.StorageAll)
	}
	if !user.HasRole(models.RoleUser) || user.HasRole(models.RoleAdmin) {
		t.Fatalf("expected default user role, got %v", user.Roles)
	}
	if user.EmailVerified {
		t.Fatal("expected new user to be unverified")
	}

	if _, err := repo.CreateUser(ctx, CreateUserParams{DisplayName: "Dup", Email: "ADA@example.com"}); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}
	var validation ValidationError
	if _, err := repo.CreateUser(ctx, CreateUserParams{DisplayName: "NoMail", Email: "nobody"}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for bad email, got %v", err)
	}
	if _, err := repo.CreateUser(ctx, CreateUserParams{DisplayName: "Short", Email: "short@example.com", Password: "abc"}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for short password, got %v", err)
	}

	found, err := repo.FindUserByEmail(ctx, "ada@EXAMPLE.com")
	if err != nil {
		t.Fatalf("FindUserByEmail: %v", err)
	}
	if found.ID != user.ID {
		t.Fatalf("expected user %s, got %s", user.ID, found.ID)
	}
	if _, err := repo.GetUser(ctx, "missing"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	other := mustCreateUser(t, repo, "grace@example.com")
	listed, err := repo.ListUsers(ctx, UserFilter{})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 users, got %d", len(listed))
	}
	filtered, err := repo.ListUsers(ctx, UserFilter{Email: "grace"})
	if err != nil {
		t.Fatalf("ListUsers filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ID != other.ID {
		t.Fatalf("expected only grace in filtered list, got %+v", filtered)
	}
	paged, err := repo.ListUsers(ctx, UserFilter{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("ListUsers paged: %v", err)
	}
	if len(paged) != 1 {
		t.Fatalf("expected one user on second page, got %d", len(paged))
	}

	verified, err := repo.MarkEmailVerified(ctx, user.ID)
	if err != nil {
		t.Fatalf("MarkEmailVerified: %v", err)
	}
	if !verified.EmailVerified || verified.EmailVerifiedAt == nil {
		t.Fatalf("expected verified user, got %+v", verified)
	}

	newEmail := "ada.lovelace@example.com"
	newName := "Ada Lovelace"
	roles := []string{"Admin", "user"}
	updated, err := repo.UpdateUser(ctx, user.ID, UserUpdate{DisplayName: &newName, Email: &newEmail, Roles: &roles})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.Email != newEmail || updated.DisplayName != newName {
		t.Fatalf("unexpected update result %+v", updated)
	}
	if updated.EmailVerified {
		t.Fatal("expected email change to reset verification")
	}
	if !updated.HasRole(models.RoleAdmin) {
		t.Fatalf("expected admin role, got %v", updated.Roles)
	}
	taken := "grace@example.com"
	if _, err := repo.UpdateUser(ctx, user.ID, UserUpdate{Email: &taken}); !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse on email collision, got %v", err)
	}

	if _, err := repo.UpdateStorageUsed(ctx, user.ID, 600); err != nil {
		t.Fatalf("UpdateStorageUsed: %v", err)
	}
	if _, err := repo.UpdateStorageUsed(ctx, user.ID, 1001); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if _, err := repo.UpdateStorageUsed(ctx, user.ID, -1); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for negative usage, got %v", err)
	}
	shrunk := int64(500)
	if _, err := repo.UpdateUser(ctx, user.ID, UserUpdate{StorageAll: &shrunk}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded when shrinking quota below usage, got %v", err)
	}
	grown := int64(4000)
	resized, err := repo.UpdateUser(ctx, user.ID, UserUpdate{StorageAll: &grown})
	if err != nil {
		t.Fatalf("UpdateUser storage: %v", err)
	}
	if resized.StorageAll != 4000 || resized.StorageUsed != 600 {
		t.Fatalf("unexpected storage after resize: all=%d used=%d", resized.StorageAll, resized.StorageUsed)
	}
	if resized.StorageFree() != 3400 {
		t.Fatalf("expected 3400 bytes free, got %d", resized.StorageFree())
	}

	if _, _, err := repo.CreateVerificationToken(ctx, user.ID, models.PurposeResetPassword, time.Hour); err != nil {
		t.Fatalf("CreateVerificationToken: %v", err)
	}
	if err := repo.DeleteUser(ctx, user.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if err := repo.DeleteUser(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound on second delete, got %v", err)
	}
	if _, err := repo.GetUser(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected deleted user to be gone, got %v", err)
	}
}

// RunRepositoryPasswordLifecycle covers authentication and password changes.
func RunRepositoryPasswordLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory)

	user := mustCreateUser(t, repo, "viewer@example.com")
	if _, err := repo.AuthenticateUser(ctx, "VIEWER@example.com", "correct-horse"); err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if _, err := repo.AuthenticateUser(ctx, "viewer@example.com", "wrong-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := repo.AuthenticateUser(ctx, "nobody@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}

	if _, err := repo.SetUserPassword(ctx, user.ID, "battery-staple"); err != nil {
		t.Fatalf("SetUserPassword: %v", err)
	}
	if _, err := repo.AuthenticateUser(ctx, "viewer@example.com", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password to fail, got %v", err)
	}
	if _, err := repo.AuthenticateUser(ctx, "viewer@example.com", "battery-staple"); err != nil {
		t.Fatalf("AuthenticateUser with new password: %v", err)
	}

	passwordless, err := repo.CreateUser(ctx, CreateUserParams{DisplayName: "Invited", Email: "invited@example.com"})
	if err != nil {
		t.Fatalf("CreateUser passwordless: %v", err)
	}
	if _, err := repo.AuthenticateUser(ctx, passwordless.Email, "anything-long"); !errors.Is(err, ErrPasswordLoginUnsupported) {
		t.Fatalf("expected ErrPasswordLoginUnsupported, got %v", err)
	}
}

// RunRepositoryVerificationTokens covers issue, replace, consume, expiry, and
// purge of emailed tokens.
func RunRepositoryVerificationTokens(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	clock := newTestClock()
	repo := runRepository(t, factory, WithClock(clock.Now))
	user := mustCreateUser(t, repo, "tokens@example.com")

	raw, token, err := repo.CreateVerificationToken(ctx, user.ID, models.PurposeVerifyEmail, time.Hour)
	if err != nil {
		t.Fatalf("CreateVerificationToken: %v", err)
	}
	if raw == "" || token.TokenHash == raw {
		t.Fatalf("expected raw token distinct from stored hash")
	}
	if token.TokenHash != hashVerificationToken(raw) {
		t.Fatalf("expected stored hash to match raw token")
	}
	if _, _, err := repo.CreateVerificationToken(ctx, "missing", models.PurposeVerifyEmail, time.Hour); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for unknown user, got %v", err)
	}

	if _, err := repo.ConsumeVerificationToken(ctx, raw, models.PurposeResetPassword); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected purpose mismatch to be ErrTokenNotFound, got %v", err)
	}
	consumed, err := repo.ConsumeVerificationToken(ctx, raw, models.PurposeVerifyEmail)
	if err != nil {
		t.Fatalf("ConsumeVerificationToken: %v", err)
	}
	if consumed.UserID != user.ID {
		t.Fatalf("expected token for %s, got %s", user.ID, consumed.UserID)
	}
	if _, err := repo.ConsumeVerificationToken(ctx, raw, models.PurposeVerifyEmail); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}

	first, _, err := repo.CreateVerificationToken(ctx, user.ID, models.PurposeResetPassword, time.Hour)
	if err != nil {
		t.Fatalf("CreateVerificationToken first: %v", err)
	}
	second, _, err := repo.CreateVerificationToken(ctx, user.ID, models.PurposeResetPassword, time.Hour)
	if err != nil {
		t.Fatalf("CreateVerificationToken second: %v", err)
	}
	if _, err := repo.ConsumeVerificationToken(ctx, first, models.PurposeResetPassword); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected replaced token to be gone, got %v", err)
	}

	clock.Advance(2 * time.Hour)
	if _, err := repo.ConsumeVerificationToken(ctx, second, models.PurposeResetPassword); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	if _, _, err := repo.CreateVerificationToken(ctx, user.ID, models.PurposeVerifyEmail, time.Minute); err != nil {
		t.Fatalf("CreateVerificationToken short: %v", err)
	}
	removed, err := repo.PurgeExpiredTokens(ctx, clock.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PurgeExpiredTokens: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged token, got %d", removed)
	}
}

// RunRepositoryGiftCardLifecycle covers minting, listing, redemption outcomes,
// and deletion rules.
func RunRepositoryGiftCardLifecycle(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	clock := newTestClock()
	repo := runRepository(t, factory, WithClock(clock.Now), WithDefaultStorageQuota(100))
	user := mustCreateUser(t, repo, "redeemer@example.com")

	cards, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{
		Count:        3,
		StorageBytes: 50,
		Amount:       models.MustParseMoney("4.99"),
		Currency:     "usd",
		CreatedBy:    "admin",
	})
	if err != nil {
		t.Fatalf("CreateGiftCards: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("expected 3 cards, got %d", len(cards))
	}
	seen := make(map[string]struct{})
	for _, card := range cards {
		if _, ok := NormalizeGiftCardCode(card.Code); !ok {
			t.Fatalf("generated code %q is not well formed", card.Code)
		}
		if _, dup := seen[card.Code]; dup {
			t.Fatalf("duplicate code %q in batch", card.Code)
		}
		seen[card.Code] = struct{}{}
		if card.Currency != "USD" {
			t.Fatalf("expected currency USD, got %q", card.Currency)
		}
	}

	var validation ValidationError
	if _, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{Count: 0, StorageBytes: 1}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for zero count, got %v", err)
	}

	code := cards[0].Code
	// Lower case with spaces instead of dashes is accepted.
	loose := strings.ToLower(strings.ReplaceAll(code, "-", " "))
	redemption, err := repo.RedeemGiftCard(ctx, loose, user.ID)
	if err != nil {
		t.Fatalf("RedeemGiftCard: %v", err)
	}
	if redemption.User.StorageAll != 150 {
		t.Fatalf("expected quota 150 after redemption, got %d", redemption.User.StorageAll)
	}
	if !redemption.GiftCard.Claimed || redemption.GiftCard.ClaimedBy != user.ID || redemption.GiftCard.ClaimedAt == nil {
		t.Fatalf("expected claimed card, got %+v", redemption.GiftCard)
	}
	if redemption.Transaction.Kind != models.TransactionGiftCard || redemption.Transaction.Reference != code {
		t.Fatalf("unexpected redemption transaction %+v", redemption.Transaction)
	}
	if redemption.Transaction.StorageBytes != 50 {
		t.Fatalf("expected transaction to credit 50 bytes, got %d", redemption.Transaction.StorageBytes)
	}

	if _, err := repo.RedeemGiftCard(ctx, code, user.ID); !errors.Is(err, ErrGiftCardClaimed) {
		t.Fatalf("expected ErrGiftCardClaimed, got %v", err)
	}
	if _, err := repo.RedeemGiftCard(ctx, "AAAA-BBBB-CCCC-DDDD", user.ID); !errors.Is(err, ErrGiftCardNotFound) {
		t.Fatalf("expected ErrGiftCardNotFound, got %v", err)
	}
	if _, err := repo.RedeemGiftCard(ctx, "not a code", user.ID); !errors.Is(err, ErrGiftCardNotFound) {
		t.Fatalf("expected malformed code to be ErrGiftCardNotFound, got %v", err)
	}

	if _, err := repo.RedeemGiftCard(ctx, cards[1].Code, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	stillOpen, err := repo.GetGiftCard(ctx, cards[1].Code)
	if err != nil {
		t.Fatalf("GetGiftCard: %v", err)
	}
	if stillOpen.Claimed {
		t.Fatal("expected failed redemption to leave the card unclaimed")
	}

	txs, err := repo.ListTransactions(ctx, TransactionFilter{UserID: user.ID})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}

	claimed := true
	claimedCards, err := repo.ListGiftCards(ctx, GiftCardFilter{Claimed: &claimed})
	if err != nil {
		t.Fatalf("ListGiftCards: %v", err)
	}
	if len(claimedCards) != 1 || claimedCards[0].Code != code {
		t.Fatalf("expected only the redeemed card, got %+v", claimedCards)
	}

	if err := repo.DeleteGiftCard(ctx, code); !errors.Is(err, ErrGiftCardClaimed) {
		t.Fatalf("expected ErrGiftCardClaimed deleting a claimed card, got %v", err)
	}
	if err := repo.DeleteGiftCard(ctx, cards[2].Code); err != nil {
		t.Fatalf("DeleteGiftCard: %v", err)
	}
	if _, err := repo.GetGiftCard(ctx, cards[2].Code); !errors.Is(err, ErrGiftCardNotFound) {
		t.Fatalf("expected deleted card to be gone, got %v", err)
	}

	expires := clock.Now().Add(time.Hour)
	expiring, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{Count: 1, StorageBytes: 10, ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("CreateGiftCards expiring: %v", err)
	}
	clock.Advance(2 * time.Hour)
	if _, err := repo.RedeemGiftCard(ctx, expiring[0].Code, user.ID); !errors.Is(err, ErrGiftCardExpired) {
		t.Fatalf("expected ErrGiftCardExpired, got %v", err)
	}
}

// RunRepositoryConcurrentRedemption races several redemptions of one code and
// expects exactly one winner.
func RunRepositoryConcurrentRedemption(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory, WithDefaultStorageQuota(1000))

	cards, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{Count: 1, StorageBytes: 250})
	if err != nil {
		t.Fatalf("CreateGiftCards: %v", err)
	}
	const contenders = 8
	users := make([]models.User, contenders)
	for i := range users {
		users[i] = mustCreateUser(t, repo, "racer"+string(rune('a'+i))+"@example.com")
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		claimed   int
	)
	for _, user := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			_, err := repo.RedeemGiftCard(ctx, cards[0].Code, userID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrGiftCardClaimed):
				claimed++
			default:
				t.Errorf("unexpected redemption error: %v", err)
			}
		}(user.ID)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}
	if claimed != contenders-1 {
		t.Fatalf("expected %d ErrGiftCardClaimed results, got %d", contenders-1, claimed)
	}

	var credited int
	for _, user := range users {
		current, err := repo.GetUser(ctx, user.ID)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if current.StorageAll == 1250 {
			credited++
		} else if current.StorageAll != 1000 {
			t.Fatalf("unexpected quota %d for %s", current.StorageAll, user.ID)
		}
	}
	if credited != 1 {
		t.Fatalf("expected exactly one credited user, got %d", credited)
	}
}

// RunRepositoryTransactions covers recording purchases and adjustments,
// reference uniqueness, and quota recomputation.
func RunRepositoryTransactions(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	clock := newTestClock()
	repo := runRepository(t, factory, WithClock(clock.Now), WithDefaultStorageQuota(1000))
	user := mustCreateUser(t, repo, "buyer@example.com")

	purchase, updated, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionPurchase,
		Amount:       models.MustParseMoney("9.99"),
		Currency:     "eur",
		StorageBytes: 500,
		Reference:    "order-1",
	})
	if err != nil {
		t.Fatalf("CreateTransaction purchase: %v", err)
	}
	if updated.StorageAll != 1500 {
		t.Fatalf("expected quota 1500 after purchase, got %d", updated.StorageAll)
	}
	if purchase.Currency != "EUR" || purchase.Status != models.TransactionCompleted {
		t.Fatalf("unexpected purchase %+v", purchase)
	}
	if purchase.Amount.DecimalString() != "9.99" {
		t.Fatalf("expected amount 9.99, got %s", purchase.Amount.DecimalString())
	}

	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionPurchase,
		Amount:       models.MustParseMoney("9.99"),
		Currency:     "EUR",
		StorageBytes: 500,
		Reference:    "order-1",
	}); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	current, err := repo.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if current.StorageAll != 1500 {
		t.Fatalf("expected duplicate to leave quota at 1500, got %d", current.StorageAll)
	}

	var validation ValidationError
	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{UserID: user.ID, Kind: models.TransactionPurchase, StorageBytes: 10, Currency: "EUR"}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for zero-amount purchase, got %v", err)
	}
	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{UserID: user.ID, Kind: models.TransactionGiftCard, StorageBytes: 10}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for direct gift card transaction, got %v", err)
	}
	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{UserID: "ghost", Kind: models.TransactionAdjustment, StorageBytes: 10}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if _, err := repo.UpdateStorageUsed(ctx, user.ID, 1200); err != nil {
		t.Fatalf("UpdateStorageUsed: %v", err)
	}
	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionAdjustment,
		StorageBytes: -400,
		Reference:    "shrink-1",
	}); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded for adjustment below usage, got %v", err)
	}

	clock.Advance(time.Second)
	adjustment, updated, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionAdjustment,
		StorageBytes: -200,
		Note:         "goodwill reversal",
	})
	if err != nil {
		t.Fatalf("CreateTransaction adjustment: %v", err)
	}
	if adjustment.Reference == "" {
		t.Fatal("expected generated reference for adjustment")
	}
	if updated.StorageAll != 1300 {
		t.Fatalf("expected quota 1300 after adjustment, got %d", updated.StorageAll)
	}

	txs, err := repo.ListTransactions(ctx, TransactionFilter{UserID: user.ID})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	if txs[0].ID != adjustment.ID || txs[1].ID != purchase.ID {
		t.Fatalf("expected newest first ordering, got %s then %s", txs[0].ID, txs[1].ID)
	}
	purchases, err := repo.ListTransactions(ctx, TransactionFilter{UserID: user.ID, Kind: models.TransactionPurchase, Limit: 5})
	if err != nil {
		t.Fatalf("ListTransactions purchases: %v", err)
	}
	if len(purchases) != 1 {
		t.Fatalf("expected 1 purchase, got %d", len(purchases))
	}

	fetched, err := repo.GetTransaction(ctx, purchase.ID)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if fetched.Reference != "order-1" {
		t.Fatalf("expected reference order-1, got %q", fetched.Reference)
	}
	if _, err := repo.GetTransaction(ctx, "missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}

	// Drift the stored quota, then rebuild it from the ledger.
	drifted := int64(5000)
	if _, err := repo.UpdateUser(ctx, user.ID, UserUpdate{StorageAll: &drifted}); err != nil {
		t.Fatalf("UpdateUser drift: %v", err)
	}
	recomputed, err := repo.RecomputeStorageQuota(ctx, user.ID, 1000)
	if err != nil {
		t.Fatalf("RecomputeStorageQuota: %v", err)
	}
	if recomputed.StorageAll != 1300 {
		t.Fatalf("expected recomputed quota 1300, got %d", recomputed.StorageAll)
	}
	if _, err := repo.RecomputeStorageQuota(ctx, user.ID, 0); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded when ledger cannot cover usage, got %v", err)
	}
}

// RunRepositoryQuotaOverflow checks that credits which would push StorageAll
// past the int64 range are refused without claiming the card or moving quota.
func RunRepositoryQuotaOverflow(t *testing.T, factory RepositoryFactory) {
	ctx := context.Background()
	repo := runRepository(t, factory, WithDefaultStorageQuota(100))
	user := mustCreateUser(t, repo, "hoarder@example.com")

	var validation ValidationError
	if _, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{Count: 1, StorageBytes: math.MaxInt64}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for oversized gift card, got %v", err)
	}
	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionAdjustment,
		StorageBytes: MaxStorageCredit + 1,
	}); !errors.As(err, &validation) {
		t.Fatalf("expected validation error for oversized adjustment, got %v", err)
	}

	cards, err := repo.CreateGiftCards(ctx, CreateGiftCardsParams{Count: 1, StorageBytes: MaxStorageCredit})
	if err != nil {
		t.Fatalf("CreateGiftCards: %v", err)
	}
	nearMax := int64(math.MaxInt64 - 10)
	if _, err := repo.UpdateUser(ctx, user.ID, UserUpdate{StorageAll: &nearMax}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	if _, err := repo.RedeemGiftCard(ctx, cards[0].Code, user.ID); !errors.Is(err, ErrQuotaOverflow) {
		t.Fatalf("expected ErrQuotaOverflow on redemption, got %v", err)
	}
	card, err := repo.GetGiftCard(ctx, cards[0].Code)
	if err != nil {
		t.Fatalf("GetGiftCard: %v", err)
	}
	if card.Claimed {
		t.Fatal("expected card to stay unclaimed after overflow")
	}

	if _, _, err := repo.CreateTransaction(ctx, CreateTransactionParams{
		UserID:       user.ID,
		Kind:         models.TransactionAdjustment,
		StorageBytes: 11,
		Reference:    "overflow-1",
	}); !errors.Is(err, ErrQuotaOverflow) {
		t.Fatalf("expected ErrQuotaOverflow on transaction, got %v", err)
	}

	current, err := repo.GetUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if current.StorageAll != nearMax {
		t.Fatalf("expected quota to stay at %d, got %d", nearMax, current.StorageAll)
	}
	if current.StorageUsed < 0 || current.StorageUsed > current.StorageAll {
		t.Fatalf("quota invariant broken: used %d, all %d", current.StorageUsed, current.StorageAll)
	}
	txs, err := repo.ListTransactions(ctx, TransactionFilter{UserID: user.ID})
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no ledger entries after refused credits, got %d", len(txs))
	}
}
