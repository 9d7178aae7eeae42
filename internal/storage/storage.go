package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"cloudlocker/internal/models"
)

type dataset struct {
	Users        map[string]models.User              `json:"users"`
	Transactions map[string]models.Transaction       `json:"transactions"`
	GiftCards    map[string]models.GiftCard          `json:"giftCards"`
	Tokens       map[string]models.VerificationToken `json:"verificationTokens"`
}

// Storage is the JSON file driver. The whole dataset lives in memory behind a
// RWMutex; every mutation writes a fresh copy to a temp file and renames it
// over the store so a failed write leaves both disk and memory untouched.
type Storage struct {
	mu           sync.RWMutex
	filePath     string
	data         dataset
	defaultQuota int64
	now          func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*Storage)(nil)

func newDataset() dataset {
	return dataset{
		Users:        make(map[string]models.User),
		Transactions: make(map[string]models.Transaction),
		GiftCards:    make(map[string]models.GiftCard),
		Tokens:       make(map[string]models.VerificationToken),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Transactions == nil {
		s.data.Transactions = make(map[string]models.Transaction)
	}
	if s.data.GiftCards == nil {
		s.data.GiftCards = make(map[string]models.GiftCard)
	}
	if s.data.Tokens == nil {
		s.data.Tokens = make(map[string]models.VerificationToken)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath:     path,
		defaultQuota: DefaultStorageQuota,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// commitLocked persists updated and swaps it in on success. Callers hold mu.
func (s *Storage) commitLocked(updated dataset) error {
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		user.Roles = append([]string(nil), user.Roles...)
		clone.Users[id] = user
	}
	for id, tx := range src.Transactions {
		clone.Transactions[id] = tx
	}
	for code, card := range src.GiftCards {
		clone.GiftCards[code] = card
	}
	for hash, token := range src.Tokens {
		clone.Tokens[hash] = token
	}
	return clone
}

func (s *Storage) timestamp() time.Time {
	return s.now().UTC()
}

// Ping reports whether the backing file is still writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data dir %s is not a directory", dir)
	}
	return nil
}

// User operations

func (s *Storage) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	user, err := prepareNewUser(params, s.defaultQuota, s.now)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if existing.Email == user.Email {
			return models.User{}, ErrEmailInUse
		}
	}

	updated := cloneDataset(s.data)
	updated.Users[user.ID] = user
	if err := s.commitLocked(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) GetUser(ctx context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

// FindUserByEmail looks up a user by their normalized email address.
func (s *Storage) FindUserByEmail(ctx context.Context, email string) (models.User, error) {
	normalized := normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.data.Users {
		if user.Email == normalized {
			return user, nil
		}
	}
	return models.User{}, ErrUserNotFound
}

// AuthenticateUser verifies credentials and returns the matching user on success.
func (s *Storage) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, ErrInvalidCredentials
	}
	user, err := s.FindUserByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, err
	}
	return checkPassword(user, password)
}

func (s *Storage) ListUsers(ctx context.Context, filter UserFilter) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := normalizeEmail(filter.Email)
	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		if needle != "" && !strings.Contains(user.Email, needle) {
			continue
		}
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})

	offset := normalizeOffset(filter.Offset)
	if offset >= len(users) {
		return []models.User{}, nil
	}
	users = users[offset:]
	if limit := normalizeLimit(filter.Limit); len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// UpdateUser mutates user metadata while enforcing uniqueness and quota
// constraints.
func (s *Storage) UpdateUser(ctx context.Context, id string, update UserUpdate) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	user, ok := updated.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}

	if update.DisplayName != nil {
		name := normalizeDisplayName(*update.DisplayName)
		if name == "" {
			return models.User{}, invalid("displayName cannot be empty")
		}
		user.DisplayName = name
	}

	if update.Email != nil {
		email := normalizeEmail(*update.Email)
		if email == "" || !strings.Contains(email, "@") {
			return models.User{}, invalid("a valid email is required")
		}
		for existingID, existing := range updated.Users {
			if existingID != user.ID && existing.Email == email {
				return models.User{}, ErrEmailInUse
			}
		}
		if email != user.Email {
			user.Email = email
			user.EmailVerified = false
			user.EmailVerifiedAt = nil
		}
	}

	if update.Roles != nil {
		roles := normalizeRoles(*update.Roles)
		if len(roles) == 0 {
			roles = []string{models.RoleUser}
		}
		user.Roles = roles
	}

	if update.StorageAll != nil {
		if *update.StorageAll < 0 {
			return models.User{}, invalid("storageAll cannot be negative")
		}
		if *update.StorageAll < user.StorageUsed {
			return models.User{}, ErrQuotaExceeded
		}
		user.StorageAll = *update.StorageAll
	}

	user.UpdatedAt = s.timestamp()
	updated.Users[id] = user
	if err := s.commitLocked(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// SetUserPassword replaces the stored password hash for the provided user.
func (s *Storage) SetUserPassword(ctx context.Context, id, password string) (models.User, error) {
	if err := validatePassword(password); err != nil {
		return models.User{}, err
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	return s.mutateUser(id, func(user *models.User) error {
		user.PasswordHash = hashed
		return nil
	})
}

func (s *Storage) MarkEmailVerified(ctx context.Context, id string) (models.User, error) {
	return s.mutateUser(id, func(user *models.User) error {
		if user.EmailVerified {
			return nil
		}
		verifiedAt := s.timestamp()
		user.EmailVerified = true
		user.EmailVerifiedAt = &verifiedAt
		return nil
	})
}

func (s *Storage) UpdateStorageUsed(ctx context.Context, id string, used int64) (models.User, error) {
	if used < 0 {
		return models.User{}, invalid("storage used cannot be negative")
	}
	return s.mutateUser(id, func(user *models.User) error {
		if used > user.StorageAll {
			return ErrQuotaExceeded
		}
		user.StorageUsed = used
		return nil
	})
}

func (s *Storage) mutateUser(id string, mutate func(*models.User) error) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	user, ok := updated.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	if err := mutate(&user); err != nil {
		return models.User{}, err
	}
	user.UpdatedAt = s.timestamp()
	updated.Users[id] = user
	if err := s.commitLocked(updated); err != nil {
		return models.User{}, err
	}
	return user, nil
}

// DeleteUser removes the account and its outstanding verification tokens.
// Transactions stay in the ledger.
func (s *Storage) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	if _, ok := updated.Users[id]; !ok {
		return ErrUserNotFound
	}
	delete(updated.Users, id)
	for hash, token := range updated.Tokens {
		if token.UserID == id {
			delete(updated.Tokens, hash)
		}
	}
	return s.commitLocked(updated)
}

// Verification tokens

func (s *Storage) CreateVerificationToken(ctx context.Context, userID string, purpose models.TokenPurpose, ttl time.Duration) (string, models.VerificationToken, error) {
	if ttl <= 0 {
		return "", models.VerificationToken{}, invalid("token ttl must be positive")
	}
	raw, hash, err := generateVerificationToken()
	if err != nil {
		return "", models.VerificationToken{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userID]; !ok {
		return "", models.VerificationToken{}, ErrUserNotFound
	}
	updated := cloneDataset(s.data)
	for existingHash, existing := range updated.Tokens {
		if existing.UserID == userID && existing.Purpose == purpose {
			delete(updated.Tokens, existingHash)
		}
	}
	now := s.timestamp()
	token := models.VerificationToken{
		TokenHash: hash,
		UserID:    userID,
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	updated.Tokens[hash] = token
	if err := s.commitLocked(updated); err != nil {
		return "", models.VerificationToken{}, err
	}
	return raw, token, nil
}

// ConsumeVerificationToken removes the token whatever its state, so an expired
// token cannot be retried either.
func (s *Storage) ConsumeVerificationToken(ctx context.Context, rawToken string, purpose models.TokenPurpose) (models.VerificationToken, error) {
	if strings.TrimSpace(rawToken) == "" {
		return models.VerificationToken{}, ErrTokenNotFound
	}
	hash := hashVerificationToken(rawToken)

	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.data.Tokens[hash]
	if !ok || token.Purpose != purpose {
		return models.VerificationToken{}, ErrTokenNotFound
	}
	updated := cloneDataset(s.data)
	delete(updated.Tokens, hash)
	if err := s.commitLocked(updated); err != nil {
		return models.VerificationToken{}, err
	}
	if !s.timestamp().Before(token.ExpiresAt) {
		return models.VerificationToken{}, ErrTokenExpired
	}
	return token, nil
}

func (s *Storage) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	removed := 0
	for hash, token := range updated.Tokens {
		if !now.Before(token.ExpiresAt) {
			delete(updated.Tokens, hash)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.commitLocked(updated); err != nil {
		return 0, err
	}
	return removed, nil
}
