package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloudlocker/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

func hashPassword(password string) (string, error) {
	salt := make([]byte, passwordHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, passwordHashIterations, passwordHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", passwordHashIterations, encodedSalt, encodedKey), nil
}

func verifyPassword(encodedHash, candidate string) error {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 {
		return fmt.Errorf("verify password: invalid hash format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return fmt.Errorf("verify password: unsupported hash identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify password: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify password: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify password: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// checkPassword authenticates candidate against the user's stored hash.
func checkPassword(user models.User, candidate string) (models.User, error) {
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, candidate); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return invalid(fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	return nil
}

func normalizeRoles(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	roles := make([]string, 0, len(input))
	seen := make(map[string]struct{})
	for _, role := range input {
		trimmed := strings.TrimSpace(role)
		if trimmed == "" {
			continue
		}
		normalized := strings.ToLower(trimmed)
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		roles = append(roles, normalized)
	}
	if len(roles) == 0 {
		return nil
	}
	sort.Strings(roles)
	return roles
}

// prepareNewUser validates params and builds the user document shared by both
// drivers. The caller assigns uniqueness and persists it.
func prepareNewUser(params CreateUserParams, defaultQuota int64, now func() time.Time) (models.User, error) {
	email := normalizeEmail(params.Email)
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, invalid("a valid email is required")
	}
	displayName := normalizeDisplayName(params.DisplayName)
	if displayName == "" {
		return models.User{}, invalid("displayName is required")
	}
	if params.StorageAll < 0 {
		return models.User{}, invalid("storageAll cannot be negative")
	}

	var passwordHash string
	if params.Password != "" {
		if err := validatePassword(params.Password); err != nil {
			return models.User{}, err
		}
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}

	roles := normalizeRoles(params.Roles)
	if len(roles) == 0 {
		roles = []string{models.RoleUser}
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}

	quota := params.StorageAll
	if quota == 0 {
		quota = defaultQuota
	}

	ts := now().UTC()
	return models.User{
		ID:           id,
		DisplayName:  displayName,
		Email:        email,
		Roles:        roles,
		PasswordHash: passwordHash,
		StorageAll:   quota,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}, nil
}
