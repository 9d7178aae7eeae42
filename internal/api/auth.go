package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloudlocker/internal/auth"
	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"
)

type contextKey string

const (
	userContextKey   contextKey = "authenticatedUser"
	claimsContextKey contextKey = "tokenClaims"
)

var (
	ErrMissingToken    = errors.New("missing session token")
	ErrInvalidSession  = errors.New("invalid or expired session")
	ErrAccountNotFound = errors.New("account not found")
)

// ContextWithUser stores the authenticated user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// ContextWithClaims stores the validated token claims so logout can revoke
// the exact token that authenticated the request.
func ContextWithClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves token claims from context if present.
func ClaimsFromContext(ctx context.Context) (auth.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(auth.Claims)
	return claims, ok
}

// AuthenticateRequest validates the access token on the request and loads the
// account it was issued to. ErrMissingToken, ErrInvalidSession, and
// ErrAccountNotFound mean 401; any other error is a backend failure.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, auth.Claims, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, auth.Claims{}, ErrMissingToken
	}
	if h.Tokens == nil {
		return models.User{}, auth.Claims{}, ErrInvalidSession
	}
	claims, err := h.Tokens.Validate(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrTokenRevoked) {
			return models.User{}, auth.Claims{}, ErrInvalidSession
		}
		return models.User{}, auth.Claims{}, fmt.Errorf("validate token: %w", err)
	}
	user, err := h.Store.GetUser(r.Context(), claims.UserID())
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return models.User{}, auth.Claims{}, ErrAccountNotFound
		}
		return models.User{}, auth.Claims{}, fmt.Errorf("load account: %w", err)
	}
	return user, claims, nil
}

// IsAuthError reports whether err from AuthenticateRequest should produce a
// 401 rather than a 503.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingToken) || errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrAccountNotFound)
}

// BearerToken returns the token carried in the Authorization header only.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// ExtractToken prefers the Authorization header and falls back to the
// session cookie.
func ExtractToken(r *http.Request) string {
	if token := BearerToken(r); token != "" {
		return token
	}
	return sessionCookieToken(r)
}

func (h *Handler) requireAuthenticatedUser(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, fmt.Errorf("authentication required"))
		return models.User{}, false
	}
	return user, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if len(roles) == 0 {
		return user, true
	}
	if !userHasAnyRole(user, roles...) {
		WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return models.User{}, false
	}
	return user, true
}

// requireSelfOrAdmin admits the owner of userID and administrators.
func (h *Handler) requireSelfOrAdmin(w http.ResponseWriter, r *http.Request, userID string) (models.User, bool) {
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if user.ID != userID && !user.HasRole(models.RoleAdmin) {
		WriteError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return models.User{}, false
	}
	return user, true
}

func userHasAnyRole(user models.User, roles ...string) bool {
	for _, required := range roles {
		if user.HasRole(required) {
			return true
		}
	}
	return false
}
