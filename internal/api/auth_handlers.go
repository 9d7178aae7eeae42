package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloudlocker/internal/events"
	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"
)

type signupRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInvalidLinkToken   = errors.New("invalid or already used token")
	errLinkTokenExpired   = errors.New("token expired")
	errPasswordTooShort   = fmt.Errorf("password must be at least %d characters", storage.MinPasswordLength)
)

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(req.Password) < storage.MinPasswordLength {
		writeError(w, http.StatusBadRequest, errPasswordTooShort)
		return
	}

	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
		Roles:       []string{models.RoleUser},
	})
	if err != nil {
		h.writeStorageError(w, r, "signup create user", err)
		return
	}

	token, expiresAt, err := h.Tokens.Issue(user)
	if err != nil {
		h.logger(r.Context()).Error("issue token failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	h.emit(r.Context(), events.TypeUserRegistered, user.ID, map[string]any{
		"email":      user.Email,
		"storageAll": user.StorageAll,
	})
	if err := h.sendVerification(r.Context(), user); err != nil {
		h.logger(r.Context()).Warn("signup verification email failed", "user_id", user.ID, "error", err)
	}

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusCreated, newAuthResponse(token, user, expiresAt))
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}

	user, err := h.Store.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidCredentials),
			errors.Is(err, storage.ErrPasswordLoginUnsupported),
			errors.Is(err, storage.ErrUserNotFound):
			writeError(w, http.StatusUnauthorized, errInvalidCredentials)
		default:
			h.writeStorageError(w, r, "login", err)
		}
		return
	}

	token, expiresAt, err := h.Tokens.Issue(user)
	if err != nil {
		h.logger(r.Context()).Error("issue token failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}

	h.setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, newAuthResponse(token, user, expiresAt))
}

// Logout revokes the token that authenticated the request.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	h.revokeSession(w, r)
}

// Session reports the current account on GET and logs out on DELETE.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		user, ok := h.requireAuthenticatedUser(w, r)
		if !ok {
			return
		}
		claims, _ := ClaimsFromContext(r.Context())
		writeJSON(w, http.StatusOK, newAuthResponse("", user, claims.Expiry()))
	case http.MethodDelete:
		h.revokeSession(w, r)
	default:
		methodNotAllowed(w, r, "GET, DELETE")
	}
}

func (h *Handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrMissingToken)
		return
	}
	if err := h.Tokens.Revoke(r.Context(), claims); err != nil {
		h.logger(r.Context()).Error("revoke token failed", "user_id", claims.UserID(), "error", err)
		writeError(w, http.StatusInternalServerError, errInternal)
		return
	}
	h.ClearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// SendVerification emails a fresh verification link to the caller.
func (h *Handler) SendVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}
	if user.EmailVerified {
		writeError(w, http.StatusConflict, errors.New("email already verified"))
		return
	}
	if err := h.sendVerification(r.Context(), user); err != nil {
		h.logger(r.Context()).Error("verification email failed", "user_id", user.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("unable to send verification email"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// ConfirmVerification consumes an emailed verification token.
func (h *Handler) ConfirmVerification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	token, ok := h.consumeLinkToken(w, r, req.Token, models.PurposeVerifyEmail)
	if !ok {
		return
	}
	user, err := h.Store.MarkEmailVerified(r.Context(), token.UserID)
	if err != nil {
		h.writeStorageError(w, r, "mark email verified", err)
		return
	}
	h.emit(r.Context(), events.TypeUserEmailVerified, user.ID, map[string]any{"email": user.Email})
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// ForgotPassword always answers 202 before touching the datastore, so
// neither the status nor the response time reveals which emails have
// accounts.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		h.goBackground(r.Context(), passwordResetTimeout, func(ctx context.Context) {
			h.sendPasswordReset(ctx, email)
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

const passwordResetTimeout = 30 * time.Second

func (h *Handler) sendPasswordReset(ctx context.Context, email string) {
	logger := h.logger(ctx)
	user, err := h.Store.FindUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			logger.Error("password reset lookup failed", "error", err)
		}
		return
	}
	raw, _, err := h.Store.CreateVerificationToken(ctx, user.ID, models.PurposeResetPassword, h.resetTTL())
	if err != nil {
		logger.Error("create reset token failed", "user_id", user.ID, "error", err)
		return
	}
	if err := h.mailer().SendPasswordReset(ctx, user, h.Links.PasswordReset(raw)); err != nil {
		logger.Error("password reset email failed", "user_id", user.ID, "error", err)
	}
}

// ResetPassword sets a new password from an emailed reset token. Access
// tokens issued before the reset stay valid until they expire.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if len(req.Password) < storage.MinPasswordLength {
		writeError(w, http.StatusBadRequest, errPasswordTooShort)
		return
	}
	token, ok := h.consumeLinkToken(w, r, req.Token, models.PurposeResetPassword)
	if !ok {
		return
	}
	if _, err := h.Store.SetUserPassword(r.Context(), token.UserID, req.Password); err != nil {
		h.writeStorageError(w, r, "reset password", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) consumeLinkToken(w http.ResponseWriter, r *http.Request, raw string, purpose models.TokenPurpose) (models.VerificationToken, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return models.VerificationToken{}, false
	}
	token, err := h.Store.ConsumeVerificationToken(r.Context(), raw, purpose)
	switch {
	case err == nil:
		return token, true
	case errors.Is(err, storage.ErrTokenNotFound):
		writeError(w, http.StatusBadRequest, errInvalidLinkToken)
	case errors.Is(err, storage.ErrTokenExpired):
		writeError(w, http.StatusGone, errLinkTokenExpired)
	default:
		h.writeStorageError(w, r, "consume token", err)
	}
	return models.VerificationToken{}, false
}

func (h *Handler) sendVerification(ctx context.Context, user models.User) error {
	raw, _, err := h.Store.CreateVerificationToken(ctx, user.ID, models.PurposeVerifyEmail, h.verificationTTL())
	if err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return h.mailer().SendVerification(ctx, user, h.Links.Verification(raw))
}
