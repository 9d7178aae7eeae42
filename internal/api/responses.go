package api

import (
	"time"

	"cloudlocker/internal/models"
)

type userResponse struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	Email           string   `json:"email"`
	Roles           []string `json:"roles"`
	EmailVerified   bool     `json:"emailVerified"`
	EmailVerifiedAt *string  `json:"emailVerifiedAt,omitempty"`
	HasPassword     bool     `json:"hasPassword"`
	StorageUsed     int64    `json:"storageUsed"`
	StorageAll      int64    `json:"storageAll"`
	StorageFree     int64    `json:"storageFree"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
}

func newUserResponse(user models.User) userResponse {
	resp := userResponse{
		ID:            user.ID,
		DisplayName:   user.DisplayName,
		Email:         user.Email,
		Roles:         append([]string{}, user.Roles...),
		EmailVerified: user.EmailVerified,
		HasPassword:   user.PasswordHash != "",
		StorageUsed:   user.StorageUsed,
		StorageAll:    user.StorageAll,
		StorageFree:   user.StorageFree(),
		CreatedAt:     formatTime(user.CreatedAt),
		UpdatedAt:     formatTime(user.UpdatedAt),
	}
	if user.EmailVerifiedAt != nil {
		verifiedAt := formatTime(*user.EmailVerifiedAt)
		resp.EmailVerifiedAt = &verifiedAt
	}
	return resp
}

func newUserResponses(users []models.User) []userResponse {
	response := make([]userResponse, 0, len(users))
	for _, user := range users {
		response = append(response, newUserResponse(user))
	}
	return response
}

type authResponse struct {
	Token     string       `json:"token,omitempty"`
	ExpiresAt string       `json:"expiresAt"`
	User      userResponse `json:"user"`
}

func newAuthResponse(token string, user models.User, expires time.Time) authResponse {
	return authResponse{
		Token:     token,
		ExpiresAt: formatTime(expires),
		User:      newUserResponse(user),
	}
}

type redemptionResponse struct {
	User        userResponse       `json:"user"`
	GiftCard    models.GiftCard    `json:"giftCard"`
	Transaction models.Transaction `json:"transaction"`
}

type transactionResponse struct {
	Transaction models.Transaction `json:"transaction"`
	User        userResponse       `json:"user"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
