package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cloudlocker/internal/models"
	"cloudlocker/internal/storage"

	"github.com/go-chi/chi/v5"
)

type createUserRequest struct {
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Password    string   `json:"password"`
	StorageAll  *int64   `json:"storageAll,omitempty"`
}

type updateUserRequest struct {
	DisplayName *string   `json:"displayName"`
	Email       *string   `json:"email"`
	Roles       *[]string `json:"roles"`
	StorageAll  *int64    `json:"storageAll"`
}

type storageUsedRequest struct {
	Used *int64 `json:"used"`
}

type recomputeRequest struct {
	Base *int64 `json:"base"`
}

func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		offset, limit, err := parsePaging(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		users, err := h.Store.ListUsers(r.Context(), storage.UserFilter{
			Email:  strings.TrimSpace(r.URL.Query().Get("email")),
			Offset: offset,
			Limit:  limit,
		})
		if err != nil {
			h.writeStorageError(w, r, "list users", err)
			return
		}
		writeJSON(w, http.StatusOK, newUserResponses(users))
	case http.MethodPost:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if len(req.Password) < storage.MinPasswordLength {
			writeError(w, http.StatusBadRequest, errPasswordTooShort)
			return
		}
		params := storage.CreateUserParams{
			DisplayName: req.DisplayName,
			Email:       req.Email,
			Roles:       req.Roles,
			Password:    req.Password,
		}
		if req.StorageAll != nil {
			if *req.StorageAll < 0 {
				writeError(w, http.StatusBadRequest, errors.New("storageAll cannot be negative"))
				return
			}
			params.StorageAll = *req.StorageAll
		}
		user, err := h.Store.CreateUser(r.Context(), params)
		if err != nil {
			h.writeStorageError(w, r, "create user", err)
			return
		}
		writeJSON(w, http.StatusCreated, newUserResponse(user))
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func (h *Handler) UserByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("user id missing"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, ok := h.requireSelfOrAdmin(w, r, id); !ok {
			return
		}
		user, err := h.Store.GetUser(r.Context(), id)
		if err != nil {
			h.writeStorageError(w, r, "get user", err)
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(user))
	case http.MethodPatch:
		requester, ok := h.requireSelfOrAdmin(w, r, id)
		if !ok {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		if !requester.HasRole(models.RoleAdmin) && (req.Email != nil || req.Roles != nil || req.StorageAll != nil) {
			WriteError(w, http.StatusForbidden, fmt.Errorf("only administrators can change email, roles, or storage quota"))
			return
		}
		update := storage.UserUpdate{
			DisplayName: req.DisplayName,
			Email:       req.Email,
			StorageAll:  req.StorageAll,
		}
		if req.Roles != nil {
			rolesCopy := append([]string{}, (*req.Roles)...)
			update.Roles = &rolesCopy
		}
		user, err := h.Store.UpdateUser(r.Context(), id, update)
		if err != nil {
			h.writeStorageError(w, r, "update user", err)
			return
		}
		writeJSON(w, http.StatusOK, newUserResponse(user))
	case http.MethodDelete:
		if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
			return
		}
		if err := h.Store.DeleteUser(r.Context(), id); err != nil {
			h.writeStorageError(w, r, "delete user", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, "GET, PATCH, DELETE")
	}
}

// UserStorage sets the bytes an account currently occupies upstream.
func (h *Handler) UserStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, "PUT")
		return
	}
	if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
		return
	}
	var req storageUsedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if req.Used == nil {
		writeError(w, http.StatusBadRequest, errors.New("used is required"))
		return
	}
	user, err := h.Store.UpdateStorageUsed(r.Context(), chi.URLParam(r, "id"), *req.Used)
	if err != nil {
		h.writeStorageError(w, r, "update storage used", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// RecomputeStorage rebuilds the quota from a base allowance plus every
// completed transaction on the account.
func (h *Handler) RecomputeStorage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if _, ok := h.requireRole(w, r, models.RoleAdmin); !ok {
		return
	}
	var req recomputeRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	base := h.DefaultStorageQuota
	if base <= 0 {
		base = storage.DefaultStorageQuota
	}
	if req.Base != nil {
		base = *req.Base
	}
	user, err := h.Store.RecomputeStorageQuota(r.Context(), chi.URLParam(r, "id"), base)
	if err != nil {
		h.writeStorageError(w, r, "recompute storage quota", err)
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(user))
}

// UserTransactions lists an account's transactions newest first.
func (h *Handler) UserTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.requireSelfOrAdmin(w, r, id); !ok {
		return
	}
	if _, err := h.Store.GetUser(r.Context(), id); err != nil {
		h.writeStorageError(w, r, "get user", err)
		return
	}
	h.listTransactions(w, r, id)
}

func parsePaging(r *http.Request) (int, int, error) {
	query := r.URL.Query()
	offset, err := parseNonNegative(query.Get("offset"), "offset")
	if err != nil {
		return 0, 0, err
	}
	limit, err := parseNonNegative(query.Get("limit"), "limit")
	if err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func parseNonNegative(raw, name string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return value, nil
}
