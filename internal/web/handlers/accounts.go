package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/account"
	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/quota"
	"github.com/hireloop/mailengine/internal/web/middleware"
)

// AccountHandler serves account linking and lifecycle endpoints.
type AccountHandler struct {
	accounts *account.Service
	quota    *quota.Service
}

func NewAccountHandler(accounts *account.Service, quotaSvc *quota.Service) *AccountHandler {
	return &AccountHandler{accounts: accounts, quota: quotaSvc}
}

// accountView is the wire shape of an account. Sealed credentials never
// leave the store.
type accountView struct {
	ID            uuid.UUID `json:"id"`
	Provider      string    `json:"provider"`
	Email         string    `json:"email"`
	IsDefault     bool      `json:"is_default"`
	IsActive      bool      `json:"is_active"`
	SyncEnabled   bool      `json:"sync_enabled"`
	SyncFrequency string    `json:"sync_frequency"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
	LastSyncError string    `json:"last_sync_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func viewOfAccount(a *models.EmailAccount) accountView {
	return accountView{
		ID:            a.PublicID,
		Provider:      string(a.Provider),
		Email:         a.Email,
		IsDefault:     a.IsDefault,
		IsActive:      a.IsActive,
		SyncEnabled:   a.SyncEnabled,
		SyncFrequency: a.SyncFrequency.String(),
		LastSyncAt:    a.LastSyncAt,
		LastSyncError: a.LastSyncError,
		CreatedAt:     a.CreatedAt,
	}
}

func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	accounts, err := h.accounts.ListAccounts(r.Context(), userID)
	if err != nil {
		slog.Error("list accounts", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, viewOfAccount(&accounts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": views})
}

func (h *AccountHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req account.LinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	linked, err := h.accounts.LinkAccount(r.Context(), userID, req)
	if err != nil {
		if errors.Is(err, account.ErrInvalidLink) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("link account", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusCreated, viewOfAccount(linked))
}

func (h *AccountHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	publicID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "account ID must be a valid UUID")
		return
	}

	if err := h.accounts.UnlinkAccount(r.Context(), userID, publicID); err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("unlink account", "user_id", userID, "account_id", publicID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleLimits reports current send-window usage for one account.
func (h *AccountHandler) HandleLimits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	publicID, err := uuid.Parse(chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "account ID must be a valid UUID")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), userID, publicID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("resolve account for limits", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	usage, err := h.quota.Usage(r.Context(), acct.ID)
	if err != nil {
		slog.Error("load rate limit usage", "account_id", acct.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, usage)
}
