package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/account"
	"github.com/hireloop/mailengine/internal/dispatch"
	"github.com/hireloop/mailengine/internal/provider"
	"github.com/hireloop/mailengine/internal/web/middleware"
)

// SendHandler serves the outbound pipeline: sending and pre-send
// deliverability checks.
type SendHandler struct {
	accounts   *account.Service
	dispatcher *dispatch.Dispatcher
}

func NewSendHandler(accounts *account.Service, dispatcher *dispatch.Dispatcher) *SendHandler {
	return &SendHandler{accounts: accounts, dispatcher: dispatcher}
}

type attachmentRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"` // base64 in JSON
}

type sendRequest struct {
	AccountID uuid.UUID `json:"account_id"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc,omitempty"`
	Bcc       []string  `json:"bcc,omitempty"`
	Subject   string    `json:"subject"`
	TextBody  string    `json:"text_body,omitempty"`
	HTMLBody  string    `json:"html_body,omitempty"`
	// Force sends despite a spam warning. Scores at the hard ceiling are
	// never forceable.
	Force       bool                `json:"force,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

func (req sendRequest) draft() provider.Draft {
	d := provider.Draft{
		To:       req.To,
		Cc:       req.Cc,
		Bcc:      req.Bcc,
		Subject:  req.Subject,
		TextBody: req.TextBody,
		HTMLBody: req.HTMLBody,
	}
	for _, att := range req.Attachments {
		d.Attachments = append(d.Attachments, provider.RawAttachment{
			FileName:    att.FileName,
			ContentType: att.ContentType,
			Content:     att.Content,
		})
	}
	return d
}

func (h *SendHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	acct, err := h.accounts.GetAccount(r.Context(), userID, req.AccountID)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("resolve send account", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msg, err := h.dispatcher.SendMessage(r.Context(), userID, acct.ID, req.draft(), req.Force)
	if err != nil {
		h.writeSendError(w, userID, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOfMessage(msg))
}

func (h *SendHandler) writeSendError(w http.ResponseWriter, userID int64, err error) {
	var rateErr *dispatch.RateLimitError
	var spamErr *dispatch.SpamError
	switch {
	case errors.As(err, &rateErr):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "send rate limit exceeded",
			Details: rateErr.Usage,
		})
	case errors.As(err, &spamErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "spam score too high",
			Details: map[string]any{
				"score":       spamErr.Result.Score,
				"issues":      spamErr.Result.Issues,
				"overridable": spamErr.Overridable,
			},
		})
	case errors.Is(err, dispatch.ErrAccountInactive):
		writeError(w, http.StatusConflict, "account is inactive")
	case errors.Is(err, dispatch.ErrNoRecipients):
		writeError(w, http.StatusBadRequest, "draft has no recipients")
	default:
		slog.Error("send message", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, "message could not be sent")
	}
}

// HandleDeliverability scores a draft without sending it or consuming any
// send quota.
func (h *SendHandler) HandleDeliverability(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	var req sendRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	draft := req.draft()
	if req.AccountID != uuid.Nil {
		if acct, err := h.accounts.GetAccount(r.Context(), userID, req.AccountID); err == nil {
			draft.From = acct.Email
		}
	}

	result := h.dispatcher.CheckDeliverability(draft)
	writeJSON(w, http.StatusOK, map[string]any{
		"score":  result.Score,
		"band":   result.Band(),
		"issues": result.Issues,
	})
}
