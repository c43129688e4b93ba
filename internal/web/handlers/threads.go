package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/thread"
	"github.com/hireloop/mailengine/internal/web/middleware"
)

// ThreadHandler serves the conversation read endpoints.
type ThreadHandler struct {
	threads *thread.Service
}

func NewThreadHandler(threads *thread.Service) *ThreadHandler {
	return &ThreadHandler{threads: threads}
}

type threadView struct {
	ID            uuid.UUID `json:"id"`
	Subject       string    `json:"subject"`
	Participants  []string  `json:"participants"`
	Labels        []string  `json:"labels"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	Archived      bool      `json:"archived"`
}

type messageView struct {
	ID          uuid.UUID `json:"id"`
	Type        string    `json:"type"`
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Cc          []string  `json:"cc,omitempty"`
	Subject     string    `json:"subject"`
	TextBody    string    `json:"text_body,omitempty"`
	HTMLBody    string    `json:"html_body,omitempty"`
	IsRead      bool      `json:"is_read"`
	IsStarred   bool      `json:"is_starred"`
	IsImportant bool      `json:"is_important"`
	SentAt      time.Time `json:"sent_at"`
}

func viewOfThread(t *models.EmailThread) threadView {
	return threadView{
		ID:            t.PublicID,
		Subject:       t.Subject,
		Participants:  t.Participants,
		Labels:        t.Labels,
		MessageCount:  t.MessageCount,
		LastMessageAt: t.LastMessageAt,
		Archived:      t.Archived,
	}
}

func viewOfMessage(m *models.EmailMessage) messageView {
	return messageView{
		ID:          m.PublicID,
		Type:        string(m.MessageType),
		From:        m.FromAddress,
		To:          m.ToAddresses,
		Cc:          m.CcAddresses,
		Subject:     m.Subject,
		TextBody:    m.TextBody,
		HTMLBody:    m.HTMLBody,
		IsRead:      m.IsRead,
		IsStarred:   m.IsStarred,
		IsImportant: m.IsImportant,
		SentAt:      m.SentAt,
	}
}

// HandleList returns the user's threads, filterable by label, archive state
// and a subject/participant search term.
func (h *ThreadHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	query := models.ThreadQuery{
		Label: r.URL.Query().Get("label"),
		Q:     r.URL.Query().Get("q"),
	}
	if raw := r.URL.Query().Get("archived"); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "archived must be true or false")
			return
		}
		query.Archived = &archived
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		query.Limit, _ = strconv.Atoi(raw)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		query.Offset, _ = strconv.Atoi(raw)
	}

	threads, err := h.threads.ListThreads(r.Context(), userID, query)
	if err != nil {
		slog.Error("list threads", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	views := make([]threadView, 0, len(threads))
	for i := range threads {
		views = append(views, viewOfThread(&threads[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": views})
}

// HandleGet returns one thread with its messages in send order.
func (h *ThreadHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread ID must be a valid UUID")
		return
	}

	t, messages, err := h.threads.GetThread(r.Context(), userID, threadID)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		slog.Error("get thread", "user_id", userID, "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	msgViews := make([]messageView, 0, len(messages))
	for i := range messages {
		msgViews = append(msgViews, viewOfMessage(&messages[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread":   viewOfThread(t),
		"messages": msgViews,
	})
}

// HandleArchive toggles the thread's archive flag.
func (h *ThreadHandler) HandleArchive(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())

	threadID, err := uuid.Parse(chi.URLParam(r, "threadID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "thread ID must be a valid UUID")
		return
	}

	var req struct {
		Archived bool `json:"archived"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.threads.SetArchived(r.Context(), userID, threadID, req.Archived); err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		slog.Error("archive thread", "user_id", userID, "thread_id", threadID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
