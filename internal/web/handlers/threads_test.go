package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/thread"
	"github.com/hireloop/mailengine/internal/web/middleware"
)

type stubThreadStore struct {
	threads  []models.EmailThread
	lastUser int64
}

func (s *stubThreadStore) CreateThread(_ context.Context, t *models.EmailThread) (*models.EmailThread, error) {
	return t, nil
}
func (s *stubThreadStore) FindCandidateThreads(context.Context, int64, string, time.Time) ([]models.EmailThread, error) {
	return nil, nil
}
func (s *stubThreadStore) FindThreadByProviderRef(context.Context, int64, string) (*models.EmailThread, error) {
	return nil, nil
}
func (s *stubThreadStore) AttachMessageMeta(context.Context, int64, []string, string, time.Time) error {
	return nil
}
func (s *stubThreadStore) GetThreadByID(context.Context, int64) (*models.EmailThread, error) {
	return nil, nil
}
func (s *stubThreadStore) GetThreadByPublicID(_ context.Context, publicID uuid.UUID) (*models.EmailThread, error) {
	for i := range s.threads {
		if s.threads[i].PublicID == publicID {
			cp := s.threads[i]
			return &cp, nil
		}
	}
	return nil, nil
}
func (s *stubThreadStore) ListThreadsByUserID(_ context.Context, userID int64, _ models.ThreadQuery) ([]models.EmailThread, error) {
	s.lastUser = userID
	var out []models.EmailThread
	for _, t := range s.threads {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (s *stubThreadStore) SetThreadArchived(context.Context, int64, bool) error { return nil }

type stubMessageStore struct {
	byThread map[int64][]models.EmailMessage
}

func (s *stubMessageStore) CreateMessage(_ context.Context, m *models.EmailMessage) (*models.EmailMessage, error) {
	return m, nil
}
func (s *stubMessageStore) MessageExists(context.Context, int64, string) (bool, error) {
	return false, nil
}
func (s *stubMessageStore) GetMessageByID(context.Context, int64) (*models.EmailMessage, error) {
	return nil, nil
}
func (s *stubMessageStore) ListMessagesByThreadID(_ context.Context, threadID int64) ([]models.EmailMessage, error) {
	return s.byThread[threadID], nil
}
func (s *stubMessageStore) ListReconcilable(context.Context, int64) ([]models.EmailMessage, error) {
	return nil, nil
}
func (s *stubMessageStore) ResolveReconcile(context.Context, int64, string) error { return nil }

func threadRouter(threads *stubThreadStore, messages *stubMessageStore) http.Handler {
	svc := thread.NewService(threads, messages)
	h := NewThreadHandler(svc)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireUser)
		r.Get("/api/v1/threads", h.HandleList)
		r.Get("/api/v1/threads/{threadID}", h.HandleGet)
	})
	return r
}

func TestListThreadsScopedToCaller(t *testing.T) {
	mine := uuid.New()
	threads := &stubThreadStore{threads: []models.EmailThread{
		{ID: 1, PublicID: mine, UserID: 7, Subject: "mine"},
		{ID: 2, PublicID: uuid.New(), UserID: 8, Subject: "someone else's"},
	}}
	router := threadRouter(threads, &stubMessageStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	var body struct {
		Threads []threadView `json:"threads"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Threads) != 1 {
		t.Fatalf("threads = %d, want only the caller's", len(body.Threads))
	}
	if body.Threads[0].ID != mine {
		t.Errorf("thread ID = %s, want %s", body.Threads[0].ID, mine)
	}
}

func TestGetThreadRejectsForeignThread(t *testing.T) {
	foreign := uuid.New()
	threads := &stubThreadStore{threads: []models.EmailThread{
		{ID: 2, PublicID: foreign, UserID: 8, Subject: "someone else's"},
	}}
	router := threadRouter(threads, &stubMessageStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+foreign.String(), nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for another user's thread", rec.Code)
	}
}

func TestGetThreadReturnsMessagesInOrder(t *testing.T) {
	id := uuid.New()
	threads := &stubThreadStore{threads: []models.EmailThread{
		{ID: 5, PublicID: id, UserID: 7, Subject: "deal"},
	}}
	messages := &stubMessageStore{byThread: map[int64][]models.EmailMessage{
		5: {
			{ID: 1, PublicID: uuid.New(), ThreadID: 5, Subject: "deal"},
			{ID: 2, PublicID: uuid.New(), ThreadID: 5, Subject: "Re: deal"},
		},
	}}
	router := threadRouter(threads, messages)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads/"+id.String(), nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body)
	}
	var body struct {
		Messages []messageView `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Errorf("messages = %d, want 2", len(body.Messages))
	}
}

func TestListThreadsRejectsBadArchivedFilter(t *testing.T) {
	router := threadRouter(&stubThreadStore{}, &stubMessageStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/threads?archived=maybe", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
