package thread

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
)

// ErrThreadNotFound is returned when a thread does not exist or belongs to a
// different user.
var ErrThreadNotFound = fmt.Errorf("thread not found")

// Service is the read side of threading: listing and expanding threads for
// the API layer.
type Service struct {
	threads  store.ThreadStore
	messages store.MessageStore
}

func NewService(threads store.ThreadStore, messages store.MessageStore) *Service {
	return &Service{threads: threads, messages: messages}
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func (s *Service) ListThreads(ctx context.Context, userID int64, query models.ThreadQuery) ([]models.EmailThread, error) {
	if query.Limit <= 0 {
		query.Limit = defaultPageSize
	}
	if query.Limit > maxPageSize {
		query.Limit = maxPageSize
	}
	if query.Offset < 0 {
		query.Offset = 0
	}
	threads, err := s.threads.ListThreadsByUserID(ctx, userID, query)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return threads, nil
}

// GetThread returns one thread with its messages in send order.
func (s *Service) GetThread(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailThread, []models.EmailMessage, error) {
	thread, err := s.resolve(ctx, userID, publicID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.messages.ListMessagesByThreadID(ctx, thread.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list thread messages: %w", err)
	}
	return thread, messages, nil
}

func (s *Service) SetArchived(ctx context.Context, userID int64, publicID uuid.UUID, archived bool) error {
	thread, err := s.resolve(ctx, userID, publicID)
	if err != nil {
		return err
	}
	return s.threads.SetThreadArchived(ctx, thread.ID, archived)
}

func (s *Service) resolve(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailThread, error) {
	thread, err := s.threads.GetThreadByPublicID(ctx, publicID)
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if thread == nil || thread.UserID != userID {
		return nil, ErrThreadNotFound
	}
	return thread, nil
}
