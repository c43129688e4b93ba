// Package quota enforces per-account outbound send limits over fixed hourly
// and daily windows. Counters are persisted so limits survive restarts; the
// check-and-increment step is serialized per account in this process, which
// owns all sends.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
)

type Service struct {
	windows store.RateLimitStore

	hourlyLimit int
	dailyLimit  int

	mu    sync.Mutex
	locks map[int64]*sync.Mutex

	now func() time.Time
}

func NewService(windows store.RateLimitStore, hourlyLimit, dailyLimit int) *Service {
	return &Service{
		windows:     windows,
		hourlyLimit: hourlyLimit,
		dailyLimit:  dailyLimit,
		locks:       make(map[int64]*sync.Mutex),
		now:         time.Now,
	}
}

func (s *Service) accountLock(accountID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func (s *Service) limit(kind models.WindowKind) int {
	if kind == models.WindowHourly {
		return s.hourlyLimit
	}
	return s.dailyLimit
}

// CheckAndIncrement consumes one send from both windows if neither is
// exhausted. When either window is full, nothing is consumed and allowed is
// false; the returned usage reflects the counters as the caller saw them.
func (s *Service) CheckAndIncrement(ctx context.Context, accountID int64) (bool, models.RateLimitUsage, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	now := s.now()

	hourly, err := s.currentWindow(ctx, accountID, models.WindowHourly, now)
	if err != nil {
		return false, models.RateLimitUsage{}, err
	}
	daily, err := s.currentWindow(ctx, accountID, models.WindowDaily, now)
	if err != nil {
		return false, models.RateLimitUsage{}, err
	}

	usage := usageOf(hourly, daily, s.hourlyLimit, s.dailyLimit)
	if hourly.Count >= s.hourlyLimit || daily.Count >= s.dailyLimit {
		return false, usage, nil
	}

	hourly.Count++
	daily.Count++
	if err := s.windows.UpsertRateLimitWindow(ctx, hourly); err != nil {
		return false, usage, fmt.Errorf("persist hourly window: %w", err)
	}
	if err := s.windows.UpsertRateLimitWindow(ctx, daily); err != nil {
		return false, usage, fmt.Errorf("persist daily window: %w", err)
	}

	return true, usageOf(hourly, daily, s.hourlyLimit, s.dailyLimit), nil
}

// Usage reports current counters without consuming anything.
func (s *Service) Usage(ctx context.Context, accountID int64) (models.RateLimitUsage, error) {
	l := s.accountLock(accountID)
	l.Lock()
	defer l.Unlock()

	now := s.now()
	hourly, err := s.currentWindow(ctx, accountID, models.WindowHourly, now)
	if err != nil {
		return models.RateLimitUsage{}, err
	}
	daily, err := s.currentWindow(ctx, accountID, models.WindowDaily, now)
	if err != nil {
		return models.RateLimitUsage{}, err
	}
	return usageOf(hourly, daily, s.hourlyLimit, s.dailyLimit), nil
}

// currentWindow loads the persisted window and rolls it over when its start
// has aged past the window duration. Missing rows start a fresh window.
func (s *Service) currentWindow(ctx context.Context, accountID int64, kind models.WindowKind, now time.Time) (*models.RateLimitWindow, error) {
	w, err := s.windows.GetRateLimitWindow(ctx, accountID, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s window: %w", kind, err)
	}
	if w == nil || now.Sub(w.WindowStart) >= kind.Duration() {
		return &models.RateLimitWindow{
			AccountID:   accountID,
			Kind:        kind,
			Count:       0,
			WindowStart: now,
		}, nil
	}
	return w, nil
}

func usageOf(hourly, daily *models.RateLimitWindow, hourlyLimit, dailyLimit int) models.RateLimitUsage {
	return models.RateLimitUsage{
		Hourly: models.WindowUsage{Count: hourly.Count, Limit: hourlyLimit},
		Daily:  models.WindowUsage{Count: daily.Count, Limit: dailyLimit},
	}
}
