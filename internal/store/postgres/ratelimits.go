package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/hireloop/mailengine/internal/models"
)

type RateLimitStore struct {
	db *sql.DB
}

func NewRateLimitStore(db *sql.DB) *RateLimitStore {
	return &RateLimitStore{db: db}
}

func (s *RateLimitStore) GetRateLimitWindow(ctx context.Context, accountID int64, kind models.WindowKind) (*models.RateLimitWindow, error) {
	var w models.RateLimitWindow
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, kind, count, window_start, updated_at
		 FROM rate_limit_windows WHERE account_id = $1 AND kind = $2`,
		accountID, kind,
	).Scan(&w.AccountID, &w.Kind, &w.Count, &w.WindowStart, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *RateLimitStore) UpsertRateLimitWindow(ctx context.Context, window *models.RateLimitWindow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limit_windows (account_id, kind, count, window_start, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (account_id, kind) DO UPDATE
		 SET count = EXCLUDED.count, window_start = EXCLUDED.window_start, updated_at = NOW()`,
		window.AccountID, window.Kind, window.Count, window.WindowStart)
	return err
}
