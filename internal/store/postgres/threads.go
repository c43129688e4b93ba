package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/mailengine/internal/models"
	"github.com/lib/pq"
)

type ThreadStore struct {
	db *sql.DB
}

func NewThreadStore(db *sql.DB) *ThreadStore {
	return &ThreadStore{db: db}
}

const threadColumns = `id, public_id, user_id, subject, norm_subject,
	participants, labels, provider_refs, message_count, last_message_at,
	archived, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*models.EmailThread, error) {
	var t models.EmailThread
	err := row.Scan(
		&t.ID, &t.PublicID, &t.UserID, &t.Subject, &t.NormSubject,
		pq.Array(&t.Participants), pq.Array(&t.Labels), pq.Array(&t.ProviderRefs),
		&t.MessageCount, &t.LastMessageAt, &t.Archived, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *ThreadStore) CreateThread(ctx context.Context, thread *models.EmailThread) (*models.EmailThread, error) {
	if thread.PublicID == uuid.Nil {
		thread.PublicID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO email_threads (
			public_id, user_id, subject, norm_subject, participants, labels,
			provider_refs, message_count, last_message_at, archived
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+threadColumns,
		thread.PublicID, thread.UserID, thread.Subject, thread.NormSubject,
		pq.Array(thread.Participants), pq.Array(thread.Labels),
		pq.Array(thread.ProviderRefs), thread.MessageCount,
		thread.LastMessageAt, thread.Archived,
	)
	return scanThread(row)
}

func (s *ThreadStore) FindCandidateThreads(ctx context.Context, userID int64, normSubject string, since time.Time) ([]models.EmailThread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads
		 WHERE user_id = $1 AND norm_subject = $2 AND last_message_at >= $3
		 ORDER BY last_message_at DESC`,
		userID, normSubject, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectThreads(rows)
}

func (s *ThreadStore) FindThreadByProviderRef(ctx context.Context, userID int64, ref string) (*models.EmailThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads
		 WHERE user_id = $1 AND $2 = ANY(provider_refs)
		 ORDER BY last_message_at DESC LIMIT 1`,
		userID, ref)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *ThreadStore) AttachMessageMeta(ctx context.Context, threadID int64, participants []string, providerRef string, lastMessageAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_threads SET
			participants = (
				SELECT ARRAY(SELECT DISTINCT p FROM unnest(participants || $2::text[]) AS p ORDER BY p)
			),
			provider_refs = CASE
				WHEN $3 = '' OR $3 = ANY(provider_refs) THEN provider_refs
				ELSE provider_refs || $3
			END,
			message_count = message_count + 1,
			last_message_at = GREATEST(last_message_at, $4),
			updated_at = NOW()
		 WHERE id = $1`,
		threadID, pq.Array(participants), providerRef, lastMessageAt)
	return err
}

func (s *ThreadStore) GetThreadByID(ctx context.Context, id int64) (*models.EmailThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads WHERE id = $1`, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *ThreadStore) GetThreadByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailThread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM email_threads WHERE public_id = $1`, publicID)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *ThreadStore) ListThreadsByUserID(ctx context.Context, userID int64, query models.ThreadQuery) ([]models.EmailThread, error) {
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `SELECT ` + threadColumns + ` FROM email_threads WHERE user_id = $1`
	args := []any{userID}

	if query.Label != "" {
		args = append(args, query.Label)
		q += ` AND $2 = ANY(labels)`
	}
	if query.Archived != nil {
		args = append(args, *query.Archived)
		q += ` AND archived = $` + itoa(len(args))
	}
	if query.Q != "" {
		args = append(args, "%"+query.Q+"%")
		q += ` AND subject ILIKE $` + itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY last_message_at DESC LIMIT $` + itoa(len(args))
	args = append(args, query.Offset)
	q += ` OFFSET $` + itoa(len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectThreads(rows)
}

func (s *ThreadStore) SetThreadArchived(ctx context.Context, id int64, archived bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_threads SET archived = $2, updated_at = NOW() WHERE id = $1`,
		id, archived)
	return err
}

func collectThreads(rows *sql.Rows) ([]models.EmailThread, error) {
	var threads []models.EmailThread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		threads = append(threads, *t)
	}
	return threads, rows.Err()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
