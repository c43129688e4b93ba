package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
	"github.com/lib/pq"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, public_id, thread_id, email_account_id,
	external_message_id, provider_thread_id, message_type, from_address,
	to_addresses, cc_addresses, bcc_addresses, subject, text_body, html_body,
	is_read, is_starred, is_important, folder, sent_at, needs_reconcile, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.EmailMessage, error) {
	var m models.EmailMessage
	var accountID sql.NullInt64
	err := row.Scan(
		&m.ID, &m.PublicID, &m.ThreadID, &accountID,
		&m.ExternalMessageID, &m.ProviderThreadID, &m.MessageType, &m.FromAddress,
		pq.Array(&m.ToAddresses), pq.Array(&m.CcAddresses), pq.Array(&m.BccAddresses),
		&m.Subject, &m.TextBody, &m.HTMLBody,
		&m.IsRead, &m.IsStarred, &m.IsImportant, &m.Folder,
		&m.SentAt, &m.NeedsReconcile, &m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		m.EmailAccountID = accountID.Int64
	}
	return &m, nil
}

// CreateMessage persists one message. A unique violation on the dedup index
// maps to store.ErrDuplicateMessage so sync can treat re-fetched mail as a
// no-op.
func (s *MessageStore) CreateMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error) {
	if msg.PublicID == uuid.Nil {
		msg.PublicID = uuid.New()
	}
	var accountID any
	if msg.EmailAccountID != 0 {
		accountID = msg.EmailAccountID
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO email_messages (
			public_id, thread_id, email_account_id, external_message_id,
			provider_thread_id, message_type, from_address,
			to_addresses, cc_addresses, bcc_addresses,
			subject, text_body, html_body,
			is_read, is_starred, is_important, folder, sent_at, needs_reconcile
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING `+messageColumns,
		msg.PublicID, msg.ThreadID, accountID, msg.ExternalMessageID,
		msg.ProviderThreadID, msg.MessageType, msg.FromAddress,
		pq.Array(msg.ToAddresses), pq.Array(msg.CcAddresses), pq.Array(msg.BccAddresses),
		msg.Subject, msg.TextBody, msg.HTMLBody,
		msg.IsRead, msg.IsStarred, msg.IsImportant, msg.Folder, msg.SentAt, msg.NeedsReconcile,
	)
	created, err := scanMessage(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, store.ErrDuplicateMessage
		}
		return nil, err
	}
	return created, nil
}

func (s *MessageStore) MessageExists(ctx context.Context, accountID int64, externalMessageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM email_messages
			WHERE email_account_id = $1 AND external_message_id = $2
		)`,
		accountID, externalMessageID,
	).Scan(&exists)
	return exists, err
}

func (s *MessageStore) GetMessageByID(ctx context.Context, id int64) (*models.EmailMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *MessageStore) ListMessagesByThreadID(ctx context.Context, threadID int64) ([]models.EmailMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages
		 WHERE thread_id = $1 ORDER BY sent_at`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.EmailMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *MessageStore) ListReconcilable(ctx context.Context, accountID int64) ([]models.EmailMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM email_messages
		 WHERE email_account_id = $1 AND needs_reconcile = TRUE ORDER BY sent_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.EmailMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

func (s *MessageStore) ResolveReconcile(ctx context.Context, id int64, externalMessageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_messages
		 SET needs_reconcile = FALSE, external_message_id = $2
		 WHERE id = $1`,
		id, externalMessageID)
	return err
}
