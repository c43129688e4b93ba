package postgres

import (
	"context"
	"database/sql"

	"github.com/hireloop/mailengine/internal/models"
)

type AttachmentStore struct {
	db *sql.DB
}

func NewAttachmentStore(db *sql.DB) *AttachmentStore {
	return &AttachmentStore{db: db}
}

func (s *AttachmentStore) CreateAttachment(ctx context.Context, att *models.EmailAttachment) (*models.EmailAttachment, error) {
	att.SizeBytes = int64(len(att.Content))
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO email_attachments (message_id, file_name, content_type, size_bytes, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		att.MessageID, att.FileName, att.ContentType, att.SizeBytes, att.Content,
	).Scan(&att.ID, &att.CreatedAt)
	if err != nil {
		return nil, err
	}
	return att, nil
}

func (s *AttachmentStore) ListAttachmentsByMessageID(ctx context.Context, messageID int64) ([]models.EmailAttachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, file_name, content_type, size_bytes, content, created_at
		 FROM email_attachments WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []models.EmailAttachment
	for rows.Next() {
		var a models.EmailAttachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.FileName, &a.ContentType, &a.SizeBytes, &a.Content, &a.CreatedAt); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
