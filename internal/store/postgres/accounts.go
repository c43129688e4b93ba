package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/mailengine/internal/models"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

const accountColumns = `id, public_id, user_id, provider, email,
	access_token_sealed, refresh_token_sealed, token_expires_at,
	imap_host, imap_port, smtp_host, smtp_port, username, password_sealed, use_ssl,
	is_default, is_active, sync_enabled, sync_frequency_seconds,
	last_sync_at, last_sync_error, sync_cursor,
	folder_inbox, folder_sent, folder_drafts, folder_trash,
	created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.EmailAccount, error) {
	var a models.EmailAccount
	var freqSeconds int
	err := row.Scan(
		&a.ID, &a.PublicID, &a.UserID, &a.Provider, &a.Email,
		&a.AccessTokenSealed, &a.RefreshTokenSealed, &a.TokenExpiresAt,
		&a.IMAPHost, &a.IMAPPort, &a.SMTPHost, &a.SMTPPort, &a.Username, &a.PasswordSealed, &a.UseSSL,
		&a.IsDefault, &a.IsActive, &a.SyncEnabled, &freqSeconds,
		&a.LastSyncAt, &a.LastSyncError, &a.SyncCursor,
		&a.Folders.Inbox, &a.Folders.Sent, &a.Folders.Drafts, &a.Folders.Trash,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.SyncFrequency = time.Duration(freqSeconds) * time.Second
	return &a, nil
}

func (s *AccountStore) CreateAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error) {
	if account.PublicID == uuid.Nil {
		account.PublicID = uuid.New()
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO email_accounts (
			public_id, user_id, provider, email,
			access_token_sealed, refresh_token_sealed, token_expires_at,
			imap_host, imap_port, smtp_host, smtp_port, username, password_sealed, use_ssl,
			is_default, is_active, sync_enabled, sync_frequency_seconds,
			folder_inbox, folder_sent, folder_drafts, folder_trash
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING `+accountColumns,
		account.PublicID, account.UserID, account.Provider, account.Email,
		account.AccessTokenSealed, account.RefreshTokenSealed, account.TokenExpiresAt,
		account.IMAPHost, account.IMAPPort, account.SMTPHost, account.SMTPPort,
		account.Username, account.PasswordSealed, account.UseSSL,
		account.IsDefault, account.IsActive, account.SyncEnabled,
		int(account.SyncFrequency.Seconds()),
		account.Folders.Inbox, account.Folders.Sent, account.Folders.Drafts, account.Folders.Trash,
	)
	return scanAccount(row)
}

func (s *AccountStore) GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return account, err
}

func (s *AccountStore) GetAccountByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE public_id = $1`, publicID)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return account, err
}

func (s *AccountStore) GetAccountsByUserID(ctx context.Context, userID int64) ([]models.EmailAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func (s *AccountStore) ListSyncableAccounts(ctx context.Context) ([]models.EmailAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts
		 WHERE is_active = TRUE AND sync_enabled = TRUE ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows *sql.Rows) ([]models.EmailAccount, error) {
	var accounts []models.EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *AccountStore) UpdateAccountTokens(ctx context.Context, id int64, accessSealed, refreshSealed []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts
		 SET access_token_sealed = $2,
		     refresh_token_sealed = COALESCE(NULLIF($3, ''::bytea), refresh_token_sealed),
		     token_expires_at = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, accessSealed, refreshSealed, expiresAt)
	return err
}

func (s *AccountStore) UpdateAccountCursor(ctx context.Context, id int64, cursor string, lastSyncAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts
		 SET sync_cursor = $2, last_sync_at = $3, last_sync_error = '', updated_at = NOW()
		 WHERE id = $1`,
		id, cursor, lastSyncAt)
	return err
}

func (s *AccountStore) UpdateAccountSyncError(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET last_sync_error = $2, updated_at = NOW() WHERE id = $1`,
		id, message)
	return err
}

func (s *AccountStore) SetAccountActive(ctx context.Context, id int64, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET is_active = $2, updated_at = NOW() WHERE id = $1`,
		id, active)
	return err
}

func (s *AccountStore) SetAccountSyncEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET sync_enabled = $2, updated_at = NOW() WHERE id = $1`,
		id, enabled)
	return err
}

func (s *AccountStore) ClearDefaultForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1`,
		userID)
	return err
}

func (s *AccountStore) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM email_accounts WHERE id = $1`, id)
	return err
}
