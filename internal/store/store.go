package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hireloop/mailengine/internal/models"
)

// ErrDuplicateMessage is returned by CreateMessage when a row with the same
// (email_account_id, external_message_id) pair already exists. Callers treat
// it as a successful no-op.
var ErrDuplicateMessage = errors.New("duplicate message")

type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.EmailAccount) (*models.EmailAccount, error)
	GetAccountByID(ctx context.Context, id int64) (*models.EmailAccount, error)
	GetAccountByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailAccount, error)
	GetAccountsByUserID(ctx context.Context, userID int64) ([]models.EmailAccount, error)
	// ListSyncableAccounts returns accounts with is_active and sync_enabled
	// both set; the scheduler reconciles its workers against this set.
	ListSyncableAccounts(ctx context.Context) ([]models.EmailAccount, error)
	UpdateAccountTokens(ctx context.Context, id int64, accessSealed, refreshSealed []byte, expiresAt time.Time) error
	UpdateAccountCursor(ctx context.Context, id int64, cursor string, lastSyncAt time.Time) error
	UpdateAccountSyncError(ctx context.Context, id int64, message string) error
	SetAccountActive(ctx context.Context, id int64, active bool) error
	SetAccountSyncEnabled(ctx context.Context, id int64, enabled bool) error
	// ClearDefaultForUser drops is_default from every account of the user,
	// so a newly linked default account stays the only one.
	ClearDefaultForUser(ctx context.Context, userID int64) error
	DeleteAccount(ctx context.Context, id int64) error
}

type ThreadStore interface {
	CreateThread(ctx context.Context, thread *models.EmailThread) (*models.EmailThread, error)
	// FindCandidateThreads returns the user's threads with the given
	// normalized subject whose last activity is at or after since, most
	// recent first.
	FindCandidateThreads(ctx context.Context, userID int64, normSubject string, since time.Time) ([]models.EmailThread, error)
	// FindThreadByProviderRef resolves a provider-native thread ID that was
	// recorded on an earlier message of the same user.
	FindThreadByProviderRef(ctx context.Context, userID int64, ref string) (*models.EmailThread, error)
	// AttachMessageMeta folds one new message into the thread's metadata:
	// participant union, message count, provider refs, last activity.
	AttachMessageMeta(ctx context.Context, threadID int64, participants []string, providerRef string, lastMessageAt time.Time) error
	GetThreadByID(ctx context.Context, id int64) (*models.EmailThread, error)
	GetThreadByPublicID(ctx context.Context, publicID uuid.UUID) (*models.EmailThread, error)
	ListThreadsByUserID(ctx context.Context, userID int64, query models.ThreadQuery) ([]models.EmailThread, error)
	SetThreadArchived(ctx context.Context, id int64, archived bool) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.EmailMessage) (*models.EmailMessage, error)
	MessageExists(ctx context.Context, accountID int64, externalMessageID string) (bool, error)
	GetMessageByID(ctx context.Context, id int64) (*models.EmailMessage, error)
	ListMessagesByThreadID(ctx context.Context, threadID int64) ([]models.EmailMessage, error)
	// ListReconcilable returns sent messages flagged for reconciliation on
	// the account's next sync.
	ListReconcilable(ctx context.Context, accountID int64) ([]models.EmailMessage, error)
	ResolveReconcile(ctx context.Context, id int64, externalMessageID string) error
}

type AttachmentStore interface {
	CreateAttachment(ctx context.Context, att *models.EmailAttachment) (*models.EmailAttachment, error)
	ListAttachmentsByMessageID(ctx context.Context, messageID int64) ([]models.EmailAttachment, error)
}

type RateLimitStore interface {
	// GetRateLimitWindow returns nil without error when no window row
	// exists yet for the account and kind.
	GetRateLimitWindow(ctx context.Context, accountID int64, kind models.WindowKind) (*models.RateLimitWindow, error)
	UpsertRateLimitWindow(ctx context.Context, window *models.RateLimitWindow) error
}
