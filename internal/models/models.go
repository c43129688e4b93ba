package models

import (
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies which protocol adapter serves an account.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderSMTP    ProviderKind = "smtp"
)

// MessageType records how a message entered the system.
type MessageType string

const (
	MessageSent     MessageType = "sent"
	MessageReceived MessageType = "received"
	MessageDraft    MessageType = "draft"
)

// FolderMapping maps logical mailbox roles to provider folder names.
type FolderMapping struct {
	Inbox  string `json:"inbox"`
	Sent   string `json:"sent"`
	Drafts string `json:"drafts"`
	Trash  string `json:"trash"`
}

// EmailAccount is a user-linked mailbox credential used for fetching and
// sending mail. OAuth accounts carry a token pair; SMTP/IMAP accounts carry
// host/port plus a sealed password. Which shape is populated depends on
// Provider.
type EmailAccount struct {
	ID       int64
	PublicID uuid.UUID
	UserID   int64
	Provider ProviderKind
	Email    string

	// OAuth2 credentials (gmail, outlook). Sealed at rest.
	AccessTokenSealed  []byte
	RefreshTokenSealed []byte
	TokenExpiresAt     time.Time

	// SMTP/IMAP credentials.
	IMAPHost       string
	IMAPPort       int
	SMTPHost       string
	SMTPPort       int
	Username       string
	PasswordSealed []byte
	UseSSL         bool

	IsDefault     bool
	IsActive      bool
	SyncEnabled   bool
	SyncFrequency time.Duration
	LastSyncAt    time.Time
	LastSyncError string

	// Provider-specific sync cursor: Gmail history ID or IMAP
	// "uidvalidity:uid". Opaque outside the adapter that wrote it.
	SyncCursor string

	Folders FolderMapping

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EmailThread is a locally assembled grouping of related messages. It never
// holds live references to its messages; membership is recomputed by lookup
// on thread_id.
type EmailThread struct {
	ID            int64
	PublicID      uuid.UUID
	UserID        int64
	Subject       string
	NormSubject   string
	Participants  []string
	Labels        []string
	ProviderRefs  []string // provider-native thread IDs seen on members
	MessageCount  int
	LastMessageAt time.Time
	Archived      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ThreadQuery filters ListThreads.
type ThreadQuery struct {
	Label    string
	Archived *bool
	Q        string
	Limit    int
	Offset   int
}

// EmailMessage belongs to exactly one thread, and to one account when it was
// fetched rather than composed. (EmailAccountID, ExternalMessageID) is unique
// per row — the sync engine's idempotence key.
type EmailMessage struct {
	ID                int64
	PublicID          uuid.UUID
	ThreadID          int64
	EmailAccountID    int64
	ExternalMessageID string
	ProviderThreadID  string
	MessageType       MessageType
	FromAddress       string
	ToAddresses       []string
	CcAddresses       []string
	BccAddresses      []string
	Subject           string
	TextBody          string
	HTMLBody          string
	IsRead            bool
	IsStarred         bool
	IsImportant       bool
	Folder            string
	SentAt            time.Time
	NeedsReconcile    bool
	CreatedAt         time.Time
}

// EmailAttachment is file metadata plus content for one message.
type EmailAttachment struct {
	ID          int64
	MessageID   int64
	FileName    string
	ContentType string
	SizeBytes   int64
	Content     []byte
	CreatedAt   time.Time
}

// WindowKind is the granularity of a send-rate counting window.
type WindowKind string

const (
	WindowHourly WindowKind = "hourly"
	WindowDaily  WindowKind = "daily"
)

// Duration returns the length of the window.
func (k WindowKind) Duration() time.Duration {
	if k == WindowHourly {
		return time.Hour
	}
	return 24 * time.Hour
}

// RateLimitWindow is one account's counter for one window granularity. It
// rolls over (count reset) once WindowStart is further in the past than the
// window duration.
type RateLimitWindow struct {
	AccountID   int64
	Kind        WindowKind
	Count       int
	WindowStart time.Time
	UpdatedAt   time.Time
}

// WindowUsage is a read-only snapshot of one window reported to callers.
type WindowUsage struct {
	Count int `json:"count"`
	Limit int `json:"limit"`
}

// RateLimitUsage is the per-account usage snapshot returned by GetRateLimits
// and carried on rate-limit denials.
type RateLimitUsage struct {
	Hourly WindowUsage `json:"hourly"`
	Daily  WindowUsage `json:"daily"`
}

// SpamScoreResult is the ephemeral outcome of scoring one draft. Never
// persisted.
type SpamScoreResult struct {
	Score  float64  `json:"score"`
	Issues []string `json:"issues"`
}

// Band maps the score onto the advisory deliverability bands.
func (r SpamScoreResult) Band() string {
	switch {
	case r.Score < 3:
		return "excellent"
	case r.Score < 5:
		return "good"
	default:
		return "risky"
	}
}
