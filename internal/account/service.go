// Package account manages the lifecycle of linked mailbox accounts.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrInvalidLink     = errors.New("invalid link request")
)

// Office 365 mailbox endpoints, used when an outlook link request does not
// carry its own.
const (
	outlookIMAPHost = "outlook.office365.com"
	outlookIMAPPort = 993
	outlookSMTPHost = "smtp.office365.com"
	outlookSMTPPort = 587
)

// Sealer seals plaintext credentials for storage.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
}

// SyncControl is the scheduler surface the service needs: workers must stop
// when an account unlinks or disables, and start soon after one links.
type SyncControl interface {
	Refresh(ctx context.Context) error
	StopAccount(accountID int64)
}

// LinkRequest carries the credentials for one new account. OAuth providers
// fill the token fields; the smtp provider fills host/port/password. Outlook
// may also set the endpoint fields to override the Office 365 defaults.
type LinkRequest struct {
	Provider models.ProviderKind `json:"provider"`
	Email    string              `json:"email"`

	AccessToken    string    `json:"access_token,omitempty"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`

	IMAPHost string `json:"imap_host,omitempty"`
	IMAPPort int    `json:"imap_port,omitempty"`
	SMTPHost string `json:"smtp_host,omitempty"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	UseSSL   bool   `json:"use_ssl"`

	IsDefault     bool          `json:"is_default"`
	SyncFrequency time.Duration `json:"-"`
}

type Service struct {
	accounts store.AccountStore
	sealer   Sealer
	sync     SyncControl

	defaultFrequency time.Duration
}

func NewService(accounts store.AccountStore, sealer Sealer, sync SyncControl, defaultFrequency time.Duration) *Service {
	return &Service{
		accounts:         accounts,
		sealer:           sealer,
		sync:             sync,
		defaultFrequency: defaultFrequency,
	}
}

func (s *Service) ListAccounts(ctx context.Context, userID int64) ([]models.EmailAccount, error) {
	accounts, err := s.accounts.GetAccountsByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// LinkAccount validates and persists a new account, seals its credentials,
// and wakes the scheduler so syncing starts without waiting for the next
// reconcile tick.
func (s *Service) LinkAccount(ctx context.Context, userID int64, req LinkRequest) (*models.EmailAccount, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	account := &models.EmailAccount{
		UserID:        userID,
		Provider:      req.Provider,
		Email:         strings.ToLower(strings.TrimSpace(req.Email)),
		IsDefault:     req.IsDefault,
		IsActive:      true,
		SyncEnabled:   true,
		SyncFrequency: req.SyncFrequency,
		Folders:       defaultFolders(req.Provider),
	}
	if account.SyncFrequency <= 0 {
		account.SyncFrequency = s.defaultFrequency
	}

	var err error
	switch req.Provider {
	case models.ProviderGmail, models.ProviderOutlook:
		account.TokenExpiresAt = req.TokenExpiresAt
		if account.AccessTokenSealed, err = s.sealer.Seal(req.AccessToken); err != nil {
			return nil, fmt.Errorf("seal access token: %w", err)
		}
		if account.RefreshTokenSealed, err = s.sealer.Seal(req.RefreshToken); err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		account.Username = account.Email
		if req.Provider == models.ProviderOutlook {
			// Outlook syncs over IMAP/SMTP with XOAUTH2, so it needs
			// endpoints like an smtp account does.
			account.IMAPHost, account.IMAPPort = req.IMAPHost, req.IMAPPort
			account.SMTPHost, account.SMTPPort = req.SMTPHost, req.SMTPPort
			account.UseSSL = req.UseSSL
			if account.IMAPHost == "" {
				account.IMAPHost, account.IMAPPort = outlookIMAPHost, outlookIMAPPort
				account.UseSSL = true
			}
			if account.SMTPHost == "" {
				account.SMTPHost, account.SMTPPort = outlookSMTPHost, outlookSMTPPort
			}
		}
	case models.ProviderSMTP:
		account.IMAPHost = req.IMAPHost
		account.IMAPPort = req.IMAPPort
		account.SMTPHost = req.SMTPHost
		account.SMTPPort = req.SMTPPort
		account.Username = req.Username
		account.UseSSL = req.UseSSL
		if account.PasswordSealed, err = s.sealer.Seal(req.Password); err != nil {
			return nil, fmt.Errorf("seal password: %w", err)
		}
	}

	if req.IsDefault {
		if err := s.accounts.ClearDefaultForUser(ctx, userID); err != nil {
			return nil, fmt.Errorf("clear default account: %w", err)
		}
	}

	created, err := s.accounts.CreateAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	if err := s.sync.Refresh(ctx); err != nil {
		// Worker will start on the next scheduled reconcile instead.
		return created, nil
	}
	return created, nil
}

// UnlinkAccount removes the account and its fetched data, stopping its sync
// worker first.
func (s *Service) UnlinkAccount(ctx context.Context, userID int64, publicID uuid.UUID) error {
	account, err := s.resolve(ctx, userID, publicID)
	if err != nil {
		return err
	}
	s.sync.StopAccount(account.ID)
	if err := s.accounts.DeleteAccount(ctx, account.ID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// SetSyncEnabled toggles syncing. Disabling cancels the in-flight sync.
func (s *Service) SetSyncEnabled(ctx context.Context, userID int64, publicID uuid.UUID, enabled bool) error {
	account, err := s.resolve(ctx, userID, publicID)
	if err != nil {
		return err
	}
	if err := s.accounts.SetAccountSyncEnabled(ctx, account.ID, enabled); err != nil {
		return fmt.Errorf("set sync enabled: %w", err)
	}
	if !enabled {
		s.sync.StopAccount(account.ID)
	} else if err := s.sync.Refresh(ctx); err == nil {
		return nil
	}
	return nil
}

// GetAccount resolves a public account ID scoped to the user.
func (s *Service) GetAccount(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailAccount, error) {
	return s.resolve(ctx, userID, publicID)
}

func (s *Service) resolve(ctx context.Context, userID int64, publicID uuid.UUID) (*models.EmailAccount, error) {
	account, err := s.accounts.GetAccountByPublicID(ctx, publicID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || account.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

func validate(req LinkRequest) error {
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		return fmt.Errorf("%w: valid email required", ErrInvalidLink)
	}
	switch req.Provider {
	case models.ProviderGmail, models.ProviderOutlook:
		if req.RefreshToken == "" {
			return fmt.Errorf("%w: refresh token required for %s", ErrInvalidLink, req.Provider)
		}
		if req.Provider == models.ProviderOutlook {
			if (req.IMAPHost == "") != (req.IMAPPort == 0) {
				return fmt.Errorf("%w: imap host and port must be set together", ErrInvalidLink)
			}
			if (req.SMTPHost == "") != (req.SMTPPort == 0) {
				return fmt.Errorf("%w: smtp host and port must be set together", ErrInvalidLink)
			}
		}
	case models.ProviderSMTP:
		if req.SMTPHost == "" || req.SMTPPort == 0 {
			return fmt.Errorf("%w: smtp host and port required", ErrInvalidLink)
		}
		if req.IMAPHost == "" || req.IMAPPort == 0 {
			return fmt.Errorf("%w: imap host and port required", ErrInvalidLink)
		}
		if req.Username == "" || req.Password == "" {
			return fmt.Errorf("%w: username and password required", ErrInvalidLink)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidLink, req.Provider)
	}
	return nil
}

func defaultFolders(kind models.ProviderKind) models.FolderMapping {
	switch kind {
	case models.ProviderGmail:
		return models.FolderMapping{Inbox: "INBOX", Sent: "SENT", Drafts: "DRAFT", Trash: "TRASH"}
	default:
		return models.FolderMapping{Inbox: "INBOX", Sent: "Sent", Drafts: "Drafts", Trash: "Trash"}
	}
}
