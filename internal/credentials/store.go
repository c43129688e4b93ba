// Package credentials holds and refreshes per-account mailbox credentials.
// OAuth access tokens are cached in memory; refreshes are single-flighted
// per account because provider refresh endpoints are rate limited and some
// refresh tokens are single-use.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

// refreshMargin is how close to expiry a cached token may get before it is
// refreshed rather than handed out.
const refreshMargin = 2 * time.Minute

type cachedToken struct {
	token     string
	expiresAt time.Time
}

type refreshCall struct {
	done      chan struct{}
	token     string
	expiresAt time.Time
	err       error
}

// Store is the process-wide credential cache. Safe for concurrent use by
// every sync worker and send path.
type Store struct {
	accounts store.AccountStore
	sealer   *Sealer
	configs  map[models.ProviderKind]*oauth2.Config

	mu       sync.Mutex
	cache    map[int64]cachedToken
	inflight map[int64]*refreshCall
	// stale marks accounts whose stored token was rejected by the
	// provider; the next GetValidToken must refresh, not reuse it.
	stale map[int64]bool

	now func() time.Time
	// refreshFn is swapped in tests.
	refreshFn func(ctx context.Context, account *models.EmailAccount) (string, time.Time, error)
}

// GoogleOAuthConfig builds the oauth2 config used for Gmail token refresh.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://mail.google.com/"},
	}
}

// MicrosoftOAuthConfig builds the oauth2 config used for Outlook token
// refresh. The scopes cover IMAP and SMTP access over XOAUTH2.
func MicrosoftOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes: []string{
			"https://outlook.office.com/IMAP.AccessAsUser.All",
			"https://outlook.office.com/SMTP.Send",
			"offline_access",
		},
	}
}

func NewStore(accounts store.AccountStore, sealer *Sealer, configs map[models.ProviderKind]*oauth2.Config) *Store {
	s := &Store{
		accounts: accounts,
		sealer:   sealer,
		configs:  configs,
		cache:    make(map[int64]cachedToken),
		inflight: make(map[int64]*refreshCall),
		stale:    make(map[int64]bool),
		now:      time.Now,
	}
	s.refreshFn = s.refresh
	return s
}

// GetValidToken returns an access token for the account that is good for at
// least the refresh margin. Concurrent callers for the same account share a
// single in-flight refresh.
func (s *Store) GetValidToken(ctx context.Context, account *models.EmailAccount) (string, error) {
	s.mu.Lock()
	if cached, ok := s.cache[account.ID]; ok && s.now().Add(refreshMargin).Before(cached.expiresAt) {
		s.mu.Unlock()
		return cached.token, nil
	}

	// The stored token may still be fresh when this process has no cache
	// entry yet (restart, first use).
	if !s.stale[account.ID] && s.now().Add(refreshMargin).Before(account.TokenExpiresAt) {
		token, err := s.sealer.Open(account.AccessTokenSealed)
		if err == nil && token != "" {
			s.cache[account.ID] = cachedToken{token: token, expiresAt: account.TokenExpiresAt}
			s.mu.Unlock()
			return token, nil
		}
	}

	if call, ok := s.inflight[account.ID]; ok {
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-call.done:
			return call.token, call.err
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight[account.ID] = call
	s.mu.Unlock()

	token, expiresAt, err := s.refreshFn(ctx, account)

	s.mu.Lock()
	delete(s.inflight, account.ID)
	if err == nil {
		s.cache[account.ID] = cachedToken{token: token, expiresAt: expiresAt}
		delete(s.stale, account.ID)
	}
	s.mu.Unlock()

	call.token, call.expiresAt, call.err = token, expiresAt, err
	close(call.done)
	return token, err
}

func (s *Store) refresh(ctx context.Context, account *models.EmailAccount) (string, time.Time, error) {
	cfg, ok := s.configs[account.Provider]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no oauth config for provider %q", account.Provider)
	}

	refreshToken, err := s.sealer.Open(account.RefreshTokenSealed)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("open refresh token: %w", err)
	}
	if refreshToken == "" {
		return "", time.Time{}, fmt.Errorf("account %d has no refresh token", account.ID)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh token exchange: %w", err)
	}

	accessSealed, err := s.sealer.Seal(tok.AccessToken)
	if err != nil {
		return "", time.Time{}, err
	}
	// Providers may rotate the refresh token on use; persist it only then.
	var refreshSealed []byte
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		refreshSealed, err = s.sealer.Seal(tok.RefreshToken)
		if err != nil {
			return "", time.Time{}, err
		}
	}

	if err := s.accounts.UpdateAccountTokens(ctx, account.ID, accessSealed, refreshSealed, tok.Expiry); err != nil {
		return "", time.Time{}, fmt.Errorf("persist refreshed token: %w", err)
	}

	slog.Info("refreshed oauth token", "account_id", account.ID, "expires_at", tok.Expiry)
	return tok.AccessToken, tok.Expiry, nil
}

// Invalidate drops the cached token for an account so the next caller
// refreshes. Used after an adapter reports expired credentials despite a
// cached token.
func (s *Store) Invalidate(accountID int64) {
	s.mu.Lock()
	delete(s.cache, accountID)
	s.stale[accountID] = true
	s.mu.Unlock()
}

// Password returns the account's decrypted SMTP/IMAP password.
func (s *Store) Password(account *models.EmailAccount) (string, error) {
	return s.sealer.Open(account.PasswordSealed)
}

// Seal exposes credential sealing for account linking.
func (s *Store) Seal(plaintext string) ([]byte, error) {
	return s.sealer.Seal(plaintext)
}
