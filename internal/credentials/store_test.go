package credentials

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/hireloop/mailengine/internal/models"
)

type tokenUpdate struct {
	id        int64
	expiresAt time.Time
}

// stubAccountStore records token persistence calls.
type stubAccountStore struct {
	mu      sync.Mutex
	updates []tokenUpdate
}

func (s *stubAccountStore) CreateAccount(_ context.Context, a *models.EmailAccount) (*models.EmailAccount, error) {
	return a, nil
}
func (s *stubAccountStore) GetAccountByID(context.Context, int64) (*models.EmailAccount, error) {
	return nil, nil
}
func (s *stubAccountStore) GetAccountByPublicID(context.Context, uuid.UUID) (*models.EmailAccount, error) {
	return nil, nil
}
func (s *stubAccountStore) GetAccountsByUserID(context.Context, int64) ([]models.EmailAccount, error) {
	return nil, nil
}
func (s *stubAccountStore) ListSyncableAccounts(context.Context) ([]models.EmailAccount, error) {
	return nil, nil
}
func (s *stubAccountStore) UpdateAccountTokens(_ context.Context, id int64, _, _ []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, tokenUpdate{id: id, expiresAt: expiresAt})
	return nil
}
func (s *stubAccountStore) UpdateAccountCursor(context.Context, int64, string, time.Time) error {
	return nil
}
func (s *stubAccountStore) UpdateAccountSyncError(context.Context, int64, string) error { return nil }
func (s *stubAccountStore) SetAccountActive(context.Context, int64, bool) error         { return nil }
func (s *stubAccountStore) SetAccountSyncEnabled(context.Context, int64, bool) error    { return nil }
func (s *stubAccountStore) ClearDefaultForUser(context.Context, int64) error            { return nil }
func (s *stubAccountStore) DeleteAccount(context.Context, int64) error                  { return nil }

func newTestStore(t *testing.T) (*Store, *stubAccountStore, *Sealer) {
	t.Helper()
	key := make([]byte, 32)
	rand.Read(key)
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	accounts := &stubAccountStore{}
	store := NewStore(accounts, sealer, nil)
	return store, accounts, sealer
}

func gmailAccount(t *testing.T, sealer *Sealer, expiresAt time.Time) *models.EmailAccount {
	t.Helper()
	access, err := sealer.Seal("stored-access-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	refresh, err := sealer.Seal("stored-refresh-token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return &models.EmailAccount{
		ID:                 42,
		Provider:           models.ProviderGmail,
		AccessTokenSealed:  access,
		RefreshTokenSealed: refresh,
		TokenExpiresAt:     expiresAt,
	}
}

func TestStoredTokenServedWhileFresh(t *testing.T) {
	store, _, sealer := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	store.refreshFn = func(context.Context, *models.EmailAccount) (string, time.Time, error) {
		t.Fatal("fresh stored token must not trigger a refresh")
		return "", time.Time{}, nil
	}

	account := gmailAccount(t, sealer, now.Add(time.Hour))
	token, err := store.GetValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "stored-access-token" {
		t.Errorf("token = %q, want stored-access-token", token)
	}
}

func TestTokenInsideMarginIsRefreshed(t *testing.T) {
	store, _, sealer := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	var refreshes int32
	store.refreshFn = func(context.Context, *models.EmailAccount) (string, time.Time, error) {
		atomic.AddInt32(&refreshes, 1)
		return "refreshed-token", now.Add(time.Hour), nil
	}

	// Expires in 60 seconds, inside the 2 minute margin.
	account := gmailAccount(t, sealer, now.Add(time.Minute))
	token, err := store.GetValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "refreshed-token" {
		t.Errorf("token = %q, want refreshed-token", token)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}

	// Second call hits the cache.
	if _, err := store.GetValidToken(context.Background(), account); err != nil {
		t.Fatalf("cached GetValidToken: %v", err)
	}
	if refreshes != 1 {
		t.Errorf("refreshes after cache hit = %d, want 1", refreshes)
	}
}

func TestConcurrentRefreshIsSingleFlighted(t *testing.T) {
	store, _, sealer := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	var refreshes int32
	release := make(chan struct{})
	store.refreshFn = func(context.Context, *models.EmailAccount) (string, time.Time, error) {
		atomic.AddInt32(&refreshes, 1)
		<-release
		return "shared-token", now.Add(time.Hour), nil
	}

	account := gmailAccount(t, sealer, now.Add(-time.Minute))

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = store.GetValidToken(context.Background(), account)
		}(i)
	}

	// Give every caller time to join the in-flight refresh, then let it
	// finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Errorf("refreshes = %d, want exactly 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "shared-token" {
			t.Errorf("caller %d token = %q, want shared-token", i, tokens[i])
		}
	}
}

func TestInvalidateForcesRefreshDespiteStoredExpiry(t *testing.T) {
	store, _, sealer := newTestStore(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	var refreshes int32
	store.refreshFn = func(context.Context, *models.EmailAccount) (string, time.Time, error) {
		atomic.AddInt32(&refreshes, 1)
		return "new-token", now.Add(time.Hour), nil
	}

	// The stored token looks fresh, but the provider rejected it.
	account := gmailAccount(t, sealer, now.Add(time.Hour))
	store.Invalidate(account.ID)

	token, err := store.GetValidToken(context.Background(), account)
	if err != nil {
		t.Fatalf("GetValidToken: %v", err)
	}
	if token != "new-token" {
		t.Errorf("token = %q, want new-token after invalidation", token)
	}
	if refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", refreshes)
	}
}

func TestOAuthConfigsCoverBothProviders(t *testing.T) {
	configs := map[string]*oauth2.Config{
		"google":    GoogleOAuthConfig("id", "secret"),
		"microsoft": MicrosoftOAuthConfig("id", "secret"),
	}
	for name, cfg := range configs {
		if cfg.Endpoint.TokenURL == "" {
			t.Errorf("%s config has no token endpoint", name)
		}
		if len(cfg.Scopes) == 0 {
			t.Errorf("%s config has no scopes", name)
		}
	}
}

func TestSealRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	rand.Read(key)
	sealer, err := NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	sealed, err := sealer.Seal("hunter2")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != "hunter2" {
		t.Errorf("opened = %q, want hunter2", opened)
	}

	// Empty credentials stay empty, not encrypted empties.
	if sealed, _ := sealer.Seal(""); sealed != nil {
		t.Error("empty plaintext should seal to nil")
	}

	// Tampering is detected.
	sealed[len(sealed)-1] ^= 0xff
	if _, err := sealer.Open(sealed); err == nil {
		t.Error("tampered ciphertext opened without error")
	}
}
