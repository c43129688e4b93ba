package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
	"github.com/hireloop/mailengine/internal/store"
)

type SchedulerOptions struct {
	DefaultFrequency time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	// FailureFlagAfter is how many consecutive failed passes an account
	// tolerates before its last_sync_error is surfaced.
	FailureFlagAfter int
	// RefreshInterval is how often the worker set is reconciled against
	// the store.
	RefreshInterval time.Duration
}

// Scheduler keeps one worker goroutine per active, sync-enabled account.
// Workers are started and stopped as accounts appear, disable, or unlink;
// two passes for the same account never overlap.
type Scheduler struct {
	accounts store.AccountStore
	ingestor *Ingestor
	opts     SchedulerOptions

	mu      sync.Mutex
	workers map[int64]*accountWorker

	wg sync.WaitGroup
}

type accountWorker struct {
	cancel    context.CancelFunc
	frequency time.Duration
	// syncing guards against overlapping ticks. A tick that finds it held
	// is dropped, not queued.
	syncing sync.Mutex
}

func NewScheduler(accounts store.AccountStore, ingestor *Ingestor, opts SchedulerOptions) *Scheduler {
	if opts.DefaultFrequency <= 0 {
		opts.DefaultFrequency = 5 * time.Minute
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 30 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Minute
	}
	if opts.FailureFlagAfter <= 0 {
		opts.FailureFlagAfter = 3
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	return &Scheduler{
		accounts: accounts,
		ingestor: ingestor,
		opts:     opts,
		workers:  make(map[int64]*accountWorker),
	}
}

// Run reconciles workers until the context is canceled, then stops them all
// and waits for in-flight passes to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()

	if err := s.Refresh(ctx); err != nil {
		slog.Error("initial sync worker refresh failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.wg.Wait()
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				slog.Error("sync worker refresh failed", "error", err)
			}
		}
	}
}

// Refresh reconciles running workers against the current syncable account
// set: starts workers for new accounts, stops workers for accounts that
// disappeared or disabled sync.
func (s *Scheduler) Refresh(ctx context.Context) error {
	accounts, err := s.accounts.ListSyncableAccounts(ctx)
	if err != nil {
		return err
	}

	want := make(map[int64]models.EmailAccount, len(accounts))
	for _, a := range accounts {
		want[a.ID] = a
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.workers {
		a, ok := want[id]
		if ok && s.frequencyFor(&a) == w.frequency {
			continue
		}
		w.cancel()
		delete(s.workers, id)
	}

	for id, a := range want {
		if _, ok := s.workers[id]; ok {
			continue
		}
		s.startWorkerLocked(ctx, a)
	}
	return nil
}

// StopAccount cancels the account's worker, if any. Used on unlink and
// disable so the in-flight sync stops promptly instead of waiting for the
// next refresh.
func (s *Scheduler) StopAccount(accountID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[accountID]; ok {
		w.cancel()
		delete(s.workers, accountID)
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.cancel()
		delete(s.workers, id)
	}
}

func (s *Scheduler) frequencyFor(account *models.EmailAccount) time.Duration {
	if account.SyncFrequency > 0 {
		return account.SyncFrequency
	}
	return s.opts.DefaultFrequency
}

func (s *Scheduler) startWorkerLocked(ctx context.Context, account models.EmailAccount) {
	workerCtx, cancel := context.WithCancel(ctx)
	w := &accountWorker{cancel: cancel, frequency: s.frequencyFor(&account)}
	s.workers[account.ID] = w

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(workerCtx, account.ID, w)
	}()
	slog.Info("started sync worker", "account_id", account.ID, "frequency", w.frequency)
}

func (s *Scheduler) runWorker(ctx context.Context, accountID int64, w *accountWorker) {
	// The first pass runs immediately. After each pass the timer is armed
	// with the regular frequency, stretched to the capped exponential
	// backoff while the account is failing, so a retry never fires before
	// its delay has elapsed.
	timer := time.NewTimer(0)
	defer timer.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, accountID, w, &failures)
			next := w.frequency
			if failures > 0 {
				if delay := s.backoff(failures); delay > next {
					next = delay
				}
			}
			timer.Reset(next)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, accountID int64, w *accountWorker, failures *int) {
	if !w.syncing.TryLock() {
		slog.Debug("skipping tick, sync in progress", "account_id", accountID)
		return
	}
	defer w.syncing.Unlock()

	account, err := s.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		slog.Error("load account for sync", "account_id", accountID, "error", err)
		return
	}
	if account == nil || !account.IsActive || !account.SyncEnabled {
		return
	}

	err = s.ingestor.SyncOnce(ctx, account)
	if err == nil {
		if *failures >= s.opts.FailureFlagAfter || account.LastSyncError != "" {
			if clearErr := s.accounts.UpdateAccountSyncError(ctx, accountID, ""); clearErr != nil {
				slog.Error("clear sync error", "account_id", accountID, "error", clearErr)
			}
		}
		*failures = 0
		return
	}
	if ctx.Err() != nil {
		return
	}

	*failures++
	slog.Error("sync pass failed",
		"account_id", accountID, "failures", *failures,
		"kind", errorKind(err), "error", err)

	if *failures == s.opts.FailureFlagAfter {
		if flagErr := s.accounts.UpdateAccountSyncError(ctx, accountID, err.Error()); flagErr != nil {
			slog.Error("flag sync error", "account_id", accountID, "error", flagErr)
		}
	}
}

func (s *Scheduler) backoff(failures int) time.Duration {
	delay := s.opts.BackoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= s.opts.BackoffMax {
			return s.opts.BackoffMax
		}
	}
	if delay > s.opts.BackoffMax {
		return s.opts.BackoffMax
	}
	return delay
}

func errorKind(err error) string {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Kind.String()
	}
	return "internal"
}
