// Package dispatch is the only component that transmits mail. Every send
// passes the same gate sequence: account check, rate quota, spam score,
// adapter transmission, persistence.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
	"github.com/hireloop/mailengine/internal/quota"
	"github.com/hireloop/mailengine/internal/spam"
	"github.com/hireloop/mailengine/internal/store"
	"github.com/hireloop/mailengine/internal/thread"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountInactive = errors.New("account is inactive")
	ErrNoRecipients    = errors.New("draft has no recipients")
)

// RateLimitError is returned when a send window is exhausted. Carries the
// usage snapshot so the caller can report counts and limits.
type RateLimitError struct {
	Usage models.RateLimitUsage
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: hourly %d/%d, daily %d/%d",
		e.Usage.Hourly.Count, e.Usage.Hourly.Limit,
		e.Usage.Daily.Count, e.Usage.Daily.Limit)
}

// SpamError is returned when a draft scores above the warn threshold.
// Overridable sends can be retried with the force flag; scores at or above
// the hard ceiling never go out.
type SpamError struct {
	Result      models.SpamScoreResult
	Overridable bool
}

func (e *SpamError) Error() string {
	return fmt.Sprintf("spam score %.1f too high (%d issues)", e.Result.Score, len(e.Result.Issues))
}

// Credentials is the slice of the credential store the dispatcher needs for
// the auth-expired retry.
type Credentials interface {
	Invalidate(accountID int64)
}

type Options struct {
	SpamWarnThreshold float64
	SpamHardCeiling   float64
}

type Dispatcher struct {
	registry    provider.Registry
	accounts    store.AccountStore
	messages    store.MessageStore
	attachments store.AttachmentStore
	assembler   *thread.Assembler
	quota       *quota.Service
	creds       Credentials
	opts        Options

	now func() time.Time
}

func New(
	registry provider.Registry,
	accounts store.AccountStore,
	messages store.MessageStore,
	attachments store.AttachmentStore,
	assembler *thread.Assembler,
	quotaSvc *quota.Service,
	creds Credentials,
	opts Options,
) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		accounts:    accounts,
		messages:    messages,
		attachments: attachments,
		assembler:   assembler,
		quota:       quotaSvc,
		creds:       creds,
		opts:        opts,
		now:         time.Now,
	}
}

// SendMessage runs the full outbound pipeline and returns the persisted sent
// message. force overrides a spam warning below the hard ceiling; it never
// overrides the ceiling itself. A failed transmission does not refund the
// quota increment.
func (d *Dispatcher) SendMessage(ctx context.Context, userID, accountID int64, draft provider.Draft, force bool) (*models.EmailMessage, error) {
	account, err := d.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if account == nil || account.UserID != userID {
		return nil, ErrAccountNotFound
	}
	if !account.IsActive {
		return nil, ErrAccountInactive
	}
	if len(draft.Recipients()) == 0 {
		return nil, ErrNoRecipients
	}

	if draft.From == "" {
		draft.From = account.Email
	}
	if draft.MessageID == "" {
		draft.MessageID = generateMessageID(account.Email)
	}

	allowed, usage, err := d.quota.CheckAndIncrement(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		return nil, &RateLimitError{Usage: usage}
	}

	result := spam.Score(draft.From, draft.Subject, draft.HTMLBody, draft.TextBody)
	if result.Score >= d.opts.SpamHardCeiling {
		return nil, &SpamError{Result: result, Overridable: false}
	}
	if result.Score >= d.opts.SpamWarnThreshold && !force {
		return nil, &SpamError{Result: result, Overridable: true}
	}

	adapter, err := d.registry.For(account)
	if err != nil {
		return nil, err
	}

	externalID, err := adapter.Send(ctx, account, draft)
	if provider.IsAuthExpired(err) {
		d.creds.Invalidate(accountID)
		externalID, err = adapter.Send(ctx, account, draft)
	}
	if err != nil {
		if ambiguousSend(ctx, err) {
			// Transmission may have completed; record the message flagged
			// for reconciliation against the next fetch instead of losing
			// track of it.
			if msg, persistErr := d.persistSent(ctx, account, draft, draft.MessageID, true); persistErr == nil {
				slog.Warn("send outcome ambiguous, flagged for reconcile",
					"account_id", accountID, "message_id", draft.MessageID)
				return msg, nil
			} else {
				slog.Error("persist ambiguous send", "account_id", accountID, "error", persistErr)
			}
		}
		return nil, err
	}

	msg, err := d.persistSent(ctx, account, draft, externalID, false)
	if err != nil {
		// The mail is out; surface the persistence failure but log the
		// external ID so the row can be recovered.
		slog.Error("sent message not persisted",
			"account_id", accountID, "external_id", externalID, "error", err)
		return nil, fmt.Errorf("persist sent message: %w", err)
	}

	slog.Info("message sent",
		"account_id", accountID, "external_id", externalID, "recipients", len(draft.Recipients()))
	return msg, nil
}

// CheckDeliverability scores a draft without sending or consuming quota.
func (d *Dispatcher) CheckDeliverability(draft provider.Draft) models.SpamScoreResult {
	return spam.Score(draft.From, draft.Subject, draft.HTMLBody, draft.TextBody)
}

func (d *Dispatcher) persistSent(ctx context.Context, account *models.EmailAccount, draft provider.Draft, externalID string, needsReconcile bool) (*models.EmailMessage, error) {
	msg := &models.EmailMessage{
		EmailAccountID:    account.ID,
		ExternalMessageID: externalID,
		MessageType:       models.MessageSent,
		FromAddress:       draft.From,
		ToAddresses:       draft.To,
		CcAddresses:       draft.Cc,
		BccAddresses:      draft.Bcc,
		Subject:           draft.Subject,
		TextBody:          draft.TextBody,
		HTMLBody:          draft.HTMLBody,
		IsRead:            true,
		Folder:            account.Folders.Sent,
		SentAt:            d.now(),
		NeedsReconcile:    needsReconcile,
	}

	threadID, err := d.assembler.Assign(ctx, account.UserID, msg)
	if err != nil {
		return nil, fmt.Errorf("assign thread: %w", err)
	}
	msg.ThreadID = threadID

	created, err := d.messages.CreateMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return msg, nil
		}
		return nil, err
	}

	for _, att := range draft.Attachments {
		if _, err := d.attachments.CreateAttachment(ctx, &models.EmailAttachment{
			MessageID:   created.ID,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(att.Content)),
			Content:     att.Content,
		}); err != nil {
			return nil, fmt.Errorf("persist attachment %s: %w", att.FileName, err)
		}
	}
	return created, nil
}

// ambiguousSend reports whether the failure happened after transmission may
// have begun, leaving the provider-side outcome unknown.
func ambiguousSend(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func generateMessageID(fromAddr string) string {
	domain := "mailengine.local"
	if i := strings.LastIndex(fromAddr, "@"); i >= 0 && i+1 < len(fromAddr) {
		domain = fromAddr[i+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}
