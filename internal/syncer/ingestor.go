// Package syncer runs the inbound half of the engine: per-account fetch
// workers, deduplication, thread assignment, and cursor bookkeeping.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
	"github.com/hireloop/mailengine/internal/store"
	"github.com/hireloop/mailengine/internal/thread"
)

// TokenInvalidator lets the ingestor force a credential refresh after a
// backend rejects a token mid-sync.
type TokenInvalidator interface {
	Invalidate(accountID int64)
}

// Ingestor executes one sync pass for one account. It owns the ordering and
// cursor rules: messages are persisted in adapter order, and the cursor never
// moves past a message that failed to persist.
type Ingestor struct {
	registry    provider.Registry
	accounts    store.AccountStore
	messages    store.MessageStore
	attachments store.AttachmentStore
	assembler   *thread.Assembler
	creds       TokenInvalidator

	fetchBatch int

	now func() time.Time
}

func NewIngestor(
	registry provider.Registry,
	accounts store.AccountStore,
	messages store.MessageStore,
	attachments store.AttachmentStore,
	assembler *thread.Assembler,
	creds TokenInvalidator,
	fetchBatch int,
) *Ingestor {
	return &Ingestor{
		registry:    registry,
		accounts:    accounts,
		messages:    messages,
		attachments: attachments,
		assembler:   assembler,
		creds:       creds,
		fetchBatch:  fetchBatch,
		now:         time.Now,
	}
}

// SyncOnce fetches and ingests one batch for the account. Expired
// credentials get one forced refresh and retry before the error surfaces.
func (in *Ingestor) SyncOnce(ctx context.Context, account *models.EmailAccount) error {
	adapter, err := in.registry.For(account)
	if err != nil {
		return err
	}

	cursor := provider.Cursor(account.SyncCursor)
	result, err := adapter.Fetch(ctx, account, cursor, in.fetchBatch)
	if provider.IsAuthExpired(err) {
		in.creds.Invalidate(account.ID)
		fresh, loadErr := in.accounts.GetAccountByID(ctx, account.ID)
		if loadErr != nil {
			return fmt.Errorf("reload account for auth retry: %w", loadErr)
		}
		if fresh != nil {
			account = fresh
		}
		result, err = adapter.Fetch(ctx, account, cursor, in.fetchBatch)
	}
	if err != nil {
		return err
	}

	reconcilable, err := in.loadReconcilable(ctx, account.ID)
	if err != nil {
		return err
	}

	// lastGood tracks the furthest cursor position covered entirely by
	// persisted (or duplicate) messages.
	lastGood := cursor
	var ingestErr error

	for i := range result.Messages {
		raw := &result.Messages[i]
		if err := in.ingestOne(ctx, account, raw, reconcilable); err != nil {
			if provider.IsPermanent(err) {
				slog.Warn("skipping unprocessable message",
					"account_id", account.ID, "external_id", raw.ExternalID, "error", err)
			} else {
				ingestErr = fmt.Errorf("ingest message %s: %w", raw.ExternalID, err)
				break
			}
		}
		if raw.Cursor != "" {
			lastGood = raw.Cursor
		}
	}

	if ingestErr == nil {
		lastGood = result.NextCursor
	}

	if lastGood != cursor {
		if err := in.accounts.UpdateAccountCursor(ctx, account.ID, string(lastGood), in.now()); err != nil {
			if ingestErr != nil {
				return errors.Join(ingestErr, fmt.Errorf("advance cursor: %w", err))
			}
			return fmt.Errorf("advance cursor: %w", err)
		}
	} else if ingestErr == nil {
		// Nothing new, but the poll succeeded.
		if err := in.accounts.UpdateAccountCursor(ctx, account.ID, string(lastGood), in.now()); err != nil {
			return fmt.Errorf("record sync time: %w", err)
		}
	}

	if ingestErr == nil && len(result.Messages) > 0 {
		slog.Info("sync pass complete",
			"account_id", account.ID, "messages", len(result.Messages), "cursor", string(lastGood))
	}
	return ingestErr
}

func (in *Ingestor) loadReconcilable(ctx context.Context, accountID int64) (map[string]int64, error) {
	pending, err := in.messages.ListReconcilable(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list reconcilable: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}
	byMessageID := make(map[string]int64, len(pending))
	for _, m := range pending {
		if m.ExternalMessageID != "" {
			byMessageID[m.ExternalMessageID] = m.ID
		}
	}
	return byMessageID, nil
}

func (in *Ingestor) ingestOne(ctx context.Context, account *models.EmailAccount, raw *provider.RawMessage, reconcilable map[string]int64) error {
	// A fetched copy of a send we already recorded locally resolves the
	// pending reconcile instead of creating a second row.
	if id, ok := reconcilable[raw.MessageID]; ok && raw.MessageID != "" {
		if err := in.messages.ResolveReconcile(ctx, id, raw.ExternalID); err != nil {
			return fmt.Errorf("resolve reconcile: %w", err)
		}
		slog.Info("reconciled ambiguous send",
			"account_id", account.ID, "message_id", raw.MessageID, "external_id", raw.ExternalID)
		delete(reconcilable, raw.MessageID)
		return nil
	}

	exists, err := in.messages.MessageExists(ctx, account.ID, raw.ExternalID)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if exists {
		return nil
	}

	msg := messageFromRaw(account, raw)
	threadID, err := in.assembler.Assign(ctx, account.UserID, msg)
	if err != nil {
		return fmt.Errorf("assign thread: %w", err)
	}
	msg.ThreadID = threadID

	created, err := in.messages.CreateMessage(ctx, msg)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			return nil
		}
		return fmt.Errorf("persist message: %w", err)
	}

	for _, att := range raw.Attachments {
		_, err := in.attachments.CreateAttachment(ctx, &models.EmailAttachment{
			MessageID:   created.ID,
			FileName:    att.FileName,
			ContentType: att.ContentType,
			SizeBytes:   int64(len(att.Content)),
			Content:     att.Content,
		})
		if err != nil {
			return fmt.Errorf("persist attachment %s: %w", att.FileName, err)
		}
	}
	return nil
}

func messageFromRaw(account *models.EmailAccount, raw *provider.RawMessage) *models.EmailMessage {
	msgType := models.MessageReceived
	if raw.Folder == account.Folders.Sent && account.Folders.Sent != "" {
		msgType = models.MessageSent
	}
	return &models.EmailMessage{
		EmailAccountID:    account.ID,
		ExternalMessageID: raw.ExternalID,
		ProviderThreadID:  raw.ProviderThreadID,
		MessageType:       msgType,
		FromAddress:       raw.From,
		ToAddresses:       raw.To,
		CcAddresses:       raw.Cc,
		BccAddresses:      raw.Bcc,
		Subject:           raw.Subject,
		TextBody:          raw.TextBody,
		HTMLBody:          raw.HTMLBody,
		IsRead:            raw.Seen,
		IsStarred:         raw.Flagged,
		IsImportant:       raw.Important,
		Folder:            raw.Folder,
		SentAt:            raw.SentAt,
	}
}
