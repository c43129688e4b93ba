// Package provider defines the uniform contract the sync and dispatch
// pipelines use to talk to heterogeneous mailbox backends. Provider-specific
// wire types (Gmail API resources, IMAP structures) never cross this
// boundary.
package provider

import (
	"context"
	"time"

	"github.com/hireloop/mailengine/internal/models"
)

// Cursor is an opaque per-account progress marker: a Gmail history ID or an
// IMAP "uidvalidity:uid" pair. Only the adapter that produced a cursor can
// interpret it.
type Cursor string

// RawAttachment is attachment content as fetched or to be sent.
type RawAttachment struct {
	FileName    string
	ContentType string
	Content     []byte
}

// RawMessage is one fetched message, already decoded out of the provider's
// wire format.
type RawMessage struct {
	// ExternalID is the provider-native message ID, unique per account.
	ExternalID string
	// ProviderThreadID is the provider's own thread ID when the backend
	// has one (Gmail); empty otherwise.
	ProviderThreadID string
	// MessageID is the RFC 822 Message-ID header, used to reconcile
	// ambiguous sends.
	MessageID string
	// Cursor, when non-empty, is the cursor position that covers exactly
	// this message and everything before it. Backends without per-message
	// positions (Gmail history batches) leave it empty, and the sync engine
	// advances only at batch granularity.
	Cursor Cursor

	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string

	TextBody string
	HTMLBody string

	Seen      bool
	Flagged   bool
	Important bool

	Folder      string
	SentAt      time.Time
	Attachments []RawAttachment
}

// FetchResult is one batch of new messages plus the cursor to resume from.
// Messages are ordered the way the provider returned them, oldest first.
type FetchResult struct {
	Messages   []RawMessage
	NextCursor Cursor
}

// Draft is an outbound message before transmission.
type Draft struct {
	From     string
	FromName string
	To       []string
	Cc       []string
	Bcc      []string
	Subject  string
	TextBody string
	HTMLBody string
	// MessageID is generated by the dispatcher before the send attempt so
	// an ambiguous failure can be reconciled against fetched mail later.
	MessageID   string
	Attachments []RawAttachment
}

// Recipients returns the full envelope recipient list.
func (d Draft) Recipients() []string {
	out := make([]string, 0, len(d.To)+len(d.Cc)+len(d.Bcc))
	out = append(out, d.To...)
	out = append(out, d.Cc...)
	out = append(out, d.Bcc...)
	return out
}

// Fetcher pulls new messages past the given cursor, at most maxBatch of them.
type Fetcher interface {
	Fetch(ctx context.Context, account *models.EmailAccount, cursor Cursor, maxBatch int) (FetchResult, error)
}

// Sender transmits a draft and returns the provider-native ID of the sent
// message when the backend reports one.
type Sender interface {
	Send(ctx context.Context, account *models.EmailAccount, draft Draft) (externalID string, err error)
}

// Adapter is the full capability set one account kind needs.
type Adapter interface {
	Fetcher
	Sender
}

// Combined pairs independent fetch and send implementations into one
// adapter, for backends where the two travel over separate protocols
// (IMAP in, SMTP out).
type Combined struct {
	Fetcher
	Sender
}

// Registry resolves the adapter serving an account's provider kind.
type Registry map[models.ProviderKind]Adapter

// For returns the adapter for the account, or a permanent error when the
// provider kind is unknown.
func (r Registry) For(account *models.EmailAccount) (Adapter, error) {
	a, ok := r[account.Provider]
	if !ok {
		return nil, Permanent("registry", errUnknownProvider(account.Provider))
	}
	return a, nil
}
