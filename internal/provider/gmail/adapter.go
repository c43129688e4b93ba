// Package gmail implements the Gmail API backend with history-ID cursors.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
)

// Credentials is the slice of the credential store the adapter needs.
type Credentials interface {
	GetValidToken(ctx context.Context, account *models.EmailAccount) (string, error)
}

type Adapter struct {
	creds Credentials

	// cb guards all Gmail API calls. Lifecycle: closed while calls
	// succeed; opens after 5 consecutive failures; after 60s one probe
	// request is let through, and a success closes it again.
	cb *gobreaker.CircuitBreaker

	// newService is swapped in tests.
	newService func(ctx context.Context, token string) (*gmailapi.Service, error)
}

func New(creds Credentials) *Adapter {
	a := &Adapter{creds: creds}
	a.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "gmail-api",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	a.newService = newGmailService
	return a
}

func newGmailService(ctx context.Context, token string) (*gmailapi.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return gmailapi.NewService(ctx, option.WithTokenSource(src))
}

func (a *Adapter) service(ctx context.Context, account *models.EmailAccount) (*gmailapi.Service, error) {
	token, err := a.creds.GetValidToken(ctx, account)
	if err != nil {
		return nil, provider.AuthExpired("gmail token", err)
	}
	svc, err := a.newService(ctx, token)
	if err != nil {
		return nil, provider.Transient("gmail service", err)
	}
	return svc, nil
}

func (a *Adapter) execute(op string, fn func() error) error {
	_, err := a.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return provider.Transient(op, err)
	}
	return err
}

// Fetch lists messages added since the history-ID cursor. An empty cursor,
// or a cursor the server has already expired (404), falls back to a baseline
// scan of the inbox.
func (a *Adapter) Fetch(ctx context.Context, account *models.EmailAccount, cursor provider.Cursor, maxBatch int) (provider.FetchResult, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return provider.FetchResult{}, err
	}

	if cursor == "" {
		return a.baselineFetch(ctx, svc, account, maxBatch)
	}

	historyID, err := strconv.ParseUint(string(cursor), 10, 64)
	if err != nil {
		return a.baselineFetch(ctx, svc, account, maxBatch)
	}

	var resp *gmailapi.ListHistoryResponse
	err = a.execute("gmail history", func() error {
		var apiErr error
		resp, apiErr = svc.Users.History.List("me").
			StartHistoryId(historyID).
			HistoryTypes("messageAdded").
			MaxResults(int64(maxBatch)).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		if code := apiErrorCode(err); code == 404 {
			// History window expired server-side; rebuild from a
			// baseline scan.
			return a.baselineFetch(ctx, svc, account, maxBatch)
		}
		return provider.FetchResult{}, classify("gmail history", err)
	}

	refs, next := drainHistory(resp, cursor, maxBatch)

	messages, err := a.fetchFull(ctx, svc, account, refs)
	if err != nil {
		return provider.FetchResult{}, err
	}
	return provider.FetchResult{Messages: messages, NextCursor: next}, nil
}

// drainHistory flattens history records into message references and decides
// how far the cursor may advance. The cursor moves only past records whose
// messages are all included: a record that would overflow the batch is left
// for the next poll, and a paginated response never advances past its last
// record. A single record larger than the batch is taken whole so the scan
// always makes progress.
func drainHistory(resp *gmailapi.ListHistoryResponse, cursor provider.Cursor, maxBatch int) ([]*gmailapi.Message, provider.Cursor) {
	seen := make(map[string]bool)
	next := cursor
	var refs []*gmailapi.Message
	for _, h := range resp.History {
		var record []*gmailapi.Message
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			record = append(record, added.Message)
		}
		if maxBatch > 0 && len(refs) > 0 && len(refs)+len(record) > maxBatch {
			return refs, next
		}
		refs = append(refs, record...)
		if h.Id != 0 {
			next = provider.Cursor(strconv.FormatUint(h.Id, 10))
		}
	}
	if resp.NextPageToken == "" && resp.HistoryId != 0 {
		next = provider.Cursor(strconv.FormatUint(resp.HistoryId, 10))
	}
	return refs, next
}

func (a *Adapter) baselineFetch(ctx context.Context, svc *gmailapi.Service, account *models.EmailAccount, maxBatch int) (provider.FetchResult, error) {
	// The cursor is read before the scan so mail arriving while it runs
	// falls inside the next history window instead of being lost.
	var profile *gmailapi.Profile
	err := a.execute("gmail profile", func() error {
		var apiErr error
		profile, apiErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return provider.FetchResult{}, classify("gmail profile", err)
	}

	var listResp *gmailapi.ListMessagesResponse
	err = a.execute("gmail list", func() error {
		var apiErr error
		listResp, apiErr = svc.Users.Messages.List("me").
			LabelIds("INBOX").
			MaxResults(int64(maxBatch)).
			Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return provider.FetchResult{}, classify("gmail list", err)
	}

	messages, err := a.fetchFull(ctx, svc, account, listResp.Messages)
	if err != nil {
		return provider.FetchResult{}, err
	}

	return provider.FetchResult{
		Messages:   messages,
		NextCursor: provider.Cursor(strconv.FormatUint(profile.HistoryId, 10)),
	}, nil
}

// fetchFull resolves message references into decoded messages, oldest first.
// A malformed or vanished message is skipped and logged; a transient failure
// aborts the whole batch so the cursor cannot move past the unfetched rest.
func (a *Adapter) fetchFull(ctx context.Context, svc *gmailapi.Service, account *models.EmailAccount, refs []*gmailapi.Message) ([]provider.RawMessage, error) {
	var messages []provider.RawMessage
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, provider.Transient("gmail get", err)
		}
		var full *gmailapi.Message
		err := a.execute("gmail get", func() error {
			var apiErr error
			full, apiErr = svc.Users.Messages.Get("me", ref.Id).Format("full").Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			classified := classify("gmail get", err)
			if !provider.IsPermanent(classified) {
				return nil, classified
			}
			slog.Warn("skipping unfetchable gmail message",
				"account_id", account.ID, "message_id", ref.Id, "error", err)
			continue
		}
		raw, err := a.decode(ctx, svc, full)
		if err != nil {
			slog.Warn("skipping malformed gmail message",
				"account_id", account.ID, "message_id", ref.Id, "error", err)
			continue
		}
		messages = append(messages, raw)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].SentAt.Before(messages[j].SentAt)
	})
	return messages, nil
}

func (a *Adapter) decode(ctx context.Context, svc *gmailapi.Service, msg *gmailapi.Message) (provider.RawMessage, error) {
	if msg.Payload == nil {
		return provider.RawMessage{}, fmt.Errorf("message %s has no payload", msg.Id)
	}

	raw := provider.RawMessage{
		ExternalID:       msg.Id,
		ProviderThreadID: msg.ThreadId,
		SentAt:           time.UnixMilli(msg.InternalDate),
		Folder:           "INBOX",
		Seen:             true,
	}

	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			raw.Seen = false
		case "STARRED":
			raw.Flagged = true
		case "IMPORTANT":
			raw.Important = true
		case "SENT":
			raw.Folder = "SENT"
		}
	}

	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			raw.From = parseAddress(h.Value)
		case "to":
			raw.To = parseAddressList(h.Value)
		case "cc":
			raw.Cc = parseAddressList(h.Value)
		case "bcc":
			raw.Bcc = parseAddressList(h.Value)
		case "subject":
			raw.Subject = h.Value
		case "message-id":
			raw.MessageID = strings.Trim(h.Value, "<>")
		}
	}

	if err := a.walkParts(ctx, svc, msg.Id, msg.Payload, &raw); err != nil {
		return provider.RawMessage{}, err
	}
	return raw, nil
}

func (a *Adapter) walkParts(ctx context.Context, svc *gmailapi.Service, msgID string, part *gmailapi.MessagePart, raw *provider.RawMessage) error {
	if part.Filename != "" && part.Body != nil {
		content, err := a.partContent(ctx, svc, msgID, part)
		if err != nil {
			return err
		}
		raw.Attachments = append(raw.Attachments, provider.RawAttachment{
			FileName:    part.Filename,
			ContentType: part.MimeType,
			Content:     content,
		})
		return nil
	}

	if part.Body != nil && part.Body.Data != "" {
		content, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data)
		if err != nil {
			return fmt.Errorf("decode part: %w", err)
		}
		switch {
		case strings.HasPrefix(part.MimeType, "text/plain") && raw.TextBody == "":
			raw.TextBody = string(content)
		case strings.HasPrefix(part.MimeType, "text/html") && raw.HTMLBody == "":
			raw.HTMLBody = string(content)
		}
	}

	for _, child := range part.Parts {
		if err := a.walkParts(ctx, svc, msgID, child, raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) partContent(ctx context.Context, svc *gmailapi.Service, msgID string, part *gmailapi.MessagePart) ([]byte, error) {
	enc := base64.URLEncoding.WithPadding(base64.NoPadding)
	if part.Body.Data != "" {
		return enc.DecodeString(part.Body.Data)
	}
	if part.Body.AttachmentId == "" {
		return nil, nil
	}
	var att *gmailapi.MessagePartBody
	err := a.execute("gmail attachment", func() error {
		var apiErr error
		att, apiErr = svc.Users.Messages.Attachments.Get("me", msgID, part.Body.AttachmentId).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, err
	}
	return enc.DecodeString(att.Data)
}

// Send transmits a draft through the Gmail API and returns the new
// provider-native message ID.
func (a *Adapter) Send(ctx context.Context, account *models.EmailAccount, draft provider.Draft) (string, error) {
	svc, err := a.service(ctx, account)
	if err != nil {
		return "", err
	}

	wire, err := provider.BuildRFC822(draft, time.Now())
	if err != nil {
		return "", provider.Permanent("gmail build", err)
	}

	var sent *gmailapi.Message
	err = a.execute("gmail send", func() error {
		var apiErr error
		sent, apiErr = svc.Users.Messages.Send("me", &gmailapi.Message{
			Raw: base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(wire),
		}).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", classify("gmail send", err)
	}
	return sent.Id, nil
}

// classify maps Gmail API errors onto the adapter error taxonomy.
func classify(op string, err error) error {
	var pe *provider.Error
	if errors.As(err, &pe) {
		return err
	}
	switch code := apiErrorCode(err); {
	case code == 401:
		return provider.AuthExpired(op, err)
	case code == 429 || code >= 500:
		return provider.Transient(op, err)
	case code >= 400:
		return provider.Permanent(op, err)
	default:
		return provider.Transient(op, err)
	}
}

func apiErrorCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func parseAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}

func parseAddressList(value string) []string {
	addrs, err := mail.ParseAddressList(value)
	if err != nil {
		return []string{strings.TrimSpace(value)}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
