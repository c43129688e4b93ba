// Package imap implements the fetch side of the generic IMAP/SMTP backend
// using UID-based cursors.
package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	_ "github.com/emersion/go-message/charset"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
)

const dialTimeout = 10 * time.Second

// Credentials is the slice of the credential store the adapter needs.
type Credentials interface {
	Password(account *models.EmailAccount) (string, error)
	GetValidToken(ctx context.Context, account *models.EmailAccount) (string, error)
}

type Adapter struct {
	creds Credentials

	// dial is swapped in tests.
	dial func(ctx context.Context, account *models.EmailAccount) (*imapclient.Client, error)
}

func New(creds Credentials) *Adapter {
	a := &Adapter{creds: creds}
	a.dial = a.dialIMAP
	return a
}

func (a *Adapter) dialIMAP(ctx context.Context, account *models.EmailAccount) (*imapclient.Client, error) {
	addr := net.JoinHostPort(account.IMAPHost, strconv.Itoa(account.IMAPPort))
	dialer := &net.Dialer{Timeout: dialTimeout}

	if !account.UseSSL {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, provider.Transient("imap dial", err)
		}
		c, err := imapclient.NewStartTLS(conn, &imapclient.Options{
			TLSConfig: &tls.Config{ServerName: account.IMAPHost},
		})
		if err != nil {
			conn.Close()
			return nil, provider.Transient("imap dial", err)
		}
		return c, nil
	}

	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: account.IMAPHost}}
	conn, err := tlsDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, provider.Transient("imap dial", err)
	}
	return imapclient.New(conn, nil), nil
}

func (a *Adapter) connect(ctx context.Context, account *models.EmailAccount) (*imapclient.Client, error) {
	c, err := a.dial(ctx, account)
	if err != nil {
		return nil, err
	}

	if account.Provider == models.ProviderOutlook {
		token, err := a.creds.GetValidToken(ctx, account)
		if err != nil {
			c.Close()
			return nil, provider.AuthExpired("imap auth", err)
		}
		if err := c.Authenticate(provider.NewXOAuth2Client(account.Username, token)); err != nil {
			c.Close()
			return nil, provider.AuthExpired("imap auth", err)
		}
		return c, nil
	}

	password, err := a.creds.Password(account)
	if err != nil {
		c.Close()
		return nil, provider.Permanent("imap auth", err)
	}
	if err := c.Login(account.Username, password).Wait(); err != nil {
		c.Close()
		return nil, provider.Permanent("imap auth", fmt.Errorf("login failed: %w", err))
	}
	return c, nil
}

// Fetch pulls messages with UIDs beyond the cursor from the account's inbox
// and sent folders. The sent folder is scanned so copies of our own sends
// come back and settle pending reconciliation. Each folder's cursor carries
// its mailbox UIDVALIDITY so a mailbox rebuild on the server side restarts
// that folder's scan instead of silently skipping mail.
func (a *Adapter) Fetch(ctx context.Context, account *models.EmailAccount, cursor provider.Cursor, maxBatch int) (provider.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return provider.FetchResult{}, provider.Transient("imap fetch", err)
	}

	c, err := a.connect(ctx, account)
	if err != nil {
		return provider.FetchResult{}, err
	}
	defer func() {
		_ = c.Logout().Wait()
		c.Close()
	}()

	inboxFolder, sentFolder := scanFolders(account)
	inboxCur, sentCur := decodeCursor(cursor)

	messages, inboxNew, err := a.fetchFolder(ctx, c, account, inboxFolder, inboxCur, maxBatch,
		func(fc folderCursor) provider.Cursor { return encodeCursor(fc, sentCur) })
	if err != nil {
		return provider.FetchResult{}, err
	}
	inboxCur = inboxNew

	if sentFolder != "" {
		budget := 0
		if maxBatch > 0 {
			budget = maxBatch - len(messages)
		}
		if maxBatch <= 0 || budget > 0 {
			sentMsgs, sentNew, err := a.fetchFolder(ctx, c, account, sentFolder, sentCur, budget,
				func(fc folderCursor) provider.Cursor { return encodeCursor(inboxCur, fc) })
			if err != nil {
				return provider.FetchResult{}, err
			}
			sentCur = sentNew
			messages = append(messages, sentMsgs...)
		}
	}

	return provider.FetchResult{
		Messages:   messages,
		NextCursor: encodeCursor(inboxCur, sentCur),
	}, nil
}

// fetchFolder scans one mailbox for UIDs beyond its cursor. mkCursor builds
// the full per-message cursor from this folder's position, holding the other
// folder at whichever position is safe while this batch persists.
func (a *Adapter) fetchFolder(ctx context.Context, c *imapclient.Client, account *models.EmailAccount, folder string, cur folderCursor, maxBatch int, mkCursor func(folderCursor) provider.Cursor) ([]provider.RawMessage, folderCursor, error) {
	mbox, err := c.Select(folder, nil).Wait()
	if err != nil {
		return nil, cur, provider.Transient("imap select", err)
	}

	if cur.validity != 0 && cur.validity != mbox.UIDValidity {
		// Mailbox was rebuilt; all UIDs are new.
		slog.Warn("imap uidvalidity changed, restarting scan",
			"account_id", account.ID, "folder", folder, "old", cur.validity, "new", mbox.UIDValidity)
		cur.uid = 0
	}
	cur.validity = mbox.UIDValidity

	if mbox.NumMessages == 0 {
		return nil, cur, nil
	}

	var uidSet goimap.UIDSet
	uidSet.AddRange(goimap.UID(cur.uid+1), 0)

	bodySection := &goimap.FetchItemBodySection{Peek: true}
	fetchCmd := c.Fetch(uidSet, &goimap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*goimap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	type fetched struct {
		uid uint32
		raw provider.RawMessage
	}
	var found []fetched
	for {
		if err := ctx.Err(); err != nil {
			return nil, cur, provider.Transient("imap fetch", err)
		}
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("skipping unreadable message",
				"account_id", account.ID, "folder", folder, "error", err)
			continue
		}
		// UID FETCH n:* matches the highest-UID message even when n is
		// past the end of the mailbox; drop anything at or below the
		// cursor.
		if uint32(buf.UID) <= cur.uid {
			continue
		}
		raw, err := rawFromBuffer(buf, bodySection, folder)
		if err != nil {
			slog.Warn("skipping malformed message",
				"account_id", account.ID, "folder", folder, "uid", uint32(buf.UID), "error", err)
			continue
		}
		raw.ExternalID = encodeExternalID(folder, cur.validity, uint32(buf.UID))
		found = append(found, fetched{uid: uint32(buf.UID), raw: raw})
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, cur, provider.Transient("imap fetch", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].uid < found[j].uid })
	if maxBatch > 0 && len(found) > maxBatch {
		found = found[:maxBatch]
	}

	messages := make([]provider.RawMessage, 0, len(found))
	for _, f := range found {
		if f.uid > cur.uid {
			cur.uid = f.uid
		}
		f.raw.Cursor = mkCursor(folderCursor{validity: cur.validity, uid: f.uid})
		messages = append(messages, f.raw)
	}
	return messages, cur, nil
}

// scanFolders returns the folders one sync pass covers. The sent folder is
// skipped when unset or aliased to the inbox.
func scanFolders(account *models.EmailAccount) (inbox, sent string) {
	inbox = account.Folders.Inbox
	if inbox == "" {
		inbox = "INBOX"
	}
	sent = account.Folders.Sent
	if sent == inbox {
		sent = ""
	}
	return inbox, sent
}

func rawFromBuffer(buf *imapclient.FetchMessageBuffer, section *goimap.FetchItemBodySection, folder string) (provider.RawMessage, error) {
	raw := provider.RawMessage{Folder: folder}

	if env := buf.Envelope; env != nil {
		raw.MessageID = env.MessageID
		raw.Subject = env.Subject
		raw.SentAt = env.Date
		if len(env.From) > 0 {
			raw.From = env.From[0].Addr()
		}
		for _, to := range env.To {
			raw.To = append(raw.To, to.Addr())
		}
		for _, cc := range env.Cc {
			raw.Cc = append(raw.Cc, cc.Addr())
		}
		for _, bcc := range env.Bcc {
			raw.Bcc = append(raw.Bcc, bcc.Addr())
		}
	}
	if raw.SentAt.IsZero() {
		raw.SentAt = buf.InternalDate
	}

	for _, flag := range buf.Flags {
		switch flag {
		case goimap.FlagSeen:
			raw.Seen = true
		case goimap.FlagFlagged:
			raw.Flagged = true
		}
	}

	body := buf.FindBodySection(section)
	if body == nil {
		return raw, fmt.Errorf("no body section in fetch response")
	}
	parsed := provider.ParseRFC822(body)
	raw.TextBody = parsed.TextBody
	raw.HTMLBody = parsed.HTMLBody
	raw.Attachments = parsed.Attachments
	return raw, nil
}

// Cursor format: "<validity>:<uid>" for the inbox alone, or
// "<validity>:<uid>|<validity>:<uid>" for the inbox and sent folders. The
// single-folder form is still accepted so cursors recorded before the sent
// folder was scanned pick up where they left off.

type folderCursor struct {
	validity uint32
	uid      uint32
}

func encodeCursor(inbox, sent folderCursor) provider.Cursor {
	if sent == (folderCursor{}) {
		return provider.Cursor(encodeFolderCursor(inbox))
	}
	return provider.Cursor(encodeFolderCursor(inbox) + "|" + encodeFolderCursor(sent))
}

func encodeFolderCursor(fc folderCursor) string {
	return fmt.Sprintf("%d:%d", fc.validity, fc.uid)
}

func encodeExternalID(folder string, validity, uid uint32) string {
	return fmt.Sprintf("%s/%d:%d", folder, validity, uid)
}

func decodeCursor(cursor provider.Cursor) (inbox, sent folderCursor) {
	parts := strings.SplitN(string(cursor), "|", 2)
	inbox = decodeFolderCursor(parts[0])
	if len(parts) == 2 {
		sent = decodeFolderCursor(parts[1])
	}
	return inbox, sent
}

func decodeFolderCursor(s string) folderCursor {
	if s == "" {
		return folderCursor{}
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return folderCursor{}
	}
	v, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return folderCursor{}
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return folderCursor{}
	}
	return folderCursor{validity: uint32(v), uid: uint32(u)}
}
