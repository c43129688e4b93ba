// Package smtp implements the send side of the generic IMAP/SMTP backend.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
)

// Credentials is the slice of the credential store the sender needs.
type Credentials interface {
	Password(account *models.EmailAccount) (string, error)
	GetValidToken(ctx context.Context, account *models.EmailAccount) (string, error)
}

type Sender struct {
	creds Credentials

	// transmit is swapped in tests.
	transmit func(ctx context.Context, account *models.EmailAccount, auth sasl.Client, from string, to []string, raw []byte) error
}

func NewSender(creds Credentials) *Sender {
	s := &Sender{creds: creds}
	s.transmit = transmitSMTP
	return s
}

// Send builds the wire message and relays it through the account's SMTP
// host. SMTP reports no provider-side message ID, so the draft's generated
// Message-ID doubles as the external ID of the sent message.
func (s *Sender) Send(ctx context.Context, account *models.EmailAccount, draft provider.Draft) (string, error) {
	raw, err := provider.BuildRFC822(draft, time.Now())
	if err != nil {
		return "", provider.Permanent("smtp build", err)
	}

	var auth sasl.Client
	if account.Provider == models.ProviderOutlook {
		token, err := s.creds.GetValidToken(ctx, account)
		if err != nil {
			return "", provider.AuthExpired("smtp auth", err)
		}
		auth = provider.NewXOAuth2Client(account.Username, token)
	} else {
		password, err := s.creds.Password(account)
		if err != nil {
			return "", provider.Permanent("smtp auth", err)
		}
		auth = sasl.NewPlainClient("", account.Username, password)
	}

	if err := s.transmit(ctx, account, auth, draft.From, draft.Recipients(), raw); err != nil {
		return "", err
	}
	return draft.MessageID, nil
}

func transmitSMTP(ctx context.Context, account *models.EmailAccount, auth sasl.Client, from string, to []string, raw []byte) error {
	addr := net.JoinHostPort(account.SMTPHost, strconv.Itoa(account.SMTPPort))

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return provider.Transient("smtp dial", err)
	}
	// The caller's deadline bounds the whole exchange, not just the dial.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Port 465 speaks TLS from the first byte; submission ports negotiate
	// STARTTLS instead. UseSSL describes the IMAP side, which may differ
	// (Office 365 pairs IMAP over TLS with SMTP on 587).
	implicitTLS := account.SMTPPort == 465
	if implicitTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: account.SMTPHost})
	}

	c, err := gosmtp.NewClient(conn, account.SMTPHost)
	if err != nil {
		conn.Close()
		return provider.Transient("smtp handshake", err)
	}
	defer c.Close()

	if !implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: account.SMTPHost}); err != nil {
				return provider.Transient("smtp starttls", err)
			}
		}
	}

	if err := c.Auth(auth); err != nil {
		if account.Provider == models.ProviderOutlook {
			return provider.AuthExpired("smtp auth", err)
		}
		return provider.Permanent("smtp auth", err)
	}

	if err := c.Mail(from, nil); err != nil {
		return provider.Permanent("smtp mail", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return provider.Permanent("smtp rcpt", fmt.Errorf("recipient %s: %w", rcpt, err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return provider.Transient("smtp data", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(w); err != nil {
		w.Close()
		return provider.Transient("smtp data", err)
	}
	if err := w.Close(); err != nil {
		return provider.Transient("smtp data", err)
	}

	return c.Quit()
}
