package smtp

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/emersion/go-sasl"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/provider"
)

type stubCreds struct {
	password string
	token    string
	tokenErr error
}

func (s *stubCreds) Password(*models.EmailAccount) (string, error) {
	return s.password, nil
}

func (s *stubCreds) GetValidToken(context.Context, *models.EmailAccount) (string, error) {
	return s.token, s.tokenErr
}

type capturedSend struct {
	from string
	to   []string
	raw  []byte
	auth sasl.Client
}

func TestSendRelaysEnvelopeAndBody(t *testing.T) {
	var captured capturedSend
	s := NewSender(&stubCreds{password: "secret"})
	s.transmit = func(_ context.Context, _ *models.EmailAccount, auth sasl.Client, from string, to []string, raw []byte) error {
		captured = capturedSend{from: from, to: to, raw: raw, auth: auth}
		return nil
	}

	account := &models.EmailAccount{
		Provider: models.ProviderSMTP,
		Email:    "sender@example.com",
		Username: "sender@example.com",
		SMTPHost: "smtp.example.com",
		SMTPPort: 587,
	}
	draft := provider.Draft{
		From:      "sender@example.com",
		To:        []string{"to@peer.example"},
		Cc:        []string{"cc@peer.example"},
		Bcc:       []string{"bcc@peer.example"},
		Subject:   "hello",
		TextBody:  "body",
		MessageID: "gen-1@example.com",
	}

	externalID, err := s.Send(context.Background(), account, draft)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// SMTP reports no provider message ID; the generated Message-ID
	// stands in as the external ID.
	if externalID != "gen-1@example.com" {
		t.Errorf("external ID = %q, want the draft Message-ID", externalID)
	}
	if captured.from != "sender@example.com" {
		t.Errorf("envelope from = %q", captured.from)
	}
	if len(captured.to) != 3 {
		t.Errorf("envelope recipients = %v, want To+Cc+Bcc", captured.to)
	}
	if !bytes.Contains(captured.raw, []byte("Subject: hello")) {
		t.Error("wire message missing subject header")
	}
	if captured.auth == nil {
		t.Error("plain auth client not constructed")
	}
}

func TestSendSurfacesAuthErrorForOAuthAccounts(t *testing.T) {
	s := NewSender(&stubCreds{tokenErr: errors.New("refresh rejected")})
	s.transmit = func(context.Context, *models.EmailAccount, sasl.Client, string, []string, []byte) error {
		t.Fatal("transmit must not run without a token")
		return nil
	}

	account := &models.EmailAccount{
		Provider: models.ProviderOutlook,
		Username: "user@outlook.example",
	}
	_, err := s.Send(context.Background(), account, provider.Draft{
		From: "user@outlook.example",
		To:   []string{"to@peer.example"},
	})
	if !provider.IsAuthExpired(err) {
		t.Errorf("error = %v, want auth-expired classification", err)
	}
}

func TestSendPropagatesTransmitFailure(t *testing.T) {
	s := NewSender(&stubCreds{password: "secret"})
	s.transmit = func(context.Context, *models.EmailAccount, sasl.Client, string, []string, []byte) error {
		return provider.Transient("smtp dial", errors.New("connection refused"))
	}

	account := &models.EmailAccount{Provider: models.ProviderSMTP, Username: "u"}
	_, err := s.Send(context.Background(), account, provider.Draft{
		From: "a@b.example",
		To:   []string{"c@d.example"},
	})
	if !provider.IsTransient(err) {
		t.Errorf("error = %v, want transient classification", err)
	}
}
