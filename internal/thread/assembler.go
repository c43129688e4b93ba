// Package thread groups messages into conversation threads. Threading is
// heuristic: a provider-native thread ID wins when one exists, otherwise
// messages join the most recent thread sharing a normalized subject and at
// least one participant inside the recency window.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hireloop/mailengine/internal/models"
	"github.com/hireloop/mailengine/internal/store"
)

type Assembler struct {
	threads store.ThreadStore

	// recencyWindow bounds how far back a subject match may reach; older
	// threads with the same subject start a new conversation.
	recencyWindow time.Duration

	now func() time.Time
}

func NewAssembler(threads store.ThreadStore, recencyWindow time.Duration) *Assembler {
	return &Assembler{
		threads:       threads,
		recencyWindow: recencyWindow,
		now:           time.Now,
	}
}

// Assign finds or creates the thread a message belongs to and folds the
// message's metadata into it. Returns the thread ID.
func (a *Assembler) Assign(ctx context.Context, userID int64, msg *models.EmailMessage) (int64, error) {
	participants := collectParticipants(msg)

	thread, err := a.resolve(ctx, userID, msg, participants)
	if err != nil {
		return 0, err
	}
	if thread == nil {
		thread, err = a.threads.CreateThread(ctx, &models.EmailThread{
			UserID:        userID,
			Subject:       strings.TrimSpace(msg.Subject),
			NormSubject:   NormalizeSubject(msg.Subject),
			Participants:  participants,
			MessageCount:  0,
			LastMessageAt: msg.SentAt,
		})
		if err != nil {
			return 0, fmt.Errorf("create thread: %w", err)
		}
		slog.Debug("created thread", "thread_id", thread.ID, "subject", thread.NormSubject)
	}

	if err := a.threads.AttachMessageMeta(ctx, thread.ID, participants, msg.ProviderThreadID, msg.SentAt); err != nil {
		return 0, fmt.Errorf("attach message meta: %w", err)
	}
	return thread.ID, nil
}

func (a *Assembler) resolve(ctx context.Context, userID int64, msg *models.EmailMessage, participants []string) (*models.EmailThread, error) {
	// Fast path: the provider already threads its own mail.
	if msg.ProviderThreadID != "" {
		thread, err := a.threads.FindThreadByProviderRef(ctx, userID, msg.ProviderThreadID)
		if err != nil {
			return nil, fmt.Errorf("find thread by provider ref: %w", err)
		}
		if thread != nil {
			return thread, nil
		}
	}

	since := a.now().Add(-a.recencyWindow)
	if msg.SentAt.Before(since) {
		// Backfilled mail measures recency from its own timestamp.
		since = msg.SentAt.Add(-a.recencyWindow)
	}

	candidates, err := a.threads.FindCandidateThreads(ctx, userID, NormalizeSubject(msg.Subject), since)
	if err != nil {
		return nil, fmt.Errorf("find candidate threads: %w", err)
	}

	// Candidates arrive most recent first, so the first participant match
	// is the tie-break winner.
	for i := range candidates {
		if sharesParticipant(candidates[i].Participants, participants) {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// NormalizeSubject strips reply and forward prefixes, repeatedly, and folds
// case and whitespace. "Re: Re: FWD: Hello" and "hello" normalize equal.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		var trimmed string
		switch {
		case strings.HasPrefix(lower, "re:"):
			trimmed = s[3:]
		case strings.HasPrefix(lower, "fwd:"):
			trimmed = s[4:]
		case strings.HasPrefix(lower, "fw:"):
			trimmed = s[3:]
		default:
			return strings.ToLower(strings.Join(strings.Fields(s), " "))
		}
		s = strings.TrimSpace(trimmed)
	}
}

func collectParticipants(msg *models.EmailMessage) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(msg.FromAddress)
	for _, addr := range msg.ToAddresses {
		add(addr)
	}
	for _, addr := range msg.CcAddresses {
		add(addr)
	}
	return out
}

func sharesParticipant(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, addr := range a {
		set[strings.ToLower(addr)] = true
	}
	for _, addr := range b {
		if set[strings.ToLower(addr)] {
			return true
		}
	}
	return false
}
