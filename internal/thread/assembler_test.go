package thread

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/mailengine/internal/models"
)

// memThreadStore is an in-memory ThreadStore for assembler tests.
type memThreadStore struct {
	nextID  int64
	threads map[int64]*models.EmailThread
}

func newMemThreadStore() *memThreadStore {
	return &memThreadStore{nextID: 1, threads: make(map[int64]*models.EmailThread)}
}

func (m *memThreadStore) CreateThread(_ context.Context, t *models.EmailThread) (*models.EmailThread, error) {
	cp := *t
	cp.ID = m.nextID
	cp.PublicID = uuid.New()
	m.nextID++
	m.threads[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *memThreadStore) FindCandidateThreads(_ context.Context, userID int64, normSubject string, since time.Time) ([]models.EmailThread, error) {
	var out []models.EmailThread
	for _, t := range m.threads {
		if t.UserID == userID && t.NormSubject == normSubject && !t.LastMessageAt.Before(since) {
			out = append(out, *t)
		}
	}
	// Most recent first, as the SQL store orders them.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].LastMessageAt.After(out[i].LastMessageAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memThreadStore) FindThreadByProviderRef(_ context.Context, userID int64, ref string) (*models.EmailThread, error) {
	for _, t := range m.threads {
		if t.UserID != userID {
			continue
		}
		for _, r := range t.ProviderRefs {
			if r == ref {
				cp := *t
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (m *memThreadStore) AttachMessageMeta(_ context.Context, threadID int64, participants []string, providerRef string, lastMessageAt time.Time) error {
	t := m.threads[threadID]
	for _, p := range participants {
		seen := false
		for _, existing := range t.Participants {
			if existing == p {
				seen = true
			}
		}
		if !seen {
			t.Participants = append(t.Participants, p)
		}
	}
	if providerRef != "" {
		has := false
		for _, r := range t.ProviderRefs {
			if r == providerRef {
				has = true
			}
		}
		if !has {
			t.ProviderRefs = append(t.ProviderRefs, providerRef)
		}
	}
	t.MessageCount++
	if lastMessageAt.After(t.LastMessageAt) {
		t.LastMessageAt = lastMessageAt
	}
	return nil
}

func (m *memThreadStore) GetThreadByID(_ context.Context, id int64) (*models.EmailThread, error) {
	t, ok := m.threads[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memThreadStore) GetThreadByPublicID(_ context.Context, publicID uuid.UUID) (*models.EmailThread, error) {
	for _, t := range m.threads {
		if t.PublicID == publicID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memThreadStore) ListThreadsByUserID(_ context.Context, userID int64, _ models.ThreadQuery) ([]models.EmailThread, error) {
	var out []models.EmailThread
	for _, t := range m.threads {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memThreadStore) SetThreadArchived(_ context.Context, id int64, archived bool) error {
	if t, ok := m.threads[id]; ok {
		t.Archived = archived
	}
	return nil
}

func msg(subject, from string, to []string, sentAt time.Time) *models.EmailMessage {
	return &models.EmailMessage{
		Subject:     subject,
		FromAddress: from,
		ToAddresses: to,
		SentAt:      sentAt,
	}
}

func TestReplyJoinsExistingThread(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 30*24*time.Hour)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return now }

	ctx := context.Background()
	first, err := asm.Assign(ctx, 1, msg("Project Update", "alice@a.example", []string{"bob@b.example"}, now))
	if err != nil {
		t.Fatalf("Assign first: %v", err)
	}

	second, err := asm.Assign(ctx, 1, msg("Re: Project Update", "bob@b.example", []string{"alice@a.example"}, now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Assign reply: %v", err)
	}

	if first != second {
		t.Errorf("reply landed in thread %d, want %d", second, first)
	}
	if got := store.threads[first].MessageCount; got != 2 {
		t.Errorf("thread message count = %d, want 2", got)
	}
}

func TestUnrelatedSubjectStartsNewThread(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 30*24*time.Hour)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return now }

	ctx := context.Background()
	first, _ := asm.Assign(ctx, 1, msg("Project Update", "alice@a.example", []string{"bob@b.example"}, now))
	second, _ := asm.Assign(ctx, 1, msg("Lunch on Friday?", "alice@a.example", []string{"bob@b.example"}, now.Add(time.Minute)))

	if first == second {
		t.Error("unrelated subject joined an existing thread")
	}
}

func TestSameSubjectDifferentParticipantsSplit(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 30*24*time.Hour)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return now }

	ctx := context.Background()
	first, _ := asm.Assign(ctx, 1, msg("Invoice", "alice@a.example", []string{"bob@b.example"}, now))
	second, _ := asm.Assign(ctx, 1, msg("Invoice", "carol@c.example", []string{"dave@d.example"}, now.Add(time.Minute)))

	if first == second {
		t.Error("threads with disjoint participants must not merge")
	}
}

func TestStaleThreadOutsideRecencyWindowIgnored(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 7*24*time.Hour)
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return base }

	ctx := context.Background()
	old, _ := asm.Assign(ctx, 1, msg("Weekly report", "alice@a.example", []string{"bob@b.example"}, base))

	asm.now = func() time.Time { return base.Add(30 * 24 * time.Hour) }
	recent, _ := asm.Assign(ctx, 1, msg("Re: Weekly report", "bob@b.example", []string{"alice@a.example"}, base.Add(30*24*time.Hour)))

	if old == recent {
		t.Error("message outside the recency window joined a stale thread")
	}
}

func TestMostRecentCandidateWinsTieBreak(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 30*24*time.Hour)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return now }

	ctx := context.Background()
	// Two candidate threads, identical subject and overlapping participants.
	older, _ := store.CreateThread(ctx, &models.EmailThread{
		UserID: 1, Subject: "Sync", NormSubject: "sync",
		Participants:  []string{"alice@a.example", "bob@b.example"},
		LastMessageAt: now.Add(-48 * time.Hour),
	})
	newer, _ := store.CreateThread(ctx, &models.EmailThread{
		UserID: 1, Subject: "Sync", NormSubject: "sync",
		Participants:  []string{"alice@a.example", "carol@c.example"},
		LastMessageAt: now.Add(-1 * time.Hour),
	})

	got, err := asm.Assign(ctx, 1, msg("Re: Sync", "alice@a.example", []string{"bob@b.example"}, now))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got != newer.ID {
		t.Errorf("assigned to thread %d, want most recent candidate %d (older was %d)", got, newer.ID, older.ID)
	}
}

func TestProviderThreadIDFastPath(t *testing.T) {
	store := newMemThreadStore()
	asm := NewAssembler(store, 30*24*time.Hour)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	asm.now = func() time.Time { return now }

	ctx := context.Background()
	first := msg("Deal notes", "alice@a.example", []string{"bob@b.example"}, now)
	first.ProviderThreadID = "gmail-thread-9"
	threadID, _ := asm.Assign(ctx, 1, first)

	// Different subject, same provider thread: the ref wins over the
	// subject heuristic.
	followup := msg("Totally different subject", "carol@c.example", []string{"alice@a.example"}, now.Add(time.Hour))
	followup.ProviderThreadID = "gmail-thread-9"
	got, _ := asm.Assign(ctx, 1, followup)

	if got != threadID {
		t.Errorf("provider ref fast path assigned thread %d, want %d", got, threadID)
	}
}

func TestNormalizeSubject(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Project Update", "project update"},
		{"Re: Project Update", "project update"},
		{"RE: re: Fwd: Project Update", "project update"},
		{"FW: budget", "budget"},
		{"  Re:   spaced   out  ", "spaced out"},
		{"", ""},
		{"Re:", ""},
	}
	for _, c := range cases {
		if got := NormalizeSubject(c.in); got != c.want {
			t.Errorf("NormalizeSubject(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
