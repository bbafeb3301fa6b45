package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
	"broker-chat-server/internal/store/memstore"
)

var epoch = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []store.Message
}

func (r *recordingTrigger) OnFirstVisitorMessage(_ context.Context, _ store.ChatSession, msg store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msg)
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestService(t *testing.T, opts ...Option) (*Service, *memstore.Database, *clock.FakeClock) {
	t.Helper()
	fake := clock.Fake(epoch)
	db := memstore.New(memstore.WithClock(fake))
	svc := NewService(db, append([]Option{WithClock(fake)}, opts...)...)
	return svc, db, fake
}

func mustEnsure(t *testing.T, svc *Service, visitor string) string {
	t.Helper()
	id, err := svc.EnsureSession(context.Background(), visitor)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	return id
}

func mustSession(t *testing.T, svc *Service, id string) *store.ChatSession {
	t.Helper()
	s, err := svc.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("Session(%q): %v", id, err)
	}
	return s
}

func TestEnsureSessionDefaults(t *testing.T) {
	svc, _, _ := newTestService(t)
	id := mustEnsure(t, svc, "visitor-1")
	if id != "visitor-1" {
		t.Fatalf("session id = %q, want visitor id", id)
	}
	s := mustSession(t, svc, id)
	if s.Status != store.StatusOpen || s.FirstNotified || s.UnreadForAdmin != 0 || s.UnreadForUser != 0 {
		t.Fatalf("new session = %+v", s)
	}
	if _, err := svc.EnsureSession(context.Background(), " "); !errors.Is(err, ErrInvalidVisitor) {
		t.Fatalf("blank visitor id error = %v", err)
	}
}

func TestEnsureSessionConcurrentCallersConverge(t *testing.T) {
	svc, db, _ := newTestService(t)
	var wg sync.WaitGroup
	for _i := 0; _i < 2; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.EnsureSession(context.Background(), "visitor-1"); err != nil {
				t.Errorf("EnsureSession: %v", err)
			}
		}()
	}
	wg.Wait()

	recent, _ := db.ListRecentSessions(context.Background(), time.Time{})
	if len(recent) != 0 {
		t.Fatalf("session without messages listed as recent: %+v", recent)
	}
	if err := db.UpdateSession(context.Background(), "visitor-1", store.SessionPatch{LastMessageAt: &epoch}); err != nil {
		t.Fatal(err)
	}
	recent, _ = db.ListRecentSessions(context.Background(), time.Time{})
	if len(recent) != 1 {
		t.Fatalf("found %d sessions, want 1", len(recent))
	}
}

func TestFirstVisitorMessageScenario(t *testing.T) {
	trigger := &recordingTrigger{}
	svc, _, _ := newTestService(t, WithTrigger(trigger))
	id := mustEnsure(t, svc, "visitor-1")

	msg, err := svc.AppendMessage(context.Background(), id, "visitor-1", store.RoleUser, "Olá")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	svc.Wait()

	s := mustSession(t, svc, id)
	if s.UnreadForAdmin != 1 || s.UnreadForUser != 0 {
		t.Fatalf("unread = admin %d user %d, want 1/0", s.UnreadForAdmin, s.UnreadForUser)
	}
	if s.LastMessagePreview != "Olá" {
		t.Fatalf("preview = %q", s.LastMessagePreview)
	}
	if s.LastMessageAt == nil || !s.LastMessageAt.Equal(msg.CreatedAt) {
		t.Fatalf("lastMessageAt = %v, want %v", s.LastMessageAt, msg.CreatedAt)
	}
	if trigger.count() != 1 || trigger.calls[0].ID != msg.ID {
		t.Fatalf("trigger calls = %+v", trigger.calls)
	}
}

func TestTriggerSkippedOnceNotified(t *testing.T) {
	trigger := &recordingTrigger{}
	svc, db, _ := newTestService(t, WithTrigger(trigger))
	id := mustEnsure(t, svc, "visitor-1")
	if err := db.UpdateSession(context.Background(), id, store.SessionPatch{FirstNotified: store.Ptr(true)}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.AppendMessage(context.Background(), id, "visitor-1", store.RoleUser, "again"); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	if trigger.count() != 0 {
		t.Fatalf("trigger fired %d times on a notified session", trigger.count())
	}
}

func TestAdminAndSystemMessagesDoNotTrigger(t *testing.T) {
	trigger := &recordingTrigger{}
	svc, _, _ := newTestService(t, WithTrigger(trigger))
	id := mustEnsure(t, svc, "visitor-1")

	if _, err := svc.AppendMessage(context.Background(), id, "staff-1", store.RoleAdmin, "Bom dia"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AppendMessage(context.Background(), id, "system", store.RoleSystem, "Sessão iniciada"); err != nil {
		t.Fatal(err)
	}
	svc.Wait()

	if trigger.count() != 0 {
		t.Fatalf("trigger fired for non-visitor messages")
	}
	s := mustSession(t, svc, id)
	if s.UnreadForUser != 1 || s.UnreadForAdmin != 0 {
		t.Fatalf("unread = admin %d user %d, want 0/1", s.UnreadForAdmin, s.UnreadForUser)
	}
	if s.LastMessagePreview != "Sessão iniciada" {
		t.Fatalf("preview = %q", s.LastMessagePreview)
	}
}

func TestUnreadCountAndMarkOpened(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")

	const n = 5
	for i := 0; i < n; i++ {
		fake.Advance(time.Second)
		if _, err := svc.AppendMessage(ctx, id, "visitor-1", store.RoleUser, fmt.Sprintf("msg %d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := mustSession(t, svc, id).UnreadForAdmin; got != n {
		t.Fatalf("UnreadForAdmin = %d, want %d", got, n)
	}

	fake.Advance(time.Minute)
	for _i := 0; _i < 2; _i++ {
		if err := svc.MarkOpened(ctx, id, store.RoleAdmin); err != nil {
			t.Fatal(err)
		}
	}
	s := mustSession(t, svc, id)
	if s.UnreadForAdmin != 0 {
		t.Fatalf("UnreadForAdmin = %d after open, want 0", s.UnreadForAdmin)
	}
	if s.LastReadAtAdmin == nil || !s.LastReadAtAdmin.Equal(fake.Now()) {
		t.Fatalf("LastReadAtAdmin = %v, want %v", s.LastReadAtAdmin, fake.Now())
	}
	history, _ := svc.History(ctx, id)
	if len(history) != n {
		t.Fatalf("history has %d messages after open, want %d", len(history), n)
	}

	if err := svc.MarkOpened(ctx, id, store.RoleSystem); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("MarkOpened(system) = %v", err)
	}
	if err := svc.MarkOpened(ctx, "nobody", store.RoleUser); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("MarkOpened(missing) = %v", err)
	}
}

func TestAppendMessageValidation(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")

	tests := []struct {
		name    string
		session string
		role    store.Role
		text    string
		want    error
	}{
		{"empty text", id, store.RoleUser, "", ErrEmptyText},
		{"blank text", id, store.RoleUser, "  \n", ErrEmptyText},
		{"bad role", id, store.Role("bot"), "hi", ErrInvalidRole},
		{"missing session", "nobody", store.RoleUser, "hi", store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.AppendMessage(ctx, tt.session, "a", tt.role, tt.text); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	msgs, _ := db.ListMessages(ctx, id)
	if len(msgs) != 0 {
		t.Fatalf("rejected appends wrote %d messages", len(msgs))
	}
}

func TestAppendReopensSessionAndClearsTyping(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")
	if err := db.UpdateSession(ctx, id, store.SessionPatch{Status: store.Ptr(store.StatusClosed)}); err != nil {
		t.Fatal(err)
	}
	svc.SignalTyping(ctx, id, store.RoleUser, true)

	if _, err := svc.AppendMessage(ctx, id, "visitor-1", store.RoleUser, "voltei"); err != nil {
		t.Fatal(err)
	}
	s := mustSession(t, svc, id)
	if s.Status != store.StatusOpen {
		t.Fatalf("status = %q, want open", s.Status)
	}
	if s.TypingUser {
		t.Fatal("sending did not clear the typing flag")
	}
}

func TestIdentityStatusRoundTripsUntouched(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")
	if err := db.UpdateSession(ctx, id, store.SessionPatch{Status: store.Ptr(store.StatusPending)}); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateIdentity(ctx, id, IdentityUpdate{Phone: store.SetString("912345678")}); err != nil {
		t.Fatal(err)
	}
	if got := mustSession(t, svc, id).Status; got != store.StatusPending {
		t.Fatalf("status = %q, want pending", got)
	}
}

func TestUpdateIdentityPartialWrites(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")

	if err := svc.UpdateIdentity(ctx, id, IdentityUpdate{Name: store.SetString("Ana")}); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateIdentity(ctx, id, IdentityUpdate{Email: store.SetString("a@x.pt")}); err != nil {
		t.Fatal(err)
	}
	s := mustSession(t, svc, id)
	if s.Name == nil || *s.Name != "Ana" || s.Email == nil || *s.Email != "a@x.pt" {
		t.Fatalf("identity = %v / %v", s.Name, s.Email)
	}

	if err := svc.UpdateIdentity(ctx, id, IdentityUpdate{Email: store.ClearString()}); err != nil {
		t.Fatal(err)
	}
	s = mustSession(t, svc, id)
	if s.Email != nil || s.Name == nil {
		t.Fatalf("after clearing email: name %v email %v", s.Name, s.Email)
	}

	if err := svc.UpdateIdentity(ctx, "nobody", IdentityUpdate{}); err != nil {
		t.Fatalf("empty update should be a no-op, got %v", err)
	}
}

func TestEnsureSessionWithProfileFillsOnlyOnCreation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	profile := store.Profile{VisitorID: "visitor-1", Name: "Ana", Email: "ana@x.pt"}

	if _, err := svc.EnsureSessionWithProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	s := mustSession(t, svc, "visitor-1")
	if s.Name == nil || *s.Name != "Ana" || s.Email == nil || *s.Email != "ana@x.pt" {
		t.Fatalf("identity after creation = %+v", s)
	}

	if err := svc.UpdateIdentity(ctx, "visitor-1", IdentityUpdate{Name: store.ClearString()}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.EnsureSessionWithProfile(ctx, profile); err != nil {
		t.Fatal(err)
	}
	if s := mustSession(t, svc, "visitor-1"); s.Name != nil {
		t.Fatalf("existing session re-filled: name = %q", *s.Name)
	}

	if _, err := svc.EnsureSessionWithProfile(ctx, store.Profile{}); err != ErrInvalidVisitor {
		t.Fatalf("empty visitor = %v, want ErrInvalidVisitor", err)
	}
}

func TestBackfillIdentityOnlyFillsEmptyFields(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")
	if err := svc.UpdateIdentity(ctx, id, IdentityUpdate{Name: store.SetString("Ana Sousa")}); err != nil {
		t.Fatal(err)
	}

	wrote, err := svc.BackfillIdentity(ctx, id, store.Profile{Name: "Ana", Email: "ana@x.pt"})
	if err != nil || !wrote {
		t.Fatalf("BackfillIdentity = (%v, %v)", wrote, err)
	}
	s := mustSession(t, svc, id)
	if *s.Name != "Ana Sousa" || s.Email == nil || *s.Email != "ana@x.pt" || s.Phone != nil {
		t.Fatalf("identity after backfill = %v %v %v", *s.Name, s.Email, s.Phone)
	}

	wrote, err = svc.BackfillIdentity(ctx, id, store.Profile{Name: "Other", Email: "other@x.pt"})
	if err != nil || wrote {
		t.Fatalf("second BackfillIdentity = (%v, %v), want no write", wrote, err)
	}
}

func TestSubscribeMessagesSeesEveryAppendInOrder(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")

	updates := make(chan []store.Message, 64)
	unsubscribe, err := svc.SubscribeMessages(ctx, id, func(ms []store.Message) { updates <- ms }, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	appended := make(map[string]bool)
	roles := []store.Role{store.RoleUser, store.RoleAdmin}
	for i := 0; i < 10; i++ {
		if i%3 == 0 {
			fake.Advance(time.Millisecond)
		}
		m, err := svc.AppendMessage(ctx, id, "author", roles[i%2], fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatal(err)
		}
		appended[m.ID] = true
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ms := <-updates:
			if len(ms) != len(appended) {
				continue
			}
			for i, m := range ms {
				if !appended[m.ID] {
					t.Fatalf("unknown message %q", m.ID)
				}
				if m.Text != fmt.Sprintf("m%d", i) {
					t.Fatalf("position %d holds %q", i, m.Text)
				}
			}
			return
		case <-deadline:
			t.Fatal("never saw the full message list")
		}
	}
}

func TestSubscribeSessionMetaReportsTyping(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()
	id := mustEnsure(t, svc, "visitor-1")

	metas := make(chan store.ChatSession, 16)
	unsubscribe, err := svc.SubscribeSessionMeta(ctx, id, func(s store.ChatSession) { metas <- s }, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	svc.SignalTyping(ctx, id, store.RoleAdmin, true)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-metas:
			if IsTyping(s, store.RoleAdmin, fake.Now(), TypingStaleAfter) {
				return
			}
		case <-deadline:
			t.Fatal("typing never observed")
		}
	}
}

func TestOppositeRole(t *testing.T) {
	if OppositeRole(store.RoleUser) != store.RoleAdmin || OppositeRole(store.RoleAdmin) != store.RoleUser {
		t.Fatal("OppositeRole mismatch")
	}
}
