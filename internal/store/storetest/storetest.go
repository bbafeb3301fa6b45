// Package storetest is a conformance suite every store.Store backend
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"broker-chat-server/internal/store"
)

// Factory returns an empty store. Cleanup is the caller's business
// (t.Cleanup inside the factory).
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("CreateSessionIsIdempotentUnderConcurrency", func(t *testing.T) { testCreateConcurrent(t, newStore(t)) })
	t.Run("UpdateUnknownSession", func(t *testing.T) { testUpdateUnknown(t, newStore(t)) })
	t.Run("PartialIdentityUpdates", func(t *testing.T) { testPartialIdentity(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("StatusRoundTrip", func(t *testing.T) { testStatusRoundTrip(t, newStore(t)) })
	t.Run("MessagesOrdered", func(t *testing.T) { testMessagesOrdered(t, newStore(t)) })
	t.Run("RecentSessions", func(t *testing.T) { testRecentSessions(t, newStore(t)) })
	t.Run("SubscribeMessages", func(t *testing.T) { testSubscribeMessages(t, newStore(t)) })
	t.Run("SubscribeSession", func(t *testing.T) { testSubscribeSession(t, newStore(t)) })
}

func uniqueID(t *testing.T) string {
	return fmt.Sprintf("visitor-%s-%d", t.Name(), time.Now().UnixNano())
}

func mustCreate(t *testing.T, s store.Store, id string) {
	t.Helper()
	if _, err := s.CreateSession(context.Background(), store.ChatSession{ID: id, Status: store.StatusOpen}); err != nil {
		t.Fatalf("CreateSession(%q): %v", id, err)
	}
}

func mustGet(t *testing.T, s store.Store, id string) *store.ChatSession {
	t.Helper()
	session, err := s.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%q): %v", id, err)
	}
	return session
}

func testCreateConcurrent(t *testing.T, s store.Store) {
	id := uniqueID(t)
	const callers = 8
	var wg sync.WaitGroup
	created := make(chan bool, callers)
	for _i := 0; _i < callers; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CreateSession(context.Background(), store.ChatSession{ID: id, Status: store.StatusOpen})
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			created <- ok
		}()
	}
	wg.Wait()
	close(created)

	n := 0
	for ok := range created {
		if ok {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d callers created the session, want exactly 1", n)
	}

	// A later create must not reset fields written since.
	if err := s.UpdateSession(context.Background(), id, store.SessionPatch{IncUnreadAdmin: 3}); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if ok, err := s.CreateSession(context.Background(), store.ChatSession{ID: id, Status: store.StatusOpen}); err != nil || ok {
		t.Fatalf("second CreateSession = (%v, %v), want (false, nil)", ok, err)
	}
	if got := mustGet(t, s, id).UnreadForAdmin; got != 3 {
		t.Fatalf("UnreadForAdmin = %d after re-create, want 3", got)
	}
}

func testUpdateUnknown(t *testing.T, s store.Store) {
	err := s.UpdateSession(context.Background(), uniqueID(t), store.SessionPatch{IncUnreadUser: 1})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("UpdateSession on missing session = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(context.Background(), uniqueID(t)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("GetSession on missing session = %v, want ErrNotFound", err)
	}
}

func testPartialIdentity(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uniqueID(t)
	mustCreate(t, s, id)

	if err := s.UpdateSession(ctx, id, store.SessionPatch{Name: store.SetString("Ana")}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateSession(ctx, id, store.SessionPatch{Email: store.SetString("a@x.pt")}); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, s, id)
	if got.Name == nil || *got.Name != "Ana" || got.Email == nil || *got.Email != "a@x.pt" {
		t.Fatalf("identity = name %v email %v, want Ana / a@x.pt", got.Name, got.Email)
	}
	if got.Phone != nil {
		t.Fatalf("phone = %q, want nil", *got.Phone)
	}

	if err := s.UpdateSession(ctx, id, store.SessionPatch{Name: store.ClearString()}); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, s, id)
	if got.Name != nil {
		t.Fatalf("name = %q after clear, want nil", *got.Name)
	}
	if got.Email == nil || *got.Email != "a@x.pt" {
		t.Fatal("clearing name touched email")
	}
}

func testConcurrentIncrements(t *testing.T, s store.Store) {
	id := uniqueID(t)
	mustCreate(t, s, id)

	const writers = 25
	var wg sync.WaitGroup
	for _i := 0; _i < writers; _i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.UpdateSession(context.Background(), id, store.SessionPatch{IncUnreadAdmin: 1, IncUnreadUser: 1}); err != nil {
				t.Errorf("UpdateSession: %v", err)
			}
		}()
	}
	wg.Wait()

	got := mustGet(t, s, id)
	if got.UnreadForAdmin != writers || got.UnreadForUser != writers {
		t.Fatalf("unread = admin %d user %d, want %d each", got.UnreadForAdmin, got.UnreadForUser, writers)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateSession(context.Background(), id, store.SessionPatch{UnreadForAdmin: store.Ptr(0), LastReadAtAdmin: &now}); err != nil {
		t.Fatal(err)
	}
	got = mustGet(t, s, id)
	if got.UnreadForAdmin != 0 || got.UnreadForUser != writers {
		t.Fatalf("after reset unread = admin %d user %d", got.UnreadForAdmin, got.UnreadForUser)
	}
	if got.LastReadAtAdmin == nil || !got.LastReadAtAdmin.Equal(now) {
		t.Fatalf("LastReadAtAdmin = %v, want %v", got.LastReadAtAdmin, now)
	}
}

func testStatusRoundTrip(t *testing.T, s store.Store) {
	id := uniqueID(t)
	mustCreate(t, s, id)
	for _, status := range []store.Status{store.StatusPending, store.StatusClosed, store.StatusOpen} {
		if err := s.UpdateSession(context.Background(), id, store.SessionPatch{Status: &status}); err != nil {
			t.Fatal(err)
		}
		if got := mustGet(t, s, id).Status; got != status {
			t.Fatalf("status = %q, want %q", got, status)
		}
	}
}

func testMessagesOrdered(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uniqueID(t)
	mustCreate(t, s, id)

	want := make(map[string]bool)
	for i := 0; i < 20; i++ {
		msg, err := s.AddMessage(ctx, store.Message{
			SessionID:  id,
			AuthorID:   id,
			AuthorRole: store.RoleUser,
			Text:       fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		if msg.ID == "" || msg.CreatedAt.IsZero() {
			t.Fatalf("AddMessage did not assign id/createdAt: %+v", msg)
		}
		want[msg.ID] = true
	}

	got, err := s.ListMessages(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("listed %d messages, want %d", len(got), len(want))
	}
	for i, m := range got {
		if !want[m.ID] {
			t.Fatalf("unexpected message %q", m.ID)
		}
		delete(want, m.ID)
		if m.Text != fmt.Sprintf("message %d", i) {
			t.Fatalf("position %d holds %q", i, m.Text)
		}
		if i > 0 && !got[i-1].Less(m) {
			t.Fatalf("messages %d and %d out of order", i-1, i)
		}
	}
}

func testRecentSessions(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)
	old, mid, fresh := uniqueID(t)+"-old", uniqueID(t)+"-mid", uniqueID(t)+"-fresh"
	for id, at := range map[string]time.Time{
		old:   base.Add(-48 * time.Hour),
		mid:   base.Add(-2 * time.Hour),
		fresh: base.Add(-time.Minute),
	} {
		mustCreate(t, s, id)
		if err := s.UpdateSession(ctx, id, store.SessionPatch{LastMessageAt: &at}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListRecentSessions(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, session := range got {
		if session.ID == old || session.ID == mid || session.ID == fresh {
			ids = append(ids, session.ID)
		}
	}
	if len(ids) != 2 || ids[0] != fresh || ids[1] != mid {
		t.Fatalf("recent sessions = %v, want [%s %s]", ids, fresh, mid)
	}
}

func testSubscribeMessages(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uniqueID(t)
	mustCreate(t, s, id)
	if _, err := s.AddMessage(ctx, store.Message{SessionID: id, AuthorID: id, AuthorRole: store.RoleUser, Text: "first"}); err != nil {
		t.Fatal(err)
	}

	updates := make(chan []store.Message, 16)
	unsubscribe, err := s.SubscribeMessages(ctx, id, func(ms []store.Message) { updates <- ms }, func(err error) { t.Errorf("subscription error: %v", err) })
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	if got := waitFor(t, updates, func(ms []store.Message) bool { return len(ms) == 1 }); got[0].Text != "first" {
		t.Fatalf("initial snapshot = %+v", got)
	}
	if _, err := s.AddMessage(ctx, store.Message{SessionID: id, AuthorID: "staff", AuthorRole: store.RoleAdmin, Text: "second"}); err != nil {
		t.Fatal(err)
	}
	got := waitFor(t, updates, func(ms []store.Message) bool { return len(ms) == 2 })
	if got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("snapshot after append = %+v", got)
	}
	unsubscribe()
	unsubscribe()
}

func testSubscribeSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uniqueID(t)
	mustCreate(t, s, id)

	updates := make(chan store.ChatSession, 16)
	unsubscribe, err := s.SubscribeSession(ctx, id, func(cs store.ChatSession) { updates <- cs }, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	waitFor(t, updates, func(cs store.ChatSession) bool { return cs.ID == id })
	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateSession(ctx, id, store.SessionPatch{TypingUser: store.Ptr(true), TypingUserAt: &at}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, updates, func(cs store.ChatSession) bool { return cs.TypingUser })
}

// waitFor drains ch until match accepts a value or five seconds pass.
func waitFor[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for subscription update")
		}
	}
}
