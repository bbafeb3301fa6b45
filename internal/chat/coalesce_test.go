package chat

import (
	"sync"
	"testing"
	"time"

	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
)

type flushLog struct {
	mu     sync.Mutex
	writes map[string][]int
}

func (f *flushLog) record(key string, v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = make(map[string][]int)
	}
	f.writes[key] = append(f.writes[key], v)
}

func sum(a, b int) int { return a + b }

func TestCoalescerMergesBurstIntoOneWrite(t *testing.T) {
	fake := clock.Fake(epoch)
	var log flushLog
	c := NewCoalescer(fake, 600*time.Millisecond, sum, log.record)

	for _i := 0; _i < 5; _i++ {
		c.Submit("a", 1)
		fake.Advance(100 * time.Millisecond)
	}
	c.Submit("b", 10)
	if len(log.writes) != 0 {
		t.Fatalf("flushed during burst: %v", log.writes)
	}

	fake.Advance(600 * time.Millisecond)
	if got := log.writes["a"]; len(got) != 1 || got[0] != 5 {
		t.Fatalf("writes for a = %v, want [5]", got)
	}
	if got := log.writes["b"]; len(got) != 1 || got[0] != 10 {
		t.Fatalf("writes for b = %v, want [10]", got)
	}
	if c.Pending() != 0 {
		t.Fatalf("pending = %d", c.Pending())
	}
}

func TestCoalescerFlushAndClose(t *testing.T) {
	fake := clock.Fake(epoch)
	var log flushLog
	c := NewCoalescer(fake, time.Second, sum, log.record)

	c.Submit("a", 2)
	c.Flush("a")
	c.Flush("a")
	if got := log.writes["a"]; len(got) != 1 || got[0] != 2 {
		t.Fatalf("writes after Flush = %v", got)
	}
	fake.Advance(2 * time.Second)
	if got := log.writes["a"]; len(got) != 1 {
		t.Fatalf("timer fired after Flush: %v", got)
	}

	c.Submit("b", 3)
	c.Close()
	if got := log.writes["b"]; len(got) != 1 || got[0] != 3 {
		t.Fatalf("writes after Close = %v", got)
	}
	c.Submit("c", 4)
	if got := log.writes["c"]; len(got) != 1 {
		t.Fatalf("Submit after Close did not write through: %v", log.writes)
	}
}

func TestIdentityWriterDebouncesEdits(t *testing.T) {
	svc, _, fake := newTestService(t)
	id := mustEnsure(t, svc, "visitor-1")
	w := NewIdentityWriter(svc, fake, IdentityDebounce)

	for _, partial := range []string{"A", "An", "Ana"} {
		w.Submit(id, IdentityUpdate{Name: store.SetString(partial)})
		fake.Advance(200 * time.Millisecond)
	}
	w.Submit(id, IdentityUpdate{Email: store.SetString("a@x.pt")})
	if s := mustSession(t, svc, id); s.Name != nil {
		t.Fatalf("identity written before the quiet period: %v", *s.Name)
	}

	fake.Advance(IdentityDebounce)
	s := mustSession(t, svc, id)
	if s.Name == nil || *s.Name != "Ana" || s.Email == nil || *s.Email != "a@x.pt" {
		t.Fatalf("identity = %v / %v, want Ana / a@x.pt", s.Name, s.Email)
	}

	w.Submit(id, IdentityUpdate{Phone: store.SetString("912345678")})
	w.Close()
	if s := mustSession(t, svc, id); s.Phone == nil {
		t.Fatal("Close did not flush pending edits")
	}
}
