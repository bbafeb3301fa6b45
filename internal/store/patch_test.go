package store

import (
	"testing"
	"time"
)

func TestApplyLeavesOmittedFieldsAlone(t *testing.T) {
	name := "Ana"
	s := ChatSession{ID: "v1", Name: &name, Status: StatusClosed, UnreadForUser: 4}

	SessionPatch{Email: SetString("a@x.pt")}.Apply(&s)

	if s.Name == nil || *s.Name != "Ana" {
		t.Fatalf("name = %v, want Ana", s.Name)
	}
	if s.Email == nil || *s.Email != "a@x.pt" {
		t.Fatalf("email = %v, want a@x.pt", s.Email)
	}
	if s.Status != StatusClosed || s.UnreadForUser != 4 {
		t.Fatalf("untouched fields changed: %+v", s)
	}
}

func TestApplyClampsCounters(t *testing.T) {
	s := ChatSession{UnreadForAdmin: 1}
	SessionPatch{IncUnreadAdmin: -5}.Apply(&s)
	if s.UnreadForAdmin != 0 {
		t.Fatalf("UnreadForAdmin = %d, want 0", s.UnreadForAdmin)
	}
}

func TestApplyResetThenIncrement(t *testing.T) {
	s := ChatSession{UnreadForAdmin: 7}
	SessionPatch{UnreadForAdmin: Ptr(0), IncUnreadAdmin: 1}.Apply(&s)
	if s.UnreadForAdmin != 1 {
		t.Fatalf("UnreadForAdmin = %d, want 1", s.UnreadForAdmin)
	}
}

func TestMergeLaterFieldsWin(t *testing.T) {
	first := SessionPatch{Name: SetString("A"), Phone: SetString("91"), IncUnreadUser: 1}
	second := SessionPatch{Name: SetString("Ana"), Phone: ClearString(), IncUnreadUser: 2}

	merged := first.Merge(second)
	if merged.Name.Value != "Ana" || !merged.Phone.Null || merged.IncUnreadUser != 3 {
		t.Fatalf("merged = %+v", merged)
	}
	if first.Name.Value != "A" {
		t.Fatal("Merge mutated the receiver")
	}
}

func TestEmpty(t *testing.T) {
	if !(SessionPatch{}).Empty() {
		t.Fatal("zero patch not empty")
	}
	if (SessionPatch{Phone: ClearString()}).Empty() {
		t.Fatal("clearing patch reported empty")
	}
	at := time.Now()
	if (SessionPatch{TypingUserAt: &at}).Empty() {
		t.Fatal("typing patch reported empty")
	}
}

func TestPreviewCountsCharacters(t *testing.T) {
	short := "Olá"
	if got := Preview(short); got != short {
		t.Fatalf("Preview(%q) = %q", short, got)
	}
	long := ""
	for _i := 0; _i < 150; _i++ {
		long += "ç"
	}
	got := []rune(Preview(long))
	if len(got) != PreviewLength {
		t.Fatalf("preview has %d characters, want %d", len(got), PreviewLength)
	}
}

func TestHasIdentity(t *testing.T) {
	empty := ""
	phone := "912345678"
	if (&ChatSession{Name: &empty}).HasIdentity() {
		t.Fatal("empty name counted as identity")
	}
	if !(&ChatSession{Phone: &phone}).HasIdentity() {
		t.Fatal("phone not counted as identity")
	}
}
