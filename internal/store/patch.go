package store

import "time"

// StringField is a nullable partial-update value. The zero value leaves
// the stored field untouched; SetString writes a value and ClearString
// writes null.
type StringField struct {
	Set   bool
	Null  bool
	Value string
}

func SetString(v string) StringField { return StringField{Set: true, Value: v} }

func ClearString() StringField { return StringField{Set: true, Null: true} }

func (f StringField) apply(dst **string) {
	if !f.Set {
		return
	}
	if f.Null {
		*dst = nil
		return
	}
	v := f.Value
	*dst = &v
}

// Ptr returns the value to store, nil for a cleared field.
func (f StringField) Ptr() *string {
	if f.Null {
		return nil
	}
	v := f.Value
	return &v
}

// SessionPatch is a field-level update of a ChatSession. Nil pointers and
// unset StringFields are left alone. IncUnread* are atomic increments
// applied by the store; the Unread* pointers overwrite the counter.
type SessionPatch struct {
	Status        *Status
	FirstNotified *bool

	LastMessageAt      *time.Time
	LastMessagePreview *string

	IncUnreadAdmin  int
	IncUnreadUser   int
	UnreadForAdmin  *int
	UnreadForUser   *int
	LastReadAtAdmin *time.Time
	LastReadAtUser  *time.Time

	Name  StringField
	Email StringField
	Phone StringField

	TypingAdmin   *bool
	TypingAdminAt *time.Time
	TypingUser    *bool
	TypingUserAt  *time.Time
}

// Empty reports whether applying the patch would change nothing.
func (p SessionPatch) Empty() bool {
	return p.Status == nil && p.FirstNotified == nil &&
		p.LastMessageAt == nil && p.LastMessagePreview == nil &&
		p.IncUnreadAdmin == 0 && p.IncUnreadUser == 0 &&
		p.UnreadForAdmin == nil && p.UnreadForUser == nil &&
		p.LastReadAtAdmin == nil && p.LastReadAtUser == nil &&
		!p.Name.Set && !p.Email.Set && !p.Phone.Set &&
		p.TypingAdmin == nil && p.TypingAdminAt == nil &&
		p.TypingUser == nil && p.TypingUserAt == nil
}

// Merge layers next over p: later set fields win, increments add up.
func (p SessionPatch) Merge(next SessionPatch) SessionPatch {
	out := p
	if next.Status != nil {
		out.Status = next.Status
	}
	if next.FirstNotified != nil {
		out.FirstNotified = next.FirstNotified
	}
	if next.LastMessageAt != nil {
		out.LastMessageAt = next.LastMessageAt
	}
	if next.LastMessagePreview != nil {
		out.LastMessagePreview = next.LastMessagePreview
	}
	out.IncUnreadAdmin += next.IncUnreadAdmin
	out.IncUnreadUser += next.IncUnreadUser
	if next.UnreadForAdmin != nil {
		out.UnreadForAdmin = next.UnreadForAdmin
	}
	if next.UnreadForUser != nil {
		out.UnreadForUser = next.UnreadForUser
	}
	if next.LastReadAtAdmin != nil {
		out.LastReadAtAdmin = next.LastReadAtAdmin
	}
	if next.LastReadAtUser != nil {
		out.LastReadAtUser = next.LastReadAtUser
	}
	if next.Name.Set {
		out.Name = next.Name
	}
	if next.Email.Set {
		out.Email = next.Email
	}
	if next.Phone.Set {
		out.Phone = next.Phone
	}
	if next.TypingAdmin != nil {
		out.TypingAdmin = next.TypingAdmin
	}
	if next.TypingAdminAt != nil {
		out.TypingAdminAt = next.TypingAdminAt
	}
	if next.TypingUser != nil {
		out.TypingUser = next.TypingUser
	}
	if next.TypingUserAt != nil {
		out.TypingUserAt = next.TypingUserAt
	}
	return out
}

// Apply mutates s in place. Counters never go below zero.
func (p SessionPatch) Apply(s *ChatSession) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.FirstNotified != nil {
		s.FirstNotified = *p.FirstNotified
	}
	if p.LastMessageAt != nil {
		t := *p.LastMessageAt
		s.LastMessageAt = &t
	}
	if p.LastMessagePreview != nil {
		s.LastMessagePreview = *p.LastMessagePreview
	}
	if p.UnreadForAdmin != nil {
		s.UnreadForAdmin = *p.UnreadForAdmin
	}
	if p.UnreadForUser != nil {
		s.UnreadForUser = *p.UnreadForUser
	}
	s.UnreadForAdmin = max(s.UnreadForAdmin+p.IncUnreadAdmin, 0)
	s.UnreadForUser = max(s.UnreadForUser+p.IncUnreadUser, 0)
	if p.LastReadAtAdmin != nil {
		t := *p.LastReadAtAdmin
		s.LastReadAtAdmin = &t
	}
	if p.LastReadAtUser != nil {
		t := *p.LastReadAtUser
		s.LastReadAtUser = &t
	}
	p.Name.apply(&s.Name)
	p.Email.apply(&s.Email)
	p.Phone.apply(&s.Phone)
	if p.TypingAdmin != nil {
		s.TypingAdmin = *p.TypingAdmin
	}
	if p.TypingAdminAt != nil {
		t := *p.TypingAdminAt
		s.TypingAdminAt = &t
	}
	if p.TypingUser != nil {
		s.TypingUser = *p.TypingUser
	}
	if p.TypingUserAt != nil {
		t := *p.TypingUserAt
		s.TypingUserAt = &t
	}
}

// Ptr is a convenience for building patches.
func Ptr[T any](v T) *T { return &v }
