package store

import (
	"time"
	"unicode/utf8"
)

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known author roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin || r == RoleSystem
}

type Status string

const (
	StatusOpen    Status = "open"
	StatusPending Status = "pending"
	StatusClosed  Status = "closed"
)

// ChatSession is the per-visitor conversation document. Its ID is the
// visitor id.
type ChatSession struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	FirstNotified bool      `json:"first_notified"`
	CreatedAt     time.Time `json:"created_at"`

	LastMessageAt      *time.Time `json:"last_message_at"`
	LastMessagePreview string     `json:"last_message_preview"`

	UnreadForAdmin  int        `json:"unread_for_admin"`
	UnreadForUser   int        `json:"unread_for_user"`
	LastReadAtAdmin *time.Time `json:"last_read_at_admin"`
	LastReadAtUser  *time.Time `json:"last_read_at_user"`

	Name  *string `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`

	TypingAdmin   bool       `json:"typing_admin"`
	TypingAdminAt *time.Time `json:"typing_admin_at"`
	TypingUser    bool       `json:"typing_user"`
	TypingUserAt  *time.Time `json:"typing_user_at"`
}

// HasIdentity reports whether any of name, email or phone is set.
func (s *ChatSession) HasIdentity() bool {
	return nonEmpty(s.Name) || nonEmpty(s.Email) || nonEmpty(s.Phone)
}

func nonEmpty(p *string) bool { return p != nil && *p != "" }

// Message is an immutable entry in a session's ordered log. Seq is
// assigned by the store and only orders messages of one session that
// share a CreatedAt.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole Role      `json:"author_role"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
	Seq        int64     `json:"seq"`
}

// Less orders messages by creation time, then insertion order.
func (m Message) Less(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Seq < other.Seq
}

// Profile is the visitor's account record kept by the identity side of
// the site. The admin dock reads it to enrich anonymous sessions.
type Profile struct {
	VisitorID string `json:"visitor_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
}

// Empty reports whether the profile carries no identity at all.
func (p *Profile) Empty() bool {
	return p == nil || (p.Name == "" && p.Email == "" && p.Phone == "")
}

const PreviewLength = 140

// Preview truncates text to PreviewLength characters.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	r := []rune(text)
	return string(r[:PreviewLength])
}
