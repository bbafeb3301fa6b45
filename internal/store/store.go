// Package store defines the record store contract the chat core is
// built on, and the change feed shared by every backend to implement
// live subscriptions.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Unsubscribe disposes a live subscription. Calling it more than once is
// a no-op.
type Unsubscribe func()

// Store is the document store adapter. All session mutations are
// field-level so concurrent writers never clobber each other's fields.
type Store interface {
	GetSession(ctx context.Context, id string) (*ChatSession, error)

	// CreateSession writes s only if no session with s.ID exists. It
	// reports whether this call created the document.
	CreateSession(ctx context.Context, s ChatSession) (bool, error)

	UpdateSession(ctx context.Context, id string, patch SessionPatch) error

	// AddMessage appends to the session's log, assigning ID, CreatedAt
	// and Seq.
	AddMessage(ctx context.Context, msg Message) (Message, error)

	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	// ListRecentSessions returns sessions whose last message is at or
	// after since, most recent first.
	ListRecentSessions(ctx context.Context, since time.Time) ([]ChatSession, error)

	GetProfile(ctx context.Context, visitorID string) (*Profile, error)

	SubscribeMessages(ctx context.Context, sessionID string, onNext func([]Message), onError func(error)) (Unsubscribe, error)
	SubscribeSession(ctx context.Context, id string, onNext func(ChatSession), onError func(error)) (Unsubscribe, error)

	// SubscribeRecentSessions re-evaluates the window on every change, so
	// since is a function rather than a fixed instant.
	SubscribeRecentSessions(ctx context.Context, since func() time.Time, onNext func([]ChatSession), onError func(error)) (Unsubscribe, error)

	Close() error
}

// Feed topics. Backends publish these after every committed write.
const TopicRecentSessions = "sessions"

func MessagesTopic(sessionID string) string { return "messages:" + sessionID }

func SessionTopic(sessionID string) string { return "session:" + sessionID }
