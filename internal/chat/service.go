// Package chat is the visitor/staff chat core: session lifecycle,
// ordered message log, unread bookkeeping, typing signals and the
// first-message notification hook.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
)

var (
	ErrEmptyText      = errors.New("chat: message text is empty")
	ErrInvalidRole    = errors.New("chat: invalid role")
	ErrInvalidVisitor = errors.New("chat: visitor id is empty")
	ErrForbidden      = errors.New("chat: not allowed")
)

// Trigger reacts to the first visitor message of a session. The service
// calls it asynchronously, at most once per append, only while the
// session's firstNotified flag reads false.
type Trigger interface {
	OnFirstVisitorMessage(ctx context.Context, session store.ChatSession, msg store.Message)
}

type Service struct {
	store   store.Store
	clock   clock.Clock
	trigger Trigger
	logger  *slog.Logger

	inflight sync.WaitGroup
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithTrigger(t Trigger) Option { return func(s *Service) { s.trigger = t } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureSession creates the visitor's session if it does not exist yet.
// The session id is the visitor id, so concurrent callers converge on
// one document.
func (s *Service) EnsureSession(ctx context.Context, visitorID string) (string, error) {
	_, err := s.ensure(ctx, visitorID)
	if err != nil {
		return "", err
	}
	return visitorID, nil
}

// EnsureSessionWithProfile is EnsureSession for an authenticated visitor.
// When this call creates the session, the profile's values are back-filled
// into it once; later calls never touch identity, so a field the visitor
// has since cleared stays cleared.
func (s *Service) EnsureSessionWithProfile(ctx context.Context, p store.Profile) (string, error) {
	created, err := s.ensure(ctx, p.VisitorID)
	if err != nil {
		return "", err
	}
	if created && !p.Empty() {
		if _, err := s.BackfillIdentity(ctx, p.VisitorID, p); err != nil {
			s.logger.Warn("identity back-fill failed", "session", p.VisitorID, "error", err)
		}
	}
	return p.VisitorID, nil
}

func (s *Service) ensure(ctx context.Context, visitorID string) (bool, error) {
	if strings.TrimSpace(visitorID) == "" {
		return false, ErrInvalidVisitor
	}
	created, err := s.store.CreateSession(ctx, store.ChatSession{
		ID:        visitorID,
		Status:    store.StatusOpen,
		CreatedAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("ensure session %s: %w", visitorID, err)
	}
	if created {
		s.logger.Info("chat session created", "session", visitorID)
	}
	return created, nil
}

// IdentityUpdate carries the visitor-editable contact fields. Unset
// fields are left untouched; store.ClearString() clears one.
type IdentityUpdate struct {
	Name  store.StringField
	Email store.StringField
	Phone store.StringField
}

func (u IdentityUpdate) patch() store.SessionPatch {
	return store.SessionPatch{Name: u.Name, Email: u.Email, Phone: u.Phone}
}

// Merge layers next over u.
func (u IdentityUpdate) Merge(next IdentityUpdate) IdentityUpdate {
	if next.Name.Set {
		u.Name = next.Name
	}
	if next.Email.Set {
		u.Email = next.Email
	}
	if next.Phone.Set {
		u.Phone = next.Phone
	}
	return u
}

func (s *Service) UpdateIdentity(ctx context.Context, sessionID string, u IdentityUpdate) error {
	patch := u.patch()
	if patch.Empty() {
		return nil
	}
	if err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		return fmt.Errorf("update identity %s: %w", sessionID, err)
	}
	return nil
}

// BackfillIdentity copies profile values into the session for fields
// that are still empty. It reports whether anything was written.
func (s *Service) BackfillIdentity(ctx context.Context, sessionID string, p store.Profile) (bool, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("backfill identity %s: %w", sessionID, err)
	}
	var u IdentityUpdate
	fill := func(dst *store.StringField, current *string, value string) {
		if value != "" && (current == nil || *current == "") {
			*dst = store.SetString(value)
		}
	}
	fill(&u.Name, session.Name, p.Name)
	fill(&u.Email, session.Email, p.Email)
	fill(&u.Phone, session.Phone, p.Phone)
	if u.patch().Empty() {
		return false, nil
	}
	if err := s.UpdateIdentity(ctx, sessionID, u); err != nil {
		return false, err
	}
	return true, nil
}

// MarkOpened resets the role's unread counter and stamps its read time.
// Safe to call repeatedly.
func (s *Service) MarkOpened(ctx context.Context, sessionID string, role store.Role) error {
	now := s.clock.Now().UTC()
	var patch store.SessionPatch
	switch role {
	case store.RoleAdmin:
		patch.UnreadForAdmin = store.Ptr(0)
		patch.LastReadAtAdmin = &now
	case store.RoleUser:
		patch.UnreadForUser = store.Ptr(0)
		patch.LastReadAtUser = &now
	default:
		return ErrInvalidRole
	}
	if err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		return fmt.Errorf("mark opened %s: %w", sessionID, err)
	}
	return nil
}

// AppendMessage writes a message and then updates the session's preview,
// unread counter, status and the sender's typing flag in one partial
// update. The two writes are not transactional: when the session update
// fails the message stays durable and the error is only logged, since
// the next append rewrites the same fields.
func (s *Service) AppendMessage(ctx context.Context, sessionID, authorID string, role store.Role, text string) (store.Message, error) {
	if !role.Valid() {
		return store.Message{}, ErrInvalidRole
	}
	if strings.TrimSpace(text) == "" {
		return store.Message{}, ErrEmptyText
	}
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return store.Message{}, fmt.Errorf("append message %s: %w", sessionID, err)
	}

	msg, err := s.store.AddMessage(ctx, store.Message{
		SessionID:  sessionID,
		AuthorID:   authorID,
		AuthorRole: role,
		Text:       text,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("append message %s: %w", sessionID, err)
	}

	at := msg.CreatedAt
	patch := store.SessionPatch{
		Status:             store.Ptr(store.StatusOpen),
		LastMessageAt:      &at,
		LastMessagePreview: store.Ptr(store.Preview(text)),
	}
	switch role {
	case store.RoleUser:
		patch.IncUnreadAdmin = 1
		patch.TypingUser = store.Ptr(false)
		patch.TypingUserAt = &at
	case store.RoleAdmin:
		patch.IncUnreadUser = 1
		patch.TypingAdmin = store.Ptr(false)
		patch.TypingAdminAt = &at
	}
	if err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		s.logger.Warn("session update after message failed",
			"session", sessionID, "message", msg.ID, "error", err)
		return msg, nil
	}

	if role == store.RoleUser {
		s.maybeTrigger(ctx, sessionID, msg)
	}
	return msg, nil
}

func (s *Service) maybeTrigger(ctx context.Context, sessionID string, msg store.Message) {
	if s.trigger == nil {
		return
	}
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("first message check failed", "session", sessionID, "error", err)
		return
	}
	if session.FirstNotified {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.trigger.OnFirstVisitorMessage(context.WithoutCancel(ctx), *session, msg)
	}()
}

// Wait blocks until every dispatched trigger call has returned.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// History returns the session's messages in order.
func (s *Service) History(ctx context.Context, sessionID string) ([]store.Message, error) {
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", sessionID, err)
	}
	return msgs, nil
}

func (s *Service) Session(ctx context.Context, sessionID string) (*store.ChatSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// SubscribeMessages streams the full ordered message list on every
// change. The caller must invoke the returned Unsubscribe on teardown.
func (s *Service) SubscribeMessages(ctx context.Context, sessionID string, onNext func([]store.Message), onError func(error)) (store.Unsubscribe, error) {
	return s.store.SubscribeMessages(ctx, sessionID, onNext, onError)
}

// SubscribeSessionMeta streams the session document, independent of the
// message stream.
func (s *Service) SubscribeSessionMeta(ctx context.Context, sessionID string, onNext func(store.ChatSession), onError func(error)) (store.Unsubscribe, error) {
	return s.store.SubscribeSession(ctx, sessionID, onNext, onError)
}

// OppositeRole returns the role that reads what role writes.
func OppositeRole(role store.Role) store.Role {
	if role == store.RoleAdmin {
		return store.RoleUser
	}
	return store.RoleAdmin
}
