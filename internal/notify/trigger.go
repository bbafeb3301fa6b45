package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"broker-chat-server/internal/chat"
	"broker-chat-server/internal/store"
)

const (
	placeholderName  = "(sem nome)"
	placeholderEmail = "(sem email)"
	placeholderPhone = "(sem telefone)"
)

type TriggerConfig struct {
	// Enabled is false unless the feature flag and every destination and
	// credential setting are present.
	Enabled     bool
	Destination string
	TemplateID  string
}

// FirstMessageTrigger sends one notification per session, on the first
// visitor message. Delivery is at most once: firstNotified is set after
// the attempt whether or not the send succeeded, and failures are only
// logged.
type FirstMessageTrigger struct {
	store  store.Store
	sender Sender
	cfg    TriggerConfig
	logger *slog.Logger
	clock  func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

var _ chat.Trigger = (*FirstMessageTrigger)(nil)

func NewFirstMessageTrigger(st store.Store, sender Sender, cfg TriggerConfig, logger *slog.Logger) *FirstMessageTrigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &FirstMessageTrigger{
		store:  st,
		sender: sender,
		cfg:    cfg,
		logger: logger,
		clock:  time.Now,
		locks:  make(map[string]*sessionLock),
	}
}

func (t *FirstMessageTrigger) OnFirstVisitorMessage(ctx context.Context, session store.ChatSession, msg store.Message) {
	if !t.cfg.Enabled || t.sender == nil {
		t.logger.Info("first message notification disabled", "session", session.ID)
		return
	}
	if msg.AuthorRole != store.RoleUser {
		return
	}

	unlock := t.lock(session.ID)
	defer unlock()

	current, err := t.store.GetSession(ctx, session.ID)
	if err != nil {
		t.logger.Warn("first message notification: session read failed", "session", session.ID, "error", err)
		return
	}
	if current.FirstNotified {
		return
	}

	if err := t.sender.Send(ctx, t.cfg.Destination, t.cfg.TemplateID, Params(*current, msg, t.clock())); err != nil {
		t.logger.Warn("first message notification failed", "session", session.ID, "error", err)
	} else {
		t.logger.Info("first message notification sent", "session", session.ID)
	}

	if err := t.store.UpdateSession(ctx, session.ID, store.SessionPatch{FirstNotified: store.Ptr(true)}); err != nil {
		t.logger.Error("first message notification: flag write failed", "session", session.ID, "error", err)
	}
}

// Params builds the template parameters, substituting placeholders for
// missing contact details.
func Params(session store.ChatSession, msg store.Message, at time.Time) map[string]string {
	return map[string]string{
		"session_id":    session.ID,
		"visitor_name":  orPlaceholder(session.Name, placeholderName),
		"visitor_email": orPlaceholder(session.Email, placeholderEmail),
		"visitor_phone": orPlaceholder(session.Phone, placeholderPhone),
		"message":       store.Preview(msg.Text),
		"sent_at":       at.UTC().Format(time.RFC3339),
	}
}

func orPlaceholder(v *string, placeholder string) string {
	if v == nil || *v == "" {
		return placeholder
	}
	return *v
}

func (t *FirstMessageTrigger) lock(sessionID string) func() {
	t.mu.Lock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		t.locks[sessionID] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, sessionID)
		}
		t.mu.Unlock()
	}
}
