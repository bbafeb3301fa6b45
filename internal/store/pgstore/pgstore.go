// Package pgstore is a store.Store on PostgreSQL. Change signals travel
// through LISTEN/NOTIFY so every server instance sharing the database
// sees every write.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"broker-chat-server/internal/store"
)

const channel = "chat_changes"

type Store struct {
	db       *sql.DB
	listener *pq.Listener
	feed     *store.Feed
	logger   *slog.Logger
	done     chan struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects, applies the schema and starts listening for changes.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}

	s := &Store{
		db:     db,
		feed:   store.NewFeed(),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, 10*time.Second, time.Minute, s.listenerEvent)
	if err := s.listener.Listen(channel); err != nil {
		s.listener.Close()
		db.Close()
		return nil, fmt.Errorf("db listen: %w", err)
	}
	go s.dispatch()
	return s, nil
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		s.logger.Warn("postgres listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		s.logger.Info("postgres listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("postgres listener reconnect failed", "error", err)
	}
}

func (s *Store) dispatch() {
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-s.done:
			return
		case n := <-s.listener.Notify:
			if n == nil {
				// Reconnected; notifications sent meanwhile are lost.
				s.feed.PublishAll()
				continue
			}
			s.feed.Publish(strings.Split(n.Extra, ",")...)
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Warn("postgres listener ping failed", "error", err)
			}
		}
	}
}

func (s *Store) notify(ctx context.Context, topics ...string) {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, strings.Join(topics, ",")); err != nil {
		s.logger.Warn("postgres notify failed", "topics", topics, "error", err)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*store.ChatSession, error) {
	var (
		cs                                 store.ChatSession
		status                             string
		lastMessageAt, readAdmin, readUser sql.NullTime
		typingAdminAt, typingUserAt        sql.NullTime
		name, email, phone                 sql.NullString
	)
	err := row.Scan(
		&cs.ID, &status, &cs.FirstNotified, &cs.CreatedAt, &lastMessageAt,
		&cs.LastMessagePreview, &cs.UnreadForAdmin, &cs.UnreadForUser,
		&readAdmin, &readUser, &name, &email, &phone,
		&cs.TypingAdmin, &typingAdminAt, &cs.TypingUser, &typingUserAt,
	)
	if err != nil {
		return nil, err
	}
	cs.Status = store.Status(status)
	cs.LastMessageAt = timePtr(lastMessageAt)
	cs.LastReadAtAdmin = timePtr(readAdmin)
	cs.LastReadAtUser = timePtr(readUser)
	cs.TypingAdminAt = timePtr(typingAdminAt)
	cs.TypingUserAt = timePtr(typingUserAt)
	cs.Name = stringPtr(name)
	cs.Email = stringPtr(email)
	cs.Phone = stringPtr(phone)
	return &cs, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
	cs, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return cs, err
}

func (s *Store) CreateSession(ctx context.Context, cs store.ChatSession) (bool, error) {
	if cs.Status == "" {
		cs.Status = store.StatusOpen
	}
	createdAt := sql.NullTime{Time: cs.CreatedAt, Valid: !cs.CreatedAt.IsZero()}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, status, first_notified, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
		ON CONFLICT (id) DO NOTHING
	`, cs.ID, string(cs.Status), cs.FirstNotified, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	s.notify(ctx, store.SessionTopic(cs.ID), store.TopicRecentSessions)
	return true, nil
}

// buildUpdate renders patch as a single UPDATE. Increments are computed
// by the database so concurrent writers never lose one.
func buildUpdate(id string, p store.SessionPatch) (string, []any) {
	var sets []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	set := func(col string, v any) {
		sets = append(sets, col+" = "+arg(v))
	}
	counter := func(col string, reset *int, inc int) {
		if reset == nil && inc == 0 {
			return
		}
		base := col
		if reset != nil {
			base = arg(*reset) + "::int"
		}
		sets = append(sets, fmt.Sprintf("%s = GREATEST(%s + %s::int, 0)", col, base, arg(inc)))
	}

	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.FirstNotified != nil {
		set("first_notified", *p.FirstNotified)
	}
	if p.LastMessageAt != nil {
		set("last_message_at", *p.LastMessageAt)
	}
	if p.LastMessagePreview != nil {
		set("last_message_preview", *p.LastMessagePreview)
	}
	counter("unread_for_admin", p.UnreadForAdmin, p.IncUnreadAdmin)
	counter("unread_for_user", p.UnreadForUser, p.IncUnreadUser)
	if p.LastReadAtAdmin != nil {
		set("last_read_at_admin", *p.LastReadAtAdmin)
	}
	if p.LastReadAtUser != nil {
		set("last_read_at_user", *p.LastReadAtUser)
	}
	if p.Name.Set {
		set("name", p.Name.Ptr())
	}
	if p.Email.Set {
		set("email", p.Email.Ptr())
	}
	if p.Phone.Set {
		set("phone", p.Phone.Ptr())
	}
	if p.TypingAdmin != nil {
		set("typing_admin", *p.TypingAdmin)
	}
	if p.TypingAdminAt != nil {
		set("typing_admin_at", *p.TypingAdminAt)
	}
	if p.TypingUser != nil {
		set("typing_user", *p.TypingUser)
	}
	if p.TypingUserAt != nil {
		set("typing_user_at", *p.TypingUserAt)
	}

	query := "UPDATE chat_sessions SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(id)
	return query, args
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) error {
	if patch.Empty() {
		_, err := s.GetSession(ctx, id)
		return err
	}
	query, args := buildUpdate(id, patch)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	s.notify(ctx, store.SessionTopic(id), store.TopicRecentSessions)
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, session_id, author_id, author_role, text)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq, created_at
	`, msg.ID, msg.SessionID, msg.AuthorID, string(msg.AuthorRole), msg.Text).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return store.Message{}, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	s.notify(ctx, store.MessagesTopic(msg.SessionID))
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, author_id, author_role, text, created_at, seq
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.Message{}
	for rows.Next() {
		var m store.Message
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &m.AuthorID, &role, &m.Text, &m.CreatedAt, &m.Seq); err != nil {
			return nil, err
		}
		m.AuthorRole = store.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListRecentSessions(ctx context.Context, since time.Time) ([]store.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM chat_sessions
		WHERE last_message_at >= $1
		ORDER BY last_message_at DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ChatSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, visitorID string) (*store.Profile, error) {
	p := store.Profile{VisitorID: visitorID}
	err := s.db.QueryRowContext(ctx, `
		SELECT name, email, phone FROM visitor_profiles WHERE visitor_id = $1
	`, visitorID).Scan(&p.Name, &p.Email, &p.Phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PutProfile upserts a visitor profile.
func (s *Store) PutProfile(ctx context.Context, p store.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visitor_profiles (visitor_id, name, email, phone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (visitor_id) DO UPDATE
		SET name = EXCLUDED.name, email = EXCLUDED.email, phone = EXCLUDED.phone
	`, p.VisitorID, p.Name, p.Email, p.Phone)
	return err
}

func (s *Store) SubscribeMessages(ctx context.Context, sessionID string, onNext func([]store.Message), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) ([]store.Message, error) {
		return s.ListMessages(ctx, sessionID)
	}
	return store.Watch(ctx, s.feed, store.MessagesTopic(sessionID), load, onNext, onError), nil
}

func (s *Store) SubscribeSession(ctx context.Context, id string, onNext func(store.ChatSession), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) (store.ChatSession, error) {
		cs, err := s.GetSession(ctx, id)
		if err != nil {
			return store.ChatSession{}, err
		}
		return *cs, nil
	}
	return store.Watch(ctx, s.feed, store.SessionTopic(id), load, onNext, onError), nil
}

func (s *Store) SubscribeRecentSessions(ctx context.Context, since func() time.Time, onNext func([]store.ChatSession), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) ([]store.ChatSession, error) {
		return s.ListRecentSessions(ctx, since())
	}
	return store.Watch(ctx, s.feed, store.TopicRecentSessions, load, onNext, onError), nil
}

func (s *Store) Close() error {
	close(s.done)
	lerr := s.listener.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return lerr
}
