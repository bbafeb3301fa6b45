// Package redisstore keeps chat state in Redis: one hash per session, one
// stream per message log and a sorted set indexing sessions by their last
// message. Writers publish the touched topics on a pub/sub channel which
// every instance fans out to its local watchers.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"broker-chat-server/internal/store"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// Prefix namespaces every key. Defaults to "chat".
	Prefix string
}

type Store struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	prefix string
	feed   *store.Feed
	logger *slog.Logger
	done   chan struct{}
}

var _ store.Store = (*Store)(nil)

// KEYS[1] session hash, KEYS[2] recent index. ARGV[1] session id, then
// (op, field, value) triples.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
for i = 2, #ARGV, 3 do
	local op, field, value = ARGV[i], ARGV[i + 1], ARGV[i + 2]
	if op == 'set' then
		redis.call('HSET', KEYS[1], field, value)
	elseif op == 'del' then
		redis.call('HDEL', KEYS[1], field)
	elseif op == 'incr' then
		if redis.call('HINCRBY', KEYS[1], field, value) < 0 then
			redis.call('HSET', KEYS[1], field, 0)
		end
	elseif op == 'recent' then
		redis.call('ZADD', KEYS[2], value, ARGV[1])
	end
end
return 1
`)

const maxCreateRetries = 16

// Open connects to Redis and subscribes to the change channel.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chat"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &Store{
		rdb:    rdb,
		prefix: cfg.Prefix,
		feed:   store.NewFeed(),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.pubsub = rdb.Subscribe(ctx, s.channel())
	if _, err := s.pubsub.Receive(pingCtx); err != nil {
		s.pubsub.Close()
		rdb.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	go s.dispatch()
	return s, nil
}

func (s *Store) sessionKey(id string) string  { return s.prefix + ":session:" + id }
func (s *Store) messagesKey(id string) string { return s.prefix + ":messages:" + id }
func (s *Store) profileKey(id string) string  { return s.prefix + ":profile:" + id }
func (s *Store) recentKey() string            { return s.prefix + ":recent" }
func (s *Store) channel() string              { return s.prefix + ":changes" }

func (s *Store) dispatch() {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			s.feed.Publish(strings.Split(m.Payload, ",")...)
		}
	}
}

func (s *Store) publish(ctx context.Context, topics ...string) {
	if err := s.rdb.Publish(ctx, s.channel(), strings.Join(topics, ",")).Err(); err != nil {
		s.logger.Warn("redis publish failed", "topics", topics, "error", err)
	}
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.ChatSession, error) {
	h, err := s.rdb.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeSession(id, h)
}

func (s *Store) CreateSession(ctx context.Context, cs store.ChatSession) (bool, error) {
	if cs.Status == "" {
		cs.Status = store.StatusOpen
	}
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = time.Now().UTC()
	}
	key := s.sessionKey(cs.ID)

	created := false
	create := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, map[string]any{
				fieldStatus:        string(cs.Status),
				fieldFirstNotified: formatBool(cs.FirstNotified),
				fieldCreatedAt:     formatTime(cs.CreatedAt),
				fieldPreview:       "",
				fieldUnreadAdmin:   0,
				fieldUnreadUser:    0,
				fieldTypingAdmin:   formatBool(false),
				fieldTypingUser:    formatBool(false),
			})
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}

	for _i := 0; _i < maxCreateRetries; _i++ {
		err := s.rdb.Watch(ctx, create, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, err
		}
		if created {
			s.publish(ctx, store.SessionTopic(cs.ID), store.TopicRecentSessions)
		}
		return created, nil
	}
	return false, fmt.Errorf("create session %s: %w", cs.ID, redis.TxFailedErr)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch store.SessionPatch) error {
	args := append([]any{id}, patchOps(patch)...)
	ok, err := updateScript.Run(ctx, s.rdb, []string{s.sessionKey(id), s.recentKey()}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return store.ErrNotFound
	}
	if !patch.Empty() {
		s.publish(ctx, store.SessionTopic(id), store.TopicRecentSessions)
	}
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	// The stream assigns a server-side id that never goes backwards.
	// CreatedAt and Seq both come from it, so they order the same way
	// XRANGE does.
	entryID, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.messagesKey(msg.SessionID),
		Values: map[string]any{
			"id":          msg.ID,
			"author_id":   msg.AuthorID,
			"author_role": string(msg.AuthorRole),
			"text":        msg.Text,
		},
	}).Result()
	if err != nil {
		return store.Message{}, err
	}
	if msg.CreatedAt, msg.Seq, err = streamPosition(entryID); err != nil {
		return store.Message{}, err
	}
	s.publish(ctx, store.MessagesTopic(msg.SessionID))
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	entries, err := s.rdb.XRange(ctx, s.messagesKey(sessionID), "-", "+").Result()
	if err != nil {
		return nil, err
	}
	out := make([]store.Message, 0, len(entries))
	for _, e := range entries {
		m, err := decodeMessage(sessionID, e)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeMessage(sessionID string, e redis.XMessage) (store.Message, error) {
	str := func(k string) string {
		v, _ := e.Values[k].(string)
		return v
	}
	m := store.Message{
		ID:         str("id"),
		SessionID:  sessionID,
		AuthorID:   str("author_id"),
		AuthorRole: store.Role(str("author_role")),
		Text:       str("text"),
	}
	var err error
	if m.CreatedAt, m.Seq, err = streamPosition(e.ID); err != nil {
		return store.Message{}, err
	}
	return m, nil
}

func (s *Store) ListRecentSessions(ctx context.Context, since time.Time) ([]store.ChatSession, error) {
	ids, err := s.rdb.ZRevRangeByScore(ctx, s.recentKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]store.ChatSession, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		cs, err := decodeSession(ids[i], h)
		if err != nil {
			return nil, err
		}
		// The index has millisecond scores; drop anything just under the bound.
		if cs.LastMessageAt == nil || cs.LastMessageAt.Before(since) {
			continue
		}
		out = append(out, *cs)
	}
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, visitorID string) (*store.Profile, error) {
	h, err := s.rdb.HGetAll(ctx, s.profileKey(visitorID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, store.ErrNotFound
	}
	return &store.Profile{VisitorID: visitorID, Name: h["name"], Email: h["email"], Phone: h["phone"]}, nil
}

// PutProfile stores a visitor profile.
func (s *Store) PutProfile(ctx context.Context, p store.Profile) error {
	return s.rdb.HSet(ctx, s.profileKey(p.VisitorID), map[string]any{
		"name":  p.Name,
		"email": p.Email,
		"phone": p.Phone,
	}).Err()
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
	perr := s.pubsub.Close()
	if err := s.rdb.Close(); err != nil {
		return err
	}
	return perr
}
