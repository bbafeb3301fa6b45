// Package memstore is an in-process store.Store with optional JSON file
// persistence. It is the default backend for single-node deployments and
// the backend every test runs against.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
)

type Database struct {
	mu       sync.RWMutex
	sessions map[string]*store.ChatSession
	messages map[string][]store.Message
	profiles map[string]store.Profile
	seq      int64

	dataDir string
	clock   clock.Clock
	feed    *store.Feed
}

type Option func(*Database)

// WithDataDir persists every write to JSON files under dir.
func WithDataDir(dir string) Option {
	return func(db *Database) { db.dataDir = dir }
}

func WithClock(c clock.Clock) Option {
	return func(db *Database) { db.clock = c }
}

func New(opts ...Option) *Database {
	db := &Database{
		sessions: make(map[string]*store.ChatSession),
		messages: make(map[string][]store.Message),
		profiles: make(map[string]store.Profile),
		clock:    clock.Real(),
		feed:     store.NewFeed(),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

var _ store.Store = (*Database)(nil)

const (
	sessionsFile = "sessions.json"
	messagesFile = "messages.json"
	profilesFile = "profiles.json"
)

// Load reads previously persisted state. Missing files are not an error.
func (db *Database) Load() error {
	if db.dataDir == "" {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	var sessions []store.ChatSession
	if err := readJSON(filepath.Join(db.dataDir, sessionsFile), &sessions); err != nil {
		return err
	}
	for i := range sessions {
		s := sessions[i]
		db.sessions[s.ID] = &s
	}

	var messages []store.Message
	if err := readJSON(filepath.Join(db.dataDir, messagesFile), &messages); err != nil {
		return err
	}
	for _, m := range messages {
		db.messages[m.SessionID] = append(db.messages[m.SessionID], m)
		db.seq = max(db.seq, m.Seq)
	}
	for id := range db.messages {
		sortMessages(db.messages[id])
	}

	var profiles []store.Profile
	if err := readJSON(filepath.Join(db.dataDir, profilesFile), &profiles); err != nil {
		return err
	}
	for _, p := range profiles {
		db.profiles[p.VisitorID] = p
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// save must be called with db.mu held.
func (db *Database) save() error {
	if db.dataDir == "" {
		return nil
	}
	if err := os.MkdirAll(db.dataDir, 0755); err != nil {
		return err
	}

	sessions := make([]store.ChatSession, 0, len(db.sessions))
	for _, s := range db.sessions {
		sessions = append(sessions, *s)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	var messages []store.Message
	for _, log := range db.messages {
		messages = append(messages, log...)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].Seq < messages[j].Seq })

	profiles := make([]store.Profile, 0, len(db.profiles))
	for _, p := range db.profiles {
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].VisitorID < profiles[j].VisitorID })

	for name, v := range map[string]any{
		sessionsFile: sessions,
		messagesFile: messages,
		profilesFile: profiles,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(db.dataDir, name), data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func (db *Database) GetSession(_ context.Context, id string) (*store.ChatSession, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s, ok := db.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (db *Database) CreateSession(_ context.Context, s store.ChatSession) (bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, exists := db.sessions[s.ID]; exists {
		return false, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = db.clock.Now().UTC()
	}
	db.sessions[s.ID] = &s
	if err := db.save(); err != nil {
		delete(db.sessions, s.ID)
		return false, err
	}
	db.feed.Publish(store.SessionTopic(s.ID), store.TopicRecentSessions)
	return true, nil
}

func (db *Database) UpdateSession(_ context.Context, id string, patch store.SessionPatch) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	s, ok := db.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	before := *s
	patch.Apply(s)
	if err := db.save(); err != nil {
		*s = before
		return err
	}
	db.feed.Publish(store.SessionTopic(id), store.TopicRecentSessions)
	return nil
}

func (db *Database) AddMessage(_ context.Context, msg store.Message) (store.Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = db.clock.Now().UTC()
	log := db.messages[msg.SessionID]
	if n := len(log); n > 0 && msg.CreatedAt.Before(log[n-1].CreatedAt) {
		msg.CreatedAt = log[n-1].CreatedAt
	}
	db.seq++
	msg.Seq = db.seq

	db.messages[msg.SessionID] = append(log, msg)
	if err := db.save(); err != nil {
		db.messages[msg.SessionID] = log
		return store.Message{}, err
	}
	db.feed.Publish(store.MessagesTopic(msg.SessionID))
	return msg, nil
}

func (db *Database) ListMessages(_ context.Context, sessionID string) ([]store.Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	result := make([]store.Message, len(db.messages[sessionID]))
	copy(result, db.messages[sessionID])
	sortMessages(result)
	return result, nil
}

func sortMessages(ms []store.Message) {
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Less(ms[j]) })
}

func (db *Database) ListRecentSessions(_ context.Context, since time.Time) ([]store.ChatSession, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	var result []store.ChatSession
	for _, s := range db.sessions {
		if s.LastMessageAt == nil || s.LastMessageAt.Before(since) {
			continue
		}
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.After(*result[j].LastMessageAt)
	})
	return result, nil
}

func (db *Database) GetProfile(_ context.Context, visitorID string) (*store.Profile, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.profiles[visitorID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

// PutProfile records a visitor profile, as the account side of the site
// does on sign-up.
func (db *Database) PutProfile(p store.Profile) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.profiles[p.VisitorID] = p
	return db.save()
}

func (db *Database) SubscribeMessages(ctx context.Context, sessionID string, onNext func([]store.Message), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) ([]store.Message, error) {
		return db.ListMessages(ctx, sessionID)
	}
	return store.Watch(ctx, db.feed, store.MessagesTopic(sessionID), load, onNext, onError), nil
}

func (db *Database) SubscribeSession(ctx context.Context, id string, onNext func(store.ChatSession), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) (store.ChatSession, error) {
		s, err := db.GetSession(ctx, id)
		if err != nil {
			return store.ChatSession{}, err
		}
		return *s, nil
	}
	return store.Watch(ctx, db.feed, store.SessionTopic(id), load, onNext, onError), nil
}

func (db *Database) SubscribeRecentSessions(ctx context.Context, since func() time.Time, onNext func([]store.ChatSession), onError func(error)) (store.Unsubscribe, error) {
	load := func(ctx context.Context) ([]store.ChatSession, error) {
		return db.ListRecentSessions(ctx, since())
	}
	return store.Watch(ctx, db.feed, store.TopicRecentSessions, load, onNext, onError), nil
}

// Watchers exposes the live subscription count for a feed topic.
func (db *Database) Watchers(topic string) int {
	return db.feed.Watchers(topic)
}

func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.save()
}
