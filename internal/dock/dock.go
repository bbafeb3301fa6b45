// Package dock coordinates a staff member's view over many chat
// sessions at once: a live list of recently active sessions plus one
// message subscription per expanded thread.
package dock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"broker-chat-server/internal/chat"
	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
)

// DefaultWindow bounds the session list to recent activity.
const DefaultWindow = 24 * time.Hour

var (
	ErrStarted = errors.New("dock: already started")
	ErrClosed  = errors.New("dock: closed")
)

// Entry is one row of the session list. Name, Email and Phone are what
// the dock renders, falling back to the visitor's profile when the
// session itself has none.
type Entry struct {
	Session store.ChatSession `json:"session"`
	Name    string            `json:"name,omitempty"`
	Email   string            `json:"email,omitempty"`
	Phone   string            `json:"phone,omitempty"`
}

type Options struct {
	Window time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

type Dock struct {
	store  store.Store
	svc    *chat.Service
	window time.Duration
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	list     store.Unsubscribe
	threads  map[string]store.Unsubscribe
	profiles map[string]*store.Profile
	closed   bool
}

func New(st store.Store, svc *chat.Service, opts Options) *Dock {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dock{
		store:    st,
		svc:      svc,
		window:   opts.Window,
		clock:    opts.Clock,
		logger:   opts.Logger,
		threads:  make(map[string]store.Unsubscribe),
		profiles: make(map[string]*store.Profile),
	}
}

// Start subscribes to the recent-session list. onList receives the full
// list, most recent first, on every change.
func (d *Dock) Start(ctx context.Context, onList func([]Entry), onError func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.list != nil {
		return ErrStarted
	}
	since := func() time.Time { return d.clock.Now().Add(-d.window) }
	unsubscribe, err := d.store.SubscribeRecentSessions(ctx, since, func(sessions []store.ChatSession) {
		onList(d.render(ctx, sessions))
	}, onError)
	if err != nil {
		return err
	}
	d.list = unsubscribe
	return nil
}

// Stop disposes the recent-session list subscription and leaves open
// threads alone. Start may be called again afterwards.
func (d *Dock) Stop() {
	d.mu.Lock()
	list := d.list
	d.list = nil
	d.mu.Unlock()

	if list != nil {
		list()
	}
}

func (d *Dock) render(ctx context.Context, sessions []store.ChatSession) []Entry {
	entries := make([]Entry, 0, len(sessions))
	for _, s := range sessions {
		e := Entry{Session: s, Name: deref(s.Name), Email: deref(s.Email), Phone: deref(s.Phone)}
		if !s.HasIdentity() {
			if p := d.enrich(ctx, s.ID); !p.Empty() {
				e.Name, e.Email, e.Phone = p.Name, p.Email, p.Phone
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// enrich looks the visitor's profile up once per session and writes any
// identity it finds back into the session.
func (d *Dock) enrich(ctx context.Context, sessionID string) *store.Profile {
	d.mu.Lock()
	p, attempted := d.profiles[sessionID]
	if !attempted {
		d.profiles[sessionID] = nil
	}
	d.mu.Unlock()
	if attempted {
		return p
	}

	p, err := d.store.GetProfile(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("dock profile lookup failed", "session", sessionID, "error", err)
			// Let the next render retry.
			d.mu.Lock()
			delete(d.profiles, sessionID)
			d.mu.Unlock()
		}
		return nil
	}
	d.mu.Lock()
	d.profiles[sessionID] = p
	d.mu.Unlock()

	if !p.Empty() {
		if _, err := d.svc.BackfillIdentity(ctx, sessionID, *p); err != nil {
			d.logger.Warn("dock identity write-back failed", "session", sessionID, "error", err)
		}
	}
	return p
}

// Expand opens the message stream for a thread. A thread that is already
// expanded keeps its existing subscription and Expand reports false.
func (d *Dock) Expand(ctx context.Context, sessionID string, onMessages func([]store.Message), onError func(error)) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, ErrClosed
	}
	if _, open := d.threads[sessionID]; open {
		return false, nil
	}
	unsubscribe, err := d.svc.SubscribeMessages(ctx, sessionID, onMessages, onError)
	if err != nil {
		return false, err
	}
	d.threads[sessionID] = unsubscribe
	return true, nil
}

// Collapse disposes the thread's subscription. It reports whether the
// thread was expanded.
func (d *Dock) Collapse(sessionID string) bool {
	d.mu.Lock()
	unsubscribe, open := d.threads[sessionID]
	delete(d.threads, sessionID)
	d.mu.Unlock()

	if open {
		unsubscribe()
	}
	return open
}

// Expanded lists the ids of currently expanded threads.
func (d *Dock) Expanded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.threads))
	for id := range d.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close disposes the list subscription and every open thread.
func (d *Dock) Close() {
	d.mu.Lock()
	d.closed = true
	list := d.list
	d.list = nil
	threads := d.threads
	d.threads = make(map[string]store.Unsubscribe)
	d.mu.Unlock()

	if list != nil {
		list()
	}
	for _, unsubscribe := range threads {
		unsubscribe()
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
