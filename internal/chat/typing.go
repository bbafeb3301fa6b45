package chat

import (
	"context"
	"sync"
	"time"

	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/store"
)

const (
	// TypingStaleAfter bounds how long a typing flag is believed without
	// a fresh signal.
	TypingStaleAfter = 5 * time.Second

	// TypingIdle is how long after the last keystroke a producer clears
	// its own flag.
	TypingIdle = 3500 * time.Millisecond
)

// SignalTyping writes the role's typing flag and timestamp together.
// Failures are logged and otherwise ignored.
func (s *Service) SignalTyping(ctx context.Context, sessionID string, role store.Role, isTyping bool) {
	now := s.clock.Now().UTC()
	var patch store.SessionPatch
	switch role {
	case store.RoleAdmin:
		patch.TypingAdmin = &isTyping
		patch.TypingAdminAt = &now
	case store.RoleUser:
		patch.TypingUser = &isTyping
		patch.TypingUserAt = &now
	default:
		return
	}
	if err := s.store.UpdateSession(ctx, sessionID, patch); err != nil {
		s.logger.Debug("typing signal dropped", "session", sessionID, "role", role, "error", err)
	}
}

// IsTyping reports whether role is typing in session as seen at now. A
// flag older than stale is treated as cleared.
func IsTyping(session store.ChatSession, role store.Role, now time.Time, stale time.Duration) bool {
	var flag bool
	var at *time.Time
	switch role {
	case store.RoleAdmin:
		flag, at = session.TypingAdmin, session.TypingAdminAt
	case store.RoleUser:
		flag, at = session.TypingUser, session.TypingUserAt
	}
	return flag && at != nil && now.Sub(*at) < stale
}

type typingKey struct {
	session string
	role    store.Role
}

type typingState struct {
	timer      clock.Timer
	lastSignal time.Time
	gen        uint64
}

// TypingDebouncer turns a stream of keystrokes into typing signals:
// the first keystroke raises the flag, later ones keep it fresh, and
// the flag is cleared once no keystroke arrives for the idle period.
type TypingDebouncer struct {
	svc     *Service
	clock   clock.Clock
	idle    time.Duration
	refresh time.Duration

	mu     sync.Mutex
	active map[typingKey]*typingState
}

func NewTypingDebouncer(svc *Service, c clock.Clock, idle time.Duration) *TypingDebouncer {
	if idle <= 0 {
		idle = TypingIdle
	}
	return &TypingDebouncer{
		svc:     svc,
		clock:   c,
		idle:    idle,
		refresh: TypingStaleAfter / 2,
		active:  make(map[typingKey]*typingState),
	}
}

// Touch records a keystroke by role in sessionID.
func (d *TypingDebouncer) Touch(ctx context.Context, sessionID string, role store.Role) {
	key := typingKey{sessionID, role}
	now := d.clock.Now()

	d.mu.Lock()
	state, ok := d.active[key]
	if ok {
		state.timer.Stop()
	} else {
		state = &typingState{}
		d.active[key] = state
	}
	signal := !ok || now.Sub(state.lastSignal) >= d.refresh
	if signal {
		state.lastSignal = now
	}
	state.gen++
	gen := state.gen
	state.timer = d.clock.AfterFunc(d.idle, func() { d.expire(key, state, gen) })
	d.mu.Unlock()

	if signal {
		d.svc.SignalTyping(ctx, sessionID, role, true)
	}
}

func (d *TypingDebouncer) expire(key typingKey, state *typingState, gen uint64) {
	d.mu.Lock()
	if d.active[key] != state || state.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.active, key)
	d.mu.Unlock()

	d.svc.SignalTyping(context.Background(), key.session, key.role, false)
}

// Stop cancels the pending idle clear without writing anything. Sending
// a message uses this, as the append already clears the flag.
func (d *TypingDebouncer) Stop(sessionID string, role store.Role) {
	key := typingKey{sessionID, role}
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.active[key]; ok {
		state.timer.Stop()
		delete(d.active, key)
	}
}

// Close cancels every pending timer.
func (d *TypingDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, state := range d.active {
		state.timer.Stop()
		delete(d.active, key)
	}
}
