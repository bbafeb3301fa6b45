package chat

import (
	"context"
	"log/slog"
	"time"

	"broker-chat-server/internal/clock"
)

// IdentityDebounce is the quiet period before edits to the visitor's
// contact fields are written.
const IdentityDebounce = 600 * time.Millisecond

// IdentityWriter coalesces identity edits per session so that a visitor
// typing into the contact form produces one store write per pause.
type IdentityWriter struct {
	svc       *Service
	logger    *slog.Logger
	coalescer *Coalescer[string, IdentityUpdate]
}

func NewIdentityWriter(svc *Service, c clock.Clock, interval time.Duration) *IdentityWriter {
	w := &IdentityWriter{svc: svc, logger: svc.logger}
	w.coalescer = NewCoalescer(c, interval, IdentityUpdate.Merge, w.write)
	return w
}

func (w *IdentityWriter) Submit(sessionID string, u IdentityUpdate) {
	w.coalescer.Submit(sessionID, u)
}

// Flush writes sessionID's pending edits immediately.
func (w *IdentityWriter) Flush(sessionID string) {
	w.coalescer.Flush(sessionID)
}

func (w *IdentityWriter) Close() {
	w.coalescer.Close()
}

func (w *IdentityWriter) write(sessionID string, u IdentityUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.svc.UpdateIdentity(ctx, sessionID, u); err != nil {
		w.logger.Warn("identity write failed", "session", sessionID, "error", err)
	}
}
