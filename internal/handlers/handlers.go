package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"broker-chat-server/internal/chat"
	"broker-chat-server/internal/clock"
	"broker-chat-server/internal/identity"
	"broker-chat-server/internal/realtime"
	"broker-chat-server/internal/store"
)

type Handler struct {
	Service  *chat.Service
	Store    store.Store
	Identity *chat.IdentityWriter
	Typing   *chat.TypingDebouncer
	Hub      *realtime.Hub
	Verifier *identity.Verifier
	Clock    clock.Clock
	Logger   *slog.Logger

	DockWindow  time.Duration
	TypingStale time.Duration
}

// Routes mounts the chat API, the admin listing and the websocket
// endpoint. Everything but /ping requires a bearer token.
func (h *Handler) Routes() chi.Router {
	if h.Clock == nil {
		h.Clock = clock.Real()
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Group(func(r chi.Router) {
		r.Use(h.Verifier.Middleware)

		r.Post("/api/chat/session", h.ensureSession)
		r.Route("/api/chat/sessions/{id}", func(r chi.Router) {
			r.Use(h.ownSession)
			r.Get("/", h.getSession)
			r.Patch("/identity", h.updateIdentity)
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.appendMessage)
			r.Post("/typing", h.signalTyping)
			r.Post("/open", h.markOpened)
		})
		r.With(identity.RequireAdmin).Get("/api/admin/sessions", h.recentSessions)

		r.Get("/realtime/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
			realtime.ServeWs(h.Hub, w, r)
		})
	})
	return r
}

// ownSession lets visitors reach only their own session. Staff reach any.
func (h *Handler) ownSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identity.FromContext(r.Context())
		if !id.Admin && id.VisitorID != chi.URLParam(r, "id") {
			h.writeError(w, r, chat.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func roleOf(id identity.Identity) store.Role {
	if id.Admin {
		return store.RoleAdmin
	}
	return store.RoleUser
}

func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, _ := identity.FromContext(ctx)
	if id.Admin {
		h.writeError(w, r, chat.ErrForbidden)
		return
	}

	// A new session starts with the token's name and email filled in.
	profile := store.Profile{VisitorID: id.VisitorID, Name: id.Name, Email: id.Email}
	sessionID, err := h.Service.EnsureSessionWithProfile(ctx, profile)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.Service.Session(ctx, sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.Service.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.NewSessionPayload(*session, h.Clock.Now(), h.TypingStale))
}

// identityField decodes one contact field: absent leaves it untouched,
// null clears it.
func identityField(body map[string]json.RawMessage, key string) (store.StringField, error) {
	raw, ok := body[key]
	if !ok {
		return store.StringField{}, nil
	}
	if string(raw) == "null" {
		return store.ClearString(), nil
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return store.StringField{}, fmt.Errorf("%s: %w", key, err)
	}
	return store.SetString(v), nil
}

func (h *Handler) updateIdentity(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var u chat.IdentityUpdate
	var err error
	if u.Name, err = identityField(body, "name"); err == nil {
		if u.Email, err = identityField(body, "email"); err == nil {
			u.Phone, err = identityField(body, "phone")
		}
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.Service.Session(r.Context(), sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Identity.Submit(sessionID, u)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.Service.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

type messageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) appendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	id, _ := identity.FromContext(ctx)

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	role := roleOf(id)
	msg, err := h.Service.AppendMessage(ctx, sessionID, id.VisitorID, role, req.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Typing.Stop(sessionID, role)
	writeJSON(w, http.StatusCreated, msg)
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (h *Handler) signalTyping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "id")
	id, _ := identity.FromContext(ctx)

	var req typingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	role := roleOf(id)
	if req.Typing {
		h.Typing.Touch(ctx, sessionID, role)
	} else {
		h.Typing.Stop(sessionID, role)
		h.Service.SignalTyping(ctx, sessionID, role, false)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) markOpened(w http.ResponseWriter, r *http.Request) {
	id, _ := identity.FromContext(r.Context())
	if err := h.Service.MarkOpened(r.Context(), chi.URLParam(r, "id"), roleOf(id)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recentSessions(w http.ResponseWriter, r *http.Request) {
	window := h.DockWindow
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = d
	}

	sessions, err := h.Store.ListRecentSessions(r.Context(), h.Clock.Now().Add(-window))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []store.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "session not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrEmptyText), errors.Is(err, chat.ErrInvalidRole), errors.Is(err, chat.ErrInvalidVisitor):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	default:
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
