package redisstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"broker-chat-server/internal/store"
)

// Hash fields of a session. Absent fields read back as nil or zero.
const (
	fieldStatus        = "status"
	fieldFirstNotified = "first_notified"
	fieldCreatedAt     = "created_at"
	fieldLastMessageAt = "last_message_at"
	fieldPreview       = "last_message_preview"
	fieldUnreadAdmin   = "unread_for_admin"
	fieldUnreadUser    = "unread_for_user"
	fieldLastReadAdmin = "last_read_at_admin"
	fieldLastReadUser  = "last_read_at_user"
	fieldName          = "name"
	fieldEmail         = "email"
	fieldPhone         = "phone"
	fieldTypingAdmin   = "typing_admin"
	fieldTypingAdminAt = "typing_admin_at"
	fieldTypingUser    = "typing_user"
	fieldTypingUserAt  = "typing_user_at"
)

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeSession(id string, h map[string]string) (*store.ChatSession, error) {
	cs := &store.ChatSession{
		ID:                 id,
		Status:             store.Status(h[fieldStatus]),
		FirstNotified:      h[fieldFirstNotified] == "1",
		LastMessagePreview: h[fieldPreview],
		TypingAdmin:        h[fieldTypingAdmin] == "1",
		TypingUser:         h[fieldTypingUser] == "1",
	}
	var err error
	if cs.CreatedAt, err = parseTime(h, fieldCreatedAt); err != nil {
		return nil, err
	}
	times := []struct {
		field string
		dst   **time.Time
	}{
		{fieldLastMessageAt, &cs.LastMessageAt},
		{fieldLastReadAdmin, &cs.LastReadAtAdmin},
		{fieldLastReadUser, &cs.LastReadAtUser},
		{fieldTypingAdminAt, &cs.TypingAdminAt},
		{fieldTypingUserAt, &cs.TypingUserAt},
	}
	for _, tf := range times {
		if _, ok := h[tf.field]; !ok {
			continue
		}
		t, err := parseTime(h, tf.field)
		if err != nil {
			return nil, err
		}
		*tf.dst = &t
	}
	if cs.UnreadForAdmin, err = parseInt(h, fieldUnreadAdmin); err != nil {
		return nil, err
	}
	if cs.UnreadForUser, err = parseInt(h, fieldUnreadUser); err != nil {
		return nil, err
	}
	cs.Name = optional(h, fieldName)
	cs.Email = optional(h, fieldEmail)
	cs.Phone = optional(h, fieldPhone)
	return cs, nil
}

func parseTime(h map[string]string, field string) (time.Time, error) {
	v, ok := h[field]
	if !ok {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", field, err)
	}
	return t, nil
}

func parseInt(h map[string]string, field string) (int, error) {
	v, ok := h[field]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return n, nil
}

func optional(h map[string]string, field string) *string {
	v, ok := h[field]
	if !ok {
		return nil
	}
	return &v
}

// patchOps flattens a patch into (op, field, value) triples for the
// update script.
func patchOps(p store.SessionPatch) []any {
	var ops []any
	set := func(field, value string) { ops = append(ops, "set", field, value) }
	str := func(field string, f store.StringField) {
		switch {
		case !f.Set:
		case f.Null:
			ops = append(ops, "del", field, "")
		default:
			set(field, f.Value)
		}
	}
	counter := func(field string, reset *int, inc int) {
		if reset != nil {
			set(field, strconv.Itoa(*reset))
		}
		if inc != 0 {
			ops = append(ops, "incr", field, strconv.Itoa(inc))
		}
	}
	if p.Status != nil {
		set(fieldStatus, string(*p.Status))
	}
	if p.FirstNotified != nil {
		set(fieldFirstNotified, formatBool(*p.FirstNotified))
	}
	if p.LastMessageAt != nil {
		set(fieldLastMessageAt, formatTime(*p.LastMessageAt))
		ops = append(ops, "recent", "", strconv.FormatInt(p.LastMessageAt.UnixMilli(), 10))
	}
	if p.LastMessagePreview != nil {
		set(fieldPreview, *p.LastMessagePreview)
	}
	counter(fieldUnreadAdmin, p.UnreadForAdmin, p.IncUnreadAdmin)
	counter(fieldUnreadUser, p.UnreadForUser, p.IncUnreadUser)
	if p.LastReadAtAdmin != nil {
		set(fieldLastReadAdmin, formatTime(*p.LastReadAtAdmin))
	}
	if p.LastReadAtUser != nil {
		set(fieldLastReadUser, formatTime(*p.LastReadAtUser))
	}
	str(fieldName, p.Name)
	str(fieldEmail, p.Email)
	str(fieldPhone, p.Phone)
	if p.TypingAdmin != nil {
		set(fieldTypingAdmin, formatBool(*p.TypingAdmin))
	}
	if p.TypingAdminAt != nil {
		set(fieldTypingAdminAt, formatTime(*p.TypingAdminAt))
	}
	if p.TypingUser != nil {
		set(fieldTypingUser, formatBool(*p.TypingUser))
	}
	if p.TypingUserAt != nil {
		set(fieldTypingUserAt, formatTime(*p.TypingUserAt))
	}
	return ops
}

// streamPosition splits a stream entry id "<ms>-<seq>" into its time and
// its sequence within that millisecond.
func streamPosition(id string) (time.Time, int64, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return time.Time{}, 0, fmt.Errorf("stream id %q: missing sequence", id)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("stream id %q: %w", id, err)
	}
	q, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("stream id %q: %w", id, err)
	}
	return time.UnixMilli(n).UTC(), q, nil
}
