// Package notify delivers the one-time staff notification sent when a
// visitor writes their first chat message.
package notify

import "context"

// Sender delivers a templated notification to destination. A nil error
// means the transport accepted it; nothing further is tracked.
type Sender interface {
	Send(ctx context.Context, destination, templateID string, params map[string]string) error
}

// payload is the wire shape shared by the HTTP and Kafka senders.
type payload struct {
	ServiceID      string            `json:"service_id,omitempty"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id,omitempty"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

func templateParams(destination string, params map[string]string) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["to_email"] = destination
	return out
}
