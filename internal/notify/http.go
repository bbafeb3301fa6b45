package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const DefaultEndpoint = "https://api.emailjs.com/api/v1.0/email/send"

type HTTPConfig struct {
	Endpoint    string
	ServiceID   string
	PublicKey   string
	AccessToken string
	Timeout     time.Duration
}

// HTTPSender posts notifications to an EmailJS-style REST endpoint.
type HTTPSender struct {
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPSender(cfg HTTPConfig) *HTTPSender {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSender{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSender) Send(ctx context.Context, destination, templateID string, params map[string]string) error {
	b, err := json.Marshal(payload{
		ServiceID:      s.cfg.ServiceID,
		TemplateID:     templateID,
		UserID:         s.cfg.PublicKey,
		AccessToken:    s.cfg.AccessToken,
		TemplateParams: templateParams(destination, params),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}
