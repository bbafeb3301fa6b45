package config

import (
	"strings"
	"testing"
	"time"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := parse(envOf(map[string]string{"JWT_SECRET": "s"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8000" || cfg.Store != StoreMemory || cfg.DataDir != "data" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.DockWindow != 24*time.Hour || cfg.IdentityDebounce != 600*time.Millisecond {
		t.Errorf("durations = %v %v", cfg.DockWindow, cfg.IdentityDebounce)
	}
	if cfg.TypingIdle != 3500*time.Millisecond || cfg.TypingStale != 5*time.Second {
		t.Errorf("typing = %v %v", cfg.TypingIdle, cfg.TypingStale)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.NotifyReady() {
		t.Error("notifications ready by default")
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	env := envOf(map[string]string{
		"JWT_SECRET":   "s",
		"PORT":         "9000",
		"DOCK_WINDOW":  "2h",
		"CORS_ORIGINS": "https://a.pt, https://b.pt",
	})
	cfg, err := parse(env, []string{"--port", "9100", "--typing-idle", "2s"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9100" || cfg.DockWindow != 2*time.Hour || cfg.TypingIdle != 2*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if strings.Join(cfg.CORSOrigins, "|") != "https://a.pt|https://b.pt" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{}, "JWT_SECRET"},
		{"bad duration", map[string]string{"JWT_SECRET": "s", "TYPING_STALE": "soon"}, "TYPING_STALE"},
		{"bad bool", map[string]string{"JWT_SECRET": "s", "NOTIFY_ENABLED": "maybe"}, "NOTIFY_ENABLED"},
		{"unknown store", map[string]string{"JWT_SECRET": "s", "STORE": "mongo"}, "mongo"},
		{"postgres without url", map[string]string{"JWT_SECRET": "s", "STORE": "postgres"}, "DATABASE_URL"},
		{"unknown transport", map[string]string{"JWT_SECRET": "s", "NOTIFY_TRANSPORT": "sms"}, "sms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(envOf(tt.env), nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNotifyReady(t *testing.T) {
	complete := map[string]string{
		"JWT_SECRET":         "s",
		"NOTIFY_ENABLED":     "true",
		"NOTIFY_SERVICE_ID":  "service_x",
		"NOTIFY_TEMPLATE_ID": "template_y",
		"NOTIFY_PUBLIC_KEY":  "pk",
		"NOTIFY_DESTINATION": "corretor@exemplo.pt",
	}
	tests := []struct {
		name  string
		unset string
		extra map[string]string
		want  bool
	}{
		{name: "complete", want: true},
		{name: "flag off", extra: map[string]string{"NOTIFY_ENABLED": "false"}},
		{name: "no service", unset: "NOTIFY_SERVICE_ID"},
		{name: "no template", unset: "NOTIFY_TEMPLATE_ID"},
		{name: "no key", unset: "NOTIFY_PUBLIC_KEY"},
		{name: "no destination", unset: "NOTIFY_DESTINATION"},
		{name: "kafka without brokers", extra: map[string]string{"NOTIFY_TRANSPORT": "kafka"}},
		{name: "kafka", want: true, extra: map[string]string{"NOTIFY_TRANSPORT": "kafka", "KAFKA_BROKERS": "k1:9092"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := map[string]string{}
			for k, v := range complete {
				env[k] = v
			}
			delete(env, tt.unset)
			for k, v := range tt.extra {
				env[k] = v
			}
			cfg, err := parse(envOf(env), nil)
			if err != nil {
				t.Fatal(err)
			}
			if got := cfg.NotifyReady(); got != tt.want {
				t.Fatalf("NotifyReady() = %v, want %v", got, tt.want)
			}
		})
	}
}
