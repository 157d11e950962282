package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/luciancaetano/kephasgate/internal/config"
)

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", want: true},
		{name: "empty list", allowed: nil, origin: "https://any.example", want: true},
		{name: "listed", allowed: []string{"https://app.example"}, origin: "https://app.example", want: true},
		{name: "unlisted", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "no origin header", allowed: []string{"https://app.example"}, origin: "", want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := checkOrigin(tt.allowed)(r); got != tt.want {
				t.Errorf("checkOrigin(%v)(%q) = %v, want %v", tt.allowed, tt.origin, got, tt.want)
			}
		})
	}
}

func TestFrameLimit(t *testing.T) {
	t.Parallel()

	if got := frameLimit(config.ServerConfig{}); got.Enabled {
		t.Error("zero frame rate should disable the flood guard")
	}

	got := frameLimit(config.ServerConfig{FrameRate: 5, FrameBurst: 10})
	if !got.Enabled || got.MessagesPerSecond != 5 || got.Burst != 10 {
		t.Errorf("frameLimit = %+v, want enabled 5/s burst 10", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Server.Addr = ""
	if _, err := New(cfg, NewJWTValidator("secret", "")); err == nil {
		t.Error("New() should reject an empty server address")
	}

	cfg = DefaultConfig()
	cfg.Security.PolicyRule = "action =="
	if _, err := New(cfg, NewJWTValidator("secret", "")); err == nil {
		t.Error("New() should reject an invalid policy rule")
	}
}
