package security

import (
	"context"
	"time"
)

// Credentials are presented by a connecting client.
type Credentials struct {
	Token    string
	DeviceID string
	// SessionID, when set, asks to resume an existing session.
	SessionID string
}

// DeviceIdentity is what an AuthValidator resolves a token to.
type DeviceIdentity struct {
	DeviceID    string
	Fingerprint string
	DeviceInfo  map[string]any
}

// AuthValidator resolves tokens to devices. Invalid or expired tokens fail
// with an authentication error.
type AuthValidator interface {
	ValidateToken(ctx context.Context, token string) (DeviceIdentity, error)
}

// AuthValidatorFunc adapts a function to the AuthValidator interface.
type AuthValidatorFunc func(ctx context.Context, token string) (DeviceIdentity, error)

func (f AuthValidatorFunc) ValidateToken(ctx context.Context, token string) (DeviceIdentity, error) {
	return f(ctx, token)
}

// SessionInfo is returned to the caller of a successful authentication.
type SessionInfo struct {
	SessionID       string
	ClientID        string
	DeviceID        string
	AuthenticatedAt time.Time
	Resumed         bool
}

// Session is the server-side record of an authenticated client.
type Session struct {
	SessionID         string         `json:"sessionId"`
	ClientID          string         `json:"clientId"`
	DeviceID          string         `json:"deviceId"`
	DeviceFingerprint string         `json:"deviceFingerprint,omitempty"`
	DeviceInfo        map[string]any `json:"deviceInfo,omitempty"`
	IPAddress         string         `json:"ipAddress"`
	TransportID       string         `json:"transportId"`
	CreatedAt         time.Time      `json:"createdAt"`
	LastActivityAt    time.Time      `json:"lastActivityAt"`
}

func (s *Session) info(resumed bool) SessionInfo {
	return SessionInfo{
		SessionID:       s.SessionID,
		ClientID:        s.ClientID,
		DeviceID:        s.DeviceID,
		AuthenticatedAt: s.LastActivityAt,
		Resumed:         resumed,
	}
}

// touch moves LastActivityAt forward, never back.
func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
}

func (s *Session) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > timeout
}

// sessionNotice is published when a session is invalidated, or with Moved
// set when another instance adopted it.
type sessionNotice struct {
	Origin    string `json:"origin"`
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Moved     bool   `json:"moved,omitempty"`
}

// ipNotice is published when an address is blocked or unblocked.
type ipNotice struct {
	Origin  string `json:"origin"`
	IP      string `json:"ip"`
	Blocked bool   `json:"blocked"`
}
