package mfa

import "time"

// State is the handshake progress of a session.
type State string

const (
	StateInitiated     State = "initiated"
	StateCredentialsOK State = "credentials_ok"
	StateAuthenticated State = "authenticated"
)

// Session is a snapshot of one authentication attempt.
type Session struct {
	ID                string    `json:"sessionId"`
	DeviceID          string    `json:"deviceId"`
	CredentialsPassed bool      `json:"credentialsPassed"`
	OTKPassed         bool      `json:"otkPassed"`
	Authenticated     bool      `json:"authenticated"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	AuthenticatedAt   time.Time `json:"authenticatedAt,omitzero"`
}

// State derives the handshake state from the factor flags.
func (s Session) State() State {
	switch {
	case s.Authenticated:
		return StateAuthenticated
	case s.CredentialsPassed:
		return StateCredentialsOK
	default:
		return StateInitiated
	}
}

// Grant is returned when a session completes both factors.
type Grant struct {
	SessionID  string
	DeviceID   string
	SessionKey string
	ExpiresAt  time.Time
}
