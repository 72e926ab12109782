package session

import (
	"time"

	"chatbridge/internal/transport"
)

type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseConnecting        Phase = "connecting"
	PhaseAwaitingChallenge Phase = "awaiting_challenge"
	PhaseReady             Phase = "ready"
	PhaseClosed            Phase = "closed"
)

// Phases lists every phase, in lifecycle order.
var Phases = []Phase{PhaseIdle, PhaseConnecting, PhaseAwaitingChallenge, PhaseReady, PhaseClosed}

// busy phases reject Connect.
func (p Phase) busy() bool {
	return p == PhaseConnecting || p == PhaseAwaitingChallenge || p == PhaseReady
}

type Challenge struct {
	Code     string    `json:"code"`
	IssuedAt time.Time `json:"issuedAt"`
}

// User is the observer-facing view of the authenticated identity.
type User struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

func userOf(id transport.Identity) *User {
	name := id.DisplayName
	if name == "" {
		name = "Unknown"
	}
	return &User{Name: name, Number: id.Number()}
}

// Snapshot is a read-only copy of the supervisor state.
type Snapshot struct {
	Phase             Phase      `json:"phase"`
	Connected         bool       `json:"connected"`
	User              *User      `json:"user"`
	Challenge         *Challenge `json:"challenge,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	Epoch             uint64     `json:"epoch"`
	LastCloseReason   string     `json:"lastCloseReason,omitempty"`
	RetryAt           *time.Time `json:"retryAt,omitempty"`
}

// Observer event payloads.

type StatusData struct {
	Connected bool  `json:"connected"`
	User      *User `json:"user"`
}

type QRData struct {
	Challenge string `json:"challenge"`
}

type DisconnectedData struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
	User      *User  `json:"user"`
}

type ErrorData struct {
	Error string `json:"error"`
}
