package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Material points at the durable credentials a transport resumes from.
// An empty directory means "start a brand new session".
type Material struct {
	Dir string
}

type EventKind string

const (
	EventChallenge EventKind = "challenge" // pairing challenge to display
	EventOpened    EventKind = "opened"    // session authenticated
	EventClosed    EventKind = "closed"    // connection ended
	EventInbound   EventKind = "inbound"   // message received
)

// Identity of the authenticated account.
type Identity struct {
	DisplayName string
	AddressID   string
}

// Number returns the bare account number: AddressID cut at the first ':'
// and then at '@'.
func (id Identity) Number() string {
	s := id.AddressID
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}
	return s
}

// CloseReason describes why a connection ended.
type CloseReason struct {
	Code      int // network status code, 0 if unknown
	Message   string
	LoggedOut bool
}

// StatusUnauthorized is the code the network uses for revoked sessions.
const StatusUnauthorized = 401

// Authoritative reports whether the remote side revoked the session. Such
// closes must not be retried against the same material.
func (r CloseReason) Authoritative() bool {
	return r.LoggedOut || r.Code == StatusUnauthorized
}

func (r CloseReason) String() string {
	switch {
	case r.LoggedOut && r.Message == "":
		return "logged out"
	case r.Code != 0 && r.Message != "":
		return fmt.Sprintf("%d %s", r.Code, r.Message)
	case r.Code != 0:
		return fmt.Sprintf("status %d", r.Code)
	case r.Message != "":
		return r.Message
	default:
		return "connection closed"
	}
}

// Inbound is a received message, logged only.
type Inbound struct {
	From string
	Chat string
	Text string
}

type Event struct {
	Kind      EventKind
	Challenge string
	Identity  Identity
	Reason    CloseReason
	Inbound   *Inbound
}

// Sink receives transport events. Implementations must not block.
type Sink func(Event)

type Destination struct {
	ID   string
	Name string
}

type Image struct {
	Data        []byte
	ContentType string
	FileName    string
}

type Payload struct {
	Text  string
	Image *Image
}

// Transport is one live connection. After Close it emits no further events
// except possibly a final EventClosed.
type Transport interface {
	Destinations(ctx context.Context) ([]Destination, error)
	Send(ctx context.Context, to Destination, p Payload) error
	Close(ctx context.Context) error
}

// Dialer opens a new Transport per connection attempt. Dial returns once the
// connection is underway; authentication progress arrives via sink.
type Dialer interface {
	Dial(ctx context.Context, m Material, sink Sink) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, m Material, sink Sink) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, m Material, sink Sink) (Transport, error) {
	return f(ctx, m, sink)
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")
