// Package transporttest provides a scripted transport for tests. Tests drive
// lifecycle events by hand and inspect what the code under test sent.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/transport"
)

// WaitTimeout bounds every blocking helper in this package.
var WaitTimeout = 3 * time.Second

// Dialer records every Dial and hands out Conns.
type Dialer struct {
	mu      sync.Mutex
	conns   []*Conn
	dialErr []error
	dests   []transport.Destination
	holds   []*Hold

	dialed chan *Conn
}

// Hold parks one Dial call until Release.
type Hold struct {
	entered chan struct{}
	release chan struct{}
}

// Entered waits until the held Dial has started.
func (h *Hold) Entered(t testing.TB) {
	t.Helper()
	select {
	case <-h.entered:
	case <-time.After(WaitTimeout):
		t.Fatalf("timeout waiting for held Dial")
	}
}

// Release lets the held Dial continue.
func (h *Hold) Release() { close(h.release) }

// HoldNext makes the next Dial block until the returned Hold is released
// or its context ends.
func (d *Dialer) HoldNext() *Hold {
	h := &Hold{entered: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.holds = append(d.holds, h)
	d.mu.Unlock()
	return h
}

func NewDialer() *Dialer {
	return &Dialer{dialed: make(chan *Conn, 64)}
}

// FailNext makes the next Dial return err.
func (d *Dialer) FailNext(err error) {
	d.mu.Lock()
	d.dialErr = append(d.dialErr, err)
	d.mu.Unlock()
}

// SetDestinations sets the directory given to every future Conn.
func (d *Dialer) SetDestinations(dests ...transport.Destination) {
	d.mu.Lock()
	d.dests = append([]transport.Destination(nil), dests...)
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, m transport.Material, sink transport.Sink) (transport.Transport, error) {
	d.mu.Lock()
	if len(d.holds) > 0 {
		h := d.holds[0]
		d.holds = d.holds[1:]
		d.mu.Unlock()
		close(h.entered)
		select {
		case <-h.release:
		case <-ctx.Done():
			d.dialed <- nil
			return nil, ctx.Err()
		}
		d.mu.Lock()
	}
	if len(d.dialErr) > 0 {
		err := d.dialErr[0]
		d.dialErr = d.dialErr[1:]
		d.mu.Unlock()
		d.dialed <- nil
		return nil, err
	}
	c := &Conn{
		Material: m,
		sink:     sink,
		dests:    append([]transport.Destination(nil), d.dests...),
		seq:      len(d.conns) + 1,
	}
	d.conns = append(d.conns, c)
	d.mu.Unlock()

	d.dialed <- c
	return c, nil
}

// Next waits for the next Dial call. A nil Conn means that Dial failed.
func (d *Dialer) Next(t testing.TB) *Conn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(WaitTimeout):
		t.Fatalf("timeout waiting for Dial")
		return nil
	}
}

// NoDial asserts that no Dial happens within wait.
func (d *Dialer) NoDial(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case c := <-d.dialed:
		t.Fatalf("unexpected Dial (conn %v)", c)
	case <-time.After(wait):
	}
}

// Dials returns how many transports were created.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// Open returns how many transports are not closed.
func (d *Dialer) Open() int {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns...)
	d.mu.Unlock()
	n := 0
	for _, c := range conns {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Sent is one recorded Send call.
type Sent struct {
	To      transport.Destination
	Payload transport.Payload
}

// Conn is a scripted transport.Transport.
type Conn struct {
	Material transport.Material

	sink transport.Sink
	seq  int

	mu      sync.Mutex
	dests   []transport.Destination
	sent    []Sent
	sendErr error
	closed  bool
	calls   int
}

func (c *Conn) String() string {
	if c == nil {
		return "<failed dial>"
	}
	return "conn#" + strconv.Itoa(c.seq)
}

// Challenge emits a pairing challenge.
func (c *Conn) Challenge(code string) {
	c.sink(transport.Event{Kind: transport.EventChallenge, Challenge: code})
}

// Open emits EventOpened with id.
func (c *Conn) Open(id transport.Identity) {
	c.sink(transport.Event{Kind: transport.EventOpened, Identity: id})
}

// Drop emits EventClosed as if the remote side ended the connection.
func (c *Conn) Drop(reason transport.CloseReason) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.sink(transport.Event{Kind: transport.EventClosed, Reason: reason})
}

// Inbound emits a received message.
func (c *Conn) Inbound(from, text string) {
	c.sink(transport.Event{Kind: transport.EventInbound, Inbound: &transport.Inbound{From: from, Text: text}})
}

func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Calls counts Destinations and Send calls.
func (c *Conn) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Destinations(ctx context.Context) ([]transport.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.closed {
		return nil, transport.ErrClosed
	}
	return append([]transport.Destination(nil), c.dests...), nil
}

func (c *Conn) Send(ctx context.Context, to transport.Destination, p transport.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.closed {
		return transport.ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Payload: p})
	return nil
}

// Close marks the conn closed and, like real transports, emits a final
// EventClosed synchronously from inside Close.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.sink(transport.Event{Kind: transport.EventClosed, Reason: transport.CloseReason{Message: "closed by client"}})
	return nil
}

// ErrScripted is a convenient error for FailNext and FailSends.
var ErrScripted = errors.New("scripted failure")
