// Package loopback is an in-process protocol client with deterministic
// behavior. It stands in for the real messaging transport during development
// and in lifecycle tests, the way a deterministic seed stands in for real
// infrastructure.
package loopback

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/protocol"
)

const eventBuffer = 16

// Client implements protocol.Client without any network. Opening a
// connection immediately reports open; unregistered sessions first surface a
// login artifact (QR by default, pairing code when a phone number is given)
// and then register themselves by persisting a complete bundle.
type Client struct{}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) LoadAuthState(dir string) (protocol.AuthState, error) {
	status := credstore.CheckStatus(dir)
	if !status.Valid {
		return protocol.AuthState{Registered: false, Creds: freshCreds()}, nil
	}
	return protocol.AuthState{Registered: true, Creds: freshCreds()}, nil
}

func (c *Client) Open(ctx context.Context, state protocol.AuthState, opts protocol.OpenOptions) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &Conn{
		events:  make(chan protocol.Event, eventBuffer),
		dir:     opts.SessionDir,
		pairing: opts.PhoneNumber != "",
	}
	conn.boot(state)
	return conn, nil
}

// Conn is one loopback connection.
type Conn struct {
	events  chan protocol.Event
	dir     string
	pairing bool

	mu     sync.Mutex
	closed bool
}

func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

func (c *Conn) RequestPairingCode(_ context.Context, phoneNumber string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", protocol.ErrConnClosed
	}
	if phoneNumber == "" {
		return "", fmt.Errorf("%w: phone number required", protocol.ErrPairingUnsupported)
	}
	return randomToken(4) + "-" + randomToken(4), nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.emitLocked(protocol.Event{
		Name: protocol.EventConnectionState,
		Payload: protocol.ConnectionUpdate{
			State:  protocol.ConnStateClose,
			Reason: protocol.CloseTransient,
		},
	})
	close(c.events)
	return nil
}

// boot replays the connect sequence: connecting, optional login artifact,
// registration persist, open.
func (c *Conn) boot(state protocol.AuthState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.emitLocked(protocol.Event{
		Name:    protocol.EventConnectionState,
		Payload: protocol.ConnectionUpdate{State: protocol.ConnStateConnecting},
	})
	if !state.Registered {
		upd := protocol.ConnectionUpdate{State: protocol.ConnStateConnecting}
		if c.pairing {
			upd.PairingCode = randomToken(4) + "-" + randomToken(4)
		} else {
			upd.QRCode = "loopback-qr-" + randomToken(8)
		}
		c.emitLocked(protocol.Event{Name: protocol.EventConnectionState, Payload: upd})
		state.Registered = true
		c.emitLocked(protocol.Event{Name: protocol.EventCredsChanged, Payload: state})
	}
	c.emitLocked(protocol.Event{
		Name:    protocol.EventConnectionState,
		Payload: protocol.ConnectionUpdate{State: protocol.ConnStateOpen},
	})
}

func (c *Conn) emitLocked(ev protocol.Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func freshCreds() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(credstore.RequiredFields()))
	for _, field := range credstore.RequiredFields() {
		key, _ := json.Marshal(randomToken(16))
		out[field] = key
	}
	return out
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}
