package manager

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/protocol"
)

// fakeClient is a scriptable protocol client for lifecycle tests. Auth state
// mirrors the on-disk bundle unless overridden.
type fakeClient struct {
	mu               sync.Mutex
	loads            int
	opens            int
	conns            []*fakeConn
	states           []protocol.AuthState
	failOpenErr      error
	failOpenCount    int // >0 fails that many opens, -1 fails all
	failOpenFor      map[string]error
	unregisteredOnce bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{failOpenFor: make(map[string]error)}
}

func (c *fakeClient) LoadAuthState(dir string) (protocol.AuthState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	status := credstore.CheckStatus(dir)
	registered := status.Valid && status.Registered
	if c.unregisteredOnce {
		registered = false
		c.unregisteredOnce = false
	}
	state := protocol.AuthState{Registered: registered, Creds: testCreds()}
	c.states = append(c.states, state)
	return state, nil
}

func (c *fakeClient) Open(ctx context.Context, state protocol.AuthState, opts protocol.OpenOptions) (protocol.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if err := c.failOpenFor[filepath.Base(opts.SessionDir)]; err != nil {
		return nil, err
	}
	if c.failOpenCount != 0 {
		if c.failOpenCount > 0 {
			c.failOpenCount--
		}
		err := c.failOpenErr
		if err == nil {
			err = errors.New("open refused")
		}
		return nil, err
	}
	conn := &fakeConn{
		state:  state,
		opts:   opts,
		events: make(chan protocol.Event, 32),
	}
	c.conns = append(c.conns, conn)
	return conn, nil
}

func (c *fakeClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeClient) loadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads
}

func (c *fakeClient) lastState() protocol.AuthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[len(c.states)-1]
}

func (c *fakeClient) liveConns() []*fakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeConn
	for _, conn := range c.conns {
		if !conn.isClosed() {
			out = append(out, conn)
		}
	}
	return out
}

type fakeConn struct {
	state  protocol.AuthState
	opts   protocol.OpenOptions
	events chan protocol.Event

	mu         sync.Mutex
	closed     bool
	failCloses int
	pairErr    error
}

func (c *fakeConn) Events() <-chan protocol.Event {
	return c.events
}

func (c *fakeConn) RequestPairingCode(_ context.Context, phoneNumber string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairErr != nil {
		return "", c.pairErr
	}
	if phoneNumber == "" {
		return "", protocol.ErrPairingUnsupported
	}
	return "FAKE-CODE", nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.failCloses > 0 {
		c.failCloses--
		return errors.New("close failed")
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) emitOpen() {
	c.events <- protocol.Event{
		Name:    protocol.EventConnectionState,
		Payload: protocol.ConnectionUpdate{State: protocol.ConnStateOpen},
	}
}

func (c *fakeConn) emit(ev protocol.Event) {
	c.events <- ev
}

// emitClose delivers a terminal close update and ends the event stream, the
// way a real transport drops its connection.
func (c *fakeConn) emitClose(reason protocol.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- protocol.Event{
		Name:    protocol.EventConnectionState,
		Payload: protocol.ConnectionUpdate{State: protocol.ConnStateClose, Reason: reason},
	}
	close(c.events)
}

func testCreds() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, field := range credstore.RequiredFields() {
		out[field] = json.RawMessage(`"fake-key"`)
	}
	return out
}

func testManager(t *testing.T, client *fakeClient, root string) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Client:         client,
		SessionRoot:    root,
		ReconnectDelay: 10 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		RetryBaseDelay: time.Millisecond,
		MaxRetries:     3,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeRegisteredBundle(t *testing.T, dir string) {
	t.Helper()
	if err := credstore.SaveAuthState(dir, true, testCreds()); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
}
