package loopback

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/shardctl/internal/credstore"
	"github.com/danmuck/shardctl/internal/protocol"
	"github.com/danmuck/shardctl/internal/testutil/testlog"
)

func drainUntilOpen(t *testing.T, conn protocol.Conn) []protocol.Event {
	t.Helper()
	var seen []protocol.Event
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-conn.Events():
			seen = append(seen, ev)
			if upd, ok := ev.Payload.(protocol.ConnectionUpdate); ok && upd.State == protocol.ConnStateOpen {
				return seen
			}
		case <-deadline:
			t.Fatalf("never reached open, saw %d events", len(seen))
		}
	}
}

func TestOpenUnregisteredEmitsQRLogin(t *testing.T) {
	testlog.Start(t)
	client := NewClient()
	dir := filepath.Join(t.TempDir(), "shard-a")

	state, err := client.LoadAuthState(dir)
	if err != nil || state.Registered {
		t.Fatalf("fresh dir should load unregistered: state=%+v err=%v", state, err)
	}
	conn, err := client.Open(context.Background(), state, protocol.OpenOptions{SessionDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	seen := drainUntilOpen(t, conn)
	var qr string
	var credsSeen bool
	for _, ev := range seen {
		switch ev.Name {
		case protocol.EventConnectionState:
			if upd := ev.Payload.(protocol.ConnectionUpdate); upd.QRCode != "" {
				qr = upd.QRCode
			}
		case protocol.EventCredsChanged:
			if !ev.Payload.(protocol.AuthState).Registered {
				t.Fatalf("credentials update should mark the session registered")
			}
			credsSeen = true
		}
	}
	if qr == "" {
		t.Fatalf("unregistered boot must surface a QR artifact")
	}
	if !credsSeen {
		t.Fatalf("unregistered boot must emit credentials-changed")
	}
}

func TestOpenWithPhoneEmitsPairingCode(t *testing.T) {
	testlog.Start(t)
	client := NewClient()
	dir := filepath.Join(t.TempDir(), "shard-a")

	state, _ := client.LoadAuthState(dir)
	conn, err := client.Open(context.Background(), state, protocol.OpenOptions{
		SessionDir:  dir,
		PhoneNumber: "15551234567",
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	var pairing string
	for _, ev := range drainUntilOpen(t, conn) {
		if ev.Name != protocol.EventConnectionState {
			continue
		}
		if upd := ev.Payload.(protocol.ConnectionUpdate); upd.PairingCode != "" {
			pairing = upd.PairingCode
		}
	}
	if pairing == "" {
		t.Fatalf("phone-number open must surface a pairing code")
	}
}

func TestOpenRegisteredSkipsLogin(t *testing.T) {
	testlog.Start(t)
	client := NewClient()
	dir := filepath.Join(t.TempDir(), "shard-a")
	state, _ := client.LoadAuthState(dir)
	if err := credstore.SaveAuthState(dir, true, state.Creds); err != nil {
		t.Fatalf("seed bundle: %v", err)
	}

	state, err := client.LoadAuthState(dir)
	if err != nil || !state.Registered {
		t.Fatalf("registered bundle should load registered: state=%+v err=%v", state, err)
	}
	conn, err := client.Open(context.Background(), state, protocol.OpenOptions{SessionDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	for _, ev := range drainUntilOpen(t, conn) {
		if ev.Name == protocol.EventCredsChanged {
			t.Fatalf("registered boot must not re-register")
		}
		if upd, ok := ev.Payload.(protocol.ConnectionUpdate); ok && upd.QRCode != "" {
			t.Fatalf("registered boot must not surface a login artifact")
		}
	}
}

func TestCloseEndsStreamWithTransientReason(t *testing.T) {
	testlog.Start(t)
	client := NewClient()
	dir := filepath.Join(t.TempDir(), "shard-a")
	state, _ := client.LoadAuthState(dir)
	conn, err := client.Open(context.Background(), state, protocol.OpenOptions{SessionDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	drainUntilOpen(t, conn)

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	var last protocol.Event
	for ev := range conn.Events() {
		last = ev
	}
	upd, ok := last.Payload.(protocol.ConnectionUpdate)
	if !ok || upd.State != protocol.ConnStateClose || upd.Reason != protocol.CloseTransient {
		t.Fatalf("expected transient close, got %+v", last)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("repeated close must be a no-op: %v", err)
	}
}

func TestRequestPairingCode(t *testing.T) {
	testlog.Start(t)
	client := NewClient()
	dir := filepath.Join(t.TempDir(), "shard-a")
	state, _ := client.LoadAuthState(dir)
	conn, err := client.Open(context.Background(), state, protocol.OpenOptions{SessionDir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	code, err := conn.RequestPairingCode(context.Background(), "15551234567")
	if err != nil || code == "" {
		t.Fatalf("pairing code: code=%q err=%v", code, err)
	}
	if _, err := conn.RequestPairingCode(context.Background(), ""); !errors.Is(err, protocol.ErrPairingUnsupported) {
		t.Fatalf("expected ErrPairingUnsupported, got %v", err)
	}
}
