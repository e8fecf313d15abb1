package protocol

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrInvalidUpdate      = errors.New("protocol: invalid connection update")
	ErrConnClosed         = errors.New("protocol: connection closed")
	ErrPairingUnsupported = errors.New("protocol: pairing code unsupported")
)

// AuthState is the credential view the client loads from a session directory.
// Creds holds the raw key-material fields; the manager never interprets them
// beyond presence checks done by the credential store.
type AuthState struct {
	Registered bool
	Creds      map[string]json.RawMessage
}

// OpenOptions selects per-connection behavior. A non-empty PhoneNumber
// requests the pairing-code login flow; empty selects the QR flow. The two
// are mutually exclusive by construction.
type OpenOptions struct {
	SessionDir  string
	PhoneNumber string
}

// Client opens connections from stored credentials.
type Client interface {
	// LoadAuthState reads or initializes credential state for a session
	// directory. A directory with no bundle yields an unregistered state.
	LoadAuthState(dir string) (AuthState, error)

	// Open establishes a live connection. The returned Conn is exclusively
	// owned by the caller.
	Open(ctx context.Context, state AuthState, opts OpenOptions) (Conn, error)
}

// Conn is one live protocol connection.
type Conn interface {
	// Events yields protocol events in emission order. The channel closes
	// when the connection terminates for any reason.
	Events() <-chan Event

	// RequestPairingCode asks the remote for a pairing code bound to the
	// given phone number.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// Close tears the connection down. Closing twice is safe.
	Close() error
}
