// Package faults owns the closed failure taxonomy and its reporting path.
//
// Reporting is side-effect only: a reported fault is published on the global
// bus for asynchronous observers, while the caller that hit the failure still
// receives it as a plain error return.
package faults

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/shardctl/internal/bus"
)

// Kind enumerates the fixed failure taxonomy.
type Kind string

const (
	KindCreateFailed    Kind = "CREATE_FAILED"
	KindRecreateFailed  Kind = "RECREATE_FAILED"
	KindCredsSaveFailed Kind = "CREDS_SAVE_FAILED"
	KindPairingFailed   Kind = "PAIRING_FAILED"
	KindShardNotFound   Kind = "SHARD_NOT_FOUND"
	KindConnectFailed   Kind = "CONNECT_FAILED"
	KindStopFailed      Kind = "STOP_FAILED"
	KindLoadFailed      Kind = "LOAD_FAILED"
	KindNoSessions      Kind = "NO_SESSIONS"
)

// Fault is one classified failure. ShardID is empty for global faults;
// Err is nil for advisory kinds such as NO_SESSIONS.
type Fault struct {
	Kind    Kind
	ShardID string
	Err     error
}

func New(kind Kind, shardID string, err error) *Fault {
	return &Fault{Kind: kind, ShardID: shardID, Err: err}
}

func (f *Fault) Error() string {
	switch {
	case f.Err == nil && f.ShardID == "":
		return string(f.Kind)
	case f.Err == nil:
		return fmt.Sprintf("%s: shard=%s", f.Kind, f.ShardID)
	case f.ShardID == "":
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: shard=%s: %v", f.Kind, f.ShardID, f.Err)
	}
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Is matches faults by kind so callers can use errors.Is against a bare
// &Fault{Kind: ...} probe.
func (f *Fault) Is(target error) bool {
	other, ok := target.(*Fault)
	if !ok {
		return false
	}
	return other.Kind == f.Kind
}

// Reporter publishes faults on the global bus.
type Reporter struct {
	bus *bus.Bus
}

func NewReporter(b *bus.Bus) *Reporter {
	return &Reporter{bus: b}
}

// Report logs and publishes one fault, then returns it unchanged so call
// sites can report and propagate in a single expression.
func (r *Reporter) Report(f *Fault) *Fault {
	evt := log.Warn()
	if f.Kind == KindNoSessions {
		evt = log.Info()
	}
	evt.Str("kind", string(f.Kind)).Str("shard", f.ShardID).Err(f.Err).Msg("fault")
	r.bus.Publish(bus.ShardEvent{
		ShardID: f.ShardID,
		Name:    bus.EventError,
		Payload: f,
	})
	return f
}
