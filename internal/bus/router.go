package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/shardctl/internal/observability"
	"github.com/danmuck/shardctl/internal/protocol"
)

// AuthMethod values carried on login-update events.
const (
	AuthMethodQR          = "qr"
	AuthMethodPairingCode = "pairing_code"
)

// LoginUpdate is the login-update payload bridging protocol auth challenges
// to the application layer.
type LoginUpdate struct {
	ShardID    string
	State      protocol.ConnState
	AuthMethod string
	Code       string
	QR         string
}

// RouterHooks are the lifecycle callbacks a router owner wires in. Any hook
// may be nil. Open/close hooks carry the originating connection so the owner
// can discard signals from a handle it has already replaced.
type RouterHooks struct {
	// OnOpen fires when a connection reports state open.
	OnOpen func(shardID string, conn protocol.Conn)
	// OnClose fires exactly once per attached connection, when a close
	// update arrives or the event stream ends.
	OnClose func(shardID string, conn protocol.Conn, reason protocol.CloseReason)
	// Persist stores updated credentials on credentials-changed events.
	Persist func(shardID string, state protocol.AuthState) error
	// OnPersistError observes Persist failures; the connection is not halted.
	OnPersistError func(shardID string, err error)
}

// Router bridges protocol connections onto the global bus, tagging every
// event with its shard of origin.
type Router struct {
	bus   *Bus
	hooks RouterHooks
	wg    sync.WaitGroup
}

func NewRouter(b *Bus, hooks RouterHooks) *Router {
	return &Router{bus: b, hooks: hooks}
}

// Attach starts one forwarding goroutine for conn. The goroutine exits when
// the connection's event channel closes.
func (r *Router) Attach(shardID string, conn protocol.Conn) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.forward(shardID, conn)
	}()
}

// Wait blocks until every attached connection's forwarder has exited.
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) forward(shardID string, conn protocol.Conn) {
	closeSeen := false
	for ev := range conn.Events() {
		observability.RecordEventForwarded(string(ev.Name))
		r.bus.Publish(ShardEvent{ShardID: shardID, Name: ev.Name, Payload: ev.Payload})

		switch ev.Name {
		case protocol.EventConnectionState:
			upd, ok := ev.Payload.(protocol.ConnectionUpdate)
			if !ok {
				log.Warn().Str("shard", shardID).Msg("router dropped malformed connection update")
				continue
			}
			if r.handleConnectionState(shardID, conn, upd) {
				closeSeen = true
			}
		case protocol.EventCredsChanged:
			state, ok := ev.Payload.(protocol.AuthState)
			if !ok {
				log.Warn().Str("shard", shardID).Msg("router dropped malformed credentials update")
				continue
			}
			r.persist(shardID, state)
		}
	}
	// A stream that ends without an explicit close update still counts as a
	// disconnect; the reason is unknowable at this layer.
	if !closeSeen && r.hooks.OnClose != nil {
		r.hooks.OnClose(shardID, conn, protocol.CloseUnknown)
	}
}

// handleConnectionState reports whether the update was a close.
func (r *Router) handleConnectionState(shardID string, conn protocol.Conn, upd protocol.ConnectionUpdate) bool {
	if upd.QRCode != "" || upd.PairingCode != "" {
		login := LoginUpdate{
			ShardID: shardID,
			State:   upd.State,
		}
		if upd.PairingCode != "" {
			login.AuthMethod = AuthMethodPairingCode
			login.Code = upd.PairingCode
		} else {
			login.AuthMethod = AuthMethodQR
			login.QR = upd.QRCode
		}
		r.bus.Publish(ShardEvent{ShardID: shardID, Name: EventLoginUpdate, Payload: login})
	}

	switch upd.State {
	case protocol.ConnStateOpen:
		if r.hooks.OnOpen != nil {
			r.hooks.OnOpen(shardID, conn)
		}
	case protocol.ConnStateClose:
		reason := upd.Reason
		if reason == "" {
			reason = protocol.CloseUnknown
		}
		if r.hooks.OnClose != nil {
			r.hooks.OnClose(shardID, conn, reason)
		}
		return true
	}
	return false
}

func (r *Router) persist(shardID string, state protocol.AuthState) {
	if r.hooks.Persist == nil {
		return
	}
	if err := r.hooks.Persist(shardID, state); err != nil {
		log.Warn().Str("shard", shardID).Err(err).Msg("router credential persist failed")
		if r.hooks.OnPersistError != nil {
			r.hooks.OnPersistError(shardID, err)
		}
	}
}
