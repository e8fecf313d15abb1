// Package protocol owns the contract between the shard manager and the
// external messaging client.
//
// Ownership boundary:
// - event name enumeration and envelope shapes
// - connection-state and close-reason classification
// - Client/Conn capability interfaces
//
// The wire protocol itself (handshake, framing, encryption) lives behind the
// Client implementation and is never interpreted here.
package protocol
