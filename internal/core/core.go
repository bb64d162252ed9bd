// Package core holds the interfaces the server state machine needs from its
// transport adapters. The registry and router never touch websockets
// directly; they fan out through SignalConn.
package core

// Frame is a raw signaling payload, already marshaled.
type Frame []byte

// SignalConn abstracts one client's signaling transport.
// Owned by the adapter; the adapter must Close() it. TrySend never blocks:
// a full send buffer is the sender's problem, not the registry's.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}
