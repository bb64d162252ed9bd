package domain

import "errors"

var (
	// Server-side registry errors.
	ErrCapacityExceeded = errors.New("server at capacity")
	ErrRoomNotFound     = errors.New("room not found")

	// Client-side call lifecycle errors.
	ErrAlreadyInCall = errors.New("already in a call")
	ErrNotInCall     = errors.New("no active call")

	// Media capability errors.
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceBusy       = errors.New("media device busy")

	// ErrNegotiationState marks a signaling message that arrived in a state
	// that cannot accept it. Dropped with a log entry, never fatal.
	ErrNegotiationState = errors.New("unexpected negotiation state")

	// ErrConnectionLost is terminal: renegotiation retries are exhausted.
	ErrConnectionLost = errors.New("connection lost")
)
