// Package domain contains entities without logic, just meta-data.
package domain

import (
	"github.com/google/uuid"
)

const MaxDisplayNameLen = 36

type PeerID string

// Peer is a registered signaling client. RoomID is empty while the peer
// is not a member of any room.
type Peer struct {
	ID          PeerID `json:"id"`
	DisplayName string `json:"name"`
	RoomID      RoomID `json:"-"`
}

// NewPeer assigns a server-side id; the display name is clamped, never rejected,
// so a register message always succeeds unless the server is at capacity.
// Clamping counts runes, not bytes, so a multi-byte name is never cut
// mid-character.
func NewPeer(displayName string) *Peer {
	if displayName == "" {
		displayName = "guest"
	}
	if runes := []rune(displayName); len(runes) > MaxDisplayNameLen {
		displayName = string(runes[:MaxDisplayNameLen])
	}
	return &Peer{ID: PeerID(uuid.NewString()), DisplayName: displayName}
}
