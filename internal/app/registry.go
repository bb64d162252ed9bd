// Package app owns the server's signaling state: the session registry with
// room membership and call pairing, and the envelope router. All mutations
// and the notifications they trigger happen inside one critical section, so
// a broadcast can never describe a peer that is already gone.
package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/core"
	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

type peerEntry struct {
	peer *domain.Peer
	conn core.SignalConn

	// callPeer is the remote side of a pending or active call, "" if idle.
	callPeer domain.PeerID
}

type Registry struct {
	mu       sync.RWMutex
	capacity int
	peers    map[domain.PeerID]*peerEntry
	rooms    map[domain.RoomID]*domain.Room
}

// NewRegistry creates an empty registry. capacity <= 0 means unlimited.
func NewRegistry(capacity int) *Registry {
	return &Registry{
		capacity: capacity,
		peers:    make(map[domain.PeerID]*peerEntry),
		rooms:    make(map[domain.RoomID]*domain.Room),
	}
}

// Register stores a new peer and returns it together with the current roster
// (excluding the peer itself). Everyone else gets a user-joined notification
// before the lock is released.
func (r *Registry) Register(displayName string, conn core.SignalConn) (*domain.Peer, []protocol.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capacity > 0 && len(r.peers) >= r.capacity {
		return nil, nil, domain.ErrCapacityExceeded
	}

	peer := domain.NewPeer(displayName)
	roster := make([]protocol.UserInfo, 0, len(r.peers))
	for _, e := range r.peers {
		roster = append(roster, protocol.UserInfo{ID: string(e.peer.ID), Name: e.peer.DisplayName})
	}
	r.peers[peer.ID] = &peerEntry{peer: peer, conn: conn}

	r.notifyAllLocked(peer.ID, protocol.Envelope{
		Type: protocol.TypeUserJoined,
		ID:   string(peer.ID),
		Name: peer.DisplayName,
	})

	log.Info().Str("module", "app.registry").Str("peer", string(peer.ID)).Str("name", peer.DisplayName).Int("online", len(r.peers)).Msg("peer registered")
	return peer, roster, nil
}

// Disconnect removes the peer from its room, tears down any call pairing and
// drops it from the registry, notifying whoever needs to know in that order.
func (r *Registry) Disconnect(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return
	}

	r.leaveRoomLocked(e)

	if other := e.callPeer; other != "" {
		r.clearCallLocked(id, other)
		if oe, ok := r.peers[other]; ok {
			r.sendLocked(oe.conn, protocol.Envelope{Type: protocol.TypeCallEnded, From: string(id)})
		}
	}

	delete(r.peers, id)
	r.notifyAllLocked(id, protocol.Envelope{Type: protocol.TypeUserLeft, ID: string(id)})
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Int("online", len(r.peers)).Msg("peer disconnected")
}

// PeerInfo returns the registered peer's roster entry.
func (r *Registry) PeerInfo(id domain.PeerID) (protocol.UserInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return protocol.UserInfo{}, false
	}
	return protocol.UserInfo{ID: string(e.peer.ID), Name: e.peer.DisplayName}, true
}

// ConnOf returns the signaling transport of a registered peer.
func (r *Registry) ConnOf(id domain.PeerID) (core.SignalConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// RoomConns snapshots the transports of a room's members, excluding one peer.
func (r *Registry) RoomConns(roomID domain.RoomID, except domain.PeerID) []core.SignalConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]core.SignalConn, 0, len(room.Members))
	for id := range room.Members {
		if id == except {
			continue
		}
		if e, ok := r.peers[id]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// sendLocked marshals and pushes one envelope. Callers hold r.mu; TrySend
// never blocks, so this is safe inside the critical section.
func (r *Registry) sendLocked(conn core.SignalConn, env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("marshal notification")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "app.registry").Str("type", string(env.Type)).Msg("notification dropped")
	}
}

func (r *Registry) notifyAllLocked(except domain.PeerID, env protocol.Envelope) {
	for id, e := range r.peers {
		if id == except {
			continue
		}
		r.sendLocked(e.conn, env)
	}
}
