package app

import (
	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
)

// BeginCall records a pending pairing for a call-user request. It fails with
// ErrAlreadyInCall when either side is already paired or sits in a room, so
// a busy peer's sessions are never disturbed by a third caller.
func (r *Registry) BeginCall(from, target domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fe, ok := r.peers[from]
	if !ok {
		return domain.ErrNotInCall
	}
	te, ok := r.peers[target]
	if !ok {
		return domain.ErrNotInCall
	}
	if fe.callPeer != "" || te.callPeer != "" {
		return domain.ErrAlreadyInCall
	}
	if fe.peer.RoomID != "" || te.peer.RoomID != "" {
		return domain.ErrAlreadyInCall
	}

	fe.callPeer = target
	te.callPeer = from
	log.Info().Str("module", "app.registry").Str("from", string(from)).Str("target", string(target)).Msg("call pending")
	return nil
}

// CallPartner returns the peer the given one is paired with, if any.
func (r *Registry) CallPartner(id domain.PeerID) (domain.PeerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[id]
	if !ok || e.callPeer == "" {
		return "", false
	}
	return e.callPeer, true
}

// EndCall clears the pairing on both sides and returns the other peer.
// Safe to call twice; the second call finds nothing to clear.
func (r *Registry) EndCall(id domain.PeerID) (domain.PeerID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok || e.callPeer == "" {
		return "", false
	}
	other := e.callPeer
	r.clearCallLocked(id, other)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Str("other", string(other)).Msg("call cleared")
	return other, true
}

func (r *Registry) clearCallLocked(a, b domain.PeerID) {
	if e, ok := r.peers[a]; ok && e.callPeer == b {
		e.callPeer = ""
	}
	if e, ok := r.peers[b]; ok && e.callPeer == a {
		e.callPeer = ""
	}
}
