package app

import (
	"crypto/rand"
	"math/big"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

const (
	roomIDLen      = 6
	roomIDAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"
)

// CreateRoom generates a fresh short room id and auto-joins the caller.
// A caller already in a room leaves it first.
func (r *Registry) CreateRoom(id domain.PeerID) (domain.RoomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[id]
	if !ok {
		return "", domain.ErrRoomNotFound
	}
	r.leaveRoomLocked(e)

	roomID := r.newRoomIDLocked()
	room := domain.NewRoom(roomID)
	room.Members[id] = struct{}{}
	r.rooms[roomID] = room
	e.peer.RoomID = roomID

	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("peer", string(id)).Msg("room created")
	return roomID, nil
}

// JoinRoom adds the peer and returns the membership as seen by the joiner.
// Existing members are notified with user-joined before the lock drops.
func (r *Registry) JoinRoom(roomID domain.RoomID, id domain.PeerID) ([]protocol.UserInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	e, ok := r.peers[id]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	r.leaveRoomLocked(e)

	members := make([]protocol.UserInfo, 0, len(room.Members))
	for mid := range room.Members {
		me, ok := r.peers[mid]
		if !ok {
			continue
		}
		members = append(members, protocol.UserInfo{ID: string(mid), Name: me.peer.DisplayName})
		// The room id marks this as a room join, distinct from the
		// roster broadcast sent at registration.
		r.sendLocked(me.conn, protocol.Envelope{
			Type:   protocol.TypeUserJoined,
			ID:     string(id),
			Name:   e.peer.DisplayName,
			RoomID: string(roomID),
		})
	}

	room.Members[id] = struct{}{}
	e.peer.RoomID = roomID

	log.Info().Str("module", "app.registry").Str("room", string(roomID)).Str("peer", string(id)).Int("members", len(room.Members)).Msg("joined room")
	return members, nil
}

// LeaveRoom drops the peer from its current room, if any.
func (r *Registry) LeaveRoom(id domain.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.peers[id]; ok {
		r.leaveRoomLocked(e)
	}
}

// RoomExists reports whether a room id is live.
func (r *Registry) RoomExists(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return ok
}

// RoomList is the REST view of live rooms.
type RoomList struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
}

func (r *Registry) Rooms() []RoomList {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomList, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, RoomList{ID: id, MemberCount: len(room.Members)})
	}
	return out
}

// leaveRoomLocked removes the peer from its room, notifies the remainder and
// deletes the room once empty. No-op when the peer is roomless.
func (r *Registry) leaveRoomLocked(e *peerEntry) {
	roomID := e.peer.RoomID
	if roomID == "" {
		return
	}
	e.peer.RoomID = ""

	room, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, e.peer.ID)
	if room.Empty() {
		delete(r.rooms, roomID)
		log.Info().Str("module", "app.registry").Str("room", string(roomID)).Msg("room deleted")
		return
	}
	for mid := range room.Members {
		if me, ok := r.peers[mid]; ok {
			r.sendLocked(me.conn, protocol.Envelope{Type: protocol.TypeUserLeft, ID: string(e.peer.ID)})
		}
	}
}

// newRoomIDLocked draws short ids until one is free. With a 31-char alphabet
// and 6 positions collisions are rare; the loop is the correctness guarantee.
func (r *Registry) newRoomIDLocked() domain.RoomID {
	for {
		b := make([]byte, roomIDLen)
		for i := range b {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomIDAlphabet))))
			if err != nil {
				log.Panic().Err(err).Str("module", "app.registry").Msg("room id entropy")
			}
			b[i] = roomIDAlphabet[n.Int64()]
		}
		id := domain.RoomID(b)
		if _, ok := r.rooms[id]; !ok {
			return id
		}
	}
}
