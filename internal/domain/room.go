package domain

type RoomID string

// Room is a named rendezvous point. Membership only ever contains peers
// present in the registry; the registry removes a disconnecting peer from
// its room in the same critical section.
type Room struct {
	ID      RoomID
	Members map[PeerID]struct{}
}

func NewRoom(id RoomID) *Room {
	return &Room{ID: id, Members: make(map[PeerID]struct{})}
}

func (r *Room) Empty() bool { return len(r.Members) == 0 }
