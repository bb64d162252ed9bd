package app

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/avolkov/peercall/internal/core"
	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

// fakeConn records every delivered envelope.
type fakeConn struct {
	mu     sync.Mutex
	fail   bool
	closed bool
	sent   []protocol.Envelope
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("backpressure")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) envelopes() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}

func (c *fakeConn) byType(t protocol.MessageType) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range c.envelopes() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func register(t *testing.T, r *Registry, name string) (*domain.Peer, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	peer, _, err := r.Register(name, conn)
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return peer, conn
}

func TestRegister_RosterExcludesSelfAndNotifiesOthers(t *testing.T) {
	r := NewRegistry(0)

	a, aConn := register(t, r, "alice")

	_, roster, err := r.Register("bob", &fakeConn{})
	if err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if len(roster) != 1 || roster[0].ID != string(a.ID) || roster[0].Name != "alice" {
		t.Fatalf("bob's roster = %+v, want just alice", roster)
	}

	joined := aConn.byType(protocol.TypeUserJoined)
	if len(joined) != 1 || joined[0].Name != "bob" {
		t.Fatalf("alice notifications = %+v, want one user-joined for bob", joined)
	}
}

func TestRegister_Capacity(t *testing.T) {
	r := NewRegistry(1)
	register(t, r, "alice")

	_, _, err := r.Register("bob", &fakeConn{})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want ErrCapacityExceeded", err)
	}
	if r.PeerCount() != 1 {
		t.Fatalf("peer count = %d after rejected register", r.PeerCount())
	}
}

func TestRoomMembership_EqualsJoinsMinusLeaves(t *testing.T) {
	r := NewRegistry(0)
	a, _ := register(t, r, "alice")
	b, _ := register(t, r, "bob")
	c, _ := register(t, r, "carol")

	roomID, err := r.CreateRoom(a.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := r.JoinRoom(roomID, b.ID); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	if _, err := r.JoinRoom(roomID, c.ID); err != nil {
		t.Fatalf("carol join: %v", err)
	}

	r.LeaveRoom(b.ID)
	r.Disconnect(c.ID)

	conns := r.RoomConns(roomID, "")
	if len(conns) != 1 {
		t.Fatalf("members after leave+disconnect = %d, want only alice", len(conns))
	}

	// Last one out deletes the room.
	r.LeaveRoom(a.ID)
	if r.RoomExists(roomID) {
		t.Fatal("empty room should be deleted")
	}
}

func TestJoinRoom_NotFoundAndNotifications(t *testing.T) {
	r := NewRegistry(0)
	a, aConn := register(t, r, "alice")
	b, _ := register(t, r, "bob")

	if _, err := r.JoinRoom("nosuch", b.ID); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}

	roomID, _ := r.CreateRoom(a.ID)
	members, err := r.JoinRoom(roomID, b.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(members) != 1 || members[0].ID != string(a.ID) {
		t.Fatalf("joiner membership view = %+v, want alice", members)
	}

	joined := aConn.byType(protocol.TypeUserJoined)
	// First user-joined is bob's register broadcast, second is the room join.
	if len(joined) != 2 || joined[1].ID != string(b.ID) {
		t.Fatalf("alice saw %+v, want room user-joined for bob", joined)
	}
	if joined[0].RoomID != "" || joined[1].RoomID != string(roomID) {
		t.Fatalf("room id stamps = %q, %q; only the room join should carry %q", joined[0].RoomID, joined[1].RoomID, roomID)
	}
}

func TestDisconnect_NotifiesRoomBeforeRosterAndEndsCall(t *testing.T) {
	r := NewRegistry(0)
	a, aConn := register(t, r, "alice")
	b, _ := register(t, r, "bob")

	roomID, _ := r.CreateRoom(a.ID)
	if _, err := r.JoinRoom(roomID, b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.BeginCall(b.ID, a.ID); err != nil {
		t.Fatalf("begin call: %v", err)
	}

	r.Disconnect(b.ID)

	left := aConn.byType(protocol.TypeUserLeft)
	// Room notification plus roster broadcast, both about bob.
	if len(left) != 2 || left[0].ID != string(b.ID) || left[1].ID != string(b.ID) {
		t.Fatalf("user-left notifications = %+v", left)
	}
	ended := aConn.byType(protocol.TypeCallEnded)
	if len(ended) != 1 || ended[0].From != string(b.ID) {
		t.Fatalf("call-ended notifications = %+v", ended)
	}
	if _, busy := r.CallPartner(a.ID); busy {
		t.Fatal("alice should be free after bob disconnected")
	}
}

func TestRoomID_ShapeAndUniqueness(t *testing.T) {
	r := NewRegistry(0)
	seen := make(map[domain.RoomID]bool)
	for i := 0; i < 50; i++ {
		p, _ := register(t, r, "p")
		id, err := r.CreateRoom(p.ID)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if len(id) != roomIDLen {
			t.Fatalf("room id %q has length %d, want %d", id, len(id), roomIDLen)
		}
		if seen[id] {
			t.Fatalf("room id %q repeated", id)
		}
		seen[id] = true
	}
}

func TestBeginCall_BusyEitherSide(t *testing.T) {
	r := NewRegistry(0)
	a, _ := register(t, r, "alice")
	b, _ := register(t, r, "bob")
	c, _ := register(t, r, "carol")

	if err := r.BeginCall(a.ID, b.ID); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := r.BeginCall(c.ID, a.ID); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("calling busy target: err = %v, want ErrAlreadyInCall", err)
	}
	if err := r.BeginCall(a.ID, c.ID); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("busy caller: err = %v, want ErrAlreadyInCall", err)
	}

	// Hanging up twice is harmless.
	if other, ok := r.EndCall(a.ID); !ok || other != b.ID {
		t.Fatalf("end call = %v, %v", other, ok)
	}
	if _, ok := r.EndCall(a.ID); ok {
		t.Fatal("second end call should find nothing")
	}

	if err := r.BeginCall(c.ID, a.ID); err != nil {
		t.Fatalf("call after hangup: %v", err)
	}
}

func TestBeginCall_RoomMembersAreBusy(t *testing.T) {
	r := NewRegistry(0)
	a, _ := register(t, r, "alice")
	b, _ := register(t, r, "bob")

	if _, err := r.CreateRoom(a.ID); err != nil {
		t.Fatalf("create room: %v", err)
	}

	// A room member is busy from both directions.
	if err := r.BeginCall(b.ID, a.ID); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("calling room member: err = %v, want ErrAlreadyInCall", err)
	}
	if err := r.BeginCall(a.ID, b.ID); !errors.Is(err, domain.ErrAlreadyInCall) {
		t.Fatalf("room member dialing out: err = %v, want ErrAlreadyInCall", err)
	}

	r.LeaveRoom(a.ID)
	if err := r.BeginCall(b.ID, a.ID); err != nil {
		t.Fatalf("call after leaving room: %v", err)
	}
}
