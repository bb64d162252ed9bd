package call

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDialing
	PhaseRinging
	PhaseInCall
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseRinging:
		return "ringing"
	case PhaseInCall:
		return "in-call"
	}
	return "unknown"
}

type EventKind int

const (
	EventRegistered EventKind = iota
	EventIncomingCall
	EventCallRejected
	EventCallEnded
	EventPeerConnected
	EventPeerJoined
	EventPeerLeft
	EventRoomCreated
	EventRoomJoined
	EventRoomNotFound
	EventServerError
	EventConnectionLost
)

// Event is surfaced to the embedding application (CLI, UI) whenever
// something it should react to or display happens.
type Event struct {
	Kind   EventKind
	Peer   protocol.UserInfo
	RoomID domain.RoomID
	Reason string
	Err    error
}

type ControllerConfig struct {
	Send        SendFunc
	Factory     TransportFactory
	Media       MediaSource
	Constraints Constraints
	OnEvent     func(Event)
	Recovery    SupervisorConfig
}

// Controller owns the client side of call and room lifecycle: who we are
// talking to, one negotiation session per remote peer, and the shared
// local media handle. Server envelopes come in through HandleEnvelope;
// user intent through the exported methods.
//
// Lock discipline: c.mu guards the maps and phase only. Session and media
// calls happen after unlock, because session state callbacks re-enter the
// controller.
type Controller struct {
	cfg ControllerConfig

	mu       sync.Mutex
	self     protocol.UserInfo
	phase    Phase
	peer     protocol.UserInfo
	roomID   domain.RoomID
	sessions map[domain.PeerID]*Session
	supers   map[domain.PeerID]*Supervisor
	media    MediaHandle
}

func NewController(cfg ControllerConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		sessions: make(map[domain.PeerID]*Session),
		supers:   make(map[domain.PeerID]*Supervisor),
	}
}

func (c *Controller) emit(ev Event) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Self() protocol.UserInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Register introduces us to the server. The id comes back in the
// registered envelope.
func (c *Controller) Register(name string) error {
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeRegister, Name: name})
}

// StartCall dials a peer. Only one call at a time; a second dial while
// dialing, ringing or in a call fails without touching the wire.
func (c *Controller) StartCall(target domain.PeerID) error {
	c.mu.Lock()
	if c.phase != PhaseIdle || c.roomID != "" {
		c.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	c.phase = PhaseDialing
	c.peer = protocol.UserInfo{ID: string(target)}
	c.mu.Unlock()

	if err := c.ensureMedia(); err != nil {
		c.mu.Lock()
		c.phase = PhaseIdle
		c.peer = protocol.UserInfo{}
		c.mu.Unlock()
		return err
	}
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeCallUser, Target: string(target)})
}

// AcceptCall answers the ringing call. The session is created here as
// responder; the caller's offer lands in it right after.
func (c *Controller) AcceptCall() error {
	c.mu.Lock()
	if c.phase != PhaseRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: accept while %s", domain.ErrNotInCall, c.phase)
	}
	peer := c.peer
	c.mu.Unlock()

	if err := c.ensureMedia(); err != nil {
		return err
	}
	if _, err := c.openSession(domain.PeerID(peer.ID), RoleResponder); err != nil {
		return err
	}

	c.mu.Lock()
	c.phase = PhaseInCall
	c.mu.Unlock()
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeAcceptCall, Target: peer.ID})
}

// RejectCall declines the ringing call.
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	if c.phase != PhaseRinging {
		c.mu.Unlock()
		return fmt.Errorf("%w: reject while %s", domain.ErrNotInCall, c.phase)
	}
	peer := c.peer
	c.phase = PhaseIdle
	c.peer = protocol.UserInfo{}
	c.mu.Unlock()
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeRejectCall, Target: peer.ID, Reason: protocol.ReasonRejected})
}

// EndCall hangs up the current call, notifies the remote peer, and
// releases the media handle. Safe to call when no call is up; inside a
// room it is the same hangup gesture, so it leaves the room.
func (c *Controller) EndCall() error {
	c.mu.Lock()
	if c.roomID != "" {
		c.mu.Unlock()
		return c.LeaveRoom()
	}
	if c.phase == PhaseIdle {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer
	c.mu.Unlock()

	err := c.cfg.Send(protocol.Envelope{Type: protocol.TypeEndCall, Target: peer.ID})
	c.teardownPeer(domain.PeerID(peer.ID))
	c.resetCallState()
	return err
}

// SetAudioEnabled mutes or unmutes the local audio track. Remote peers
// keep receiving the (silenced) track; nothing is renegotiated.
func (c *Controller) SetAudioEnabled(enabled bool) {
	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media != nil {
		media.SetAudioEnabled(enabled)
	}
}

func (c *Controller) CreateRoom() error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	c.mu.Unlock()
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeCreateRoom})
}

func (c *Controller) JoinRoom(id domain.RoomID) error {
	c.mu.Lock()
	if c.phase != PhaseIdle || c.roomID != "" {
		c.mu.Unlock()
		return domain.ErrAlreadyInCall
	}
	c.mu.Unlock()
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeJoinRoom, RoomID: string(id)})
}

// LeaveRoom exits the room and tears down every peer session.
func (c *Controller) LeaveRoom() error {
	c.mu.Lock()
	if c.roomID == "" {
		c.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	roomID := c.roomID
	c.roomID = ""
	ids := make([]domain.PeerID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.teardownPeer(id)
	}
	c.resetCallState()
	return c.cfg.Send(protocol.Envelope{Type: protocol.TypeLeaveRoom, RoomID: string(roomID)})
}

// Close tears everything down. Used on shutdown and on signaling loss
// past recovery.
func (c *Controller) Close() {
	c.mu.Lock()
	ids := make([]domain.PeerID, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.roomID = ""
	c.mu.Unlock()

	for _, id := range ids {
		c.teardownPeer(id)
	}
	c.resetCallState()
}

// HandleEnvelope dispatches a server envelope. Unknown and stale messages
// are logged and dropped; they never wedge the controller.
func (c *Controller) HandleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistered:
		c.mu.Lock()
		c.self = protocol.UserInfo{ID: env.ID}
		c.mu.Unlock()
		c.emit(Event{Kind: EventRegistered, Peer: protocol.UserInfo{ID: env.ID}})

	case protocol.TypeIncomingCall:
		c.handleIncomingCall(env)

	case protocol.TypeCallAccepted:
		c.handleCallAccepted(env)

	case protocol.TypeCallRejected:
		c.handleCallRejected(env)

	case protocol.TypeCallEnded:
		c.handleCallEnded(env)

	case protocol.TypeRoomCreated:
		// The creator is in the room from here on, same as a joiner.
		c.mu.Lock()
		c.roomID = domain.RoomID(env.RoomID)
		c.phase = PhaseInCall
		c.mu.Unlock()
		c.emit(Event{Kind: EventRoomCreated, RoomID: domain.RoomID(env.RoomID)})

	case protocol.TypeRoomJoined:
		c.handleRoomJoined(env)

	case protocol.TypeRoomNotFound:
		c.emit(Event{Kind: EventRoomNotFound, RoomID: domain.RoomID(env.RoomID)})

	case protocol.TypeUserJoined:
		c.handleUserJoined(env)

	case protocol.TypeUserLeft:
		c.handleUserLeft(env)

	case protocol.TypeOffer:
		c.handleOffer(env)

	case protocol.TypeAnswer:
		c.handleAnswer(env)

	case protocol.TypeICECandidate:
		c.handleCandidate(env)

	case protocol.TypePong:
		// Keepalive reply, nothing to do.

	case protocol.TypeError:
		log.Warn().Str("module", "call.controller").Str("error", env.Error).Msg("server error")
		c.emit(Event{Kind: EventServerError, Reason: env.Error})

	default:
		log.Warn().Str("module", "call.controller").Str("type", string(env.Type)).Msg("unhandled envelope")
	}
}

func (c *Controller) handleIncomingCall(env protocol.Envelope) {
	c.mu.Lock()
	if c.phase != PhaseIdle || c.roomID != "" {
		// The server tracks busy peers, so this is a race at worst.
		// Still answer it, or the caller rings forever.
		c.mu.Unlock()
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("incoming call while busy, rejected")
		_ = c.cfg.Send(protocol.Envelope{
			Type:   protocol.TypeRejectCall,
			Target: env.From,
			Reason: protocol.ReasonBusy,
		})
		return
	}
	c.phase = PhaseRinging
	c.peer = protocol.UserInfo{ID: env.From, Name: env.FromName}
	peer := c.peer
	c.mu.Unlock()
	c.emit(Event{Kind: EventIncomingCall, Peer: peer})
}

// handleCallAccepted runs on the caller when the callee picks up. We were
// the dialer, so we take the initiator role and issue the offer.
func (c *Controller) handleCallAccepted(env protocol.Envelope) {
	c.mu.Lock()
	if c.phase != PhaseDialing || c.peer.ID != env.From {
		c.mu.Unlock()
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("stale call-accepted dropped")
		return
	}
	c.phase = PhaseInCall
	c.mu.Unlock()

	sess, err := c.openSession(domain.PeerID(env.From), RoleInitiator)
	if err != nil {
		log.Error().Err(err).Str("module", "call.controller").Msg("open session")
		c.failCall(domain.PeerID(env.From), err)
		return
	}
	if err := sess.Start(); err != nil {
		log.Error().Err(err).Str("module", "call.controller").Msg("start negotiation")
		c.failCall(domain.PeerID(env.From), err)
	}
}

func (c *Controller) handleCallRejected(env protocol.Envelope) {
	c.mu.Lock()
	if c.phase != PhaseDialing || c.peer.ID != env.From {
		c.mu.Unlock()
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("stale call-rejected dropped")
		return
	}
	peer := c.peer
	c.mu.Unlock()

	c.teardownPeer(domain.PeerID(peer.ID))
	c.resetCallState()
	c.emit(Event{Kind: EventCallRejected, Peer: peer, Reason: env.Reason})
}

func (c *Controller) handleCallEnded(env protocol.Envelope) {
	c.mu.Lock()
	known := c.peer.ID == env.From
	if _, ok := c.sessions[domain.PeerID(env.From)]; ok {
		known = true
	}
	peer := c.peer
	c.mu.Unlock()
	if !known {
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("stale call-ended dropped")
		return
	}

	c.teardownPeer(domain.PeerID(env.From))
	c.resetCallState()
	c.emit(Event{Kind: EventCallEnded, Peer: peer})
}

// handleRoomJoined runs on the joiner. Existing members initiate toward
// the newcomer once their user-joined lands, so the joiner only prepares
// media and waits for their offers.
func (c *Controller) handleRoomJoined(env protocol.Envelope) {
	c.mu.Lock()
	c.roomID = domain.RoomID(env.RoomID)
	c.phase = PhaseInCall
	members := len(env.Users)
	c.mu.Unlock()
	c.emit(Event{Kind: EventRoomJoined, RoomID: domain.RoomID(env.RoomID)})

	if members == 0 {
		return
	}
	if err := c.ensureMedia(); err != nil {
		log.Error().Err(err).Str("module", "call.controller").Msg("acquire media for room")
	}
}

// handleUserJoined distinguishes the room-scoped join (stamped with the
// room id) from the global roster broadcast. A join into our room makes
// this side the initiator toward the newcomer; joiners never offer, so
// offers inside a room cannot cross.
func (c *Controller) handleUserJoined(env protocol.Envelope) {
	peer := protocol.UserInfo{ID: env.ID, Name: env.Name}
	if env.RoomID == "" {
		c.emit(Event{Kind: EventPeerJoined, Peer: peer})
		return
	}
	c.emit(Event{Kind: EventPeerJoined, Peer: peer, RoomID: domain.RoomID(env.RoomID)})

	c.mu.Lock()
	inRoom := c.roomID == domain.RoomID(env.RoomID)
	c.mu.Unlock()
	if !inRoom {
		log.Warn().Str("module", "call.controller").Str("room", env.RoomID).Msg("room join for a room we are not in, ignored")
		return
	}
	sess, err := c.openSession(domain.PeerID(env.ID), RoleInitiator)
	if err != nil {
		log.Error().Err(err).Str("module", "call.controller").Str("peer", env.ID).Msg("open room session")
		return
	}
	if err := sess.Start(); err != nil {
		log.Error().Err(err).Str("module", "call.controller").Str("peer", env.ID).Msg("offer to room newcomer")
	}
}

func (c *Controller) handleUserLeft(env protocol.Envelope) {
	id := domain.PeerID(env.ID)
	c.mu.Lock()
	_, hadSession := c.sessions[id]
	inRoom := c.roomID != ""
	c.mu.Unlock()

	if hadSession {
		c.teardownPeer(id)
	}
	if !inRoom && hadSession {
		c.resetCallState()
	}
	c.emit(Event{Kind: EventPeerLeft, Peer: protocol.UserInfo{ID: env.ID, Name: env.Name}})
}

func (c *Controller) handleOffer(env protocol.Envelope) {
	id := domain.PeerID(env.From)
	c.mu.Lock()
	sess := c.sessions[id]
	inRoom := c.roomID != ""
	c.mu.Unlock()

	if sess == nil {
		if !inRoom {
			log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("offer from unknown peer dropped")
			return
		}
		// First offer from a room member we have not met yet.
		if err := c.ensureMedia(); err != nil {
			log.Error().Err(err).Str("module", "call.controller").Msg("acquire media for room")
			return
		}
		var err error
		sess, err = c.openSession(id, RoleResponder)
		if err != nil {
			log.Error().Err(err).Str("module", "call.controller").Str("peer", env.From).Msg("open room session")
			return
		}
	}
	desc, err := env.SessionDescription()
	if err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Msg("bad offer")
		return
	}
	if err := sess.HandleOffer(desc); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Str("from", env.From).Msg("offer dropped")
	}
}

func (c *Controller) handleAnswer(env protocol.Envelope) {
	c.mu.Lock()
	sess := c.sessions[domain.PeerID(env.From)]
	c.mu.Unlock()
	if sess == nil {
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("answer from unknown peer dropped")
		return
	}
	desc, err := env.SessionDescription()
	if err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Msg("bad answer")
		return
	}
	if err := sess.HandleAnswer(desc); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Str("from", env.From).Msg("answer dropped")
	}
}

func (c *Controller) handleCandidate(env protocol.Envelope) {
	c.mu.Lock()
	sess := c.sessions[domain.PeerID(env.From)]
	c.mu.Unlock()
	if sess == nil || env.Candidate == nil {
		log.Warn().Str("module", "call.controller").Str("from", env.From).Msg("candidate without session dropped")
		return
	}
	if err := sess.HandleCandidate(env.Candidate.ToPion()); err != nil {
		log.Warn().Err(err).Str("module", "call.controller").Str("from", env.From).Msg("candidate dropped")
	}
}

// openSession builds the session plus its recovery supervisor and indexes
// both by remote peer id.
func (c *Controller) openSession(remote domain.PeerID, role Role) (*Session, error) {
	if err := c.ensureMedia(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.sessions[remote]; ok {
		c.mu.Unlock()
		return existing, nil
	}
	local := domain.PeerID(c.self.ID)
	media := c.media
	c.mu.Unlock()

	var sup *Supervisor
	sess, err := NewSession(SessionConfig{
		LocalID:  local,
		RemoteID: remote,
		Role:     role,
		Factory:  c.cfg.Factory,
		Send:     c.cfg.Send,
		Media:    media,
		OnState: func(st State) {
			c.onSessionState(remote, st)
		},
		OnTransportDown: func() {
			if sup != nil {
				sup.TransportDown()
			}
		},
		OnTransportStalled: func() {
			if sup != nil {
				sup.Disconnected()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	supCfg := c.cfg.Recovery
	supCfg.OnGiveUp = func(err error) {
		c.failCall(remote, err)
	}
	sup = NewSupervisor(sess, supCfg)

	c.mu.Lock()
	if existing, ok := c.sessions[remote]; ok {
		// Lost the race against a concurrent open for the same peer.
		// Exactly one session per remote survives; ours goes.
		c.mu.Unlock()
		sup.Stop()
		sess.Close()
		return existing, nil
	}
	c.sessions[remote] = sess
	c.supers[remote] = sup
	c.mu.Unlock()
	return sess, nil
}

func (c *Controller) onSessionState(remote domain.PeerID, st State) {
	if st != StateConnected {
		return
	}
	c.mu.Lock()
	sup := c.supers[remote]
	c.mu.Unlock()
	if sup != nil {
		sup.Connected()
	}
	c.emit(Event{Kind: EventPeerConnected, Peer: protocol.UserInfo{ID: string(remote)}})
}

/// failCall surfaces a dead peer link. In a 1:1 call the whole call ends;
// in a room only the one peer session goes.
func (c *Controller) failCall(remote domain.PeerID, err error) {
	log.Error().Err(err).Str("module", "call.controller").Str("peer", string(remote)).Msg("peer link lost")

	c.mu.Lock()
	inRoom := c.roomID != ""
	c.mu.Unlock()

	c.teardownPeer(remote)
	if !inRoom {
		_ = c.cfg.Send(protocol.Envelope{Type: protocol.TypeEndCall, Target: string(remote)})
		c.resetCallState()
	}
	c.emit(Event{Kind: EventConnectionLost, Peer: protocol.UserInfo{ID: string(remote)}, Err: err})
}

// teardownPeer stops the supervisor and closes the session for one peer.
func (c *Controller) teardownPeer(remote domain.PeerID) {
	c.mu.Lock()
	sess := c.sessions[remote]
	sup := c.supers[remote]
	delete(c.sessions, remote)
	delete(c.supers, remote)
	c.mu.Unlock()

	if sup != nil {
		sup.Stop()
	}
	if sess != nil {
		sess.Close()
	}
}

// resetCallState returns to idle and releases the media handle once no
// sessions remain.
func (c *Controller) resetCallState() {
	c.mu.Lock()
	if len(c.sessions) > 0 {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseIdle
	c.peer = protocol.UserInfo{}
	media := c.media
	c.media = nil
	c.mu.Unlock()

	if media != nil {
		media.Release()
	}
}

// ensureMedia acquires the local capture handle once; every session shares
// it. Acquisition happens outside the lock, device access can block.
func (c *Controller) ensureMedia() error {
	c.mu.Lock()
	if c.media != nil || c.cfg.Media == nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	h, err := c.cfg.Media.Acquire(c.cfg.Constraints)
	if err != nil {
		return fmt.Errorf("acquire media: %w", err)
	}

	c.mu.Lock()
	if c.media != nil {
		c.mu.Unlock()
		h.Release()
		return nil
	}
	c.media = h
	c.mu.Unlock()
	return nil
}
