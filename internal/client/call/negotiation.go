package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	StateIdle State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerSent
	StateAnswerReceived
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerSent:
		return "answer-sent"
	case StateAnswerReceived:
		return "answer-received"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// SessionConfig wires one negotiation session.
type SessionConfig struct {
	LocalID  domain.PeerID
	RemoteID domain.PeerID
	Role     Role
	Factory  TransportFactory
	Send     SendFunc

	// Media may be nil (receive-only session). Shared, never released here.
	Media MediaHandle

	// OnState fires exactly once per state transition, outside the
	// session lock.
	OnState func(State)

	// OnTransportDown fires when the transport reports failed; the
	// recovery supervisor hangs off it.
	OnTransportDown func()

	// OnTransportStalled fires on a disconnected report. Recovery arms
	// a grace timer for it: ICE often restores a disconnected pair on
	// its own, but a prolonged stall must escalate.
	OnTransportStalled func()
}

// Session sequences the offer/answer/candidate exchange with one remote
// peer. All transport work happens outside the lock; commits re-check the
// generation so results of an attempt that was torn down mid-flight are
// discarded instead of corrupting the successor.
type Session struct {
	cfg SessionConfig

	mu        sync.Mutex
	state     State
	role      Role
	gen       uint64
	transport Transport
	remoteSet bool
	pending   []webrtc.ICECandidateInit
}

func NewSession(cfg SessionConfig) (*Session, error) {
	s := &Session{cfg: cfg, role: cfg.Role}
	t, err := s.buildTransport(0)
	if err != nil {
		return nil, err
	}
	s.transport = t
	return s, nil
}

func (s *Session) RemoteID() domain.PeerID { return s.cfg.RemoteID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// buildTransport creates and wires a transport for the given generation.
// Callbacks tagged with an older generation fall on the floor.
func (s *Session) buildTransport(gen uint64) (Transport, error) {
	t, err := s.cfg.Factory()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	t.OnICECandidate(func(init webrtc.ICECandidateInit) {
		if s.staleGen(gen) {
			return
		}
		cand := protocol.CandidateFromPion(init)
		_ = s.cfg.Send(protocol.Envelope{
			Type:      protocol.TypeICECandidate,
			Target:    string(s.cfg.RemoteID),
			Candidate: &cand,
		})
	})
	t.OnConnectionStateChange(func(st TransportState) {
		s.onTransportState(gen, st)
	})
	if s.cfg.Media != nil {
		for _, track := range s.cfg.Media.Tracks() {
			if err := t.AddTrack(track); err != nil {
				t.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}
	}
	return t, nil
}

func (s *Session) staleGen(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen != s.gen || s.state == StateClosed
}

// Start issues the offer. Initiator only, from idle.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.role != RoleInitiator || s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: start as %s in %s", domain.ErrNegotiationState, s.role, s.state)
	}
	t, gen := s.transport, s.gen
	s.mu.Unlock()

	offer, err := t.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if s.staleGen(gen) {
		// Torn down while the offer was being created; drop the result.
		return nil
	}
	if err := t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen || s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	changed := s.setStateLocked(StateOfferSent)
	s.mu.Unlock()
	if changed {
		s.notifyState(StateOfferSent)
	}

	return s.cfg.Send(protocol.Envelope{
		Type:   protocol.TypeOffer,
		Target: string(s.cfg.RemoteID),
		SDP:    offer.SDP,
	})
}

// HandleOffer applies a remote offer and answers it. Glare (an offer
// landing while ours is outstanding) resolves by peer id: the lower id
// keeps the initiator role and ignores the remote offer, the higher id
// abandons its own offer and answers as responder. A renegotiation offer in
// connected state restarts on a fresh transport.
func (s *Session) HandleOffer(sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		// Normal responder path.
	case StateOfferSent:
		if s.cfg.LocalID < s.cfg.RemoteID {
			s.mu.Unlock()
			log.Info().Str("module", "call.session").Str("remote", string(s.cfg.RemoteID)).Msg("glare: local offer wins, remote offer ignored")
			return nil
		}
		log.Info().Str("module", "call.session").Str("remote", string(s.cfg.RemoteID)).Msg("glare: local offer abandoned, answering as responder")
		s.role = RoleResponder
		if err := s.resetTransportLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	case StateConnected:
		s.role = RoleResponder
		if err := s.resetTransportLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
	default:
		st := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "call.session").Str("state", st.String()).Msg("offer dropped")
		return fmt.Errorf("%w: offer in %s", domain.ErrNegotiationState, st)
	}
	t, gen := s.transport, s.gen
	changed := s.setStateLocked(StateOfferReceived)
	s.mu.Unlock()
	if changed {
		s.notifyState(StateOfferReceived)
	}

	if err := t.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.remoteDescriptionSet(gen, t)

	answer, err := t.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if s.staleGen(gen) {
		return nil
	}
	if err := t.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen || s.state != StateOfferReceived {
		s.mu.Unlock()
		return nil
	}
	changed = s.setStateLocked(StateAnswerSent)
	s.mu.Unlock()
	if changed {
		s.notifyState(StateAnswerSent)
	}

	return s.cfg.Send(protocol.Envelope{
		Type:   protocol.TypeAnswer,
		Target: string(s.cfg.RemoteID),
		SDP:    answer.SDP,
	})
}

// HandleAnswer completes the initiator's half. Answers in any other state
// are stale (e.g. arriving after hangup) and dropped.
func (s *Session) HandleAnswer(sdp webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state != StateOfferSent {
		st := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "call.session").Str("state", st.String()).Msg("answer dropped")
		return fmt.Errorf("%w: answer in %s", domain.ErrNegotiationState, st)
	}
	t, gen := s.transport, s.gen
	s.mu.Unlock()

	if err := t.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen || s.state != StateOfferSent {
		s.mu.Unlock()
		return nil
	}
	changed := s.setStateLocked(StateAnswerReceived)
	s.mu.Unlock()
	if changed {
		s.notifyState(StateAnswerReceived)
	}

	s.remoteDescriptionSet(gen, t)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it when the
// remote description is not in yet. Buffered candidates flush in arrival
// order; none are lost.
func (s *Session) HandleCandidate(init webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: candidate after close", domain.ErrNegotiationState)
	}
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		n := len(s.pending)
		s.mu.Unlock()
		log.Debug().Str("module", "call.session").Int("buffered", n).Msg("candidate buffered before remote description")
		return nil
	}
	t := s.transport
	s.mu.Unlock()

	if err := t.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// remoteDescriptionSet marks the remote description applied and drains the
// candidate buffer in order.
func (s *Session) remoteDescriptionSet(gen uint64, t Transport) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, init := range buffered {
		if err := t.AddICECandidate(init); err != nil {
			log.Warn().Err(err).Str("module", "call.session").Msg("apply buffered candidate")
		}
	}
}

func (s *Session) onTransportState(gen uint64, st TransportState) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	log.Info().Str("module", "call.session").Str("remote", string(s.cfg.RemoteID)).Str("transport", st.String()).Msg("transport state")

	switch st {
	case TransportStateConnected:
		// Connected only when the transport says so; answer exchange
		// alone is not enough while ICE is still probing.
		changed := s.setStateLocked(StateConnected)
		s.mu.Unlock()
		if changed {
			s.notifyState(StateConnected)
		}
	case TransportStateFailed:
		s.mu.Unlock()
		if s.cfg.OnTransportDown != nil {
			s.cfg.OnTransportDown()
		}
	case TransportStateDisconnected:
		s.mu.Unlock()
		if s.cfg.OnTransportStalled != nil {
			s.cfg.OnTransportStalled()
		}
	default:
		s.mu.Unlock()
	}
}

// Renegotiate tears the transport down and starts over on a fresh one,
// reissuing the offer when this side was the initiator. The recovery
// supervisor calls it.
func (s *Session) Renegotiate() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return fmt.Errorf("%w: renegotiate after close", domain.ErrNegotiationState)
	}
	if err := s.resetTransportLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	initiator := s.role == RoleInitiator
	changed := s.setStateLocked(StateIdle)
	s.mu.Unlock()
	if changed {
		s.notifyState(StateIdle)
	}

	if initiator {
		return s.Start()
	}
	// Responder waits for the initiator's fresh offer.
	return nil
}

// resetTransportLocked swaps in a fresh transport under a new generation.
// The old transport is closed after the swap; its callbacks are already
// moot.
func (s *Session) resetTransportLocked() error {
	s.gen++
	old := s.transport
	t, err := s.buildTransport(s.gen)
	if err != nil {
		return err
	}
	s.transport = t
	s.remoteSet = false
	s.pending = nil
	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the transport and finishes the session. Idempotent:
// concurrent termination signals (hangup envelope racing a transport
// failure) reach the teardown body once, guarded by the state.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.gen++
	t := s.transport
	s.pending = nil
	s.setStateLocked(StateClosed)
	s.mu.Unlock()

	if t != nil {
		t.Close()
	}
	log.Info().Str("module", "call.session").Str("remote", string(s.cfg.RemoteID)).Msg("session closed")
	s.notifyState(StateClosed)
}

// setStateLocked records the transition. Callers hold s.mu and must invoke
// notifyState after releasing it when setStateLocked returns true.
func (s *Session) setStateLocked(st State) bool {
	if s.state == st {
		return false
	}
	s.state = st
	return true
}

func (s *Session) notifyState(st State) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(st)
	}
}
