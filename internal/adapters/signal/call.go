package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

// handleCallUser answers busy targets on the server's behalf: the callee's
// session is never consulted, let alone disturbed, by a third caller.
func (ctl *Controller) handleCallUser(c *wsConn, from domain.PeerID, env protocol.Envelope) {
	target := domain.PeerID(env.Target)

	if !ctl.limiter.Allow(from) {
		log.Warn().Str("module", "signal").Str("peer", string(from)).Msg("call-user rate limited")
		ctl.sendError(c, "rate limited")
		return
	}

	caller, ok := ctl.Reg.PeerInfo(from)
	if !ok {
		return
	}
	if _, ok := ctl.Reg.PeerInfo(target); !ok {
		ctl.sendError(c, "unknown target")
		return
	}

	if err := ctl.Reg.BeginCall(from, target); err != nil {
		if errors.Is(err, domain.ErrAlreadyInCall) {
			log.Info().Str("module", "signal").Str("from", string(from)).Str("target", string(target)).Msg("call rejected, busy")
			ctl.sendJSON(c, protocol.Envelope{
				Type:   protocol.TypeCallRejected,
				From:   string(target),
				Reason: protocol.ReasonBusy,
			})
			return
		}
		ctl.sendError(c, "call failed")
		return
	}

	ctl.Router.Route(protocol.Envelope{
		Type:     protocol.TypeIncomingCall,
		From:     string(from),
		FromName: caller.Name,
		Target:   string(target),
	})
}

func (ctl *Controller) handleAcceptCall(from domain.PeerID, env protocol.Envelope) {
	target := domain.PeerID(env.Target)
	if partner, ok := ctl.Reg.CallPartner(from); !ok || partner != target {
		// Stale accept, e.g. the caller hung up first. Drop it.
		log.Warn().Str("module", "signal").Str("from", string(from)).Str("target", string(target)).Msg("accept without matching call")
		return
	}
	ctl.Router.Route(protocol.Envelope{
		Type:   protocol.TypeCallAccepted,
		From:   string(from),
		Target: string(target),
	})
}

func (ctl *Controller) handleRejectCall(from domain.PeerID, env protocol.Envelope) {
	target := domain.PeerID(env.Target)
	if partner, ok := ctl.Reg.CallPartner(from); !ok || partner != target {
		return
	}
	ctl.Reg.EndCall(from)
	reason := env.Reason
	if reason == "" {
		reason = protocol.ReasonRejected
	}
	ctl.Router.Route(protocol.Envelope{
		Type:   protocol.TypeCallRejected,
		From:   string(from),
		Target: string(target),
		Reason: reason,
	})
}

func (ctl *Controller) handleEndCall(from domain.PeerID, env protocol.Envelope) {
	other, ok := ctl.Reg.EndCall(from)
	if !ok {
		// Hangup after the call is already gone. Nothing to relay.
		return
	}
	if env.Target != "" && domain.PeerID(env.Target) != other {
		log.Warn().Str("module", "signal").Str("from", string(from)).Str("target", env.Target).Msg("end-call target mismatch")
	}
	ctl.Router.Route(protocol.Envelope{
		Type:   protocol.TypeCallEnded,
		From:   string(from),
		Target: string(other),
	})
}

// relaySignal stamps the sender and forwards offer/answer/ice-candidate
// envelopes verbatim. The router drops traffic for peers that vanished.
func (ctl *Controller) relaySignal(from domain.PeerID, env protocol.Envelope) {
	env.From = string(from)
	ctl.Router.Route(env)
}
