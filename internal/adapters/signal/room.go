package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

func (ctl *Controller) handleCreateRoom(c *wsConn, from domain.PeerID) {
	if !ctl.limiter.Allow(from) {
		log.Warn().Str("module", "signal").Str("peer", string(from)).Msg("create-room rate limited")
		ctl.sendError(c, "rate limited")
		return
	}
	roomID, err := ctl.Reg.CreateRoom(from)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("peer", string(from)).Msg("create room")
		ctl.sendError(c, "create room failed")
		return
	}
	ctl.sendJSON(c, protocol.Envelope{
		Type:   protocol.TypeRoomCreated,
		RoomID: string(roomID),
	})
}

func (ctl *Controller) handleJoinRoom(c *wsConn, from domain.PeerID, env protocol.Envelope) {
	members, err := ctl.Reg.JoinRoom(domain.RoomID(env.RoomID), from)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			ctl.sendJSON(c, protocol.Envelope{
				Type:   protocol.TypeRoomNotFound,
				RoomID: env.RoomID,
			})
			return
		}
		log.Error().Err(err).Str("module", "signal").Str("peer", string(from)).Msg("join room")
		ctl.sendError(c, "join room failed")
		return
	}
	ctl.sendJSON(c, protocol.Envelope{
		Type:   protocol.TypeRoomJoined,
		RoomID: env.RoomID,
		Users:  members,
	})
}
