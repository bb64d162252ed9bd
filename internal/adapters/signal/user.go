package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

func (ctl *Controller) handleRegister(c *wsConn, env protocol.Envelope) {
	if c.peer() != "" {
		ctl.sendError(c, "already registered")
		return
	}

	peer, roster, err := ctl.Reg.Register(env.Name, c)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			ctl.sendError(c, "server at capacity")
			c.Close()
			return
		}
		log.Error().Err(err).Str("module", "signal").Msg("register")
		ctl.sendError(c, "registration failed")
		return
	}

	c.setPeer(peer.ID)
	ctl.sendJSON(c, protocol.Envelope{
		Type:  protocol.TypeRegistered,
		ID:    string(peer.ID),
		Users: roster,
	})
}
