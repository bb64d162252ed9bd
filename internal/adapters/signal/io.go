package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	defer func() {
		if id := c.peer(); id != "" {
			ctl.Reg.Disconnect(id)
			ctl.limiter.Forget(id)
		}
		log.Info().Str("module", "signal").Str("peer", string(c.peer())).Msg("readPump closing")
		c.Close()
	}()

	c.conn.SetReadLimit(ctl.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PingPeriod * 2))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.cfg.PingPeriod * 2))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("peer", string(c.peer())).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("peer", string(c.peer())).Msg("readPump read error")
				return
			}
			ctl.handleMessage(c, data)
		}
	}
}

// handleMessage validates one inbound envelope and dispatches it. Nothing in
// here may terminate the connection: malformed traffic is bounced back as an
// error envelope and forgotten.
func (ctl *Controller) handleMessage(c *wsConn, data []byte) {
	env, err := protocol.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("malformed envelope")
		ctl.sendError(c, "malformed envelope")
		return
	}

	if env.Type == protocol.TypeRegister {
		ctl.handleRegister(c, env)
		return
	}
	if env.Type == protocol.TypePing {
		ctl.sendJSON(c, protocol.Envelope{Type: protocol.TypePong})
		return
	}

	from := c.peer()
	if from == "" {
		ctl.sendError(c, "register first")
		return
	}

	switch env.Type {
	case protocol.TypeCreateRoom:
		ctl.handleCreateRoom(c, from)
	case protocol.TypeJoinRoom:
		ctl.handleJoinRoom(c, from, env)
	case protocol.TypeLeaveRoom:
		ctl.Reg.LeaveRoom(from)
	case protocol.TypeCallUser:
		ctl.handleCallUser(c, from, env)
	case protocol.TypeAcceptCall:
		ctl.handleAcceptCall(from, env)
	case protocol.TypeRejectCall:
		ctl.handleRejectCall(from, env)
	case protocol.TypeEndCall:
		ctl.handleEndCall(from, env)
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		ctl.relaySignal(from, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unexpected client message")
		ctl.sendError(c, "unexpected message")
	}
}
