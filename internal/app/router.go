package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

// Router is the stateless relay. It resolves an envelope's target against the
// registry and delivers: a peer id reaches exactly that peer, a room id
// reaches every member except the sender. Unknown targets are dropped with a
// log line; a peer that disconnected mid-flight must not crash the relay and
// its traffic is never queued or retried.
type Router struct {
	reg *Registry
}

func NewRouter(reg *Registry) *Router {
	return &Router{reg: reg}
}

func (rt *Router) Route(env protocol.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "app.router").Msg("marshal envelope")
		return
	}

	if conn, ok := rt.reg.ConnOf(domain.PeerID(env.Target)); ok {
		if err := conn.TrySend(b); err != nil {
			log.Warn().Err(err).Str("module", "app.router").Str("target", env.Target).Str("type", string(env.Type)).Msg("delivery dropped")
		}
		return
	}

	if conns := rt.reg.RoomConns(domain.RoomID(env.Target), domain.PeerID(env.From)); conns != nil {
		for _, conn := range conns {
			if err := conn.TrySend(b); err != nil {
				log.Warn().Err(err).Str("module", "app.router").Str("target", env.Target).Msg("room delivery dropped")
			}
		}
		return
	}

	log.Warn().Str("module", "app.router").Str("target", env.Target).Str("type", string(env.Type)).Msg("unknown target, envelope dropped")
}
