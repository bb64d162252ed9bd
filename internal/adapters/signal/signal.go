// Package signal is the websocket front of the relay: it upgrades
// connections, runs the read/write pumps and translates inbound envelopes
// into registry and router calls.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/app"
	"github.com/avolkov/peercall/internal/config"
	"github.com/avolkov/peercall/internal/core"
	"github.com/avolkov/peercall/internal/domain"
	"github.com/avolkov/peercall/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Reg     *app.Registry
	Router  *app.Router
	cfg     *config.Config
	limiter *RateLimiter
}

func NewController(reg *app.Registry, router *app.Router, cfg *config.Config) *Controller {
	return &Controller{
		Reg:     reg,
		Router:  router,
		cfg:     cfg,
		limiter: NewRateLimiter(rateLimit, rateInterval),
	}
}

// wsConn is one client's signaling transport. Everything outbound goes
// through the buffered send channel; the write pump is the only writer.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool

	// peerID is set once the client registers, "" before that.
	peerID domain.PeerID
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *wsConn) setPeer(id domain.PeerID) {
	c.mu.Lock()
	c.peerID = id
	c.mu.Unlock()
}

func (c *wsConn) peer() domain.PeerID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerID
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades one signaling connection and runs it until the
// socket drops. Registration happens in-band via the register message.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal").Str("remote", ws.RemoteAddr().String()).Msg("new WS connection")

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

func (ctl *Controller) sendJSON(c core.SignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *Controller) sendError(c core.SignalConn, msg string) {
	ctl.sendJSON(c, protocol.Envelope{Type: protocol.TypeError, Error: msg})
}
