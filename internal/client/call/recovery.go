package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/domain"
)

const (
	defaultRecoveryBackoff  = 2 * time.Second
	defaultRecoveryAttempts = 3
	defaultRecoveryGrace    = 5 * time.Second
)

// SupervisorConfig tunes transport recovery. After is injectable so tests
// can drive retries without real timers; nil means time.AfterFunc.
// DisconnectedGrace is how long a disconnected transport may sit before
// recovery treats it the same as a failed one.
type SupervisorConfig struct {
	Backoff           time.Duration
	MaxAttempts       int
	DisconnectedGrace time.Duration
	After             func(d time.Duration, f func()) (stop func() bool)
	OnGiveUp          func(error)
}

// Supervisor watches one session's transport. On failure it schedules a
// renegotiation after a backoff, up to MaxAttempts in a row; a successful
// reconnect resets the count. When the attempts run out it gives up and
// reports the link as lost.
type Supervisor struct {
	sess *Session
	cfg  SupervisorConfig

	mu        sync.Mutex
	attempts  int
	stop      func() bool
	graceStop func() bool
	stopped   bool
}

func NewSupervisor(sess *Session, cfg SupervisorConfig) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultRecoveryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultRecoveryAttempts
	}
	if cfg.DisconnectedGrace <= 0 {
		cfg.DisconnectedGrace = defaultRecoveryGrace
	}
	if cfg.After == nil {
		cfg.After = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Supervisor{sess: sess, cfg: cfg}
}

// TransportDown is wired to the session's transport failure callback.
func (s *Supervisor) TransportDown() {
	s.mu.Lock()
	if s.stopped || s.stop != nil {
		s.mu.Unlock()
		return
	}
	if s.attempts >= s.cfg.MaxAttempts {
		s.mu.Unlock()
		s.giveUp()
		return
	}
	s.attempts++
	attempt := s.attempts
	s.stop = s.cfg.After(s.cfg.Backoff, s.retry)
	s.mu.Unlock()

	log.Warn().Str("module", "call.recovery").Str("remote", string(s.sess.RemoteID())).
		Int("attempt", attempt).Dur("backoff", s.cfg.Backoff).Msg("transport down, retry scheduled")
}

// Disconnected arms a grace timer; ICE often restores a disconnected
// pair on its own. If the transport is still down when the grace runs
// out, the stall escalates into the normal retry path.
func (s *Supervisor) Disconnected() {
	s.mu.Lock()
	if s.stopped || s.stop != nil || s.graceStop != nil {
		s.mu.Unlock()
		return
	}
	s.graceStop = s.cfg.After(s.cfg.DisconnectedGrace, s.graceExpired)
	s.mu.Unlock()

	log.Warn().Str("module", "call.recovery").Str("remote", string(s.sess.RemoteID())).
		Dur("grace", s.cfg.DisconnectedGrace).Msg("transport disconnected, grace timer armed")
}

func (s *Supervisor) graceExpired() {
	s.mu.Lock()
	if s.stopped || s.graceStop == nil {
		s.mu.Unlock()
		return
	}
	s.graceStop = nil
	s.mu.Unlock()
	s.TransportDown()
}

func (s *Supervisor) retry() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stop = nil
	s.mu.Unlock()

	if err := s.sess.Renegotiate(); err != nil {
		log.Warn().Err(err).Str("module", "call.recovery").Str("remote", string(s.sess.RemoteID())).Msg("renegotiate failed")
		s.giveUp()
	}
}

// Connected resets the attempt budget and disarms any pending grace
// timer; the next failure starts fresh.
func (s *Supervisor) Connected() {
	s.mu.Lock()
	s.attempts = 0
	grace := s.graceStop
	s.graceStop = nil
	s.mu.Unlock()
	if grace != nil {
		grace()
	}
}

// Stop cancels any pending retry. Called when the session ends for
// reasons recovery should not fight, like a hangup.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	stop := s.stop
	grace := s.graceStop
	s.stop = nil
	s.graceStop = nil
	s.stopped = true
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	if grace != nil {
		grace()
	}
}

func (s *Supervisor) giveUp() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	err := fmt.Errorf("%w: %d recovery attempts failed", domain.ErrConnectionLost, s.cfg.MaxAttempts)
	log.Error().Err(err).Str("module", "call.recovery").Str("remote", string(s.sess.RemoteID())).Msg("giving up on transport")
	if s.cfg.OnGiveUp != nil {
		s.cfg.OnGiveUp(err)
	}
}
