// Package media provides the local capture source. Hardware capture is out
// of scope for the CLI client; the static source feeds a generated Opus
// track so the peer connection negotiates a real audio section and remote
// peers have something to bind to.
package media

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/peercall/internal/client/call"
)

const (
	sampleInterval = 20 * time.Millisecond
)

// silentOpusFrame is a minimal Opus packet decoding to silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

type StaticSource struct{}

func NewStaticSource() *StaticSource {
	return &StaticSource{}
}

// Acquire builds the audio track and starts the sample writer. The video
// constraint is accepted and ignored; the static source is audio only.
func (s *StaticSource) Acquire(c call.Constraints) (call.MediaHandle, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}

	h := &staticHandle{track: track, done: make(chan struct{})}
	h.enabled.Store(c.Audio)
	go h.writeLoop()
	return h, nil
}

type staticHandle struct {
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	done    chan struct{}
	closed  atomic.Bool
}

func (h *staticHandle) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{h.track}
}

// SetAudioEnabled gates the writer. A muted track keeps its sender; the
// remote side just stops receiving samples.
func (h *staticHandle) SetAudioEnabled(enabled bool) {
	h.enabled.Store(enabled)
	log.Debug().Str("module", "media").Bool("enabled", enabled).Msg("audio toggled")
}

func (h *staticHandle) Release() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.done)
	}
}

func (h *staticHandle) writeLoop() {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if !h.enabled.Load() {
				continue
			}
			err := h.track.WriteSample(media.Sample{Data: silentOpusFrame, Duration: sampleInterval})
			if err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("write sample")
			}
		}
	}
}
