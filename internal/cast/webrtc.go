package cast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/stream"
	"github.com/satindergrewal/stagesplit/internal/video"
)

// WebRTCLeg sends the capture to a remote receiver as a VP8 video track.
// The receiver opens the session by posting an SDP offer to the leg's
// HTTP handler while a Start is waiting for one.
type WebRTCLeg struct {
	timeout time.Duration
	config  webrtc.Configuration
	offers  chan offerRequest

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	stop    chan struct{}
	abandon chan struct{} // closed by Close while Start waits

	logger zerolog.Logger
}

type offerRequest struct {
	offer webrtc.SessionDescription
	reply chan offerReply
}

type offerReply struct {
	answer *webrtc.SessionDescription
	err    error
}

// NewWebRTCLeg creates a leg that waits up to timeout for a receiver.
func NewWebRTCLeg(timeout time.Duration, logger zerolog.Logger) *WebRTCLeg {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &WebRTCLeg{
		timeout: timeout,
		offers:  make(chan offerRequest),
		logger:  logging.Component(logger, "cast-webrtc"),
	}
}

// Capability reports Available when a VP8 track can be created.
func (l *WebRTCLeg) Capability() Capability {
	if _, err := newVideoTrack(); err != nil {
		l.logger.Warn().Err(err).Msg("vp8 track unavailable")
		return Unsupported
	}
	return Available
}

func newVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		"stagesplit-cast",
	)
}

// Start implements Leg. It returns ErrNotAllowed when no receiver answers
// within the timeout.
func (l *WebRTCLeg) Start(ctx context.Context, s Stream, notify func(LegEvent)) error {
	abandon := make(chan struct{})
	l.mu.Lock()
	l.abandon = abandon
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		if l.abandon == abandon {
			l.abandon = nil
		}
		l.mu.Unlock()
	}()

	notify(LegConnecting)
	l.logger.Info().Dur("timeout", l.timeout).Msg("waiting for cast receiver")

	t := time.NewTimer(l.timeout)
	defer t.Stop()

	select {
	case req := <-l.offers:
		answer, err := l.accept(req.offer, s, notify)
		req.reply <- offerReply{answer: answer, err: err}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotSupported, err)
		}
		return nil
	case <-t.C:
		return ErrNotAllowed
	case <-abandon:
		return ErrNotAllowed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *WebRTCLeg) accept(offer webrtc.SessionDescription, s Stream, notify func(LegEvent)) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(l.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	track, err := newVideoTrack()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add track: %w", err)
	}

	stop := make(chan struct{})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		l.logger.Debug().Str("state", st.String()).Msg("peer connection state")
		switch st {
		case webrtc.PeerConnectionStateConnecting:
			notify(LegConnecting)
		case webrtc.PeerConnectionStateConnected:
			notify(LegConnected)
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			l.release(pc)
			notify(LegDisconnected)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("set local description: %w", err)
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	l.mu.Lock()
	l.pc = pc
	l.stop = stop
	l.mu.Unlock()

	go l.streamToPeer(s.Frames(), track, stop)

	l.logger.Info().Msg("cast receiver accepted")
	return pc.LocalDescription(), nil
}

func (l *WebRTCLeg) streamToPeer(frames *stream.Broadcaster[video.Frame], track *webrtc.TrackLocalStaticSample, stop chan struct{}) {
	listener := frames.Subscribe()
	defer frames.Unsubscribe(listener)

	for {
		select {
		case <-stop:
			return
		case <-listener.Done():
			return
		case f := <-listener.C:
			if err := track.WriteSample(media.Sample{Data: f.Data, Duration: f.Duration}); err != nil {
				l.logger.Debug().Err(err).Msg("write sample")
				return
			}
		}
	}
}

// release forgets pc if it is the current connection and closes it.
func (l *WebRTCLeg) release(pc *webrtc.PeerConnection) {
	l.mu.Lock()
	if l.pc != pc {
		l.mu.Unlock()
		return
	}
	l.pc = nil
	close(l.stop)
	l.stop = nil
	l.mu.Unlock()

	if err := pc.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("close peer connection")
	}
}

// Close ends the current session, if any, or abandons a pending Start.
func (l *WebRTCLeg) Close() {
	l.mu.Lock()
	pc := l.pc
	if l.abandon != nil {
		close(l.abandon)
		l.abandon = nil
	}
	l.mu.Unlock()
	if pc != nil {
		l.release(pc)
	}
}

// Active reports whether a receiver session is open.
func (l *WebRTCLeg) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pc != nil
}

// ServeHTTP accepts a receiver's SDP offer and answers it. Offers are only
// taken while a cast request is waiting.
func (l *WebRTCLeg) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil || offer.Type != webrtc.SDPTypeOffer {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	req := offerRequest{offer: offer, reply: make(chan offerReply, 1)}
	select {
	case l.offers <- req:
	default:
		http.Error(w, "no cast request pending", http.StatusConflict)
		return
	}

	var reply offerReply
	select {
	case reply = <-req.reply:
	case <-r.Context().Done():
		return
	}
	if reply.err != nil {
		l.logger.Warn().Err(reply.err).Msg("offer rejected")
		http.Error(w, "cannot accept offer", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(reply.answer); err != nil {
		l.logger.Debug().Err(err).Msg("write answer")
	}
}
