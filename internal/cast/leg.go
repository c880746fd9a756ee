package cast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/stream"
	"github.com/satindergrewal/stagesplit/internal/video"
)

// Capability says whether this process can drive a secondary display.
type Capability int

const (
	Unsupported Capability = iota
	Available
)

func (c Capability) String() string {
	if c == Available {
		return "available"
	}
	return "unsupported"
}

// LegEvent is a lifecycle change reported by a leg.
type LegEvent int

const (
	LegConnecting LegEvent = iota
	LegConnected
	LegDisconnected
)

func (e LegEvent) String() string {
	switch e {
	case LegConnecting:
		return "connecting"
	case LegConnected:
		return "connected"
	case LegDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Stream is the video-only capture a leg forwards.
type Stream interface {
	Frames() *stream.Broadcaster[video.Frame]
}

// Leg is a secondary display path.
type Leg interface {
	Capability() Capability
	// Start hands s to the receiver and blocks until the receiver accepts or
	// refuses. notify reports lifecycle changes until Close.
	Start(ctx context.Context, s Stream, notify func(LegEvent)) error
	// Close ends the session. It is idempotent.
	Close()
}

// NoLeg is used when casting is switched off.
type NoLeg struct{}

func (NoLeg) Capability() Capability { return Unsupported }

func (NoLeg) Start(ctx context.Context, s Stream, notify func(LegEvent)) error {
	return ErrCastUnsupported
}

func (NoLeg) Close() {}

// SimulatedLeg stands in for a remote receiver: a local consumer of the
// capture that connects after a fixed handshake delay.
type SimulatedLeg struct {
	handshake time.Duration
	received  atomic.Int64

	mu       sync.Mutex
	active   bool
	listener *stream.Listener[video.Frame]
	frames   *stream.Broadcaster[video.Frame]
	notify   func(LegEvent)
	done     chan struct{}

	logger zerolog.Logger
}

// NewSimulatedLeg creates a simulated receiver.
func NewSimulatedLeg(handshake time.Duration, logger zerolog.Logger) *SimulatedLeg {
	return &SimulatedLeg{
		handshake: handshake,
		logger:    logging.Component(logger, "cast-sim"),
	}
}

func (l *SimulatedLeg) Capability() Capability { return Available }

// Start implements Leg.
func (l *SimulatedLeg) Start(ctx context.Context, s Stream, notify func(LegEvent)) error {
	l.mu.Lock()
	if l.active {
		l.mu.Unlock()
		return ErrCastAlreadyActive
	}
	l.active = true
	l.notify = notify
	l.mu.Unlock()

	notify(LegConnecting)

	if l.handshake > 0 {
		t := time.NewTimer(l.handshake)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			l.mu.Lock()
			l.active = false
			l.notify = nil
			l.mu.Unlock()
			return ctx.Err()
		}
	}

	l.mu.Lock()
	if !l.active {
		// closed during the handshake
		l.mu.Unlock()
		return ErrNotAllowed
	}
	l.frames = s.Frames()
	l.listener = l.frames.Subscribe()
	l.done = make(chan struct{})
	go l.consume(l.listener, l.done)
	l.mu.Unlock()

	l.logger.Info().Msg("simulated receiver connected")
	notify(LegConnected)
	return nil
}

func (l *SimulatedLeg) consume(sub *stream.Listener[video.Frame], done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-sub.Done():
			return
		case <-sub.C:
			l.received.Add(1)
		}
	}
}

// Received returns how many frames reached the receiver.
func (l *SimulatedLeg) Received() int64 { return l.received.Load() }

// Close drops the receiver, as if its window closed.
func (l *SimulatedLeg) Close() {
	l.mu.Lock()
	if !l.active {
		l.mu.Unlock()
		return
	}
	l.active = false
	notify := l.notify
	l.notify = nil
	if l.listener != nil {
		l.frames.Unsubscribe(l.listener)
		<-l.done
		l.listener, l.frames, l.done = nil, nil, nil
	}
	l.mu.Unlock()

	l.logger.Info().Msg("simulated receiver closed")
	if notify != nil {
		notify(LegDisconnected)
	}
}
