// Package cast keeps a secondary display in step with local playback: it
// owns the link to the display leg and the user-tuned sync offset, and
// re-synchronises the transport whenever either changes.
package cast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/transport"
)

var (
	ErrCastUnsupported   = errors.New("casting is not supported on this system")
	ErrCastAlreadyActive = errors.New("a cast session is already active")
	ErrNotAllowed        = errors.New("cast request was not allowed")
	ErrNotSupported      = errors.New("cast receiver cannot play this stream")
)

const (
	MinOffsetMillis = -500
	MaxOffsetMillis = 500
	NudgeStep       = 50
)

// LinkState of the secondary display.
type LinkState int

const (
	Idle LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s LinkState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Link is a snapshot of the controller.
type Link struct {
	State        LinkState `json:"state"`
	OffsetMillis int       `json:"offset_ms"`
	Capability   string    `json:"capability"`
	Resyncs      int       `json:"resyncs"`
}

// Transport is the part of the engine the controller drives. Release
// restarts a Hold only if no other transport request came in between.
type Transport interface {
	State() transport.State
	Hold() (token uint64, ok bool)
	Release(token uint64) (resumed bool, err error)
	SetSyncOffset(seconds float64)
}

// CaptureFunc returns the local video leg's capture stream.
type CaptureFunc func() Stream

// Options tune the controller.
type Options struct {
	ConnectedSettle    time.Duration
	DisconnectedSettle time.Duration
	Sleep              func(time.Duration)
	OnError            func(error) // resync failures
}

// ClampOffset bounds ms to the allowed sync offset range.
func ClampOffset(ms int) int {
	return max(MinOffsetMillis, min(MaxOffsetMillis, ms))
}

// Controller is the cast link state machine.
type Controller struct {
	leg        Leg
	capability Capability
	transport  Transport
	capture    CaptureFunc

	connectedSettle    time.Duration
	disconnectedSettle time.Duration
	sleep              func(time.Duration)
	onError            func(error)

	mu        sync.Mutex
	idle      *sync.Cond
	state     LinkState
	offsetMs  int
	stream    Stream
	linkID    uint64
	pending   *resync
	resyncing bool
	resyncs   int

	logger zerolog.Logger
}

type resync struct {
	settle time.Duration
	reason string
}

// NewController probes the leg's capability once and returns an idle
// controller.
func NewController(leg Leg, tr Transport, capture CaptureFunc, opts Options, logger zerolog.Logger) *Controller {
	if opts.ConnectedSettle <= 0 {
		opts.ConnectedSettle = 100 * time.Millisecond
	}
	if opts.DisconnectedSettle <= 0 {
		opts.DisconnectedSettle = 50 * time.Millisecond
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	c := &Controller{
		leg:                leg,
		capability:         leg.Capability(),
		transport:          tr,
		capture:            capture,
		connectedSettle:    opts.ConnectedSettle,
		disconnectedSettle: opts.DisconnectedSettle,
		sleep:              opts.Sleep,
		onError:            opts.OnError,
		logger:             logging.Component(logger, "cast"),
	}
	c.idle = sync.NewCond(&c.mu)
	c.logger.Debug().Str("capability", c.capability.String()).Msg("cast controller ready")
	return c
}

// Capability reports what was detected at construction.
func (c *Controller) Capability() Capability { return c.capability }

// State returns the link state.
func (c *Controller) State() LinkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offset returns the sync offset in milliseconds.
func (c *Controller) Offset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsetMs
}

// Link returns a snapshot for reporting.
func (c *Controller) Link() Link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Link{
		State:        c.state,
		OffsetMillis: c.offsetMs,
		Capability:   c.capability.String(),
		Resyncs:      c.resyncs,
	}
}

// Connect asks the leg to start showing the capture. It returns once the
// leg accepted or refused; the link reaches Connected through the leg's
// own lifecycle events.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.capability != Available {
		c.mu.Unlock()
		return ErrCastUnsupported
	}
	if c.state != Idle {
		c.mu.Unlock()
		return ErrCastAlreadyActive
	}
	if c.stream == nil {
		c.stream = c.capture()
	}
	c.linkID++
	id := c.linkID
	c.state = Connecting
	s := c.stream
	c.mu.Unlock()

	c.logger.Info().Msg("cast requested")
	err := c.leg.Start(ctx, s, func(ev LegEvent) { c.handleLeg(id, ev) })
	if err != nil {
		c.mu.Lock()
		if c.linkID == id {
			c.linkID++
			c.state = Idle
		}
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("cast refused")
		return err
	}
	return nil
}

// Disconnect ends the link from any state. Safe to repeat.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return
	}
	id := c.linkID
	c.mu.Unlock()

	c.leg.Close()
	c.handleLeg(id, LegDisconnected)
}

func (c *Controller) handleLeg(id uint64, ev LegEvent) {
	c.mu.Lock()
	if id != c.linkID {
		c.mu.Unlock()
		return
	}
	var (
		apply  bool
		settle time.Duration
	)
	switch ev {
	case LegConnecting:
		if c.state == Idle {
			c.mu.Unlock()
			return
		}
		c.state = Connecting
	case LegConnected:
		if c.state == Connected {
			c.mu.Unlock()
			return
		}
		c.state = Connected
		c.syncOffsetLocked()
		apply, settle = true, c.connectedSettle
	case LegDisconnected:
		if c.state == Idle {
			c.mu.Unlock()
			return
		}
		// only a link that reached Connected ever moved the reference
		apply = c.state == Connected
		c.state = Idle
		c.linkID++ // later events from this link are ignored
		c.syncOffsetLocked()
		settle = c.disconnectedSettle
	}
	state := c.state
	c.mu.Unlock()

	c.logger.Info().Str("leg", ev.String()).Str("link", state.String()).Msg("cast link changed")
	if apply && c.transport.State() == transport.Playing {
		c.requestResync(settle, ev.String())
	}
}

// syncOffsetLocked hands the transport the offset the current link state
// calls for: the user's value while connected, 0 otherwise. c.mu must be
// held.
func (c *Controller) syncOffsetLocked() float64 {
	offset := 0.0
	if c.state == Connected {
		offset = float64(c.offsetMs) / 1000
	}
	c.transport.SetSyncOffset(offset)
	return offset
}

// SetOffset sets the sync offset, clamped to the allowed range, and returns
// the applied value.
func (c *Controller) SetOffset(ms int) int {
	c.mu.Lock()
	ms = ClampOffset(ms)
	return c.applyOffsetLocked(ms)
}

// Nudge moves the offset by steps of NudgeStep.
func (c *Controller) Nudge(steps int) int {
	c.mu.Lock()
	ms := ClampOffset(c.offsetMs + steps*NudgeStep)
	return c.applyOffsetLocked(ms)
}

// ResetOffset returns the offset to 0.
func (c *Controller) ResetOffset() int {
	return c.SetOffset(0)
}

// applyOffsetLocked stores ms and unlocks. While connected the transport
// gets the new value, and a playing transport is re-synchronised.
func (c *Controller) applyOffsetLocked(ms int) int {
	changed := ms != c.offsetMs
	c.offsetMs = ms
	connected := c.state == Connected
	if changed && connected {
		c.syncOffsetLocked()
	}
	c.mu.Unlock()

	if changed && connected && c.transport.State() == transport.Playing {
		c.requestResync(c.connectedSettle, "offset")
	}
	return ms
}

// requestResync replaces any pending cycle with this one and makes sure a
// worker is running.
func (c *Controller) requestResync(settle time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &resync{settle: settle, reason: reason}
	if c.resyncing {
		return
	}
	c.resyncing = true
	go c.resyncLoop()
}

func (c *Controller) resyncLoop() {
	for {
		c.mu.Lock()
		req := c.pending
		c.pending = nil
		if req == nil {
			c.resyncing = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.runCycle(req)
	}
}

// runCycle holds the transport, waits for the settle delay and releases
// it so the transport computes a fresh clock reference with the current
// offset. A Stop, Pause, Seek or Load made while settling cancels the
// restart.
func (c *Controller) runCycle(req *resync) {
	token, ok := c.transport.Hold()
	if !ok {
		return
	}
	c.sleep(req.settle)

	// edits made while settling are applied by this release
	c.mu.Lock()
	c.pending = nil
	offset := c.syncOffsetLocked()
	c.mu.Unlock()

	resumed, err := c.transport.Release(token)
	if err != nil {
		c.logger.Warn().Err(err).Msg("resync start")
		if c.onError != nil {
			c.onError(err)
		}
		return
	}
	if !resumed {
		c.logger.Debug().Str("reason", req.reason).Msg("resync dropped, transport changed while settling")
		return
	}
	c.mu.Lock()
	c.resyncs++
	c.mu.Unlock()
	c.logger.Debug().
		Str("reason", req.reason).
		Dur("settle", req.settle).
		Float64("offset", offset).
		Msg("resynchronised")
}

// Wait blocks until no resync cycle is pending or running.
func (c *Controller) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.resyncing {
		c.idle.Wait()
	}
}

// Close disconnects and waits for in-flight cycles.
func (c *Controller) Close() {
	c.Disconnect()
	c.Wait()
}
