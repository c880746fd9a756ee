// Package graph is the audio engine: a clocked render context, per-stem
// gain stages and level taps, and one-shot buffer sources scheduled against
// the context clock.
package graph

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/audio"
	"github.com/satindergrewal/stagesplit/internal/logging"
)

var (
	ErrClosed           = errors.New("audio context closed")
	ErrAlreadyStarted   = errors.New("source already started")
	ErrAlreadyConnected = errors.New("source already connected")
	ErrNoBuffer         = errors.New("source has no buffer")
)

// State of a Context.
type State int

const (
	Suspended State = iota
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configure a Context.
type Options struct {
	SampleRate int
	Declick    time.Duration // fade on source start/stop and on suspend
	FFTSize    int           // analyser window, power of two
}

const (
	DefaultFFTSize   = 256
	DefaultSmoothing = 0.6
	DefaultDeclick   = 5 * time.Millisecond
)

// Context renders the destination mix and owns the engine clock. The clock
// advances only while frames are rendered in the Running state, so
// CurrentTime is the timeline every source is scheduled against.
//
// Context is a beep.Streamer; whoever pulls it (the speaker, or a test)
// drives time forward.
type Context struct {
	mu sync.Mutex

	rate    beep.SampleRate
	fftSize int
	declick int // frames

	state      State
	frames     int64
	suspending bool
	rampPos    int

	dest beep.Mixer
	disp *dispatcher

	logger zerolog.Logger
}

// NewContext creates a suspended context.
func NewContext(opts Options, logger zerolog.Logger) *Context {
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SampleRate
	}
	if opts.FFTSize <= 0 || opts.FFTSize&(opts.FFTSize-1) != 0 {
		opts.FFTSize = DefaultFFTSize
	}
	if opts.Declick < 0 {
		opts.Declick = 0
	}
	rate := beep.SampleRate(opts.SampleRate)
	return &Context{
		rate:    rate,
		fftSize: opts.FFTSize,
		declick: rate.N(opts.Declick),
		state:   Suspended,
		disp:    newDispatcher(),
		logger:  logging.Component(logger, "graph"),
	}
}

// SampleRate returns the render rate.
func (c *Context) SampleRate() beep.SampleRate { return c.rate }

// FFTSize returns the analyser window used for new paths.
func (c *Context) FFTSize() int { return c.fftSize }

// State returns the current context state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentTime returns the clock position in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frames) / float64(c.rate)
}

// Resume starts the clock.
func (c *Context) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return ErrClosed
	}
	if c.state != Running || c.suspending {
		c.logger.Debug().Float64("at", float64(c.frames)/float64(c.rate)).Msg("resume")
	}
	c.state = Running
	c.suspending = false
	return nil
}

// Suspend ramps the output down and then freezes the clock. Suspending a
// suspended or closed context is a no-op.
func (c *Context) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.suspending {
		return
	}
	if c.declick == 0 {
		c.state = Suspended
		return
	}
	c.suspending = true
	c.rampPos = 0
}

// Close stops rendering for good and drains pending callbacks.
func (c *Context) Close() {
	c.mu.Lock()
	c.state = Closed
	c.suspending = false
	c.dest.Clear()
	c.mu.Unlock()
	c.disp.close()
}

// Sync waits for every queued source callback to finish.
func (c *Context) Sync() {
	c.disp.wait()
}

// Stream renders the destination mix. It implements beep.Streamer.
func (c *Context) Stream(samples [][2]float64) (n int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Closed:
		return 0, false
	case Suspended:
		clear(samples)
		return len(samples), true
	}

	c.dest.Stream(samples)
	if c.suspending {
		for i := range samples {
			g := audio.FadeOut(c.rampPos, c.declick)
			samples[i][0] *= g
			samples[i][1] *= g
			c.rampPos++
		}
	}
	c.frames += int64(len(samples))
	if c.suspending && c.rampPos >= c.declick {
		c.suspending = false
		c.state = Suspended
	}
	return len(samples), true
}

// Err implements beep.Streamer.
func (c *Context) Err() error { return nil }

// frameAt converts a clock time in seconds to an absolute frame.
func (c *Context) frameAt(t float64) int64 {
	if t <= 0 || math.IsNaN(t) {
		return 0
	}
	return int64(math.Round(t * float64(c.rate)))
}

func (c *Context) dispatch(fn func()) {
	c.disp.push(fn)
}
