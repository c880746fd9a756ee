// Package video is the primary video leg: a media element whose position
// advances with wall-clock time while playing, plus a video-only capture
// of it for a secondary display.
package video

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
)

var ErrNoSource = errors.New("no video source loaded")

// Event is a playback change observed by watchers.
type Event int

const (
	EventPlay Event = iota
	EventPause
	EventSeek
	EventEnded
	EventUnload
)

func (e Event) String() string {
	switch e {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventSeek:
		return "seek"
	case EventEnded:
		return "ended"
	case EventUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// Options configure an Element.
type Options struct {
	Prober    Prober
	FFmpegBin string // capture encoder
	Now       func() time.Time
}

// Element is the local video leg. Its position is authoritative for where
// playback is whenever audio sources cannot be queried.
type Element struct {
	mu sync.Mutex

	prober    Prober
	ffmpegBin string
	now       func() time.Time

	src    string
	meta   Metadata
	pos    float64
	anchor time.Time
	paused bool
	ended  bool

	timer    *time.Timer
	timerGen uint64
	onEnded  func()

	watchers map[int]func(Event, float64)
	nextID   int

	capture *Capture

	logger zerolog.Logger
}

// NewElement creates an empty, paused element.
func NewElement(opts Options, logger zerolog.Logger) *Element {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Prober == nil {
		opts.Prober = FFprobe{}
	}
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	return &Element{
		prober:    opts.Prober,
		ffmpegBin: opts.FFmpegBin,
		now:       opts.Now,
		paused:    true,
		watchers:  map[int]func(Event, float64){},
		logger:    logging.Component(logger, "video"),
	}
}

// Load resolves the file's metadata and makes it the current source,
// paused at 0.
func (e *Element) Load(ctx context.Context, path string) error {
	meta, err := e.prober.Probe(ctx, path)
	if err != nil {
		return fmt.Errorf("load video %s: %w", filepath.Base(path), err)
	}

	e.mu.Lock()
	e.cancelTimerLocked()
	e.src = path
	e.meta = meta
	e.pos = 0
	e.paused = true
	e.ended = false
	e.mu.Unlock()

	e.logger.Info().
		Str("file", filepath.Base(path)).
		Float64("duration", meta.Duration).
		Int("width", meta.Width).
		Int("height", meta.Height).
		Msg("video loaded")
	e.emit(EventPause, 0)
	return nil
}

// Unload drops the current source.
func (e *Element) Unload() {
	e.mu.Lock()
	had := e.src != ""
	e.cancelTimerLocked()
	e.src = ""
	e.meta = Metadata{}
	e.pos = 0
	e.paused = true
	e.ended = false
	e.mu.Unlock()
	if had {
		e.emit(EventUnload, 0)
	}
}

// Source returns the loaded file path, empty when nothing is loaded.
func (e *Element) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.src
}

// Duration returns the media duration in seconds.
func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta.Duration
}

// Metadata returns what the prober reported for the current source.
func (e *Element) Metadata() Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta
}

// Paused reports whether the element is not advancing.
func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Ended reports whether playback reached the end of the media.
func (e *Element) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// CurrentTime returns the live position in seconds.
func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Element) positionLocked() float64 {
	if e.paused {
		return e.pos
	}
	p := e.pos + e.now().Sub(e.anchor).Seconds()
	return math.Min(p, e.meta.Duration)
}

// SetCurrentTime moves the playhead, clamped to the media.
func (e *Element) SetCurrentTime(t float64) {
	e.mu.Lock()
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if t > e.meta.Duration {
		t = e.meta.Duration
	}
	e.pos = t
	e.anchor = e.now()
	e.ended = false
	if !e.paused {
		e.scheduleEndLocked()
	}
	e.mu.Unlock()
	e.emit(EventSeek, t)
}

// Play starts advancing. Playing an ended element restarts it from 0.
func (e *Element) Play() error {
	e.mu.Lock()
	if e.src == "" {
		e.mu.Unlock()
		return ErrNoSource
	}
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	if e.ended || e.pos >= e.meta.Duration {
		e.pos = 0
		e.ended = false
	}
	e.paused = false
	e.anchor = e.now()
	e.scheduleEndLocked()
	pos := e.pos
	e.mu.Unlock()

	e.emit(EventPlay, pos)
	return nil
}

// Pause freezes the playhead at its live position.
func (e *Element) Pause() {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return
	}
	e.pos = e.positionLocked()
	e.paused = true
	e.cancelTimerLocked()
	pos := e.pos
	e.mu.Unlock()

	e.emit(EventPause, pos)
}

// OnEnded registers fn to run when playback reaches the end of the media.
// fn runs on a timer goroutine.
func (e *Element) OnEnded(fn func()) {
	e.mu.Lock()
	e.onEnded = fn
	e.mu.Unlock()
}

// Watch registers fn for playback changes. The returned func detaches it.
func (e *Element) Watch(fn func(Event, float64)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.watchers[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.watchers, id)
			e.mu.Unlock()
		})
	}
}

func (e *Element) emit(ev Event, pos float64) {
	e.mu.Lock()
	fns := make([]func(Event, float64), 0, len(e.watchers))
	for _, fn := range e.watchers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev, pos)
	}
}

func (e *Element) scheduleEndLocked() {
	e.cancelTimerLocked()
	remaining := time.Duration((e.meta.Duration - e.pos) * float64(time.Second))
	gen := e.timerGen
	e.timer = time.AfterFunc(max(remaining, 0), func() { e.reachEnd(gen) })
}

func (e *Element) cancelTimerLocked() {
	e.timerGen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Element) reachEnd(gen uint64) {
	e.mu.Lock()
	if gen != e.timerGen || e.paused {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	e.pos = e.meta.Duration
	e.paused = true
	e.ended = true
	fn := e.onEnded
	pos := e.pos
	e.mu.Unlock()

	e.logger.Debug().Float64("at", pos).Msg("video ended")
	e.emit(EventEnded, pos)
	if fn != nil {
		fn()
	}
}

// CaptureStream returns the element's video-only capture, creating it on
// first use.
func (e *Element) CaptureStream() *Capture {
	e.mu.Lock()
	if e.capture != nil {
		c := e.capture
		e.mu.Unlock()
		return c
	}
	c := newCapture(e, execEncoder(e.ffmpegBin), e.logger)
	e.capture = c
	e.mu.Unlock()

	c.attach()
	return c
}
