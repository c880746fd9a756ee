package video

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/stream"
)

// Frame is one encoded VP8 frame of the capture.
type Frame struct {
	Data     []byte
	Duration time.Duration
}

// encoder launches a VP8 IVF encode of src from pos seconds. Reading the
// returned stream yields frames at playback pace.
type encoder func(ctx context.Context, src string, pos float64) (io.ReadCloser, error)

type procReader struct {
	io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *procReader) Close() error {
	p.once.Do(func() {
		p.ReadCloser.Close()
		p.cmd.Wait()
	})
	return nil
}

// execEncoder runs ffmpeg in real-time mode with audio stripped.
func execEncoder(bin string) encoder {
	return func(ctx context.Context, src string, pos float64) (io.ReadCloser, error) {
		cmd := exec.CommandContext(ctx, bin,
			"-hide_banner",
			"-loglevel", "error",
			"-re",
			"-ss", strconv.FormatFloat(pos, 'f', 3, 64),
			"-i", src,
			"-an",
			"-c:v", "libvpx",
			"-deadline", "realtime",
			"-cpu-used", "8",
			"-b:v", "2M",
			"-f", "ivf",
			"pipe:1",
		)
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("capture stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("capture encoder start: %w", err)
		}
		return &procReader{ReadCloser: stdout, cmd: cmd}, nil
	}
}

// Capture mirrors the element's picture, without audio, as a live VP8
// frame stream. It follows the element: an encode runs while the element
// plays and restarts from the new position on every seek.
type Capture struct {
	el     *Element
	encode encoder
	frames *stream.Broadcaster[Frame]
	sent   atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	rc      io.ReadCloser
	done    chan struct{}
	unwatch func()
	closed  bool

	logger zerolog.Logger
}

func newCapture(el *Element, enc encoder, logger zerolog.Logger) *Capture {
	return &Capture{
		el:     el,
		encode: enc,
		frames: stream.NewBroadcaster[Frame](90),
		logger: logging.Component(logger, "capture"),
	}
}

// attach starts following the element. Called once, outside the element lock.
func (c *Capture) attach() {
	unwatch := c.el.Watch(c.handle)
	c.mu.Lock()
	c.unwatch = unwatch
	c.mu.Unlock()

	if !c.el.Paused() {
		c.restart(c.el.CurrentTime())
	}
}

// Frames is the fan-out of encoded frames.
func (c *Capture) Frames() *stream.Broadcaster[Frame] { return c.frames }

// Sent returns how many frames have been published.
func (c *Capture) Sent() int64 { return c.sent.Load() }

// Active reports whether an encode is running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *Capture) handle(ev Event, pos float64) {
	switch ev {
	case EventPlay:
		c.restart(pos)
	case EventSeek:
		if !c.el.Paused() {
			c.restart(pos)
		}
	case EventPause, EventEnded, EventUnload:
		c.halt()
	}
}

func (c *Capture) restart(pos float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.haltLocked()

	src := c.el.Source()
	if src == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc, err := c.encode(ctx, src, pos)
	if err != nil {
		cancel()
		c.logger.Warn().Err(err).Msg("capture encoder failed")
		return
	}
	done := make(chan struct{})
	c.cancel, c.rc, c.done = cancel, rc, done
	go c.pump(ctx, rc, done)
	c.logger.Debug().Float64("from", pos).Msg("capture started")
}

func (c *Capture) halt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haltLocked()
}

func (c *Capture) haltLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.rc.Close()
	<-c.done
	c.cancel, c.rc, c.done = nil, nil, nil
}

func (c *Capture) pump(ctx context.Context, rc io.ReadCloser, done chan struct{}) {
	defer close(done)

	r, header, err := ivfreader.NewWith(rc)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("capture stream header")
		}
		return
	}
	frameDur := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDur = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	for {
		data, _, err := r.ParseNextFrame()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				c.logger.Warn().Err(err).Msg("capture frame")
			}
			return
		}
		c.frames.Publish(Frame{Data: data, Duration: frameDur})
		c.sent.Add(1)
	}
}

// Close stops the encode and detaches from the element.
func (c *Capture) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.haltLocked()
	if c.unwatch != nil {
		c.unwatch()
	}
}
