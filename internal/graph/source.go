package graph

import "github.com/satindergrewal/stagesplit/internal/audio"

type sourceState int

const (
	sourceIdle sourceState = iota
	sourceScheduled
	sourceStopping
	sourceEnded
)

// BufferSource plays one audio.Buffer once. It is positioned on the context
// timeline: Start(when, offset) makes buffer frame offset sound at clock
// time when, and a source started late skips the frames it missed so it
// stays aligned with everything else scheduled for the same instant.
type BufferSource struct {
	ctx *Context
	buf *audio.Buffer

	gain     *Gain
	detached bool

	state   sourceState
	cursor  int64 // absolute frame of the next sample pulled
	start   int64
	offset  int
	emitted int
	stopAt  int64
	fade    int

	onEnded func()
}

// NewBufferSource creates an unconnected, unstarted source.
func (c *Context) NewBufferSource(buf *audio.Buffer) *BufferSource {
	return &BufferSource{ctx: c, buf: buf, fade: c.declick}
}

// OnEnded registers fn to run once when the source finishes, naturally or
// after Stop. fn runs on the context's callback goroutine.
func (s *BufferSource) OnEnded(fn func()) {
	s.ctx.mu.Lock()
	s.onEnded = fn
	s.ctx.mu.Unlock()
}

// Connect feeds the source into g.
func (s *BufferSource) Connect(g *Gain) error {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if s.ctx.state == Closed {
		return ErrClosed
	}
	if s.gain != nil || s.detached {
		return ErrAlreadyConnected
	}
	s.gain = g
	s.cursor = s.ctx.frames
	g.mixer.Add(s)
	g.live[s] = struct{}{}
	return nil
}

// Start schedules playback of the buffer from offset seconds at clock time
// when. A source can be started once.
func (s *BufferSource) Start(when, offset float64) error {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if s.ctx.state == Closed {
		return ErrClosed
	}
	if s.buf.Len() == 0 {
		return ErrNoBuffer
	}
	if s.state != sourceIdle {
		return ErrAlreadyStarted
	}
	s.start = s.ctx.frameAt(when)
	s.offset = min(int(s.ctx.frameAt(offset)), s.buf.Len())
	s.state = sourceScheduled
	return nil
}

// Stop fades the source out and ends it. Stopping an unstarted, stopping
// or ended source does nothing.
func (s *BufferSource) Stop() {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	switch s.state {
	case sourceIdle:
		s.state = sourceEnded
	case sourceScheduled:
		s.state = sourceStopping
		s.stopAt = s.cursor
		// nothing will render the fade
		if s.fade == 0 || s.ctx.state != Running || s.gain == nil || s.detached {
			s.finish()
		}
	}
}

// Disconnect detaches the source from its gain stage. A source still
// fading out after Stop is left to finish its ramp; the mixer drops it once
// it ends. Safe to repeat.
func (s *BufferSource) Disconnect() {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	if s.state != sourceStopping {
		s.detached = true
	}
	if s.gain != nil {
		delete(s.gain.live, s)
		s.gain = nil
	}
}

// Ended reports whether the source has finished.
func (s *BufferSource) Ended() bool {
	s.ctx.mu.Lock()
	defer s.ctx.mu.Unlock()
	return s.state == sourceEnded
}

// finish ends the source and queues its callback. Caller holds the lock.
func (s *BufferSource) finish() {
	if s.state == sourceEnded {
		return
	}
	s.state = sourceEnded
	if s.gain != nil {
		delete(s.gain.live, s)
	}
	if fn := s.onEnded; fn != nil {
		s.ctx.dispatch(fn)
	}
}

// Stream implements beep.Streamer. Called with the context lock held.
func (s *BufferSource) Stream(samples [][2]float64) (int, bool) {
	if s.detached {
		return 0, false
	}
	for i := range samples {
		f := s.cursor + int64(i)

		switch s.state {
		case sourceIdle:
			samples[i] = [2]float64{}
			continue
		case sourceEnded:
			s.cursor = f
			return i, false
		}

		if f < s.start {
			if s.state == sourceStopping {
				s.finish()
				s.cursor = f
				return i, false
			}
			samples[i] = [2]float64{}
			continue
		}

		idx := s.offset + int(f-s.start)
		if idx >= s.buf.Len() {
			s.finish()
			s.cursor = f
			return i, false
		}

		g := audio.FadeIn(s.emitted, s.fade)
		if s.state == sourceStopping {
			p := int(f - s.stopAt)
			if p >= s.fade {
				s.finish()
				s.cursor = f
				return i, false
			}
			g *= audio.FadeOut(p, s.fade)
		}

		fr := s.buf.Frames[idx]
		samples[i] = [2]float64{fr[0] * g, fr[1] * g}
		s.emitted++
	}
	s.cursor += int64(len(samples))
	return len(samples), true
}

// Err implements beep.Streamer.
func (s *BufferSource) Err() error { return nil }
