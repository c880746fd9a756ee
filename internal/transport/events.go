package transport

// Event drives the transport state machine.
type Event interface {
	event()
}

// StartRequested asks for playback from the current offset.
type StartRequested struct{}

// PauseRequested asks to hold the current position.
type PauseRequested struct{}

// StopRequested asks to return to 0. FromEnded marks a stop caused by the
// video reaching its end, which skips pausing the already-stopped video.
type StopRequested struct {
	FromEnded bool
}

// SeekRequested moves the playhead to Offset seconds.
type SeekRequested struct {
	Offset float64
}

// SourceEnded reports that one audio source of a start finished. Signals
// from an earlier start carry an older generation and are ignored.
type SourceEnded struct {
	Generation uint64
}

// VideoEnded reports the video leg reaching the end of the media.
type VideoEnded struct{}

func (StartRequested) event() {}
func (PauseRequested) event() {}
func (StopRequested) event()  {}
func (SeekRequested) event()  {}
func (SourceEnded) event()    {}
func (VideoEnded) event()     {}

// Dispatch applies one event to the engine.
func (e *Engine) Dispatch(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatch(ev)
}

func (e *Engine) dispatch(ev Event) error {
	if _, ok := ev.(SourceEnded); !ok {
		e.holdEpoch++
	}
	switch ev := ev.(type) {
	case StartRequested:
		return e.start()
	case PauseRequested:
		e.pause()
		return nil
	case StopRequested:
		e.stop(ev.FromEnded)
		return nil
	case SeekRequested:
		return e.seek(ev.Offset)
	case SourceEnded:
		e.sourceEnded(ev.Generation)
		return nil
	case VideoEnded:
		if e.session != nil && e.session.State == Playing {
			e.stop(true)
		}
		return nil
	default:
		return nil
	}
}
