package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep/speaker"
)

var (
	speakerOnce sync.Once
	speakerErr  error
)

// SpeakerOutput plays a context through the system audio device.
type SpeakerOutput struct {
	Buffer time.Duration
}

// Attach opens the device on first use and starts pulling ctx.
func (o SpeakerOutput) Attach(ctx *Context) error {
	buf := o.Buffer
	if buf <= 0 {
		buf = 100 * time.Millisecond
	}
	sr := ctx.SampleRate()
	speakerOnce.Do(func() {
		speakerErr = speaker.Init(sr, sr.N(buf))
	})
	if speakerErr != nil {
		return fmt.Errorf("open audio device: %w", speakerErr)
	}
	speaker.Play(ctx)
	return nil
}

// Detach stops pulling every attached context.
func (o SpeakerOutput) Detach() {
	speaker.Clear()
}

// ClockOutput renders a context in real time and discards the audio. It
// keeps the clock running on machines without an audio device.
type ClockOutput struct {
	Interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Attach starts pulling ctx. A second Attach replaces the first.
func (o *ClockOutput) Attach(ctx *Context) error {
	o.Detach()
	every := o.Interval
	if every <= 0 {
		every = 10 * time.Millisecond
	}
	o.mu.Lock()
	o.stop, o.done = make(chan struct{}), make(chan struct{})
	stop, done := o.stop, o.done
	o.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		rate := float64(ctx.SampleRate())
		last := time.Now()
		var owed float64
		buf := make([][2]float64, 512)
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				owed += now.Sub(last).Seconds() * rate
				last = now
				for owed >= 1 {
					n := min(int(owed), len(buf))
					if _, ok := ctx.Stream(buf[:n]); !ok {
						return
					}
					owed -= float64(n)
				}
			}
		}
	}()
	return nil
}

// Detach stops pulling and waits for the render goroutine.
func (o *ClockOutput) Detach() {
	o.mu.Lock()
	stop, done := o.stop, o.done
	o.stop, o.done = nil, nil
	o.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}
