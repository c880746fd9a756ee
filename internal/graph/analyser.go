package graph

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/faiface/beep"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
)

const (
	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser taps a stream and keeps the last FFTSize mono frames for
// metering. Audio passes through unchanged.
type Analyser struct {
	ctx       *Context
	in        beep.Streamer
	ring      []float64
	pos       int
	smoothing float64
	detached  bool

	magsMu sync.Mutex
	mags   []float64
}

// NewAnalyser taps in with a window of fftSize frames. An invalid size
// falls back to the context default.
func (c *Context) NewAnalyser(in beep.Streamer, fftSize int, smoothing float64) *Analyser {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = c.fftSize
	}
	if smoothing < 0 || smoothing >= 1 {
		smoothing = DefaultSmoothing
	}
	return &Analyser{
		ctx:       c,
		in:        in,
		ring:      make([]float64, fftSize),
		smoothing: smoothing,
		mags:      make([]float64, fftSize/2),
	}
}

// FFTSize returns the window length in frames.
func (a *Analyser) FFTSize() int { return len(a.ring) }

// Smoothing returns the spectrum averaging constant.
func (a *Analyser) Smoothing() float64 { return a.smoothing }

// Stream implements beep.Streamer. Called with the context lock held.
func (a *Analyser) Stream(samples [][2]float64) (int, bool) {
	if a.detached {
		return 0, false
	}
	n, ok := a.in.Stream(samples)
	for _, s := range samples[:n] {
		a.ring[a.pos] = (s[0] + s[1]) / 2
		a.pos = (a.pos + 1) % len(a.ring)
	}
	return n, ok
}

// Err implements beep.Streamer.
func (a *Analyser) Err() error { return nil }

// Disconnect removes the tap from the destination.
func (a *Analyser) Disconnect() {
	a.ctx.mu.Lock()
	a.detached = true
	a.ctx.mu.Unlock()
}

// window copies the ring out oldest first. Caller holds the context lock.
func (a *Analyser) window() []float64 {
	out := make([]float64, len(a.ring))
	for i := range out {
		out[i] = a.ring[(a.pos+i)%len(a.ring)]
	}
	return out
}

// TimeDomainBytes fills dst with the current window as unsigned 8-bit
// samples centred on 128. It returns the number of bytes written.
func (a *Analyser) TimeDomainBytes(dst []byte) int {
	a.ctx.mu.Lock()
	w := a.window()
	a.ctx.mu.Unlock()

	n := min(len(dst), len(w))
	for i := 0; i < n; i++ {
		v := math.Floor(128 * (1 + w[i]))
		dst[i] = byte(math.Max(0, math.Min(255, v)))
	}
	return n
}

// FrequencyBytes fills dst with the smoothed magnitude spectrum, one byte
// per bin, scaled from minDecibels..maxDecibels onto 0..255.
func (a *Analyser) FrequencyBytes(dst []byte) int {
	a.ctx.mu.Lock()
	w := a.window()
	a.ctx.mu.Unlock()

	a.magsMu.Lock()
	defer a.magsMu.Unlock()
	window.Apply(w, window.Blackman)
	coeffs := fft.FFTReal(w)

	size := float64(len(w))
	n := min(len(dst), len(a.mags))
	for i := range a.mags {
		mag := cmplx.Abs(coeffs[i]) / size
		a.mags[i] = a.smoothing*a.mags[i] + (1-a.smoothing)*mag
		if i >= n {
			continue
		}
		db := minDecibels
		if a.mags[i] > 0 {
			db = 20 * math.Log10(a.mags[i])
		}
		scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
		dst[i] = byte(math.Max(0, math.Min(255, scaled)))
	}
	return n
}
