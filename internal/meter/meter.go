// Package meter samples per-stem analyser taps at a fixed refresh rate and
// turns them into level readings.
package meter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
)

// Tap is a time-domain level source, one per stem.
type Tap interface {
	FFTSize() int
	TimeDomainBytes(dst []byte) int
}

// SpectrumTap is a Tap that also reports a magnitude spectrum, one byte
// per bin.
type SpectrumTap interface {
	Tap
	FrequencyBytes(dst []byte) int
}

// SpectrumBands is how many bands a tap's spectrum is folded into.
const SpectrumBands = 16

// Level is one stem's reading for one tick. Spectrum is only filled for
// taps that implement SpectrumTap.
type Level struct {
	Index    int     `json:"index"`
	RMS      float64 `json:"rms"`
	Percent  float64 `json:"percent"`
	Spectrum []int   `json:"spectrum,omitempty"`
}

// RMS computes the root mean square of unsigned 8-bit samples centred on
// 128, normalised to [0, 1].
func RMS(window []byte) float64 {
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, b := range window {
		v := (float64(b) - 128) / 128
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(window)))
}

// Magnitude maps an RMS value to a bounded meter percentage.
func Magnitude(rms float64) float64 {
	return math.Max(0, math.Min(100, rms*140))
}

// Bands folds spectrum bins into n bands, keeping each band's peak.
func Bands(bins []byte, n int) []int {
	if n <= 0 || len(bins) == 0 {
		return nil
	}
	out := make([]int, n)
	for i, b := range bins {
		j := i * n / len(bins)
		out[j] = max(out[j], int(b))
	}
	return out
}

// Sampler polls taps on a ticker and publishes a []Level per tick.
type Sampler struct {
	interval time.Duration
	publish  func([]Level)
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	levelsMu sync.RWMutex
	levels   []Level
}

// NewSampler creates an idle sampler ticking rate times per second.
// publish runs on the sampler goroutine and must not block on anything
// that calls Start or Stop.
func NewSampler(rate float64, publish func([]Level), logger zerolog.Logger) *Sampler {
	if rate <= 0 {
		rate = 60
	}
	return &Sampler{
		interval: time.Duration(float64(time.Second) / rate),
		publish:  publish,
		logger:   logging.Component(logger, "meter"),
	}
}

// Start cancels any running loop and begins sampling taps. With no taps
// the sampler stays idle.
func (s *Sampler) Start(taps []Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	s.levelsMu.Lock()
	s.levels = nil
	s.levelsMu.Unlock()

	if len(taps) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.run(ctx, done, taps)
	s.logger.Debug().Int("taps", len(taps)).Dur("interval", s.interval).Msg("sampler started")
}

// Stop ends the loop. No tick is published after Stop returns.
func (s *Sampler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sampler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
	s.logger.Debug().Msg("sampler stopped")
}

// Running reports whether a loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Levels returns the most recent reading.
func (s *Sampler) Levels() []Level {
	s.levelsMu.RLock()
	defer s.levelsMu.RUnlock()
	return append([]Level(nil), s.levels...)
}

func (s *Sampler) run(ctx context.Context, done chan struct{}, taps []Tap) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	bufs := make([][]byte, len(taps))
	bins := make([][]byte, len(taps))
	for i, t := range taps {
		bufs[i] = make([]byte, t.FFTSize())
		if _, ok := t.(SpectrumTap); ok {
			bins[i] = make([]byte, t.FFTSize()/2)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		levels := make([]Level, len(taps))
		for i, t := range taps {
			n := t.TimeDomainBytes(bufs[i])
			rms := RMS(bufs[i][:n])
			levels[i] = Level{Index: i, RMS: rms, Percent: Magnitude(rms)}
			if st, ok := t.(SpectrumTap); ok {
				n := st.FrequencyBytes(bins[i])
				levels[i].Spectrum = Bands(bins[i][:n], SpectrumBands)
			}
		}

		// a cancel racing the tick wins
		if ctx.Err() != nil {
			return
		}
		s.levelsMu.Lock()
		s.levels = levels
		s.levelsMu.Unlock()
		if s.publish != nil {
			s.publish(levels)
		}
	}
}
