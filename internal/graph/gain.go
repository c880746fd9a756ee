package graph

import (
	"math"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
)

const (
	MinGain     = 0.0
	MaxGain     = 2.0
	DefaultGain = 1.0
)

// ClampGain bounds a gain value to [MinGain, MaxGain]. NaN means unity.
func ClampGain(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultGain
	}
	return math.Max(MinGain, math.Min(MaxGain, v))
}

// Gain sums every source connected to it and scales the result.
type Gain struct {
	ctx      *Context
	mixer    beep.Mixer
	fx       effects.Gain
	live     map[*BufferSource]struct{}
	detached bool
}

// NewGain creates a unity gain stage. It renders nothing until a path taps
// it into the destination.
func (c *Context) NewGain() *Gain {
	g := &Gain{ctx: c, live: map[*BufferSource]struct{}{}}
	g.fx = effects.Gain{Streamer: &g.mixer, Gain: DefaultGain - 1}
	return g
}

// Value returns the current multiplier.
func (g *Gain) Value() float64 {
	g.ctx.mu.Lock()
	defer g.ctx.mu.Unlock()
	return 1 + g.fx.Gain
}

// SetValue clamps v and applies it. The applied value is returned.
func (g *Gain) SetValue(v float64) float64 {
	v = ClampGain(v)
	g.ctx.mu.Lock()
	g.fx.Gain = v - 1
	g.ctx.mu.Unlock()
	return v
}

// Reset restores unity gain.
func (g *Gain) Reset() {
	g.SetValue(DefaultGain)
}

// Sources returns how many connected sources have neither ended nor been
// disconnected.
func (g *Gain) Sources() int {
	g.ctx.mu.Lock()
	defer g.ctx.mu.Unlock()
	return len(g.live)
}

// Disconnect drops the stage and everything feeding it.
func (g *Gain) Disconnect() {
	g.ctx.mu.Lock()
	defer g.ctx.mu.Unlock()
	g.detached = true
	g.mixer.Clear()
	clear(g.live)
}

// Stream implements beep.Streamer. Called with the context lock held.
func (g *Gain) Stream(samples [][2]float64) (int, bool) {
	if g.detached {
		return 0, false
	}
	return g.fx.Stream(samples)
}

// Err implements beep.Streamer.
func (g *Gain) Err() error { return nil }
