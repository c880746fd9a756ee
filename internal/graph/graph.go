package graph

import (
	"fmt"

	"github.com/satindergrewal/stagesplit/internal/audio"
)

// Path is one stem's signal chain: sources -> Gain -> Analyser -> output.
type Path struct {
	Index    int
	Gain     *Gain
	Analyser *Analyser
}

// Graph is the ordered set of paths built for one session.
type Graph struct {
	ctx      *Context
	Paths    []*Path
	released bool
}

// Build creates one path per buffer, all summing into the context
// destination. Buffers are not attached here; sources bind to them on
// every start.
func Build(ctx *Context, buffers []*audio.Buffer) (*Graph, error) {
	if ctx.State() == Closed {
		return nil, ErrClosed
	}
	g := &Graph{ctx: ctx}
	for i, buf := range buffers {
		if buf.Len() == 0 {
			g.Release()
			return nil, fmt.Errorf("path %d: %w", i, ErrNoBuffer)
		}
		gain := ctx.NewGain()
		tap := ctx.NewAnalyser(gain, ctx.FFTSize(), DefaultSmoothing)

		ctx.mu.Lock()
		ctx.dest.Add(tap)
		ctx.mu.Unlock()

		g.Paths = append(g.Paths, &Path{Index: i, Gain: gain, Analyser: tap})
	}
	ctx.logger.Debug().Int("paths", len(g.Paths)).Msg("graph built")
	return g, nil
}

// Analysers returns the level taps in path order.
func (g *Graph) Analysers() []*Analyser {
	if g == nil || g.released {
		return nil
	}
	out := make([]*Analyser, len(g.Paths))
	for i, p := range g.Paths {
		out[i] = p.Analyser
	}
	return out
}

// Release detaches every path from the destination. It is idempotent.
func (g *Graph) Release() {
	if g == nil || g.released {
		return
	}
	g.released = true
	for _, p := range g.Paths {
		p.Gain.Disconnect()
		p.Analyser.Disconnect()
	}
	g.ctx.logger.Debug().Int("paths", len(g.Paths)).Msg("graph released")
}

// Released reports whether Release has run.
func (g *Graph) Released() bool {
	return g == nil || g.released
}
