// Package transport is the playback state machine: it loads a session,
// schedules every stem against one shared clock reference and keeps the
// video leg in step.
package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/demux"
	"github.com/satindergrewal/stagesplit/internal/graph"
	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/meter"
)

var (
	ErrNotReady       = errors.New("no session ready")
	ErrAlreadyPlaying = errors.New("already playing")
	ErrVideoStart     = errors.New("video playback failed to start")
	ErrNoStem         = errors.New("no such stem")
)

// VideoLeg is the primary video element.
type VideoLeg interface {
	Load(ctx context.Context, path string) error
	Unload()
	Paused() bool
	Ended() bool
	CurrentTime() float64
	SetCurrentTime(t float64)
	Duration() float64
	Play() error
	Pause()
	OnEnded(fn func())
}

// Demuxer splits a container into decoded stems.
type Demuxer interface {
	Demux(ctx context.Context, input []byte) (*demux.Result, error)
}

// Meter samples level taps while a session is loaded.
type Meter interface {
	Start(taps []meter.Tap)
	Stop()
	Levels() []meter.Level
}

// Options tune the engine.
type Options struct {
	Lead time.Duration // between scheduling and the first audible sample
}

// Engine owns the current Session and every resource attached to it.
type Engine struct {
	loadMu sync.Mutex // one load at a time
	mu     sync.Mutex

	actx    *graph.Context
	video   VideoLeg
	demuxer Demuxer
	meters  Meter
	lead    time.Duration

	session      *Session
	graph        *graph.Graph
	sources      []*graph.BufferSource
	generation   uint64
	holdEpoch    uint64 // bumped by every transport request
	active       int
	audioRunning bool
	syncOffset   float64 // seconds
	lastSchedule Schedule
	status       Status

	logger zerolog.Logger
}

// NewEngine wires the engine to its collaborators.
func NewEngine(actx *graph.Context, video VideoLeg, dm Demuxer, meters Meter, opts Options, logger zerolog.Logger) *Engine {
	if opts.Lead <= 0 {
		opts.Lead = 20 * time.Millisecond
	}
	e := &Engine{
		actx:    actx,
		video:   video,
		demuxer: dm,
		meters:  meters,
		lead:    opts.Lead,
		status:  Status{Message: "Load a multi-stem MP4 to begin."},
		logger:  logging.Component(logger, "transport"),
	}
	video.OnEnded(func() {
		e.Dispatch(VideoEnded{})
	})
	return e
}

// Start begins playback from the current offset.
func (e *Engine) Start() error { return e.Dispatch(StartRequested{}) }

// Pause holds playback at the video leg's position.
func (e *Engine) Pause() error { return e.Dispatch(PauseRequested{}) }

// Stop returns to 0.
func (e *Engine) Stop() error { return e.Dispatch(StopRequested{}) }

// Seek moves the playhead, restarting playback there if playing.
func (e *Engine) Seek(offset float64) error { return e.Dispatch(SeekRequested{Offset: offset}) }

// Load replaces the current session with one built from the file at path.
// The previous session is torn down first, whatever happens next.
func (e *Engine) Load(ctx context.Context, path string) error {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	name := filepath.Base(path)
	e.Teardown()
	e.setStatus(fmt.Sprintf("Loading “%s”…", name), false)

	fail := func(err error) error {
		e.video.Unload()
		e.setStatus(err.Error(), true)
		e.logger.Error().Err(err).Str("file", name).Msg("load failed")
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read %s: %w", name, err))
	}
	if err := e.video.Load(ctx, path); err != nil {
		return fail(err)
	}
	res, err := e.demuxer.Demux(ctx, data)
	if err != nil {
		return fail(err)
	}

	g, err := graph.Build(e.actx, res.Buffers)
	if err != nil {
		return fail(fmt.Errorf("build audio graph: %w", err))
	}

	labels := demux.ResolveLabels(res.RawLog, len(res.Buffers))
	s := &Session{
		ID:    uuid.NewString(),
		Name:  name,
		State: Stopped,
		Ready: true,
	}
	for i, buf := range res.Buffers {
		s.Stems = append(s.Stems, &Stem{
			Index:  i,
			Label:  labels[i],
			Color:  demux.StemColor(i),
			Buffer: buf,
			Path:   g.Paths[i],
		})
	}

	e.mu.Lock()
	e.session = s
	e.graph = g
	e.meters.Start(tapsOf(g))
	e.mu.Unlock()

	e.setStatus(fmt.Sprintf("Ready: %s", name), false)
	e.logger.Info().
		Str("session", s.ID).
		Str("file", name).
		Strs("labels", labels).
		Msg("session ready")
	return nil
}

func tapsOf(g *graph.Graph) []meter.Tap {
	var taps []meter.Tap
	for _, a := range g.Analysers() {
		taps = append(taps, a)
	}
	return taps
}

// Teardown releases the session and everything attached to it. Every step
// is best-effort; errors here are logged, never propagated.
func (e *Engine) Teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.meters.Stop()
	e.stopSources()
	e.video.Pause()
	e.video.Unload()
	if e.graph != nil {
		e.graph.Release()
		e.graph = nil
	}
	e.actx.Suspend()
	e.holdEpoch++
	if e.session != nil {
		e.logger.Debug().Str("session", e.session.ID).Msg("session torn down")
	}
	e.session = nil
}

func (e *Engine) start() error {
	s := e.session
	if s == nil || !s.Ready {
		return ErrNotReady
	}
	if s.State == Playing || !e.video.Paused() {
		return ErrAlreadyPlaying
	}
	if err := e.actx.Resume(); err != nil {
		return fmt.Errorf("resume audio: %w", err)
	}
	e.stopSources()

	// the video restarts media played to its end from 0
	if d := e.video.Duration(); d > 0 && s.Offset >= d {
		s.Offset = 0
	}

	now := e.actx.CurrentTime()
	when := now + e.lead.Seconds() + e.syncOffset

	e.generation++
	gen := e.generation
	sched := Schedule{
		Generation: gen,
		Now:        now,
		When:       when,
		Offset:     s.Offset,
		SyncOffset: e.syncOffset,
	}

	for _, stem := range s.Stems {
		src := e.actx.NewBufferSource(stem.Buffer)
		src.OnEnded(func() {
			e.Dispatch(SourceEnded{Generation: gen})
		})
		off := ClampOffset(s.Offset, stem.Buffer.Duration())
		if err := src.Connect(stem.Path.Gain); err != nil {
			e.stopSources()
			return fmt.Errorf("stem %d: %w", stem.Index, err)
		}
		e.sources = append(e.sources, src)
		if err := src.Start(when, off); err != nil {
			e.stopSources()
			return fmt.Errorf("stem %d: %w", stem.Index, err)
		}
		sched.Offsets = append(sched.Offsets, off)
	}
	e.active = len(e.sources)
	e.audioRunning = true
	e.lastSchedule = sched

	e.video.SetCurrentTime(s.Offset)
	if err := e.video.Play(); err != nil {
		e.stopSources()
		e.actx.Suspend()
		e.status = Status{Message: "Unable to start playback.", IsError: true}
		e.logger.Error().Err(err).Msg("video playback failed")
		return fmt.Errorf("%w: %v", ErrVideoStart, err)
	}

	s.State = Playing
	e.logger.Debug().
		Float64("offset", s.Offset).
		Float64("when", when).
		Float64("sync", e.syncOffset).
		Uint64("generation", gen).
		Msg("playing")
	return nil
}

func (e *Engine) pause() {
	s := e.session
	if s == nil || !s.Ready {
		return
	}
	if !e.video.Paused() {
		e.video.Pause()
	}
	s.Offset = e.video.CurrentTime()
	e.stopSources()
	e.actx.Suspend()
	if s.State == Playing {
		s.State = Paused
	}
	e.logger.Debug().Float64("offset", s.Offset).Msg("paused")
}

func (e *Engine) stop(fromEnded bool) {
	s := e.session
	if s == nil || !s.Ready {
		return
	}
	if !fromEnded {
		e.video.Pause()
	}
	e.video.SetCurrentTime(0)
	s.Offset = 0
	e.stopSources()
	e.actx.Suspend()
	if s.State != Stopped {
		e.logger.Debug().Bool("from_ended", fromEnded).Msg("stopped")
	}
	s.State = Stopped
}

func (e *Engine) seek(offset float64) error {
	s := e.session
	if s == nil || !s.Ready {
		return ErrNotReady
	}
	wasPlaying := s.State == Playing
	if wasPlaying {
		e.pause()
	}
	e.video.SetCurrentTime(offset)
	s.Offset = e.video.CurrentTime()
	if wasPlaying {
		return e.start()
	}
	if s.Offset > 0 {
		s.State = Paused
	} else {
		s.State = Stopped
	}
	return nil
}

func (e *Engine) sourceEnded(gen uint64) {
	if gen != e.generation || e.active == 0 {
		return
	}
	e.active--
	if e.active > 0 {
		return
	}
	e.audioRunning = false
	e.logger.Debug().Uint64("generation", gen).Msg("all sources ended")
	if e.video.Ended() {
		e.stop(true)
	}
}

// stopSources discards every live source. Bumping the generation first
// makes their ended signals inert.
func (e *Engine) stopSources() {
	e.generation++
	for _, src := range e.sources {
		src.Stop()
		src.Disconnect()
	}
	e.sources = nil
	e.active = 0
	e.audioRunning = false
}

// Hold pauses a playing transport and returns a token for Release. ok is
// false when nothing is playing.
func (e *Engine) Hold() (token uint64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.session.State != Playing {
		return 0, false
	}
	e.pause()
	e.holdEpoch++
	return e.holdEpoch, true
}

// Release restarts playback held by token. Nothing happens, and resumed is
// false, once any transport request has arrived since the hold.
func (e *Engine) Release(token uint64) (resumed bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if token != e.holdEpoch || e.session == nil || e.session.State != Paused {
		e.logger.Debug().Uint64("token", token).Msg("hold superseded")
		return false, nil
	}
	return true, e.start()
}

// SetGain sets stem i's gain, clamped to the allowed range, and returns
// the applied value.
func (e *Engine) SetGain(i int, v float64) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stem, err := e.stem(i)
	if err != nil {
		return 0, err
	}
	return stem.Path.Gain.SetValue(v), nil
}

// ResetGain restores stem i to unity.
func (e *Engine) ResetGain(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stem, err := e.stem(i)
	if err != nil {
		return err
	}
	stem.Path.Gain.Reset()
	return nil
}

func (e *Engine) stem(i int) (*Stem, error) {
	if e.session == nil || !e.session.Ready {
		return nil, ErrNotReady
	}
	if i < 0 || i >= len(e.session.Stems) {
		return nil, fmt.Errorf("%w: %d", ErrNoStem, i)
	}
	return e.session.Stems[i], nil
}

// SetSyncOffset sets the delay folded into the next start's clock
// reference, in seconds.
func (e *Engine) SetSyncOffset(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncOffset = seconds
}

// State returns the transport state; Stopped when nothing is loaded.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return Stopped
	}
	return e.session.State
}

// LastSchedule returns the clock reference of the most recent start.
func (e *Engine) LastSchedule() Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.lastSchedule
	s.Offsets = append([]float64(nil), s.Offsets...)
	return s
}

// Status returns the current status line.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Report surfaces a failure from outside the engine on the status line.
func (e *Engine) Report(err error) {
	if err == nil {
		return
	}
	e.setStatus(err.Error(), true)
}

func (e *Engine) setStatus(msg string, isErr bool) {
	e.mu.Lock()
	e.status = Status{Message: msg, IsError: isErr}
	e.mu.Unlock()
	if isErr {
		e.logger.Warn().Str("status", msg).Msg("status")
	} else {
		e.logger.Info().Str("status", msg).Msg("status")
	}
}

// Snapshot copies the engine state for reporting.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		State:            Stopped,
		AudioRunning:     e.audioRunning,
		SyncOffsetMillis: e.syncOffset * 1000,
		Status:           e.status,
		Stems:            []StemStatus{},
	}
	s := e.session
	if s == nil {
		return snap
	}
	snap.SessionID = s.ID
	snap.File = s.Name
	snap.State = s.State
	snap.Ready = s.Ready
	snap.Offset = s.Offset
	snap.Position = e.video.CurrentTime()

	levels := e.meters.Levels()
	for _, stem := range s.Stems {
		snap.Stems = append(snap.Stems, StemStatus{
			Index:    stem.Index,
			Label:    stem.Label,
			Color:    stem.Color,
			Gain:     stem.Path.Gain.Value(),
			Duration: stem.Buffer.Duration(),
			Level:    levelFor(levels, stem.Index),
		})
	}
	return snap
}
