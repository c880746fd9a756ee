package transport

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/audio"
	"github.com/satindergrewal/stagesplit/internal/demux"
	"github.com/satindergrewal/stagesplit/internal/graph"
	"github.com/satindergrewal/stagesplit/internal/meter"
)

const testRate = 1000

// --- fakes ---

type fakeVideo struct {
	mu      sync.Mutex
	src     string
	paused  bool
	ended   bool
	pos     float64
	length  float64
	playErr error
	loadErr error
	onEnded func()
	plays   int
	pauses  int
	seeks   []float64
}

func newFakeVideo() *fakeVideo { return &fakeVideo{paused: true} }

func (v *fakeVideo) Load(ctx context.Context, path string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.loadErr != nil {
		return v.loadErr
	}
	v.src, v.pos, v.paused, v.ended = path, 0, true, false
	return nil
}

func (v *fakeVideo) Unload() {
	v.mu.Lock()
	v.src, v.pos, v.paused, v.ended = "", 0, true, false
	v.mu.Unlock()
}

func (v *fakeVideo) Paused() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.paused
}

func (v *fakeVideo) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

func (v *fakeVideo) CurrentTime() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos
}

func (v *fakeVideo) SetCurrentTime(t float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pos = math.Max(0, t)
	v.ended = false
	v.seeks = append(v.seeks, t)
}

func (v *fakeVideo) Duration() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.length
}

func (v *fakeVideo) Play() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.playErr != nil {
		return v.playErr
	}
	v.paused = false
	v.plays++
	return nil
}

func (v *fakeVideo) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.paused {
		v.pauses++
	}
	v.paused = true
}

func (v *fakeVideo) OnEnded(fn func()) {
	v.mu.Lock()
	v.onEnded = fn
	v.mu.Unlock()
}

// advance moves the playhead as if time passed while playing.
func (v *fakeVideo) advance(to float64) {
	v.mu.Lock()
	v.pos = to
	v.mu.Unlock()
}

// finish plays the video to its end and fires the ended callback.
func (v *fakeVideo) finish(at float64) {
	v.mu.Lock()
	v.pos, v.paused, v.ended = at, true, true
	fn := v.onEnded
	v.mu.Unlock()
	fn()
}

func (v *fakeVideo) pauseCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pauses
}

type fakeDemuxer struct {
	res *demux.Result
	err error
}

func (d *fakeDemuxer) Demux(ctx context.Context, input []byte) (*demux.Result, error) {
	return d.res, d.err
}

type fakeMeter struct {
	mu     sync.Mutex
	starts []int
	stops  int
}

func (m *fakeMeter) Start(taps []meter.Tap) {
	m.mu.Lock()
	m.starts = append(m.starts, len(taps))
	m.mu.Unlock()
}

func (m *fakeMeter) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
}

func (m *fakeMeter) Levels() []meter.Level { return []meter.Level{{Index: 1, Percent: 55}} }

// --- helpers ---

type harness struct {
	t      *testing.T
	actx   *graph.Context
	video  *fakeVideo
	demux  *fakeDemuxer
	meters *fakeMeter
	engine *Engine
	path   string
}

// timeBuffer is seconds long; every frame carries its own position
// (seconds/100) so rendered output reveals where in the buffer it is.
func timeBuffer(seconds float64) *audio.Buffer {
	n := int(seconds * testRate)
	b := &audio.Buffer{SampleRate: testRate, SourceChannels: 1, Frames: make([][2]float64, n)}
	for i := range b.Frames {
		v := float64(i) / testRate / 100
		b.Frames[i] = [2]float64{v, v}
	}
	return b
}

func newHarness(t *testing.T, durations ...float64) *harness {
	t.Helper()
	actx := graph.NewContext(graph.Options{SampleRate: testRate}, zerolog.Nop())
	t.Cleanup(actx.Close)

	var bufs []*audio.Buffer
	for _, d := range durations {
		bufs = append(bufs, timeBuffer(d))
	}
	h := &harness{
		t:     t,
		actx:  actx,
		video: newFakeVideo(),
		demux: &fakeDemuxer{res: &demux.Result{
			Buffers: bufs,
			RawLog:  []string{"    handler_name    : SoundHandler", "    handler_name    : Lead Vox"},
		}},
		meters: &fakeMeter{},
	}
	h.engine = NewEngine(actx, h.video, h.demux, h.meters, Options{Lead: 20 * time.Millisecond}, zerolog.Nop())

	h.path = filepath.Join(t.TempDir(), "song.mp4")
	if err := os.WriteFile(h.path, []byte("container"), 0o644); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) load() {
	h.t.Helper()
	if err := h.engine.Load(context.Background(), h.path); err != nil {
		h.t.Fatalf("Load: %v", err)
	}
}

func (h *harness) render(frames int) [][2]float64 {
	out := make([][2]float64, frames)
	h.actx.Stream(out)
	return out
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// --- Load ---

func TestLoadBuildsSession(t *testing.T) {
	h := newHarness(t, 5, 5, 5)
	h.load()

	snap := h.engine.Snapshot()
	if !snap.Ready || snap.State != Stopped || snap.SessionID == "" {
		t.Fatalf("snapshot = %+v, want a ready stopped session", snap)
	}
	var labels []string
	for _, s := range snap.Stems {
		labels = append(labels, s.Label)
	}
	if strings.Join(labels, ",") != "Lead Vox,Drums,Bass" {
		t.Errorf("labels = %v, want [Lead Vox Drums Bass]", labels)
	}
	if snap.Stems[2].Color != demux.StemColor(2) {
		t.Errorf("stem 2 color = %q", snap.Stems[2].Color)
	}
	if snap.Stems[1].Level != 55 || snap.Stems[0].Level != 0 {
		t.Errorf("levels = %v, %v; want 0, 55", snap.Stems[0].Level, snap.Stems[1].Level)
	}
	if snap.Status.Message != "Ready: song.mp4" || snap.Status.IsError {
		t.Errorf("status = %+v", snap.Status)
	}
	if len(h.meters.starts) != 1 || h.meters.starts[0] != 3 {
		t.Errorf("meter starts = %v, want one start with 3 taps", h.meters.starts)
	}
}

func TestLoadFailureMountsNothing(t *testing.T) {
	h := newHarness(t, 5)
	h.demux.err = demux.ErrNoStemsFound

	err := h.engine.Load(context.Background(), h.path)
	if !errors.Is(err, demux.ErrNoStemsFound) {
		t.Fatalf("Load err = %v, want ErrNoStemsFound", err)
	}
	snap := h.engine.Snapshot()
	if snap.Ready || snap.SessionID != "" {
		t.Errorf("failed load left a session mounted: %+v", snap)
	}
	if !snap.Status.IsError || snap.Status.Message != demux.ErrNoStemsFound.Error() {
		t.Errorf("status = %+v", snap.Status)
	}
	if h.video.src != "" {
		t.Error("video source kept after a failed load")
	}
	if err := h.engine.Start(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Start err = %v, want ErrNotReady", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	h := newHarness(t, 5)
	if err := h.engine.Load(context.Background(), filepath.Join(t.TempDir(), "nope.mp4")); err == nil {
		t.Fatal("Load of a missing file should fail")
	}
}

// Loading over a playing session tears it down completely first.
func TestLoadTearsDownPrevious(t *testing.T) {
	h := newHarness(t, 5, 5)
	h.load()
	first := h.engine.Snapshot().SessionID
	oldPaths := h.engine.session.Stems
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.render(100)

	h.load()
	snap := h.engine.Snapshot()
	if snap.SessionID == first {
		t.Error("reload kept the old session id")
	}
	if snap.State != Stopped || snap.AudioRunning {
		t.Errorf("state after reload = %v running=%v, want stopped and idle", snap.State, snap.AudioRunning)
	}
	if h.meters.stops == 0 || len(h.meters.starts) != 2 {
		t.Errorf("meters stops=%d starts=%v, want restart on rebuild", h.meters.stops, h.meters.starts)
	}
	for _, stem := range oldPaths {
		if n := stem.Path.Gain.Sources(); n != 0 {
			t.Errorf("old path %d still has %d sources", stem.Index, n)
		}
	}
	out := h.render(50)
	if out[10] != [2]float64{} {
		t.Errorf("old session still audible after reload: %v", out[10])
	}
}

// --- Start ---

func TestStartGuards(t *testing.T) {
	h := newHarness(t, 5)
	if err := h.engine.Start(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Start before load err = %v, want ErrNotReady", err)
	}
	h.load()
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Start(); !errors.Is(err, ErrAlreadyPlaying) {
		t.Errorf("re-entrant Start err = %v, want ErrAlreadyPlaying", err)
	}
	if h.video.plays != 1 {
		t.Errorf("video played %d times, want 1", h.video.plays)
	}
}

func TestStartSharesOneReference(t *testing.T) {
	h := newHarness(t, 3, 4, 5)
	h.load()
	h.actx.Resume()
	h.render(500)

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	sched := h.engine.LastSchedule()
	if !near(sched.Now, 0.5) || !near(sched.When, 0.52) {
		t.Errorf("schedule = now %v when %v, want 0.5 and 0.52", sched.Now, sched.When)
	}

	out := h.render(40)
	if out[19] != [2]float64{} {
		t.Errorf("frame before reference = %v, want silence", out[19])
	}
	// three stems at buffer frame 0 plus one frame: 3 * 0.001/100
	if !near(out[21][0], 3*0.00001) {
		t.Errorf("frame after reference = %v, want all stems in phase", out[21][0])
	}
}

// Scenario: play, pause at 12.340s on the video, resume.
func TestPauseResumeFromVideoPosition(t *testing.T) {
	h := newHarness(t, 20, 10)
	h.load()

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	first := h.engine.LastSchedule()
	h.render(200)

	h.video.advance(12.34)
	if err := h.engine.Pause(); err != nil {
		t.Fatal(err)
	}
	if s := h.engine.State(); s != Paused {
		t.Fatalf("State after pause = %v, want paused", s)
	}
	if h.engine.Snapshot().Offset != 12.34 {
		t.Errorf("offset = %v, want 12.34 from the video leg", h.engine.Snapshot().Offset)
	}
	h.render(100) // suspend ramp

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	sched := h.engine.LastSchedule()
	if sched.Generation == first.Generation || !(sched.When > first.When) {
		t.Errorf("resume reused the old reference: %+v vs %+v", sched, first)
	}
	if !near(sched.Offsets[0], 12.34) || !near(sched.Offsets[1], 10-Epsilon) {
		t.Errorf("per-source offsets = %v, want [12.34 9.99]", sched.Offsets)
	}
	if h.video.seeks[len(h.video.seeks)-1] != 12.34 {
		t.Errorf("video repositioned to %v, want 12.34", h.video.seeks)
	}
}

func TestClampOffset(t *testing.T) {
	tests := []struct {
		o, d, want float64
	}{
		{0, 10, 0},
		{-3, 10, 0},
		{5, 10, 5},
		{10, 10, 9.99},
		{25, 10, 9.99},
		{0.005, 0.005, 0},
		{1, 0, 0},
		{math.NaN(), 10, 0},
	}
	for _, tt := range tests {
		if got := ClampOffset(tt.o, tt.d); !near(got, tt.want) {
			t.Errorf("ClampOffset(%v, %v) = %v, want %v", tt.o, tt.d, got, tt.want)
		}
	}
}

func TestVideoStartFailureKeepsSession(t *testing.T) {
	h := newHarness(t, 5, 5)
	h.load()
	h.video.playErr = errors.New("NotAllowedError")

	err := h.engine.Start()
	if !errors.Is(err, ErrVideoStart) {
		t.Fatalf("Start err = %v, want ErrVideoStart", err)
	}
	snap := h.engine.Snapshot()
	if snap.State != Stopped || !snap.Ready || snap.AudioRunning {
		t.Errorf("snapshot = %+v, want ready, stopped, no audio", snap)
	}
	if snap.Status.Message != "Unable to start playback." || !snap.Status.IsError {
		t.Errorf("status = %+v", snap.Status)
	}
	h.render(50)
	for _, stem := range h.engine.session.Stems {
		if n := stem.Path.Gain.Sources(); n != 0 {
			t.Errorf("stem %d has %d armed sources after failure", stem.Index, n)
		}
	}

	h.video.playErr = nil
	if err := h.engine.Start(); err != nil {
		t.Errorf("retry Start: %v", err)
	}
}

func TestSyncOffsetShiftsReference(t *testing.T) {
	h := newHarness(t, 5)
	h.load()
	h.engine.SetSyncOffset(0.2)
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	sched := h.engine.LastSchedule()
	if !near(sched.When, sched.Now+0.02+0.2) || sched.SyncOffset != 0.2 {
		t.Errorf("schedule = %+v, want when = now + lead + 0.2", sched)
	}
	if h.engine.Snapshot().SyncOffsetMillis != 200 {
		t.Errorf("SyncOffsetMillis = %v, want 200", h.engine.Snapshot().SyncOffsetMillis)
	}
}

// --- Stop / end of media ---

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, 5)
	if err := h.engine.Stop(); err != nil {
		t.Errorf("Stop with no session: %v", err)
	}
	h.load()
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.video.advance(3)
	for i := 0; i < 2; i++ {
		if err := h.engine.Stop(); err != nil {
			t.Errorf("Stop #%d: %v", i+1, err)
		}
		snap := h.engine.Snapshot()
		if snap.State != Stopped || snap.Offset != 0 || h.video.CurrentTime() != 0 {
			t.Errorf("after Stop #%d: %+v video=%v", i+1, snap, h.video.CurrentTime())
		}
	}
	h.engine.Teardown()
	h.engine.Teardown()
	if h.engine.Snapshot().Ready {
		t.Error("session survived teardown")
	}
}

// Scenario: the video ends after every audio source already completed.
func TestVideoEndAfterAudioStops(t *testing.T) {
	h := newHarness(t, 0.1, 0.2)
	h.load()
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.render(400)
	h.actx.Sync()

	snap := h.engine.Snapshot()
	if snap.AudioRunning || snap.State != Playing {
		t.Fatalf("after sources ended: running=%v state=%v, want idle audio still playing", snap.AudioRunning, snap.State)
	}

	pausesBefore := h.video.pauseCount()
	h.video.finish(0.25)
	if s := h.engine.State(); s != Stopped {
		t.Errorf("State after video end = %v, want stopped", s)
	}
	if h.video.pauseCount() != pausesBefore {
		t.Error("stop from end of media paused the video again")
	}
	if h.video.CurrentTime() != 0 || h.engine.Snapshot().Offset != 0 {
		t.Error("end-of-media stop should rewind to 0")
	}
}

// Sources finishing after the video already ended also stop the transport.
func TestAudioEndAfterVideoEnded(t *testing.T) {
	h := newHarness(t, 0.1)
	h.load()
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.video.mu.Lock()
	h.video.ended, h.video.paused = true, true
	h.video.mu.Unlock()

	h.render(300)
	h.actx.Sync()
	if s := h.engine.State(); s != Stopped {
		t.Errorf("State = %v, want stopped", s)
	}
}

// Ended signals from sources of an earlier start do not count against the
// current one.
func TestStaleEndedIgnored(t *testing.T) {
	h := newHarness(t, 5, 5)
	h.load()
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.render(100)
	h.engine.Pause() // stops two sources, their ended signals go stale
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.render(100)
	h.actx.Sync()

	h.engine.mu.Lock()
	active, running := h.engine.active, h.engine.audioRunning
	h.engine.mu.Unlock()
	if active != 2 || !running {
		t.Errorf("active=%d running=%v, want 2 live sources", active, running)
	}
}

// --- Seek ---

func TestSeek(t *testing.T) {
	h := newHarness(t, 60)
	if err := h.engine.Seek(3); !errors.Is(err, ErrNotReady) {
		t.Errorf("Seek before load err = %v, want ErrNotReady", err)
	}
	h.load()

	if err := h.engine.Seek(12); err != nil {
		t.Fatal(err)
	}
	if snap := h.engine.Snapshot(); snap.State != Paused || snap.Offset != 12 {
		t.Errorf("after seek while stopped: %v at %v, want paused at 12", snap.State, snap.Offset)
	}

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	gen := h.engine.LastSchedule().Generation
	if err := h.engine.Seek(30); err != nil {
		t.Fatal(err)
	}
	sched := h.engine.LastSchedule()
	if h.engine.State() != Playing || sched.Offset != 30 || sched.Generation == gen {
		t.Errorf("seek while playing: state=%v schedule=%+v", h.engine.State(), sched)
	}
}

// Starting at the very end of the media restarts both legs from 0.
func TestStartAtEndRewindsBothLegs(t *testing.T) {
	h := newHarness(t, 5, 5)
	h.video.length = 5
	h.load()

	if err := h.engine.Seek(5); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	sched := h.engine.LastSchedule()
	if sched.Offset != 0 {
		t.Errorf("schedule offset = %v, want 0", sched.Offset)
	}
	for i, off := range sched.Offsets {
		if off != 0 {
			t.Errorf("source %d offset = %v, want 0", i, off)
		}
	}
	if pos := h.video.CurrentTime(); pos != 0 {
		t.Errorf("video position = %v, want 0", pos)
	}
}

// --- Hold / Release ---

func TestHoldRelease(t *testing.T) {
	h := newHarness(t, 60)
	if _, ok := h.engine.Hold(); ok {
		t.Error("Hold with no session succeeded")
	}
	h.load()
	if _, ok := h.engine.Hold(); ok {
		t.Error("Hold while stopped succeeded")
	}

	if err := h.engine.Start(); err != nil {
		t.Fatal(err)
	}
	h.video.advance(7)
	token, ok := h.engine.Hold()
	if !ok || h.engine.State() != Paused {
		t.Fatalf("Hold = %v, state %v; want paused", ok, h.engine.State())
	}
	h.engine.SetSyncOffset(0.1)
	resumed, err := h.engine.Release(token)
	if err != nil || !resumed {
		t.Fatalf("Release = %v, %v", resumed, err)
	}
	sched := h.engine.LastSchedule()
	if h.engine.State() != Playing || sched.Offset != 7 || !near(sched.When, sched.Now+0.02+0.1) {
		t.Errorf("after release: state=%v schedule=%+v", h.engine.State(), sched)
	}
	if resumed, _ := h.engine.Release(token); resumed {
		t.Error("token reused")
	}
}

// A transport request made while held wins over the release.
func TestReleaseAfterUserRequest(t *testing.T) {
	tests := []struct {
		name string
		req  func(e *Engine) error
		want State
	}{
		{"stop", (*Engine).Stop, Stopped},
		{"pause", (*Engine).Pause, Paused},
		{"seek", func(e *Engine) error { return e.Seek(20) }, Paused},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 60)
			h.load()
			if err := h.engine.Start(); err != nil {
				t.Fatal(err)
			}
			token, ok := h.engine.Hold()
			if !ok {
				t.Fatal("Hold failed")
			}
			if err := tt.req(h.engine); err != nil {
				t.Fatal(err)
			}
			plays := h.video.plays
			resumed, err := h.engine.Release(token)
			if err != nil || resumed {
				t.Errorf("Release = %v, %v; want not resumed", resumed, err)
			}
			if s := h.engine.State(); s != tt.want {
				t.Errorf("State = %v, want %v", s, tt.want)
			}
			if h.video.plays != plays {
				t.Error("video restarted")
			}
		})
	}

	h := newHarness(t, 60)
	h.load()
	h.engine.Start()
	token, _ := h.engine.Hold()
	h.load()
	if resumed, _ := h.engine.Release(token); resumed {
		t.Error("hold survived a reload")
	}
}

// --- Gain ---

func TestGainControls(t *testing.T) {
	h := newHarness(t, 5, 5)
	if _, err := h.engine.SetGain(0, 1); !errors.Is(err, ErrNotReady) {
		t.Errorf("SetGain before load err = %v, want ErrNotReady", err)
	}
	h.load()

	if got, err := h.engine.SetGain(1, 2.5); err != nil || got != 2 {
		t.Errorf("SetGain(1, 2.5) = %v, %v; want 2, nil", got, err)
	}
	if _, err := h.engine.SetGain(5, 1); !errors.Is(err, ErrNoStem) {
		t.Errorf("SetGain(5) err = %v, want ErrNoStem", err)
	}
	if err := h.engine.ResetGain(1); err != nil {
		t.Fatal(err)
	}
	if g := h.engine.Snapshot().Stems[1].Gain; g != 1 {
		t.Errorf("gain after reset = %v, want 1", g)
	}
}
