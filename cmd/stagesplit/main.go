package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/satindergrewal/stagesplit/internal/audio"
	"github.com/satindergrewal/stagesplit/internal/cast"
	"github.com/satindergrewal/stagesplit/internal/config"
	"github.com/satindergrewal/stagesplit/internal/console"
	"github.com/satindergrewal/stagesplit/internal/demux"
	"github.com/satindergrewal/stagesplit/internal/ffmpeg"
	"github.com/satindergrewal/stagesplit/internal/graph"
	"github.com/satindergrewal/stagesplit/internal/logging"
	"github.com/satindergrewal/stagesplit/internal/meter"
	"github.com/satindergrewal/stagesplit/internal/stream"
	"github.com/satindergrewal/stagesplit/internal/transport"
	"github.com/satindergrewal/stagesplit/internal/video"
)

type output interface {
	Attach(*graph.Context) error
	Detach()
}

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stderr, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info().Int("sample_rate", cfg.SampleRate).Str("cast", cfg.CastMode).Msg("stagesplit starting up...")

	// Decode service
	svc := ffmpeg.NewExecService(cfg.FFmpegBin, cfg.WorkDir, logger)
	defer svc.Reset()
	dec := audio.NewDecoder(cfg.FFmpegBin, cfg.SampleRate)
	dm := demux.New(svc, dec, logger)

	// One audio context for the whole process
	actx := graph.NewContext(graph.Options{
		SampleRate: cfg.SampleRate,
		Declick:    cfg.DeclickRamp,
		FFTSize:    cfg.AnalyserWindow,
	}, logger)
	defer actx.Close()

	var out output = graph.SpeakerOutput{Buffer: cfg.OutputBuffer}
	if err := out.Attach(actx); err != nil {
		logger.Warn().Err(err).Msg("no audio device, running the clock silently")
		out = &graph.ClockOutput{}
		out.Attach(actx)
	}
	defer out.Detach()

	// Video leg
	el := video.NewElement(video.Options{
		Prober:    video.FFprobe{Bin: cfg.FFprobeBin},
		FFmpegBin: cfg.FFmpegBin,
	}, logger)

	// Meters fan out to every SSE listener
	levels := stream.NewBroadcaster[[]meter.Level](4)
	sampler := meter.NewSampler(cfg.MeterRate, levels.Publish, logger)
	defer sampler.Stop()

	eng := transport.NewEngine(actx, el, dm, sampler, transport.Options{Lead: cfg.LeadTime}, logger)
	defer eng.Teardown()

	// Cast leg
	var leg cast.Leg = cast.NoLeg{}
	var offerHandler http.Handler
	switch cfg.CastMode {
	case "webrtc":
		wl := cast.NewWebRTCLeg(cfg.CastTimeout, logger)
		leg, offerHandler = wl, wl
	case "simulated":
		leg = cast.NewSimulatedLeg(250*time.Millisecond, logger)
	}
	caster := cast.NewController(leg, eng, func() cast.Stream { return el.CaptureStream() },
		cast.Options{OnError: eng.Report}, logger)
	defer caster.Close()

	// HTTP routes
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status(eng, caster))
	})

	mux.HandleFunc("/api/load", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
			http.Error(w, "invalid path", http.StatusBadRequest)
			return
		}
		// loads outlive the request
		if err := eng.Load(ctx, req.Path); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status(eng, caster))
	})

	transportRoute := func(path string, op func() error) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			if !requirePost(w, r) {
				return
			}
			if err := op(); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, status(eng, caster))
		})
	}
	transportRoute("/api/play", eng.Start)
	transportRoute("/api/pause", eng.Pause)
	transportRoute("/api/stop", eng.Stop)

	mux.HandleFunc("/api/seek", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Offset *float64 `json:"offset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Offset == nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		if err := eng.Seek(*req.Offset); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status(eng, caster))
	})

	mux.HandleFunc("/api/gain", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Index *int     `json:"index"`
			Gain  *float64 `json:"gain"`
			Reset bool     `json:"reset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Index == nil || (req.Gain == nil && !req.Reset) {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		var (
			applied = graph.DefaultGain
			err     error
		)
		if req.Reset {
			err = eng.ResetGain(*req.Index)
		} else {
			applied, err = eng.SetGain(*req.Index, *req.Gain)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "index": *req.Index, "gain": applied})
	})

	mux.HandleFunc("/api/cast/connect", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		if caster.Capability() != cast.Available {
			writeError(w, cast.ErrCastUnsupported)
			return
		}
		// the receiver may take a while to answer
		go func() {
			if err := caster.Connect(ctx); err != nil {
				eng.Report(err)
			}
		}()
		writeJSON(w, http.StatusAccepted, caster.Link())
	})

	mux.HandleFunc("/api/cast/disconnect", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		caster.Disconnect()
		writeJSON(w, http.StatusOK, caster.Link())
	})

	mux.HandleFunc("/api/cast/offset", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Ms    *int `json:"ms"`
			Nudge *int `json:"nudge"`
			Reset bool `json:"reset"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		switch {
		case req.Reset:
			caster.ResetOffset()
		case req.Ms != nil:
			caster.SetOffset(*req.Ms)
		case req.Nudge != nil:
			caster.Nudge(*req.Nudge)
		default:
			http.Error(w, "one of ms, nudge or reset required", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, caster.Link())
	})

	if offerHandler != nil {
		mux.Handle("/cast/offer", offerHandler)
	}
	mux.Handle("/api/meters", stream.NewSSEHandler(levels, "levels", logger))

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down...")
		server.Close()
	}()

	if cfg.Console {
		con := console.New(eng, caster, os.Stdout, logger)
		go func() {
			if err := con.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("console unavailable")
				return
			}
			cancel()
		}()
	}

	logger.Info().Str("addr", addr).Msg("stagesplit ready")
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server error")
	}
}

type statusResponse struct {
	transport.Snapshot
	Cast cast.Link `json:"cast"`
}

func status(eng *transport.Engine, c *cast.Controller) statusResponse {
	return statusResponse{Snapshot: eng.Snapshot(), Cast: c.Link()}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrNotReady),
		errors.Is(err, transport.ErrAlreadyPlaying),
		errors.Is(err, cast.ErrCastAlreadyActive):
		code = http.StatusConflict
	case errors.Is(err, transport.ErrNoStem), errors.Is(err, os.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, cast.ErrCastUnsupported):
		code = http.StatusNotImplemented
	case errors.Is(err, demux.ErrNoStemsFound), errors.Is(err, demux.ErrNoDecodableStems):
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, map[string]any{"ok": false, "error": err.Error()})
}
