// Package demux pulls every audio track out of a multi-track container and
// decodes each one into an in-memory PCM buffer.
package demux

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/audio"
	"github.com/satindergrewal/stagesplit/internal/ffmpeg"
	"github.com/satindergrewal/stagesplit/internal/logging"
)

const (
	// MaxTracks caps how many audio tracks are extracted per file.
	MaxTracks = 6

	// InputName is the fixed staging name of the container in the service.
	InputName = "input.mp4"
)

var (
	ErrServiceUnavailable = errors.New("decode service unavailable")
	ErrNoStemsFound       = errors.New("no audio stems found in this file")
	ErrCorruptArtifact    = errors.New("decode service returned an unusable stem")
	ErrNoDecodableStems   = errors.New("unable to decode any stems from the file")
)

// Result is the output of one demux run.
type Result struct {
	Buffers []*audio.Buffer
	RawLog  []string // probe pass log lines, in arrival order
	Codecs  []string // probed codec per audio track, may be shorter than Buffers
}

// Demuxer drives the decode service: stage, probe, stream-copy each track,
// decode.
type Demuxer struct {
	svc    ffmpeg.Service
	dec    audio.Decoder
	logger zerolog.Logger
}

// New creates a Demuxer.
func New(svc ffmpeg.Service, dec audio.Decoder, logger zerolog.Logger) *Demuxer {
	return &Demuxer{
		svc:    svc,
		dec:    dec,
		logger: logging.Component(logger, "demux"),
	}
}

// Demux extracts up to MaxTracks audio stems from the container bytes.
// The staged input is deleted and the log listener detached on every exit
// path.
func (d *Demuxer) Demux(ctx context.Context, input []byte) (*Result, error) {
	if err := d.svc.Load(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	var (
		mu    sync.Mutex
		lines []string
	)
	detach := d.svc.Subscribe(func(ev ffmpeg.LogEvent) {
		mu.Lock()
		lines = append(lines, ev.Text)
		mu.Unlock()
	})
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), lines...)
	}

	defer func() {
		// errors here are logged, never propagated
		if err := d.svc.DeleteFile(context.WithoutCancel(ctx), InputName); err != nil {
			d.logger.Debug().Err(err).Msg("remove staged input")
		}
		detach()
	}()

	// idempotent re-load: a stale copy may survive an aborted run
	_ = d.svc.DeleteFile(ctx, InputName)

	if err := d.svc.WriteFile(ctx, InputName, input); err != nil {
		return nil, fmt.Errorf("stage input: %w", err)
	}

	// the probe run exits non-zero (no output file); only its log matters
	if _, err := d.svc.Exec(ctx, []string{"-hide_banner", "-i", InputName}); err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	probeLog := snapshot()
	codecs := ParseAudioCodecs(probeLog)

	var buffers []*audio.Buffer
	for i := 0; i < MaxTracks; i++ {
		codec := ""
		if i < len(codecs) {
			codec = codecs[i]
		}
		artifact := fmt.Sprintf("stem_%d%s", i, ArtifactExt(codec))
		// ffmpeg will not overwrite a leftover from an earlier run
		_ = d.svc.DeleteFile(ctx, artifact)

		code, err := d.svc.Exec(ctx, []string{
			"-hide_banner",
			"-i", InputName,
			"-map", fmt.Sprintf("0:a:%d", i),
			"-c:a", "copy",
			artifact,
		})
		if err != nil {
			return nil, fmt.Errorf("extract track %d: %w", i, err)
		}
		if code != 0 {
			if i == 0 {
				return nil, ErrNoStemsFound
			}
			d.logger.Debug().Int("track", i).Int("exit", code).Msg("no more audio tracks")
			break
		}

		buf, err := d.collect(ctx, artifact)
		if err != nil {
			return nil, fmt.Errorf("track %d: %w", i, err)
		}
		d.logger.Debug().
			Int("track", i).
			Str("codec", codec).
			Float64("duration", buf.Duration()).
			Msg("stem decoded")
		buffers = append(buffers, buf)
	}

	if len(buffers) == 0 {
		return nil, ErrNoDecodableStems
	}

	d.logger.Info().Int("stems", len(buffers)).Msg("demux complete")
	return &Result{Buffers: buffers, RawLog: probeLog, Codecs: codecs}, nil
}

// collect reads one extracted artifact, drops it from the service and
// decodes it.
func (d *Demuxer) collect(ctx context.Context, artifact string) (*audio.Buffer, error) {
	data, err := d.svc.ReadFile(ctx, artifact)
	if delErr := d.svc.DeleteFile(ctx, artifact); delErr != nil {
		d.logger.Debug().Err(delErr).Str("file", artifact).Msg("remove stem artifact")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptArtifact, artifact, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptArtifact, artifact)
	}

	buf, err := d.dec.Decode(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptArtifact, artifact, err)
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("%w: %s decoded to silence of zero length", ErrCorruptArtifact, artifact)
	}
	return buf, nil
}
