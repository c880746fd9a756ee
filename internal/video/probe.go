package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
)

var ErrNoDuration = errors.New("media has no usable duration")

// Metadata is what the element needs to know before it can play.
type Metadata struct {
	Duration     float64 // seconds
	Width        int
	Height       int
	HasVideo     bool
	AudioStreams int
}

// Prober resolves metadata for a media file.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// FFprobe runs the ffprobe binary.
type FFprobe struct {
	Bin string
}

// Probe implements Prober.
func (p FFprobe) Probe(ctx context.Context, path string) (Metadata, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return parseProbe(out)
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Metadata{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var meta Metadata
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !meta.HasVideo {
				meta.HasVideo = true
				meta.Width, meta.Height = s.Width, s.Height
			}
		case "audio":
			meta.AudioStreams++
		}
	}

	d, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || d <= 0 {
		return Metadata{}, ErrNoDuration
	}
	meta.Duration = d
	return meta, nil
}
