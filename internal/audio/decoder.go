package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"

	"github.com/faiface/beep"
	"github.com/go-audio/wav"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"gopkg.in/hraban/opus.v2"
)

var (
	// ErrEmptyInput is returned for a zero-length payload.
	ErrEmptyInput = errors.New("empty audio payload")
	// ErrInvalidWAV is returned when a RIFF payload is not a usable WAV file.
	ErrInvalidWAV = errors.New("invalid wav payload")
)

// Decoder turns an encoded elementary stream into PCM.
type Decoder interface {
	Decode(ctx context.Context, data []byte) (*Buffer, error)
}

// HostDecoder decodes stems to the engine sample rate. WAV and Ogg/Opus are
// handled in-process; everything else (AAC, MP3, FLAC...) goes through FFmpeg.
type HostDecoder struct {
	FFmpegBin  string
	SampleRate int
}

// NewDecoder creates a host decoder producing buffers at sampleRate.
func NewDecoder(ffmpegBin string, sampleRate int) *HostDecoder {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &HostDecoder{FFmpegBin: ffmpegBin, SampleRate: sampleRate}
}

type payloadKind int

const (
	kindOther payloadKind = iota
	kindWAV
	kindOggOpus
)

func sniff(data []byte) payloadKind {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return kindWAV
	case len(data) >= 4 && string(data[0:4]) == "OggS" && bytes.Contains(data[:min(len(data), 512)], []byte("OpusHead")):
		return kindOggOpus
	default:
		return kindOther
	}
}

// Decode implements Decoder.
func (d *HostDecoder) Decode(ctx context.Context, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, ErrEmptyInput
	}

	var (
		buf *Buffer
		err error
	)
	switch sniff(data) {
	case kindWAV:
		buf, err = decodeWAV(data)
	case kindOggOpus:
		buf, err = decodeOggOpus(data)
	default:
		return d.decodeFFmpeg(ctx, data)
	}
	if err != nil {
		return nil, err
	}
	return Resample(buf, d.SampleRate), nil
}

func decodeWAV(data []byte) (*Buffer, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read wav pcm: %w", err)
	}

	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, ErrInvalidWAV
	}
	depth := int(dec.BitDepth)
	scale := float64(int(1) << (depth - 1))
	sample := func(v int) float64 {
		if depth == 8 {
			// 8-bit wav is unsigned, centred on 128
			return float64(v-128) / 128.0
		}
		return float64(v) / scale
	}

	n := len(pcm.Data) / channels
	frames := make([][2]float64, n)
	for i := 0; i < n; i++ {
		l := sample(pcm.Data[i*channels])
		r := l
		if channels > 1 {
			r = sample(pcm.Data[i*channels+1])
		}
		frames[i] = [2]float64{l, r}
	}
	return &Buffer{SampleRate: int(dec.SampleRate), SourceChannels: channels, Frames: frames}, nil
}

func decodeOggOpus(data []byte) (*Buffer, error) {
	// the opus stream reader does not report its channel count, the ID header does
	_, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read ogg header: %w", err)
	}
	channels := int(header.Channels)
	if channels < 1 {
		channels = 1
	}

	s, err := opus.NewStream(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open opus stream: %w", err)
	}
	defer s.Close()

	// 120ms at 48kHz is the largest opus frame
	chunk := make([]int16, 5760*channels)
	var samples []int16
	for {
		n, err := s.Read(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode opus: %w", err)
		}
		samples = append(samples, chunk[:n*channels]...)
	}
	return NewBufferFromInterleaved(samples, channels, 48000), nil
}

// decodeFFmpeg pipes the payload through FFmpeg and reads back interleaved
// stereo s16le at the target rate.
func (d *HostDecoder) decodeFFmpeg(ctx context.Context, data []byte) (*Buffer, error) {
	cmd := exec.CommandContext(ctx, d.FFmpegBin,
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(d.SampleRate),
		"-ac", "2",
		"-loglevel", "error",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg decode: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ffmpeg decode: %w", ErrEmptyInput)
	}
	return NewBufferFromInterleaved(BytesToSamples(out), 2, d.SampleRate), nil
}

// BytesToSamples converts little-endian s16 bytes to samples. A trailing odd
// byte is dropped.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples
}

// Resample converts b to rate using beep's resampler. A buffer already at
// rate is returned unchanged.
func Resample(b *Buffer, rate int) *Buffer {
	if b == nil || b.SampleRate == rate || rate <= 0 || b.SampleRate <= 0 {
		return b
	}
	r := beep.Resample(4, beep.SampleRate(b.SampleRate), beep.SampleRate(rate), &frameStreamer{frames: b.Frames})

	out := make([][2]float64, 0, len(b.Frames)*rate/b.SampleRate+1)
	chunk := make([][2]float64, 1024)
	for {
		n, ok := r.Stream(chunk)
		out = append(out, chunk[:n]...)
		if !ok || n == 0 {
			break
		}
	}
	return &Buffer{SampleRate: rate, SourceChannels: b.SourceChannels, Frames: out}
}

type frameStreamer struct {
	frames [][2]float64
	pos    int
}

func (f *frameStreamer) Stream(samples [][2]float64) (int, bool) {
	if f.pos >= len(f.frames) {
		return 0, false
	}
	n := copy(samples, f.frames[f.pos:])
	f.pos += n
	return n, true
}

func (f *frameStreamer) Err() error { return nil }
