package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// --- Buffer ---

func TestBufferDuration(t *testing.T) {
	b := &Buffer{SampleRate: 48000, Frames: make([][2]float64, 24000)}
	if got := b.Duration(); got != 0.5 {
		t.Errorf("Duration() = %v, want 0.5", got)
	}
	if got := b.Length().Milliseconds(); got != 500 {
		t.Errorf("Length() = %vms, want 500ms", got)
	}

	var nilBuf *Buffer
	if nilBuf.Duration() != 0 || nilBuf.Len() != 0 {
		t.Error("nil buffer should report zero length")
	}
}

func TestNewBufferFromInterleavedMono(t *testing.T) {
	b := NewBufferFromInterleaved([]int16{16384, -16384}, 1, 44100)
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	if b.Frames[0] != [2]float64{0.5, 0.5} {
		t.Errorf("Frames[0] = %v, want mono duplicated {0.5 0.5}", b.Frames[0])
	}
	if b.SourceChannels != 1 {
		t.Errorf("SourceChannels = %d, want 1", b.SourceChannels)
	}
}

func TestNewBufferFromInterleavedSurroundKeepsFrontPair(t *testing.T) {
	// 6 channels, one frame: L, R, C, LFE, Ls, Rs
	b := NewBufferFromInterleaved([]int16{8192, -8192, 32767, 0, 0, 0}, 6, 48000)
	if b.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", b.Len())
	}
	if b.Frames[0] != [2]float64{0.25, -0.25} {
		t.Errorf("Frames[0] = %v, want {0.25 -0.25}", b.Frames[0])
	}
}

// --- Smoothstep / fades ---

func TestSmoothstepBoundaries(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 0.5},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		if got := Smoothstep(tt.input); got != tt.want {
			t.Errorf("Smoothstep(%v) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestFadeInOutMirror(t *testing.T) {
	for pos := 0; pos <= 10; pos++ {
		sum := FadeIn(pos, 10) + FadeOut(pos, 10)
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("FadeIn+FadeOut at %d = %v, want 1", pos, sum)
		}
	}
	if FadeIn(0, 0) != 1 {
		t.Error("zero-length fade-in should pass audio through")
	}
	if FadeOut(0, 0) != 0 {
		t.Error("zero-length fade-out should cut immediately")
	}
}

// --- sample conversion ---

// samplesToBytes is the inverse of BytesToSamples.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestSamplesBytesRoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 12345, -6789}
	recovered := BytesToSamples(samplesToBytes(original))
	for i, v := range original {
		if recovered[i] != v {
			t.Errorf("Round-trip sample[%d]: got %d, want %d", i, recovered[i], v)
		}
	}
	if got := len(BytesToSamples([]byte{1, 2, 3})); got != 1 {
		t.Errorf("odd byte count should drop the tail: got %d samples, want 1", got)
	}
}

// --- decoding ---

func TestSniff(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want payloadKind
	}{
		{"wav", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), kindWAV},
		{"ogg opus", append([]byte("OggS\x00\x02"), []byte("....OpusHead")...), kindOggOpus},
		{"ogg vorbis", []byte("OggS\x00\x02....\x01vorbis"), kindOther},
		{"adts aac", []byte{0xFF, 0xF1, 0x50, 0x80}, kindOther},
	}
	for _, tt := range tests {
		if got := sniff(tt.data); got != tt.want {
			t.Errorf("sniff(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func writeTestWAV(t *testing.T, rate, channels int, data []int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stem.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestDecodeWAVAtEngineRate(t *testing.T) {
	data := make([]int, 0, 4800*2)
	for i := 0; i < 4800; i++ {
		data = append(data, 16384, -16384)
	}
	payload := writeTestWAV(t, 48000, 2, data)

	d := NewDecoder("ffmpeg-not-needed", 48000)
	buf, err := d.Decode(context.Background(), payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.Len() != 4800 {
		t.Errorf("Len() = %d, want 4800", buf.Len())
	}
	if buf.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", buf.SampleRate)
	}
	if buf.Frames[100] != [2]float64{0.5, -0.5} {
		t.Errorf("Frames[100] = %v, want {0.5 -0.5}", buf.Frames[100])
	}
}

func TestDecodeWAVResamplesToEngineRate(t *testing.T) {
	data := make([]int, 24000)
	payload := writeTestWAV(t, 24000, 1, data)

	d := NewDecoder("ffmpeg-not-needed", 48000)
	buf, err := d.Decode(context.Background(), payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 48000 {
		t.Errorf("SampleRate = %d, want 48000", buf.SampleRate)
	}
	// one second of audio stays one second long, give or take the resampler edge
	if d := buf.Duration(); d < 0.99 || d > 1.01 {
		t.Errorf("Duration() = %v, want ~1.0", d)
	}
}

func TestDecodeEmpty(t *testing.T) {
	d := NewDecoder("ffmpeg", 48000)
	if _, err := d.Decode(context.Background(), nil); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Decode(nil) err = %v, want ErrEmptyInput", err)
	}
}

func TestDecodeFFmpegMissingBinary(t *testing.T) {
	d := NewDecoder(filepath.Join(t.TempDir(), "no-such-ffmpeg"), 48000)
	if _, err := d.Decode(context.Background(), []byte{0xFF, 0xF1, 0x50, 0x80, 0x01}); err == nil {
		t.Error("Decode through a missing ffmpeg should fail")
	}
}
