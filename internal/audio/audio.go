package audio

import "time"

const (
	SampleRate = 48000
	Channels   = 2
	BitDepth   = 16
)

// Buffer is one decoded stem held in memory as stereo float frames in
// [-1, 1]. It is immutable once decoded.
type Buffer struct {
	SampleRate     int
	SourceChannels int // channel count before the stereo fold
	Frames         [][2]float64
}

// Len returns the number of frames.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Frames)
}

// Duration returns the buffer length in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(len(b.Frames)) / float64(b.SampleRate)
}

// Length returns the buffer length as a time.Duration.
func (b *Buffer) Length() time.Duration {
	return time.Duration(b.Duration() * float64(time.Second))
}

// NewBufferFromInterleaved folds interleaved int16 samples of the given
// channel count into a stereo Buffer. Mono is duplicated on both sides;
// anything wider keeps its first two channels.
func NewBufferFromInterleaved(samples []int16, channels, sampleRate int) *Buffer {
	if channels < 1 {
		channels = 1
	}
	n := len(samples) / channels
	frames := make([][2]float64, n)
	for i := 0; i < n; i++ {
		l := float64(samples[i*channels]) / 32768.0
		r := l
		if channels > 1 {
			r = float64(samples[i*channels+1]) / 32768.0
		}
		frames[i] = [2]float64{l, r}
	}
	return &Buffer{SampleRate: sampleRate, SourceChannels: channels, Frames: frames}
}
