package audio

import (
	"fmt"
	"time"
)

// Format describes the shape of interleaved sample data
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// SampleBuffer holds interleaved float samples in [-1, 1] plus the
// metadata needed to interpret them.
//
// len(Samples) is always a multiple of Channels. Buffers produced by Trim
// and TrimSilence are immutable once returned.
type SampleBuffer struct {
	Samples    []float32
	Channels   int
	SampleRate int
}

// NewSampleBuffer builds a buffer and panics if the metadata is malformed.
func NewSampleBuffer(samples []float32, channels, sampleRate int) SampleBuffer {
	buf := SampleBuffer{Samples: samples, Channels: channels, SampleRate: sampleRate}
	buf.MustValidate()
	return buf
}

// MustValidate panics when the buffer violates its invariants. Malformed
// buffers are programming errors, not runtime conditions.
func (b SampleBuffer) MustValidate() {
	if b.Channels <= 0 {
		panic(fmt.Sprintf("audio: channel count must be positive, got %d", b.Channels))
	}
	if b.SampleRate <= 0 {
		panic(fmt.Sprintf("audio: sample rate must be positive, got %d", b.SampleRate))
	}
	if len(b.Samples)%b.Channels != 0 {
		panic(fmt.Sprintf("audio: %d samples is not a multiple of %d channels", len(b.Samples), b.Channels))
	}
}

// Format returns the buffer's sample layout
func (b SampleBuffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Len returns the number of interleaved samples
func (b SampleBuffer) Len() int {
	return len(b.Samples)
}

// Frames returns the number of samples per channel
func (b SampleBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Seconds returns the buffer duration in seconds
func (b SampleBuffer) Seconds() float64 {
	if b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// Duration returns the buffer duration
func (b SampleBuffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Clone returns a deep copy of the buffer
func (b SampleBuffer) Clone() SampleBuffer {
	samples := make([]float32, len(b.Samples))
	copy(samples, b.Samples)
	return SampleBuffer{Samples: samples, Channels: b.Channels, SampleRate: b.SampleRate}
}

// Clip is a finalized recording handed from the recorder to the host
type Clip struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	StartedAt       time.Time     `json:"started_at"`
	Elapsed         time.Duration `json:"elapsed"`
	CapturedSamples int           `json:"captured_samples"`
	SilenceTrimmed  bool          `json:"silence_trimmed"`
	Buffer          SampleBuffer  `json:"-"`
}

// Empty reports whether the trimmed clip holds no audio
func (c *Clip) Empty() bool {
	return c.Buffer.Len() == 0
}

// DiscardedSamples returns how many captured samples trimming removed
func (c *Clip) DiscardedSamples() int {
	return c.CapturedSamples - c.Buffer.Len()
}
