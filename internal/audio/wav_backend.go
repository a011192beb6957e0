package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// WAVBackend replays a WAV file as if it had been captured by a device
// that pre-allocates its buffer for the maximum record time. EndCapture
// therefore returns the file padded with silence up to that length.
type WAVBackend struct {
	path        string
	maxDuration time.Duration

	mu     sync.Mutex
	buf    *CaptureBuffer
	active bool
}

// NewWAVBackend creates a replay backend for path
func NewWAVBackend(path string, maxDuration time.Duration) *WAVBackend {
	return &WAVBackend{path: path, maxDuration: maxDuration}
}

// BeginCapture decodes the file into a pre-allocated capture buffer. The
// file's own sample rate and channel count take precedence over format.
func (w *WAVBackend) BeginCapture(ctx context.Context, format Format) (*CaptureBuffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active {
		return nil, fmt.Errorf("capture already in progress")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if w.path == "" {
		return nil, fmt.Errorf("no input file configured for wav backend")
	}

	decoded, err := LoadWAV(w.path)
	if err != nil {
		return nil, err
	}

	if decoded.Format() != format {
		slog.Warn("WAV file format differs from configured format, using file format",
			"file", w.path,
			"file_rate", decoded.SampleRate, "file_channels", decoded.Channels,
			"rate", format.SampleRate, "channels", format.Channels)
	}

	buf := NewCaptureBuffer(decoded.Format(), w.maxDuration, true)
	if n := buf.Write(decoded.Samples); n < decoded.Len() {
		slog.Warn("WAV file longer than maximum record time, truncated", "file", w.path, "kept_samples", n)
	}

	w.buf = buf
	w.active = true
	slog.Info("WAV replay capture started", "file", w.path, "duration", decoded.Duration())
	return buf, nil
}

// EndCapture hands over the pre-allocated buffer without copying it
func (w *WAVBackend) EndCapture() (SampleBuffer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.active {
		return SampleBuffer{}, fmt.Errorf("no capture in progress")
	}
	w.active = false

	snapshot := w.buf.Release()
	w.buf = nil
	return snapshot, nil
}

// GetType returns the backend type
func (w *WAVBackend) GetType() BackendType {
	return BackendTypeWAV
}

// LoadWAV decodes an integer PCM WAV file into normalized float samples
func LoadWAV(path string) (SampleBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return SampleBuffer{}, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return SampleBuffer{}, fmt.Errorf("not a valid WAV file: %s", path)
	}
	if dec.WavAudioFormat != wavFormatPCM && dec.WavAudioFormat != wavFormatExtensible {
		return SampleBuffer{}, fmt.Errorf("unsupported WAV encoding %d in %s (integer PCM only)", dec.WavAudioFormat, path)
	}

	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return SampleBuffer{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if pcm.Format == nil || pcm.Format.NumChannels <= 0 || pcm.Format.SampleRate <= 0 {
		return SampleBuffer{}, fmt.Errorf("missing format information in %s", path)
	}

	depth := pcm.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	if depth < 8 || depth > 32 {
		return SampleBuffer{}, fmt.Errorf("unsupported bit depth %d in %s", depth, path)
	}

	channels := pcm.Format.NumChannels
	n := len(pcm.Data) - len(pcm.Data)%channels
	samples := make([]float32, n)

	// 8-bit WAV is unsigned, wider depths are signed
	scale := float64(int64(1) << (depth - 1))
	offset := 0.0
	if depth == 8 {
		offset = 128
	}
	for i, v := range pcm.Data[:n] {
		samples[i] = float32((float64(v) - offset) / scale)
	}

	return NewSampleBuffer(samples, channels, pcm.Format.SampleRate), nil
}
