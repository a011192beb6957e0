package audio

import (
	"math"
	"sync"
	"time"
)

// CaptureBuffer is the live sample store a backend writes into while
// recording. Readers may take copies at any time; nothing returned by a
// CaptureBuffer aliases its internal storage.
type CaptureBuffer struct {
	mu       sync.RWMutex
	format   Format
	samples  []float32
	head     int // samples written so far
	capacity int // 0 means unbounded
	prealloc bool
	released bool
}

// NewCaptureBuffer creates a capture buffer for format. maxDuration bounds
// how much audio is kept (0 for unbounded). With prealloc set the whole
// maxDuration is reserved up front as silence and Snapshot returns all of
// it, the way some platform microphones hand back a fixed-length clip.
func NewCaptureBuffer(format Format, maxDuration time.Duration, prealloc bool) *CaptureBuffer {
	capacity := 0
	if maxDuration > 0 {
		frames := int64(maxDuration) * int64(format.SampleRate) / int64(time.Second)
		capacity = int(frames) * format.Channels
	}

	b := &CaptureBuffer{
		format:   format,
		capacity: capacity,
		prealloc: prealloc && capacity > 0,
	}
	if b.prealloc {
		b.samples = make([]float32, capacity)
	} else {
		// Reserve about ten seconds; append grows it from there
		b.samples = make([]float32, 0, format.SampleRate*format.Channels*10)
	}
	return b
}

// Format returns the sample layout of the capture
func (b *CaptureBuffer) Format() Format {
	return b.format
}

// Write stores samples at the write head and returns how many were kept.
// Samples beyond the capacity are dropped.
func (b *CaptureBuffer) Write(samples []float32) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.released {
		return 0
	}

	n := len(samples)
	if b.capacity > 0 && b.head+n > b.capacity {
		n = b.capacity - b.head
	}
	if n <= 0 {
		return 0
	}

	if b.prealloc {
		copy(b.samples[b.head:], samples[:n])
	} else {
		b.samples = append(b.samples, samples[:n]...)
	}
	b.head += n
	return n
}

// Len returns the number of samples written so far
func (b *CaptureBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// Full reports whether the capacity has been reached
func (b *CaptureBuffer) Full() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity > 0 && b.head >= b.capacity
}

// Snapshot copies the buffer into a SampleBuffer. A pre-allocated buffer
// is returned at its full length, including the silent tail nobody has
// written yet; trimming by elapsed time removes it. A trailing partial
// frame is left out.
func (b *CaptureBuffer) Snapshot() SampleBuffer {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.head
	if b.prealloc {
		n = len(b.samples)
	}
	n -= n % b.format.Channels

	out := make([]float32, n)
	copy(out, b.samples[:n])
	return NewSampleBuffer(out, b.format.Channels, b.format.SampleRate)
}

// Release hands the stored samples over as a SampleBuffer without copying
// and empties the capture buffer. Like Snapshot it returns the full length
// of a pre-allocated buffer and leaves out a trailing partial frame.
// Later writes are dropped.
func (b *CaptureBuffer) Release() SampleBuffer {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.head
	if b.prealloc {
		n = len(b.samples)
	}
	n -= n % b.format.Channels

	samples := b.samples[:n:n]
	b.samples = nil
	b.head = 0
	b.capacity = 0
	b.prealloc = false
	b.released = true
	return NewSampleBuffer(samples, b.format.Channels, b.format.SampleRate)
}

// Window copies up to n samples ending just before end
func (b *CaptureBuffer) Window(end, n int) []float32 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if end > len(b.samples) {
		end = len(b.samples)
	}
	start := end - n
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil
	}

	out := make([]float32, end-start)
	copy(out, b.samples[start:end])
	return out
}

// Level returns the mean absolute amplitude of the n samples ending just
// before end. Missing samples count as silence.
func (b *CaptureBuffer) Level(end, n int) float32 {
	if n <= 0 {
		return 0
	}
	var sum float64
	for _, s := range b.Window(end, n) {
		sum += math.Abs(float64(s))
	}
	return float32(sum / float64(n))
}
