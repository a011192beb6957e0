package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// PipeWireBackend captures live audio through pw-record
type PipeWireBackend struct {
	target      string
	maxDuration time.Duration
	logWriter   io.Writer

	mu      sync.Mutex
	pw      *PipeWire
	buf     *CaptureBuffer
	drained chan struct{}
	readErr error
}

// NewPipeWireBackend creates a backend recording from target
func NewPipeWireBackend(target string, maxDuration time.Duration, logWriter io.Writer) *PipeWireBackend {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return &PipeWireBackend{
		target:      target,
		maxDuration: maxDuration,
		logWriter:   logWriter,
	}
}

// BeginCapture starts pw-record and streams its output into a new buffer
func (p *PipeWireBackend) BeginCapture(ctx context.Context, format Format) (*CaptureBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pw != nil {
		return nil, fmt.Errorf("capture already in progress")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw := NewPipeWire(format, p.target)
	if err := pw.Start(p.logWriter); err != nil {
		return nil, err
	}

	buf := NewCaptureBuffer(format, p.maxDuration, false)
	drained := make(chan struct{})

	p.pw = pw
	p.buf = buf
	p.drained = drained
	p.readErr = nil

	go func() {
		defer close(drained)
		if err := pw.Stream(buf); err != nil {
			slog.Error("PipeWire capture stream failed", "error", err)
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
		}
	}()

	slog.Info("PipeWire capture started", "target", p.target, "rate", format.SampleRate, "channels", format.Channels)
	return buf, nil
}

// EndCapture stops pw-record and returns everything it delivered
func (p *PipeWireBackend) EndCapture() (SampleBuffer, error) {
	p.mu.Lock()
	pw, buf, drained := p.pw, p.buf, p.drained
	p.mu.Unlock()

	if pw == nil {
		return SampleBuffer{}, fmt.Errorf("no capture in progress")
	}

	stopErr := pw.Stop(drained)

	p.mu.Lock()
	readErr := p.readErr
	p.pw, p.buf, p.drained = nil, nil, nil
	p.mu.Unlock()

	if stopErr != nil {
		return SampleBuffer{}, fmt.Errorf("failed to stop capture: %w", stopErr)
	}
	if readErr != nil {
		return SampleBuffer{}, readErr
	}

	snapshot := buf.Release()
	slog.Debug("PipeWire capture completed", "samples", snapshot.Len())
	return snapshot, nil
}

// GetType returns the backend type
func (p *PipeWireBackend) GetType() BackendType {
	return BackendTypePipeWire
}
