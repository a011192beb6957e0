package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/google/uuid"
)

// Status represents the current state of the recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusStopping  Status = "STOPPING"
	StatusError     Status = "ERROR"
)

// levelWindow is the number of samples averaged by Level
const levelWindow = 256

// SessionInfo contains information about the current recording session
type SessionInfo struct {
	ClipID    string      `json:"clip_id"`
	Name      string      `json:"name"`
	StartTime time.Time   `json:"start_time"`
	Format    Format      `json:"format"`
	Backend   BackendType `json:"backend"`
}

// Options configures a Recorder
type Options struct {
	Format Format
	// SilenceThreshold enables silence trimming when > 0
	SilenceThreshold float32
	// MaxRecordTime caps the elapsed duration used for trimming
	MaxRecordTime time.Duration
	// Async trims on a worker goroutine instead of inside Stop
	Async bool
	// Clock defaults to time.Now
	Clock func() time.Time
}

// Recorder drives one capture backend through record/stop cycles and turns
// each capture into a trimmed Clip on its result queue.
type Recorder struct {
	backend CaptureBackend
	clock   func() time.Time
	queue   *ResultQueue[*Clip]
	workers sync.WaitGroup

	mutex     sync.RWMutex
	status    Status
	session   *SessionInfo
	tracker   Session
	live      *CaptureBuffer
	format    Format
	threshold float32
	maxRecord time.Duration
	async     bool
	inflight  int // stops whose clip is not enqueued yet
}

// trimJob is everything needed to finish a clip after capture stopped
type trimJob struct {
	info      SessionInfo
	raw       SampleBuffer
	elapsed   time.Duration
	threshold float32
}

// NewRecorder creates a recorder on top of backend
func NewRecorder(backend CaptureBackend, opts Options) *Recorder {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Recorder{
		backend:   backend,
		clock:     clock,
		queue:     NewResultQueue[*Clip](),
		status:    StatusStandby,
		format:    opts.Format,
		threshold: opts.SilenceThreshold,
		maxRecord: opts.MaxRecordTime,
		async:     opts.Async,
	}
}

// NewRecorderFromConfig creates a recorder using the configured backend
func NewRecorderFromConfig(cfg *config.Config, logWriter io.Writer) *Recorder {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return NewRecorder(NewBackend(cfg, logWriter), OptionsFromConfig(cfg))
}

// OptionsFromConfig maps configuration onto recorder options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Format:           Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		SilenceThreshold: float32(cfg.Trim.SilenceThreshold),
		MaxRecordTime:    cfg.MaxRecordDuration(),
		Async:            cfg.Trim.Async,
	}
}

// Start begins capturing. If the backend cannot start, the recorder moves
// to ERROR and nothing will reach the trim pipeline for this attempt.
func (r *Recorder) Start(ctx context.Context, name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	switch r.status {
	case StatusRecording:
		return fmt.Errorf("recording already in progress")
	case StatusStopping:
		return fmt.Errorf("previous recording is still stopping")
	}

	live, err := r.backend.BeginCapture(ctx, r.format)
	if err != nil {
		r.status = StatusError
		return fmt.Errorf("failed to start recording: %w", err)
	}

	now := r.clock()
	r.tracker = StartSession(now)
	r.live = live
	r.session = &SessionInfo{
		ClipID:    uuid.New().String(),
		Name:      name,
		StartTime: now,
		Format:    live.Format(),
		Backend:   r.backend.GetType(),
	}
	r.status = StatusRecording

	slog.Info("Recording started", "name", name, "clip_id", r.session.ClipID, "backend", r.backend.GetType())
	return nil
}

// Stop ends the capture and produces a clip. The clip ID is returned right
// away; the clip itself shows up in Drain once trimming has finished.
//
// The recorder is STOPPING while the backend shuts down, so status and
// level queries never wait on the device. The pending clip is counted
// before the lock is released; Wait and Busy cover it from then on.
func (r *Recorder) Stop() (string, error) {
	r.mutex.Lock()
	if r.status != StatusRecording {
		r.mutex.Unlock()
		return "", fmt.Errorf("no recording in progress")
	}

	elapsed := r.tracker.Elapsed(r.clock())
	if r.maxRecord > 0 && elapsed > r.maxRecord {
		elapsed = r.maxRecord
	}

	info := *r.session
	threshold := r.threshold
	async := r.async
	r.live = nil
	r.status = StatusStopping
	r.inflight++
	r.workers.Add(1)
	r.mutex.Unlock()

	raw, err := r.backend.EndCapture()

	r.mutex.Lock()
	if err != nil {
		r.status = StatusError
	} else {
		r.status = StatusStandby
	}
	r.mutex.Unlock()

	if err != nil {
		r.release()
		return "", fmt.Errorf("failed to stop recording: %w", err)
	}

	job := trimJob{
		info:      info,
		raw:       raw,
		elapsed:   elapsed,
		threshold: threshold,
	}
	slog.Debug("Recording stopped", "clip_id", job.info.ClipID, "elapsed", elapsed, "captured_samples", raw.Len())

	if async {
		go func() {
			defer r.release()
			r.finish(job)
		}()
	} else {
		r.finish(job)
		r.release()
	}
	return job.info.ClipID, nil
}

// release marks one stop as fully handled
func (r *Recorder) release() {
	r.mutex.Lock()
	r.inflight--
	r.mutex.Unlock()
	r.workers.Done()
}

// finish trims the captured buffer and hands the clip to the queue. It
// runs without holding any recorder lock.
func (r *Recorder) finish(job trimJob) {
	seconds := job.elapsed.Seconds()

	trimmed := Trim(job.raw, seconds)
	silenced := false
	if job.threshold > 0 {
		trimmed = TrimSilence(trimmed, job.threshold, seconds)
		silenced = true
	}

	clip := &Clip{
		ID:              job.info.ClipID,
		Name:            job.info.Name,
		StartedAt:       job.info.StartTime,
		Elapsed:         job.elapsed,
		CapturedSamples: job.raw.Len(),
		SilenceTrimmed:  silenced,
		Buffer:          trimmed,
	}
	r.queue.Enqueue(clip)

	slog.Debug("Clip finalized", "clip_id", clip.ID, "samples", trimmed.Len(), "discarded", clip.DiscardedSamples())
}

// Drain returns every finished clip in completion order
func (r *Recorder) Drain() []*Clip {
	return r.queue.DrainAll()
}

// Pending returns the number of finished clips waiting to be drained
func (r *Recorder) Pending() int {
	return r.queue.Len()
}

// Wait blocks until every stopped recording has reached the queue
func (r *Recorder) Wait() {
	r.workers.Wait()
}

// Busy reports whether a stopped recording has not reached the queue yet.
// Once Busy returns false, a Drain collects everything this recorder
// will ever produce until it is started again.
func (r *Recorder) Busy() bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.inflight > 0
}

// Level returns the mean absolute amplitude of the most recent samples of
// the live capture, located from elapsed time rather than buffer length.
func (r *Recorder) Level() float32 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.status != StatusRecording || r.live == nil {
		return 0
	}

	format := r.live.Format()
	pos := r.tracker.ElapsedSamples(r.clock(), format.SampleRate) * format.Channels
	start := pos - (levelWindow + 1)
	if start < 0 {
		return 0
	}
	return r.live.Level(start+levelWindow, levelWindow)
}

// UpdateThreshold changes the silence threshold for subsequent recordings.
// Zero disables silence trimming.
func (r *Recorder) UpdateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.threshold = threshold
	return nil
}

// GetThreshold returns the current silence threshold
func (r *Recorder) GetThreshold() float32 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.threshold
}

// GetStatus returns the current status and a copy of the session info
func (r *Recorder) GetStatus() (Status, *SessionInfo) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var sessionCopy *SessionInfo
	if r.session != nil {
		s := *r.session
		sessionCopy = &s
	}
	return r.status, sessionCopy
}

// Elapsed returns how long the current recording has been running
func (r *Recorder) Elapsed() time.Duration {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if r.status != StatusRecording {
		return 0
	}
	return r.tracker.Elapsed(r.clock())
}
