package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/audiolibrelab/micclip/internal/audio"
	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/audiolibrelab/micclip/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Service represents the core capture service interface
type Service interface {
	// Recording operations
	StartRecording(name string) error
	StopRecording() (string, error)
	GetRecordingStatus() (RecordingStatus, *RecordingSession)

	// Delivery operations
	Subscribe(listener Listener)
	Tick() []*audio.Clip
	Run(ctx context.Context) error

	// Configuration operations
	LoadProfile(profile string) error
	ApplyConfig(cfg *config.Config) error
	UpdateThreshold(threshold float64) error
	GetConfig() *config.Config

	// Information operations
	ListRecordings() []ClipInfo
	GetRecording(id string) (*ClipInfo, error)
	GetLastError() string
	Metrics() *metrics.Metrics

	// Close stops any recording and delivers outstanding clips
	Close()
}

var _ Service = (*ClipService)(nil)

// Listener receives every delivered clip, in delivery order, on the
// goroutine that called Tick.
type Listener func(clip *audio.Clip)

// RecorderFactory builds a recorder for a configuration
type RecorderFactory func(cfg *config.Config) *audio.Recorder

// RecordingStatus represents the current recording state
type RecordingStatus string

const (
	StatusStandby   RecordingStatus = "STANDBY"
	StatusRecording RecordingStatus = "RECORDING"
	StatusStopping  RecordingStatus = "STOPPING"
	StatusError     RecordingStatus = "ERROR"
)

// RecordingSession contains information about the current recording session
type RecordingSession struct {
	ClipID         string    `json:"clip_id"`
	Name           string    `json:"name"`
	StartTime      time.Time `json:"start_time"`
	SampleRate     int       `json:"sample_rate"`
	Channels       int       `json:"channels"`
	Backend        string    `json:"backend"`
	ElapsedSeconds float64   `json:"elapsed_seconds"`
	Level          float32   `json:"level"`
}

// ClipInfo describes a delivered clip without its samples
type ClipInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	StartedAt        time.Time `json:"started_at"`
	DeliveredAt      time.Time `json:"delivered_at"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	Seconds          float64   `json:"seconds"`
	Samples          int       `json:"samples"`
	CapturedSamples  int       `json:"captured_samples"`
	DiscardedSamples int       `json:"discarded_samples"`
	SampleRate       int       `json:"sample_rate"`
	Channels         int       `json:"channels"`
	SilenceTrimmed   bool      `json:"silence_trimmed"`
	SizeHuman        string    `json:"size_human"`
}

type historyEntry struct {
	clip        *audio.Clip
	deliveredAt time.Time
}

// ClipService is the main service implementation
type ClipService struct {
	configFile  string
	newRecorder RecorderFactory
	metrics     *metrics.Metrics

	mu        sync.RWMutex
	cfg       *config.Config
	recorder  *audio.Recorder
	pending   *config.Config
	listeners []Listener
	history   *lru.Cache[string, historyEntry]

	// Recorders replaced by ApplyConfig, drained by Tick until idle
	retired []*audio.Recorder

	// Clips waiting for dispatch. Only one Tick dispatches at a time so
	// listeners see clips in queue order; the lock is never held while a
	// listener runs.
	outboxMu    sync.Mutex
	outbox      []*audio.Clip
	dispatching bool

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a new service instance recording through the configured backend
func New(cfg *config.Config, configFile string, logWriter io.Writer) *ClipService {
	if logWriter == nil {
		logWriter = io.Discard
	}
	return NewWithFactory(cfg, configFile, func(c *config.Config) *audio.Recorder {
		return audio.NewRecorderFromConfig(c, logWriter)
	})
}

// NewWithFactory creates a service whose recorders come from factory
func NewWithFactory(cfg *config.Config, configFile string, factory RecorderFactory) *ClipService {
	history, err := lru.New[string, historyEntry](cfg.Service.HistorySize)
	if err != nil {
		// Only fails for a non-positive size, which validation rejects
		history, _ = lru.New[string, historyEntry](1)
	}

	return &ClipService{
		configFile:  configFile,
		newRecorder: factory,
		metrics:     metrics.New(),
		cfg:         cfg,
		recorder:    factory(cfg),
		history:     history,
	}
}

// StartRecording begins a new capture named name
func (s *ClipService) StartRecording(name string) error {
	slog.Debug("Service.StartRecording called", "name", name)
	s.clearLastError() // Clear any previous errors when starting a new operation

	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()

	if err := recorder.Start(context.Background(), name); err != nil {
		s.metrics.RecordFailed()
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}

	s.metrics.RecordStarted()
	return nil
}

// StopRecording stops the current capture and returns its clip ID. The
// clip is delivered by a later Tick.
func (s *ClipService) StopRecording() (string, error) {
	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()

	id, err := recorder.Stop()
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to stop recording: %v", err))
		return "", err
	}
	s.clearLastError() // Clear error on successful stop
	s.metrics.RecordStopped()

	// A configuration that arrived mid-recording takes effect now
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending != nil {
		if err := s.ApplyConfig(pending); err != nil {
			slog.Warn("Deferred configuration could not be applied", "error", err)
		}
	}

	return id, nil
}

// GetRecordingStatus returns the current recording status and session info
func (s *ClipService) GetRecordingStatus() (RecordingStatus, *RecordingSession) {
	s.mu.RLock()
	recorder := s.recorder
	s.mu.RUnlock()

	status, session := recorder.GetStatus()

	var svcStatus RecordingStatus
	switch status {
	case audio.StatusStandby:
		svcStatus = StatusStandby
	case audio.StatusRecording:
		svcStatus = StatusRecording
	case audio.StatusStopping:
		svcStatus = StatusStopping
	case audio.StatusError:
		svcStatus = StatusError
	}

	if svcStatus != StatusRecording || session == nil {
		return svcStatus, nil
	}

	return svcStatus, &RecordingSession{
		ClipID:         session.ClipID,
		Name:           session.Name,
		StartTime:      session.StartTime,
		SampleRate:     session.Format.SampleRate,
		Channels:       session.Format.Channels,
		Backend:        string(session.Backend),
		ElapsedSeconds: recorder.Elapsed().Seconds(),
		Level:          recorder.Level(),
	}
}

// Subscribe registers a listener for delivered clips
func (s *ClipService) Subscribe(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Tick drains every finished clip, records it in the history and hands
// it to each listener. It returns the clips this call delivered.
//
// Listeners may call back into the service. A Tick issued from inside a
// listener queues what it drains behind the clips already being
// dispatched and returns nil.
func (s *ClipService) Tick() []*audio.Clip {
	clips, recorder := s.drain()
	s.metrics.RecordDrain(len(clips))

	s.outboxMu.Lock()
	s.outbox = append(s.outbox, clips...)
	if s.dispatching {
		s.outboxMu.Unlock()
		return nil
	}
	s.dispatching = true
	s.outboxMu.Unlock()

	delivered := s.dispatch()

	s.metrics.SetPending(recorder.Pending())
	if status, _ := recorder.GetStatus(); status == audio.StatusRecording {
		s.metrics.SetLevel(recorder.Level())
	} else {
		s.metrics.SetLevel(0)
	}
	return delivered
}

// drain collects finished clips from retired recorders first, then from
// the current one. A retired recorder is dropped once it was idle before
// its final drain.
func (s *ClipService) drain() ([]*audio.Clip, *audio.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var clips []*audio.Clip
	var busy []*audio.Recorder
	for _, old := range s.retired {
		active := old.Busy()
		clips = append(clips, old.Drain()...)
		if active {
			busy = append(busy, old)
		}
	}
	s.retired = busy

	clips = append(clips, s.recorder.Drain()...)
	return clips, s.recorder
}

// dispatch delivers the outbox batch by batch until it is empty. The
// caller must have claimed dispatching.
func (s *ClipService) dispatch() []*audio.Clip {
	var delivered []*audio.Clip
	finished := false
	defer func() {
		// A panicking listener must not wedge later ticks
		if !finished {
			s.outboxMu.Lock()
			s.dispatching = false
			s.outboxMu.Unlock()
		}
	}()

	for {
		s.outboxMu.Lock()
		batch := s.outbox
		s.outbox = nil
		if len(batch) == 0 {
			s.dispatching = false
			finished = true
			s.outboxMu.Unlock()
			return delivered
		}
		s.outboxMu.Unlock()

		s.deliver(batch, s.snapshotListeners())
		delivered = append(delivered, batch...)
	}
}

func (s *ClipService) snapshotListeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	return listeners
}

// Run ticks at the configured interval until ctx is cancelled. On exit an
// active recording is stopped and its clip delivered.
func (s *ClipService) Run(ctx context.Context) error {
	interval := s.GetConfig().TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Debug("Service loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			s.Close()
			slog.Debug("Service loop stopped")
			return nil
		case <-ticker.C:
			s.Tick()
			if next := s.GetConfig().TickInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Close stops an active recording, waits for trimming to finish and
// delivers whatever is left.
func (s *ClipService) Close() {
	if status, _ := s.GetRecordingStatus(); status == StatusRecording {
		if _, err := s.StopRecording(); err != nil {
			slog.Warn("Failed to stop recording on shutdown", "error", err)
		}
	}

	s.mu.RLock()
	recorders := append([]*audio.Recorder{s.recorder}, s.retired...)
	s.mu.RUnlock()

	for _, recorder := range recorders {
		recorder.Wait()
	}
	s.Tick()
}

// LoadProfile loads a new configuration profile
func (s *ClipService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	return s.ApplyConfig(newCfg)
}

// ApplyConfig switches to cfg. While recording only the silence threshold
// changes immediately; the rest is applied once the recording stops. The
// replaced recorder is kept until Tick has collected all of its clips.
func (s *ClipService) ApplyConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	old := s.recorder
	if status, _ := old.GetStatus(); status == audio.StatusRecording {
		s.pending = cfg
		s.mu.Unlock()
		slog.Info("Configuration change deferred until recording stops")
		return old.UpdateThreshold(float32(cfg.Trim.SilenceThreshold))
	}

	s.cfg = cfg
	s.recorder = s.newRecorder(cfg)
	s.retired = append(s.retired, old)
	s.history.Resize(cfg.Service.HistorySize)
	s.mu.Unlock()

	slog.Info("Configuration applied",
		"sample_rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"silence_threshold", cfg.Trim.SilenceThreshold)
	return nil
}

// UpdateThreshold changes the silence threshold for subsequent recordings
func (s *ClipService) UpdateThreshold(threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recorder.UpdateThreshold(float32(threshold)); err != nil {
		return err
	}
	updated := *s.cfg
	updated.Trim.SilenceThreshold = threshold
	s.cfg = &updated
	return nil
}

// GetConfig returns the current configuration
func (s *ClipService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ListRecordings returns the retained clips, newest first
func (s *ClipService) ListRecordings() []ClipInfo {
	var infos []ClipInfo
	for _, id := range s.history.Keys() {
		if entry, ok := s.history.Peek(id); ok {
			infos = append(infos, newClipInfo(entry))
		}
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos
}

// GetRecording returns a retained clip by ID
func (s *ClipService) GetRecording(id string) (*ClipInfo, error) {
	entry, ok := s.history.Get(id)
	if !ok {
		return nil, fmt.Errorf("recording not found: %s", id)
	}
	info := newClipInfo(entry)
	return &info, nil
}

// Metrics returns the service metrics
func (s *ClipService) Metrics() *metrics.Metrics {
	return s.metrics
}

func newClipInfo(entry historyEntry) ClipInfo {
	clip := entry.clip
	return ClipInfo{
		ID:               clip.ID,
		Name:             clip.Name,
		StartedAt:        clip.StartedAt,
		DeliveredAt:      entry.deliveredAt,
		ElapsedSeconds:   clip.Elapsed.Seconds(),
		Seconds:          clip.Buffer.Seconds(),
		Samples:          clip.Buffer.Len(),
		CapturedSamples:  clip.CapturedSamples,
		DiscardedSamples: clip.DiscardedSamples(),
		SampleRate:       clip.Buffer.SampleRate,
		Channels:         clip.Buffer.Channels,
		SilenceTrimmed:   clip.SilenceTrimmed,
		SizeHuman:        FormatBytes(int64(clip.Buffer.Len()) * 4),
	}
}

// GetLastError returns the last error message (thread-safe)
func (s *ClipService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

// setLastError sets the last error message (thread-safe)
func (s *ClipService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	// Log all errors for debugging and monitoring
	slog.Error("Service error occurred", "error_message", err)
}

// clearLastError clears the last error message (thread-safe)
func (s *ClipService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// FormatBytes formats a byte count with a binary unit ("1.5 MB")
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
