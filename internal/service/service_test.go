package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/micclip/internal/audio"
	"github.com/audiolibrelab/micclip/internal/config"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend hands back a pre-allocated buffer holding a fixed signal
type fakeBackend struct {
	samples []float32
	fail    bool

	// When set, EndCapture signals ending and then waits for gate
	ending chan struct{}
	gate   chan struct{}

	mu  sync.Mutex
	buf *audio.CaptureBuffer
}

func (f *fakeBackend) BeginCapture(ctx context.Context, format audio.Format) (*audio.CaptureBuffer, error) {
	if f.fail {
		return nil, errors.New("device unavailable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = audio.NewCaptureBuffer(format, 2*time.Second, true)
	f.buf.Write(f.samples)
	return f.buf, nil
}

func (f *fakeBackend) EndCapture() (audio.SampleBuffer, error) {
	if f.ending != nil {
		f.ending <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Snapshot(), nil
}

func (f *fakeBackend) GetType() audio.BackendType {
	return "fake"
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// One second of audio at 8 Hz with a burst in the middle
var burst = []float32{0, 0, 0, 0.5, 0.3, 0, 0, 0}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.SampleRate = 8
	cfg.Audio.Channels = 1
	cfg.Trim.MaxRecordSeconds = 2
	cfg.Trim.SilenceThreshold = 0.1
	cfg.Service.HistorySize = 8
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, backend *fakeBackend) (*ClipService, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	svc := NewWithFactory(cfg, "", func(c *config.Config) *audio.Recorder {
		opts := audio.OptionsFromConfig(c)
		opts.Clock = clock.Now
		return audio.NewRecorder(backend, opts)
	})
	return svc, clock
}

func record(t *testing.T, svc *ClipService, clock *fakeClock, name string) string {
	t.Helper()
	require.NoError(t, svc.StartRecording(name))
	clock.Advance(time.Second)
	id, err := svc.StopRecording()
	require.NoError(t, err)
	return id
}

func TestStartStopTickDeliversClip(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	var got []*audio.Clip
	svc.Subscribe(func(clip *audio.Clip) { got = append(got, clip) })

	require.NoError(t, svc.StartRecording("take"))
	status, session := svc.GetRecordingStatus()
	assert.Equal(t, StatusRecording, status)
	require.NotNil(t, session)
	assert.Equal(t, "take", session.Name)
	assert.Equal(t, 8, session.SampleRate)

	clock.Advance(time.Second)
	id, err := svc.StopRecording()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// Nothing reaches listeners until the next tick
	assert.Empty(t, got)

	delivered := svc.Tick()
	require.Len(t, delivered, 1)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, []float32{0.5, 0.3}, got[0].Buffer.Samples)
	assert.True(t, got[0].SilenceTrimmed)

	status, session = svc.GetRecordingStatus()
	assert.Equal(t, StatusStandby, status)
	assert.Nil(t, session)

	// A second tick has nothing new
	assert.Empty(t, svc.Tick())
	assert.Len(t, got, 1)

	info, err := svc.GetRecording(id)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Samples)
	assert.Equal(t, 16, info.CapturedSamples)
	assert.Equal(t, 14, info.DiscardedSamples)
	assert.Equal(t, "8 B", info.SizeHuman)

	m := svc.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordingsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClipsDelivered))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.DiscardedSamples))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Recording))
}

func TestStartFailureMovesToError(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), &fakeBackend{fail: true})

	err := svc.StartRecording("take")
	require.Error(t, err)

	status, _ := svc.GetRecordingStatus()
	assert.Equal(t, StatusError, status)
	assert.Contains(t, svc.GetLastError(), "Failed to start recording")
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics().RecordingsFailed))

	// Nothing was produced for the failed attempt
	assert.Empty(t, svc.Tick())
}

func TestStopWithoutRecording(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	_, err := svc.StopRecording()
	require.Error(t, err)
	assert.Contains(t, svc.GetLastError(), "Failed to stop recording")
}

func TestClipsDeliveredInCompletionOrder(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	var order []string
	svc.Subscribe(func(clip *audio.Clip) { order = append(order, clip.Name) })
	svc.Subscribe(func(clip *audio.Clip) { order = append(order, "second:"+clip.Name) })

	record(t, svc, clock, "a")
	record(t, svc, clock, "b")
	svc.Tick()

	assert.Equal(t, []string{"a", "second:a", "b", "second:b"}, order)
}

func TestHistoryKeepsNewest(t *testing.T) {
	cfg := testConfig()
	cfg.Service.HistorySize = 2
	svc, clock := newTestService(t, cfg, &fakeBackend{samples: burst})

	first := record(t, svc, clock, "one")
	record(t, svc, clock, "two")
	record(t, svc, clock, "three")
	svc.Tick()

	list := svc.ListRecordings()
	require.Len(t, list, 2)
	assert.Equal(t, "three", list[0].Name)
	assert.Equal(t, "two", list[1].Name)

	_, err := svc.GetRecording(first)
	assert.Error(t, err)
}

func TestApplyConfigDeferredWhileRecording(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	var got []*audio.Clip
	svc.Subscribe(func(clip *audio.Clip) { got = append(got, clip) })

	require.NoError(t, svc.StartRecording("take"))

	next := testConfig()
	next.Trim.SilenceThreshold = 0
	next.Service.TickMS = 250
	require.NoError(t, svc.ApplyConfig(next))

	// Threshold applies to the running recording, the rest waits
	assert.Equal(t, 50, svc.GetConfig().Service.TickMS)

	clock.Advance(time.Second)
	_, err := svc.StopRecording()
	require.NoError(t, err)
	assert.Equal(t, 250, svc.GetConfig().Service.TickMS)

	// The replaced recorder's clip arrives with the next tick
	svc.Tick()
	require.Len(t, got, 1)
	assert.False(t, got[0].SilenceTrimmed)
	assert.Equal(t, burst, got[0].Buffer.Samples)
}

func TestApplyConfigKeepsUndeliveredClips(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	var got []*audio.Clip
	svc.Subscribe(func(clip *audio.Clip) { got = append(got, clip) })

	record(t, svc, clock, "before-reload")
	require.NoError(t, svc.ApplyConfig(testConfig()))
	assert.Empty(t, got)

	record(t, svc, clock, "after-reload")
	svc.Tick()

	require.Len(t, got, 2)
	assert.Equal(t, "before-reload", got[0].Name)
	assert.Equal(t, "after-reload", got[1].Name)
	assert.Empty(t, svc.retired, "idle recorders are dropped once drained")
}

func TestApplyConfigDuringStopKeepsClip(t *testing.T) {
	for _, async := range []bool{false, true} {
		cfg := testConfig()
		cfg.Trim.Async = async
		backend := &fakeBackend{
			samples: burst,
			ending:  make(chan struct{}, 1),
			gate:    make(chan struct{}),
		}
		svc, clock := newTestService(t, cfg, backend)

		var mu sync.Mutex
		var got []string
		svc.Subscribe(func(clip *audio.Clip) {
			mu.Lock()
			got = append(got, clip.Name)
			mu.Unlock()
		})

		require.NoError(t, svc.StartRecording("racing"))
		clock.Advance(time.Second)

		stopped := make(chan error, 1)
		go func() {
			_, err := svc.StopRecording()
			stopped <- err
		}()
		<-backend.ending

		// The recorder is no longer RECORDING, so the new config swaps it out
		status, _ := svc.GetRecordingStatus()
		assert.Equal(t, StatusStopping, status, "async=%v", async)
		next := testConfig()
		next.Trim.Async = async
		require.NoError(t, svc.ApplyConfig(next))
		assert.Empty(t, svc.Tick())

		close(backend.gate)
		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("StopRecording did not return")
		}

		svc.Close()

		mu.Lock()
		assert.Equal(t, []string{"racing"}, got, "async=%v", async)
		mu.Unlock()
	}
}

func TestListenerMayCallBackIntoService(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	var names []string
	svc.Subscribe(func(clip *audio.Clip) {
		names = append(names, clip.Name)
		if clip.Name != "first" {
			return
		}
		assert.NoError(t, svc.ApplyConfig(testConfig()))
		assert.NoError(t, svc.StartRecording("second"))
		clock.Advance(time.Second)
		_, err := svc.StopRecording()
		assert.NoError(t, err)

		// Delivered by the outer tick once this listener returns
		assert.Nil(t, svc.Tick())
	})

	record(t, svc, clock, "first")

	done := make(chan []*audio.Clip, 1)
	go func() { done <- svc.Tick() }()

	select {
	case delivered := <-done:
		assert.Len(t, delivered, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("Tick blocked while a listener called back into the service")
	}
	assert.Equal(t, []string{"first", "second"}, names)
}

func TestPanickingListenerDoesNotWedgeDelivery(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	calls := 0
	svc.Subscribe(func(clip *audio.Clip) {
		calls++
		if calls == 1 {
			panic("listener failed")
		}
	})

	record(t, svc, clock, "first")
	assert.Panics(t, func() { svc.Tick() })

	record(t, svc, clock, "second")
	delivered := svc.Tick()
	require.Len(t, delivered, 1)
	assert.Equal(t, "second", delivered[0].Name)
}

func TestApplyConfigRejectsInvalid(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	bad := testConfig()
	bad.Trim.SilenceThreshold = 3
	assert.Error(t, svc.ApplyConfig(bad))
	assert.Equal(t, 0.1, svc.GetConfig().Trim.SilenceThreshold)
}

func TestUpdateThreshold(t *testing.T) {
	svc, clock := newTestService(t, testConfig(), &fakeBackend{samples: burst})

	assert.Error(t, svc.UpdateThreshold(-1))
	require.NoError(t, svc.UpdateThreshold(0.4))
	assert.Equal(t, 0.4, svc.GetConfig().Trim.SilenceThreshold)

	// 0.5 is the only sample above the new threshold
	record(t, svc, clock, "take")
	clips := svc.Tick()
	require.Len(t, clips, 1)
	assert.Equal(t, []float32{0.5}, clips[0].Buffer.Samples)
}

func TestRunDeliversOnShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Trim.Async = true
	cfg.Service.TickMS = 60000
	svc, clock := newTestService(t, cfg, &fakeBackend{samples: burst})

	delivered := make(chan *audio.Clip, 1)
	svc.Subscribe(func(clip *audio.Clip) { delivered <- clip })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.NoError(t, svc.StartRecording("take"))
	clock.Advance(time.Second)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	select {
	case clip := <-delivered:
		assert.Equal(t, []float32{0.5, 0.3}, clip.Buffer.Samples)
	default:
		t.Fatal("expected the active recording to be delivered on shutdown")
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
