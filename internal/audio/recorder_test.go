package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// burst is one second of 8 Hz audio with a short loud section
var burst = []float32{0, 0, 0, 0.5, 0.3, 0, 0, 0}

// fakeBackend hands out a pre-allocated buffer filled with fixed samples
type fakeBackend struct {
	samples     []float32
	maxDuration time.Duration
	beginErr    error
	endErr      error

	// When set, EndCapture signals ending and then waits for gate
	ending chan struct{}
	gate   chan struct{}

	buf *CaptureBuffer
}

func (f *fakeBackend) BeginCapture(ctx context.Context, format Format) (*CaptureBuffer, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.buf = NewCaptureBuffer(format, f.maxDuration, true)
	f.buf.Write(f.samples)
	return f.buf, nil
}

func (f *fakeBackend) EndCapture() (SampleBuffer, error) {
	if f.ending != nil {
		f.ending <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.endErr != nil {
		return SampleBuffer{}, f.endErr
	}
	return f.buf.Snapshot(), nil
}

func (f *fakeBackend) GetType() BackendType {
	return BackendTypeWAV
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRecorder(backend CaptureBackend, threshold float32, async bool) (*Recorder, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRecorder(backend, Options{
		Format:           Format{SampleRate: 8, Channels: 1},
		SilenceThreshold: threshold,
		MaxRecordTime:    2 * time.Second,
		Async:            async,
		Clock:            clock.Now,
	})
	return r, clock
}

func TestRecorder_SyncRoundTrip(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0.1, false)

	require.NoError(t, r.Start(context.Background(), "take"))
	status, session := r.GetStatus()
	assert.Equal(t, StatusRecording, status)
	require.NotNil(t, session)
	assert.Equal(t, "take", session.Name)
	assert.Equal(t, BackendTypeWAV, session.Backend)

	clock.Advance(time.Second)
	assert.Equal(t, time.Second, r.Elapsed())

	id, err := r.Stop()
	require.NoError(t, err)

	clips := r.Drain()
	require.Len(t, clips, 1)
	clip := clips[0]
	assert.Equal(t, id, clip.ID)
	assert.Equal(t, session.ClipID, clip.ID)
	assert.Equal(t, []float32{0.5, 0.3}, clip.Buffer.Samples)
	assert.Equal(t, 16, clip.CapturedSamples)
	assert.Equal(t, 14, clip.DiscardedSamples())
	assert.Equal(t, time.Second, clip.Elapsed)
	assert.True(t, clip.SilenceTrimmed)

	status, _ = r.GetStatus()
	assert.Equal(t, StatusStandby, status)
	assert.Zero(t, r.Elapsed())
}

func TestRecorder_NoSilenceTrimWhenThresholdZero(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0, false)

	require.NoError(t, r.Start(context.Background(), "take"))
	clock.Advance(time.Second)
	_, err := r.Stop()
	require.NoError(t, err)

	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.Equal(t, burst, clips[0].Buffer.Samples)
	assert.False(t, clips[0].SilenceTrimmed)
}

func TestRecorder_AsyncTrim(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0.1, true)

	require.NoError(t, r.Start(context.Background(), "take"))
	clock.Advance(time.Second)
	id, err := r.Stop()
	require.NoError(t, err)

	r.Wait()
	assert.Equal(t, 1, r.Pending())

	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.Equal(t, id, clips[0].ID)
	assert.Equal(t, []float32{0.5, 0.3}, clips[0].Buffer.Samples)
	assert.Zero(t, r.Pending())
}

func TestRecorder_ClipsInCompletionOrder(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0, false)

	var ids []string
	for _, name := range []string{"first", "second", "third"} {
		require.NoError(t, r.Start(context.Background(), name))
		clock.Advance(500 * time.Millisecond)
		id, err := r.Stop()
		require.NoError(t, err)
		ids = append(ids, id)
	}

	clips := r.Drain()
	require.Len(t, clips, 3)
	for i, clip := range clips {
		assert.Equal(t, ids[i], clip.ID)
	}
}

func TestRecorder_ShortRecordingIsEmpty(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, _ := newTestRecorder(backend, 0.1, false)

	require.NoError(t, r.Start(context.Background(), "blip"))
	_, err := r.Stop()
	require.NoError(t, err)

	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.True(t, clips[0].Empty())
	assert.Equal(t, 1, clips[0].Buffer.Channels)
}

func TestRecorder_MaxRecordCapsElapsed(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0.1, false)
	r.maxRecord = 500 * time.Millisecond

	require.NoError(t, r.Start(context.Background(), "long"))
	clock.Advance(5 * time.Second)
	_, err := r.Stop()
	require.NoError(t, err)

	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.Equal(t, 500*time.Millisecond, clips[0].Elapsed)
	assert.Equal(t, []float32{0.5}, clips[0].Buffer.Samples)
}

func TestRecorder_StartFailure(t *testing.T) {
	backend := &fakeBackend{beginErr: errors.New("device busy")}
	r, _ := newTestRecorder(backend, 0.1, false)

	err := r.Start(context.Background(), "take")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start recording")
	assert.Contains(t, err.Error(), "device busy")

	status, _ := r.GetStatus()
	assert.Equal(t, StatusError, status)
	assert.Empty(t, r.Drain())

	// A later successful start recovers from ERROR
	backend.beginErr = nil
	backend.maxDuration = time.Second
	require.NoError(t, r.Start(context.Background(), "retry"))
	status, _ = r.GetStatus()
	assert.Equal(t, StatusRecording, status)
}

func TestRecorder_EndFailure(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: time.Second, endErr: errors.New("stream broke")}
	r, _ := newTestRecorder(backend, 0.1, false)

	require.NoError(t, r.Start(context.Background(), "take"))
	_, err := r.Stop()
	require.Error(t, err)

	status, _ := r.GetStatus()
	assert.Equal(t, StatusError, status)
	assert.Empty(t, r.Drain())
}

func TestRecorder_InvalidTransitions(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: time.Second}
	r, _ := newTestRecorder(backend, 0.1, false)

	_, err := r.Stop()
	assert.Error(t, err)

	require.NoError(t, r.Start(context.Background(), "take"))
	assert.Error(t, r.Start(context.Background(), "again"))
}

func TestRecorder_UpdateThreshold(t *testing.T) {
	r, _ := newTestRecorder(&fakeBackend{}, 0.1, false)

	require.NoError(t, r.UpdateThreshold(0.4))
	assert.Equal(t, float32(0.4), r.GetThreshold())
	require.NoError(t, r.UpdateThreshold(0))

	assert.Error(t, r.UpdateThreshold(-0.1))
	assert.Error(t, r.UpdateThreshold(1.5))
	assert.Equal(t, float32(0), r.GetThreshold())
}

func TestRecorder_ThresholdSnapshotAtStop(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
	r, clock := newTestRecorder(backend, 0.1, false)

	require.NoError(t, r.Start(context.Background(), "take"))
	require.NoError(t, r.UpdateThreshold(0.4))
	clock.Advance(time.Second)
	_, err := r.Stop()
	require.NoError(t, err)

	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.Equal(t, []float32{0.5}, clips[0].Buffer.Samples)
}

func TestRecorder_Level(t *testing.T) {
	samples := make([]float32, 1000)
	for i := range samples {
		samples[i] = -0.5
	}
	// The sample just behind the elapsed position is not part of the window
	samples[499] = 1

	backend := &fakeBackend{samples: samples, maxDuration: time.Second}
	clock := &fakeClock{now: time.Unix(0, 0)}
	r := NewRecorder(backend, Options{
		Format: Format{SampleRate: 1000, Channels: 1},
		Clock:  clock.Now,
	})

	assert.Zero(t, r.Level())

	require.NoError(t, r.Start(context.Background(), "meter"))

	// Fewer than 257 samples elapsed
	clock.Advance(200 * time.Millisecond)
	assert.Zero(t, r.Level())

	clock.Advance(300 * time.Millisecond)
	assert.InDelta(t, 0.5, r.Level(), 1e-6)
}

func TestRecorder_StoppingDoesNotBlockQueries(t *testing.T) {
	backend := &fakeBackend{
		samples:     burst,
		maxDuration: 2 * time.Second,
		ending:      make(chan struct{}, 1),
		gate:        make(chan struct{}),
	}
	r, clock := newTestRecorder(backend, 0.1, false)

	require.NoError(t, r.Start(context.Background(), "take"))
	clock.Advance(time.Second)

	stopped := make(chan error, 1)
	go func() {
		_, err := r.Stop()
		stopped <- err
	}()
	<-backend.ending

	// The backend is still shutting down
	status, _ := r.GetStatus()
	assert.Equal(t, StatusStopping, status)
	assert.Zero(t, r.Level())
	assert.Zero(t, r.Elapsed())
	assert.True(t, r.Busy())
	assert.Error(t, r.Start(context.Background(), "too-soon"))
	assert.Empty(t, r.Drain())

	close(backend.gate)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the backend finished")
	}

	assert.False(t, r.Busy())
	status, _ = r.GetStatus()
	assert.Equal(t, StatusStandby, status)
	clips := r.Drain()
	require.Len(t, clips, 1)
	assert.Equal(t, []float32{0.5, 0.3}, clips[0].Buffer.Samples)
}

func TestRecorder_BusyUntilClipQueued(t *testing.T) {
	for _, async := range []bool{false, true} {
		backend := &fakeBackend{samples: burst, maxDuration: 2 * time.Second}
		r, clock := newTestRecorder(backend, 0.1, async)
		assert.False(t, r.Busy())

		require.NoError(t, r.Start(context.Background(), "take"))
		clock.Advance(time.Second)
		_, err := r.Stop()
		require.NoError(t, err)

		// Once Wait returns the clip is queued and nothing is pending
		r.Wait()
		assert.False(t, r.Busy(), "async=%v", async)
		assert.Len(t, r.Drain(), 1, "async=%v", async)
	}
}

func TestRecorder_EndFailureReleasesWorker(t *testing.T) {
	backend := &fakeBackend{samples: burst, maxDuration: time.Second, endErr: errors.New("stream broke")}
	r, _ := newTestRecorder(backend, 0.1, true)

	require.NoError(t, r.Start(context.Background(), "take"))
	_, err := r.Stop()
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked after a failed stop")
	}
	assert.False(t, r.Busy())
}
