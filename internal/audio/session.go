package audio

import (
	"math"
	"time"
)

// Session marks the moment capture began. Elapsed values are derived from
// it on demand and never cached.
type Session struct {
	start time.Time
}

// StartSession opens a session at now. Callers pass time.Now() (which
// carries a monotonic reading) or a synthetic timestamp in tests.
func StartSession(now time.Time) Session {
	return Session{start: now}
}

// StartedAt returns the capture start timestamp
func (s Session) StartedAt() time.Time {
	return s.start
}

// Elapsed returns now - start, clamped to zero
func (s Session) Elapsed(now time.Time) time.Duration {
	d := now.Sub(s.start)
	if d < 0 {
		return 0
	}
	return d
}

// ElapsedSeconds returns Elapsed in seconds
func (s Session) ElapsedSeconds(now time.Time) float64 {
	return s.Elapsed(now).Seconds()
}

// ElapsedSamples converts elapsed time into a per-channel sample count:
// floor((now - start) * sampleRate), never negative.
func (s Session) ElapsedSamples(now time.Time, sampleRate int) int {
	n := math.Floor(s.ElapsedSeconds(now) * float64(sampleRate))
	if n < 0 {
		return 0
	}
	return int(n)
}
