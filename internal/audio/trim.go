package audio

import "math"

// validSamples returns how many interleaved samples of buf were actually
// recorded during elapsedSeconds: floor(elapsed*rate)*channels, capped at
// the buffer length to absorb timing drift.
func validSamples(buf SampleBuffer, elapsedSeconds float64) int {
	if math.IsNaN(elapsedSeconds) || elapsedSeconds <= 0 {
		return 0
	}
	frames := math.Floor(elapsedSeconds * float64(buf.SampleRate))
	if frames*float64(buf.Channels) >= float64(len(buf.Samples)) {
		return len(buf.Samples)
	}
	return int(frames) * buf.Channels
}

// Trim truncates buf to the samples recorded during elapsedSeconds. The
// result is an independent copy; buf is left untouched so a concurrent
// reader of the capture buffer stays valid.
func Trim(buf SampleBuffer, elapsedSeconds float64) SampleBuffer {
	buf.MustValidate()

	n := validSamples(buf, elapsedSeconds)
	return slice(buf, 0, n)
}

// TrimSilence drops leading and trailing samples whose magnitude does not
// exceed threshold, within the range bounded by elapsedSeconds.
//
// The trailing scan walks from the last valid sample down to index 1 and
// never inspects index 0; a buffer whose only loud sample is the first one
// trims to empty. Both scans look at raw interleaved magnitude, so
// multi-channel input is trimmed with one combined scan and the cut points
// are then widened to whole frames.
func TrimSilence(buf SampleBuffer, threshold float32, elapsedSeconds float64) SampleBuffer {
	buf.MustValidate()

	samples := buf.Samples
	limit := float64(threshold)

	start := len(samples)
	for i, s := range samples {
		if math.Abs(float64(s)) > limit {
			start = i
			break
		}
	}

	end := 0
	for j := validSamples(buf, elapsedSeconds) - 1; j > 0; j-- {
		if math.Abs(float64(samples[j])) > limit {
			end = j + 1
			break
		}
	}

	if start >= end {
		return slice(buf, 0, 0)
	}

	ch := buf.Channels
	start = start / ch * ch
	end = (end + ch - 1) / ch * ch
	return slice(buf, start, end)
}

func slice(buf SampleBuffer, start, end int) SampleBuffer {
	out := make([]float32, end-start)
	copy(out, buf.Samples[start:end])
	return SampleBuffer{Samples: out, Channels: buf.Channels, SampleRate: buf.SampleRate}
}
