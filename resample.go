package tutorrt

import (
	"math"

	"github.com/faiface/beep"
)

// Resampler converts a complete, independent buffer of mono samples from
// one sample rate to another. Implementations keep no state across calls.
type Resampler interface {
	Resample(samples []float32, fromRate, toRate int) []float32
}

// LinearResampler interpolates linearly between neighbouring source samples.
// No anti-aliasing filter is applied, which is fine for speech.
type LinearResampler struct{}

func (LinearResampler) Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	outLen := max(1, int(math.Round(float64(len(samples))*float64(toRate)/float64(fromRate))))
	out := make([]float32, outLen)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		i0 := min(int(pos), last)
		i1 := min(i0+1, last)
		frac := float32(pos - float64(i0))
		out[i] = samples[i0]*(1-frac) + samples[i1]*frac
	}
	return out
}

// BeepResampler uses beep's windowed-sinc resampler. Quality is passed to
// beep.Resample and must be between 1 and 64; zero selects 3.
type BeepResampler struct {
	Quality int
}

func (r BeepResampler) Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	quality := r.Quality
	if quality == 0 {
		quality = 3
	}

	resampler := beep.Resample(quality, beep.SampleRate(fromRate), beep.SampleRate(toRate), &monoStreamer{data: samples})

	out := make([]float32, 0, len(samples)*toRate/fromRate+1)
	buf := make([][2]float64, 1024)
	for {
		n, ok := resampler.Stream(buf)
		for i := 0; i < n; i++ {
			out = append(out, float32(buf[i][0]))
		}
		if !ok {
			break
		}
	}
	return out
}

// monoStreamer exposes mono samples as a beep.Streamer, duplicating the
// channel to stereo.
type monoStreamer struct {
	data []float32
	pos  int
}

func (s *monoStreamer) Stream(samples [][2]float64) (n int, ok bool) {
	if s.pos >= len(s.data) {
		return 0, false
	}
	for i := range samples {
		if s.pos >= len(s.data) {
			return i, true
		}
		val := float64(s.data[s.pos])
		samples[i][0] = val
		samples[i][1] = val
		s.pos++
	}
	return len(samples), true
}

func (s *monoStreamer) Err() error { return nil }

// Len and Position make monoStreamer a beep.StreamSeeker so decoded frames
// can be appended to a beep.Buffer.
func (s *monoStreamer) Len() int      { return len(s.data) }
func (s *monoStreamer) Position() int { return s.pos }

func (s *monoStreamer) Seek(p int) error {
	s.pos = max(0, min(p, len(s.data)))
	return nil
}
