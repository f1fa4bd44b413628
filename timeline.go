package tutorrt

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/faiface/beep"
)

// Output is the playback device owned by a Scheduler: a clock plus a sink
// that starts a stream at an absolute time on that clock.
type Output interface {
	SampleRate() int
	Now() time.Duration
	Schedule(s beep.StreamSeeker, at time.Duration)
	// Reset drops everything scheduled and not yet played.
	Reset()
}

// Timeline is an Output whose clock is the number of samples pulled through
// its beep.Streamer. Hand it to a beep speaker, or pull it yourself.
// Overlapping streams are mixed; gaps play as silence.
type Timeline struct {
	mu      sync.Mutex
	sr      beep.SampleRate
	pos     int
	queue   []*scheduled
	scratch [][2]float64
}

type scheduled struct {
	start int
	s     beep.StreamSeeker
}

var _ Output = (*Timeline)(nil)
var _ beep.Streamer = (*Timeline)(nil)

func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{sr: beep.SampleRate(sampleRate)}
}

func (t *Timeline) SampleRate() int {
	return int(t.sr)
}

func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sr.D(t.pos)
}

// Position returns the clock in samples.
func (t *Timeline) Position() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

func (t *Timeline) Schedule(s beep.StreamSeeker, at time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, &scheduled{
		start: int(math.Round(at.Seconds() * float64(t.sr))),
		s:     s,
	})
}

func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
}

// Pending returns how many scheduled streams have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Timeline) Stream(samples [][2]float64) (n int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(samples)
	end := t.pos + len(samples)

	kept := t.queue[:0]
	for _, item := range t.queue {
		if item.start >= end {
			kept = append(kept, item)
			continue
		}

		offset := item.start - t.pos
		if offset < 0 {
			// Scheduled in the past and never started: skip what is late.
			if item.s.Position() == 0 {
				_ = item.s.Seek(min(-offset, item.s.Len()))
			}
			offset = 0
		}

		t.mix(samples[offset:], item.s)

		if item.s.Position() < item.s.Len() {
			kept = append(kept, item)
		}
	}
	clear(t.queue[len(kept):])
	t.queue = kept
	t.pos = end

	return len(samples), true
}

func (t *Timeline) mix(dst [][2]float64, s beep.Streamer) {
	if cap(t.scratch) < len(dst) {
		t.scratch = make([][2]float64, len(dst))
	}
	for len(dst) > 0 {
		buf := t.scratch[:len(dst)]
		n, ok := s.Stream(buf)
		for i := 0; i < n; i++ {
			dst[i][0] += buf[i][0]
			dst[i][1] += buf[i][1]
		}
		dst = dst[n:]
		if !ok || n == 0 {
			return
		}
	}
}

func (t *Timeline) Err() error { return nil }

// Run advances the timeline in real time, discarding the audio, until ctx
// ends. It stands in for a speaker when there is none.
func (t *Timeline) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	started, base := time.Now(), t.Position()
	var buf [][2]float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due := base + t.sr.N(time.Since(started)) - t.Position()
			if due <= 0 {
				continue
			}
			if cap(buf) < due {
				buf = make([][2]float64, due)
			}
			t.Stream(buf[:due])
		}
	}
}
