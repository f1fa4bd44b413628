package tutorrt

import (
	"sync"
	"time"

	"github.com/faiface/beep"
)

// Window is where one frame landed on the playback timeline.
type Window struct {
	Start    time.Duration
	Duration time.Duration
	// Gap is the silence left between the previous frame's end and Start
	// while playback was still running. It is zero for the first frame of a
	// new run.
	Gap time.Duration
}

func (w Window) End() time.Duration {
	return w.Start + w.Duration
}

// Scheduler places frames back to back on an Output. Its cursor is the next
// free start time and only ever moves forward: a frame starts at
// max(cursor, now+minLead), so frames never overlap and never start in the
// past. A frame that arrives late leaves a gap of silence instead.
//
// The cursor is kept in samples at the output rate, so back-to-back frames
// stay sample-exact however long the stream runs.
type Scheduler struct {
	mu      sync.Mutex
	out     Output
	minLead time.Duration
	margin  time.Duration
	cursor  int
}

func NewScheduler(out Output, minLead, margin time.Duration) *Scheduler {
	return &Scheduler{
		out:     out,
		minLead: minLead,
		margin:  margin,
	}
}

// Enqueue schedules samples, already at the output's sample rate, right
// after everything scheduled before. Empty frames are ignored.
//
// Gap is only reported while playback is live, that is while the clock has
// not passed the cursor by more than the margin. A frame arriving after
// that starts a new run and is anchored on the lead alone.
func (s *Scheduler) Enqueue(samples []float32) Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	sr := beep.SampleRate(s.out.SampleRate())
	if len(samples) == 0 {
		return Window{Start: sr.D(s.cursor)}
	}

	buf := beep.NewBuffer(beep.Format{SampleRate: sr, NumChannels: 1, Precision: 2})
	buf.Append(&monoStreamer{data: samples})

	now := s.out.Now()
	live := s.cursor > 0 && now <= sr.D(s.cursor)+s.margin
	start := max(s.cursor, samplesCeil(sr, now+s.minLead))

	w := Window{
		Start:    sr.D(start),
		Duration: sr.D(buf.Len()),
	}
	if live {
		w.Gap = sr.D(start - s.cursor)
	}

	s.out.Schedule(buf.Streamer(0, buf.Len()), w.Start)
	s.cursor = start + buf.Len()

	return w
}

// samplesCeil converts d to the first whole sample at or after it.
func samplesCeil(sr beep.SampleRate, d time.Duration) int {
	n := int64(d) * int64(sr)
	return int((n + int64(time.Second) - 1) / int64(time.Second))
}

// Cursor returns the end of the last scheduled frame, or 0 if nothing has
// been scheduled since the last Reset.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return beep.SampleRate(s.out.SampleRate()).D(s.cursor)
}

// Finished reports whether the output clock has passed the cursor by more
// than the margin. It is derived from the clock on every call, so a frame
// enqueued after playback finished makes it false again.
func (s *Scheduler) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr := beep.SampleRate(s.out.SampleRate())
	return s.cursor > 0 && s.out.Now() > sr.D(s.cursor)+s.margin
}

// Reset forgets the cursor and drops unplayed audio.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
	s.out.Reset()
}
