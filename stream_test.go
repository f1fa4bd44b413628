package tutorrt

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"
)

// fakeStream is a microphone stream fed by the test. Read blocks until
// samples are pushed or the stream is closed.
type fakeStream struct {
	mu     sync.Mutex
	data   []float32
	pos    int
	wake   chan struct{}
	idle   chan struct{}
	closed chan struct{}

	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		wake:   make(chan struct{}),
		idle:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// push appends samples. The returned channel is closed once the reader has
// asked for more after consuming them, which means every block read so far
// has been processed.
func (s *fakeStream) push(samples []float32) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, samples...)
	s.idle = make(chan struct{})
	close(s.wake)
	s.wake = make(chan struct{})
	return s.idle
}

func (s *fakeStream) Read(p []float32) (int, error) {
	for {
		s.mu.Lock()
		if s.pos < len(s.data) {
			n := copy(p, s.data[s.pos:])
			s.pos += n
			s.mu.Unlock()
			return n, nil
		}
		select {
		case <-s.idle:
		default:
			close(s.idle)
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-s.closed:
			return 0, io.EOF
		}
	}
}

func (s *fakeStream) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fakeBlockStream delivers fixed blocks; tests push whole blocks only.
type fakeBlockStream struct {
	*fakeStream
	block int
}

func (s *fakeBlockStream) BlockSize() int {
	return s.block
}

func staticMicrophone(s Stream) Microphone {
	return MicrophoneFunc(func(ctx context.Context) (Stream, error) {
		return s, nil
	})
}

func sine(n int, phase float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.8 * math.Sin(phase+float64(i)*2*math.Pi*440/24000))
	}
	return out
}

// flakyStream fails its first reads with errs, then behaves like the block
// stream it wraps.
type flakyStream struct {
	*fakeBlockStream
	mu    sync.Mutex
	errs  []error
	reads atomic.Int32
}

func newFlakyStream(block int, errs ...error) *flakyStream {
	return &flakyStream{
		fakeBlockStream: &fakeBlockStream{fakeStream: newFakeStream(), block: block},
		errs:            errs,
	}
}

func (s *flakyStream) Read(p []float32) (int, error) {
	s.reads.Add(1)
	s.mu.Lock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		s.mu.Unlock()
		return 0, err
	}
	s.mu.Unlock()
	return s.fakeBlockStream.Read(p)
}
