package main

import (
	"context"
	"io"
	"sync"
	"time"

	tutorrt "github.com/codewandler/tutorrt-go"
	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/gordonklaus/portaudio"
)

const (
	micBlockSize = 480                    // 20 ms @ 24 kHz
	playLatency  = 100 * time.Millisecond // speaker buffer
)

// portaudioMic reads the default input device in fixed blocks at the wire
// rate.
type portaudioMic struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	closed bool
}

var _ tutorrt.BlockStream = (*portaudioMic)(nil)

func openPortaudioMic(ctx context.Context) (tutorrt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf := make([]float32, micBlockSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(pcm.SampleRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return &portaudioMic{stream: stream, buf: buf}, nil
}

func (m *portaudioMic) BlockSize() int {
	return micBlockSize
}

func (m *portaudioMic) Read(p []float32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.EOF
	}
	if err := m.stream.Read(); err != nil {
		return 0, err
	}
	return copy(p, m.buf), nil
}

// Close waits for a pending Read, which returns within one block.
func (m *portaudioMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := m.stream.Stop(); err != nil {
		_ = m.stream.Close()
		return err
	}
	return m.stream.Close()
}

// startSpeaker plays the timeline on the default output device. The
// speaker pulls samples on its own goroutine, so the timeline's clock
// follows the device.
func startSpeaker(t *tutorrt.Timeline) error {
	sr := beep.SampleRate(t.SampleRate())
	if err := speaker.Init(sr, sr.N(playLatency)); err != nil {
		return err
	}
	speaker.Play(t)
	return nil
}
