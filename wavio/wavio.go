// Package wavio connects WAV files to a tutor session: Source plays a file
// into the session as if it were a microphone and Recorder saves the tutor's
// speech.
package wavio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	tutorrt "github.com/codewandler/tutorrt-go"
	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const DefaultBlockSize = 128

// Source is a tutorrt.Microphone reading a PCM WAV file. Any channel count
// and sample rate is accepted; channels are averaged to mono and the result
// is resampled to the wire rate.
type Source struct {
	Path string
	// Realtime paces reads at the wire rate and keeps delivering silence
	// once the file has ended, like a live microphone. Otherwise reads
	// return as fast as they are made and the stream ends with io.EOF.
	Realtime  bool
	BlockSize int
	Resampler tutorrt.Resampler
}

var _ tutorrt.Microphone = (*Source)(nil)

func (s *Source) Open(ctx context.Context) (tutorrt.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	samples, sampleRate, err := ReadMono(s.Path)
	if err != nil {
		return nil, err
	}

	resampler := s.Resampler
	if resampler == nil {
		resampler = tutorrt.LinearResampler{}
	}
	blockSize := s.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &fileStream{
		data:      resampler.Resample(samples, sampleRate, pcm.SampleRate),
		blockSize: blockSize,
		realtime:  s.Realtime,
		closed:    make(chan struct{}),
	}, nil
}

// ReadMono decodes a PCM WAV file into mono samples in [-1, 1] and returns
// them with the file's sample rate.
func ReadMono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}

	if dec.BitDepth == 0 {
		return nil, 0, fmt.Errorf("%s: missing bit depth", path)
	}

	channels := max(1, int(dec.NumChans))
	scale := float32(int(1) << (dec.BitDepth - 1))
	mono := make([]float32, len(buf.Data)/channels)
	for i := range mono {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return mono, int(dec.SampleRate), nil
}

type fileStream struct {
	data      []float32
	pos       int
	blockSize int
	realtime  bool
	start     time.Time
	delivered int

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *fileStream) BlockSize() int {
	return s.blockSize
}

func (s *fileStream) Read(p []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	if s.pos >= len(s.data) && !s.realtime {
		return 0, io.EOF
	}

	n := min(len(p), s.blockSize)
	copied := copy(p[:n], s.data[min(s.pos, len(s.data)):])
	clear(p[copied:n])
	s.pos += copied

	if s.realtime {
		if s.start.IsZero() {
			s.start = time.Now()
		}
		s.delivered += n
		due := s.start.Add(time.Duration(s.delivered) * time.Second / pcm.SampleRate)
		timer := time.NewTimer(time.Until(due))
		defer timer.Stop()
		select {
		case <-s.closed:
			return 0, io.EOF
		case <-timer.C:
		}
	}
	return n, nil
}

func (s *fileStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Recorder writes wire audio frames to a 16-bit mono WAV file at the wire
// rate. Pass its Write method to Client.OnAudio.
type Recorder struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	closed bool
}

func Create(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		f:   f,
		enc: wav.NewEncoder(f, pcm.SampleRate, 16, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: pcm.SampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

var errRecorderClosed = errors.New("recorder closed")

// Write appends one frame of 16-bit little-endian PCM.
func (r *Recorder) Write(frame []byte) error {
	if len(frame)%pcm.BytesPerSample != 0 {
		return &pcm.FormatError{Len: len(frame)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errRecorderClosed
	}

	n := len(frame) / pcm.BytesPerSample
	if cap(r.buf.Data) < n {
		r.buf.Data = make([]int, n)
	}
	r.buf.Data = r.buf.Data[:n]
	for i := range r.buf.Data {
		r.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(frame[i*2:])))
	}
	return r.enc.Write(r.buf)
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.enc.Close(), r.f.Close())
}
