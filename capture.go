package tutorrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/smallnest/ringbuffer"
)

// Microphone acquires an input stream. Open may block for as long as the
// user takes to answer a permission prompt; it should honor ctx. ctx only
// bounds Open, not the lifetime of the returned stream.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

type MicrophoneFunc func(ctx context.Context) (Stream, error)

func (f MicrophoneFunc) Open(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// Stream delivers mono float samples at pcm.SampleRate. Read blocks until
// samples are available. Close stops the underlying device and makes
// pending and future Reads fail.
type Stream interface {
	Read(samples []float32) (int, error)
	Close() error
}

// BlockStream is a Stream that delivers fixed-size blocks: every Read with
// a buffer of BlockSize samples fills it completely. Only block streams can
// be captured with the realtime strategy.
type BlockStream interface {
	Stream
	BlockSize() int
}

type CaptureStrategy int

const (
	// CaptureAuto uses the realtime strategy and falls back to the buffered
	// one when the stream does not support it.
	CaptureAuto CaptureStrategy = iota
	// CaptureRealtime encodes every block on the reading thread and posts it
	// as its own frame.
	CaptureRealtime
	// CaptureBuffered collects encoded audio in a ring buffer and frames it
	// into large fixed-size chunks.
	CaptureBuffered
)

func (s CaptureStrategy) String() string {
	switch s {
	case CaptureRealtime:
		return "realtime"
	case CaptureBuffered:
		return "buffered"
	default:
		return "auto"
	}
}

// ParseCaptureStrategy accepts the names returned by String. The empty
// string selects CaptureAuto.
func ParseCaptureStrategy(name string) (CaptureStrategy, error) {
	switch name {
	case "", "auto":
		return CaptureAuto, nil
	case "realtime":
		return CaptureRealtime, nil
	case "buffered":
		return CaptureBuffered, nil
	}
	return CaptureAuto, fmt.Errorf("unknown capture strategy %q", name)
}

const (
	DefaultReadBlockSize     = 1024
	DefaultBufferedBlockSize = 4096
	maxRealtimeBlockSize     = 16384
	framesQueueSize          = 64

	// maxReadErrors consecutive failed reads end the stream. Fewer are
	// treated as glitches, such as an input overflow.
	maxReadErrors = 8
)

// micSource owns an acquired stream. It reads the stream continuously on a
// thread of its own and hands every block to the attached processor, if
// any. Attaching and detaching never touch the stream, so one source serves
// any number of capture cycles until it is closed.
type micSource struct {
	stream    Stream
	blockSize int
	logger    *slog.Logger

	mu   sync.Mutex
	proc func(block []float32)

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
	done      chan struct{}
}

func newMicSource(stream Stream, readBlockSize int, logger *slog.Logger) *micSource {
	blockSize := readBlockSize
	if bs, ok := stream.(BlockStream); ok && bs.BlockSize() > 0 {
		blockSize = bs.BlockSize()
	}
	if blockSize <= 0 {
		blockSize = DefaultReadBlockSize
	}

	m := &micSource{
		stream:    stream,
		blockSize: blockSize,
		logger:    logger,
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *micSource) pump() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(m.done)

	buf := make([]float32, m.blockSize)
	failures := 0
	for {
		n, err := m.stream.Read(buf)
		if n > 0 {
			m.mu.Lock()
			if m.proc != nil {
				m.proc(buf[:n])
			}
			m.mu.Unlock()
		}
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		select {
		case <-m.closed:
			return
		default:
		}
		failures++
		if failures >= maxReadErrors {
			m.logger.Warn("microphone read failed, stream ended", slog.Any("err", err))
			return
		}
		m.logger.Debug("microphone read failed", slog.Any("err", err), slog.Int("failures", failures))
	}
}

// alive reports whether the stream is still being read. A source whose
// stream ended must be closed and acquired again.
func (m *micSource) alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// attach connects proc. The block passed to proc is reused after it
// returns.
func (m *micSource) attach(proc func(block []float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proc = proc
}

// detach disconnects the processor. Once it returns the processor is not
// running and will not run again.
func (m *micSource) detach() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proc = nil
}

// close releases the stream. Only the first call has an effect.
func (m *micSource) close() error {
	m.closeOnce.Do(func() {
		close(m.closed)
		m.detach()
		m.closeErr = m.stream.Close()
	})
	return m.closeErr
}

// CaptureHandle is one running capture cycle.
type CaptureHandle struct {
	strategy CaptureStrategy
	src      *micSource
	frames   chan []byte
	sent     chan struct{}
	flush    func()
	stopOnce sync.Once
}

func (h *CaptureHandle) Strategy() CaptureStrategy {
	return h.strategy
}

// Stop disconnects the processor and waits until every frame it produced
// has been handed to the send function. The stream stays open. Calling Stop
// more than once is safe.
func (h *CaptureHandle) Stop() {
	h.stopOnce.Do(func() {
		h.src.detach()
		if h.flush != nil {
			h.flush()
		}
		close(h.frames)
		<-h.sent
	})
}

func newCaptureHandle(strategy CaptureStrategy, src *micSource, send func(frame []byte)) *CaptureHandle {
	h := &CaptureHandle{
		strategy: strategy,
		src:      src,
		frames:   make(chan []byte, framesQueueSize),
		sent:     make(chan struct{}),
	}
	go func() {
		defer close(h.sent)
		for frame := range h.frames {
			send(frame)
		}
	}()
	return h
}

// startRealtime encodes each block on the reading thread and posts it as
// one frame. It fails with a CaptureInitError when the stream does not
// deliver fixed-size blocks.
func startRealtime(src *micSource, send func(frame []byte)) (*CaptureHandle, error) {
	bs, ok := src.stream.(BlockStream)
	if !ok {
		return nil, &CaptureInitError{Reason: "stream does not deliver fixed-size blocks"}
	}
	if size := bs.BlockSize(); size <= 0 || size > maxRealtimeBlockSize {
		return nil, &CaptureInitError{Reason: "unusable block size"}
	}

	h := newCaptureHandle(CaptureRealtime, src, send)
	src.attach(func(block []float32) {
		h.frames <- pcm.Encode(block)
	})
	return h, nil
}

// startBuffered writes encoded audio into a ring buffer from the reading
// thread and cuts it into frames of blockSize samples on a separate
// goroutine. Stop flushes the last, possibly shorter, frame.
func startBuffered(src *micSource, blockSize int, send func(frame []byte)) *CaptureHandle {
	if blockSize <= 0 {
		blockSize = DefaultBufferedBlockSize
	}

	ring := ringbuffer.New(4 * blockSize * pcm.BytesPerSample).SetBlocking(true)
	reader := NewSampleBlockReader(ring, blockSize)

	h := newCaptureHandle(CaptureBuffered, src, send)

	framed := make(chan struct{})
	go func() {
		defer close(framed)
		buf := make([]byte, reader.BlockSize())
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				h.frames <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					src.logger.Error("capture framing failed", slog.Any("err", err))
				}
				return
			}
		}
	}()

	var scratch []byte
	src.attach(func(block []float32) {
		scratch = pcm.AppendEncode(scratch[:0], block)
		if _, err := ring.Write(scratch); err != nil {
			src.logger.Error("capture buffer write failed", slog.Any("err", err))
		}
	})

	h.flush = func() {
		ring.CloseWriter()
		<-framed
	}
	return h
}
