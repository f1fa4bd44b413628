// Package loopback is a stand-in voice tutor backend. It speaks the same
// websocket protocol as the real one: it buffers binary PCM frames, treats a
// zero-length frame as the end of an utterance, reports progress with
// kb_result text messages and finally plays the utterance back as binary
// PCM frames.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/codewandler/tutorrt-go/events"
	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// DefaultChunkSize is 100ms of wire audio.
const DefaultChunkSize = pcm.SampleRate / 10 * pcm.BytesPerSample

type Option func(*Backend)

// WithChunkSize sets the size in bytes of echoed binary frames.
func WithChunkSize(n int) Option {
	return func(b *Backend) { b.chunkSize = n - n%pcm.BytesPerSample }
}

// WithAnswer replaces the default answer text for a transcript.
func WithAnswer(f func(transcript string) string) Option {
	return func(b *Backend) { b.answer = f }
}

// WithoutEcho stops the backend from playing utterances back.
func WithoutEcho() Option {
	return func(b *Backend) { b.echo = false }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// Backend is an http.Handler serving the voice websocket.
type Backend struct {
	chunkSize int
	echo      bool
	answer    func(string) string
	logger    *slog.Logger

	mu       sync.Mutex
	peers    map[*peer]struct{}
	received [][]byte
	changed  chan struct{}
}

func New(opts ...Option) *Backend {
	b := &Backend{
		chunkSize: DefaultChunkSize,
		echo:      true,
		answer: func(transcript string) string {
			return "You said: " + transcript
		},
		logger:  slog.New(slog.DiscardHandler),
		peers:   make(map[*peer]struct{}),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type peer struct {
	mu   sync.Mutex
	conn net.Conn
}

func (p *peer) write(op ws.OpCode, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsutil.WriteServerMessage(p.conn, op, payload)
}

func (p *peer) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.write(ws.OpText, data)
}

func (b *Backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.logger.Error("upgrade failed", slog.Any("err", err))
		return
	}

	p := &peer{conn: conn}
	b.update(func() { b.peers[p] = struct{}{} })
	defer func() {
		b.update(func() { delete(b.peers, p) })
		_ = conn.Close()
	}()

	b.logger.Info("client connected", slog.String("remote", conn.RemoteAddr().String()))

	var utterance []byte
	for {
		msgs, err := wsutil.ReadClientMessage(conn, nil)
		if err != nil {
			b.logger.Debug("read ended", slog.Any("err", err))
			return
		}

		for _, msg := range msgs {
			switch msg.OpCode {
			case ws.OpPing:
				_ = p.write(ws.OpPong, msg.Payload)
			case ws.OpClose:
				_ = p.write(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
				return
			case ws.OpText:
				b.logger.Debug("ignoring text message", slog.String("text", string(msg.Payload)))
			case ws.OpBinary:
				frame := make([]byte, len(msg.Payload))
				copy(frame, msg.Payload)
				b.update(func() { b.received = append(b.received, frame) })

				if len(frame) > 0 {
					utterance = append(utterance, frame...)
					continue
				}

				if err := b.turn(p, utterance); err != nil {
					b.logger.Error("turn failed", slog.Any("err", err))
					return
				}
				utterance = nil
			}
		}
	}
}

func (b *Backend) turn(p *peer, utterance []byte) error {
	if len(utterance) == 0 {
		b.logger.Debug("no audio buffered, skipping turn")
		return nil
	}

	if err := p.writeJSON(events.Control{Type: events.TypeKBResult, Status: events.StatusProcessing}); err != nil {
		return err
	}

	transcript := describe(utterance)
	if err := p.writeJSON(events.Control{Type: events.TypeKBResult, Transcript: transcript}); err != nil {
		return err
	}

	if err := p.writeJSON(events.Control{
		Type:   events.TypeKBResult,
		Answer: b.answer(transcript),
		Status: events.StatusDone,
	}); err != nil {
		return err
	}

	if !b.echo {
		return nil
	}
	for start := 0; start < len(utterance); start += b.chunkSize {
		end := min(start+b.chunkSize, len(utterance))
		if err := p.write(ws.OpBinary, utterance[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func describe(utterance []byte) string {
	d := time.Duration(pcm.Samples(len(utterance))) * time.Second / pcm.SampleRate
	return fmt.Sprintf("%d ms of audio", d.Milliseconds())
}

func (b *Backend) update(f func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f()
	close(b.changed)
	b.changed = make(chan struct{})
}

// Received returns every binary frame received so far, in order, across
// all connections.
func (b *Backend) Received() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.received...)
}

// Peers returns the number of open connections.
func (b *Backend) Peers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// WaitFor blocks until cond holds for the received frames and connection
// count, or ctx ends.
func (b *Backend) WaitFor(ctx context.Context, cond func(received [][]byte, peers int) bool) error {
	for {
		b.mu.Lock()
		ok := cond(b.received, len(b.peers))
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// SendText writes a raw text frame to every connected client.
func (b *Backend) SendText(data []byte) error {
	return b.broadcast(ws.OpText, data)
}

// SendBinary writes a raw binary frame to every connected client.
func (b *Backend) SendBinary(data []byte) error {
	return b.broadcast(ws.OpBinary, data)
}

func (b *Backend) broadcast(op ws.OpCode, data []byte) error {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		if err := p.write(op, data); err != nil {
			return err
		}
	}
	return nil
}

// Hangup closes every connection with a normal close frame.
func (b *Backend) Hangup() {
	_ = b.broadcast(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "bye"))
}

// Drop cuts every connection without a close handshake.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := range b.peers {
		_ = p.conn.Close()
	}
}
