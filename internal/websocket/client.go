package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type HandlerFunc func(data []byte) error

// Json decodes text messages into T before calling j.
func Json[T any](j func(x T) error) HandlerFunc {
	return func(data []byte) error {
		var t T
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}

		return j(t)
	}
}

type ClientConfig struct {
	URL         string
	DialTimeout time.Duration
	Headers     http.Header
	OnText      HandlerFunc
	OnBinary    HandlerFunc
	// OnClose is called exactly once when the connection has ended, after
	// every message received before the end was dispatched. err is nil for
	// a clean close (normal close frame, or Close called locally).
	OnClose   func(err error)
	Logger    *slog.Logger
	QueueSize int
}

// Client is a websocket connection with one writer goroutine fed by a
// queue and one dispatcher delivering inbound messages in order.
type Client struct {
	conn     net.Conn
	out      chan wsutil.Message
	done     chan struct{}
	doneOnce sync.Once
	closing  atomic.Bool
	local    atomic.Bool
	logger   *slog.Logger
	err      error
}

// ErrClosed is returned by Err when the server closed without a normal
// close status.
var ErrClosed = errors.New("websocket closed")

func (c *Client) finish(err error, onClose func(error)) {
	c.doneOnce.Do(func() {
		if c.local.Load() {
			err = nil
		}
		c.err = err
		close(c.done)
		_ = c.conn.Close()
		if onClose != nil {
			onClose(err)
		}
	})
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended; it is only meaningful after Done.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

// Open reports whether frames written now may still reach the server.
func (c *Client) Open() bool {
	if c.closing.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) WriteText(data []byte) bool {
	return c.Write(ws.OpText, data)
}

// WriteBinary queues one binary frame. A zero-length payload is a valid
// frame and is sent as such.
func (c *Client) WriteBinary(data []byte) bool {
	return c.Write(ws.OpBinary, data)
}

// Write queues a frame for the writer goroutine. Frames are never queued
// for later delivery: when the connection is not open the frame is dropped
// and Write returns false.
func (c *Client) Write(opcode ws.OpCode, data []byte) bool {
	if !c.Open() {
		return false
	}
	return c.enqueue(opcode, data)
}

func (c *Client) enqueue(opcode ws.OpCode, data []byte) bool {
	select {
	case <-c.done:
		return false
	case c.out <- wsutil.Message{OpCode: opcode, Payload: data}:
		return true
	}
}

// Close sends a normal close frame and waits for the server to answer or
// ctx to expire, after which the socket is torn down regardless. Calling
// Close more than once is safe.
func (c *Client) Close(ctx context.Context) error {
	c.local.Store(true)
	if c.closing.CompareAndSwap(false, true) {
		c.enqueue(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, "closing"))
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		_ = c.conn.Close()
		return fmt.Errorf("close failed: %w", ctx.Err())
	}
}

func Connect(ctx context.Context, config ClientConfig) (*Client, error) {

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(
		slog.String("url", config.URL),
	)

	dialTimeout := config.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	queueSize := config.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	hsCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	d := ws.Dialer{
		Timeout: dialTimeout,
		Header:  ws.HandshakeHeaderHTTP(config.Headers),
	}
	conn, br, hs, err := d.Dial(hsCtx, config.URL)
	if err != nil {
		return nil, err
	}
	logger.Debug("Handshake complete with response:", slog.Any("handshake", hs))

	// Frames the server sent right behind the handshake are buffered in br.
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}

	logger.Info("Connected to websocket")

	var (
		input  = make(chan wsutil.Message, queueSize)
		output = make(chan wsutil.Message, queueSize)
	)

	client := &Client{
		conn:   conn,
		out:    output,
		done:   make(chan struct{}),
		logger: logger,
	}

	onTextFunc := config.OnText
	if onTextFunc == nil {
		onTextFunc = func(data []byte) error {
			return nil
		}
	}
	onBinaryFunc := config.OnBinary
	if onBinaryFunc == nil {
		onBinaryFunc = func(data []byte) error {
			return nil
		}
	}

	var readErr error

	// websocket -> input channel
	go func() {
		defer close(input)
		for {
			messages, err := wsutil.ReadServerMessage(reader, nil)
			if err != nil {
				if !errors.Is(err, io.EOF) && !client.closing.Load() {
					logger.Error("ws read failed", slog.Any("err", err))
				}
				readErr = err
				return
			}
			for _, msg := range messages {
				input <- msg
				if msg.OpCode == ws.OpClose {
					return
				}
			}
		}
	}()

	// output channel -> websocket
	go func() {
		for {
			select {
			case <-client.done:
				return
			case msg := <-output:
				if err := wsutil.WriteClientMessage(conn, msg.OpCode, msg.Payload); err != nil {
					logger.Error("Message write error:", slog.Any("err", err))
					_ = conn.Close()
					return
				}
				if msg.OpCode == ws.OpClose {
					return
				}
			}
		}
	}()

	// input channel processing
	go func() {
		var closeErr error
		for msg := range input {
			if ws.OpCode.IsControl(msg.OpCode) {
				logger.Debug("rcv: control", slog.Any("opcode", msg.OpCode), slog.Any("payload", msg.Payload))

				switch msg.OpCode {
				case ws.OpPing:
					client.Write(ws.OpPong, msg.Payload)
				case ws.OpClose:
					code, reason := ws.ParseCloseFrameData(msg.Payload)
					logger.Debug("rcv: close. closing client", slog.Int("code", int(code)), slog.String("reason", reason))
					if code != 0 && code != ws.StatusNormalClosure && code != ws.StatusGoingAway && code != ws.StatusNoStatusRcvd {
						closeErr = fmt.Errorf("%w: %d %s", ErrClosed, code, reason)
					}
					if client.closing.CompareAndSwap(false, true) {
						client.enqueue(ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
					}
				}

				continue
			}

			switch msg.OpCode {
			case ws.OpText:
				logger.Debug("rcv: text", slog.String("text", string(msg.Payload)))
				if err := onTextFunc(msg.Payload); err != nil {
					logger.Error("text message handler failed", slog.Any("err", err))
				}

			case ws.OpBinary:
				logger.Debug("rcv: binary", slog.Int("len", len(msg.Payload)))
				if err := onBinaryFunc(msg.Payload); err != nil {
					logger.Error("binary message handler failed", slog.Any("err", err))
				}
			}
		}

		if closeErr == nil && readErr != nil && !errors.Is(readErr, io.EOF) {
			closeErr = readErr
		}
		if closeErr == nil && errors.Is(readErr, io.EOF) && !client.closing.Load() {
			closeErr = io.ErrUnexpectedEOF
		}

		// Give a queued close frame a moment to leave before the socket goes.
		if client.closing.Load() {
			deadline := time.Now().Add(100 * time.Millisecond)
			for len(output) > 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		client.finish(closeErr, config.OnClose)
	}()

	return client, nil
}
