package tutorrt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/tutorrt-go/events"
	"github.com/codewandler/tutorrt-go/internal/metrics"
	"github.com/codewandler/tutorrt-go/internal/websocket"
	"github.com/codewandler/tutorrt-go/pcm"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Client is one voice tutoring session controller. It owns the connection,
// the cached microphone stream and the playback scheduler, and drives all
// of them from the session state machine. All methods are safe for
// concurrent use; callbacks are delivered one at a time, in order, without
// any client lock held.
type Client struct {
	config    *clientConfig
	metrics   *metrics.Metrics
	notify    notifier
	out       Output
	timeline  *Timeline // set when the client drives its own output clock
	scheduler *Scheduler

	// capMu serializes StartCapture and StopCapture so an utterance's end
	// frame is sent before the next utterance's first frame.
	capMu sync.Mutex

	mu         sync.Mutex
	logger     *slog.Logger
	state      State
	gen        uint64
	sessionID  string
	utterance  string
	ws         *websocket.Client
	send       func(frame []byte)
	mic        *micSource
	acquiring  *acquisition
	capture    *CaptureHandle
	stopBg     context.CancelFunc
	connErr    error
	message    string
	errText    string
	errSeq     uint64
	errTimer   *time.Timer
	published  Status
	onStatus   func(Status)
	onError    func(error)
	onControl  func(*events.Control)
	onAudio    func(frame []byte)
	onPlayback func(Window)
}

func New(opts ...ClientOption) *Client {
	config := &clientConfig{}
	withDefaults()(config)
	WithOptions(opts...)(config)

	c := &Client{
		config:  config,
		logger:  config.logger,
		metrics: metrics.New(config.registerer),
		out:     config.output,
	}
	if c.out == nil {
		c.timeline = NewTimeline(pcm.SampleRate)
		c.out = c.timeline
	}
	c.scheduler = NewScheduler(c.out, config.minLead, config.finishMargin)
	c.published = c.statusLocked()
	c.metrics.SetState("", c.state.String())
	return c
}

// OnStatus is called whenever the status changes.
func (c *Client) OnStatus(h func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = h
}

// OnError is called for every surfaced error: *ConnectionError,
// ErrPermission and *ServerError.
func (c *Client) OnError(h func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = h
}

// OnControl is called with every well-formed kb_result message.
func (c *Client) OnControl(h func(msg *events.Control)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = h
}

// OnAudio is called with every binary frame received, before decoding.
func (c *Client) OnAudio(h func(frame []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAudio = h
}

// OnPlayback is called with the playback window of every scheduled frame.
func (c *Client) OnPlayback(h func(w Window)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPlayback = h
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

// SessionID identifies the current or last session in logs.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect opens a new session and blocks until the connection is open or
// has failed. It fails with ErrSessionActive while a session is connecting
// or connected; a closed session can be connected again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.config.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	c.mu.Lock()
	if c.state.Phase == PhaseConnecting || c.state.Phase == PhaseConnected {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.gen++
	gen := c.gen
	c.sessionID, _ = nanoid.New()
	c.logger = c.config.logger.With(slog.String("session_id", c.sessionID))
	logger := c.logger
	c.connErr = nil
	c.clearErrorLocked()
	c.apply(Event{Kind: EventStart})
	c.publishLocked()
	c.mu.Unlock()
	c.notify.flush()

	// Handlers wait for opened so nothing received right behind the
	// handshake is applied before the session is connected.
	opened := make(chan struct{})
	defer close(opened)

	logger.Debug("dialing", slog.String("endpoint", c.config.endpoint))
	conn, err := websocket.Connect(ctx, websocket.ClientConfig{
		URL:         c.config.endpoint,
		DialTimeout: c.config.dialTimeout,
		Headers:     c.config.headers,
		Logger:      logger,
		OnText:      c.handleText(gen, opened),
		OnBinary:    c.handleAudio(gen, opened),
		OnClose:     c.handleClose(gen, opened),
	})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if conn != nil {
			go closeConn(conn, logger)
		}
		return fmt.Errorf("connect: %w", ErrNotConnected)
	}

	if err != nil {
		connErr := &ConnectionError{Op: "dial", Err: err}
		c.metrics.ConnectionErrors.Inc()
		c.connErr = connErr
		cleanup := c.apply(Event{Kind: EventClose})
		c.publishLocked()
		c.mu.Unlock()
		cleanup()
		c.notify.flush()
		logger.Error("connect failed", slog.Any("err", err))
		return connErr
	}

	c.ws = conn
	c.send = c.sender(conn)
	bg, cancel := context.WithCancel(context.Background())
	c.stopBg = cancel
	go c.poll(bg, gen)
	if c.timeline != nil {
		go c.timeline.Run(bg, 10*time.Millisecond)
	}
	c.message = MessageGreeting
	c.apply(Event{Kind: EventOpen})
	c.publishLocked()
	c.mu.Unlock()
	c.notify.flush()

	logger.Info("session connected")
	return nil
}

// StartCapture acquires the microphone on first use and starts streaming
// it. A cached stream that has ended is released and acquired again. If
// the microphone cannot be acquired it returns an error wrapping
// ErrPermission, surfaces it and leaves the session as it was; the call may
// be retried.
//
// No lock is held while the microphone is being acquired, so StopCapture
// and End stay responsive during a permission prompt. Both cancel the
// pending acquisition, and StartCapture then returns ErrCaptureCanceled or
// ErrNotConnected.
func (c *Client) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.Connected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.state.Capturing || c.acquiring != nil {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	gen, src, logger := c.gen, c.mic, c.logger
	var stale *micSource
	if src != nil && !src.alive() {
		stale, src, c.mic = src, nil, nil
	}
	var acq *acquisition
	if src == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		acq = &acquisition{cancel: cancel}
		c.acquiring = acq
		defer cancel()
	}
	c.clearErrorLocked()
	c.publishLocked()
	c.mu.Unlock()
	c.notify.flush()

	if stale != nil {
		logger.Warn("microphone stream ended, acquiring it again")
		if err := stale.close(); err != nil {
			logger.Debug("failed to release ended microphone", slog.Any("err", err))
		}
	}

	fresh := src == nil
	if fresh {
		stream, err := c.openMicrophone(ctx)
		if err == nil {
			src = newMicSource(stream, c.config.readBlockSize, logger)
		}
		if err := c.finishAcquire(acq, gen, src, err); err != nil {
			return err
		}
	}

	c.capMu.Lock()
	defer c.capMu.Unlock()

	c.mu.Lock()
	if acq != nil && c.acquiring == acq {
		c.acquiring = nil
	}
	if gen != c.gen || !c.state.Connected() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if acq != nil && acq.canceled {
		c.mu.Unlock()
		return ErrCaptureCanceled
	}
	if c.state.Capturing {
		c.mu.Unlock()
		return ErrAlreadyCapturing
	}
	c.capture = c.startCaptureLocked(src)
	c.utterance, _ = nanoid.New()
	c.message = MessageListening
	c.apply(Event{Kind: EventCaptureStart})
	c.publishLocked()
	strategy, utterance := c.capture.Strategy(), c.utterance
	c.mu.Unlock()
	c.notify.flush()

	logger.Info("capture started",
		slog.String("utterance_id", utterance),
		slog.String("strategy", strategy.String()),
	)
	return nil
}

// acquisition is a microphone acquisition in progress.
type acquisition struct {
	cancel   context.CancelFunc
	canceled bool
}

// abortAcquireLocked cancels a pending acquisition, if any.
func (c *Client) abortAcquireLocked() {
	if acq := c.acquiring; acq != nil {
		c.acquiring = nil
		acq.canceled = true
		acq.cancel()
	}
}

// finishAcquire settles the acquisition acq begun in session gen. On
// success src becomes the cached source, even when the capture itself was
// canceled in the meantime, so the next start does not prompt again.
//
// A successful acquisition stays registered until the capture has started,
// so a StopCapture racing with the start still cancels it.
func (c *Client) finishAcquire(acq *acquisition, gen uint64, src *micSource, openErr error) error {
	c.mu.Lock()
	if openErr != nil && c.acquiring == acq {
		c.acquiring = nil
	}

	if gen != c.gen || !c.state.Connected() {
		c.mu.Unlock()
		if src != nil {
			_ = src.close()
		}
		return ErrNotConnected
	}

	if openErr != nil {
		if acq.canceled {
			c.mu.Unlock()
			return ErrCaptureCanceled
		}
		err := permissionError(openErr)
		c.logger.Warn("microphone unavailable", slog.Any("err", err))
		c.metrics.PermissionDenials.Inc()
		c.surfaceLocked(err)
		c.publishLocked()
		c.mu.Unlock()
		c.notify.flush()
		return err
	}

	c.mic = src
	c.mu.Unlock()
	return nil
}

// StopCapture ends the current utterance: it stops capturing, waits for
// every captured frame to be sent and then sends the end-of-utterance
// frame. A pending microphone acquisition is canceled instead. It does
// nothing when not capturing.
func (c *Client) StopCapture() error {
	c.mu.Lock()
	c.abortAcquireLocked()
	c.mu.Unlock()

	c.capMu.Lock()
	defer c.capMu.Unlock()

	c.mu.Lock()
	if !c.state.Capturing {
		c.mu.Unlock()
		return nil
	}
	c.message = MessageStopped
	cleanup := c.apply(Event{Kind: EventCaptureStop})
	c.publishLocked()
	c.mu.Unlock()

	cleanup()
	c.notify.flush()
	return nil
}

// End tears the session down. It is safe to call in any state and more
// than once.
func (c *Client) End() {
	c.mu.Lock()
	cleanup := c.apply(Event{Kind: EventEnd})
	c.publishLocked()
	c.mu.Unlock()

	cleanup()
	c.notify.flush()
}

func (c *Client) openMicrophone(ctx context.Context) (Stream, error) {
	if c.config.microphone == nil {
		return nil, errors.New("no microphone configured")
	}
	return c.config.microphone.Open(ctx)
}

func (c *Client) startCaptureLocked(src *micSource) *CaptureHandle {
	if c.config.captureStrategy != CaptureBuffered {
		h, err := startRealtime(src, c.send)
		if err == nil {
			return h
		}
		c.metrics.CaptureFallbacks.Inc()
		c.logger.Debug("falling back to buffered capture", slog.Any("err", err))
	}
	return startBuffered(src, c.config.bufferedBlockSize, c.send)
}

// sender returns the send function for frames on conn. Frames written while
// conn is not open are dropped.
func (c *Client) sender(conn *websocket.Client) func([]byte) {
	m := c.metrics
	return func(frame []byte) {
		if !conn.WriteBinary(frame) {
			m.FramesDropped.Inc()
			return
		}
		m.FramesSent.Inc()
		m.BytesSent.Add(float64(len(frame)))
	}
}

func (c *Client) handleText(gen uint64, opened <-chan struct{}) func([]byte) error {
	return func(data []byte) error {
		<-opened

		msg, err := events.Parse[events.Control](data)
		if err != nil {
			c.metrics.MalformedControl.Inc()
			c.mu.Lock()
			logger := c.logger
			c.mu.Unlock()
			logger.Debug("ignoring malformed control message", slog.Any("err", err))
			return nil
		}
		c.metrics.ControlMessages.Inc()
		if !msg.IsKBResult() {
			return nil
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}

		if msg.HasError() {
			c.surfaceLocked(&ServerError{Message: msg.Error})
		}
		if msg.Processing() {
			c.apply(Event{Kind: EventControl, Status: msg.Status})
			if c.state.Activity == ActivityThinking {
				c.message = MessageProcessing
			}
		}
		if msg.Done() && msg.Answer != "" {
			c.message = msg.Answer
		}
		c.publishLocked()
		if f := c.onControl; f != nil {
			c.notify.push(func() { f(msg) })
		}
		c.mu.Unlock()
		c.notify.flush()
		return nil
	}
}

func (c *Client) handleAudio(gen uint64, opened <-chan struct{}) func([]byte) error {
	return func(data []byte) error {
		<-opened

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		if f := c.onAudio; f != nil {
			c.notify.push(func() { f(data) })
		}
		c.mu.Unlock()
		c.notify.flush()

		if len(data) == 0 {
			return nil
		}

		samples, err := pcm.Decode(data)
		if err != nil {
			c.metrics.MalformedFrames.Inc()
			return fmt.Errorf("dropping audio frame: %w", err)
		}
		c.metrics.FramesReceived.Inc()
		samples = c.config.resampler.Resample(samples, pcm.SampleRate, c.out.SampleRate())

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return nil
		}
		w := c.scheduler.Enqueue(samples)
		c.metrics.ScheduledSeconds.Add(w.Duration.Seconds())
		if w.Gap > 0 {
			c.metrics.PlaybackGaps.Inc()
			c.metrics.PlaybackGapSeconds.Observe(w.Gap.Seconds())
		}
		if f := c.onPlayback; f != nil {
			c.notify.push(func() { f(w) })
		}
		c.apply(Event{Kind: EventAudio})
		c.publishLocked()
		c.mu.Unlock()
		c.notify.flush()
		return nil
	}
}

func (c *Client) handleClose(gen uint64, opened <-chan struct{}) func(error) {
	return func(err error) {
		<-opened

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.metrics.ConnectionErrors.Inc()
		c.connErr = &ConnectionError{Op: "read", Err: err}
		c.logger.Warn("connection lost", slog.Any("err", err))
		cleanup := c.apply(Event{Kind: EventClose})
		c.publishLocked()
		c.mu.Unlock()

		cleanup()
		c.notify.flush()
	}
}

// poll ends the speaking activity once the output clock has passed the
// playback cursor.
func (c *Client) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.config.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if gen == c.gen && c.state.Activity == ActivitySpeaking && c.scheduler.Finished() {
			c.apply(Event{Kind: EventPlaybackDone})
			c.publishLocked()
		}
		c.mu.Unlock()
		c.notify.flush()
	}
}

// apply runs e through the state machine and performs the effects that
// only touch client fields. Effects that block are returned as one func,
// to be called once c.mu is released.
func (c *Client) apply(e Event) func() {
	prev := c.state
	next, effects := Transition(prev, e)
	c.state = next
	if next != prev {
		c.logger.Debug("state changed", slog.String("from", prev.String()), slog.String("to", next.String()))
		c.metrics.SetState(prev.String(), next.String())
	}

	var deferred []func()
	for _, effect := range effects {
		switch effect {
		case EffectDial:
			// Connect dials once the state is published.
		case EffectStopCapture:
			if h := c.capture; h != nil {
				c.capture = nil
				deferred = append(deferred, h.Stop)
			}
		case EffectSendEndOfUtterance:
			if send := c.send; send != nil {
				logger, id := c.logger, c.utterance
				c.metrics.Utterances.Inc()
				deferred = append(deferred, func() {
					send([]byte{})
					logger.Info("utterance ended", slog.String("utterance_id", id))
				})
			}
		case EffectTeardown:
			deferred = append(deferred, c.teardownLocked())
		case EffectSurfaceConnectionError:
			c.surfaceLocked(c.connErr)
		}
	}

	return func() {
		for _, f := range deferred {
			f()
		}
	}
}

// teardownLocked detaches every session resource and returns the func that
// releases them. Handlers of the torn down connection are ignored from here
// on.
func (c *Client) teardownLocked() func() {
	c.gen++
	c.abortAcquireLocked()
	h, conn, src, stop, logger := c.capture, c.ws, c.mic, c.stopBg, c.logger
	c.capture, c.ws, c.send, c.mic, c.stopBg = nil, nil, nil, nil, nil
	c.scheduler.Reset()
	c.message = ""

	return func() {
		if stop != nil {
			stop()
		}
		if conn != nil {
			go closeConn(conn, logger)
		}
		if h != nil {
			h.Stop()
		}
		if src != nil {
			if err := src.close(); err != nil {
				logger.Warn("failed to release microphone", slog.Any("err", err))
			}
		}
		logger.Info("session closed")
	}
}

func closeConn(conn *websocket.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		logger.Debug("close handshake incomplete", slog.Any("err", err))
	}
}

// surfaceLocked makes err the current user-visible error and reports it to
// OnError. The error clears itself after the error TTL unless a newer one
// replaced it first.
func (c *Client) surfaceLocked(err error) {
	if err == nil {
		return
	}
	c.errSeq++
	c.errText = ErrorText(err)
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
	if ttl := c.config.errorTTL; ttl > 0 {
		seq := c.errSeq
		c.errTimer = time.AfterFunc(ttl, func() {
			c.mu.Lock()
			if c.errSeq == seq {
				c.errText = ""
				c.publishLocked()
			}
			c.mu.Unlock()
			c.notify.flush()
		})
	}
	if f := c.onError; f != nil {
		c.notify.push(func() { f(err) })
	}
}

func (c *Client) clearErrorLocked() {
	c.errSeq++
	c.errText = ""
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
}

func (c *Client) statusLocked() Status {
	return Status{
		State:   c.state,
		Label:   Label(c.state),
		Message: c.message,
		Error:   c.errText,
	}
}

// publishLocked queues an OnStatus call if the status changed since the
// last one.
func (c *Client) publishLocked() {
	st := c.statusLocked()
	if st == c.published {
		return
	}
	c.published = st
	if f := c.onStatus; f != nil {
		c.notify.push(func() { f(st) })
	}
}
