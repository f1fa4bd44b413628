package tutorrt

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codewandler/tutorrt-go/events"
	"github.com/codewandler/tutorrt-go/internal/loopback"
	"github.com/codewandler/tutorrt-go/pcm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	errs     []error
	controls []*events.Control
	windows  []Window
	audio    [][]byte
}

func (r *recorder) attach(c *Client) {
	c.OnStatus(func(s Status) { r.mu.Lock(); r.statuses = append(r.statuses, s); r.mu.Unlock() })
	c.OnError(func(err error) { r.mu.Lock(); r.errs = append(r.errs, err); r.mu.Unlock() })
	c.OnControl(func(m *events.Control) { r.mu.Lock(); r.controls = append(r.controls, m); r.mu.Unlock() })
	c.OnPlayback(func(w Window) { r.mu.Lock(); r.windows = append(r.windows, w); r.mu.Unlock() })
	c.OnAudio(func(f []byte) { r.mu.Lock(); r.audio = append(r.audio, f); r.mu.Unlock() })
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Controls() []*events.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Control(nil), r.controls...)
}

func (r *recorder) Windows() []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Window(nil), r.windows...)
}

func (r *recorder) Audio() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.audio...)
}

func (r *recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

type harness struct {
	backend *loopback.Backend
	server  *httptest.Server
	out     *Timeline
	client  *Client
	rec     *recorder
}

func endpoint(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newHarness(t *testing.T, backend *loopback.Backend, opts ...ClientOption) *harness {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	out := NewTimeline(pcm.SampleRate)
	c := New(append([]ClientOption{
		WithEndpoint(endpoint(srv)),
		WithOutput(out),
		WithPollInterval(5 * time.Millisecond),
	}, opts...)...)
	t.Cleanup(c.End)

	rec := &recorder{}
	rec.attach(c)

	return &harness{backend: backend, server: srv, out: out, client: c, rec: rec}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.client.Connect(ctx))
	require.Equal(t, "connected.idle", h.client.State().String())
}

func (h *harness) waitBackend(t *testing.T, cond func(received [][]byte, peers int) bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.backend.WaitFor(ctx, cond))
}

func (h *harness) waitState(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.client.State().String() == want
	}, waitFor, time.Millisecond, "want state %s, have %s", want, h.client.State())
}

func blockMicrophone(stream *fakeStream, block int) Microphone {
	return staticMicrophone(&fakeBlockStream{fakeStream: stream, block: block})
}

func TestClient_HappyPath(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(loopback.WithChunkSize(384)), WithMicrophone(blockMicrophone(stream, 128)))
	h.connect(t)
	require.Equal(t, MessageGreeting, h.client.Status().Message)

	ctx := context.Background()
	require.NoError(t, h.client.StartCapture(ctx))
	require.Equal(t, "connected.listening", h.client.State().String())
	require.Equal(t, LabelListening, h.client.Status().Label)

	blocks := [][]float32{sine(128, 0), sine(128, 1), sine(128, 2)}
	var input []float32
	for _, b := range blocks {
		input = append(input, b...)
	}
	<-stream.push(input)

	require.NoError(t, h.client.StopCapture())

	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 4 })
	received := h.backend.Received()
	for i, b := range blocks {
		require.Equal(t, pcm.Encode(b), received[i], "frame %d", i)
	}
	require.Empty(t, received[3])

	// The echo arrives as two 384 byte frames of 8ms each.
	require.Eventually(t, func() bool { return len(h.rec.Windows()) == 2 }, waitFor, time.Millisecond)
	h.waitState(t, "connected.speaking")

	audio := h.rec.Audio()
	require.Len(t, audio, 2)
	require.Equal(t, received[0], audio[0][:256])

	windows := h.rec.Windows()
	require.Equal(t, 8*time.Millisecond, windows[0].Duration)
	require.Equal(t, 8*time.Millisecond, windows[1].Duration)
	require.Equal(t, windows[0].End(), windows[1].Start)
	require.Equal(t, windows[1].End()-windows[0].Start, windows[0].Duration+windows[1].Duration)

	controls := h.rec.Controls()
	require.Len(t, controls, 3)
	require.True(t, controls[0].Processing())
	require.Equal(t, "16 ms of audio", controls[1].Transcript)
	require.True(t, controls[2].Done())
	require.Equal(t, "You said: 16 ms of audio", h.client.Status().Message)

	// Let the output clock run past the end of playback.
	pull(h.out, pcm.SampleRate/4)
	h.waitState(t, "connected.idle")
	require.Equal(t, LabelReady, h.client.Status().Label)
	require.Empty(t, h.rec.Errors())

	require.EqualValues(t, 4, testutil.ToFloat64(h.client.metrics.FramesSent))
	require.EqualValues(t, 1, testutil.ToFloat64(h.client.metrics.Utterances))
	require.EqualValues(t, 2, testutil.ToFloat64(h.client.metrics.FramesReceived))
	require.Zero(t, testutil.ToFloat64(h.client.metrics.CaptureFallbacks))
}

func TestClient_StatusSequence(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(loopback.WithoutEcho()), WithMicrophone(blockMicrophone(stream, 64)))
	h.connect(t)

	require.NoError(t, h.client.StartCapture(context.Background()))
	<-stream.push(sine(64, 0))
	require.NoError(t, h.client.StopCapture())

	require.Eventually(t, func() bool { return len(h.rec.Controls()) == 3 }, waitFor, time.Millisecond)

	var labels, messages []string
	for _, s := range h.rec.Statuses() {
		if len(labels) == 0 || labels[len(labels)-1] != s.Label {
			labels = append(labels, s.Label)
		}
		if s.Message != "" && (len(messages) == 0 || messages[len(messages)-1] != s.Message) {
			messages = append(messages, s.Message)
		}
	}
	require.Equal(t, []string{LabelReady, LabelListening, LabelThinking}, labels)
	require.Equal(t, []string{
		MessageGreeting,
		MessageListening,
		MessageStopped,
		MessageProcessing,
		"You said: 2 ms of audio",
	}, messages)
}

func TestClient_BufferedFallback(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(loopback.WithoutEcho()), WithMicrophone(staticMicrophone(stream)))
	h.connect(t)

	require.NoError(t, h.client.StartCapture(context.Background()))
	input := sine(5000, 0)
	<-stream.push(input)
	require.NoError(t, h.client.StopCapture())

	h.waitBackend(t, func(received [][]byte, _ int) bool {
		return len(received) > 0 && len(received[len(received)-1]) == 0
	})
	received := h.backend.Received()
	require.Len(t, received, 3)
	require.Len(t, received[0], DefaultBufferedBlockSize*pcm.BytesPerSample)
	require.Equal(t, pcm.Encode(input), append(received[0], received[1]...))
	require.EqualValues(t, 1, testutil.ToFloat64(h.client.metrics.CaptureFallbacks))
	require.Empty(t, h.rec.Errors())
}

func TestClient_ForcedBufferedStrategy(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(loopback.WithoutEcho()),
		WithMicrophone(blockMicrophone(stream, 128)),
		WithCaptureStrategy(CaptureBuffered),
		WithBufferedBlockSize(256),
	)
	h.connect(t)

	require.NoError(t, h.client.StartCapture(context.Background()))
	<-stream.push(sine(128*5, 0))
	require.NoError(t, h.client.StopCapture())

	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 4 })
	received := h.backend.Received()
	require.Len(t, received[0], 512)
	require.Len(t, received[2], 256)
	require.Empty(t, received[3])
	require.Zero(t, testutil.ToFloat64(h.client.metrics.CaptureFallbacks))
}

func TestClient_PermissionDenied(t *testing.T) {
	stream := newFakeStream()
	var attempts int
	mic := MicrophoneFunc(func(ctx context.Context) (Stream, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("NotAllowedError")
		}
		return &fakeBlockStream{fakeStream: stream, block: 128}, nil
	})

	h := newHarness(t, loopback.New(), WithMicrophone(mic), WithErrorTTL(200*time.Millisecond))
	h.connect(t)

	err := h.client.StartCapture(context.Background())
	require.ErrorIs(t, err, ErrPermission)
	require.Equal(t, "connected.idle", h.client.State().String())
	require.Equal(t, ErrorTextPermission, h.client.Status().Error)

	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, waitFor, time.Millisecond)
	require.ErrorIs(t, h.rec.Errors()[0], ErrPermission)

	// The error dismisses itself.
	require.Eventually(t, func() bool { return h.client.Status().Error == "" }, waitFor, time.Millisecond)

	require.NoError(t, h.client.StartCapture(context.Background()))
	require.Equal(t, "connected.listening", h.client.State().String())
	require.Equal(t, 2, attempts)
	require.EqualValues(t, 1, testutil.ToFloat64(h.client.metrics.PermissionDenials))
}

func TestClient_MicrophoneIsReused(t *testing.T) {
	stream := newFakeStream()
	var opens int
	mic := MicrophoneFunc(func(ctx context.Context) (Stream, error) {
		opens++
		return &fakeBlockStream{fakeStream: stream, block: 32}, nil
	})
	h := newHarness(t, loopback.New(loopback.WithoutEcho()), WithMicrophone(mic))
	h.connect(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.client.StartCapture(context.Background()))
		<-stream.push(sine(32, float64(i)))
		require.NoError(t, h.client.StopCapture())
	}

	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 6 })
	require.Equal(t, 1, opens)
	require.Zero(t, stream.closes.Load())
}

func TestClient_MalformedControlIsIgnored(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 1 })

	require.NoError(t, h.backend.SendText([]byte("not json")))
	require.NoError(t, h.backend.SendText([]byte(`{"type":"other","status":"processing"}`)))
	require.NoError(t, h.backend.SendText([]byte(`{"type":"kb_result","transcript":"hello"}`)))

	require.Eventually(t, func() bool { return len(h.rec.Controls()) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, "hello", h.rec.Controls()[0].Transcript)
	require.Equal(t, "connected.idle", h.client.State().String())
	require.Empty(t, h.client.Status().Error)
	require.Empty(t, h.rec.Errors())
	require.EqualValues(t, 1, testutil.ToFloat64(h.client.metrics.MalformedControl))
}

func TestClient_ServerError(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 1 })

	require.NoError(t, h.backend.SendText([]byte(`{"type":"kb_result","error":"knowledge base unavailable"}`)))

	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, waitFor, time.Millisecond)
	var serverErr *ServerError
	require.ErrorAs(t, h.rec.Errors()[0], &serverErr)
	require.Equal(t, "knowledge base unavailable", h.client.Status().Error)
	require.Equal(t, "connected.idle", h.client.State().String())
}

func TestClient_MalformedAudioIsDropped(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 1 })

	require.NoError(t, h.backend.SendBinary([]byte{1, 2, 3}))
	require.NoError(t, h.backend.SendBinary(nil))
	require.NoError(t, h.backend.SendBinary(pcm.Encode(sine(240, 0))))

	require.Eventually(t, func() bool { return len(h.rec.Windows()) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, 10*time.Millisecond, h.rec.Windows()[0].Duration)
	require.EqualValues(t, 1, testutil.ToFloat64(h.client.metrics.MalformedFrames))
	require.Equal(t, "connected.speaking", h.client.State().String())
}

func TestClient_LateFrameResumesSpeaking(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 1 })

	require.NoError(t, h.backend.SendBinary(pcm.Encode(sine(240, 0))))
	h.waitState(t, "connected.speaking")

	pull(h.out, pcm.SampleRate/2)
	h.waitState(t, "connected.idle")

	require.NoError(t, h.backend.SendBinary(pcm.Encode(sine(240, 0))))
	h.waitState(t, "connected.speaking")
	require.Eventually(t, func() bool { return len(h.rec.Windows()) == 2 }, waitFor, time.Millisecond)

	windows := h.rec.Windows()
	require.Equal(t, 500*time.Millisecond+testLead, windows[1].Start)
	// A new reply after an idle pause is not an underrun.
	require.Zero(t, windows[1].Gap)
	require.Zero(t, testutil.ToFloat64(h.client.metrics.PlaybackGaps))
}

func TestClient_ResamplesToOutputRate(t *testing.T) {
	backend := loopback.New()
	srv := httptest.NewServer(backend)
	defer srv.Close()

	out := NewTimeline(48000)
	c := New(WithEndpoint(endpoint(srv)), WithOutput(out))
	defer c.End()

	var windows []Window
	var mu sync.Mutex
	c.OnPlayback(func(w Window) { mu.Lock(); windows = append(windows, w); mu.Unlock() })

	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, backend.WaitFor(ctx, func(_ [][]byte, peers int) bool { return peers == 1 }))

	require.NoError(t, backend.SendBinary(pcm.Encode(sine(480, 0))))
	require.Eventually(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(windows) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, 20*time.Millisecond, windows[0].Duration)
}

func TestClient_DisconnectMidUtterance(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(), WithMicrophone(blockMicrophone(stream, 128)))
	h.connect(t)

	require.NoError(t, h.client.StartCapture(context.Background()))
	<-stream.push(sine(128, 0))
	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 1 })

	h.backend.Drop()
	h.waitState(t, "closed")

	require.Eventually(t, func() bool { return stream.closes.Load() == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, waitFor, time.Millisecond)
	var connErr *ConnectionError
	require.ErrorAs(t, h.rec.Errors()[0], &connErr)
	require.NotEmpty(t, h.client.Status().Error)
	require.Empty(t, h.client.Status().Message)

	// Nothing captured after the close reaches the wire.
	stream.push(sine(128, 1))
	require.NoError(t, h.client.StopCapture())
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 0 })
	require.Len(t, h.backend.Received(), 1)

	h.client.End()
	require.EqualValues(t, 1, stream.closes.Load())
}

func TestClient_ServerCloseIsConnectionLost(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 1 })

	h.backend.Hangup()
	h.waitState(t, "closed")
	require.Eventually(t, func() bool { return len(h.rec.Errors()) == 1 }, waitFor, time.Millisecond)
	require.Equal(t, ErrorTextConnectionLost, h.client.Status().Error)
}

func TestClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(loopback.New())
	url := endpoint(srv)
	srv.Close()

	c := New(WithEndpoint(url), WithDialTimeout(time.Second))
	var errs []error
	c.OnError(func(err error) { errs = append(errs, err) })

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "dial", connErr.Op)
	require.Equal(t, "closed", c.State().String())
	require.Equal(t, ErrorTextConnection, c.Status().Error)
	require.Len(t, errs, 1)

	// A closed session can be restarted by hand.
	backend := loopback.New()
	live := httptest.NewServer(backend)
	defer live.Close()
	c.config.endpoint = endpoint(live)
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, "connected.idle", c.State().String())
	require.Empty(t, c.Status().Error)
	c.End()
}

func TestClient_ConnectTwice(t *testing.T) {
	h := newHarness(t, loopback.New())
	h.connect(t)
	require.ErrorIs(t, h.client.Connect(context.Background()), ErrSessionActive)
}

func TestClient_CaptureRequiresConnection(t *testing.T) {
	c := New(WithMicrophone(staticMicrophone(newFakeStream())))
	require.ErrorIs(t, c.StartCapture(context.Background()), ErrNotConnected)
	require.NoError(t, c.StopCapture())
}

func TestClient_EndIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	h := newHarness(t, loopback.New(), WithMicrophone(blockMicrophone(stream, 128)))
	h.connect(t)

	require.NoError(t, h.client.StartCapture(context.Background()))
	<-stream.push(sine(128, 0))

	h.client.End()
	require.Equal(t, "closed", h.client.State().String())
	h.client.End()
	require.Equal(t, "closed", h.client.State().String())

	require.EqualValues(t, 1, stream.closes.Load())
	h.waitBackend(t, func(_ [][]byte, peers int) bool { return peers == 0 })
	require.Empty(t, h.rec.Errors())
	require.Empty(t, h.client.Status().Error)

	for _, f := range h.backend.Received() {
		require.NotEmpty(t, f, "ending a session must not end the utterance")
	}
}

func TestClient_EndBeforeConnect(t *testing.T) {
	c := New()
	c.End()
	c.End()
	require.Equal(t, "closed", c.State().String())
}

func TestClient_InvalidConfig(t *testing.T) {
	c := New(WithEndpoint("http://example.com"))
	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, "idle", c.State().String())
}

func TestClient_TransientReadErrorKeepsCapturing(t *testing.T) {
	stream := newFlakyStream(128, errors.New("input overflowed"))
	var opens atomic.Int32
	mic := MicrophoneFunc(func(context.Context) (Stream, error) {
		opens.Add(1)
		return stream, nil
	})
	h := newHarness(t, loopback.New(loopback.WithoutEcho()), WithMicrophone(mic))
	h.connect(t)

	for cycle := 0; cycle < 2; cycle++ {
		require.NoError(t, h.client.StartCapture(context.Background()))
		<-stream.push(sine(128, float64(cycle)))
		require.NoError(t, h.client.StopCapture())
	}

	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 4 })
	received := h.backend.Received()
	require.Equal(t, pcm.Encode(sine(128, 0)), received[0])
	require.Empty(t, received[1])
	require.Equal(t, pcm.Encode(sine(128, 1)), received[2])
	require.Empty(t, received[3])
	require.EqualValues(t, 1, opens.Load())
	require.Empty(t, h.rec.Errors())
}

func TestClient_EndedStreamIsAcquiredAgain(t *testing.T) {
	dead := newFlakyStream(128, io.EOF)
	live := &fakeBlockStream{fakeStream: newFakeStream(), block: 128}
	var opens atomic.Int32
	mic := MicrophoneFunc(func(context.Context) (Stream, error) {
		switch opens.Add(1) {
		case 1:
			return dead, nil
		case 2:
			return nil, errors.New("NotReadableError")
		default:
			return live, nil
		}
	})
	h := newHarness(t, loopback.New(loopback.WithoutEcho()), WithMicrophone(mic))
	h.connect(t)
	ctx := context.Background()

	require.NoError(t, h.client.StartCapture(ctx))
	require.Eventually(t, func() bool {
		h.client.mu.Lock()
		defer h.client.mu.Unlock()
		return h.client.mic != nil && !h.client.mic.alive()
	}, waitFor, time.Millisecond)
	require.NoError(t, h.client.StopCapture())

	// The ended stream is released; acquiring it again fails visibly and
	// the session stays usable.
	err := h.client.StartCapture(ctx)
	require.ErrorIs(t, err, ErrPermission)
	require.EqualValues(t, 1, dead.closes.Load())
	require.Equal(t, "connected.idle", h.client.State().String())
	require.Equal(t, ErrorTextPermission, h.client.Status().Error)

	require.NoError(t, h.client.StartCapture(ctx))
	require.EqualValues(t, 3, opens.Load())
	<-live.push(sine(128, 0))
	require.NoError(t, h.client.StopCapture())

	h.waitBackend(t, func(received [][]byte, _ int) bool { return len(received) == 3 })
	received := h.backend.Received()
	require.Empty(t, received[0])
	require.Equal(t, pcm.Encode(sine(128, 0)), received[1])
	require.Empty(t, received[2])
}

// promptMicrophone blocks in Open like a pending permission prompt until
// ctx ends or grant is closed.
type promptMicrophone struct {
	opened chan struct{}
	grant  chan struct{}
	stream Stream
	opens  atomic.Int32
	// ignoreCancel keeps the prompt open after ctx ends, as a prompt the
	// platform shows on its own would.
	ignoreCancel bool
}

func newPromptMicrophone(stream Stream) *promptMicrophone {
	return &promptMicrophone{
		opened: make(chan struct{}, 1),
		grant:  make(chan struct{}),
		stream: stream,
	}
}

func (m *promptMicrophone) Open(ctx context.Context) (Stream, error) {
	m.opens.Add(1)
	m.opened <- struct{}{}
	if m.ignoreCancel {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.grant:
		return m.stream, nil
	}
}

func TestClient_StopCaptureDuringPermissionPrompt(t *testing.T) {
	mic := newPromptMicrophone(nil)
	h := newHarness(t, loopback.New(), WithMicrophone(mic))
	h.connect(t)

	started := make(chan error, 1)
	go func() { started <- h.client.StartCapture(context.Background()) }()
	<-mic.opened

	require.ErrorIs(t, h.client.StartCapture(context.Background()), ErrAlreadyCapturing)

	stopped := make(chan error, 1)
	go func() { stopped <- h.client.StopCapture() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("StopCapture blocked while the microphone was being acquired")
	}

	require.ErrorIs(t, <-started, ErrCaptureCanceled)
	require.Equal(t, "connected.idle", h.client.State().String())
	require.Empty(t, h.rec.Errors())
	require.Zero(t, testutil.ToFloat64(h.client.metrics.PermissionDenials))
}

func TestClient_GrantAfterStopIsKept(t *testing.T) {
	stream := &fakeBlockStream{fakeStream: newFakeStream(), block: 128}
	mic := newPromptMicrophone(stream)
	mic.ignoreCancel = true
	h := newHarness(t, loopback.New(), WithMicrophone(mic))
	h.connect(t)

	started := make(chan error, 1)
	go func() { started <- h.client.StartCapture(context.Background()) }()
	<-mic.opened
	require.NoError(t, h.client.StopCapture())
	close(mic.grant)
	require.ErrorIs(t, <-started, ErrCaptureCanceled)
	require.Equal(t, "connected.idle", h.client.State().String())

	require.NoError(t, h.client.StartCapture(context.Background()))
	require.Equal(t, "connected.listening", h.client.State().String())
	require.EqualValues(t, 1, mic.opens.Load())
	require.NoError(t, h.client.StopCapture())
}

func TestClient_EndDuringPermissionPrompt(t *testing.T) {
	mic := newPromptMicrophone(nil)
	h := newHarness(t, loopback.New(), WithMicrophone(mic))
	h.connect(t)

	started := make(chan error, 1)
	go func() { started <- h.client.StartCapture(context.Background()) }()
	<-mic.opened

	h.client.End()
	require.ErrorIs(t, <-started, ErrNotConnected)
	require.Equal(t, "idle", h.client.State().String())
	require.Empty(t, h.rec.Errors())
}
