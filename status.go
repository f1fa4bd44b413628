package tutorrt

import (
	"errors"
	"sync"
)

const (
	LabelReady     = "Ready to chat"
	LabelListening = "Listening to you..."
	LabelThinking  = "Thinking..."
	LabelSpeaking  = "Speaking..."
)

const (
	MessageGreeting   = "Hi! I'm Grace. What would you like to learn today?"
	MessageListening  = "I'm listening..."
	MessageStopped    = "Hmm, let me think about that..."
	MessageProcessing = "Let me think about that..."
)

const (
	ErrorTextConnectionLost = "Connection lost."
	ErrorTextConnection     = "Something went wrong. Please try again."
	ErrorTextPermission     = "Please allow microphone access to talk to Grace."
)

// Status is what a UI shows for a session: a label derived from the state,
// the tutor's current line and the current error, if any.
type Status struct {
	State   State
	Label   string
	Message string
	// Error is the user-facing text of the last surfaced error. It clears
	// itself after the configured error TTL.
	Error string
}

// Label returns the status label for s.
func Label(s State) string {
	if !s.Connected() {
		return LabelReady
	}
	switch s.Activity {
	case ActivityListening:
		return LabelListening
	case ActivityThinking:
		return LabelThinking
	case ActivitySpeaking:
		return LabelSpeaking
	default:
		return LabelReady
	}
}

// ErrorText returns the user-facing text for an error surfaced by the
// client.
func ErrorText(err error) string {
	var (
		connErr   *ConnectionError
		serverErr *ServerError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermission):
		return ErrorTextPermission
	case errors.As(err, &serverErr):
		return serverErr.Message
	case errors.As(err, &connErr):
		if connErr.Err == nil {
			return ErrorTextConnectionLost
		}
		return ErrorTextConnection
	default:
		return err.Error()
	}
}

// notifier delivers callbacks outside the client lock, in the order they
// were queued. Whoever flushes first drains the queue; callbacks queued
// meanwhile by other goroutines, or by the callbacks themselves, are
// delivered by that same drainer.
type notifier struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

func (n *notifier) push(f func()) {
	if f == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queue = append(n.queue, f)
}

func (n *notifier) flush() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	for len(n.queue) > 0 {
		f := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()
		f()
		n.mu.Lock()
	}
	n.queue = nil
	n.draining = false
	n.mu.Unlock()
}
