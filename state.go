package tutorrt

import "github.com/codewandler/tutorrt-go/events"

// Phase is the connection level of the session state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Activity is the substate of a connected session.
type Activity int

const (
	ActivityIdle Activity = iota
	ActivityListening
	ActivityThinking
	ActivitySpeaking
)

func (a Activity) String() string {
	switch a {
	case ActivityListening:
		return "listening"
	case ActivityThinking:
		return "thinking"
	case ActivitySpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// State is the session controller state. Activity and Capturing are only
// meaningful while connected.
type State struct {
	Phase     Phase
	Activity  Activity
	Capturing bool
}

func (s State) String() string {
	if s.Phase != PhaseConnected {
		return s.Phase.String()
	}
	return s.Phase.String() + "." + s.Activity.String()
}

func (s State) Connected() bool {
	return s.Phase == PhaseConnected
}

// EventKind enumerates what drives the state machine.
type EventKind int

const (
	EventStart        EventKind = iota // user starts a session
	EventOpen                          // transport opened
	EventCaptureStart                  // capture pipeline started
	EventCaptureStop                   // user stops recording
	EventControl                       // control message received
	EventAudio                         // binary audio frame received
	EventPlaybackDone                  // liveness poll saw playback finish
	EventClose                         // transport closed or failed
	EventEnd                           // user ends the session
)

type Event struct {
	Kind EventKind
	// Status of an EventControl message.
	Status string
}

// Effect is a side effect the controller performs after a transition.
type Effect int

const (
	EffectDial Effect = iota
	EffectStopCapture
	EffectSendEndOfUtterance
	EffectTeardown
	EffectSurfaceConnectionError
)

// Transition computes the next state and the side effects of applying e to
// s. It is pure. Events that make no sense in s leave it unchanged and
// produce no effects.
func Transition(s State, e Event) (State, []Effect) {
	switch e.Kind {
	case EventStart:
		if s.Phase == PhaseIdle || s.Phase == PhaseClosed {
			return State{Phase: PhaseConnecting}, []Effect{EffectDial}
		}

	case EventOpen:
		if s.Phase == PhaseConnecting {
			return State{Phase: PhaseConnected, Activity: ActivityIdle}, nil
		}

	case EventCaptureStart:
		if s.Phase == PhaseConnected && !s.Capturing {
			return State{Phase: PhaseConnected, Activity: ActivityListening, Capturing: true}, nil
		}

	case EventCaptureStop:
		if s.Phase == PhaseConnected && s.Capturing {
			return State{Phase: PhaseConnected, Activity: ActivityThinking},
				[]Effect{EffectStopCapture, EffectSendEndOfUtterance}
		}

	case EventControl:
		// A processing notice never interrupts a user who is still talking.
		if s.Phase == PhaseConnected && e.Status == events.StatusProcessing && !s.Capturing {
			s.Activity = ActivityThinking
			return s, nil
		}

	case EventAudio:
		if s.Phase == PhaseConnected {
			s.Activity = ActivitySpeaking
			return s, nil
		}

	case EventPlaybackDone:
		if s.Phase == PhaseConnected && s.Activity == ActivitySpeaking {
			s.Activity = ActivityIdle
			if s.Capturing {
				s.Activity = ActivityListening
			}
			return s, nil
		}

	case EventClose:
		if s.Phase == PhaseConnecting || s.Phase == PhaseConnected {
			return State{Phase: PhaseClosed}, []Effect{EffectTeardown, EffectSurfaceConnectionError}
		}

	case EventEnd:
		if s.Phase != PhaseClosed {
			return State{Phase: PhaseClosed}, []Effect{EffectTeardown}
		}
	}

	return s, nil
}
