package callsession

import (
	"time"

	"github.com/MrWong99/callwatch/internal/metrics"
)

// State is the lifecycle state of a call.
type State int

const (
	StateIdle State = iota
	StateActive
	StateWarned
	StateEnding
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateWarned:
		return "warned"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// EventKind enumerates the signals a controller consumes.
type EventKind int

const (
	// EventConnected marks the transport connection of the caller.
	EventConnected EventKind = iota + 1

	// EventSpeechStarted opens a new turn and its transcription stage.
	EventSpeechStarted

	// EventSpeechStopped closes transcription and opens generation. Usage
	// carries the audio length, transcribed text and end-of-utterance delay.
	EventSpeechStopped

	// EventFirstToken closes generation and opens synthesis. Usage carries
	// token counts, the generated text and time-to-first-token.
	EventFirstToken

	// EventGenerationDone is sent by pipelines that report generation only
	// once it has finished. It closes generation if EventFirstToken did not.
	EventGenerationDone

	// EventAgentSpeechDone closes synthesis and the turn. Usage carries the
	// character count and time-to-first-byte.
	EventAgentSpeechDone

	// EventTick re-evaluates the duration and inactivity timers.
	EventTick

	// EventDisconnect reports that the transport is gone.
	EventDisconnect
)

var eventNames = map[EventKind]string{
	EventConnected:       "connected",
	EventSpeechStarted:   "speech_started",
	EventSpeechStopped:   "speech_stopped",
	EventFirstToken:      "first_token",
	EventGenerationDone:  "generation_done",
	EventAgentSpeechDone: "agent_speech_done",
	EventTick:            "tick",
	EventDisconnect:      "disconnect",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseEventKind maps a wire name such as "speech_started" to its kind.
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range eventNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Event is a single input to [Controller.Step].
type Event struct {
	Kind EventKind

	// At is when the event happened. The zero value means "now".
	At time.Time

	// Model overrides the configured model of the stage this event opens.
	Model string

	// Usage is applied to the stage this event closes.
	Usage metrics.Usage

	// Reason is the disconnect reason for EventDisconnect.
	Reason string
}

// ActionKind enumerates controller outputs.
type ActionKind int

const (
	// ActionSpeak asks the voice pipeline to say Text.
	ActionSpeak ActionKind = iota + 1

	// ActionHangup asks the transport to close the call.
	ActionHangup

	// ActionFinalized carries the finalized session. It is emitted exactly
	// once, on entering StateEnded.
	ActionFinalized
)

func (k ActionKind) String() string {
	switch k {
	case ActionSpeak:
		return "speak"
	case ActionHangup:
		return "hangup"
	case ActionFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Action is an output of [Controller.Step].
type Action struct {
	Kind    ActionKind
	Text    string
	Reason  string
	Session *metrics.Session
}

// Termination reasons recorded on the session.
const (
	ReasonFarewell     = "farewell"
	ReasonMaxDuration  = "max_duration"
	ReasonInactivity   = "inactivity"
	ReasonDisconnected = "user_disconnected"
	ReasonTeardown     = "forced_teardown"
)
