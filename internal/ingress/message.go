package ingress

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/callwatch/internal/callsession"
	"github.com/MrWong99/callwatch/internal/metrics"
)

// ErrUnsupportedEvent is returned by [Message.Event] for event types clients
// may not send.
var ErrUnsupportedEvent = errors.New("ingress: unsupported event type")

// Message is one JSON event sent by the voice pipeline of a call.
//
//	{"type":"speech_stopped","audio_seconds":2.4,"text":"hi","eou_delay_ms":180}
type Message struct {
	Type string `json:"type"`

	// Timestamp is when the event happened. Omitted means on receipt.
	Timestamp time.Time `json:"timestamp,omitzero"`

	// Model overrides the configured model of the stage the event opens.
	Model  string `json:"model,omitempty"`
	Reason string `json:"reason,omitempty"`

	AudioSeconds float64 `json:"audio_seconds,omitempty"`
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Characters   int     `json:"characters,omitempty"`
	Text         string  `json:"text,omitempty"`
	EOUDelayMs   float64 `json:"eou_delay_ms,omitempty"`
	TTFTMs       float64 `json:"ttft_ms,omitempty"`
	TTFBMs       float64 `json:"ttfb_ms,omitempty"`
}

// Event converts m into a controller event. Connection and timer events are
// owned by the server and rejected.
func (m Message) Event() (callsession.Event, error) {
	kind, ok := callsession.ParseEventKind(m.Type)
	if !ok || kind == callsession.EventConnected || kind == callsession.EventTick {
		return callsession.Event{}, fmt.Errorf("%w: %q", ErrUnsupportedEvent, m.Type)
	}
	ev := callsession.Event{
		Kind:   kind,
		At:     m.Timestamp,
		Model:  m.Model,
		Reason: m.Reason,
		Usage: metrics.Usage{
			AudioSeconds: m.AudioSeconds,
			InputTokens:  m.InputTokens,
			OutputTokens: m.OutputTokens,
			Characters:   m.Characters,
			Text:         m.Text,
			EOUDelayMs:   m.EOUDelayMs,
		},
	}
	switch kind {
	case callsession.EventFirstToken, callsession.EventGenerationDone:
		ev.Usage.FirstOutputMs = m.TTFTMs
	case callsession.EventAgentSpeechDone:
		ev.Usage.FirstOutputMs = m.TTFBMs
	}
	return ev, nil
}

// Reply types sent to the client.
const (
	ReplyCallStarted = "call_started"
	ReplySpeak       = "speak"
	ReplyHangup      = "hangup"
	ReplyCallEnded   = "call_ended"
	ReplyError       = "error"
)

// Reply is one JSON message sent back to the client.
type Reply struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// replyFor maps a controller action to its reply.
func replyFor(callID string, a callsession.Action) (Reply, bool) {
	switch a.Kind {
	case callsession.ActionSpeak:
		return Reply{Type: ReplySpeak, CallID: callID, Text: a.Text}, true
	case callsession.ActionHangup:
		return Reply{Type: ReplyHangup, CallID: callID, Reason: a.Reason}, true
	case callsession.ActionFinalized:
		return Reply{Type: ReplyCallEnded, CallID: callID, Reason: a.Reason}, true
	}
	return Reply{}, false
}
