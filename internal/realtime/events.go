package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType enumerates the upstream event kinds the relay understands.
type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventSessionUpdated  EventType = "session.updated"
	EventAudioDelta      EventType = "response.audio.delta"
	EventTextDelta       EventType = "response.text.delta"
	EventTranscriptDelta EventType = "response.audio_transcript.delta"
	EventResponseDone    EventType = "response.done"
	EventSpeechStarted   EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped   EventType = "input_audio_buffer.speech_stopped"
	EventError           EventType = "error"
)

// ErrUnknownEvent marks upstream event kinds outside the closed variant set.
// Callers log and drop these instead of crashing on them.
var ErrUnknownEvent = errors.New("unknown upstream event")

// ServerEvent is one decoded upstream event. Delta carries the incremental
// fragment for delta kinds; ErrorMessage is set for error events.
type ServerEvent struct {
	Type         EventType
	EventID      string
	Delta        string
	ErrorMessage string
}

type serverEnvelope struct {
	Type    EventType `json:"type"`
	EventID string    `json:"event_id"`
	Delta   string    `json:"delta"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ParseServerEvent decodes one upstream frame into a ServerEvent.
func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var env serverEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ServerEvent{}, fmt.Errorf("invalid upstream frame: %w", err)
	}

	evt := ServerEvent{Type: env.Type, EventID: env.EventID}
	switch env.Type {
	case EventSessionCreated, EventSessionUpdated, EventResponseDone,
		EventSpeechStarted, EventSpeechStopped:
		return evt, nil
	case EventAudioDelta, EventTextDelta, EventTranscriptDelta:
		evt.Delta = env.Delta
		return evt, nil
	case EventError:
		evt.ErrorMessage = env.Error.Message
		return evt, nil
	default:
		return ServerEvent{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}

// Client event kinds understood by the upstream service.
const (
	ClientEventSessionUpdate  = "session.update"
	ClientEventItemCreate     = "conversation.item.create"
	ClientEventResponseCreate = "response.create"
)

// ClientEvent is one outbound upstream event. The upstream protocol
// correlates some event families by event_id, so Send assigns a unique
// identifier when none is set.
type ClientEvent struct {
	EventID  string            `json:"event_id"`
	Type     string            `json:"type"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseConfig   `json:"response,omitempty"`
}

// SessionConfig is the immutable behavior snapshot sent once at session
// start, before any user content.
type SessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

type TranscriptionConfig struct {
	Model string `json:"model"`
}

type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms"`
	SilenceDurationMS int     `json:"silence_duration_ms"`
}

type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

type ContentPart struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"`
}

type ResponseConfig struct {
	Modalities []string `json:"modalities,omitempty"`
}

// SessionUpdate wraps a configuration snapshot as the initial upstream event.
func SessionUpdate(cfg SessionConfig) ClientEvent {
	c := cfg
	return ClientEvent{Type: ClientEventSessionUpdate, Session: &c}
}

// UserTextItem builds a conversation item carrying one complete text turn.
func UserTextItem(text string) ClientEvent {
	return ClientEvent{
		Type: ClientEventItemCreate,
		Item: &ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// UserAudioItem builds a conversation item carrying one opaque base64 PCM16
// chunk. Each chunk is an independent item; chunking is the caller's concern.
func UserAudioItem(audioBase64 string) ClientEvent {
	return ClientEvent{
		Type: ClientEventItemCreate,
		Item: &ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_audio", Audio: audioBase64}},
		},
	}
}

// ResponseCreate asks the upstream to generate a response for the
// conversation as it stands.
func ResponseCreate() ClientEvent {
	return ClientEvent{Type: ClientEventResponseCreate}
}
