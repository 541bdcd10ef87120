package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants exchanged with the browser.
type MessageType string

const (
	TypeText               MessageType = "text"
	TypeAudio              MessageType = "audio"
	TypeSessionReady       MessageType = "session_ready"
	TypeAudioDelta         MessageType = "audio_delta"
	TypeTextDelta          MessageType = "text_delta"
	TypeTranscriptionDelta MessageType = "transcription_delta"
	TypeResponseDone       MessageType = "response_done"
	TypeSpeechStarted      MessageType = "speech_started"
	TypeSpeechStopped      MessageType = "speech_stopped"
	TypeError              MessageType = "error"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// TextMessage carries one complete user utterance as text.
type TextMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AudioMessage carries one base64-encoded PCM16 chunk. Each chunk is an
// independent submission; the relay never reassembles chunks.
type AudioMessage struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type SessionReady struct {
	Type MessageType `json:"type"`
}

type AudioDelta struct {
	Type  MessageType `json:"type"`
	Audio string      `json:"audio"`
}

type TextDelta struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TranscriptionDelta struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ResponseDone struct {
	Type MessageType `json:"type"`
}

type SpeechStarted struct {
	Type MessageType `json:"type"`
}

type SpeechStopped struct {
	Type MessageType `json:"type"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// ParseClientMessage decodes one inbound frame into its typed variant.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeText:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid text message: empty text")
		}
		return msg, nil
	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Audio == "" {
			return nil, errors.New("invalid audio message: empty audio")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// MessageTypeOf reports the protocol type of a known message variant.
func MessageTypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case TextMessage:
		return m.Type, true
	case AudioMessage:
		return m.Type, true
	case SessionReady:
		return m.Type, true
	case AudioDelta:
		return m.Type, true
	case TextDelta:
		return m.Type, true
	case TranscriptionDelta:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case SpeechStarted:
		return m.Type, true
	case SpeechStopped:
		return m.Type, true
	case ErrorMessage:
		return m.Type, true
	default:
		return "", false
	}
}
