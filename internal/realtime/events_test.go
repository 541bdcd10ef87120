package realtime

import (
	"errors"
	"testing"
)

func TestParseServerEventDeltas(t *testing.T) {
	cases := []struct {
		raw      string
		wantType EventType
		wantText string
	}{
		{`{"type":"response.audio.delta","delta":"UklGRg=="}`, EventAudioDelta, "UklGRg=="},
		{`{"type":"response.text.delta","delta":"hel"}`, EventTextDelta, "hel"},
		{`{"type":"response.audio_transcript.delta","delta":"lo"}`, EventTranscriptDelta, "lo"},
	}
	for _, tc := range cases {
		evt, err := ParseServerEvent([]byte(tc.raw))
		if err != nil {
			t.Fatalf("ParseServerEvent(%q) error = %v", tc.raw, err)
		}
		if evt.Type != tc.wantType {
			t.Fatalf("Type = %q, want %q", evt.Type, tc.wantType)
		}
		if evt.Delta != tc.wantText {
			t.Fatalf("Delta = %q, want %q", evt.Delta, tc.wantText)
		}
	}
}

func TestParseServerEventTerminalKinds(t *testing.T) {
	for _, typ := range []EventType{
		EventSessionCreated,
		EventSessionUpdated,
		EventResponseDone,
		EventSpeechStarted,
		EventSpeechStopped,
	} {
		evt, err := ParseServerEvent([]byte(`{"type":"` + string(typ) + `"}`))
		if err != nil {
			t.Fatalf("ParseServerEvent(%q) error = %v", typ, err)
		}
		if evt.Type != typ {
			t.Fatalf("Type = %q, want %q", evt.Type, typ)
		}
	}
}

func TestParseServerEventError(t *testing.T) {
	evt, err := ParseServerEvent([]byte(`{"type":"error","error":{"message":"overloaded"}}`))
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if evt.ErrorMessage != "overloaded" {
		t.Fatalf("ErrorMessage = %q, want %q", evt.ErrorMessage, "overloaded")
	}
}

func TestParseServerEventUnknownKind(t *testing.T) {
	_, err := ParseServerEvent([]byte(`{"type":"rate_limits.updated"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("error = %v, want ErrUnknownEvent", err)
	}
}

func TestUserTextItemShape(t *testing.T) {
	evt := UserTextItem("hello")
	if evt.Type != ClientEventItemCreate {
		t.Fatalf("Type = %q", evt.Type)
	}
	if evt.Item == nil || evt.Item.Role != "user" {
		t.Fatalf("Item role should be user: %+v", evt.Item)
	}
	if len(evt.Item.Content) != 1 || evt.Item.Content[0].Text != "hello" {
		t.Fatalf("unexpected content: %+v", evt.Item.Content)
	}
}

func TestUserAudioItemShape(t *testing.T) {
	evt := UserAudioItem("cGNtMTY=")
	if evt.Item == nil || len(evt.Item.Content) != 1 {
		t.Fatalf("unexpected item: %+v", evt.Item)
	}
	part := evt.Item.Content[0]
	if part.Type != "input_audio" || part.Audio != "cGNtMTY=" {
		t.Fatalf("unexpected content part: %+v", part)
	}
}
