package stt

import (
	"encoding/json"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		in   string
		want eventKind
	}{
		{"transcription_session.created", kindCreated},
		{"session.created", kindCreated},
		{"session.updated", kindUpdated},
		{"input_audio_buffer.committed", kindCommitted},
		{"conversation.item.input_audio_transcription.delta", kindPartial},
		{"input_audio_transcription.delta", kindPartial},
		{"conversation.item.input_audio_transcription.completed", kindCompleted},
		{"input_audio_transcription.failed", kindFailed},
		{"conversation.updated", kindConversationUpdated},
		{"error", kindError},
		{"input_audio_buffer.speech_started", kindOther},
	}

	for _, tt := range tests {
		if got := classify(tt.in); got != tt.want {
			t.Errorf("classify(%q): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestUpdateTypeFor(t *testing.T) {
	if got := updateTypeFor("transcription_session.created"); got != typeTUpdate {
		t.Errorf("Expected %s, got %s", typeTUpdate, got)
	}
	if got := updateTypeFor("session.created"); got != typeUpdate {
		t.Errorf("Expected %s, got %s", typeUpdate, got)
	}
}

func TestPartialText(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"delta string", `{"delta":"abc"}`, "abc"},
		{"delta transcript", `{"delta":{"transcript":"abc"}}`, "abc"},
		{"delta text", `{"delta":{"text":"abc"}}`, "abc"},
		{"text field", `{"text":"abc"}`, "abc"},
		{"transcript field", `{"transcript":"abc"}`, "abc"},
		{"empty", `{}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev serverEvent
			if err := json.Unmarshal([]byte(tt.raw), &ev); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if got := ev.partialText(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestServerError_Classification(t *testing.T) {
	tests := []struct {
		name        string
		err         ServerError
		rateLimited bool
		fatal       bool
	}{
		{"rate limit code", ServerError{Code: "rate_limit_exceeded"}, true, false},
		{"429 message", ServerError{Message: "HTTP 429 Too Many Requests"}, true, false},
		{"rate limit type", ServerError{Type: "rate_limit_error"}, true, false},
		{"expired", ServerError{Code: "session_expired"}, false, true},
		{"auth", ServerError{Type: "authentication_error"}, false, true},
		{"bad param", ServerError{Type: "invalid_request_error", Code: "invalid_value"}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.RateLimited(); got != tt.rateLimited {
				t.Errorf("Expected RateLimited %v, got %v", tt.rateLimited, got)
			}
			if got := tt.err.Fatal(); got != tt.fatal {
				t.Errorf("Expected Fatal %v, got %v", tt.fatal, got)
			}
		})
	}
}

func TestDialError_Temporary(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{0, true},
		{401, false},
		{403, false},
		{429, true},
		{503, true},
	}

	for _, tt := range tests {
		e := &DialError{StatusCode: tt.status}
		if got := e.Temporary(); got != tt.want {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, got)
		}
	}
}
