package stt

import (
	"encoding/json"
	"strings"
)

// Outbound message types.
const (
	typeAppend  = "input_audio_buffer.append"
	typeCommit  = "input_audio_buffer.commit"
	typeUpdate  = "session.update"
	typeTUpdate = "transcription_session.update"
)

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

type sessionConfig struct {
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type audioCommit struct {
	Type string `json:"type"`
}

// serverError is the error object carried by failed and error events.
type serverError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

// serverEvent is the union of the inbound fields the client reads.
type serverEvent struct {
	Type       string          `json:"type"`
	EventID    string          `json:"event_id,omitempty"`
	ItemID     string          `json:"item_id,omitempty"`
	Delta      json.RawMessage `json:"delta,omitempty"`
	Text       string          `json:"text,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	Error      *serverError    `json:"error,omitempty"`
}

type eventKind int

const (
	kindOther eventKind = iota
	kindCreated
	kindUpdated
	kindCommitted
	kindPartial
	kindCompleted
	kindFailed
	kindConversationUpdated
	kindError
)

// classify maps an inbound type to the handler that owns it. Both the
// conversation.item.* and the bare input_audio_transcription.* spellings are
// accepted.
func classify(t string) eventKind {
	switch t {
	case "transcription_session.created", "session.created":
		return kindCreated
	case "transcription_session.updated", "session.updated":
		return kindUpdated
	case "input_audio_buffer.committed":
		return kindCommitted
	case "conversation.updated":
		return kindConversationUpdated
	case "error":
		return kindError
	}

	switch {
	case strings.HasSuffix(t, "input_audio_transcription.delta"):
		return kindPartial
	case strings.HasSuffix(t, "input_audio_transcription.completed"):
		return kindCompleted
	case strings.HasSuffix(t, "input_audio_transcription.failed"):
		return kindFailed
	}
	return kindOther
}

// updateTypeFor returns the configuration message matching the server's
// session flavour.
func updateTypeFor(createdType string) string {
	if strings.HasPrefix(createdType, "transcription_session.") {
		return typeTUpdate
	}
	return typeUpdate
}

// partialText extracts incremental text from the shapes servers use: a delta
// string, a delta object with a transcript, or a text/transcript field.
func (e *serverEvent) partialText() string {
	if len(e.Delta) > 0 {
		var s string
		if err := json.Unmarshal(e.Delta, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			Transcript string `json:"transcript"`
			Text       string `json:"text"`
		}
		if err := json.Unmarshal(e.Delta, &obj); err == nil {
			if obj.Transcript != "" {
				return obj.Transcript
			}
			if obj.Text != "" {
				return obj.Text
			}
		}
	}
	if e.Text != "" {
		return e.Text
	}
	return e.Transcript
}

// finalText extracts the completed transcript.
func (e *serverEvent) finalText() string {
	if e.Transcript != "" {
		return e.Transcript
	}
	return e.Text
}
