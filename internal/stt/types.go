package stt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned for commands issued without a live session.
	ErrNotConnected = errors.New("transcription session not connected")
	// ErrAlreadyConnected is returned by Connect while a session is active.
	ErrAlreadyConnected = errors.New("transcription session already connected")
	// ErrTranscriptionFailed wraps failed-transcription events.
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrServer wraps generic server error events.
	ErrServer = errors.New("server error")
	// ErrConnectionLost is reported when the transport drops unexpectedly.
	ErrConnectionLost = errors.New("connection lost")
)

// State is the lifecycle state of a transcription session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSessionConfig
	StateSessionReady
	StateRecording
	StateCommitPending
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingSessionConfig:
		return "awaiting_session_config"
	case StateSessionReady:
		return "session_ready"
	case StateRecording:
		return "recording"
	case StateCommitPending:
		return "commit_pending"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "disconnected"
	}
}

// Terminal reports whether no further transitions happen without a new Connect.
func (s State) Terminal() bool {
	return s == StateDisconnected || s == StateClosed || s == StateErrored
}

// Ready reports whether the session has been configured by the server.
func (s State) Ready() bool {
	return s == StateSessionReady || s == StateRecording || s == StateCommitPending
}

// TranscriptKind distinguishes incremental from completed text.
type TranscriptKind int

const (
	Partial TranscriptKind = iota
	Final
)

func (k TranscriptKind) String() string {
	if k == Final {
		return "final"
	}
	return "partial"
}

// Transcript is a piece of recognized text.
type Transcript struct {
	Kind   TranscriptKind
	Text   string
	ItemID string
}

// ServerError is an error reported by the transcription service.
type ServerError struct {
	Event   string // inbound message type that carried the error
	Type    string
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = e.Type
	}
	if classify(e.Event) == kindFailed {
		return fmt.Sprintf("transcription failed: %s", msg)
	}
	return fmt.Sprintf("server error: %s", msg)
}

func (e *ServerError) Unwrap() error {
	if classify(e.Event) == kindFailed {
		return ErrTranscriptionFailed
	}
	return ErrServer
}

// RateLimited reports whether the server is shedding load.
func (e *ServerError) RateLimited() bool {
	return e.Code == "rate_limit_exceeded" ||
		strings.Contains(e.Type, "rate_limit") ||
		strings.Contains(e.Message, "429") ||
		strings.Contains(strings.ToLower(e.Message), "rate limit")
}

// Fatal reports whether the session cannot continue after this error.
func (e *ServerError) Fatal() bool {
	switch e.Code {
	case "session_expired", "invalid_api_key", "insufficient_quota":
		return true
	}
	return e.Type == "server_error" || e.Type == "authentication_error"
}

func newServerError(ev *serverEvent) *ServerError {
	se := &ServerError{Event: ev.Type}
	if ev.Error != nil {
		se.Type = ev.Error.Type
		se.Code = ev.Error.Code
		se.Message = ev.Error.Message
	}
	return se
}

// DialError describes a failed websocket handshake.
type DialError struct {
	StatusCode int // 0 when no HTTP response was received
	Err        error
}

func (e *DialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dial realtime endpoint: HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dial realtime endpoint: %v", e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the handshake may succeed.
func (e *DialError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}
