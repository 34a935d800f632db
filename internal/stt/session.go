package stt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/observability"
	"github.com/lexiqai/voice-dictation/internal/resilience"
)

type commandKind int

const (
	cmdAppend commandKind = iota
	cmdStart
	cmdStop
)

type command struct {
	kind  commandKind
	audio []byte
	reply chan struct{}
}

type readResult struct {
	data []byte
	err  error
}

// session is one connection. Every field below the channels is owned by the
// run goroutine.
type session struct {
	client  *Client
	id      string
	model   string
	ctx     context.Context
	cancel  context.CancelFunc
	conn    *websocket.Conn
	logger  zerolog.Logger
	metrics *observability.Metrics

	inbox   chan command
	inbound chan readResult
	done    chan struct{}

	state        State
	configSent   bool
	ready        bool
	recording    bool
	pendingStart bool
	gateOpen     bool
	gate         atomic.Bool // mirrors gateOpen for Client.SendGateOpen

	rateLimitedUntil time.Time
	lastRateLog      time.Time

	bufferedSamples int
	hasUncommitted  bool
	lastBufferedLog int

	txBytes  int
	txWindow time.Time
}

// readLoop forwards inbound messages in arrival order. A read error is
// delivered through the same channel so it is handled after every earlier
// message.
func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case s.inbound <- readResult{data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// run is the session actor.
func (s *session) run() {
	defer close(s.done)
	defer s.cancel()
	s.state = StateAwaitingSessionConfig

	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case r := <-s.inbound:
			if r.err != nil {
				s.handleReadError(r.err)
				return
			}
			if !s.handleMessage(r.data) {
				return
			}

		case cmd := <-s.inbox:
			s.handleCommand(cmd)
		}
	}
}

func (s *session) setGate(open bool) {
	s.gateOpen = open
	s.gate.Store(open)
}

func (s *session) setState(st State) {
	s.state = st
	s.client.setState(s, st)
}

func (s *session) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdAppend:
		s.appendAudio(cmd.audio)
	case cmdStart:
		s.startRecording()
	case cmdStop:
		s.stopRecording()
	}
	if cmd.reply != nil {
		close(cmd.reply)
	}
}

func (s *session) startRecording() {
	if !s.ready {
		s.pendingStart = true
		s.logger.Info().Msg("Session not ready, recording will start once configured")
		return
	}
	s.beginRecording()
}

func (s *session) beginRecording() {
	s.recording = true
	s.setGate(true)
	s.bufferedSamples = 0
	s.hasUncommitted = false
	s.lastBufferedLog = 0
	s.txBytes = 0
	s.txWindow = time.Now()
	s.setState(StateRecording)
	s.logger.Info().Msg("Recording started")
}

func (s *session) stopRecording() {
	s.pendingStart = false
	wasRecording := s.recording
	s.recording = false
	s.setGate(false)
	if !wasRecording {
		return
	}

	bufferedMs := s.bufferedMs()
	if !s.hasUncommitted || time.Duration(bufferedMs)*time.Millisecond < s.client.cfg.MinCommit {
		s.metrics.RecordCommit(false)
		s.logger.Info().Int64("buffered_ms", bufferedMs).Msg("Too little audio buffered, skipping commit")
		s.setState(StateSessionReady)
		return
	}

	if err := s.writeJSON(typeCommit, audioCommit{Type: typeCommit}); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send commit")
		s.metrics.RecordError("write", "stt")
		s.client.errs.Publish(err)
		s.setState(StateSessionReady)
		return
	}
	s.hasUncommitted = false
	s.metrics.RecordCommit(true)
	s.logger.Info().Int64("buffered_ms", bufferedMs).Msg("Committed audio buffer")
	s.setState(StateCommitPending)
}

func (s *session) bufferedMs() int64 {
	return int64(s.bufferedSamples) * 1000 / int64(s.client.cfg.SampleRate)
}

func (s *session) appendAudio(frame []byte) {
	if !s.ready || !s.recording {
		s.metrics.RecordAppendSkipped("not_recording")
		return
	}

	now := time.Now()
	if !s.rateLimitedUntil.IsZero() {
		if now.Before(s.rateLimitedUntil) {
			s.metrics.RecordAppendSkipped("rate_limited")
			if now.Sub(s.lastRateLog) >= time.Second {
				s.lastRateLog = now
				s.logger.Debug().Dur("remaining", s.rateLimitedUntil.Sub(now)).Msg("Rate limited, skipping audio")
			}
			return
		}
		s.rateLimitedUntil = time.Time{}
		s.logger.Info().Msg("Rate-limit window elapsed, resuming audio")
	}

	if len(frame) == 0 {
		return
	}
	if !s.gateOpen {
		s.metrics.RecordAppendSkipped("gate_closed")
		return
	}

	s.bufferedSamples += len(frame) / 2
	s.hasUncommitted = true

	chunk := s.client.cfg.ChunkBytes
	for off := 0; off < len(frame); off += chunk {
		end := off + chunk
		if end > len(frame) {
			end = len(frame)
		}
		msg := audioAppend{Type: typeAppend, Audio: base64.StdEncoding.EncodeToString(frame[off:end])}

		err := s.client.breaker.Call(func() error {
			return s.writeJSON(typeAppend, msg)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			s.metrics.RecordAppendSkipped("circuit_open")
			return
		}
		if err != nil {
			observability.IncrementCircuitBreakerFailures(s.client.breaker.Name())
			s.metrics.RecordError("write", "stt")
			s.logger.Warn().Err(err).Msg("Failed to send audio")
			return
		}
		s.txBytes += end - off
		s.metrics.RecordAudioBytes("sent", int64(end-off))
	}

	s.logThroughput(now)
}

// logThroughput logs sent bytes once per second and buffered audio every
// half second of audio.
func (s *session) logThroughput(now time.Time) {
	if elapsed := now.Sub(s.txWindow); elapsed >= time.Second {
		bytesPerMs := float64(s.client.cfg.SampleRate*2) / 1000
		s.logger.Debug().
			Int("bytes", s.txBytes).
			Float64("audio_ms", float64(s.txBytes)/bytesPerMs).
			Dur("window", elapsed).
			Msg("TX throughput")
		s.txBytes = 0
		s.txWindow = now
	}

	if ms := int(s.bufferedMs()); ms-s.lastBufferedLog >= 500 {
		s.lastBufferedLog = ms
		s.logger.Debug().Int("buffered_ms", ms).Msg("Audio buffered")
	}
}

// handleMessage processes one inbound message and reports whether the
// session continues.
func (s *session) handleMessage(data []byte) bool {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring malformed message")
		return true
	}
	s.metrics.RecordMessageReceived(ev.Type)

	switch classify(ev.Type) {
	case kindCreated:
		if s.configSent {
			return true
		}
		if err := s.sendConfig(updateTypeFor(ev.Type)); err != nil {
			s.fail(err)
			return false
		}

	case kindUpdated:
		wasReady := s.ready
		s.ready = true
		if !wasReady {
			s.logger.Info().Msg("Session configured")
			s.setState(StateSessionReady)
		}
		if s.pendingStart {
			s.pendingStart = false
			s.beginRecording()
		}

	case kindCommitted:
		if s.state == StateCommitPending {
			s.setState(StateSessionReady)
		}

	case kindPartial:
		s.publishPartial(&ev)

	case kindConversationUpdated:
		if len(ev.Delta) > 0 {
			s.publishPartial(&ev)
		}

	case kindCompleted:
		s.setGate(true)
		s.metrics.RecordTranscriptionEnd(true)
		text := ev.finalText()
		s.logger.Info().Str("item_id", ev.ItemID).Int("chars", len(text)).Msg("Transcription completed")
		// An empty completion must not replace the last real transcript.
		if text != "" {
			s.metrics.RecordTranscript(Final.String())
			s.client.finals.Publish(Transcript{Kind: Final, Text: text, ItemID: ev.ItemID})
		}

	case kindFailed:
		s.setGate(true)
		s.metrics.RecordTranscriptionEnd(false)
		se := newServerError(&ev)
		if se.RateLimited() {
			s.pauseForRateLimit()
		} else {
			s.logger.Warn().Str("code", se.Code).Str("message", se.Message).Msg("Transcription failed")
		}
		s.client.errs.Publish(se)

	case kindError:
		se := newServerError(&ev)
		s.metrics.RecordError(orDefault(se.Code, "server_error"), "stt")
		if se.Fatal() {
			s.fail(se)
			return false
		}
		if se.RateLimited() {
			s.pauseForRateLimit()
			return true
		}
		s.logger.Warn().Str("code", se.Code).Str("message", se.Message).Msg("Server reported error")
		s.client.errs.Publish(se)

	default:
		s.logger.Debug().Str("type", ev.Type).Msg("Ignoring message")
	}
	return true
}

// pauseForRateLimit suppresses outbound audio for the configured backoff.
func (s *session) pauseForRateLimit() {
	now := time.Now()
	s.rateLimitedUntil = now.Add(s.client.cfg.RateLimitBackoff)
	s.metrics.RecordRateLimit()
	if now.Sub(s.lastRateLog) >= time.Second {
		s.lastRateLog = now
		s.logger.Warn().Dur("backoff", s.client.cfg.RateLimitBackoff).Msg("Rate limited by server, pausing audio")
	}
}

func (s *session) publishPartial(ev *serverEvent) {
	text := ev.partialText()
	if text == "" {
		return
	}
	s.metrics.RecordTranscript(Partial.String())
	s.client.partials.Publish(Transcript{Kind: Partial, Text: text, ItemID: ev.ItemID})
}

func (s *session) sendConfig(msgType string) error {
	cfg := s.client.cfg
	update := sessionUpdate{
		Type: msgType,
		Session: sessionConfig{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionConfig{
				Model:    s.model,
				Language: cfg.Language,
				Prompt:   cfg.Prompt,
			},
			TurnDetection: cfg.TurnDetection,
		},
	}
	if err := s.writeJSON(msgType, update); err != nil {
		return err
	}
	s.configSent = true
	s.logger.Info().Str("type", msgType).Msg("Sent session configuration")
	return nil
}

func (s *session) writeJSON(msgType string, v any) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.client.cfg.WriteTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(msgType)
	return nil
}

func (s *session) handleReadError(err error) {
	s.conn.Close()
	s.metrics.RecordSessionEnd()

	if s.ctx.Err() != nil {
		s.setState(StateClosed)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info().Msg("Server closed the session")
		s.setState(StateClosed)
		return
	}

	s.logger.Error().Err(err).Msg("Connection lost")
	s.metrics.RecordError("read", "stt")
	s.setState(StateErrored)
	s.client.errs.Publish(errors.Join(ErrConnectionLost, err))
}

// fail ends the session after an unrecoverable error.
func (s *session) fail(err error) {
	s.logger.Error().Err(err).Msg("Session failed")
	s.closeTransport()
	s.metrics.RecordSessionEnd()
	s.setState(StateErrored)
	s.client.errs.Publish(err)
}

func (s *session) shutdown() {
	s.closeTransport()
	s.metrics.RecordSessionEnd()
	s.setState(StateClosed)
	s.logger.Info().Msg("Session closed")
}

func (s *session) closeTransport() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.conn.Close()
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
