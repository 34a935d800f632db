// Package stt implements a client for realtime transcription sessions over
// websocket.
package stt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/events"
	"github.com/lexiqai/voice-dictation/internal/observability"
	"github.com/lexiqai/voice-dictation/internal/resilience"
)

// Config holds transcription session settings
type Config struct {
	URL           string
	Language      string
	Prompt        string
	TurnDetection *TurnDetection // nil disables server VAD

	SampleRate       int           // input rate in Hz; the protocol requires 24000
	ChunkBytes       int           // maximum audio bytes per append message
	MinCommit        time.Duration // minimum buffered audio worth committing
	RateLimitBackoff time.Duration // audio suppression after a rate-limit failure

	WriteTimeout time.Duration
	CloseTimeout time.Duration // bound on Disconnect
	AppendQueue  int           // audio frames queued for the session goroutine

	BreakerMaxFailures int
	BreakerReset       time.Duration
}

// DefaultConfig returns settings for the OpenAI realtime transcription API.
func DefaultConfig() Config {
	return Config{
		URL:      "wss://api.openai.com/v1/realtime",
		Language: "sv",
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.9,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 10000,
		},
		SampleRate:         24000,
		ChunkBytes:         1920,
		MinCommit:          100 * time.Millisecond,
		RateLimitBackoff:   4 * time.Second,
		WriteTimeout:       5 * time.Second,
		CloseTimeout:       2 * time.Second,
		AppendQueue:        64,
		BreakerMaxFailures: 5,
		BreakerReset:       30 * time.Second,
	}
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client manages one transcription session at a time and publishes its
// transcripts, status and errors. Public methods are safe for concurrent use.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  zerolog.Logger
	breaker *resilience.CircuitBreaker

	partials *events.Broadcaster[Transcript]
	finals   *events.Latest[Transcript]
	status   *events.Latest[State]
	errs     *events.Broadcaster[error]

	state atomic.Int32

	mu   sync.Mutex
	sess *session
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = def.ChunkBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.AppendQueue <= 0 {
		cfg.AppendQueue = def.AppendQueue
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = def.BreakerReset
	}

	c := &Client{
		cfg:      cfg,
		dialer:   &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		logger:   observability.WithComponent("stt"),
		partials: events.NewBroadcaster[Transcript](64),
		finals:   events.NewLatest[Transcript](),
		status:   events.NewLatest[State](),
		errs:     events.NewBroadcaster[error](16),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = resilience.NewCircuitBreaker("realtime_audio", cfg.BreakerMaxFailures, cfg.BreakerReset)
	c.breaker.OnStateChange(func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
	})
	c.status.Publish(StateDisconnected)
	return c
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Partials subscribes to incremental transcripts.
func (c *Client) Partials() (<-chan Transcript, func()) {
	return c.partials.Subscribe()
}

// Finals subscribes to completed transcripts. The most recent final is
// delivered immediately on subscription.
func (c *Client) Finals() (<-chan Transcript, func()) {
	return c.finals.Subscribe()
}

// NextFinal subscribes to completed transcripts published from now on.
func (c *Client) NextFinal() (<-chan Transcript, func()) {
	return c.finals.SubscribeNext()
}

// LastFinal returns the most recent completed transcript.
func (c *Client) LastFinal() (Transcript, bool) {
	return c.finals.Get()
}

// Status subscribes to state changes, starting with the current state.
func (c *Client) Status() (<-chan State, func()) {
	return c.status.Subscribe()
}

// Errors subscribes to session errors.
func (c *Client) Errors() (<-chan error, func()) {
	return c.errs.Subscribe()
}

// Connect dials the realtime endpoint and starts a session for model. It
// returns once the transport is open; session configuration continues in the
// background. A failed dial moves the client to StateErrored and is reported
// once on the error stream.
func (c *Client) Connect(ctx context.Context, apiKey, model string) error {
	sctx, cancel := context.WithCancel(context.Background())
	id := observability.NewCorrelationID()
	s := &session{
		client:  c,
		id:      id,
		model:   model,
		ctx:     sctx,
		cancel:  cancel,
		inbox:   make(chan command, c.cfg.AppendQueue),
		inbound: make(chan readResult, 64),
		done:    make(chan struct{}),
		logger:  observability.WithCorrelationID(c.logger, id),
		metrics: observability.NewSessionMetrics(id),
	}

	c.mu.Lock()
	if c.sess != nil && !c.State().Terminal() {
		c.mu.Unlock()
		cancel()
		return ErrAlreadyConnected
	}
	c.sess = s
	c.mu.Unlock()

	c.setState(s, StateConnecting)
	s.logger.Info().Str("model", model).Msg("Connecting to realtime transcription")

	dialCtx, dialCancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sctx, dialCancel)
	conn, err := c.dial(dialCtx, apiKey, model)
	stop()
	dialCancel()

	if err != nil {
		close(s.done)
		if sctx.Err() != nil {
			c.setState(s, StateClosed)
			return fmt.Errorf("connect cancelled by disconnect: %w", context.Canceled)
		}
		cancel()
		s.metrics.RecordError("dial", "stt")
		s.logger.Error().Err(err).Msg("Failed to connect")
		c.setState(s, StateErrored)
		c.errs.Publish(err)
		return err
	}
	if sctx.Err() != nil {
		conn.Close()
		close(s.done)
		c.setState(s, StateClosed)
		return fmt.Errorf("connect cancelled by disconnect: %w", context.Canceled)
	}

	s.conn = conn
	s.metrics.RecordSessionStart()
	c.setState(s, StateAwaitingSessionConfig)
	c.breaker.Reset()

	go s.readLoop()
	go s.run()
	return nil
}

func (c *Client) dial(ctx context.Context, apiKey, model string) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime URL: %w", err)
	}
	q := u.Query()
	q.Set("intent", "transcription")
	q.Set("input_audio_transcription.model", model)
	q.Set("input_audio_format", "pcm16")
	q.Set("input_audio_rate", strconv.Itoa(c.cfg.SampleRate))
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		dialErr := &DialError{Err: err}
		if resp != nil {
			dialErr.StatusCode = resp.StatusCode
			resp.Body.Close()
		}
		if dialErr.Temporary() && ctx.Err() == nil {
			return nil, resilience.NewRetryableError(dialErr)
		}
		return nil, dialErr
	}
	return conn, nil
}

// StartRecording begins sending audio. Before the server has confirmed the
// session configuration the request is remembered and honored once, when the
// session becomes ready.
func (c *Client) StartRecording() error {
	return c.control(cmdStart)
}

// StopRecording stops sending audio and commits the buffered segment when it
// holds enough audio to transcribe.
func (c *Client) StopRecording() error {
	return c.control(cmdStop)
}

func (c *Client) control(kind commandKind) error {
	s := c.current()
	if s == nil {
		return ErrNotConnected
	}
	reply := make(chan struct{})
	select {
	case s.inbox <- command{kind: kind, reply: reply}:
	case <-s.done:
		return ErrNotConnected
	}
	select {
	case <-reply:
		return nil
	case <-s.done:
		return ErrNotConnected
	}
}

// AppendAudio queues one PCM16 frame for sending. Frames are dropped when the
// session is not recording or the queue is full.
func (c *Client) AppendAudio(frame []byte) {
	s := c.current()
	if s == nil || c.State() != StateRecording {
		observability.RecordFrameDropped("not_recording")
		return
	}
	select {
	case s.inbox <- command{kind: cmdAppend, audio: frame}:
	default:
		observability.RecordFrameDropped("send_queue_full")
	}
}

// Disconnect closes the session and releases it, leaving the client Closed
// even when the session had already errored. It is safe to call in any state
// and more than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}

	s.cancel()
	select {
	case <-s.done:
	case <-time.After(c.cfg.CloseTimeout):
		s.logger.Warn().Msg("Session did not shut down in time")
	}

	c.setState(s, StateClosed)
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
}

// SendGateOpen reports whether the session currently forwards audio. The gate
// closes on StopRecording and reopens when the transcription result arrives.
func (c *Client) SendGateOpen() bool {
	s := c.current()
	return s != nil && s.gate.Load()
}

// Close disconnects and ends all subscriber streams.
func (c *Client) Close() {
	c.Disconnect()
	c.partials.Close()
	c.finals.Close()
	c.status.Close()
	c.errs.Close()
}

func (c *Client) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// setState records a transition made by s, ignoring stale sessions.
func (c *Client) setState(s *session, st State) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	defer c.mu.Unlock()

	prev := State(c.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.metrics.SetSessionState(int(st))
	s.logger.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("Session state changed")
	c.status.Publish(st)
}
