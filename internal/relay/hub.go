// Package relay streams dictation events to websocket clients such as an
// on-screen transcript bubble, and accepts start/stop control messages from
// them.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-dictation/internal/audio"
	"github.com/lexiqai/voice-dictation/internal/events"
	"github.com/lexiqai/voice-dictation/internal/observability"
	"github.com/lexiqai/voice-dictation/internal/stt"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Event types sent to clients.
const (
	EventPartial = "partial"
	EventFinal   = "final"
	EventLevel   = "level"
	EventStatus  = "status"
	EventError   = "error"
)

// Event is one message on the relay stream
type Event struct {
	Event     string       `json:"event"`
	Text      string       `json:"text,omitempty"`
	ItemID    string       `json:"item_id,omitempty"`
	Level     *audio.Level `json:"level,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ControlMessage is sent by clients to drive recording
type ControlMessage struct {
	Event string `json:"event"`
}

// Controller starts and stops dictation on behalf of relay clients.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
}

// Sources are the streams Forward relays. Nil channels are skipped.
type Sources struct {
	Partials <-chan stt.Transcript
	Finals   <-chan stt.Transcript
	Levels   <-chan audio.Level
	Status   <-chan stt.State
	Errors   <-chan error
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	ctrl     Controller
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	events   *events.Broadcaster[Event]

	wg sync.WaitGroup
}

// NewHub creates a hub. ctrl may be nil, in which case control messages are
// ignored.
func NewHub(ctrl Controller, logger zerolog.Logger) *Hub {
	return &Hub{
		ctrl:   ctrl,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Clients are local UI processes.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		events: events.NewBroadcaster[Event](128),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	return h.events.Subscribers()
}

// Publish sends ev to every connected client.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if dropped := h.events.Publish(ev); dropped > 0 {
		h.logger.Debug().Str("event", ev.Event).Int("dropped", dropped).Msg("Slow relay clients skipped an event")
	}
}

// Forward relays src until ctx is done.
func (h *Hub) Forward(ctx context.Context, src Sources) error {
	partials, finals, levels, status, errs := src.Partials, src.Finals, src.Levels, src.Status, src.Errors

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			h.Publish(Event{Event: EventPartial, Text: tr.Text, ItemID: tr.ItemID})

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			h.Publish(Event{Event: EventFinal, Text: tr.Text, ItemID: tr.ItemID})

		case lvl, ok := <-levels:
			if !ok {
				levels = nil
				continue
			}
			h.Publish(Event{Event: EventLevel, Level: &lvl})

		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			h.Publish(Event{Event: EventStatus, Status: st.String()})

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			h.Publish(Event{Event: EventError, Message: err.Error()})
		}
	}
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade relay connection")
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	logger := h.logger.With().Str("client_id", clientID).Logger()

	evs, unsubscribe := h.events.Subscribe()
	observability.SetRelayClients(h.Clients())
	logger.Info().Str("remote", r.RemoteAddr).Msg("Relay client connected")

	h.wg.Add(1)
	writerDone := make(chan struct{})
	go func() {
		defer h.wg.Done()
		defer close(writerDone)
		h.writeLoop(conn, evs, logger)
	}()

	h.readLoop(r.Context(), conn, logger)

	unsubscribe()
	<-writerDone
	observability.SetRelayClients(h.Clients())
	logger.Info().Msg("Relay client disconnected")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, logger zerolog.Logger) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("Relay read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ControlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug().Err(err).Msg("Ignoring malformed control message")
			continue
		}
		h.handleControl(ctx, msg, logger)
	}
}

func (h *Hub) handleControl(ctx context.Context, msg ControlMessage, logger zerolog.Logger) {
	if h.ctrl == nil {
		return
	}

	var err error
	switch msg.Event {
	case "start":
		// Capture outlives the client that asked for it.
		err = h.ctrl.Start(context.WithoutCancel(ctx))
	case "stop":
		err = h.ctrl.Stop()
	default:
		logger.Debug().Str("event", msg.Event).Msg("Unknown control message")
		return
	}

	if err != nil {
		logger.Warn().Err(err).Str("event", msg.Event).Msg("Control request failed")
		h.Publish(Event{Event: EventError, Message: err.Error()})
		return
	}
	logger.Info().Str("event", msg.Event).Msg("Control request handled")
}

// writeLoop owns all writes to conn. It closes conn when the subscription
// ends or a write fails so the read loop unblocks.
func (h *Hub) writeLoop(conn *websocket.Conn, evs <-chan Event, logger zerolog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-evs:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("Relay write failed")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and waits for their writers to finish.
func (h *Hub) Close() {
	h.events.Close()
	h.wg.Wait()
	observability.SetRelayClients(0)
}
