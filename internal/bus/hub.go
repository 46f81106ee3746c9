// Package bus feeds the overlay process: reactions and hide/show
// requests go out over a websocket, pat and chat gestures come back
// in. The GUI itself lives in a separate process and only ever talks
// to the agent through this feed.
package bus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murasamepet/agent/internal/events"
	"github.com/murasamepet/agent/internal/metrics"
	"github.com/murasamepet/agent/pkg/types"
)

const (
	// sendQueueLen bounds the per-client outbound buffer. A client
	// that falls this far behind is cut loose rather than allowed to
	// stall broadcasts.
	sendQueueLen = 16

	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
)

// The overlay connects from its own local process, never a browser on
// another origin.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// Dependencies allow overrides for logging and telemetry.
type Dependencies struct {
	Logger  *slog.Logger
	Events  events.Recorder
	Metrics metrics.BusRecorder
}

// Hub tracks connected overlay clients and fans broadcasts out to
// them. Inbound pat/chat envelopes are dispatched to the registered
// handlers on the reading goroutine.
type Hub struct {
	logger  *slog.Logger
	events  events.Recorder
	metrics metrics.BusRecorder

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	onPat  func()
	onChat func(types.ChatPayload)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(deps Dependencies) *Hub {
	h := &Hub{
		logger:  deps.Logger,
		events:  deps.Events,
		metrics: deps.Metrics,
		clients: make(map[*client]struct{}),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.events == nil {
		h.events = events.NoopRecorder{}
	}
	if h.metrics == nil {
		h.metrics = metrics.NoopBusRecorder{}
	}
	return h
}

// OnPat registers the handler for head-pat gestures from the overlay.
func (h *Hub) OnPat(fn func()) {
	h.mu.Lock()
	h.onPat = fn
	h.mu.Unlock()
}

// OnChat registers the handler for chat input typed into the overlay.
func (h *Hub) OnChat(fn func(types.ChatPayload)) {
	h.mu.Lock()
	h.onChat = fn
	h.mu.Unlock()
}

// Handler upgrades an HTTP request into an overlay connection.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("overlay upgrade failed", "err", err)
			return
		}
		c := &client{conn: conn, send: make(chan []byte, sendQueueLen)}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[c] = struct{}{}
		count := len(h.clients)
		h.mu.Unlock()

		h.metrics.ObserveOverlayClients(count)
		h.logger.Info("overlay connected", "clients", count, "remote", conn.RemoteAddr())

		go h.writeLoop(c)
		go h.readLoop(c)
	})
}

// ClientCount reports how many overlay clients are connected. The
// runtime uses it to decide whether local playback should speak.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends one envelope to every connected client. A client
// whose queue is full is dropped; a frozen overlay must not hold the
// pipeline's publish path hostage.
func (h *Hub) Broadcast(msg types.BusMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal bus message", "kind", msg.Kind, "err", err)
		return
	}

	// Queueing happens under the lock so a send can never race the
	// close of a departing client's channel.
	h.mu.Lock()
	var dropped []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			dropped = append(dropped, c)
		}
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.logger.Warn("overlay client too slow, dropping", "remote", c.conn.RemoteAddr())
		h.metrics.IncOverlayDrops()
		h.events.Record(types.Event{
			Type:      types.EventOverlayDropped,
			Timestamp: time.Now(),
			Details:   map[string]any{"remote": c.conn.RemoteAddr().String()},
		})
		h.remove(c)
	}
}

// HideOverlay asks every overlay client to hide its window so the next
// screenshot captures the desktop underneath.
func (h *Hub) HideOverlay() {
	msg, _ := types.NewBusMessage(types.BusOverlayHide, nil)
	h.Broadcast(msg)
}

// ShowOverlay restores the overlay windows after a clean capture.
func (h *Hub) ShowOverlay() {
	msg, _ := types.NewBusMessage(types.BusOverlayShow, nil)
	h.Broadcast(msg)
}

// PublishReaction delivers one finished reaction to the overlay.
func (h *Hub) PublishReaction(r types.Reaction) {
	msg, err := types.NewBusMessage(types.BusReaction, r)
	if err != nil {
		h.logger.Error("marshal reaction", "id", r.ID, "err", err)
		return
	}
	h.Broadcast(msg)
}

// Close disconnects every client. New connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.remove(c)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.ObserveOverlayClients(count)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug("overlay write failed", "err", err)
			h.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("overlay read failed", "err", err)
			}
			h.remove(c)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(raw)
	}
}

func (h *Hub) dispatch(raw []byte) {
	var msg types.BusMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("bad overlay message", "err", err)
		return
	}

	h.mu.Lock()
	onPat := h.onPat
	onChat := h.onChat
	h.mu.Unlock()

	switch msg.Kind {
	case types.BusPat:
		if onPat != nil {
			onPat()
		}
	case types.BusChat:
		if onChat == nil {
			return
		}
		var payload types.ChatPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				h.logger.Warn("bad chat payload", "err", err)
				return
			}
		}
		onChat(payload)
	default:
		h.logger.Debug("unhandled overlay message", "kind", msg.Kind)
	}
}
