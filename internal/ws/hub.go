package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"surveybot/internal/pubsub"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	replayMax  = 100
)

// StreamsProvider replays and acknowledges sequenced channel events
type StreamsProvider interface {
	GetLastSequence(ctx context.Context, channel, connectionID string) (int64, error)
	AcknowledgeSequence(ctx context.Context, channel, connectionID string, seq int64) error
	ReplayEvents(ctx context.Context, channel string, sinceSeq int64, limit int64) ([]pubsub.StreamEvent, error)
}

// Hub manages dashboard WebSocket connections and their channel subscriptions
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	streams    StreamsProvider
}

// Conn is one dashboard connection
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	clientID string
	subs     map[string]bool
	closed   bool
}

// Event is a message routed to a channel's subscribers
type Event struct {
	Channel string
	Message map[string]interface{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		conns:   make(map[*Conn]bool),
		subs:    make(map[string]map[*Conn]bool),
		publish: make(chan Event, 256),
		log:     log,
	}
}

func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

// SetStreamsProvider enables ack and resume; without it both are no-ops
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run routes published events until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case event := <-h.publish:
			h.route(event)
		}
	}
}

func (h *Hub) route(event Event) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subs[event.Channel]))
	for conn := range h.subs[event.Channel] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	msg, err := json.Marshal(envelope(event.Channel, event.Message["seq"], event.Message))
	if err != nil {
		h.log.Warn("Failed to encode event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}
	for _, conn := range targets {
		if !h.enqueue(conn, msg) {
			h.log.Warn("Dropping slow connection", zap.String("client", conn.clientID))
			h.unregister(conn)
		}
	}
}

func envelope(channel string, seq interface{}, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":    "event",
		"channel": channel,
		"seq":     seq,
		"data":    data,
	}
}

func (h *Hub) enqueue(conn *Conn, msg []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if conn.closed {
		return true
	}
	select {
	case conn.send <- msg:
		return true
	default:
		return false
	}
}

// Register adds a new connection to the hub
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn]; !ok {
		return
	}
	delete(h.conns, conn)
	conn.closed = true
	close(conn.send)
	for channel := range conn.subs {
		if subs := h.subs[channel]; subs != nil {
			delete(subs, conn)
			if len(subs) == 0 {
				delete(h.subs, channel)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		h.unregister(c)
	}
}

// Subscribe adds a connection to a channel
func (h *Hub) Subscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
}

// Unsubscribe removes a connection from a channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Subscribers returns the number of connections on a channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Publish queues an event for a channel's subscribers; it never blocks
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

func NewConn(ws *websocket.Conn, hub *Hub, clientID string) *Conn {
	return &Conn{
		ws:       ws,
		send:     make(chan []byte, 256),
		hub:      hub,
		clientID: clientID,
		subs:     make(map[string]bool),
	}
}

// ReadPump reads client frames until the connection drops
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}
		c.handleMessage(ctx, msg)
	}
}

// WritePump drains the send queue and keeps the connection alive with pings
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(ctx context.Context, msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if channel != "" {
			c.hub.Subscribe(c, channel)
			c.reply(map[string]interface{}{"type": "ack", "ack": "subscribed", "channel": channel})
		}
	case "unsubscribe":
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.reply(map[string]interface{}{"type": "ack", "ack": "unsubscribed", "channel": channel})
		}
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(ctx, c, channel, int64(seq))
		}
	case "resume":
		since, ok := msg["since"].(float64)
		if channel != "" && (!ok || since >= 0) {
			c.hub.Resume(ctx, c, channel, int64(since), ok)
		}
	case "cmd":
		c.hub.mu.RLock()
		handler := c.hub.cmdHandler
		c.hub.mu.RUnlock()
		if handler == nil {
			c.hub.log.Warn("Command handler not set")
			return
		}
		handler.HandleCommand(ctx, c, msg)
	case "ping":
		c.reply(map[string]interface{}{"type": "ack", "ack": "pong"})
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) reply(message map[string]interface{}) {
	msg, err := json.Marshal(message)
	if err != nil {
		c.hub.log.Warn("Failed to encode reply", zap.Error(err))
		return
	}
	if !c.hub.enqueue(c, msg) {
		c.hub.log.Warn("Reply dropped, connection buffer full", zap.String("client", c.clientID))
	}
}

// Acknowledge records the last sequence a connection processed on a channel
func (h *Hub) Acknowledge(ctx context.Context, conn *Conn, channel string, seq int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		return
	}
	if err := streams.AcknowledgeSequence(ctx, channel, conn.clientID, seq); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("seq", seq),
			zap.Error(err),
		)
	}
}

// Resume replays events after sinceSeq; without an explicit sequence it resumes
// from the connection's last acknowledgement
func (h *Hub) Resume(ctx context.Context, conn *Conn, channel string, sinceSeq int64, explicit bool) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		h.log.Warn("Streams provider not set, cannot resume")
		return
	}

	if !explicit {
		last, err := streams.GetLastSequence(ctx, channel, conn.clientID)
		if err != nil {
			h.log.Error("Failed to read last sequence", zap.String("channel", channel), zap.Error(err))
			return
		}
		sinceSeq = last
	}

	events, err := streams.ReplayEvents(ctx, channel, sinceSeq, replayMax)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		return
	}

	for _, event := range events {
		msg, err := json.Marshal(envelope(event.Channel, event.Sequence, event.Event))
		if err != nil {
			continue
		}
		if !h.enqueue(conn, msg) {
			h.log.Warn("Failed to send replayed event, connection buffer full")
			return
		}
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("client", conn.clientID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
