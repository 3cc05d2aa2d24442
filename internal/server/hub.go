package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"symmetry/internal/router"
)

const (
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = 2 * pingPeriod
	readLimit    = 4096
	sendCapacity = 256
)

// Socket commands.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// Consumers is the part of the router the hub drives on behalf of sockets.
type Consumers interface {
	Subscribe(ctx context.Context, instrument, interval, consumer string) (string, error)
	Unsubscribe(ctx context.Context, instrument, interval, consumer string) error
	Resolve(instrument string) (string, error)
	OnDisconnect(ctx context.Context, consumer string)
}

// Command is a request sent by a socket.
type Command struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument"`
	Interval   string `json:"interval"`
}

// Reply acknowledges a command or reports why it failed.
type Reply struct {
	Event      string `json:"event"`
	ID         string `json:"id,omitempty"`
	Room       string `json:"room,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Interval   string `json:"interval,omitempty"`
	Error      string `json:"error,omitempty"`
}

type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	joined map[string]int
	// resolved room@interval, so aliases of one instrument share an entry
	subs map[string]struct{}
}

// Hub serves consumer sockets and delivers router broadcasts to the ones
// that joined a room. Every socket is in the global and alert rooms.
type Hub struct {
	logger    *slog.Logger
	consumers Consumers
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[*client]struct{}
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger, consumers Consumers) *Hub {
	return &Hub{
		logger:    logger.With("component", "hub"),
		consumers: consumers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
		rooms:   make(map[string]map[*client]struct{}),
	}
}

// Broadcast implements router.Broadcaster.
func (h *Hub) Broadcast(_ context.Context, room, event string, data []byte) error {
	msg, err := json.Marshal(router.Envelope{Event: event, Room: room, Data: data})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[strings.ToUpper(room)] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Hub: send buffer full, dropping event", "consumer", c.id, "event", event, "room", room)
		}
	}
	return nil
}

// Clients returns the number of connected sockets.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the socket until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Hub: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendCapacity),
		joined: make(map[string]int),
		subs:   make(map[string]struct{}),
	}
	h.register(c)
	h.logger.Info("Hub: consumer connected", "consumer", c.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(c)
	}()
	h.reply(c, Reply{Event: "connected", ID: c.id})

	// the request context ends with the handler, not with the socket
	ctx := context.WithoutCancel(r.Context())
	h.readLoop(ctx, c)

	h.unregister(c)
	h.consumers.OnDisconnect(ctx, c.id)
	<-done
	_ = conn.Close()
	h.logger.Info("Hub: consumer disconnected", "consumer", c.id)
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Hub: read failed", "consumer", c.id, "error", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(c, Reply{Event: "error", Error: "invalid command"})
			continue
		}
		h.handle(ctx, c, cmd)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, cmd Command) {
	interval := strings.ToUpper(strings.TrimSpace(cmd.Interval))
	if interval == "" {
		interval = "1"
	}

	switch strings.ToLower(cmd.Action) {
	case ActionSubscribe:
		room, err := h.consumers.Subscribe(ctx, cmd.Instrument, interval, c.id)
		if err != nil {
			h.reply(c, Reply{Event: "error", Instrument: cmd.Instrument, Error: err.Error()})
			return
		}
		sub := room + "@" + interval
		h.mu.Lock()
		if _, ok := c.subs[sub]; !ok {
			c.subs[sub] = struct{}{}
			h.join(c, room)
		}
		h.mu.Unlock()
		h.reply(c, Reply{Event: "subscribed", Room: room, Instrument: cmd.Instrument, Interval: interval})

	case ActionUnsubscribe:
		room, err := h.consumers.Resolve(cmd.Instrument)
		if err == nil {
			err = h.consumers.Unsubscribe(ctx, cmd.Instrument, interval, c.id)
		}
		if err != nil {
			h.reply(c, Reply{Event: "error", Instrument: cmd.Instrument, Error: err.Error()})
			return
		}
		sub := room + "@" + interval
		h.mu.Lock()
		if _, ok := c.subs[sub]; ok {
			delete(c.subs, sub)
			h.leave(c, room)
		}
		h.mu.Unlock()
		h.reply(c, Reply{Event: "unsubscribed", Room: room, Instrument: cmd.Instrument, Interval: interval})

	default:
		h.reply(c, Reply{Event: "error", Error: "unknown action " + cmd.Action})
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("Hub: write failed", "consumer", c.id, "error", err)
				}
				_ = c.conn.Close()
				h.drain(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.conn.Close()
				h.drain(c)
				return
			}
		}
	}
}

// drain discards queued messages until the socket is unregistered.
func (h *Hub) drain(c *client) {
	for range c.send {
	}
}

func (h *Hub) reply(c *client, r Reply) {
	msg, err := json.Marshal(r)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("Hub: send buffer full, dropping reply", "consumer", c.id, "event", r.Event)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	h.join(c, router.RoomGlobal)
	h.join(c, router.RoomAlerts)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for room := range c.joined {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	close(c.send)
}

// join and leave must be called with h.mu held.
func (h *Hub) join(c *client, room string) {
	room = strings.ToUpper(room)
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.joined[room]++
}

func (h *Hub) leave(c *client, room string) {
	room = strings.ToUpper(room)
	if c.joined[room] > 1 {
		c.joined[room]--
		return
	}
	delete(c.joined, room)
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
}
