package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"symmetry/internal/config"
)

// WSFeedClient streams frames from a websocket feed. Subscriptions are kept
// locally and replayed after every reconnect.
type WSFeedClient struct {
	name       string
	logger     *slog.Logger
	url        string
	header     http.Header
	minBackoff time.Duration
	maxBackoff time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]map[string]struct{}
}

// NewWSFeedClient creates a new WSFeedClient.
func NewWSFeedClient(name string, logger *slog.Logger, cfg config.FeedConfig) *WSFeedClient {
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 16 * time.Second
	}
	return &WSFeedClient{
		name:       name,
		logger:     logger,
		url:        cfg.URL,
		header:     header,
		minBackoff: time.Second,
		maxBackoff: maxBackoff,
		subs:       make(map[string]map[string]struct{}),
	}
}

func (c *WSFeedClient) GetName() string {
	return c.name
}

// StartStream connects to the feed and forwards every frame to out.
func (c *WSFeedClient) StartStream(ctx context.Context, out chan<- []byte) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			c.logger.Info("WSFeedClient: context cancelled, shutting down", "feed", c.name)
			return nil
		}

		c.logger.Info("WSFeedClient: connecting to WebSocket", "url", c.url, "backoff", backoff)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			c.logger.Error("WSFeedClient: WebSocket connection failed", "error", err)
			if !c.wait(ctx, &backoff) {
				return nil
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = c.minBackoff

		if err := c.attach(conn); err != nil {
			c.logger.Error("WSFeedClient: failed to replay subscriptions", "error", err)
			c.detach(conn)
			if !c.wait(ctx, &backoff) {
				return nil
			}
			continue
		}

		if done := c.read(ctx, conn, out); done {
			return nil
		}
		if !c.wait(ctx, &backoff) {
			return nil
		}
	}
}

// read pumps frames until the connection fails. It reports true when ctx
// ended the stream.
func (c *WSFeedClient) read(ctx context.Context, conn *websocket.Conn, out chan<- []byte) bool {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer c.detach(conn)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("WSFeedClient: context cancelled, closing connection", "feed", c.name)
				return true
			}
			c.logger.Error("WSFeedClient: failed to read message", "error", err)
			return false
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return true
		}
	}
}

func (c *WSFeedClient) wait(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(*backoff):
		*backoff *= 2
		if *backoff > c.maxBackoff {
			*backoff = c.maxBackoff
		}
		return true
	}
}

// attach makes conn current and replays every active subscription on it.
func (c *WSFeedClient) attach(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn

	intervals := make([]string, 0, len(c.subs))
	for interval := range c.subs {
		intervals = append(intervals, interval)
	}
	sort.Strings(intervals)
	for _, interval := range intervals {
		keys := make([]string, 0, len(c.subs[interval]))
		for k := range c.subs[interval] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := conn.WriteJSON(Command{Action: actionSubscribe, Keys: keys, Interval: interval}); err != nil {
			return err
		}
	}
	c.logger.Info("WSFeedClient: subscriptions replayed", "intervals", len(intervals))
	return nil
}

func (c *WSFeedClient) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// Subscribe records keys and sends the command if connected. While
// disconnected the subscription is sent on the next connect.
func (c *WSFeedClient) Subscribe(_ context.Context, keys []string, interval string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.subs[interval]
	if !ok {
		set = make(map[string]struct{})
		c.subs[interval] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return c.send(Command{Action: actionSubscribe, Keys: keys, Interval: interval})
}

func (c *WSFeedClient) Unsubscribe(_ context.Context, key, interval string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.subs[interval]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.subs, interval)
		}
	}
	return c.send(Command{Action: actionUnsubscribe, Keys: []string{key}, Interval: interval})
}

// send writes cmd on the live connection. Callers hold c.mu.
func (c *WSFeedClient) send(cmd Command) error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("%s %s: %w", c.name, cmd.Action, err)
	}
	return nil
}

// Subscriptions returns the active keys per interval.
func (c *WSFeedClient) Subscriptions() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string, len(c.subs))
	for interval, set := range c.subs {
		for k := range set {
			out[interval] = append(out[interval], k)
		}
		sort.Strings(out[interval])
	}
	return out
}
