package exchange

import (
	"context"
)

// FeedClient defines the standard interface for upstream market data feeds.
type FeedClient interface {
	GetName() string
	// StartStream delivers raw frames to out until ctx is cancelled,
	// reconnecting on failure.
	StartStream(ctx context.Context, out chan<- []byte) error
	Subscribe(ctx context.Context, keys []string, interval string) error
	Unsubscribe(ctx context.Context, key, interval string) error
}

// Command is the control message sent upstream.
type Command struct {
	Action   string   `json:"action"`
	Keys     []string `json:"keys"`
	Interval string   `json:"interval"`
}

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)
