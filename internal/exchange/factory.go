package exchange

import (
	"fmt"
	"log/slog"

	"symmetry/internal/config"
)

// NewClient creates a new feed client based on the given name and configuration.
func NewClient(name string, logger *slog.Logger, cfg config.FeedConfig) (FeedClient, error) {
	switch name {
	case "websocket", "ws":
		if cfg.URL == "" {
			return nil, fmt.Errorf("feed %s: url is required", name)
		}
		return NewWSFeedClient(name, logger, cfg), nil
	default:
		return nil, fmt.Errorf("unknown feed: %s", name)
	}
}
