package exchange

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Group fans subscriptions out to several feeds and merges their streams.
type Group struct {
	clients []FeedClient
}

// NewGroup creates a Group.
func NewGroup(clients ...FeedClient) *Group {
	return &Group{clients: clients}
}

func (g *Group) GetName() string {
	return "group"
}

// StartStream runs every client until ctx is cancelled.
func (g *Group) StartStream(ctx context.Context, out chan<- []byte) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range g.clients {
		c := c
		eg.Go(func() error { return c.StartStream(ctx, out) })
	}
	return eg.Wait()
}

func (g *Group) Subscribe(ctx context.Context, keys []string, interval string) error {
	var errs []error
	for _, c := range g.clients {
		errs = append(errs, c.Subscribe(ctx, keys, interval))
	}
	return errors.Join(errs...)
}

func (g *Group) Unsubscribe(ctx context.Context, key, interval string) error {
	var errs []error
	for _, c := range g.clients {
		errs = append(errs, c.Unsubscribe(ctx, key, interval))
	}
	return errors.Join(errs...)
}
