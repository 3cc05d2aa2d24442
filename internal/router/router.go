package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"symmetry/internal/metrics"
)

// ErrUnresolved is returned when an alias cannot be mapped to an instrument key.
var ErrUnresolved = errors.New("unresolved instrument")

// Global rooms are always considered subscribed.
const (
	RoomGlobal = "GLOBAL"
	RoomAlerts = "ALERTS"
)

var globalRooms = map[string]struct{}{
	RoomGlobal: {},
	RoomAlerts: {},
}

// Resolver maps aliases to technical keys.
type Resolver interface {
	Resolve(aliasOrKey string) (string, bool)
}

// Upstream is the market data feed the router subscribes through.
type Upstream interface {
	Subscribe(ctx context.Context, keys []string, interval string) error
	Unsubscribe(ctx context.Context, key, interval string) error
}

type roomKey struct {
	instrument string
	interval   string
}

// Router tracks which consumers listen to which (instrument, interval) rooms
// and keeps upstream subscriptions in line with demand.
type Router struct {
	logger   *slog.Logger
	resolver Resolver
	upstream Upstream
	metrics  *metrics.Metrics
	sinks    []Broadcaster

	mu        sync.RWMutex
	rooms     map[roomKey]map[string]struct{}
	protected map[string]int
}

// New creates a Router. upstream may be nil in tests and offline runs.
func New(logger *slog.Logger, resolver Resolver, upstream Upstream, m *metrics.Metrics, sinks ...Broadcaster) *Router {
	return &Router{
		logger:    logger.With("component", "router"),
		resolver:  resolver,
		upstream:  upstream,
		metrics:   m,
		sinks:     sinks,
		rooms:     make(map[roomKey]map[string]struct{}),
		protected: make(map[string]int),
	}
}

// AddSink registers another broadcast destination.
func (r *Router) AddSink(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, b)
}

// Resolve returns the technical key for an instrument key or alias.
func (r *Router) Resolve(instrument string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(instrument))
	if key == "" {
		return "", fmt.Errorf("%w: empty instrument", ErrUnresolved)
	}
	if strings.ContainsAny(key, "|:") {
		if resolved, ok := r.resolver.Resolve(key); ok {
			return resolved, nil
		}
		return key, nil
	}
	resolved, ok := r.resolver.Resolve(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, instrument)
	}
	return strings.ToUpper(resolved), nil
}

// Subscribe adds consumer to the room for (instrument, interval) and asks
// the upstream feed for the instrument.
func (r *Router) Subscribe(ctx context.Context, instrument, interval, consumer string) (string, error) {
	key, err := r.Resolve(instrument)
	if err != nil {
		r.logger.Warn("Router: subscribe aborted", "instrument", instrument, "consumer", consumer, "error", err)
		return "", err
	}
	interval = normalizeInterval(interval)

	r.mu.Lock()
	rk := roomKey{instrument: key, interval: interval}
	members, ok := r.rooms[rk]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[rk] = members
	}
	members[consumer] = struct{}{}
	count := len(members)
	r.mu.Unlock()

	r.logger.Info("Router: consumer subscribed", "instrument", key, "interval", interval, "consumer", consumer, "subscribers", count)
	if r.upstream != nil {
		if err := r.upstream.Subscribe(ctx, []string{key}, interval); err != nil {
			r.logger.Error("Router: upstream subscribe failed", "instrument", key, "error", err)
			r.metrics.RecordError("router", "upstream_subscribe")
		}
	}
	return key, nil
}

// Unsubscribe removes consumer from the room. An emptied room is deleted
// and the upstream subscription dropped unless the key is protected.
func (r *Router) Unsubscribe(ctx context.Context, instrument, interval, consumer string) error {
	key, err := r.Resolve(instrument)
	if err != nil {
		r.logger.Warn("Router: unsubscribe aborted", "instrument", instrument, "consumer", consumer, "error", err)
		return err
	}
	r.remove(ctx, roomKey{instrument: key, interval: normalizeInterval(interval)}, consumer)
	return nil
}

func (r *Router) remove(ctx context.Context, rk roomKey, consumer string) {
	r.mu.Lock()
	members, ok := r.rooms[rk]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, member := members[consumer]; !member {
		r.mu.Unlock()
		return
	}
	delete(members, consumer)
	emptied := len(members) == 0
	if emptied {
		delete(r.rooms, rk)
	}
	protected := r.protected[rk.instrument] > 0
	r.mu.Unlock()

	if !emptied {
		return
	}
	if protected {
		r.logger.Info("Router: keeping upstream subscription for protected instrument", "instrument", rk.instrument, "interval", rk.interval)
		return
	}
	r.logger.Info("Router: no subscribers left, unsubscribing upstream", "instrument", rk.instrument, "interval", rk.interval)
	if r.upstream != nil {
		if err := r.upstream.Unsubscribe(ctx, rk.instrument, rk.interval); err != nil {
			r.logger.Error("Router: upstream unsubscribe failed", "instrument", rk.instrument, "error", err)
			r.metrics.RecordError("router", "upstream_unsubscribe")
		}
	}
}

// OnDisconnect removes consumer from every room it joined.
func (r *Router) OnDisconnect(ctx context.Context, consumer string) {
	r.mu.RLock()
	var joined []roomKey
	for rk, members := range r.rooms {
		if _, ok := members[consumer]; ok {
			joined = append(joined, rk)
		}
	}
	r.mu.RUnlock()

	for _, rk := range joined {
		r.remove(ctx, rk, consumer)
	}
}

// Protect marks keys as referenced by an open position. Calls nest.
func (r *Router) Protect(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			r.protected[strings.ToUpper(k)]++
		}
	}
}

// Unprotect releases keys marked by Protect.
func (r *Router) Unprotect(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		k = strings.ToUpper(k)
		if r.protected[k] <= 1 {
			delete(r.protected, k)
			continue
		}
		r.protected[k]--
	}
}

// IsProtected reports whether key belongs to an open position.
func (r *Router) IsProtected(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protected[strings.ToUpper(key)] > 0
}

// HasSubscribers reports whether anyone listens to room on any interval.
func (r *Router) HasSubscribers(room string) bool {
	target := strings.ToUpper(strings.TrimSpace(room))
	if _, ok := globalRooms[target]; ok {
		return true
	}
	candidates := []string{target}
	if resolved, ok := r.resolver.Resolve(target); ok && strings.ToUpper(resolved) != target {
		candidates = append(candidates, strings.ToUpper(resolved))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for rk, members := range r.rooms {
		if len(members) == 0 {
			continue
		}
		for _, c := range candidates {
			if rk.instrument == c {
				return true
			}
		}
	}
	return false
}

// PrimaryInterval returns the most granular interval anyone subscribed to
// for key. Chart snapshots of other intervals are not turned into ticks.
func (r *Router) PrimaryInterval(key string) string {
	target := strings.ToUpper(key)
	best := -1
	bestLabel := "1"

	r.mu.RLock()
	defer r.mu.RUnlock()
	for rk := range r.rooms {
		if rk.instrument != target {
			continue
		}
		minutes, ok := intervalMinutes(rk.interval)
		if !ok {
			continue
		}
		if best < 0 || minutes < best {
			best = minutes
			bestLabel = rk.interval
		}
	}
	return bestLabel
}

// Subscriptions returns the current (instrument, interval) pairs, sorted.
func (r *Router) Subscriptions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for rk := range r.rooms {
		out = append(out, rk.instrument+"@"+rk.interval)
	}
	sort.Strings(out)
	return out
}

func normalizeInterval(interval string) string {
	interval = strings.ToUpper(strings.TrimSpace(interval))
	if interval == "" {
		return "1"
	}
	return interval
}

func intervalMinutes(interval string) (int, bool) {
	if interval == "D" {
		return 1440, true
	}
	n, err := strconv.Atoi(interval)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
