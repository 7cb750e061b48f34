// Package notifications keeps the global unseen-notification badge.
//
// The count is seeded over REST and then driven by three channel events:
// newNotification adds one unless the notifications view is on screen,
// notificationsSeen and notificationCountUpdate replace the value outright.
// The value is never negative.
package notifications

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/protocol"
)

// ErrNoScope is returned when the counter has no identity to fetch for.
var ErrNoScope = errors.New("notification counter has no scope")

// Source is the REST side of the counter.
type Source interface {
	FetchUnseenCount(ctx context.Context, userID string) (int, error)
	MarkAllNotificationsSeen(ctx context.Context, userID string) (int, error)
}

// Views reports the active screen.
type Views interface {
	Is(v navigation.View) bool
}

// Counter is the unseen-notification count for one signed-in scope.
type Counter struct {
	source Source
	views  Views
	logger zerolog.Logger

	mu    sync.Mutex
	scope string
	value int

	subMu sync.Mutex
	subs  map[uint64]func(int)
	next  uint64
}

// New creates a counter at zero.
func New(source Source, views Views, logger zerolog.Logger) *Counter {
	return &Counter{
		source: source,
		views:  views,
		logger: logger.With().Str("component", "notifications").Logger(),
		subs:   make(map[uint64]func(int)),
	}
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// Value returns the current count.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Scope returns the identity scope the counter belongs to.
func (c *Counter) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

// Restore switches the counter to scope, starting from a remembered value
// until the next seed. An empty scope resets to zero.
func (c *Counter) Restore(scope string, cached int) {
	c.mu.Lock()
	c.scope = scope
	if scope == "" {
		cached = 0
	}
	c.mu.Unlock()
	c.set(cached)
}

// Subscribe registers fn for value changes.
func (c *Counter) Subscribe(fn func(int)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.next++
	id := c.next
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Counter) publish(value int) {
	metrics.UnseenNotifications.Set(float64(value))

	c.subMu.Lock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(int), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// set replaces the value. Subscribers hear only actual changes.
func (c *Counter) set(n int) {
	n = clamp(n)
	c.mu.Lock()
	changed := c.value != n
	c.value = n
	c.mu.Unlock()
	if changed {
		c.publish(n)
	}
}

// Seed fetches the authoritative count. On failure the last known value
// stays.
func (c *Counter) Seed(ctx context.Context) error {
	scope := c.Scope()
	if scope == "" {
		return ErrNoScope
	}
	n, err := c.source.FetchUnseenCount(ctx, scope)
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("Unseen count fetch failed")
		return err
	}
	if c.Scope() != scope {
		return nil
	}
	c.set(n)
	return nil
}

// EnterNotificationsView zeroes the badge as soon as the list is on screen.
// The server's next authoritative update still wins.
func (c *Counter) EnterNotificationsView() {
	c.set(0)
}

// MarkAllSeen zeroes the badge and asks the server to agree; its answer
// replaces the value.
func (c *Counter) MarkAllSeen(ctx context.Context) error {
	scope := c.Scope()
	if scope == "" {
		return ErrNoScope
	}
	c.set(0)
	n, err := c.source.MarkAllNotificationsSeen(ctx, scope)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Mark all seen failed")
		return err
	}
	if c.Scope() == scope {
		c.set(n)
	}
	return nil
}

// Attach listens to ch. The returned function detaches.
func (c *Counter) Attach(ch client.Channel) func() {
	unsubs := []func(){
		ch.Subscribe(protocol.TypeNewNotification, c.handleNew),
		ch.Subscribe(protocol.TypeNotificationsSeen, c.handleReplace),
		ch.Subscribe(protocol.TypeNotificationCountUpdate, c.handleReplace),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Suppressed reports whether a newNotification should be ignored right now.
func (c *Counter) Suppressed() bool {
	return c.views != nil && c.views.Is(navigation.ViewNotifications)
}

func (c *Counter) handleNew(*protocol.Frame) {
	if c.Suppressed() {
		metrics.SuppressedNotifications.Inc()
		c.logger.Debug().Msg("newNotification suppressed while viewing notifications")
		return
	}
	c.mu.Lock()
	c.value++
	n := c.value
	c.mu.Unlock()
	c.publish(n)
}

func (c *Counter) handleReplace(frame *protocol.Frame) {
	var update protocol.CountUpdate
	if err := frame.Decode(&update); err != nil {
		c.logger.Warn().Err(err).Str("event", protocol.EventName(frame.Type)).Msg("Malformed count update")
		return
	}
	c.set(update.Count)
}
