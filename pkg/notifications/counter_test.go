package notifications

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/protocol"
)

type fakeSource struct {
	unseen  int
	err     error
	markErr error
	scopes  []string
}

func (f *fakeSource) FetchUnseenCount(ctx context.Context, userID string) (int, error) {
	f.scopes = append(f.scopes, userID)
	return f.unseen, f.err
}

func (f *fakeSource) MarkAllNotificationsSeen(ctx context.Context, userID string) (int, error) {
	return 0, f.markErr
}

func setup(t *testing.T) (*Counter, *fakeSource, *navigation.Tracker, *client.MockConnection) {
	t.Helper()
	src := &fakeSource{}
	views := navigation.NewTracker()
	c := New(src, views, zerolog.Nop())
	c.Restore("u1", 0)
	ch := client.NewConnectedMock("u1")
	t.Cleanup(c.Attach(ch))
	return c, src, views, ch
}

func notify(t *testing.T, ch *client.MockConnection) {
	t.Helper()
	require.NoError(t, ch.SimulateEvent(protocol.TypeNewNotification, protocol.Notification{ID: "n", Type: "like"}))
}

func TestSeed(t *testing.T) {
	c, src, _, _ := setup(t)
	src.unseen = 7

	require.NoError(t, c.Seed(context.Background()))
	assert.Equal(t, 7, c.Value())
	assert.Equal(t, []string{"u1"}, src.scopes)
}

func TestSeedFailureKeepsLastValue(t *testing.T) {
	c, src, _, _ := setup(t)
	c.Restore("u1", 4)
	src.err = errors.New("503")

	assert.Error(t, c.Seed(context.Background()))
	assert.Equal(t, 4, c.Value())
}

func TestSeedWithoutScope(t *testing.T) {
	c := New(&fakeSource{}, nil, zerolog.Nop())
	assert.ErrorIs(t, c.Seed(context.Background()), ErrNoScope)
	assert.ErrorIs(t, c.MarkAllSeen(context.Background()), ErrNoScope)
}

func TestNewNotificationsOnFeed(t *testing.T) {
	c, _, _, ch := setup(t)

	var seen []int
	c.Subscribe(func(n int) { seen = append(seen, n) })

	for i := 0; i < 3; i++ {
		notify(t, ch)
	}
	assert.Equal(t, 3, c.Value())
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSuppressedWhileViewingNotifications(t *testing.T) {
	c, _, views, ch := setup(t)
	views.Navigate(navigation.ViewNotifications)
	c.EnterNotificationsView()

	notify(t, ch)
	notify(t, ch)
	assert.Zero(t, c.Value())
	assert.True(t, c.Suppressed())

	views.Navigate(navigation.ViewFeed)
	notify(t, ch)
	assert.Equal(t, 1, c.Value())
}

func TestResyncEventsReplace(t *testing.T) {
	tests := []struct {
		name  string
		event uint8
		count int
		want  int
	}{
		{"seen elsewhere", protocol.TypeNotificationsSeen, 2, 2},
		{"count update", protocol.TypeNotificationCountUpdate, 11, 11},
		{"negative clamps", protocol.TypeNotificationCountUpdate, -3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _, ch := setup(t)
			c.Restore("u1", 5)
			require.NoError(t, ch.SimulateEvent(tt.event, protocol.CountUpdate{Count: tt.count}))
			assert.Equal(t, tt.want, c.Value())
		})
	}
}

func TestEnterViewThenAuthoritativeWins(t *testing.T) {
	c, _, _, ch := setup(t)
	c.Restore("u1", 9)

	c.EnterNotificationsView()
	assert.Zero(t, c.Value())

	require.NoError(t, ch.SimulateEvent(protocol.TypeNotificationCountUpdate, protocol.CountUpdate{Count: 1}))
	assert.Equal(t, 1, c.Value())
}

func TestMarkAllSeen(t *testing.T) {
	c, src, _, _ := setup(t)
	c.Restore("u1", 6)

	require.NoError(t, c.MarkAllSeen(context.Background()))
	assert.Zero(t, c.Value())

	c.Restore("u1", 6)
	src.markErr = errors.New("500")
	assert.Error(t, c.MarkAllSeen(context.Background()))
	assert.Zero(t, c.Value(), "badge stays cleared until the server says otherwise")
}

func TestDetachStopsUpdates(t *testing.T) {
	src := &fakeSource{}
	c := New(src, nil, zerolog.Nop())
	c.Restore("u1", 0)
	ch := client.NewConnectedMock("u1")

	detach := c.Attach(ch)
	notify(t, ch)
	detach()
	notify(t, ch)

	assert.Equal(t, 1, c.Value())
	assert.Zero(t, ch.Handlers(protocol.TypeNewNotification))
}

func TestRestoreEmptyScopeResets(t *testing.T) {
	c := New(&fakeSource{}, nil, zerolog.Nop())
	c.Restore("u1", 3)
	assert.Equal(t, 3, c.Value())
	c.Restore("", 3)
	assert.Zero(t, c.Value())
	assert.Empty(t, c.Scope())
}

// counterOps drives a counter with an arbitrary mix of events and view
// changes.
func counterOps(rt *rapid.T, c *Counter, views *navigation.Tracker, ch *client.MockConnection, check func(op string, before, after int)) {
	ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 40).Draw(rt, "ops")
	for _, op := range ops {
		before := c.Value()
		name := ""
		switch op {
		case 0:
			name = "new"
			_ = ch.SimulateEvent(protocol.TypeNewNotification, protocol.Notification{ID: "n"})
		case 1:
			name = "seen"
			_ = ch.SimulateEvent(protocol.TypeNotificationsSeen, protocol.CountUpdate{Count: rapid.IntRange(-5, 50).Draw(rt, "n")})
		case 2:
			name = "update"
			_ = ch.SimulateEvent(protocol.TypeNotificationCountUpdate, protocol.CountUpdate{Count: rapid.IntRange(-5, 50).Draw(rt, "n")})
		case 3:
			name = "enter"
			views.Navigate(navigation.ViewNotifications)
			c.EnterNotificationsView()
		case 4:
			name = "leave"
			views.Navigate(navigation.ViewFeed)
		}
		check(name, before, c.Value())
	}
}

func TestCounterNeverNegativeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		views := navigation.NewTracker()
		c := New(&fakeSource{}, views, zerolog.Nop())
		c.Restore("u1", rapid.IntRange(0, 10).Draw(rt, "start"))
		ch := client.NewConnectedMock("u1")
		defer c.Attach(ch)()

		counterOps(rt, c, views, ch, func(op string, _, after int) {
			if after < 0 {
				rt.Fatalf("counter went negative after %s: %d", op, after)
			}
		})
	})
}

func TestViewSuppressionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		views := navigation.NewTracker()
		views.Navigate(navigation.ViewNotifications)
		c := New(&fakeSource{}, views, zerolog.Nop())
		c.Restore("u1", rapid.IntRange(0, 10).Draw(rt, "start"))
		ch := client.NewConnectedMock("u1")
		defer c.Attach(ch)()

		before := c.Value()
		n := rapid.IntRange(1, 30).Draw(rt, "events")
		for i := 0; i < n; i++ {
			notify(t, ch)
		}
		if c.Value() != before {
			rt.Fatalf("counter moved from %d to %d while viewing notifications", before, c.Value())
		}
	})
}

func TestResyncConvergenceProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		views := navigation.NewTracker()
		c := New(&fakeSource{}, views, zerolog.Nop())
		c.Restore("u1", 0)
		ch := client.NewConnectedMock("u1")
		defer c.Attach(ch)()

		counterOps(rt, c, views, ch, func(string, int, int) {})

		typ := rapid.SampledFrom([]uint8{protocol.TypeNotificationsSeen, protocol.TypeNotificationCountUpdate}).Draw(rt, "resync")
		n := rapid.IntRange(0, 100).Draw(rt, "value")
		if err := ch.SimulateEvent(typ, protocol.CountUpdate{Count: n}); err != nil {
			rt.Fatalf("simulate: %v", err)
		}
		if c.Value() != n {
			rt.Fatalf("after resync to %d counter is %d", n, c.Value())
		}
	})
}
