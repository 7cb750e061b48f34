package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/socialsync/pkg/audio"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/config"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/devserver"
	"github.com/aeolun/socialsync/pkg/messaging"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/protocol"
)

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

type tones struct {
	mu    sync.Mutex
	count int
}

func (p *tones) Tone(float64, time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}

func (p *tones) played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

type harness struct {
	t      *testing.T
	srv    *devserver.Server
	app    *App
	player *tones
	state  *client.MockState
}

func newHarness(t *testing.T, tweaks ...func(*config.Config)) *harness {
	t.Helper()
	srv := devserver.New()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.Server.BaseURL = ts.URL + "/api"
	cfg.Server.WSURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.Channel.MaxAttempts = 2
	cfg.Channel.RetryDelay = config.Duration{Duration: 20 * time.Millisecond}
	cfg.Channel.PingInterval = config.Duration{}
	cfg.Messaging.AckTimeout = config.Duration{Duration: 300 * time.Millisecond}
	cfg.Audio.DesktopNotifications = false
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	player := &tones{}
	state := client.NewMockState()
	a, err := New(cfg, WithPlayer(player), WithState(state), WithHTTPClient(ts.Client()))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	return &harness{t: t, srv: srv, app: a, player: player, state: state}
}

func (h *harness) signIn(userID, companyID string) {
	h.t.Helper()
	token, err := h.srv.IssueToken(userID, companyID, time.Hour)
	require.NoError(h.t, err)
	require.NoError(h.t, h.app.SignIn(context.Background(), token))
	require.True(h.t, h.app.Online())
}

// settled waits for the first conversation page after sign in.
func (h *harness) settled() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap := h.app.Conversations().Snapshot()
		return !snap.Fetching && (snap.State == conversations.Empty || snap.State == conversations.Ready)
	}, waitFor, tick)
}

func (h *harness) badge(want int) {
	h.t.Helper()
	assert.Eventually(h.t, func() bool { return h.app.Counter().Value() == want }, waitFor, tick,
		"badge stuck at %d, want %d", h.app.Counter().Value(), want)
}

func TestNotificationJourney(t *testing.T) {
	h := newHarness(t)
	h.srv.SetUnseen("alice", 2)

	h.signIn("alice", "")
	h.badge(2)

	// the gate is locked until the user interacts
	h.srv.Notify("alice", protocol.Notification{ID: "n1", Type: "like"})
	h.badge(3)
	// events are dispatched in order, so this fences the alert handler
	h.srv.SetUnseen("alice", 30)
	h.badge(30)
	h.app.Gate().Wait()
	assert.Equal(t, 0, h.player.played())

	h.app.Gate().ObserveInteraction(audio.Key)
	require.Equal(t, audio.Unlocked, h.app.Gate().State())
	h.srv.Notify("alice", protocol.Notification{ID: "n2", Type: "comment"})
	h.badge(31)
	assert.Eventually(t, func() bool { return h.player.played() == 1 }, waitFor, tick)

	// viewing the list zeroes the badge and silences new arrivals
	h.app.Tracker().Navigate(navigation.ViewNotifications)
	h.badge(0)
	h.srv.Notify("alice", protocol.Notification{ID: "n3", Type: "like"})
	h.srv.Notify("alice", protocol.Notification{ID: "n4", Type: "like"})
	h.app.Gate().Wait()
	assert.Equal(t, 1, h.player.played())

	require.NoError(t, h.app.Counter().MarkAllSeen(context.Background()))
	assert.Equal(t, 0, h.srv.Unseen("alice"))

	// the server's count replaces local arithmetic
	h.app.Tracker().Navigate(navigation.ViewFeed)
	h.srv.SetUnseen("alice", 9)
	h.badge(9)

	cached, ok, err := h.state.GetUnseenCount("alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 9, cached)
}

func TestConversationJourney(t *testing.T) {
	h := newHarness(t)
	h.srv.AddUser(protocol.Participant{ID: "bob", Name: "Bob"})
	h.signIn("alice", "")
	h.settled()
	ctx := context.Background()

	// an inbound message surfaces on the list
	convID := h.srv.Deliver("bob", "alice", "hi alice").ConversationID
	require.Eventually(t, func() bool {
		items := h.app.Conversations().Snapshot().Items
		return len(items) == 1 && items[0].ID == convID && items[0].UnseenCount == 1
	}, waitFor, tick)

	// opening it loads history and marks it read on the server
	require.NoError(t, h.app.OpenConversation(ctx, messaging.Target{ConversationID: convID}))
	thread := h.app.Exchange().Thread(convID)
	require.Len(t, thread.Entries, 1)
	assert.Equal(t, "hi alice", thread.Entries[0].Message.Text)
	assert.Eventually(t, func() bool {
		return h.srv.Messages(convID)[0].Status == protocol.StatusRead
	}, waitFor, tick)
	assert.Equal(t, 0, h.app.Conversations().Snapshot().Items[0].UnseenCount)

	outcome, err := h.app.Send(ctx, messaging.Target{ConversationID: convID}, "hey bob")
	require.NoError(t, err)
	assert.Equal(t, messaging.OutcomeSent, outcome)
	require.Len(t, h.srv.Messages(convID), 2)

	assert.Eventually(t, func() bool {
		last := h.app.Conversations().Snapshot().Items[0].LastMessage
		return last != nil && last.Text == "hey bob"
	}, waitFor, tick)

	// while the thread is open, new inbound messages are acknowledged
	h.srv.Deliver("bob", "alice", "got it")
	assert.Eventually(t, func() bool {
		msgs := h.srv.Messages(convID)
		return len(msgs) == 3 && msgs[2].Status == protocol.StatusRead
	}, waitFor, tick)

	// a refused send stays in the thread as failed
	h.srv.RejectSends("slow down")
	outcome, err = h.app.Send(ctx, messaging.Target{ConversationID: convID}, "again")
	require.Error(t, err)
	assert.Equal(t, messaging.OutcomeRejected, outcome)
	entries := h.app.Exchange().Thread(convID).Entries
	assert.Equal(t, messaging.Failed, entries[len(entries)-1].State)
}

func TestFirstMessageOpensNewConversation(t *testing.T) {
	h := newHarness(t)
	h.signIn("alice", "")
	h.settled()
	ctx := context.Background()

	target := messaging.Target{ReceiverID: "carol"}
	require.NoError(t, h.app.OpenConversation(ctx, target))

	outcome, err := h.app.Send(ctx, target, "hello carol")
	require.NoError(t, err)
	require.Equal(t, messaging.OutcomeSent, outcome)

	require.Eventually(t, func() bool { return h.app.Tracker().ActiveConversation() != "" }, waitFor, tick)
	convID := h.app.Tracker().ActiveConversation()
	assert.Equal(t, convID, h.app.Exchange().OpenKey())
	assert.Len(t, h.srv.Messages(convID), 1)
	assert.Eventually(t, func() bool { return len(h.app.Conversations().Snapshot().Items) == 1 }, waitFor, tick)
}

func TestSwitchingIdentityRescopesEverything(t *testing.T) {
	h := newHarness(t)
	h.srv.SetUnseen("alice", 3)
	h.srv.SetUnseen("acme", 1)
	h.srv.Deliver("bob", "alice", "personal")

	h.signIn("alice", "")
	h.badge(3)
	require.Eventually(t, func() bool { return len(h.app.Conversations().Snapshot().Items) == 1 }, waitFor, tick)

	h.signIn("alice", "acme")
	assert.Equal(t, "acme", h.app.Identity().ScopeID())
	assert.Equal(t, "acme", h.app.Counter().Scope())
	h.badge(1)
	assert.Eventually(t, func() bool { return h.srv.Peers("alice") == 0 && h.srv.Peers("acme") == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(h.app.Conversations().Snapshot().Items) == 0 }, waitFor, tick)

	// events for the old scope no longer reach the badge
	h.srv.Notify("alice", protocol.Notification{ID: "n1", Type: "like"})
	h.srv.Notify("acme", protocol.Notification{ID: "n2", Type: "like"})
	h.badge(2)

	require.NoError(t, h.app.SignOut(context.Background()))
	assert.False(t, h.app.Online())
	assert.Equal(t, "", h.app.Counter().Scope())
	assert.Eventually(t, func() bool { return h.srv.Peers("acme") == 0 }, waitFor, tick)
}

func TestChannelLossGoesOffline(t *testing.T) {
	h := newHarness(t)
	h.signIn("alice", "")

	h.srv.RefuseConnections(true)
	h.srv.DisconnectAll()
	assert.Eventually(t, func() bool { return !h.app.Online() }, waitFor, tick)
	assert.Eventually(t, func() bool {
		return h.app.ConnectionState().State == client.StateOffline
	}, waitFor, tick)

	outcome, err := h.app.Send(context.Background(), messaging.Target{ReceiverID: "bob"}, "anyone?")
	assert.Error(t, err)
	assert.Equal(t, messaging.OutcomeNotConnected, outcome)
}

func TestReconnectResyncsMissedState(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Channel.MaxAttempts = 100
	})
	h.signIn("alice", "")
	h.settled()
	h.badge(0)
	require.Empty(t, h.app.Conversations().Snapshot().Items)
	first := h.app.Manager().Current()

	h.srv.RefuseConnections(true)
	h.srv.DisconnectAll()
	require.Eventually(t, func() bool { return h.srv.Peers("alice") == 0 }, waitFor, tick)
	require.Eventually(t, func() bool {
		s := h.app.ConnectionState().State
		return s == client.StateDisconnected || s == client.StateReconnecting
	}, waitFor, tick)

	// nobody is listening, so these only change server state
	for i := 0; i < 3; i++ {
		h.srv.Notify("alice", protocol.Notification{ID: "missed", Type: "like"})
	}
	h.srv.Deliver("bob", "alice", "you there?")
	assert.Equal(t, 0, h.app.Counter().Value())

	h.srv.RefuseConnections(false)
	require.Eventually(t, func() bool { return h.srv.Peers("alice") == 1 }, waitFor, tick)

	h.badge(3)
	assert.Eventually(t, func() bool {
		items := h.app.Conversations().Snapshot().Items
		return len(items) == 1 && items[0].LastMessage != nil && items[0].LastMessage.Text == "you there?"
	}, waitFor, tick)
	assert.Same(t, first, h.app.Manager().Current())
	assert.Equal(t, client.StateConnected, h.app.ConnectionState().State)

	// listeners survived the recovery
	h.srv.Notify("alice", protocol.Notification{ID: "live", Type: "like"})
	h.badge(4)
}
