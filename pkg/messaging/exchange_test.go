package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/protocol"
)

type focus struct{ focused bool }

func (f *focus) Focused() bool { return f.focused }

type historyBackend struct {
	messages []protocol.Message
	err      error
	calls    int
}

func (b *historyBackend) FetchMessages(ctx context.Context, conversationID string, page, limit int) (protocol.MessagePage, error) {
	b.calls++
	if b.err != nil {
		return protocol.MessagePage{}, b.err
	}
	return protocol.MessagePage{Data: b.messages}, nil
}

// acceptAll answers every send with a confirmed message in conversationID.
func acceptAll(conversationID string) func(uint8, any) *protocol.AckResponse {
	n := 0
	var mu sync.Mutex
	return func(_ uint8, payload any) *protocol.AckResponse {
		req := payload.(*protocol.SendMessageRequest)
		mu.Lock()
		n++
		id := "srv-" + string(rune('0'+n))
		mu.Unlock()
		return &protocol.AckResponse{
			Success: true,
			Message: &protocol.Message{
				ID:             id,
				ConversationID: conversationID,
				SenderID:       "me",
				ReceiverID:     req.ReceiverID,
				Text:           req.Text,
				Status:         protocol.StatusSent,
			},
		}
	}
}

func newExchange(t *testing.T, ch client.Channel, opts Options) *Exchange {
	t.Helper()
	x := New(nil, &focus{}, opts)
	if ch != nil {
		t.Cleanup(x.Attach(ch))
	}
	return x
}

func TestSendAcknowledged(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(acceptAll("c1"))
	x := newExchange(t, ch, Options{})

	var events []Event
	x.Subscribe(func(ev Event) { events = append(events, ev) })

	outcome, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	thread := x.Thread("c1")
	require.Len(t, thread.Entries, 1)
	assert.Equal(t, Confirmed, thread.Entries[0].State)
	assert.Equal(t, "srv-1", thread.Entries[0].Message.ID)
	assert.Equal(t, protocol.StatusSent, thread.Entries[0].Message.Status)

	sent, err := ch.LastEmitted(protocol.TypeSendMessage)
	require.NoError(t, err)
	req := sent.Payload.(*protocol.SendMessageRequest)
	assert.Equal(t, "hi", req.Text)
	assert.Equal(t, "u2", req.ReceiverID)
	assert.NotEmpty(t, req.AckID)

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{ThreadChanged, SendConfirmed, ThreadChanged}, kinds)
}

func TestSendWithoutChannel(t *testing.T) {
	t.Run("detached", func(t *testing.T) {
		x := newExchange(t, nil, Options{})
		var events int
		x.Subscribe(func(Event) { events++ })

		outcome, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
		assert.Equal(t, OutcomeNotConnected, outcome)
		assert.ErrorIs(t, err, client.ErrNotConnected)
		assert.Empty(t, x.Thread("c1").Entries)
		assert.Zero(t, events)
	})

	t.Run("disconnected", func(t *testing.T) {
		ch := client.NewMockConnection("me")
		x := newExchange(t, ch, Options{})

		outcome, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
		assert.Equal(t, OutcomeNotConnected, outcome)
		assert.ErrorIs(t, err, client.ErrNotConnected)
		assert.Empty(t, x.Thread("c1").Entries)
		assert.Empty(t, ch.Emitted(protocol.TypeSendMessage))
	})
}

func TestSendEmptyMessage(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{})

	_, err := x.Send(context.Background(), Target{ConversationID: "c1"}, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, ch.Emitted(protocol.TypeSendMessage))

	ch.SetAckResponder(acceptAll("c1"))
	outcome, err := x.Send(context.Background(), Target{ConversationID: "c1"}, "", []protocol.Media{{URL: "https://cdn/x.png"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

func TestSendRejected(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(func(uint8, any) *protocol.AckResponse {
		return &protocol.AckResponse{Success: false, Error: "blocked"}
	})
	x := newExchange(t, ch, Options{})

	var failed []Entry
	x.Subscribe(func(ev Event) {
		if ev.Kind == SendFailed {
			failed = append(failed, ev.Entry)
		}
	})

	outcome, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.ErrorIs(t, err, ErrSendRejected)
	assert.Contains(t, err.Error(), "blocked")

	entries := x.Thread("c1").Entries
	require.Len(t, entries, 1)
	assert.Equal(t, Failed, entries[0].State)
	require.Len(t, failed, 1)
	assert.Equal(t, entries[0].LocalID, failed[0].LocalID)
}

func TestSendTimesOut(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{AckTimeout: 20 * time.Millisecond})

	outcome, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.ErrorIs(t, err, client.ErrAckTimeout)

	entries := x.Thread("c1").Entries
	require.Len(t, entries, 1)
	assert.Equal(t, Failed, entries[0].State)
	assert.NotEqual(t, protocol.StatusSent, entries[0].Message.Status)
	assert.Zero(t, ch.PendingAcks())
}

func TestSendFailsWhenChannelDrops(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{})

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		o, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
		done <- result{o, err}
	}()

	require.Eventually(t, func() bool { return ch.PendingAcks() == 1 }, time.Second, time.Millisecond)
	ch.SimulateDisconnect()

	r := <-done
	assert.Equal(t, OutcomeFailed, r.outcome)
	assert.ErrorIs(t, r.err, client.ErrChannelClosed)
	assert.Equal(t, Failed, x.Thread("c1").Entries[0].State)
}

func TestRetryFailedMessage(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(func(uint8, any) *protocol.AckResponse {
		return &protocol.AckResponse{Success: false, Error: "try later"}
	})
	x := newExchange(t, ch, Options{})

	_, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	require.Error(t, err)
	localID := x.Thread("c1").Entries[0].LocalID

	ch.SetAckResponder(acceptAll("c1"))
	outcome, err := x.Retry(context.Background(), localID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	entries := x.Thread("c1").Entries
	require.Len(t, entries, 1)
	assert.Equal(t, localID, entries[0].LocalID)
	assert.Equal(t, Confirmed, entries[0].State)
	assert.Len(t, ch.Emitted(protocol.TypeSendMessage), 2)

	_, err = x.Retry(context.Background(), localID)
	assert.ErrorIs(t, err, ErrUnknownMessage, "confirmed entries cannot be retried")
	_, err = x.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestFirstMessageMovesThreadUnderConversation(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(acceptAll("c9"))
	x := newExchange(t, ch, Options{})

	require.NoError(t, x.Open(context.Background(), Target{ReceiverID: "u2"}))
	assert.Equal(t, "user:u2", x.OpenKey())

	_, err := x.Send(context.Background(), Target{ReceiverID: "u2"}, "first", nil)
	require.NoError(t, err)

	assert.Empty(t, x.Thread("user:u2").Entries)
	assert.Len(t, x.Thread("c9").Entries, 1)
	assert.Equal(t, "c9", x.OpenKey())

	_, err = x.Send(context.Background(), Target{ReceiverID: "u2"}, "second", nil)
	require.NoError(t, err)
	assert.Len(t, x.Thread("c9").Entries, 2)

	sent, err := ch.LastEmitted(protocol.TypeSendMessage)
	require.NoError(t, err)
	assert.Equal(t, "c9", sent.Payload.(*protocol.SendMessageRequest).ConversationID)
}

func TestSendsAreSerializedPerConversation(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{AckTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "msg", nil)
		}(i)
	}

	require.Eventually(t, func() bool { return len(ch.Emitted(protocol.TypeSendMessage)) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch.Emitted(protocol.TypeSendMessage), 1, "second send waits for the first ack")

	first := ch.Emitted(protocol.TypeSendMessage)[0]
	require.True(t, ch.ResolveAck(protocol.AckResponse{AckID: first.AckID, Success: true}))

	require.Eventually(t, func() bool { return len(ch.Emitted(protocol.TypeSendMessage)) == 2 }, time.Second, time.Millisecond)
	second := ch.Emitted(protocol.TypeSendMessage)[1]
	require.True(t, ch.ResolveAck(protocol.AckResponse{AckID: second.AckID, Success: true}))

	wg.Wait()
	assert.Equal(t, []Outcome{OutcomeSent, OutcomeSent}, outcomes)
	for _, e := range x.Thread("c1").Entries {
		assert.Equal(t, Confirmed, e.State)
	}
}

func TestCancelledSendSettlesLater(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{AckTimeout: 5 * time.Second})
	target := Target{ConversationID: "c1", ReceiverID: "u2"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		outcome, err := x.Send(ctx, target, "first", nil)
		assert.Equal(t, OutcomeFailed, outcome)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(ch.Emitted(protocol.TypeSendMessage)) == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Send ignored its context")
	}
	require.Len(t, x.Thread("c1").Entries, 1)
	assert.Equal(t, Pending, x.Thread("c1").Entries[0].State)

	// the conversation stays locked until the abandoned send settles
	second := make(chan Outcome, 1)
	go func() {
		outcome, _ := x.Send(context.Background(), target, "second", nil)
		second <- outcome
	}()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, ch.Emitted(protocol.TypeSendMessage), 1)

	first := ch.Emitted(protocol.TypeSendMessage)[0]
	require.True(t, ch.ResolveAck(protocol.AckResponse{AckID: first.AckID, Success: true}))
	require.Eventually(t, func() bool {
		entries := x.Thread("c1").Entries
		return len(entries) == 2 && entries[0].State == Confirmed
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(ch.Emitted(protocol.TypeSendMessage)) == 2 }, time.Second, time.Millisecond)
	next := ch.Emitted(protocol.TypeSendMessage)[1]
	require.True(t, ch.ResolveAck(protocol.AckResponse{AckID: next.AckID, Success: true}))
	assert.Equal(t, OutcomeSent, <-second)
}

func TestFirstMessageKeepsConversationSendLock(t *testing.T) {
	x := newExchange(t, nil, Options{})
	convLock := x.sendLock("c1")
	userLock := x.sendLock("user:u2")

	x.mu.Lock()
	x.threadLocked("user:u2", Target{ReceiverID: "u2"})
	key := x.resolveLocked("c1", "u2")
	x.mu.Unlock()

	require.Equal(t, "c1", key)
	assert.Same(t, convLock, x.sendLock("c1"), "an existing conversation lock is kept")
	assert.Same(t, convLock, x.sendLock("user:u2"))
	assert.NotSame(t, userLock, x.sendLock("c1"))

	x.Reset()
	assert.NotSame(t, convLock, x.sendLock("c1"))
}

func TestInboundMessageForOpenThread(t *testing.T) {
	tests := []struct {
		name       string
		focused    bool
		wantStatus protocol.MessageStatus
		wantReads  int
	}{
		{"unfocused acknowledges delivery", false, protocol.StatusDelivered, 0},
		{"focused also marks read", true, protocol.StatusRead, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := client.NewConnectedMock("me")
			x := New(nil, &focus{focused: tt.focused}, Options{})
			defer x.Attach(ch)()

			require.NoError(t, x.Open(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}))
			require.NoError(t, ch.SimulateEvent(protocol.TypeReceiveMessage, protocol.Message{
				ID: "m1", ConversationID: "c1", SenderID: "u2", ReceiverID: "me", Text: "yo",
			}))

			delivered := ch.Emitted(protocol.TypeMessagesDelivered)
			require.Len(t, delivered, 1)
			assert.Equal(t, protocol.Receipt{}, delivered[0].Payload)
			assert.Len(t, ch.Emitted(protocol.TypeMessagesRead), tt.wantReads)

			entries := x.Thread("c1").Entries
			require.Len(t, entries, 1)
			assert.Equal(t, tt.wantStatus, entries[0].Message.Status)
		})
	}
}

func TestInboundMessageForOtherThread(t *testing.T) {
	ch := client.NewConnectedMock("me")
	x := newExchange(t, ch, Options{})

	require.NoError(t, x.Open(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}))
	require.NoError(t, ch.SimulateEvent(protocol.TypeReceiveMessage, protocol.Message{
		ID: "m1", ConversationID: "c2", SenderID: "u3", ReceiverID: "me",
	}))
	require.NoError(t, ch.SimulateEvent(protocol.TypeReceiveMessage, protocol.Message{
		ID: "m1", ConversationID: "c2", SenderID: "u3", ReceiverID: "me",
	}))

	assert.Empty(t, ch.Emitted(protocol.TypeMessagesDelivered))
	assert.Len(t, x.Thread("c2").Entries, 1, "duplicates are dropped")

	x.Close()
	require.NoError(t, ch.SimulateEvent(protocol.TypeReceiveMessage, protocol.Message{
		ID: "m2", ConversationID: "c1", SenderID: "u2", ReceiverID: "me",
	}))
	assert.Empty(t, ch.Emitted(protocol.TypeMessagesDelivered), "closed thread is not acknowledged")
}

func TestReceiptsAdvanceOwnMessages(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(acceptAll("c1"))
	x := newExchange(t, ch, Options{})

	_, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	require.NoError(t, err)
	require.NoError(t, ch.SimulateEvent(protocol.TypeReceiveMessage, protocol.Message{
		ID: "in", ConversationID: "c1", SenderID: "u2", ReceiverID: "me", Status: protocol.StatusSent,
	}))

	require.NoError(t, ch.SimulateEvent(protocol.TypeMessagesRead, protocol.Receipt{ConversationID: "c1"}))
	require.NoError(t, ch.SimulateEvent(protocol.TypeMessagesDelivered, protocol.Receipt{}))

	entries := x.Thread("c1").Entries
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.StatusRead, entries[0].Message.Status, "read is not undone by a late delivery receipt")
	assert.Equal(t, protocol.StatusSent, entries[1].Message.Status, "receipts only touch own messages")

	require.NoError(t, ch.SimulateEvent(protocol.TypeMessagesRead, protocol.Receipt{ConversationID: "other"}))
	assert.Equal(t, protocol.StatusRead, x.Thread("c1").Entries[0].Message.Status)
}

func TestStatusNeverRegressesProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ch := client.NewConnectedMock("me")
		ch.SetAckResponder(acceptAll("c1"))
		x := New(nil, nil, Options{})
		detach := x.Attach(ch)
		defer detach()

		_, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
		if err != nil {
			rt.Fatalf("send: %v", err)
		}

		last := protocol.StatusSent
		steps := rapid.SliceOfN(rapid.SampledFrom([]uint8{protocol.TypeMessagesDelivered, protocol.TypeMessagesRead}), 1, 20).Draw(rt, "receipts")
		for _, typ := range steps {
			scoped := rapid.Bool().Draw(rt, "scoped")
			receipt := protocol.Receipt{}
			if scoped {
				receipt.ConversationID = "c1"
			}
			if err := ch.SimulateEvent(typ, receipt); err != nil {
				rt.Fatalf("simulate: %v", err)
			}
			status := x.Thread("c1").Entries[0].Message.Status
			if status < last {
				rt.Fatalf("status went from %s to %s", last, status)
			}
			last = status
		}
	})
}

func TestOpenMergesHistory(t *testing.T) {
	now := time.Now()
	backend := &historyBackend{messages: []protocol.Message{
		{ID: "h2", ConversationID: "c1", SenderID: "u2", ReceiverID: "me", SentAt: now, Status: protocol.StatusDelivered},
		{ID: "h1", ConversationID: "c1", SenderID: "me", ReceiverID: "u2", SentAt: now.Add(-time.Minute), Status: protocol.StatusRead},
	}}
	ch := client.NewConnectedMock("me")
	x := New(backend, &focus{focused: true}, Options{AckTimeout: 10 * time.Millisecond})
	defer x.Attach(ch)()

	outcome, _ := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "lost", nil)
	require.Equal(t, OutcomeTimedOut, outcome)

	require.NoError(t, x.Open(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}))
	assert.Equal(t, 1, backend.calls)

	entries := x.Thread("c1").Entries
	require.Len(t, entries, 3)
	assert.Equal(t, "h1", entries[0].Message.ID)
	assert.Equal(t, "h2", entries[1].Message.ID)
	assert.Equal(t, protocol.StatusRead, entries[1].Message.Status, "opening a focused thread reads it")
	assert.Equal(t, Failed, entries[2].State, "failed sends stay flagged after history")

	read, err := ch.LastEmitted(protocol.TypeMessagesRead)
	require.NoError(t, err)
	assert.Equal(t, protocol.Receipt{ConversationID: "c1"}, read.Payload)
}

func TestOpenHistoryFailure(t *testing.T) {
	backend := &historyBackend{err: errors.New("502")}
	x := New(backend, nil, Options{})

	err := x.Open(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"})
	assert.EqualError(t, err, "502")
	assert.Equal(t, "c1", x.OpenKey(), "thread opens even without history")
}

func TestReset(t *testing.T) {
	ch := client.NewConnectedMock("me")
	ch.SetAckResponder(acceptAll("c1"))
	x := newExchange(t, ch, Options{})

	require.NoError(t, x.Open(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}))
	_, err := x.Send(context.Background(), Target{ConversationID: "c1", ReceiverID: "u2"}, "hi", nil)
	require.NoError(t, err)

	x.Reset()
	assert.Empty(t, x.Thread("c1").Entries)
	assert.Empty(t, x.OpenKey())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "failed", Failed.String())
}
