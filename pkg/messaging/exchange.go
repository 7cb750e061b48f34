// Package messaging sends direct messages over the channel and tracks the
// per-message Sent → Delivered → Read progression.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/protocol"
)

var (
	// ErrSendRejected wraps the reason of a failed acknowledgement.
	ErrSendRejected = errors.New("message rejected by server")
	// ErrEmptyMessage is returned for a send with neither text nor media.
	ErrEmptyMessage = errors.New("message has no text or media")
	// ErrUnknownMessage is returned by Retry for ids it does not know or
	// that did not fail.
	ErrUnknownMessage = errors.New("no failed message with that id")
)

// DefaultAckTimeout bounds the wait for a send acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// Outcome is the result of a send.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeNotConnected
	OutcomeRejected
	OutcomeTimedOut
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeNotConnected:
		return "not_connected"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Target addresses a conversation. ConversationID is empty for the first
// message to someone.
type Target struct {
	ConversationID string
	ReceiverID     string
}

func (t Target) key() string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	return "user:" + t.ReceiverID
}

// SendState tags a thread entry.
type SendState int

const (
	Pending   SendState = iota // emitted, waiting for the ack
	Confirmed                  // acknowledged or received
	Failed                     // rejected or timed out; Retry re-sends
)

func (s SendState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one message in a thread.
type Entry struct {
	LocalID string
	Message protocol.Message
	State   SendState
	Err     error
}

// Thread is a snapshot of one conversation's messages, oldest first.
type Thread struct {
	Key            string
	ConversationID string
	ReceiverID     string
	Entries        []Entry
}

// EventKind classifies exchange notifications.
type EventKind int

const (
	ThreadChanged EventKind = iota
	SendConfirmed
	SendFailed
)

// Event tells subscribers what changed.
type Event struct {
	Kind  EventKind
	Key   string
	Entry Entry
}

// Backend loads message history.
type Backend interface {
	FetchMessages(ctx context.Context, conversationID string, page, limit int) (protocol.MessagePage, error)
}

// Visibility reports whether an open thread is actually on screen.
type Visibility interface {
	Focused() bool
}

type thread struct {
	conversationID string
	receiverID     string
	entries        []Entry
}

// Exchange owns message threads and the send protocol.
type Exchange struct {
	backend      Backend
	visibility   Visibility
	ackTimeout   time.Duration
	historyLimit int
	logger       zerolog.Logger

	chMu sync.RWMutex
	ch   client.Channel

	mu        sync.Mutex
	threads   map[string]*thread
	aliases   map[string]string // "user:<id>" -> conversation id
	open      string
	sendLocks map[string]*sync.Mutex

	subMu sync.Mutex
	subs  map[uint64]func(Event)
	next  uint64
}

// Options configures an Exchange.
type Options struct {
	AckTimeout   time.Duration
	HistoryLimit int
	Logger       zerolog.Logger
}

// New creates an exchange. backend and visibility may be nil.
func New(backend Backend, visibility Visibility, opts Options) *Exchange {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	return &Exchange{
		backend:      backend,
		visibility:   visibility,
		ackTimeout:   opts.AckTimeout,
		historyLimit: opts.HistoryLimit,
		logger:       opts.Logger.With().Str("component", "messaging").Logger(),
		threads:      make(map[string]*thread),
		aliases:      make(map[string]string),
		sendLocks:    make(map[string]*sync.Mutex),
		subs:         make(map[uint64]func(Event)),
	}
}

// Attach binds the exchange to ch. The returned function detaches.
func (x *Exchange) Attach(ch client.Channel) func() {
	x.chMu.Lock()
	x.ch = ch
	x.chMu.Unlock()

	unsubs := []func(){
		ch.Subscribe(protocol.TypeReceiveMessage, x.handleReceive),
		ch.Subscribe(protocol.TypeMessagesDelivered, x.receiptHandler(protocol.StatusDelivered)),
		ch.Subscribe(protocol.TypeMessagesRead, x.receiptHandler(protocol.StatusRead)),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
		x.chMu.Lock()
		if x.ch == ch {
			x.ch = nil
		}
		x.chMu.Unlock()
	}
}

func (x *Exchange) channel() client.Channel {
	x.chMu.RLock()
	defer x.chMu.RUnlock()
	return x.ch
}

// Subscribe registers fn for exchange events.
func (x *Exchange) Subscribe(fn func(Event)) func() {
	x.subMu.Lock()
	defer x.subMu.Unlock()
	x.next++
	id := x.next
	x.subs[id] = fn
	return func() {
		x.subMu.Lock()
		delete(x.subs, id)
		x.subMu.Unlock()
	}
}

func (x *Exchange) emit(events ...Event) {
	x.subMu.Lock()
	ids := make([]uint64, 0, len(x.subs))
	for id := range x.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, x.subs[id])
	}
	x.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// sendLock returns the mutex serializing sends to one conversation.
func (x *Exchange) sendLock(key string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	if alias, ok := x.aliases[key]; ok {
		key = alias
	}
	l, ok := x.sendLocks[key]
	if !ok {
		l = &sync.Mutex{}
		x.sendLocks[key] = l
	}
	return l
}

// threadLocked returns the thread for key, creating it.
func (x *Exchange) threadLocked(key string, target Target) *thread {
	t, ok := x.threads[key]
	if !ok {
		t = &thread{conversationID: target.ConversationID, receiverID: target.ReceiverID}
		x.threads[key] = t
	}
	if t.conversationID != "" && target.ReceiverID != "" {
		x.aliases["user:"+target.ReceiverID] = t.conversationID
	}
	return t
}

// resolveLocked maps a conversation id or counterpart to an existing thread
// key, moving a "user:" thread under its conversation id once that is known.
func (x *Exchange) resolveLocked(conversationID, counterpart string) string {
	if conversationID != "" {
		if _, ok := x.threads[conversationID]; ok {
			return conversationID
		}
	}
	userKey := "user:" + counterpart
	if alias, ok := x.aliases[userKey]; ok && conversationID == "" {
		return alias
	}
	if t, ok := x.threads[userKey]; ok && conversationID != "" {
		delete(x.threads, userKey)
		t.conversationID = conversationID
		x.threads[conversationID] = t
		x.aliases[userKey] = conversationID
		if x.open == userKey {
			x.open = conversationID
		}
		if l, ok := x.sendLocks[userKey]; ok {
			if _, held := x.sendLocks[conversationID]; !held {
				x.sendLocks[conversationID] = l
			}
			delete(x.sendLocks, userKey)
		}
		return conversationID
	}
	if conversationID != "" {
		return conversationID
	}
	return userKey
}

func findEntry(t *thread, localID string) int {
	for i, e := range t.entries {
		if e.LocalID == localID {
			return i
		}
	}
	return -1
}

func (x *Exchange) self(ch client.Channel) string {
	if ch == nil {
		return ""
	}
	return ch.UserID()
}

// Send emits a message to target and waits for its acknowledgement, bounded
// by the ack timeout. Without a live channel it fails immediately with
// OutcomeNotConnected and leaves every thread untouched. Sends to the same
// conversation are serialized. Failures are never retried automatically.
// If ctx ends first Send returns OutcomeFailed with ctx's error, and the
// entry is settled once the ack or its timeout arrives.
func (x *Exchange) Send(ctx context.Context, target Target, text string, media []protocol.Media) (Outcome, error) {
	if strings.TrimSpace(text) == "" && len(media) == 0 {
		return OutcomeFailed, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}
	ch := x.channel()
	if ch == nil || !ch.IsConnected() {
		metrics.RecordSend(OutcomeNotConnected.String(), 0)
		return OutcomeNotConnected, client.ErrNotConnected
	}

	lock := x.sendLock(target.key())
	lock.Lock()

	// the channel may have gone while an earlier send held the lock
	ch = x.channel()
	if ch == nil || !ch.IsConnected() {
		lock.Unlock()
		metrics.RecordSend(OutcomeNotConnected.String(), 0)
		return OutcomeNotConnected, client.ErrNotConnected
	}

	localID := uuid.NewString()
	x.mu.Lock()
	key := x.resolveLocked(target.ConversationID, target.ReceiverID)
	t := x.threadLocked(key, target)
	entry := Entry{
		LocalID: localID,
		Message: protocol.Message{
			ID:             localID,
			ConversationID: t.conversationID,
			SenderID:       x.self(ch),
			ReceiverID:     target.ReceiverID,
			Text:           text,
			Media:          media,
			SentAt:         time.Now(),
		},
		State: Pending,
	}
	t.entries = append(t.entries, entry)
	x.mu.Unlock()
	x.emit(Event{Kind: ThreadChanged, Key: key, Entry: entry})

	return x.deliver(ctx, ch, lock, key, localID)
}

// Retry re-sends a failed message under the same local id.
func (x *Exchange) Retry(ctx context.Context, localID string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeFailed, err
	}
	ch := x.channel()
	if ch == nil || !ch.IsConnected() {
		metrics.RecordSend(OutcomeNotConnected.String(), 0)
		return OutcomeNotConnected, client.ErrNotConnected
	}

	x.mu.Lock()
	key := ""
	for k, t := range x.threads {
		if i := findEntry(t, localID); i >= 0 && t.entries[i].State == Failed {
			key = k
			break
		}
	}
	x.mu.Unlock()
	if key == "" {
		return OutcomeFailed, ErrUnknownMessage
	}

	lock := x.sendLock(key)
	lock.Lock()

	x.mu.Lock()
	key = x.keyOfLocked(localID)
	t := x.threads[key]
	var entry Entry
	if t != nil {
		if i := findEntry(t, localID); i >= 0 && t.entries[i].State == Failed {
			t.entries[i].State = Pending
			t.entries[i].Err = nil
			entry = t.entries[i]
		}
	}
	x.mu.Unlock()
	if entry.LocalID == "" {
		lock.Unlock()
		return OutcomeFailed, ErrUnknownMessage
	}
	x.emit(Event{Kind: ThreadChanged, Key: key, Entry: entry})

	return x.deliver(ctx, ch, lock, key, localID)
}

func (x *Exchange) keyOfLocked(localID string) string {
	for k, t := range x.threads {
		if findEntry(t, localID) >= 0 {
			return k
		}
	}
	return ""
}

// deliver emits the pending entry and settles it with the ack result. It
// owns the conversation's send lock and releases it once the entry settles.
func (x *Exchange) deliver(ctx context.Context, ch client.Channel, lock *sync.Mutex, key, localID string) (Outcome, error) {
	x.mu.Lock()
	t := x.threads[key]
	if t == nil || findEntry(t, localID) < 0 {
		x.mu.Unlock()
		lock.Unlock()
		return OutcomeFailed, ErrUnknownMessage
	}
	msg := t.entries[findEntry(t, localID)].Message
	x.mu.Unlock()

	req := &protocol.SendMessageRequest{
		ReceiverID:     msg.ReceiverID,
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		Media:          msg.Media,
	}
	future := ch.EmitWithAck(protocol.TypeSendMessage, req, x.ackTimeout)
	if _, err := future.Wait(ctx); err != nil && ctx.Err() != nil {
		if _, _, done := future.Result(); !done {
			x.logger.Debug().Str("local_id", localID).Msg("Caller gave up, settling send in background")
			go func() {
				defer lock.Unlock()
				<-future.Done()
				x.settle(future, msg, localID)
			}()
			return OutcomeFailed, err
		}
	}
	defer lock.Unlock()
	return x.settle(future, msg, localID)
}

// settle records the resolved future on the entry and notifies subscribers.
func (x *Exchange) settle(future *client.AckFuture, msg protocol.Message, localID string) (Outcome, error) {
	ack, err, _ := future.Result()

	outcome := OutcomeSent
	switch {
	case errors.Is(err, client.ErrAckTimeout):
		outcome = OutcomeTimedOut
	case errors.Is(err, client.ErrNotConnected):
		outcome = OutcomeNotConnected
	case err != nil:
		outcome = OutcomeFailed
	case !ack.Success:
		outcome = OutcomeRejected
		reason := ack.Error
		if reason == "" {
			reason = "no reason given"
		}
		err = fmt.Errorf("%w: %s", ErrSendRejected, reason)
	}
	metrics.RecordSend(outcome.String(), future.Latency().Seconds())

	x.mu.Lock()
	key := x.keyOfLocked(localID)
	t := x.threads[key]
	if t == nil {
		// dropped by Reset while the ack was outstanding
		x.mu.Unlock()
		return outcome, err
	}
	i := findEntry(t, localID)
	if outcome == OutcomeSent {
		confirmed := msg
		if ack.Message != nil {
			confirmed = *ack.Message
		}
		if confirmed.Status < protocol.StatusSent {
			confirmed.Status = protocol.StatusSent
		}
		t.entries[i].Message = confirmed
		t.entries[i].State = Confirmed
		t.entries[i].Err = nil
		if confirmed.ConversationID != "" && key != confirmed.ConversationID {
			key = x.resolveLocked(confirmed.ConversationID, confirmed.ReceiverID)
		}
	} else {
		t.entries[i].State = Failed
		t.entries[i].Err = err
	}
	entry := t.entries[i]
	x.mu.Unlock()

	if outcome == OutcomeSent {
		x.logger.Debug().Str("conversation", entry.Message.ConversationID).Msg("Message acknowledged")
		x.emit(Event{Kind: SendConfirmed, Key: key, Entry: entry}, Event{Kind: ThreadChanged, Key: key, Entry: entry})
		return outcome, nil
	}
	x.logger.Warn().Err(err).Str("outcome", outcome.String()).Str("receiver", msg.ReceiverID).Msg("Message send failed")
	x.emit(Event{Kind: SendFailed, Key: key, Entry: entry}, Event{Kind: ThreadChanged, Key: key, Entry: entry})
	return outcome, err
}

// Open loads recent history for target and marks it as the thread on
// screen. Inbound messages for the open thread are acknowledged as
// delivered, and as read while the terminal has focus.
func (x *Exchange) Open(ctx context.Context, target Target) error {
	x.mu.Lock()
	key := x.resolveLocked(target.ConversationID, target.ReceiverID)
	x.threadLocked(key, target)
	x.open = key
	x.mu.Unlock()

	var loadErr error
	if target.ConversationID != "" && x.backend != nil {
		page, err := x.backend.FetchMessages(ctx, target.ConversationID, 1, x.historyLimit)
		if err != nil {
			x.logger.Warn().Err(err).Str("conversation", target.ConversationID).Msg("History fetch failed")
			loadErr = err
		} else {
			x.mergeHistory(key, page.Data)
		}
	}

	x.acknowledgeOpen()
	x.emit(Event{Kind: ThreadChanged, Key: key})
	return loadErr
}

// mergeHistory replaces confirmed entries with server history, keeping
// local pending and failed entries after it.
func (x *Exchange) mergeHistory(key string, history []protocol.Message) {
	x.mu.Lock()
	defer x.mu.Unlock()

	t := x.threads[key]
	if t == nil {
		return
	}
	known := make(map[string]protocol.MessageStatus, len(t.entries))
	var local []Entry
	for _, e := range t.entries {
		if e.State == Confirmed {
			known[e.Message.ID] = e.Message.Status
		} else {
			local = append(local, e)
		}
	}

	sorted := append([]protocol.Message(nil), history...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SentAt.Before(sorted[j].SentAt) })

	entries := make([]Entry, 0, len(sorted)+len(local))
	for _, m := range sorted {
		// a receipt seen live never regresses through stale history
		if prev, ok := known[m.ID]; ok {
			m.Status, _ = prev.Advance(m.Status)
		}
		entries = append(entries, Entry{LocalID: m.ID, Message: m, State: Confirmed})
	}
	t.entries = append(entries, local...)
}

// acknowledgeOpen sends a read receipt for unread inbound messages of the
// open thread when it is visible.
func (x *Exchange) acknowledgeOpen() {
	ch := x.channel()
	if ch == nil || !ch.IsConnected() || !x.visible() {
		return
	}
	self := ch.UserID()

	x.mu.Lock()
	t := x.threads[x.open]
	conversationID := ""
	unread := false
	if t != nil {
		conversationID = t.conversationID
		for i := range t.entries {
			m := &t.entries[i].Message
			if m.SenderID != self && m.Status < protocol.StatusRead {
				m.Status = protocol.StatusRead
				unread = true
			}
		}
	}
	x.mu.Unlock()

	if unread && conversationID != "" {
		if err := ch.Emit(protocol.TypeMessagesRead, protocol.Receipt{ConversationID: conversationID}); err != nil {
			x.logger.Debug().Err(err).Msg("Read receipt not sent")
		}
	}
}

// Refocus is called when the terminal regains focus.
func (x *Exchange) Refocus() {
	x.acknowledgeOpen()
	x.mu.Lock()
	key := x.open
	x.mu.Unlock()
	if key != "" {
		x.emit(Event{Kind: ThreadChanged, Key: key})
	}
}

func (x *Exchange) visible() bool {
	return x.visibility == nil || x.visibility.Focused()
}

// Close marks that no thread is on screen.
func (x *Exchange) Close() {
	x.mu.Lock()
	x.open = ""
	x.mu.Unlock()
}

// OpenKey returns the key of the thread on screen, or "".
func (x *Exchange) OpenKey() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.open
}

// Thread returns a snapshot of the thread for a conversation id or thread
// key.
func (x *Exchange) Thread(key string) Thread {
	x.mu.Lock()
	defer x.mu.Unlock()
	t, ok := x.threads[key]
	if !ok {
		return Thread{Key: key}
	}
	entries := make([]Entry, len(t.entries))
	copy(entries, t.entries)
	return Thread{Key: key, ConversationID: t.conversationID, ReceiverID: t.receiverID, Entries: entries}
}

// Reset drops every thread, used when the identity changes.
func (x *Exchange) Reset() {
	x.mu.Lock()
	x.threads = make(map[string]*thread)
	x.aliases = make(map[string]string)
	x.sendLocks = make(map[string]*sync.Mutex)
	x.open = ""
	x.mu.Unlock()
}

func (x *Exchange) handleReceive(frame *protocol.Frame) {
	var msg protocol.Message
	if err := frame.Decode(&msg); err != nil {
		x.logger.Warn().Err(err).Msg("Malformed receive_message")
		return
	}
	ch := x.channel()
	self := x.self(ch)
	inbound := msg.SenderID != self
	counterpart := msg.SenderID
	if !inbound {
		counterpart = msg.ReceiverID
	}

	x.mu.Lock()
	key := x.resolveLocked(msg.ConversationID, counterpart)
	t := x.threadLocked(key, Target{ConversationID: msg.ConversationID, ReceiverID: counterpart})
	if t.conversationID == "" {
		t.conversationID = msg.ConversationID
	}
	isOpen := key == x.open
	if msg.Status < protocol.StatusSent {
		msg.Status = protocol.StatusSent
	}
	markRead := inbound && isOpen && x.visible()
	if inbound && isOpen {
		msg.Status, _ = msg.Status.Advance(protocol.StatusDelivered)
		if markRead {
			msg.Status, _ = msg.Status.Advance(protocol.StatusRead)
		}
	}
	duplicate := false
	for _, e := range t.entries {
		if e.State == Confirmed && e.Message.ID == msg.ID {
			duplicate = true
			break
		}
	}
	entry := Entry{LocalID: msg.ID, Message: msg, State: Confirmed}
	if !duplicate {
		t.entries = append(t.entries, entry)
	}
	x.mu.Unlock()

	if inbound && isOpen && ch != nil {
		// fire-and-forget, never retried
		if err := ch.Emit(protocol.TypeMessagesDelivered, protocol.Receipt{}); err != nil {
			x.logger.Debug().Err(err).Msg("Delivery acknowledgement not sent")
		}
		if markRead {
			if err := ch.Emit(protocol.TypeMessagesRead, protocol.Receipt{ConversationID: msg.ConversationID}); err != nil {
				x.logger.Debug().Err(err).Msg("Read receipt not sent")
			}
		}
	}

	if !duplicate {
		x.emit(Event{Kind: ThreadChanged, Key: key, Entry: entry})
	}
}

// receiptHandler promotes the user's own confirmed messages to status.
func (x *Exchange) receiptHandler(status protocol.MessageStatus) client.Handler {
	return func(frame *protocol.Frame) {
		var receipt protocol.Receipt
		if err := frame.Decode(&receipt); err != nil {
			x.logger.Warn().Err(err).Msg("Malformed receipt")
			return
		}
		self := x.self(x.channel())

		var changed []string
		x.mu.Lock()
		for key, t := range x.threads {
			if receipt.ConversationID != "" && t.conversationID != receipt.ConversationID {
				continue
			}
			moved := false
			for i := range t.entries {
				e := &t.entries[i]
				if e.State != Confirmed || e.Message.SenderID != self {
					continue
				}
				if next, ok := e.Message.Status.Advance(status); ok {
					e.Message.Status = next
					moved = true
				}
			}
			if moved {
				changed = append(changed, key)
			}
		}
		x.mu.Unlock()

		sort.Strings(changed)
		events := make([]Event, 0, len(changed))
		for _, key := range changed {
			events = append(events, Event{Kind: ThreadChanged, Key: key})
		}
		x.emit(events...)
	}
}
