// Package conversations keeps the paginated conversation list in sync with
// the REST API and the live channel.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/protocol"
)

// ErrStaleFetch is returned by FetchPage when a newer fetch replaced it. Its
// result was discarded.
var ErrStaleFetch = errors.New("conversation fetch superseded")

// DefaultPageSize is used by Refresh and LoadMore when none is configured.
const DefaultPageSize = 10

// Sync tags an item with its reconciliation state.
type Sync int

const (
	Confirmed  Sync = iota // matches the server
	Optimistic             // local mutation awaiting confirmation
)

// LoadState describes the list as a whole.
type LoadState int

const (
	Idle LoadState = iota
	Loading
	Ready
	Empty // page 1 came back with no conversations
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Item is one row of the list.
type Item struct {
	protocol.Conversation
	Sync Sync
}

// Snapshot is a read-only copy of the list.
type Snapshot struct {
	Items    []Item
	Page     int // last page loaded
	HasMore  bool
	State    LoadState
	Fetching bool
	Err      error // last fetch or rollback error
}

// RollbackError reports a bulk action the server refused. The local
// mutation was reverted.
type RollbackError struct {
	Op  string
	IDs []string
	Err error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s %s failed, reverted: %v", e.Op, strings.Join(e.IDs, ","), e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Backend is the REST surface the synchronizer needs.
type Backend interface {
	FetchConversations(ctx context.Context, page, limit int) (protocol.ConversationPage, error)
	MarkConversationsRead(ctx context.Context, ids []string) error
	MarkConversationsUnread(ctx context.Context, ids []string) error
	DeleteConversations(ctx context.Context, ids []string) error
}

// Synchronizer owns the conversation list. All mutations go through it;
// readers get snapshots.
type Synchronizer struct {
	backend  Backend
	pageSize int
	logger   zerolog.Logger

	mu          sync.Mutex
	items       []Item
	page        int
	hasMore     bool
	state       LoadState
	err         error
	active      string
	fetchSeq    uint64
	cancelFetch context.CancelFunc
	opSeq       uint64
	pending     map[string]uint64 // conversation id -> owning op

	subMu sync.Mutex
	subs  map[uint64]func(Snapshot)
	next  uint64
	pubMu sync.Mutex
}

// New creates an empty synchronizer.
func New(backend Backend, pageSize int, logger zerolog.Logger) *Synchronizer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Synchronizer{
		backend:  backend,
		pageSize: pageSize,
		logger:   logger.With().Str("component", "conversations").Logger(),
		pending:  make(map[string]uint64),
		subs:     make(map[uint64]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current list.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	items := make([]Item, len(s.items))
	copy(items, s.items)
	return Snapshot{
		Items:    items,
		Page:     s.page,
		HasMore:  s.hasMore,
		State:    s.state,
		Fetching: s.cancelFetch != nil,
		Err:      s.err,
	}
}

// HasMore reports whether another page can be loaded.
func (s *Synchronizer) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// TotalUnseen sums the unseen counts of all loaded conversations.
func (s *Synchronizer) TotalUnseen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, it := range s.items {
		total += it.UnseenCount
	}
	return total
}

// Subscribe registers fn for list changes.
func (s *Synchronizer) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.next++
	id := s.next
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Synchronizer) publish() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	snap := s.Snapshot()

	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// hasMorePages derives the load-more flag from pagination metadata.
func hasMorePages(p protocol.Pagination, requested, loaded int) bool {
	if p.TotalPages > 0 {
		current := p.CurrentPage
		if current <= 0 {
			current = requested
		}
		return current < p.TotalPages
	}
	return loaded < p.TotalItems
}

// FetchPage loads one page. Page 1 replaces the list, later pages append
// conversations not already present. A newer fetch cancels this one and a
// late result is discarded with ErrStaleFetch. On failure the list and the
// page cursor are left unchanged.
func (s *Synchronizer) FetchPage(ctx context.Context, page, limit int) ([]protocol.Conversation, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = s.pageSize
	}

	s.mu.Lock()
	s.fetchSeq++
	seq := s.fetchSeq
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	fctx, cancel := context.WithCancel(ctx)
	s.cancelFetch = cancel
	if len(s.items) == 0 {
		s.state = Loading
	}
	s.mu.Unlock()
	s.publish()

	resp, err := s.backend.FetchConversations(fctx, page, limit)
	cancel()

	s.mu.Lock()
	if seq != s.fetchSeq {
		s.mu.Unlock()
		metrics.StaleFetches.Inc()
		s.logger.Debug().Int("page", page).Msg("Discarding superseded conversation fetch")
		return nil, ErrStaleFetch
	}
	s.cancelFetch = nil

	if err != nil {
		s.err = err
		if len(s.items) == 0 {
			s.state = Failed
		}
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int("page", page).Msg("Conversation fetch failed")
		s.publish()
		return nil, err
	}

	incoming := make([]Item, 0, len(resp.Data))
	for _, c := range resp.Data {
		if c.ID == s.active {
			c.UnseenCount = 0
		}
		incoming = append(incoming, Item{Conversation: c})
	}

	if page == 1 {
		s.items = incoming
	} else {
		known := make(map[string]bool, len(s.items))
		for _, it := range s.items {
			known[it.ID] = true
		}
		for _, it := range incoming {
			if !known[it.ID] {
				s.items = append(s.items, it)
			}
		}
	}
	s.page = page
	s.hasMore = hasMorePages(resp.Pagination, page, len(s.items))
	s.err = nil
	if len(s.items) == 0 {
		s.state = Empty
	} else {
		s.state = Ready
	}
	s.mu.Unlock()

	s.logger.Debug().Int("page", page).Int("received", len(resp.Data)).Msg("Conversation page loaded")
	s.publish()
	return resp.Data, nil
}

// Refresh reloads page 1.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	_, err := s.FetchPage(ctx, 1, s.pageSize)
	return err
}

// LoadMore fetches the next page when there is one.
func (s *Synchronizer) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	more := s.hasMore
	next := s.page + 1
	s.mu.Unlock()
	if !more {
		return nil
	}
	_, err := s.FetchPage(ctx, next, s.pageSize)
	return err
}

// Reset forgets the list and cancels any fetch in flight.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.fetchSeq++
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
	s.items = nil
	s.page = 0
	s.hasMore = false
	s.state = Idle
	s.err = nil
	s.active = ""
	s.pending = make(map[string]uint64)
	s.mu.Unlock()
	s.publish()
}

// SetActive records the conversation being viewed and zeroes its unseen
// count.
func (s *Synchronizer) SetActive(conversationID string) {
	s.mu.Lock()
	s.active = conversationID
	changed := false
	if conversationID != "" {
		if i := s.indexLocked(conversationID); i >= 0 && s.items[i].UnseenCount != 0 {
			s.items[i].UnseenCount = 0
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.publish()
	}
}

func (s *Synchronizer) indexLocked(id string) int {
	for i, it := range s.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// Attach subscribes to receive_message on ch. The returned function
// detaches.
func (s *Synchronizer) Attach(ch client.Channel) func() {
	self := ch.UserID()
	return ch.Subscribe(protocol.TypeReceiveMessage, func(frame *protocol.Frame) {
		var msg protocol.Message
		if err := frame.Decode(&msg); err != nil {
			s.logger.Warn().Err(err).Msg("Malformed receive_message")
			return
		}
		s.applyMessage(self, msg)
	})
}

// ApplyOutgoing records a message the user sent as the conversation's last
// message.
func (s *Synchronizer) ApplyOutgoing(msg protocol.Message) {
	s.applyMessage(msg.SenderID, msg)
}

func (s *Synchronizer) applyMessage(self string, msg protocol.Message) {
	inbound := msg.SenderID != self
	counterpart := msg.SenderID
	if !inbound {
		counterpart = msg.ReceiverID
	}
	stored := msg

	s.mu.Lock()
	i := -1
	if msg.ConversationID != "" {
		i = s.indexLocked(msg.ConversationID)
	}
	if i < 0 {
		for j, it := range s.items {
			if it.OtherParticipant.ID == counterpart {
				i = j
				break
			}
		}
	}

	if i >= 0 {
		it := &s.items[i]
		it.LastMessage = &stored
		if inbound && it.ID != s.active {
			it.UnseenCount++
		}
		if it.ID == s.active {
			it.UnseenCount = 0
		}
	} else {
		conv := protocol.Conversation{
			ID:               msg.ConversationID,
			OtherParticipant: protocol.Participant{ID: counterpart},
			LastMessage:      &stored,
		}
		if inbound && conv.ID != s.active {
			conv.UnseenCount = 1
		}
		s.items = append([]Item{{Conversation: conv}}, s.items...)
		if s.state == Empty || s.state == Idle {
			s.state = Ready
		}
	}
	s.mu.Unlock()

	s.logger.Debug().Str("conversation", msg.ConversationID).Bool("inbound", inbound).Msg("Conversation updated from channel")
	s.publish()
}

// MarkRead clears the unseen state of ids locally, then confirms with the
// server.
func (s *Synchronizer) MarkRead(ctx context.Context, ids []string) error {
	return s.mutate(ctx, "mark_read", ids, func(it *Item) {
		it.UnseenCount = 0
		it.MarkedAsUnread = false
	}, s.backend.MarkConversationsRead)
}

// MarkUnread flags ids unread locally, then confirms with the server.
func (s *Synchronizer) MarkUnread(ctx context.Context, ids []string) error {
	return s.mutate(ctx, "mark_unread", ids, func(it *Item) {
		it.MarkedAsUnread = true
	}, s.backend.MarkConversationsUnread)
}

// Delete removes ids locally, then confirms with the server.
func (s *Synchronizer) Delete(ctx context.Context, ids []string) error {
	return s.mutate(ctx, "delete", ids, nil, s.backend.DeleteConversations)
}

type priorItem struct {
	index int
	item  Item
	after Item // the item right after the optimistic change
}

// revertLocked undoes the optimistic change on cur while keeping updates
// that arrived after it, such as a new last message or more unseen messages.
func (s *Synchronizer) revertLocked(cur *Item, p priorItem) {
	if cur.MarkedAsUnread == p.after.MarkedAsUnread {
		cur.MarkedAsUnread = p.item.MarkedAsUnread
	}
	cur.UnseenCount += p.item.UnseenCount - p.after.UnseenCount
	if cur.UnseenCount < 0 || cur.ID == s.active {
		cur.UnseenCount = 0
	}
	cur.Sync = p.item.Sync
}

// mutate applies an optimistic change to ids and reverts it if confirm
// fails. A nil change removes the items.
func (s *Synchronizer) mutate(ctx context.Context, op string, ids []string, change func(*Item), confirm func(context.Context, []string) error) error {
	s.mu.Lock()
	s.opSeq++
	token := s.opSeq
	prior := make(map[string]priorItem, len(ids))
	for _, id := range ids {
		i := s.indexLocked(id)
		if i < 0 {
			continue
		}
		if _, dup := prior[id]; dup {
			continue
		}
		prior[id] = priorItem{index: i, item: s.items[i]}
		s.pending[id] = token
	}
	if len(prior) == 0 {
		s.mu.Unlock()
		return nil
	}

	targets := make([]string, 0, len(prior))
	for _, id := range ids {
		if _, ok := prior[id]; ok {
			targets = append(targets, id)
		}
	}

	if change == nil {
		kept := s.items[:0:0]
		for _, it := range s.items {
			if _, ok := prior[it.ID]; !ok {
				kept = append(kept, it)
			}
		}
		s.items = kept
	} else {
		for i := range s.items {
			if p, ok := prior[s.items[i].ID]; ok {
				change(&s.items[i])
				s.items[i].Sync = Optimistic
				p.after = s.items[i]
				prior[s.items[i].ID] = p
			}
		}
	}
	s.mu.Unlock()
	s.publish()

	err := confirm(ctx, targets)

	s.mu.Lock()
	owned := make([]string, 0, len(targets))
	for _, id := range targets {
		if s.pending[id] == token {
			delete(s.pending, id)
			owned = append(owned, id)
		}
	}

	if err == nil {
		for _, id := range owned {
			if i := s.indexLocked(id); i >= 0 {
				s.items[i].Sync = Confirmed
			}
		}
		if change == nil && len(s.items) == 0 && s.state == Ready {
			s.state = Empty
		}
		s.mu.Unlock()
		s.publish()
		return nil
	}

	// revert only what no later operation took over
	if change == nil {
		restore := make([]priorItem, 0, len(owned))
		for _, id := range owned {
			restore = append(restore, prior[id])
		}
		sort.Slice(restore, func(i, j int) bool { return restore[i].index < restore[j].index })
		for _, p := range restore {
			// a live message brought it back meanwhile
			if i := s.indexLocked(p.item.ID); i >= 0 {
				cur := s.items[i]
				merged := p.item
				merged.LastMessage = cur.LastMessage
				merged.UnseenCount += cur.UnseenCount
				if merged.ID == s.active {
					merged.UnseenCount = 0
				}
				s.items[i] = merged
				continue
			}
			at := p.index
			if at > len(s.items) {
				at = len(s.items)
			}
			s.items = append(s.items, Item{})
			copy(s.items[at+1:], s.items[at:])
			s.items[at] = p.item
		}
	} else {
		for _, id := range owned {
			if i := s.indexLocked(id); i >= 0 {
				s.revertLocked(&s.items[i], prior[id])
			}
		}
	}
	rollback := &RollbackError{Op: op, IDs: targets, Err: err}
	s.err = rollback
	s.mu.Unlock()

	metrics.Rollbacks.WithLabelValues(op).Inc()
	s.logger.Warn().Err(err).Str("op", op).Strs("ids", targets).Msg("Reverted conversation change")
	s.publish()
	return rollback
}
