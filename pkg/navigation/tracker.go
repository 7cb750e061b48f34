// Package navigation tracks which screen the user is looking at. The
// notification counter, the audio gate and the message exchange consult it
// for view suppression and delivery/read receipts.
package navigation

import (
	"sort"
	"sync"
)

// View is a top-level screen.
type View int

const (
	ViewFeed View = iota
	ViewNotifications
	ViewMessages
	ViewProfile
	ViewSettings
)

func (v View) String() string {
	switch v {
	case ViewFeed:
		return "feed"
	case ViewNotifications:
		return "notifications"
	case ViewMessages:
		return "messages"
	case ViewProfile:
		return "profile"
	case ViewSettings:
		return "settings"
	default:
		return "unknown"
	}
}

// Location is the current view plus the open conversation, if any.
type Location struct {
	View         View
	Conversation string // open conversation id, empty when none
	Focused      bool   // terminal has input focus
}

// Tracker holds the current Location. The zero value is not usable; use
// NewTracker.
type Tracker struct {
	mu   sync.RWMutex
	loc  Location
	subs map[uint64]func(Location)
	next uint64
}

// NewTracker starts on the feed with focus.
func NewTracker() *Tracker {
	return &Tracker{
		loc:  Location{View: ViewFeed, Focused: true},
		subs: make(map[uint64]func(Location)),
	}
}

// Location returns the current location.
func (t *Tracker) Location() Location {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.loc
}

// Active returns the current view.
func (t *Tracker) Active() View {
	return t.Location().View
}

// Is reports whether v is the current view.
func (t *Tracker) Is(v View) bool {
	return t.Active() == v
}

// ActiveConversation returns the open conversation id, or "".
func (t *Tracker) ActiveConversation() string {
	return t.Location().Conversation
}

// Focused reports whether the terminal has input focus.
func (t *Tracker) Focused() bool {
	return t.Location().Focused
}

// Navigate switches to v. Leaving the messages view closes the open
// conversation.
func (t *Tracker) Navigate(v View) {
	t.update(func(loc *Location) {
		loc.View = v
		if v != ViewMessages {
			loc.Conversation = ""
		}
	})
}

// OpenConversation shows a conversation thread.
func (t *Tracker) OpenConversation(id string) {
	t.update(func(loc *Location) {
		loc.View = ViewMessages
		loc.Conversation = id
	})
}

// CloseConversation returns to the conversation list.
func (t *Tracker) CloseConversation() {
	t.update(func(loc *Location) {
		loc.Conversation = ""
	})
}

// SetFocused records terminal focus changes.
func (t *Tracker) SetFocused(focused bool) {
	t.update(func(loc *Location) {
		loc.Focused = focused
	})
}

// Subscribe registers fn for location changes. fn runs after the change is
// visible through the getters.
func (t *Tracker) Subscribe(fn func(Location)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) update(apply func(*Location)) {
	t.mu.Lock()
	before := t.loc
	apply(&t.loc)
	after := t.loc
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Location), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.subs[id])
	}
	t.mu.Unlock()

	if before == after {
		return
	}
	for _, fn := range fns {
		fn(after)
	}
}
