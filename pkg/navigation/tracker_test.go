package navigation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerNavigation(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, ViewFeed, tr.Active())
	assert.True(t, tr.Focused())

	tr.OpenConversation("c1")
	assert.True(t, tr.Is(ViewMessages))
	assert.Equal(t, "c1", tr.ActiveConversation())

	tr.CloseConversation()
	assert.True(t, tr.Is(ViewMessages))
	assert.Empty(t, tr.ActiveConversation())

	tr.OpenConversation("c2")
	tr.Navigate(ViewNotifications)
	assert.Empty(t, tr.ActiveConversation(), "leaving messages closes the thread")
	assert.Equal(t, "notifications", tr.Active().String())
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker()

	var seen []Location
	unsubscribe := tr.Subscribe(func(loc Location) { seen = append(seen, loc) })

	tr.Navigate(ViewNotifications)
	tr.Navigate(ViewNotifications) // unchanged, no callback
	tr.SetFocused(false)

	assert.Len(t, seen, 2)
	assert.Equal(t, ViewNotifications, seen[0].View)
	assert.False(t, seen[1].Focused)

	unsubscribe()
	tr.Navigate(ViewFeed)
	assert.Len(t, seen, 2)
}
