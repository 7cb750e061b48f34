package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/socialsync/pkg/audio"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/messaging"
	"github.com/aeolun/socialsync/pkg/navigation"
)

var tabOrder = []navigation.View{
	navigation.ViewFeed,
	navigation.ViewNotifications,
	navigation.ViewMessages,
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		m.sess.Gate().ObserveInteraction(audio.Key)
		return m.handleKeyPress(msg)

	case tea.MouseMsg:
		m.sess.Gate().ObserveInteraction(audio.Click)
		return m, nil

	case tea.FocusMsg:
		m.sess.Tracker().SetFocused(true)
		return m, nil

	case tea.BlurMsg:
		m.sess.Tracker().SetFocused(false)
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.SetWidth(msg.Width - 4)
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = max(msg.Height-10, 3)
		m.viewport.SetContent(m.buildThreadContent())
		return m, nil

	case changedMsg:
		m.refresh()
		return m, waitForChange(m.changes)

	case ActionResultMsg:
		if msg.Err != nil {
			m.errorMessage = describeError(msg.Op, msg.Err)
		} else {
			m.errorMessage = ""
			m.statusMessage = msg.Op + " done"
		}
		return m, nil

	case SendResultMsg:
		if msg.Err != nil {
			m.errorMessage = fmt.Sprintf("Message %s: %v", msg.Outcome, msg.Err)
		} else {
			m.errorMessage = ""
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func describeError(op string, err error) string {
	var rollback *conversations.RollbackError
	if errors.As(err, &rollback) {
		return fmt.Sprintf("Could not %s, changes were reverted", strings.ReplaceAll(rollback.Op, "_", " "))
	}
	return fmt.Sprintf("%s failed: %v", op, err)
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}
	switch m.mode {
	case ModeCompose:
		return m.handleComposeKey(msg)
	case ModeRecipient:
		return m.handleRecipientKey(msg)
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "1", "2", "3":
		m.sess.Tracker().Navigate(tabOrder[msg.String()[0]-'1'])
		return m, nil
	case "tab":
		m.sess.Tracker().Navigate(nextTab(m.loc.View))
		return m, nil
	}

	switch m.loc.View {
	case navigation.ViewNotifications:
		if msg.String() == "a" {
			counter := m.sess.Counter()
			return m, m.action("mark all seen", counter.MarkAllSeen)
		}
	case navigation.ViewMessages:
		if m.threadOpen() {
			return m.handleThreadKey(msg)
		}
		return m.handleListKey(msg)
	}
	return m, nil
}

func nextTab(v navigation.View) navigation.View {
	for i, tab := range tabOrder {
		if tab == v {
			return tabOrder[(i+1)%len(tabOrder)]
		}
	}
	return tabOrder[0]
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	list := m.sess.Conversations()
	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.convs.Items)-1 {
			m.cursor++
		}
		// reaching the end pulls the next page
		if m.cursor >= len(m.convs.Items)-1 && m.convs.HasMore && !m.convs.Fetching {
			return m, m.action("load more", list.LoadMore)
		}
	case "g":
		return m, m.action("refresh", list.Refresh)
	case "enter":
		item, ok := m.selected()
		if !ok {
			return m, nil
		}
		return m.openThread(messaging.Target{ConversationID: item.ID, ReceiverID: item.OtherParticipant.ID})
	case "n":
		m.mode = ModeRecipient
		m.recipient.Reset()
		focus := m.recipient.Focus()
		return m, focus
	case "r", "u", "d":
		item, ok := m.selected()
		if !ok {
			return m, nil
		}
		ids := []string{item.ID}
		switch msg.String() {
		case "r":
			return m, m.action("mark read", func(ctx context.Context) error { return list.MarkRead(ctx, ids) })
		case "u":
			return m, m.action("mark unread", func(ctx context.Context) error { return list.MarkUnread(ctx, ids) })
		default:
			return m, m.action("delete", func(ctx context.Context) error { return list.Delete(ctx, ids) })
		}
	}
	return m, nil
}

func (m Model) openThread(target messaging.Target) (tea.Model, tea.Cmd) {
	m.target = target
	m.mode = ModeCompose
	sess := m.sess
	cmd := m.action("open conversation", func(ctx context.Context) error {
		return sess.OpenConversation(ctx, target)
	})
	focus := m.input.Focus()
	return m, tea.Batch(cmd, focus)
}

func (m Model) handleThreadKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.sess.CloseConversation()
		m.target = messaging.Target{}
		return m, nil
	case "i", "enter":
		m.mode = ModeCompose
		focus := m.input.Focus()
		return m, focus
	case "R":
		for i := len(m.thread.Entries) - 1; i >= 0; i-- {
			if e := m.thread.Entries[i]; e.State == messaging.Failed {
				return m, m.retryCmd(e.LocalID)
			}
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) handleComposeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = ModeBrowse
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.input.Reset()
		return m, m.sendCmd(m.target, text)
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleRecipientKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = ModeBrowse
		m.recipient.Blur()
		return m, nil
	case tea.KeyEnter:
		to := strings.TrimSpace(m.recipient.Value())
		m.recipient.Blur()
		if to == "" {
			m.mode = ModeBrowse
			return m, nil
		}
		return m.openThread(messaging.Target{ReceiverID: to})
	}
	var cmd tea.Cmd
	m.recipient, cmd = m.recipient.Update(msg)
	return m, cmd
}
