package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/socialsync/pkg/audio"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/messaging"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/protocol"
)

const previewWidth = 48

// View renders the UI
func (m Model) View() string {
	var body string
	switch m.loc.View {
	case navigation.ViewNotifications:
		body = m.renderNotifications()
	case navigation.ViewMessages:
		if m.threadOpen() || m.mode == ModeCompose {
			body = m.renderThread()
		} else {
			body = m.renderConversationList()
		}
	default:
		body = m.renderFeed()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	tabs := make([]string, 0, len(tabOrder))
	for i, v := range tabOrder {
		label := fmt.Sprintf("%d %s", i+1, tabLabel(v))
		if v == navigation.ViewNotifications && m.badge > 0 {
			label += " " + BadgeStyle.Render(badgeText(m.badge))
		}
		if v == m.loc.View {
			tabs = append(tabs, ActiveTabStyle.Render(label))
		} else {
			tabs = append(tabs, TabStyle.Render(label))
		}
	}

	who := "signed out"
	if !m.identity.IsZero() {
		who = m.identity.String()
	}
	right := strings.Join([]string{m.renderConnection(), m.renderAudio(), MutedStyle.Render(who)}, "  ")

	return lipgloss.JoinHorizontal(lipgloss.Center,
		TitleStyle.Render("socialsync")+"  ",
		lipgloss.JoinHorizontal(lipgloss.Center, tabs...),
		"  "+right,
	)
}

func tabLabel(v navigation.View) string {
	switch v {
	case navigation.ViewNotifications:
		return "Notifications"
	case navigation.ViewMessages:
		return "Messages"
	default:
		return "Feed"
	}
}

// badgeText caps the badge like the web client does.
func badgeText(n int) string {
	if n > 99 {
		return "99+"
	}
	return fmt.Sprintf("%d", n)
}

func (m Model) renderConnection() string {
	switch {
	case m.online:
		return lipgloss.NewStyle().Foreground(SuccessColor).Render("● online")
	case m.identity.IsZero():
		return ErrorStyle.Render("○ offline")
	case m.conn.State == client.StateReconnecting || m.conn.State == client.StateConnecting:
		return WarningStyle.Render(fmt.Sprintf("%s %s (attempt %d)", m.spinner.View(), m.conn.State, m.conn.Attempt))
	default:
		return ErrorStyle.Render("○ offline")
	}
}

func (m Model) renderAudio() string {
	if m.audio == audio.Unlocked {
		return MutedStyle.Render("♪")
	}
	return MutedStyle.Render("♪ press a key to enable sound")
}

func (m Model) renderFeed() string {
	lines := []string{
		"Posts live on the web.",
		"Notifications and messages stay in sync here.",
	}
	return PaneStyle.Render(MessageContentStyle.Render(strings.Join(lines, "\n")))
}

func (m Model) renderNotifications() string {
	var b strings.Builder
	if m.badge == 0 {
		b.WriteString("You're all caught up.")
	} else {
		b.WriteString(fmt.Sprintf("%d new notifications", m.badge))
	}
	b.WriteString("\n\n")
	b.WriteString(MutedStyle.Render("New notifications arrive silently while this view is open."))
	return PaneStyle.Render(b.String())
}

func (m Model) renderConversationList() string {
	if m.mode == ModeRecipient {
		return PaneStyle.Render("New conversation\n\n" + m.recipient.View())
	}

	var b strings.Builder
	switch m.convs.State {
	case conversations.Loading, conversations.Idle:
		b.WriteString(m.spinner.View() + " Loading conversations...")
		return PaneStyle.Render(b.String())
	case conversations.Empty:
		return PaneStyle.Render(MutedStyle.Render("No conversations yet. Press n to start one."))
	case conversations.Failed:
		return PaneStyle.Render(ErrorStyle.Render(fmt.Sprintf("Could not load conversations: %v", m.convs.Err)))
	}

	for i, item := range m.convs.Items {
		b.WriteString(m.renderConversationRow(item, i == m.cursor))
		b.WriteString("\n")
	}
	if m.convs.Fetching {
		b.WriteString(m.spinner.View() + " loading")
	} else if m.convs.HasMore {
		b.WriteString(MutedStyle.Render("↓ more"))
	}
	return PaneStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) renderConversationRow(item conversations.Item, selected bool) string {
	name := item.OtherParticipant.Name
	if name == "" {
		name = item.OtherParticipant.ID
	}
	if item.OtherParticipant.IsCompany {
		name += " (company)"
	}

	marker := " "
	switch {
	case item.UnseenCount > 0:
		marker = BadgeStyle.Render(badgeText(item.UnseenCount))
	case item.MarkedAsUnread:
		marker = WarningStyle.Render("•")
	}

	preview := ""
	if item.LastMessage != nil {
		preview = truncate(item.LastMessage.Text, previewWidth)
	}
	if item.Sync == conversations.Optimistic {
		preview += MutedStyle.Render(" …")
	}

	cursor := "  "
	nameStyle := MessageContentStyle
	if item.UnseenCount > 0 || item.MarkedAsUnread {
		nameStyle = UnreadStyle
	}
	if selected {
		cursor = "> "
		nameStyle = SelectedStyle
	}
	return fmt.Sprintf("%s%s %s  %s", cursor, nameStyle.Render(name), marker, MutedStyle.Render(preview))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (m Model) renderThread() string {
	title := m.target.ConversationID
	if m.target.ReceiverID != "" {
		title = m.target.ReceiverID
	}
	for _, item := range m.convs.Items {
		if item.ID != "" && item.ID == m.target.ConversationID && item.OtherParticipant.Name != "" {
			title = item.OtherParticipant.Name
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		TitleStyle.Render(title),
		PaneStyle.Render(m.viewport.View()),
		m.input.View(),
	)
}

// buildThreadContent renders the open thread, oldest first.
func (m Model) buildThreadContent() string {
	if len(m.thread.Entries) == 0 {
		return MutedStyle.Render("No messages yet.")
	}
	self := m.identity.ScopeID()
	var b strings.Builder
	for _, e := range m.thread.Entries {
		author := MessageAuthorStyle.Render(e.Message.SenderID)
		if e.Message.SenderID == self || e.State != messaging.Confirmed {
			author = OwnAuthorStyle.Render("you")
		}
		b.WriteString(fmt.Sprintf("%s %s %s\n", author, MessageContentStyle.Render(e.Message.Text), m.entryStatus(e, self)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) entryStatus(e messaging.Entry, self string) string {
	switch e.State {
	case messaging.Pending:
		return MutedStyle.Render("sending…")
	case messaging.Failed:
		return ErrorStyle.Render(fmt.Sprintf("failed: %v (R to retry)", e.Err))
	}
	if e.Message.SenderID != self {
		return ""
	}
	switch e.Message.Status {
	case protocol.StatusRead:
		return MutedStyle.Render("✓✓ read")
	case protocol.StatusDelivered:
		return MutedStyle.Render("✓✓")
	default:
		return MutedStyle.Render("✓")
	}
}

func (m Model) renderFooter() string {
	var help string
	switch {
	case m.mode == ModeCompose:
		help = "enter send • esc stop typing"
	case m.mode == ModeRecipient:
		help = "enter open • esc cancel"
	case m.loc.View == navigation.ViewNotifications:
		help = "a mark all seen • tab switch • q quit"
	case m.loc.View == navigation.ViewMessages && m.threadOpen():
		help = "i write • R retry • esc back • q quit"
	case m.loc.View == navigation.ViewMessages:
		help = "↑/↓ move • enter open • n new • r read • u unread • d delete • g refresh • q quit"
	default:
		help = "1-3 switch view • tab next • q quit"
	}

	lines := []string{MutedStyle.Render(help)}
	if m.errorMessage != "" {
		lines = append(lines, ErrorStyle.Render(m.errorMessage))
	} else if m.statusMessage != "" {
		lines = append(lines, MutedStyle.Render(m.statusMessage))
	}
	return strings.Join(lines, "\n")
}
