// Package tui is the terminal front end: a feed placeholder, the
// notification badge and the conversation list with one open thread.
package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aeolun/socialsync/pkg/audio"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/messaging"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/notifications"
	"github.com/aeolun/socialsync/pkg/session"
)

const actionTimeout = 15 * time.Second

// Session is what the UI drives. *app.App implements it.
type Session interface {
	Identity() session.Identity
	ConnectionState() client.ConnectionStateUpdate
	Online() bool
	Manager() *client.Manager
	Tracker() *navigation.Tracker
	Conversations() *conversations.Synchronizer
	Exchange() *messaging.Exchange
	Counter() *notifications.Counter
	Gate() *audio.Gate

	OpenConversation(ctx context.Context, target messaging.Target) error
	CloseConversation()
	Send(ctx context.Context, target messaging.Target, text string) (messaging.Outcome, error)
}

// Mode is where keystrokes go.
type Mode int

const (
	ModeBrowse    Mode = iota
	ModeCompose   // typing into the thread input
	ModeRecipient // typing the receiver of a new conversation
)

// Model represents the application state
type Model struct {
	sess    Session
	ctx     context.Context
	changes chan struct{}
	unsubs  []func()

	width  int
	height int
	mode   Mode

	// mirrored from the session on every change
	identity session.Identity
	loc      navigation.Location
	badge    int
	convs    conversations.Snapshot
	thread   messaging.Thread
	conn     client.ConnectionStateUpdate
	online   bool
	audio    audio.State

	target messaging.Target // open thread
	cursor int

	input     textarea.Model
	recipient textinput.Model
	viewport  viewport.Model
	spinner   spinner.Model

	statusMessage string
	errorMessage  string
}

// changedMsg signals that some session state moved.
type changedMsg struct{}

// ActionResultMsg reports a finished background action.
type ActionResultMsg struct {
	Op  string
	Err error
}

// SendResultMsg reports a finished send.
type SendResultMsg struct {
	Outcome messaging.Outcome
	Err     error
}

// NewModel subscribes to sess. Close releases the subscriptions.
func NewModel(ctx context.Context, sess Session) Model {
	input := textarea.New()
	input.Placeholder = "Write a message..."
	input.ShowLineNumbers = false
	input.SetHeight(2)
	input.CharLimit = 2000

	recipient := textinput.New()
	recipient.Placeholder = "user id"
	recipient.Prompt = "To: "

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		sess:      sess,
		ctx:       ctx,
		changes:   make(chan struct{}, 1),
		input:     input,
		recipient: recipient,
		viewport:  viewport.New(80, 10),
		spinner:   sp,
	}

	signal := func() {
		select {
		case m.changes <- struct{}{}:
		default:
		}
	}
	m.unsubs = []func(){
		sess.Tracker().Subscribe(func(navigation.Location) { signal() }),
		sess.Conversations().Subscribe(func(conversations.Snapshot) { signal() }),
		sess.Exchange().Subscribe(func(messaging.Event) { signal() }),
		sess.Counter().Subscribe(func(int) { signal() }),
		sess.Manager().Subscribe(func(client.Channel) { signal() }),
		sess.Manager().SubscribeState(func(client.ConnectionStateUpdate) { signal() }),
	}
	m.refresh()
	return m
}

// Close releases the model's subscriptions.
func (m Model) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForChange(m.changes), m.spinner.Tick)
}

// waitForChange turns the next change signal into a message.
func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-changes; !ok {
			return nil
		}
		return changedMsg{}
	}
}

// refresh copies the session state the view renders.
func (m *Model) refresh() {
	m.identity = m.sess.Identity()
	m.loc = m.sess.Tracker().Location()
	m.badge = m.sess.Counter().Value()
	m.convs = m.sess.Conversations().Snapshot()
	m.conn = m.sess.ConnectionState()
	m.online = m.sess.Online()
	m.audio = m.sess.Gate().State()

	if m.cursor >= len(m.convs.Items) {
		m.cursor = len(m.convs.Items) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}

	if key := m.sess.Exchange().OpenKey(); key != "" {
		m.thread = m.sess.Exchange().Thread(key)
		if m.thread.ConversationID != "" {
			m.target.ConversationID = m.thread.ConversationID
		}
	} else {
		m.thread = messaging.Thread{}
	}
	m.viewport.SetContent(m.buildThreadContent())
	m.viewport.GotoBottom()
}

func (m Model) threadOpen() bool {
	return m.loc.View == navigation.ViewMessages && m.sess.Exchange().OpenKey() != ""
}

func (m Model) selected() (conversations.Item, bool) {
	if m.cursor < 0 || m.cursor >= len(m.convs.Items) {
		return conversations.Item{}, false
	}
	return m.convs.Items[m.cursor], true
}

// action runs fn off the update loop.
func (m Model) action(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		actx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		return ActionResultMsg{Op: op, Err: fn(actx)}
	}
}

func (m Model) sendCmd(target messaging.Target, text string) tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		sctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		outcome, err := sess.Send(sctx, target, text)
		return SendResultMsg{Outcome: outcome, Err: err}
	}
}

func (m Model) retryCmd(localID string) tea.Cmd {
	ctx, exchange := m.ctx, m.sess.Exchange()
	return func() tea.Msg {
		rctx, cancel := context.WithTimeout(ctx, actionTimeout)
		defer cancel()
		outcome, err := exchange.Retry(rctx, localID)
		return SendResultMsg{Outcome: outcome, Err: err}
	}
}
