// Package app wires the session identity, the channel manager and the
// synchronizers that live on the channel.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/api"
	"github.com/aeolun/socialsync/pkg/audio"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/config"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/messaging"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/notifications"
	"github.com/aeolun/socialsync/pkg/session"
)

const resyncTimeout = 30 * time.Second

// Option customizes an App.
type Option func(*App)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithPlayer replaces the system beep, mostly for tests.
func WithPlayer(p audio.Player) Option {
	return func(a *App) { a.player = p }
}

func WithNotifier(n audio.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d client.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithState uses s instead of opening the sqlite state file.
func WithState(s client.StateInterface) Option {
	return func(a *App) { a.state = s }
}

// App is one running client.
type App struct {
	cfg        config.Config
	logger     zerolog.Logger
	state      client.StateInterface
	httpClient *http.Client
	dial       client.DialFunc
	player     audio.Player
	notifier   audio.Notifier

	api           *api.Client
	manager       *client.Manager
	tracker       *navigation.Tracker
	conversations *conversations.Synchronizer
	exchange      *messaging.Exchange
	counter       *notifications.Counter
	gate          *audio.Gate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	attached  client.Channel
	detach    []func()
	unsubs    []func()
	loc       navigation.Location
	connState client.ConnectionStateUpdate
}

// New builds an App from cfg. Nothing connects until SignIn.
func New(cfg config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: zerolog.Nop(),
		player: audio.BeepPlayer{},
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.state == nil {
		path, err := config.ExpandPath(cfg.State.Path)
		if err != nil {
			return nil, err
		}
		state, err := client.OpenState(path)
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
		a.state = state
	}
	if a.notifier == nil && cfg.Audio.DesktopNotifications {
		a.notifier = audio.DesktopNotifier{}
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.api = api.NewClient(cfg.Server.BaseURL, a.httpClient)
	a.tracker = navigation.NewTracker()
	a.loc = a.tracker.Location()
	a.conversations = conversations.New(a.api, cfg.Messaging.PageSize, a.logger)
	a.exchange = messaging.New(a.api, a.tracker, messaging.Options{
		AckTimeout:   cfg.Messaging.AckTimeout.Duration,
		HistoryLimit: cfg.Messaging.HistoryLimit,
		Logger:       a.logger,
	})
	a.counter = notifications.New(a.api, a.tracker, a.logger)
	a.gate = audio.New(a.player, audio.Options{
		Frequency: cfg.Audio.Frequency,
		Duration:  cfg.Audio.Duration.Duration,
		Notifier:  a.notifier,
		Logger:    a.logger,
	})
	a.manager = client.NewManager(a.openChannel, a.logger)

	a.unsubs = []func(){
		a.manager.Subscribe(a.onChannel),
		a.manager.SubscribeState(a.onState),
		a.tracker.Subscribe(a.onLocation),
		a.exchange.Subscribe(a.onExchange),
		a.counter.Subscribe(a.onCount),
	}
	return a, nil
}

// openChannel is the manager's factory.
func (a *App) openChannel(id session.Identity) (client.ManagedChannel, error) {
	return client.NewConnection(client.Options{
		URL:              a.cfg.Server.WSURL,
		UserID:           id.ScopeID(),
		Token:            id.Token,
		MaxAttempts:      a.cfg.Channel.MaxAttempts,
		RetryDelay:       a.cfg.Channel.RetryDelay.Duration,
		HandshakeTimeout: a.cfg.Channel.HandshakeTimeout.Duration,
		WelcomeTimeout:   a.cfg.Channel.WelcomeTimeout.Duration,
		PingInterval:     a.cfg.Channel.PingInterval.Duration,
		Logger:           a.logger,
		Dial:             a.dial,
	})
}

// onChannel moves every listener to the newly published channel and
// resyncs the badge and the first conversation page. A republished channel
// keeps its listeners and only resyncs.
func (a *App) onChannel(ch client.Channel) {
	a.mu.Lock()
	if ch != nil && ch == a.attached {
		a.mu.Unlock()
		a.startResync()
		return
	}
	old := a.detach
	a.detach = nil
	a.attached = ch
	a.mu.Unlock()
	for _, detach := range old {
		detach()
	}

	if ch == nil {
		a.logger.Info().Msg("Offline")
		return
	}

	detach := []func(){
		a.counter.Attach(ch),
		a.conversations.Attach(ch),
		a.exchange.Attach(ch),
	}
	if a.cfg.Audio.Enabled {
		detach = append(detach, a.gate.Attach(ch, a.tracker))
	}
	a.mu.Lock()
	a.detach = detach
	a.mu.Unlock()

	a.startResync()
}

func (a *App) startResync() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.resync()
	}()
}

func (a *App) resync() {
	ctx, cancel := context.WithTimeout(a.ctx, resyncTimeout)
	defer cancel()

	if err := a.counter.Seed(ctx); err != nil {
		a.logger.Debug().Err(err).Msg("Badge resync incomplete")
	}
	if err := a.conversations.Refresh(ctx); err != nil && !errors.Is(err, conversations.ErrStaleFetch) {
		a.logger.Warn().Err(err).Msg("Conversation resync failed")
	}
}

func (a *App) onState(update client.ConnectionStateUpdate) {
	a.mu.Lock()
	a.connState = update
	a.mu.Unlock()
}

func (a *App) onLocation(loc navigation.Location) {
	a.mu.Lock()
	prev := a.loc
	a.loc = loc
	a.mu.Unlock()

	if loc.View == navigation.ViewNotifications && prev.View != navigation.ViewNotifications {
		a.counter.EnterNotificationsView()
	}
	if loc.Conversation != prev.Conversation {
		a.conversations.SetActive(loc.Conversation)
		if loc.Conversation == "" {
			a.exchange.Close()
		}
	}
	if loc.View != navigation.ViewMessages && prev.View == navigation.ViewMessages {
		a.exchange.Close()
	}
	if loc.Focused && !prev.Focused {
		a.exchange.Refocus()
	}
}

func (a *App) onExchange(ev messaging.Event) {
	if ev.Kind != messaging.SendConfirmed {
		return
	}
	msg := ev.Entry.Message
	a.conversations.ApplyOutgoing(msg)

	// a first message creates the conversation under the open thread
	if msg.ConversationID != "" && a.exchange.OpenKey() == msg.ConversationID &&
		a.tracker.Is(navigation.ViewMessages) && a.tracker.ActiveConversation() == "" {
		a.tracker.OpenConversation(msg.ConversationID)
	}
}

func (a *App) onCount(n int) {
	scope := a.counter.Scope()
	if scope == "" {
		return
	}
	if err := a.state.SaveUnseenCount(scope, n); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to cache unseen count")
	}
}

// SignIn parses token and scopes the channel to its identity.
func (a *App) SignIn(ctx context.Context, token string) error {
	id, err := session.ParseToken(token)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return a.SignInAs(ctx, id)
}

// SignInAs switches to id. Switching identities closes the previous channel
// and clears its state before the new channel opens.
func (a *App) SignInAs(ctx context.Context, id session.Identity) error {
	if id.IsZero() {
		return a.SignOut(ctx)
	}
	a.api.SetToken(id.Token)

	prev := a.manager.Identity()
	if prev != id {
		if !prev.IsZero() {
			if err := a.manager.SetIdentity(ctx, session.Identity{}); err != nil {
				return err
			}
		}
		a.resetScope(id.ScopeID())
	}
	if err := a.state.SetLastUserID(id.UserID); err != nil {
		a.logger.Debug().Err(err).Msg("Failed to remember identity")
	}
	return a.manager.SetIdentity(ctx, id)
}

// SignOut closes the channel and forgets the session's state.
func (a *App) SignOut(ctx context.Context) error {
	err := a.manager.SetIdentity(ctx, session.Identity{})
	a.api.SetToken("")
	a.resetScope("")
	return err
}

func (a *App) resetScope(scope string) {
	a.exchange.Reset()
	a.conversations.Reset()
	cached := 0
	if scope != "" {
		if n, ok, err := a.state.GetUnseenCount(scope); err == nil && ok {
			cached = n
		}
	}
	a.counter.Restore(scope, cached)
}

// OpenConversation shows target's thread and loads its history.
func (a *App) OpenConversation(ctx context.Context, target messaging.Target) error {
	a.tracker.OpenConversation(target.ConversationID)
	return a.exchange.Open(ctx, target)
}

// CloseConversation returns to the conversation list.
func (a *App) CloseConversation() {
	a.tracker.CloseConversation()
	a.exchange.Close()
}

// Send sends a message through the exchange.
func (a *App) Send(ctx context.Context, target messaging.Target, text string) (messaging.Outcome, error) {
	return a.exchange.Send(ctx, target, text, nil)
}

// Online reports whether a live channel is exposed.
func (a *App) Online() bool {
	return a.manager.Current() != nil
}

// ConnectionState returns the last state reported by the channel.
func (a *App) ConnectionState() client.ConnectionStateUpdate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connState
}

func (a *App) Identity() session.Identity { return a.manager.Identity() }
func (a *App) Manager() *client.Manager { return a.manager }
func (a *App) Tracker() *navigation.Tracker { return a.tracker }
func (a *App) Conversations() *conversations.Synchronizer { return a.conversations }
func (a *App) Exchange() *messaging.Exchange { return a.exchange }
func (a *App) Counter() *notifications.Counter { return a.counter }
func (a *App) Gate() *audio.Gate { return a.gate }
func (a *App) State() client.StateInterface { return a.state }
func (a *App) API() *api.Client { return a.api }

// Close signs out, waits for background work and closes the state file.
func (a *App) Close() error {
	a.cancel()
	a.manager.Close()
	a.wg.Wait()
	a.gate.Wait()

	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	return a.state.Close()
}
