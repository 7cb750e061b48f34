// Package audio plays the new-notification cue. Playback stays locked until
// a user interaction unlocks it.
package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"

	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/metrics"
	"github.com/aeolun/socialsync/pkg/navigation"
	"github.com/aeolun/socialsync/pkg/protocol"
)

const (
	DefaultFrequency = 880.0
	DefaultDuration  = 150 * time.Millisecond
)

// Player produces a tone.
type Player interface {
	Tone(frequency float64, d time.Duration) error
}

// Prober is implemented by players that can check the output device before
// the gate unlocks.
type Prober interface {
	Probe() error
}

// BeepPlayer plays through the system speaker.
type BeepPlayer struct{}

func (BeepPlayer) Tone(frequency float64, d time.Duration) error {
	return beeep.Beep(frequency, int(d.Milliseconds()))
}

// Notifier shows a desktop notification next to the tone.
type Notifier interface {
	Notify(title, body string) error
}

// DesktopNotifier uses the platform notification service.
type DesktopNotifier struct {
	IconPath string
}

func (n DesktopNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, n.IconPath)
}

// State of the gate.
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Interaction is a kind of user gesture.
type Interaction int

const (
	Key Interaction = iota
	Click
	Touch
)

// Views reports the active screen.
type Views interface {
	Is(v navigation.View) bool
}

// Options configures a Gate.
type Options struct {
	Frequency float64
	Duration  time.Duration
	Notifier  Notifier
	Logger    zerolog.Logger
}

// Gate is the locked/unlocked alert state machine.
type Gate struct {
	player    Player
	notifier  Notifier
	frequency float64
	duration  time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	state     State
	listening bool

	wg sync.WaitGroup
}

// New returns a locked gate that listens for the first interaction.
func New(player Player, opts Options) *Gate {
	if opts.Frequency <= 0 {
		opts.Frequency = DefaultFrequency
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	return &Gate{
		player:    player,
		notifier:  opts.Notifier,
		frequency: opts.Frequency,
		duration:  opts.Duration,
		logger:    opts.Logger.With().Str("component", "audio").Logger(),
		listening: true,
	}
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Listening reports whether the gate still waits for a first interaction.
func (g *Gate) Listening() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listening
}

// Unlock opens the gate. Once unlocked it stays unlocked.
func (g *Gate) Unlock() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == Unlocked {
		return nil
	}
	if p, ok := g.player.(Prober); ok {
		if err := p.Probe(); err != nil {
			g.logger.Warn().Err(err).Msg("Audio unlock failed")
			return fmt.Errorf("unlock audio: %w", err)
		}
	}
	g.state = Unlocked
	g.listening = false
	g.logger.Debug().Msg("Audio unlocked")
	return nil
}

// ObserveInteraction is fed every user gesture. The first one unlocks the
// gate and the observer stops listening; a failed unlock keeps listening.
func (g *Gate) ObserveInteraction(kind Interaction) {
	g.mu.Lock()
	if !g.listening {
		g.mu.Unlock()
		return
	}
	g.listening = false
	g.mu.Unlock()

	if err := g.Unlock(); err != nil {
		g.mu.Lock()
		g.listening = true
		g.mu.Unlock()
	}
}

// PlayAlert plays the cue in the background. It is a no-op while locked;
// playback errors and panics are logged.
func (g *Gate) PlayAlert() {
	if g.State() != Unlocked {
		metrics.AlertsPlayed.WithLabelValues("locked").Inc()
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.AlertsPlayed.WithLabelValues("failed").Inc()
				g.logger.Warn().Interface("panic", r).Msg("Audio alert panicked")
			}
		}()
		if err := g.player.Tone(g.frequency, g.duration); err != nil {
			metrics.AlertsPlayed.WithLabelValues("failed").Inc()
			g.logger.Warn().Err(err).Msg("Audio alert failed")
			return
		}
		metrics.AlertsPlayed.WithLabelValues("played").Inc()
	}()
}

// Wait blocks until alerts already started have finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// Attach plays an alert for each newNotification that is not suppressed by
// the notifications view being on screen.
func (g *Gate) Attach(ch client.Channel, views Views) func() {
	return ch.Subscribe(protocol.TypeNewNotification, func(frame *protocol.Frame) {
		if views != nil && views.Is(navigation.ViewNotifications) {
			return
		}
		g.PlayAlert()
		if g.notifier == nil {
			return
		}
		var n protocol.Notification
		if err := frame.Decode(&n); err != nil {
			return
		}
		body := n.Text
		if body == "" {
			body = n.Type
		}
		if err := g.notifier.Notify("New notification", body); err != nil {
			g.logger.Debug().Err(err).Msg("Desktop notification failed")
		}
	})
}
