package main

import (
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aeolun/socialsync/pkg/app"
	"github.com/aeolun/socialsync/pkg/client"
	"github.com/aeolun/socialsync/pkg/conversations"
	"github.com/aeolun/socialsync/pkg/messaging"
)

var watchCommand = &cli.Command{
	Name:   "watch",
	Usage:  "Stay connected and log badge, conversation and message changes",
	Before: prepare(false),
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "sound",
			Usage: "Play the alert tone for new notifications",
		},
	},
	Action: cmdWatch,
}

func cmdWatch(ctx *cli.Context) error {
	a, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := getLogger(ctx)

	if ctx.Bool("sound") {
		// starting the watcher is the user's gesture
		if err := a.Gate().Unlock(); err != nil {
			logger.Warn().Err(err).Msg("Sound unavailable")
		}
	}

	stop := logActivity(a, logger)
	defer stop()

	logger.Info().Str("identity", a.Identity().String()).Bool("online", a.Online()).Msg("Watching")
	<-ctx.Context.Done()
	return nil
}

// logActivity logs the current badge and channel state, then every change
// until the returned function is called.
func logActivity(a *app.App, logger zerolog.Logger) func() {
	unsubs := []func(){
		a.Counter().Subscribe(func(n int) {
			logger.Info().Int("unseen", n).Msg("Notification badge")
		}),
		a.Conversations().Subscribe(func(s conversations.Snapshot) {
			logger.Debug().Int("conversations", len(s.Items)).Str("state", s.State.String()).Msg("Conversation list")
		}),
		a.Exchange().Subscribe(func(ev messaging.Event) {
			switch ev.Kind {
			case messaging.SendConfirmed:
				logger.Info().Str("conversation", ev.Key).Msg("Message sent")
			case messaging.SendFailed:
				logger.Warn().Err(ev.Entry.Err).Str("conversation", ev.Key).Msg("Message failed")
			}
		}),
		a.Manager().SubscribeState(func(u client.ConnectionStateUpdate) {
			logger.Info().Str("state", u.State.String()).Int("attempt", u.Attempt).Msg("Channel")
		}),
	}

	// sign in already happened, so start from the current values
	state := a.ConnectionState()
	if !a.Online() {
		state.State = client.StateOffline
	}
	logger.Info().Str("state", state.State.String()).Int("attempt", state.Attempt).Msg("Channel")
	logger.Info().Int("unseen", a.Counter().Value()).Msg("Notification badge")

	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
