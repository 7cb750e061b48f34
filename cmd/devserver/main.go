// Command devserver runs the in-memory social network backend for local
// development. It prints a token per user on startup and can push fake
// notifications on an interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/aeolun/socialsync/pkg/devserver"
	"github.com/aeolun/socialsync/pkg/logging"
	"github.com/aeolun/socialsync/pkg/protocol"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "devserver",
		Usage: "In-memory backend for socialsync development",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8080", Usage: "Listen address", EnvVars: []string{"DEVSERVER_ADDR"}},
			&cli.StringFlag{Name: "secret", Usage: "Token signing secret (random when empty)", EnvVars: []string{"DEVSERVER_SECRET"}},
			&cli.StringSliceFlag{Name: "user", Value: cli.NewStringSlice("alice", "bob"), Usage: "Users to issue tokens for"},
			&cli.StringFlag{Name: "company", Usage: "Also issue a token acting as this company for the first user"},
			&cli.DurationFlag{Name: "notify-every", Usage: "Push a fake notification to every user on this interval"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger := logging.New(os.Stderr, ctx.String("log-level"), true)

	var opts []devserver.Option
	opts = append(opts, devserver.WithLogger(logger))
	if secret := ctx.String("secret"); secret != "" {
		opts = append(opts, devserver.WithSecret([]byte(secret)))
	}
	srv := devserver.New(opts...)

	users := ctx.StringSlice("user")
	for _, user := range users {
		srv.AddUser(protocol.Participant{ID: user, Name: user})
		token, err := srv.IssueToken(user, "", 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", user, token)
	}
	if company := ctx.String("company"); company != "" && len(users) > 0 {
		srv.AddUser(protocol.Participant{ID: company, Name: company, IsCompany: true})
		token, err := srv.IssueToken(users[0], company, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Printf("%s as %s\t%s\n", users[0], company, token)
	}

	if every := ctx.Duration("notify-every"); every > 0 {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Context.Done():
					return
				case now := <-ticker.C:
					for _, user := range users {
						srv.Notify(user, protocol.Notification{
							ID:        uuid.NewString(),
							Type:      "like",
							Text:      "Someone liked your post",
							CreatedAt: now,
						})
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", srv.Handler())
	httpServer := &http.Server{
		Addr:              ctx.String("addr"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Context.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.DisconnectAll()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", httpServer.Addr).Msg("Dev server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
