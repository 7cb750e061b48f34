// Command socialsync keeps notifications and direct messages of a social
// network account in sync from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aeolun/socialsync/pkg/app"
	"github.com/aeolun/socialsync/pkg/config"
	"github.com/aeolun/socialsync/pkg/logging"
)

var version = "dev"

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
)

func getConfig(ctx *cli.Context) config.Config {
	return ctx.Context.Value(contextKeyConfig).(config.Config)
}

func getLogger(ctx *cli.Context) zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(zerolog.Logger)
}

// prepare loads configuration and logging. Interactive commands log to the
// configured file; the rest log to stderr.
func prepare(toFile bool) cli.BeforeFunc {
	return func(ctx *cli.Context) error {
		if err := config.LoadDotEnv(ctx.String("env-file")); err != nil {
			return err
		}
		cfg, err := config.Load(ctx.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if ctx.IsSet("metrics-addr") {
			cfg.Metrics.Addr = ctx.String("metrics-addr")
		}
		if ctx.IsSet("log-level") {
			cfg.Log.Level = ctx.String("log-level")
		}

		logger := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)
		if toFile {
			path, err := config.ExpandPath(cfg.Log.File)
			if err != nil {
				return err
			}
			var closer io.Closer
			logger, closer, err = logging.NewFile(path, cfg.Log.Level)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Context.Done()
				closer.Close()
			}()
		}

		newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
		newCtx = context.WithValue(newCtx, contextKeyLogger, logger)
		ctx.Context = newCtx
		return nil
	}
}

// openSession builds the app and signs in with the token flag.
func openSession(ctx *cli.Context, opts ...app.Option) (*app.App, error) {
	token := ctx.String("token")
	if token == "" {
		return nil, errors.New("a token is required (--token or SOCIALSYNC_TOKEN)")
	}
	cfg := getConfig(ctx)
	logger := getLogger(ctx)

	serveMetrics(cfg.Metrics.Addr, logger)

	a, err := app.New(cfg, append([]app.Option{app.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	signInCtx, cancel := context.WithTimeout(ctx.Context, time.Minute)
	defer cancel()
	if err := a.SignIn(signInCtx, token); err != nil {
		// the app keeps running offline; callers decide whether that is fatal
		logger.Warn().Err(err).Msg("Sign in did not connect")
	}
	return a, nil
}

// serveMetrics exposes /metrics when addr is set.
func serveMetrics(addr string, logger zerolog.Logger) {
	if addr == "" {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cliApp := &cli.App{
		Name:    "socialsync",
		Usage:   "Notifications and direct messages in your terminal",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: config.DefaultPath,
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file if it exists",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Session token (JWT)",
				EnvVars: []string{"SOCIALSYNC_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			tuiCommand,
			watchCommand,
			sendCommand,
			unseenCommand,
		},
		DefaultCommand: tuiCommand.Name,
	}
	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
