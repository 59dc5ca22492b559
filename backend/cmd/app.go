package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	httpServer "github.com/adwski/livecode-session/backend/server/http"
	websocketServer "github.com/adwski/livecode-session/backend/server/websocket"
	"github.com/adwski/livecode-session/backend/service"
	store "github.com/adwski/livecode-session/backend/storage/memory"
	sw "github.com/adwski/livecode-session/backend/switch"
)

var ErrServer = errors.New("relay server failed")

type relayOpts struct {
	apiListenAddr string
	wsListenAddr  string
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("livecode-relay", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "session api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, &logger, relayOpts{apiListenAddr: *apiListenAddr, wsListenAddr: *wsListenAddr}); err != nil {
		logger.Error().Err(err).Msg("relay exited")
		cancel()
		os.Exit(1)
	}
}

// run serves the session API and the relay until ctx is done or one of the
// listeners fails. Sessions still open at shutdown are reported and dropped.
func run(ctx context.Context, logger *zerolog.Logger, opts relayOpts) error {
	logger.Info().
		Str("api", opts.apiListenAddr).
		Str("relay", opts.wsListenAddr).
		Msg("starting livecode relay")

	svc := service.NewService(service.Config{
		SessionStore: store.NewMemStore(),
		Switch:       sw.NewSwitch(logger),
		Logger:       logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         logger,
		SessionService: svc,
		ListenAddr:     opts.apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       logger,
		RelayService: svc,
		ListenAddr:   opts.wsListenAddr,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
		err  error
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
		err = errors.Join(ErrServer, err)
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	logger.Info().Int("sessions", svc.SessionCount()).Msg("relay stopped")
	return err
}
