package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmgolub/roomrelay/backend/config"
	"github.com/dmgolub/roomrelay/backend/identity"
	"github.com/dmgolub/roomrelay/backend/mirror"
	"github.com/dmgolub/roomrelay/backend/registry"
	httpServer "github.com/dmgolub/roomrelay/backend/server/http"
	websocketServer "github.com/dmgolub/roomrelay/backend/server/websocket"
	"github.com/dmgolub/roomrelay/backend/service"
	sw "github.com/dmgolub/roomrelay/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load environment config")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket relay listen address")
		logLevel      = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
		mirrorPath    = fs.StringP("mirror-path", "m", cfg.MirrorPath, "mirror store directory")
		tokenKey      = fs.StringP("token-key", "k", cfg.TokenKey, "participant token signing key")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	store, err := mirror.NewBadgerStore(*mirrorPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open mirror store")
	}
	queue := mirror.NewQueue(store, &logger)

	reg := registry.NewRegistry()
	svc := service.NewService(service.Config{
		Registry: reg,
		Switch:   sw.NewSwitch(&logger),
		Mirror:   queue,
		Logger:   &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		Rooms:       reg,
		Projections: store,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Router:     svc,
		Verifier:   identity.NewVerifier([]byte(*tokenKey)),
		ListenAddr: *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go queue.Run(ctx)

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	queue.Wait()
	if err = store.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close mirror store")
	}
}
