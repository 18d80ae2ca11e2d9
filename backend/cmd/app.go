package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/presence-relay/backend/config"
	"github.com/adwski/presence-relay/backend/model"
	httpServer "github.com/adwski/presence-relay/backend/server/http"
	websocketServer "github.com/adwski/presence-relay/backend/server/websocket"
	"github.com/adwski/presence-relay/backend/service"
	store "github.com/adwski/presence-relay/backend/storage/memory"
	sw "github.com/adwski/presence-relay/backend/switch"
	"github.com/rs/zerolog"
)

type runner interface {
	Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	registry := store.NewMemStore(&logger, model.Policy{
		Capacity:          cfg.Capacity,
		PrivilegedID:      cfg.PrivilegedID,
		ReservePrivileged: cfg.ReservePrivileged,
	})
	svc := service.NewService(service.Config{
		Logger:   &logger,
		Registry: registry,
		Switch: sw.NewSwitch(sw.Config{
			Logger:          &logger,
			Registry:        registry,
			ControlRedirect: cfg.ControlRedirect,
			PrivilegedID:    cfg.PrivilegedID,
		}),
		KeepaliveInterval: cfg.KeepaliveInterval,
		QueueSize:         cfg.QueueSize,
	})

	servers := []runner{
		httpServer.NewServer(httpServer.Config{
			Logger:           &logger,
			SignalingService: svc,
			ListenAddr:       cfg.APIListenAddr,
			RetryInterval:    cfg.RetryInterval,
			WriteTimeout:     cfg.WriteTimeout,
			MaxPayloadSize:   cfg.MaxPayloadSize,
		}),
	}
	if cfg.WSListenAddr != "" {
		servers = append(servers, websocketServer.NewServer(websocketServer.Config{
			Logger:           &logger,
			SignalingService: svc,
			ListenAddr:       cfg.WSListenAddr,
			PongWait:         2*cfg.KeepaliveInterval + cfg.WriteTimeout,
			MaxMessageSize:   cfg.MaxPayloadSize,
		}))
	}

	logger.Info().
		Int("capacity", cfg.Capacity).
		Str("privilegedID", cfg.PrivilegedID).
		Bool("reservePrivileged", cfg.ReservePrivileged).
		Bool("controlRedirect", cfg.ControlRedirect).
		Msg("starting signaling relay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, len(servers))
	)
	wg.Add(len(servers))
	for _, srv := range servers {
		go srv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
