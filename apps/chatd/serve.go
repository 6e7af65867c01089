package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dpcomm/cba-was-renewal-sub000/pkg/auth"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/cache"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/flush"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/gateway"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/history"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/notify"
	"github.com/dpcomm/cba-was-renewal-sub000/pkg/push"
)

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket gateway and the flush scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), rootOpts)
		},
	}
}

func serve(parent context.Context, opts *RootOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	signer, err := auth.NewSigner([]byte(cfg.JWTSecret))
	if err != nil {
		return err
	}

	rooms := cache.NewRoomCache(a.redis)
	members := cache.NewMembers(a.redis, a.dir)
	tokens := cache.NewTokens(a.redis, a.dir)

	var gw push.Gateway = push.NewLogGateway(logger)
	if cfg.FCMCredentialsFile != "" {
		fcm, err := push.NewFCMGateway(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			return err
		}
		gw = fcm
		logger.Info().Msg("push delivery through FCM")
	} else {
		logger.Warn().Msg("FCM_CREDENTIALS_FILE not set, push notifications are logged only")
	}
	dispatcher := notify.NewDispatcher(members, tokens, a.dir, gw, logger)

	scheduler := flush.NewScheduler(rooms, a.log, flush.Options{
		Interval:  cfg.FlushInterval,
		Threshold: cfg.CacheFlushThreshold,
		Retain:    cfg.CacheRetain,
	}, logger)

	presence := gateway.NewPresence()
	hub := gateway.NewHub(presence, logger)

	g, gctx := errgroup.WithContext(ctx)

	var broadcaster gateway.Broadcaster = gateway.NewLocalBroadcaster(hub)
	if len(cfg.KafkaBrokers) > 0 {
		kb := gateway.NewKafkaBroadcaster(cfg.KafkaBrokers, cfg.KafkaTopic, hub, logger)
		broadcaster = kb
		g.Go(func() error {
			kb.Run(gctx)
			return nil
		})
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("broadcasting through Kafka")
	}
	defer broadcaster.Close()

	handler := gateway.NewHandler(gateway.Deps{
		Rooms:       rooms,
		Members:     members,
		Tokens:      tokens,
		Directory:   a.dir,
		History:     history.NewResolver(rooms, a.log, cfg.HistoryBatchSize, logger),
		Notifier:    dispatcher,
		Flusher:     scheduler,
		Broadcaster: broadcaster,
		Hub:         hub,
		Presence:    presence,
		Logger:      logger,
	})

	server := gateway.NewServer(hub, handler, signer, map[string]gateway.Pinger{
		"redis":     gateway.PingFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }),
		"log":       a.log,
		"directory": a.dir,
	}, logger)

	srv := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     server.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		scheduler.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("env", cfg.Env).Msg("starting chatd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	dispatcher.Wait()
	scheduler.Wait()
	logger.Info().Msg("server stopped")
	return err
}
