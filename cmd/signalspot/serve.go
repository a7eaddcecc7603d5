package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalspot/backend/internal/api"
	"github.com/signalspot/backend/internal/auth"
	"github.com/signalspot/backend/internal/domain"
	"github.com/signalspot/backend/internal/eventbus"
	"github.com/signalspot/backend/internal/fcm"
	"github.com/signalspot/backend/internal/notify"
	"github.com/signalspot/backend/internal/repository"
)

func serveCmd(a *app) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, notification workers and expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func (a *app) serve(migrate bool) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("Starting Signal Spot API",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if migrate && a.pool != nil {
		applied, err := repository.NewMigrator(a.pool, logger).Run(ctx)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", zap.Int("count", applied))
	}

	// Notification fan-out
	dispatcher := notify.NewDispatcher(logger, cfg.Notify.QueueSize, cfg.Notify.Workers)
	wsManager := api.NewWebSocketManager(cfg.Server.AllowedOrigins, logger)
	go wsManager.Run(ctx)
	dispatcher.AddSink(wsManager)

	fcmClient, err := fcm.NewClient(ctx, logger, cfg.Firebase.CredentialsFile)
	if err != nil {
		logger.Warn("Failed to initialize Firebase client - push notifications will be disabled", zap.Error(err))
	} else {
		logger.Info("Firebase client initialized")
		dispatcher.AddSink(notify.NewPushSink(a.store, fcmClient, logger))
	}

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = eventbus.Connect(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		dispatcher.AddSink(eventbus.NewPublisher(nc, cfg.NATS.EventSubject))
		logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	}
	dispatcher.Start(ctx)

	spots, sparks, detector := a.services(dispatcher)

	if nc != nil {
		sub := eventbus.NewLocationSubscriber(nc, detector, logger)
		if err := sub.Start(ctx, cfg.NATS.LocationSubject, cfg.NATS.QueueGroup); err != nil {
			return err
		}
	}

	domain.NewSweeper(spots, sparks, logger).StartSweepWorker(ctx, cfg.Sweep.Interval)

	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	router := api.NewRouter(
		api.NewSpotHandler(spots, logger),
		api.NewSparkHandler(sparks, logger),
		api.NewLocationHandler(detector, a.store, logger),
		api.NewHealthHandler(a.store, version, logger),
		wsManager,
		jwtManager,
		api.RouterConfig{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			RateLimitRPS:   cfg.RateLimit.RequestsPerSecond,
			RateLimitBurst: cfg.RateLimit.Burst,
		},
		logger,
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}

	dispatcher.Close()
	if dropped := dispatcher.Dropped(); dropped > 0 {
		logger.Warn("notifications dropped during run", zap.Int64("count", dropped))
	}
	logger.Info("Server stopped")
	return nil
}
