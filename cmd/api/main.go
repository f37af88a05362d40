package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/birddrop/backend/internal/config"
	"github.com/zhouzirui/birddrop/backend/internal/handler"
	"github.com/zhouzirui/birddrop/backend/internal/service/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrus.New()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		logger.WithError(err).Warn("failed to load .env file, continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	cfg.Log.Apply(logger)

	svc := relay.NewService(relay.Options{Limits: cfg.Relay, Logger: logger})

	reaperDone := make(chan struct{})
	go func() {
		relay.NewReaper(svc).Run(ctx)
		close(reaperDone)
	}()

	router := handler.NewRouter(svc, cfg, logger)

	logger.WithField("origins", cfg.Server.AllowedOrigins).Info("allowed origins")
	startServer(ctx, logger, cfg.Server, router)
	stop()
	<-reaperDone
}

func startServer(ctx context.Context, logger *logrus.Logger, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Infof("birddrop relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		logger.WithError(err).Fatal("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
