package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"subtitle-stt-engine/internal/app"
	"subtitle-stt-engine/internal/config"
	httpapi "subtitle-stt-engine/internal/http"
	"subtitle-stt-engine/internal/observability"
	"subtitle-stt-engine/internal/observability/metrics"
)

func main() {
	cfg := config.Load()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create application")
	}

	lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.Service.GRPCPort).Msg("failed to listen")
	}

	// Health follows the model state; reflection is enabled for grpcurl.
	server, healthServer := observability.NewGRPCServer(metrics.DefaultMetrics)
	application.AttachHealth(healthServer)

	httpServer := observability.NewServer(":"+cfg.Service.HTTPPort, httpapi.NewRouter(application))
	httpServer.Start()

	go func() {
		log.Info().Str("port", cfg.Service.GRPCPort).Msg("Subtitle STT engine gRPC health server started")
		if err := server.Serve(lis); err != nil {
			log.Fatal().Err(err).Msg("grpc serve failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The signal context only triggers shutdown; Shutdown stops components in order.
	if err := application.Start(context.Background()); err != nil {
		log.Error().Err(err).Msg("failed to start capture")
		application.Shutdown()
		server.Stop()
		os.Exit(1)
	}

	<-ctx.Done()

	log.Info().Msg("shutting down")
	application.Shutdown()
	server.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}
}
