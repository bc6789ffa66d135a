// facegate serves the browser side of face login and face enrollment: the
// page's camera arrives over WebRTC and captures are uploaded to the
// biometric backend.
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

	"facegate/internal/api"
	"facegate/internal/audio"
	"facegate/internal/client"
	"facegate/internal/detector"
	"facegate/internal/gateway"
	"facegate/internal/logging"
	"facegate/models"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := models.LoadConfig()
	logging.Configure(logging.Config{
		Level:   cfg.Log.Level,
		Service: "facegate",
		Pretty:  cfg.Log.Pretty,
	})
	log := logging.Base()
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Invalid configuration")
	}

	backend := api.NewBackend(api.NewAPIClient(cfg.Backend.BaseURL, cfg.Backend.SecretKey, cfg.Backend.Timeout))

	faces, err := detector.NewFaceDetector(cfg.Detector)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to create face detector")
	}
	defer faces.Close()

	deps := gateway.Deps{
		Identity:  backend,
		Faces:     backend,
		Enroll:    backend,
		Biometric: backend,
		Frames:    faces,
		Cues:      audio.LoadLibrary(cfg.Audio),
	}

	if cfg.Progress.Enabled {
		progress := client.NewProgressClient(cfg.Progress.URL)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout)
		err := progress.Connect(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.Progress.URL).Msg("❌ Failed to connect progress socket")
		}
		defer func() { _ = progress.Close() }()
		deps.Stages = progress
	}

	gw := gateway.NewServer(cfg, deps)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("🚀 facegate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Info().Msg("⚠️ Shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("❌ Server stopped")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ Sessions did not close in time")
	}
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("⚠️ HTTP shutdown incomplete")
	}
	log.Info().Msg("✅ Done!")
}
