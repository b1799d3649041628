package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alleneee/digital-human/internal/config"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/loopback"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with DH_* overrides")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Try default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			cfg = config.Default()
		} else {
			panic(err)
		}
	}
	if err := cfg.ApplyEnv(*envFile); err != nil {
		panic(err)
	}

	log := logger.New(cfg.Client.Debug)
	defer log.Sync()

	log.Info("Starting loopback conversation service")
	log.Info("Config: bind_address=%s, webrtc=%v", cfg.Loopback.BindAddress, cfg.Loopback.WebRTCEnabled)

	srv := loopback.New(cfg.Loopback.BindAddress, loopback.Options{
		WebRTC: cfg.Loopback.WebRTCEnabled,
	}, log)

	// Start server in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Fatal("Server error: %v", err)
	case sig := <-sigChan:
		log.Info("Received signal %v, shutting down...", sig)
		if err := srv.Stop(); err != nil {
			log.Error("Error stopping server: %v", err)
		}
	}

	log.Info("Server stopped")
}
