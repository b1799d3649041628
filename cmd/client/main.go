package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alleneee/digital-human/internal/api"
	"github.com/alleneee/digital-human/internal/audio"
	"github.com/alleneee/digital-human/internal/calibrate"
	"github.com/alleneee/digital-human/internal/channel"
	"github.com/alleneee/digital-human/internal/config"
	"github.com/alleneee/digital-human/internal/conversation"
	"github.com/alleneee/digital-human/internal/debuglog"
	"github.com/alleneee/digital-human/internal/logger"
	"github.com/alleneee/digital-human/internal/protocol"
	"github.com/alleneee/digital-human/internal/router"
	"github.com/alleneee/digital-human/internal/sink"
)

// Conversation turns kept in memory for /status
const historySize = 200

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Optional .env file with DH_* overrides")
	calibrateMode := flag.Bool("calibrate", false, "Run microphone level calibration wizard")
	autoSave := flag.Bool("yes", false, "Auto-save calibration results without prompting")
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

	log := logger.NewWithConfig(logger.Config{
		Level:  logger.ParseLogLevel(cfg.Client.LogLevel),
		Format: logger.ParseOutputFormat(cfg.Client.LogFormat),
		Debug:  cfg.Client.Debug,
	})
	defer log.Sync()

	backend := audio.NewMalgoBackend(log)

	if *calibrateMode {
		wizard := calibrate.NewWizard(cfg, backend, os.Stdin, os.Stdout, log)
		if _, err := wizard.Run(context.Background(), *configPath, *autoSave); err != nil {
			log.Fatal("Calibration failed: %v", err)
		}
		return
	}

	clientID := cfg.EnsureClientID()
	log.Info("Starting digital human client")
	log.Info("Config: server_url=%s, api_bind_address=%s, client_id=%s, debug=%v",
		cfg.Server.URL, cfg.Client.APIBindAddress, clientID, cfg.Client.Debug)

	var dlog *debuglog.Logger
	if cfg.Client.DebugLogPath != "" {
		dlog, err = debuglog.New(cfg.Client.DebugLogPath, int64(cfg.Client.DebugLogMaxSize))
		if err != nil {
			log.Warn("Conversation log disabled: %v", err)
		} else {
			defer dlog.Close()
			log.Info("Conversation log: %s", dlog.Path())
		}
	}

	// Channel: tracker -> router -> manager
	tracker := channel.NewLatencyTracker(cfg.PingInterval(), log)
	rt := router.New(tracker, log)

	dialer := channel.NewWebSocketDialer(cfg.Server.URL, clientID, cfg.WriteTimeout(), 3*cfg.PingInterval())
	manager := channel.New(dialer, tracker, rt, channel.Options{
		Backoff: channel.Backoff{
			Base:        cfg.BaseDelay(),
			Factor:      cfg.Channel.BackoffFactor,
			Cap:         cfg.MaxDelay(),
			MaxAttempts: cfg.Channel.MaxAttempts,
		},
		NotifyEvery: cfg.Channel.NotifyEvery,
		ClientConfig: func() protocol.ClientConfig {
			return cfg.Session
		},
	}, log)

	conv := conversation.New(historySize, log)
	conv.Register(rt)

	// Transcription sinks
	var webrtcSink func() sink.FrameSink
	if cfg.Server.SignalURL != "" {
		webrtcSink = func() sink.FrameSink {
			return sink.NewDataChannelSink(cfg.Server.SignalURL, clientID, log)
		}
	}
	selector := sink.NewSelector(sink.NewChannelSink(manager, log), webrtcSink, log)
	rt.Handle(protocol.KindWebRTCSupport, selector.HandleSupport)

	recorder := sink.NewRecorder(selector, manager, log)
	session := audio.NewSession(backend, audio.Options{
		DeviceName:         cfg.Audio.DeviceName,
		SampleRate:         cfg.Audio.SampleRate,
		FrameSize:          cfg.Audio.FrameSize,
		Processing:         cfg.Audio.Processing,
		LowVolumeThreshold: cfg.Audio.LowVolumeThreshold,
		LowVolumeDelay:     cfg.LowVolumeDelay(),
		LevelWindow:        cfg.Audio.LevelWindow,
		LevelTick:          cfg.LevelTick(),
	}, recorder.OnFrame, log)
	recorder.Bind(session)

	ctrl := &controller{
		manager:  manager,
		conv:     conv,
		session:  session,
		recorder: recorder,
		dlog:     dlog,
		logger:   log.With("client"),
	}
	apiServer := api.New(cfg.Client.APIBindAddress, ctrl, log)

	manager.Subscribe(func(ev channel.Event) {
		apiServer.Broadcast("channel", newChannelEvent(ev))
		if ev.Notify {
			log.Warn("Connection %s (attempt %d)", ev.To, ev.Attempt)
		}
		if dlog != nil {
			dlog.LogChannel(string(ev.To), ev.Attempt)
		}
	})

	conv.Subscribe(func(u conversation.Update) {
		apiServer.Broadcast("conversation", u)
		if dlog == nil {
			return
		}
		switch u.Kind {
		case protocol.KindBotReply, protocol.KindResponse:
			dlog.LogReply(u.Text)
		case protocol.KindTranscriptionFinal:
			dlog.LogTranscript(u.Text)
		case protocol.KindError:
			dlog.LogError(u.Text)
		}
	})

	// Media payloads are rendered by the surface attached to /events
	rt.HandleBinary(func(data []byte) {
		apiServer.Broadcast("media", map[string]int{"bytes": len(data)})
	})

	session.OnStatus(func(st audio.Status) {
		apiServer.Broadcast("audio", st)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Run(ctx)

	manager.Connect()

	// Start API server in goroutine
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("API server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Info("Client running - press Ctrl+C to stop")
	<-sigChan

	log.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		log.Error("Error stopping API server: %v", err)
	}
	if session.Recording() {
		if err := ctrl.StopRecording(); err != nil {
			log.Error("Error stopping recording: %v", err)
		}
	}
	if err := manager.Close(); err != nil {
		log.Error("Error closing channel: %v", err)
	}

	log.Info("Client stopped")
}
