package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alleneee/digital-human/internal/protocol"
)

// Config holds the client configuration
type Config struct {
	Client struct {
		APIBindAddress  string `yaml:"api_bind_address"`
		Debug           bool   `yaml:"debug"`
		LogLevel        string `yaml:"log_level"`
		LogFormat       string `yaml:"log_format"` // text | json
		DebugLogPath    string `yaml:"debug_log_path"`
		DebugLogMaxSize int    `yaml:"debug_log_max_size"`
		ClientID        string `yaml:"client_id"` // Empty = generated per process
	} `yaml:"client"`

	Server struct {
		URL       string `yaml:"url"`
		SignalURL string `yaml:"signal_url"` // WebRTC signaling for the transcription side-channel
	} `yaml:"server"`

	Channel struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		BaseDelayMs    int     `yaml:"base_delay_ms"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		MaxDelayMs     int     `yaml:"max_delay_ms"`
		PingIntervalMs int     `yaml:"ping_interval_ms"`
		WriteTimeoutMs int     `yaml:"write_timeout_ms"`
		NotifyEvery    int     `yaml:"notify_every"`
	} `yaml:"channel"`

	Audio struct {
		DeviceName         string  `yaml:"device_name"` // Empty = default device
		SampleRate         int     `yaml:"sample_rate"`
		FrameSize          int     `yaml:"frame_size"`
		Processing         string  `yaml:"processing"` // worker | inline
		LowVolumeThreshold float64 `yaml:"low_volume_threshold"`
		LowVolumeDelayMs   int     `yaml:"low_volume_delay_ms"`
		LevelWindow        int     `yaml:"level_window"`
		LevelTickMs        int     `yaml:"level_tick_ms"`
	} `yaml:"audio"`

	// Sent to the service as the config frame on every connect
	Session protocol.ClientConfig `yaml:"session"`

	Loopback struct {
		BindAddress   string `yaml:"bind_address"`
		WebRTCEnabled bool   `yaml:"webrtc_enabled"`
	} `yaml:"loopback"`

	// Internal field to track config file path for reloading
	filePath string
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.filePath = path
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	d := Default()

	if c.Client.APIBindAddress == "" {
		c.Client.APIBindAddress = d.Client.APIBindAddress
	}
	if c.Client.LogLevel == "" {
		c.Client.LogLevel = d.Client.LogLevel
	}
	if c.Client.LogFormat == "" {
		c.Client.LogFormat = d.Client.LogFormat
	}
	if c.Client.DebugLogPath == "" {
		c.Client.DebugLogPath = d.Client.DebugLogPath
	}
	if c.Client.DebugLogMaxSize == 0 {
		c.Client.DebugLogMaxSize = d.Client.DebugLogMaxSize
	}
	if c.Server.URL == "" {
		c.Server.URL = d.Server.URL
	}

	if c.Channel.MaxAttempts == 0 {
		c.Channel.MaxAttempts = d.Channel.MaxAttempts
	}
	if c.Channel.BaseDelayMs == 0 {
		c.Channel.BaseDelayMs = d.Channel.BaseDelayMs
	}
	if c.Channel.BackoffFactor == 0 {
		c.Channel.BackoffFactor = d.Channel.BackoffFactor
	}
	if c.Channel.MaxDelayMs == 0 {
		c.Channel.MaxDelayMs = d.Channel.MaxDelayMs
	}
	if c.Channel.PingIntervalMs <= 0 {
		c.Channel.PingIntervalMs = d.Channel.PingIntervalMs
	}
	if c.Channel.WriteTimeoutMs == 0 {
		c.Channel.WriteTimeoutMs = d.Channel.WriteTimeoutMs
	}
	if c.Channel.NotifyEvery == 0 {
		c.Channel.NotifyEvery = d.Channel.NotifyEvery
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = d.Audio.FrameSize
	}
	if c.Audio.Processing == "" {
		c.Audio.Processing = d.Audio.Processing
	}
	if c.Audio.LowVolumeThreshold == 0 {
		c.Audio.LowVolumeThreshold = d.Audio.LowVolumeThreshold
	}
	if c.Audio.LowVolumeDelayMs == 0 {
		c.Audio.LowVolumeDelayMs = d.Audio.LowVolumeDelayMs
	}
	if c.Audio.LevelWindow == 0 {
		c.Audio.LevelWindow = d.Audio.LevelWindow
	}
	if c.Audio.LevelTickMs == 0 {
		c.Audio.LevelTickMs = d.Audio.LevelTickMs
	}

	if c.Session.Language == "" {
		c.Session.Language = d.Session.Language
	}
	if c.Loopback.BindAddress == "" {
		c.Loopback.BindAddress = d.Loopback.BindAddress
	}
}

// Reload reloads the configuration from disk and updates the current config in-place.
// Components holding a reference see the new values without a restart.
func (c *Config) Reload() error {
	if c.filePath == "" {
		return fmt.Errorf("config file path not set, cannot reload")
	}

	newCfg, err := Load(c.filePath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	// Keep a generated client id stable across reloads
	clientID := c.Client.ClientID

	c.Client = newCfg.Client
	c.Server = newCfg.Server
	c.Channel = newCfg.Channel
	c.Audio = newCfg.Audio
	c.Session = newCfg.Session
	c.Loopback = newCfg.Loopback

	if c.Client.ClientID == "" {
		c.Client.ClientID = clientID
	}

	return nil
}

// FilePath returns the path the config was loaded from, if any
func (c *Config) FilePath() string {
	return c.filePath
}

// Default returns a default configuration
func Default() *Config {
	cfg := &Config{}
	cfg.Client.APIBindAddress = "localhost:8081"
	cfg.Client.Debug = false
	cfg.Client.LogLevel = "info"
	cfg.Client.LogFormat = "text"
	cfg.Client.DebugLogPath = "~/.config/digital-human/conversation.log"
	cfg.Client.DebugLogMaxSize = 8388608 // 8MB
	cfg.Server.URL = "ws://localhost:8001/ws"

	cfg.Channel.MaxAttempts = 20
	cfg.Channel.BaseDelayMs = 1000
	cfg.Channel.BackoffFactor = 1.5
	cfg.Channel.MaxDelayMs = 60000
	cfg.Channel.PingIntervalMs = 10000
	cfg.Channel.WriteTimeoutMs = 10000
	cfg.Channel.NotifyEvery = 5

	cfg.Audio.SampleRate = 16000
	cfg.Audio.FrameSize = 4096
	cfg.Audio.Processing = "worker"
	cfg.Audio.LowVolumeThreshold = 0.01
	cfg.Audio.LowVolumeDelayMs = 1000
	cfg.Audio.LevelWindow = 2048
	cfg.Audio.LevelTickMs = 16 // roughly one display frame

	cfg.Session.Language = "zh-CN"
	cfg.Loopback.BindAddress = "localhost:8001"
	return cfg
}

// ApplyEnv loads an optional .env file and applies DH_* overrides on top of
// the file configuration. A missing .env file is not an error.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if v := os.Getenv("DH_SERVER_URL"); v != "" {
		c.Server.URL = v
	}
	if v := os.Getenv("DH_SIGNAL_URL"); v != "" {
		c.Server.SignalURL = v
	}
	if v := os.Getenv("DH_CLIENT_ID"); v != "" {
		c.Client.ClientID = v
	}
	if v := os.Getenv("DH_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DH_DEBUG %q: %w", v, err)
		}
		c.Client.Debug = debug
	}

	return nil
}

// EnsureClientID generates a client id if none is configured and returns it.
// The id is stable for the process so reconnects map to one server session.
func (c *Config) EnsureClientID() string {
	if c.Client.ClientID == "" {
		c.Client.ClientID = uuid.NewString()
	}
	return c.Client.ClientID
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// BaseDelay returns the first reconnect delay
func (c *Config) BaseDelay() time.Duration { return ms(c.Channel.BaseDelayMs) }

// MaxDelay returns the reconnect delay cap
func (c *Config) MaxDelay() time.Duration { return ms(c.Channel.MaxDelayMs) }

// PingInterval returns the latency ping period
func (c *Config) PingInterval() time.Duration { return ms(c.Channel.PingIntervalMs) }

// WriteTimeout returns the per-frame write deadline
func (c *Config) WriteTimeout() time.Duration { return ms(c.Channel.WriteTimeoutMs) }

// LowVolumeDelay returns how long the level must stay low before warning
func (c *Config) LowVolumeDelay() time.Duration { return ms(c.Audio.LowVolumeDelayMs) }

// LevelTick returns the level sampling period
func (c *Config) LevelTick() time.Duration { return ms(c.Audio.LevelTickMs) }
