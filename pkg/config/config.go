package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultPath is where the client looks for its config file.
const DefaultPath = "~/.socialsync/config.toml"

// Duration is a time.Duration written as "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the structure of the client config file
type Config struct {
	Server    ServerSection    `toml:"server"`
	Channel   ChannelSection   `toml:"channel"`
	Messaging MessagingSection `toml:"messaging"`
	Audio     AudioSection     `toml:"audio"`
	State     StateSection     `toml:"state"`
	Log       LogSection       `toml:"log"`
	Metrics   MetricsSection   `toml:"metrics"`
}

type ServerSection struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

type ChannelSection struct {
	MaxAttempts      int      `toml:"max_attempts"`
	RetryDelay       Duration `toml:"retry_delay"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	WelcomeTimeout   Duration `toml:"welcome_timeout"`
	PingInterval     Duration `toml:"ping_interval"`
}

type MessagingSection struct {
	AckTimeout   Duration `toml:"ack_timeout"`
	PageSize     int      `toml:"page_size"`
	HistoryLimit int      `toml:"history_limit"`
}

type AudioSection struct {
	Enabled              bool     `toml:"enabled"`
	Frequency            float64  `toml:"frequency"`
	Duration             Duration `toml:"duration"`
	DesktopNotifications bool     `toml:"desktop_notifications"`
}

type StateSection struct {
	Path string `toml:"path"`
}

type LogSection struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Pretty bool   `toml:"pretty"`
}

type MetricsSection struct {
	Addr string `toml:"addr"`
}

// Default returns the default configuration
func Default() Config {
	return Config{
		Server: ServerSection{
			BaseURL: "http://localhost:8080/api",
			WSURL:   "ws://localhost:8080/ws",
		},
		Channel: ChannelSection{
			MaxAttempts:      5,
			RetryDelay:       Duration{2 * time.Second},
			HandshakeTimeout: Duration{10 * time.Second},
			WelcomeTimeout:   Duration{5 * time.Second},
			PingInterval:     Duration{30 * time.Second},
		},
		Messaging: MessagingSection{
			AckTimeout:   Duration{10 * time.Second},
			PageSize:     10,
			HistoryLimit: 50,
		},
		Audio: AudioSection{
			Enabled:   true,
			Frequency: 880,
			Duration:  Duration{150 * time.Millisecond},
		},
		State: StateSection{
			Path: "~/.socialsync/state.db",
		},
		Log: LogSection{
			Level: "info",
			File:  "~/.socialsync/socialsync.log",
		},
	}
}

// ExpandPath expands a leading ~/ to the home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadDotEnv loads KEY=value pairs from the given files. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the config file at path, writing one with defaults when none
// exists, then applies environment overrides.
func Load(path string) (Config, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := Default()
		// an unwritable location still runs on defaults
		_ = writeDefault(path)
		config = applyEnvOverrides(config)
		return config, config.Validate()
	}

	config := Default()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	config = applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate rejects values the client cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.WSURL) == "" {
		return errors.New("server.ws_url is required")
	}
	if strings.TrimSpace(c.Server.BaseURL) == "" {
		return errors.New("server.base_url is required")
	}
	if c.Channel.MaxAttempts < 1 {
		return fmt.Errorf("channel.max_attempts must be at least 1, got %d", c.Channel.MaxAttempts)
	}
	if c.Messaging.PageSize < 1 {
		return fmt.Errorf("messaging.page_size must be at least 1, got %d", c.Messaging.PageSize)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: SOCIALSYNC_SECTION_KEY
// Example: SOCIALSYNC_CHANNEL_MAX_ATTEMPTS=3
func applyEnvOverrides(config Config) Config {
	// Server section
	if val := os.Getenv("SOCIALSYNC_SERVER_BASE_URL"); val != "" {
		config.Server.BaseURL = val
	}
	if val := os.Getenv("SOCIALSYNC_SERVER_WS_URL"); val != "" {
		config.Server.WSURL = val
	}

	// Channel section
	if val := os.Getenv("SOCIALSYNC_CHANNEL_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Channel.MaxAttempts = n
		}
	}
	overrideDuration("SOCIALSYNC_CHANNEL_RETRY_DELAY", &config.Channel.RetryDelay)
	overrideDuration("SOCIALSYNC_CHANNEL_HANDSHAKE_TIMEOUT", &config.Channel.HandshakeTimeout)
	overrideDuration("SOCIALSYNC_CHANNEL_WELCOME_TIMEOUT", &config.Channel.WelcomeTimeout)
	overrideDuration("SOCIALSYNC_CHANNEL_PING_INTERVAL", &config.Channel.PingInterval)

	// Messaging section
	overrideDuration("SOCIALSYNC_MESSAGING_ACK_TIMEOUT", &config.Messaging.AckTimeout)
	if val := os.Getenv("SOCIALSYNC_MESSAGING_PAGE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Messaging.PageSize = n
		}
	}
	if val := os.Getenv("SOCIALSYNC_MESSAGING_HISTORY_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Messaging.HistoryLimit = n
		}
	}

	// Audio section
	if val := os.Getenv("SOCIALSYNC_AUDIO_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Audio.Enabled = enabled
		}
	}
	if val := os.Getenv("SOCIALSYNC_AUDIO_FREQUENCY"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Audio.Frequency = f
		}
	}
	overrideDuration("SOCIALSYNC_AUDIO_DURATION", &config.Audio.Duration)
	if val := os.Getenv("SOCIALSYNC_AUDIO_DESKTOP_NOTIFICATIONS"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Audio.DesktopNotifications = enabled
		}
	}

	// State, log and metrics
	if val := os.Getenv("SOCIALSYNC_STATE_PATH"); val != "" {
		config.State.Path = val
	}
	if val := os.Getenv("SOCIALSYNC_LOG_LEVEL"); val != "" {
		config.Log.Level = val
	}
	if val := os.Getenv("SOCIALSYNC_LOG_FILE"); val != "" {
		config.Log.File = val
	}
	if val := os.Getenv("SOCIALSYNC_METRICS_ADDR"); val != "" {
		config.Metrics.Addr = val
	}

	return config
}

func overrideDuration(key string, d *Duration) {
	if val := os.Getenv(key); val != "" {
		if v, err := time.ParseDuration(val); err == nil {
			d.Duration = v
		}
	}
}

// writeDefault writes the default config to a file with all options documented
func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# socialsync client configuration
# This file was auto-generated with default values
#
# Environment variables can override these settings:
# SOCIALSYNC_SECTION_KEY (e.g., SOCIALSYNC_CHANNEL_MAX_ATTEMPTS=3)
# A .env file in the working directory is read first.

[server]
# REST API root
base_url = "http://localhost:8080/api"

# Realtime channel endpoint
ws_url = "ws://localhost:8080/ws"

[channel]
# Connection attempts before the client goes offline
max_attempts = 5

# Fixed delay between attempts
retry_delay = "2s"

handshake_timeout = "10s"
welcome_timeout = "5s"

# Keepalive ping interval ("0s" disables)
ping_interval = "30s"

[messaging]
# How long a send waits for its acknowledgement
ack_timeout = "10s"

# Conversations per page
page_size = 10

# Messages loaded when a thread is opened
history_limit = 50

[audio]
# Beep on new notifications once a key has been pressed
enabled = true
frequency = 880.0
duration = "150ms"

# Also show a desktop notification
desktop_notifications = false

[state]
# Local sqlite state (last identity, cached badge counts)
path = "~/.socialsync/state.db"

[log]
# debug, info, warn, error
level = "info"
file = "~/.socialsync/socialsync.log"
pretty = false

[metrics]
# Prometheus listen address, empty disables
# addr = "127.0.0.1:9464"
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
