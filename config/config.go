// Package config loads settings from flags, EMOTION_* environment variables,
// an optional .env file and an optional YAML file, in that order of precedence.
package config

import (
	iofs "io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/mrsingh-rishi/emotion-stream/transport"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "EMOTION"

type Config struct {
	ServerURL       string        `mapstructure:"server_url"`
	ChunkInterval   time.Duration `mapstructure:"chunk_interval"`
	FrameInterval   time.Duration `mapstructure:"frame_interval"`
	WindowSize      int           `mapstructure:"window_size"`
	SampleRate      int           `mapstructure:"sample_rate"`
	Channels        int           `mapstructure:"channels"`
	FramesPerBuffer int           `mapstructure:"frames_per_buffer"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	OutboxSize      int           `mapstructure:"outbox_size"`
	HistorySize     int           `mapstructure:"history_size"`
	LogLevel        string        `mapstructure:"log_level"`
	LogDev          bool          `mapstructure:"log_dev"`
	MockAddr        string        `mapstructure:"mock_addr"`
	MaxConnections  int           `mapstructure:"max_connections"`
}

func Default() *Config {
	return &Config{
		ServerURL:       "ws://localhost:8000",
		ChunkInterval:   time.Second,
		FrameInterval:   16 * time.Millisecond,
		WindowSize:      100,
		SampleRate:      22050,
		Channels:        1,
		FramesPerBuffer: 1024,
		ConnectTimeout:  10 * time.Second,
		OutboxSize:      32,
		HistorySize:     3,
		LogLevel:        "info",
		MockAddr:        ":8000",
		MaxConnections:  100,
	}
}

// flagKeys maps command line flag names to config keys.
var flagKeys = map[string]string{
	"server":            "server_url",
	"chunk-interval":    "chunk_interval",
	"frame-interval":    "frame_interval",
	"window-size":       "window_size",
	"sample-rate":       "sample_rate",
	"channels":          "channels",
	"frames-per-buffer": "frames_per_buffer",
	"connect-timeout":   "connect_timeout",
	"outbox-size":       "outbox_size",
	"history-size":      "history_size",
	"log-level":         "log_level",
	"log-dev":           "log_dev",
	"addr":              "mock_addr",
	"max-connections":   "max_connections",
}

// AddClientFlags registers the flags of commands that stream audio.
func AddClientFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("server", d.ServerURL, "analyzer base URL (ws, wss, http or https)")
	fs.Duration("chunk-interval", d.ChunkInterval, "audio chunk length")
	fs.Duration("frame-interval", d.FrameInterval, "waveform refresh interval")
	fs.Int("window-size", d.WindowSize, "waveform window size")
	fs.Int("sample-rate", d.SampleRate, "capture sample rate in Hz")
	fs.Int("channels", d.Channels, "capture channel count")
	fs.Int("frames-per-buffer", d.FramesPerBuffer, "frames read from the device at a time")
	fs.Duration("connect-timeout", d.ConnectTimeout, "give up connecting after this long")
	fs.Int("outbox-size", d.OutboxSize, "chunks buffered for sending before dropping")
	fs.Int("history-size", d.HistorySize, "recent results to show")
}

// AddServerFlags registers the flags of the mock analyzer command.
func AddServerFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("addr", d.MockAddr, "listen address")
	fs.Int("max-connections", d.MaxConnections, "maximum concurrent clients")
}

// AddLogFlags registers the logging flags shared by every command.
func AddLogFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.Bool("log-dev", d.LogDev, "human readable development logs")
}

// Load resolves the configuration. cfgFile may be empty, in which case
// ./emotion-stream.yaml is used when present. fs may be nil.
func Load(cfgFile string, fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return nil, errors.Wrap(err, "config: loading .env failed")
	}

	v := viper.New()
	d := Default()
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("chunk_interval", d.ChunkInterval)
	v.SetDefault("frame_interval", d.FrameInterval)
	v.SetDefault("window_size", d.WindowSize)
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("channels", d.Channels)
	v.SetDefault("frames_per_buffer", d.FramesPerBuffer)
	v.SetDefault("connect_timeout", d.ConnectTimeout)
	v.SetDefault("outbox_size", d.OutboxSize)
	v.SetDefault("history_size", d.HistorySize)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_dev", d.LogDev)
	v.SetDefault("mock_addr", d.MockAddr)
	v.SetDefault("max_connections", d.MaxConnections)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("emotion-stream")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "config: reading config file failed")
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "config: binding flag %q failed", name)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "config: decoding failed")
	}
	return cfg, nil
}

// Validate rejects settings the client cannot run with.
func (c *Config) Validate() error {
	if _, err := transport.BuildURL(c.ServerURL, "validate"); err != nil {
		return errors.Wrap(err, "config: invalid server_url")
	}
	for key, d := range map[string]time.Duration{
		"chunk_interval":  c.ChunkInterval,
		"frame_interval":  c.FrameInterval,
		"connect_timeout": c.ConnectTimeout,
	} {
		if d <= 0 {
			return errors.Errorf("config: %s must be positive, got %s", key, d)
		}
	}
	for key, n := range map[string]int{
		"window_size":       c.WindowSize,
		"sample_rate":       c.SampleRate,
		"channels":          c.Channels,
		"frames_per_buffer": c.FramesPerBuffer,
		"outbox_size":       c.OutboxSize,
		"history_size":      c.HistorySize,
		"max_connections":   c.MaxConnections,
	} {
		if n <= 0 {
			return errors.Errorf("config: %s must be positive, got %d", key, n)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config: invalid log_level")
	}
	return nil
}
