// Package config handles daemon configuration
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "QUIETREFRESH"
	configName = "config"
	configType = "toml"
	configDir  = "quietrefresh"
)

// Config keys.
const (
	KeyCaptureInterval  = "capture.interval"
	KeyCaptureThreshold = "capture.threshold"
	KeyCaptureEnabled   = "capture.enabled"
	KeyCaptureBackend   = "capture.backend"
	KeyQuietPeriod      = "debounce.quiet_period"
	KeyPointerMotion    = "activity.pointer_motion"
	KeyPollInterval     = "activity.poll_interval"
	KeyDispatchMode     = "dispatch.mode"
	KeyDispatchKey      = "dispatch.key"
	KeyDispatchClickX   = "dispatch.click_x"
	KeyDispatchClickY   = "dispatch.click_y"
	KeyDispatchAddr     = "dispatch.grpc_addr"
	KeyDispatchMethod   = "dispatch.grpc_method"
	KeyHTTPAddr         = "http.addr"
	KeyHistoryPath      = "history.path"
	KeyLogLevel         = "log.level"
)

// Config is the startup configuration. Values that may change while the
// daemon runs are mirrored into Live.
type Config struct {
	CaptureInterval  time.Duration
	CaptureThreshold float64 // percent of changed pixels
	CaptureEnabled   bool
	CaptureBackend   string // "auto", "x11", "screenshot"
	QuietPeriod      time.Duration
	PointerMotion    bool
	PollInterval     time.Duration
	DispatchMode     string // "key", "click", "grpc", "log"
	DispatchKey      string
	DispatchClickX   int
	DispatchClickY   int
	DispatchAddr     string
	DispatchMethod   string
	HTTPAddr         string
	HistoryPath      string
	LogLevel         string
	File             string // config file in use, empty if none
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyCaptureInterval, 500*time.Millisecond)
	v.SetDefault(KeyCaptureThreshold, DefaultThreshold)
	v.SetDefault(KeyCaptureEnabled, true)
	v.SetDefault(KeyCaptureBackend, "auto")
	v.SetDefault(KeyQuietPeriod, 2*time.Second)
	v.SetDefault(KeyPointerMotion, true)
	v.SetDefault(KeyPollInterval, 50*time.Millisecond)
	v.SetDefault(KeyDispatchMode, "key")
	v.SetDefault(KeyDispatchKey, "f5")
	v.SetDefault(KeyDispatchClickX, -1)
	v.SetDefault(KeyDispatchClickY, -1)
	v.SetDefault(KeyDispatchAddr, "")
	v.SetDefault(KeyDispatchMethod, "/quietrefresh.v1.Refresher/Refresh")
	v.SetDefault(KeyHTTPAddr, "127.0.0.1:8765")
	v.SetDefault(KeyHistoryPath, "")
	v.SetDefault(KeyLogLevel, "info")
}

// New returns a viper instance wired to env vars and the optional config file.
// An explicit path must exist; the default location may be absent.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName(configName)
	v.SetConfigType(configType)
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, configDir))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from env vars and the default config file location.
func Load() (*Config, error) {
	v, err := New("")
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates a Config.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CaptureInterval:  v.GetDuration(KeyCaptureInterval),
		CaptureThreshold: v.GetFloat64(KeyCaptureThreshold),
		CaptureEnabled:   v.GetBool(KeyCaptureEnabled),
		CaptureBackend:   strings.ToLower(v.GetString(KeyCaptureBackend)),
		QuietPeriod:      v.GetDuration(KeyQuietPeriod),
		PointerMotion:    v.GetBool(KeyPointerMotion),
		PollInterval:     v.GetDuration(KeyPollInterval),
		DispatchMode:     strings.ToLower(v.GetString(KeyDispatchMode)),
		DispatchKey:      v.GetString(KeyDispatchKey),
		DispatchClickX:   v.GetInt(KeyDispatchClickX),
		DispatchClickY:   v.GetInt(KeyDispatchClickY),
		DispatchAddr:     v.GetString(KeyDispatchAddr),
		DispatchMethod:   v.GetString(KeyDispatchMethod),
		HTTPAddr:         v.GetString(KeyHTTPAddr),
		HistoryPath:      v.GetString(KeyHistoryPath),
		LogLevel:         strings.ToLower(v.GetString(KeyLogLevel)),
		File:             v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if err := ValidateInterval(c.CaptureInterval); err != nil {
		return err
	}
	if err := ValidateQuietPeriod(c.QuietPeriod); err != nil {
		return err
	}
	if err := ValidateThreshold(c.CaptureThreshold); err != nil {
		return err
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("activity poll interval must be positive, got %v", c.PollInterval)
	}
	switch c.CaptureBackend {
	case "auto", "x11", "screenshot":
	default:
		return fmt.Errorf("unknown capture backend %q", c.CaptureBackend)
	}
	switch c.DispatchMode {
	case "key", "click", "log":
	case "grpc":
		if c.DispatchAddr == "" {
			return fmt.Errorf("dispatch mode grpc requires %s", KeyDispatchAddr)
		}
	default:
		return fmt.Errorf("unknown dispatch mode %q", c.DispatchMode)
	}
	return nil
}

// SlogLevel maps the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Watch applies config-file edits to live. Startup-only keys are ignored.
func Watch(v *viper.Viper, live *Live) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := FromViper(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		live.Apply(cfg)
		slog.Info("config reloaded", "file", e.Name, "threshold", cfg.CaptureThreshold, "quiet", cfg.QuietPeriod)
	})
	v.WatchConfig()
}

// String renders the effective configuration.
func (c *Config) String() string {
	file := c.File
	if file == "" {
		file = "(none)"
	}
	return fmt.Sprintf(`config file:      %s
capture:          enabled=%v backend=%s interval=%v threshold=%g%%
debounce:         quiet=%v
activity:         pointer_motion=%v poll=%v
dispatch:         mode=%s key=%s click=(%d,%d) grpc=%s%s
http:             %s
history:          %s
log level:        %s`,
		file,
		c.CaptureEnabled, c.CaptureBackend, c.CaptureInterval, c.CaptureThreshold,
		c.QuietPeriod,
		c.PointerMotion, c.PollInterval,
		c.DispatchMode, c.DispatchKey, c.DispatchClickX, c.DispatchClickY, c.DispatchAddr, c.DispatchMethod,
		c.HTTPAddr,
		c.HistoryPath,
		c.LogLevel)
}
