package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath  string `yaml:"socket_path"`
	DBPath      string `yaml:"db_path"`
	LogPath     string `yaml:"log_path"`
	LogLevel    string `yaml:"log_level"`
	SnapshotDir string `yaml:"snapshot_dir"`
	FFmpegPath  string `yaml:"ffmpeg_path"`

	DefaultSplit int    `yaml:"default_split"`
	StreamType   string `yaml:"stream_type"`

	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	RetryBackoffMax  time.Duration `yaml:"retry_backoff_max"`

	DecoderOpenTimeout time.Duration `yaml:"decoder_open_timeout"`
	DecoderSpawnRate   float64       `yaml:"decoder_spawn_rate"`
	DecoderSpawnBurst  int           `yaml:"decoder_spawn_burst"`
	FrameWidth         int           `yaml:"frame_width"`
	FrameHeight        int           `yaml:"frame_height"`
	FrameRate          int           `yaml:"frame_rate"`

	LoginTimeout       time.Duration `yaml:"login_timeout"`
	ChannelBindTimeout time.Duration `yaml:"channel_bind_timeout"`

	ProbeTimeout           time.Duration `yaml:"probe_timeout"`
	ProbeInterval          time.Duration `yaml:"probe_interval"`
	ProbeConcurrency       int           `yaml:"probe_concurrency"`
	DeviceDownFailures     int           `yaml:"device_down_failures"`
	DeviceRecoverSuccesses int           `yaml:"device_recover_successes"`
	DeviceDownWindow       time.Duration `yaml:"device_down_window"`

	CommandTimeout time.Duration `yaml:"command_timeout"`
	TUIRefresh     time.Duration `yaml:"tui_refresh"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:             defaultSocketPath(),
		DBPath:                 defaultStatePath("state.db"),
		LogPath:                defaultStatePath("wallmuxd.log"),
		LogLevel:               "info",
		SnapshotDir:            defaultSnapshotDir(),
		FFmpegPath:             "ffmpeg",
		DefaultSplit:           16,
		StreamType:             "main",
		RetryInterval:          3 * time.Second,
		RetryMaxAttempts:       0,
		RetryBackoffMax:        0,
		DecoderOpenTimeout:     10 * time.Second,
		DecoderSpawnRate:       4,
		DecoderSpawnBurst:      4,
		FrameWidth:             320,
		FrameHeight:            180,
		FrameRate:              5,
		LoginTimeout:           5 * time.Second,
		ChannelBindTimeout:     8 * time.Second,
		ProbeTimeout:           1500 * time.Millisecond,
		ProbeInterval:          30 * time.Second,
		ProbeConcurrency:       8,
		DeviceDownFailures:     3,
		DeviceRecoverSuccesses: 2,
		DeviceDownWindow:       2 * time.Minute,
		CommandTimeout:         60 * time.Second,
		TUIRefresh:             200 * time.Millisecond,
	}
}

// LoadFile overlays the YAML file at path on top of base. Keys missing from
// the file keep their base value.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.SocketPath = expandHome(cfg.SocketPath)
	cfg.DBPath = expandHome(cfg.DBPath)
	cfg.LogPath = expandHome(cfg.LogPath)
	cfg.SnapshotDir = expandHome(cfg.SnapshotDir)
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"retry_interval", c.RetryInterval},
		{"decoder_open_timeout", c.DecoderOpenTimeout},
		{"login_timeout", c.LoginTimeout},
		{"channel_bind_timeout", c.ChannelBindTimeout},
		{"probe_timeout", c.ProbeTimeout},
		{"probe_interval", c.ProbeInterval},
		{"command_timeout", c.CommandTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry_max_attempts must be >= 0"))
	}
	if c.RetryBackoffMax < 0 {
		errs = append(errs, fmt.Errorf("retry_backoff_max must be >= 0"))
	}
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 || c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame geometry must be positive"))
	}
	if c.DecoderSpawnRate <= 0 || c.DecoderSpawnBurst <= 0 {
		errs = append(errs, fmt.Errorf("decoder spawn rate and burst must be positive"))
	}
	if c.ProbeConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("probe_concurrency must be positive"))
	}
	switch strings.ToLower(strings.TrimSpace(c.StreamType)) {
	case "main", "sub":
	default:
		errs = append(errs, fmt.Errorf("stream_type must be main or sub, got %q", c.StreamType))
	}
	if strings.TrimSpace(c.SocketPath) == "" {
		errs = append(errs, fmt.Errorf("socket_path is required"))
	}
	return errors.Join(errs...)
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "wallmux", "wallmuxd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wallmuxd.sock"
	}
	return filepath.Join(home, ".local", "state", "wallmux", "wallmuxd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "wallmux", name)
}

func defaultSnapshotDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, "Pictures")
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
