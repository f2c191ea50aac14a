package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/ble/protocol"
	"github.com/chaz8081/clocklink/internal/session"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Upload    UploadConfig    `yaml:"upload"`
	Provision ProvisionConfig `yaml:"provision"`
	Storage   StorageConfig   `yaml:"storage"`
	API       APIConfig       `yaml:"api"`
	// RingtonesFile is an optional YAML melody library.
	RingtonesFile string `yaml:"ringtones_file"`
	LogLevel      string `yaml:"log_level"`
}

// DeviceConfig selects which peripheral to connect to.
type DeviceConfig struct {
	TargetName  string        `yaml:"target_name"`
	ServiceUUID string        `yaml:"service_uuid"` // empty reports every device
	DebugMode   bool          `yaml:"debug_mode"`   // keep scanning after the target is found
	ScanTimeout time.Duration `yaml:"scan_timeout"` // 0 scans until stopped
}

// ReconnectConfig holds reconnect backoff settings.
type ReconnectConfig struct {
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`
	MaxAttempts       int `yaml:"max_attempts"` // 0 = unlimited
}

// PacingConfig controls one kind of chunked upload.
type PacingConfig struct {
	ChunkSize int           `yaml:"chunk_size"`
	Settle    time.Duration `yaml:"settle"`
	Gap       time.Duration `yaml:"gap"`
	EndDelay  time.Duration `yaml:"end_delay"`
}

// UploadConfig holds upload pacing per channel.
type UploadConfig struct {
	Font     PacingConfig `yaml:"font"`
	Ringtone PacingConfig `yaml:"ringtone"`
}

// ProvisionConfig holds the delays after connecting at which settings are
// pushed to the clock.
type ProvisionConfig struct {
	DateTime     time.Duration `yaml:"datetime"`
	Font         time.Duration `yaml:"font"`
	Buzzer       time.Duration `yaml:"buzzer"`
	Alarms       time.Duration `yaml:"alarms"`
	AlarmStagger time.Duration `yaml:"alarm_stagger"`
}

// StorageConfig holds the database location.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	Listen         string   `yaml:"listen"` // empty disables the API
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "clocklink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "clocklink", "clocklink.db")
	opts := session.DefaultOptions()

	return &Config{
		Device: DeviceConfig{
			TargetName: ble.DefaultTargetName,
		},
		Reconnect: ReconnectConfig{
			MaxBackoffSeconds: opts.ReconnectMaxBackoff,
		},
		Upload: UploadConfig{
			Font:     pacingConfig(opts.FontUpload),
			Ringtone: pacingConfig(opts.RingtoneUpload),
		},
		Provision: ProvisionConfig{
			DateTime:     opts.Provision.DateTime,
			Font:         opts.Provision.Font,
			Buzzer:       opts.Provision.Buzzer,
			Alarms:       opts.Provision.Alarms,
			AlarmStagger: opts.Provision.AlarmStagger,
		},
		Storage: StorageConfig{
			DBPath: dbPath,
		},
		API: APIConfig{
			Listen:         "127.0.0.1:8765",
			AllowedOrigins: []string{"*"},
		},
		LogLevel: "info",
	}
}

func pacingConfig(p session.Pacing) PacingConfig {
	return PacingConfig{ChunkSize: p.ChunkSize, Settle: p.Settle, Gap: p.Gap, EndDelay: p.EndDelay}
}

func (p PacingConfig) pacing() session.Pacing {
	return session.Pacing{ChunkSize: p.ChunkSize, Settle: p.Settle, Gap: p.Gap, EndDelay: p.EndDelay}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Storage.DBPath = expandTilde(cfg.Storage.DBPath)
	cfg.RingtonesFile = expandTilde(cfg.RingtonesFile)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.TargetName == "" {
		return fmt.Errorf("device.target_name must not be empty")
	}

	if c.Device.ScanTimeout < 0 {
		return fmt.Errorf("device.scan_timeout must be >= 0")
	}

	if c.Reconnect.MaxBackoffSeconds <= 0 {
		return fmt.Errorf("reconnect.max_backoff_seconds must be > 0")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}

	if err := c.Upload.Font.validate("upload.font", protocol.FontChunkSize); err != nil {
		return err
	}
	if err := c.Upload.Ringtone.validate("upload.ringtone", protocol.RingtoneChunkSize); err != nil {
		return err
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// validate checks chunk size against limit, the largest chunk that fits a
// single write once framed.
func (p PacingConfig) validate(section string, limit int) error {
	if p.ChunkSize <= 0 || p.ChunkSize > limit {
		return fmt.Errorf("%s.chunk_size must be between 1 and %d, got %d", section, limit, p.ChunkSize)
	}
	if p.Settle < 0 || p.Gap < 0 || p.EndDelay < 0 {
		return fmt.Errorf("%s delays must be >= 0", section)
	}
	return nil
}

// SessionOptions converts the config into session options.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		TargetName:           c.Device.TargetName,
		ServiceUUID:          c.Device.ServiceUUID,
		DebugMode:            c.Device.DebugMode,
		ScanTimeout:          c.Device.ScanTimeout,
		ReconnectMaxBackoff:  c.Reconnect.MaxBackoffSeconds,
		ReconnectMaxAttempts: c.Reconnect.MaxAttempts,
		FontUpload:           c.Upload.Font.pacing(),
		RingtoneUpload:       c.Upload.Ringtone.pacing(),
		Provision: session.ProvisionDelays{
			DateTime:     c.Provision.DateTime,
			Font:         c.Provision.Font,
			Buzzer:       c.Provision.Buzzer,
			Alarms:       c.Provision.Alarms,
			AlarmStagger: c.Provision.AlarmStagger,
		},
	}
}

const defaultHeader = `# clocklink configuration
#
# Device-facing settings (auto sync, font, buzzer, ringtone) are stored in
# the database, not here.

`

// WriteDefault writes the default config to DefaultConfigPath. If the file
// already exists it is left untouched and the returned path is empty.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values mean info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
