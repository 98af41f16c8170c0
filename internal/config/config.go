package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/lumid/internal/alarm"
	"github.com/chaz8081/lumid/internal/ble"
)

// Config holds all daemon configuration.
type Config struct {
	LogLevel string       `yaml:"log_level"`
	Device   DeviceConfig `yaml:"device"`
	BLE      BLEConfig    `yaml:"ble"`
	Alarm    AlarmConfig  `yaml:"alarm"`
	Store    StoreConfig  `yaml:"store"`
	Notify   NotifyConfig `yaml:"notify"`
	Server   ServerConfig `yaml:"server"`
}

// DeviceConfig selects the peripheral.
type DeviceConfig struct {
	Address      string        `yaml:"address"` // connect to this device when seen
	NamePrefixes []string      `yaml:"name_prefixes"`
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	AutoConnect  bool          `yaml:"auto_connect"`
}

// BLEConfig holds channel resolution and reconnection settings.
type BLEConfig struct {
	PreferredService        string        `yaml:"preferred_service"`
	PreferredCharacteristic string        `yaml:"preferred_characteristic"`
	ReconnectAttempts       int           `yaml:"reconnect_attempts"`
	ReconnectBaseDelay      time.Duration `yaml:"reconnect_base_delay"`
	MaxSendFailures         int           `yaml:"max_send_failures"` // 0 disables
}

// AlarmConfig holds the reminder schedule.
type AlarmConfig struct {
	DayStart      string        `yaml:"day_start"` // "HH:MM"
	DayEnd        string        `yaml:"day_end"`   // "HH:MM"
	CheckInterval time.Duration `yaml:"check_interval"`
	PulseOnWater  bool          `yaml:"pulse_on_water"`
	PulseDuration time.Duration `yaml:"pulse_duration"`
}

// StoreConfig selects the persistent key-value backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory" or "sqlite"
	Path   string `yaml:"path"`
}

// NotifyConfig holds notification sinks.
type NotifyConfig struct {
	Desktop  bool           `yaml:"desktop"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig holds Telegram bot settings. The token is usually supplied
// through LUMID_TELEGRAM_TOKEN rather than the file.
type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	BaseURL string `yaml:"base_url"`
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	Listen    string `yaml:"listen"`     // empty disables the API
	TokenHash string `yaml:"token_hash"` // bcrypt hash; empty disables auth
}

// Environment variables read by ApplyEnv.
const (
	EnvTelegramToken   = "LUMID_TELEGRAM_TOKEN"
	EnvTelegramChatID  = "LUMID_TELEGRAM_CHAT_ID"
	EnvServerTokenHash = "LUMID_SERVER_TOKEN_HASH"
	EnvLogLevel        = "LUMID_LOG_LEVEL"
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "lumid")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultEnvPath returns the default .env path next to the config file.
func DefaultEnvPath() string {
	return filepath.Join(DefaultConfigDir(), ".env")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "lumid", "lumid.db")

	return &Config{
		LogLevel: "info",
		Device: DeviceConfig{
			NamePrefixes: ble.DefaultFilter().NamePrefixes,
			ScanTimeout:  10 * time.Second,
			AutoConnect:  true,
		},
		BLE: BLEConfig{
			PreferredService:        ble.ServiceUUID,
			PreferredCharacteristic: ble.CommandUUID,
			ReconnectAttempts:       3,
			ReconnectBaseDelay:      time.Second,
			MaxSendFailures:         3,
		},
		Alarm: AlarmConfig{
			DayStart:      "08:00",
			DayEnd:        "21:00",
			CheckInterval: time.Minute,
			PulseDuration: 1500 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   dbPath,
		},
		Notify: NotifyConfig{
			Desktop: true,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7878",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in store.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Store.Path = expandTilde(cfg.Store.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path written. It returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# lumid configuration\n# Secrets can live in " + DefaultEnvPath() + " instead.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// LoadEnv loads KEY=value pairs from the given .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays the LUMID_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvTelegramToken); v != "" {
		c.Notify.Telegram.Token = v
		c.Notify.Telegram.Enabled = true
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTelegramChatID, err)
		}
		c.Notify.Telegram.ChatID = id
	}
	if v := os.Getenv(EnvServerTokenHash); v != "" {
		c.Server.TokenHash = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Device.ScanTimeout <= 0 {
		return fmt.Errorf("device.scan_timeout must be > 0")
	}

	if c.BLE.PreferredService == "" || c.BLE.PreferredCharacteristic == "" {
		return fmt.Errorf("ble.preferred_service and ble.preferred_characteristic must not be empty")
	}
	if c.BLE.ReconnectAttempts < 0 {
		return fmt.Errorf("ble.reconnect_attempts must be >= 0, got %d", c.BLE.ReconnectAttempts)
	}
	if c.BLE.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("ble.reconnect_base_delay must be > 0")
	}
	if c.BLE.MaxSendFailures < 0 {
		return fmt.Errorf("ble.max_send_failures must be >= 0, got %d", c.BLE.MaxSendFailures)
	}

	start, err := alarm.ParseClock(c.Alarm.DayStart)
	if err != nil {
		return fmt.Errorf("alarm.day_start: %w", err)
	}
	end, err := alarm.ParseClock(c.Alarm.DayEnd)
	if err != nil {
		return fmt.Errorf("alarm.day_end: %w", err)
	}
	if end <= start {
		return fmt.Errorf("alarm.day_end %s must be after alarm.day_start %s", c.Alarm.DayEnd, c.Alarm.DayStart)
	}
	if c.Alarm.CheckInterval <= 0 {
		return fmt.Errorf("alarm.check_interval must be > 0")
	}
	if c.Alarm.PulseDuration <= 0 {
		return fmt.Errorf("alarm.pulse_duration must be > 0")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must not be empty for the sqlite driver")
		}
	default:
		return fmt.Errorf("store.driver must be \"memory\" or \"sqlite\", got %q", c.Store.Driver)
	}

	if t := c.Notify.Telegram; t.Enabled {
		if t.Token == "" {
			return fmt.Errorf("notify.telegram.token must be set (or %s)", EnvTelegramToken)
		}
		if t.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id must be set (or %s)", EnvTelegramChatID)
		}
	}

	if c.Server.TokenHash != "" && !strings.HasPrefix(c.Server.TokenHash, "$2") {
		return fmt.Errorf("server.token_hash must be a bcrypt hash")
	}

	return nil
}

// ManagerOptions translates the device and ble sections.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	opts := ble.DefaultManagerOptions()
	opts.Filter.Address = c.Device.Address
	if len(c.Device.NamePrefixes) > 0 {
		opts.Filter.NamePrefixes = c.Device.NamePrefixes
	}
	opts.Resolver.PreferredService = c.BLE.PreferredService
	opts.Resolver.PreferredCharacteristic = c.BLE.PreferredCharacteristic
	opts.ReconnectAttempts = c.BLE.ReconnectAttempts
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = -1 // explicit zero disables reconnection
	}
	opts.ReconnectBaseDelay = c.BLE.ReconnectBaseDelay
	opts.MaxSendFailures = c.BLE.MaxSendFailures
	return opts
}

// DriverOptions translates the alarm section.
func (c *Config) DriverOptions() alarm.DriverOptions {
	return alarm.DriverOptions{
		DayStart:      c.Alarm.DayStart,
		DayEnd:        c.Alarm.DayEnd,
		CheckInterval: c.Alarm.CheckInterval,
		PulseOnWater:  c.Alarm.PulseOnWater,
		PulseDuration: c.Alarm.PulseDuration,
	}
}

// ParseLogLevel maps a config log level to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
