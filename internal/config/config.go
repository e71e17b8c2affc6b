package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Handshake HandshakeConfig `yaml:"handshake"`
	History   HistoryConfig   `yaml:"history"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig identifies the SLATE device and how to reach it.
type DeviceConfig struct {
	Address      string        `yaml:"address"`       // MAC, colon separated or 12 hex digits
	ScanTimeout  time.Duration `yaml:"scan_timeout"`  // used by test-scan
	ReconnectMax int           `yaml:"reconnect_max"` // max reconnect backoff in seconds
}

// TransferConfig holds the byte path settings between BLE and the engine.
type TransferConfig struct {
	Root         string        `yaml:"root"`
	RxSize       int           `yaml:"rx_size"`
	TxSize       int           `yaml:"tx_size"`
	ChunkSize    int           `yaml:"chunk_size"`
	ChunkDelay   time.Duration `yaml:"chunk_delay"`
	ChunkRetries int           `yaml:"chunk_retries"`
	EmptyBackoff time.Duration `yaml:"empty_backoff"`
	StopAfterGet bool          `yaml:"stop_after_get"`
	DirMax       int           `yaml:"dir_max"`
}

// ProtocolConfig holds Kermit engine settings.
type ProtocolConfig struct {
	Timeout        int  `yaml:"timeout"` // seconds
	Retries        int  `yaml:"retries"`
	MaxLen         int  `yaml:"max_len"`
	Parity         bool `yaml:"parity"`
	KeepIncomplete bool `yaml:"keep_incomplete"`
}

// HandshakeConfig holds the hex encoded values written after discovery.
type HandshakeConfig struct {
	Ident      string `yaml:"ident"`
	Auth       string `yaml:"auth"`
	Misc       string `yaml:"misc"`
	AuthSecret string `yaml:"auth_secret"` // optional; replaces auth with a derived value
}

// HistoryConfig locates the transfer journal. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig holds the status server settings. An empty address
// disables it.
type MonitorConfig struct {
	Listen string `yaml:"listen"`
}

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{12}$`)

// ValidAddress reports whether addr is a MAC address.
func ValidAddress(addr string) bool {
	return addressPattern.MatchString(addr)
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ble-kermit")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	historyPath := filepath.Join(home, ".local", "share", "ble-kermit", "history.db")

	return &Config{
		Device: DeviceConfig{
			ScanTimeout:  10 * time.Second,
			ReconnectMax: 30,
		},
		Transfer: TransferConfig{
			Root:         "img/",
			RxSize:       4096,
			TxSize:       4096,
			ChunkSize:    20,
			ChunkDelay:   1500 * time.Microsecond,
			ChunkRetries: 3,
			EmptyBackoff: 250 * time.Microsecond,
			StopAfterGet: true,
			DirMax:       1024,
		},
		Protocol: ProtocolConfig{
			Timeout: 5,
			Retries: 10,
			MaxLen:  94,
		},
		Handshake: HandshakeConfig{
			Ident: "0000000000000006",
			Auth:  "00000000",
			Misc:  "01",
		},
		History:  HistoryConfig{Path: historyPath},
		LogLevel: "info",
	}
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

	cfg.Transfer.Root = expandTilde(cfg.Transfer.Root)
	cfg.History.Path = expandTilde(cfg.History.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address != "" && !ValidAddress(c.Device.Address) {
		return fmt.Errorf("device.address %q is not a MAC address", c.Device.Address)
	}
	if c.Device.ReconnectMax <= 0 {
		return fmt.Errorf("device.reconnect_max must be > 0")
	}

	if c.Transfer.Root == "" {
		return fmt.Errorf("transfer.root must not be empty")
	}
	if c.Transfer.RxSize < 2 || c.Transfer.TxSize < 2 {
		return fmt.Errorf("transfer.rx_size and transfer.tx_size must be >= 2")
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunk_size must be > 0")
	}
	if c.Transfer.ChunkDelay <= 0 || c.Transfer.EmptyBackoff <= 0 {
		return fmt.Errorf("transfer.chunk_delay and transfer.empty_backoff must be > 0")
	}
	if c.Transfer.ChunkRetries <= 0 {
		return fmt.Errorf("transfer.chunk_retries must be > 0")
	}
	if c.Transfer.DirMax <= 0 {
		return fmt.Errorf("transfer.dir_max must be > 0")
	}

	if c.Protocol.Timeout <= 0 {
		return fmt.Errorf("protocol.timeout must be > 0")
	}
	if c.Protocol.Retries <= 0 {
		return fmt.Errorf("protocol.retries must be > 0")
	}
	if c.Protocol.MaxLen < 10 || c.Protocol.MaxLen > 94 {
		return fmt.Errorf("protocol.max_len must be between 10 and 94, got %d", c.Protocol.MaxLen)
	}

	if _, err := c.Handshake.Decode(); err != nil {
		return err
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// HandshakeValues is the decoded form of HandshakeConfig.
type HandshakeValues struct {
	Ident, Auth, Misc []byte
	AuthSecret        []byte
}

// Decode parses the hex values and checks their lengths.
func (h HandshakeConfig) Decode() (HandshakeValues, error) {
	var v HandshakeValues
	for _, f := range []struct {
		name string
		src  string
		dst  *[]byte
		size int
	}{
		{"ident", h.Ident, &v.Ident, 8},
		{"auth", h.Auth, &v.Auth, 4},
		{"misc", h.Misc, &v.Misc, 1},
	} {
		b, err := hex.DecodeString(strings.TrimSpace(f.src))
		if err != nil {
			return HandshakeValues{}, fmt.Errorf("handshake.%s: %w", f.name, err)
		}
		if len(b) != f.size {
			return HandshakeValues{}, fmt.Errorf("handshake.%s must be %d bytes, got %d", f.name, f.size, len(b))
		}
		*f.dst = b
	}
	if h.AuthSecret != "" {
		b, err := hex.DecodeString(strings.TrimSpace(h.AuthSecret))
		if err != nil {
			return HandshakeValues{}, fmt.Errorf("handshake.auth_secret: %w", err)
		}
		if len(b) == 0 {
			return HandshakeValues{}, errors.New("handshake.auth_secret must not be empty")
		}
		v.AuthSecret = b
	}
	return v, nil
}

const defaultHeader = `# ble-kermit configuration
# Durations use Go syntax (1500us, 10s). Empty history.path or monitor.listen
# disables that feature.
`

// WriteDefault writes the default config to DefaultConfigPath unless a file
// is already there. It returns the written path, or "" if nothing was written.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
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
