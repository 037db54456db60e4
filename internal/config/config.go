package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blewrite/internal/ble"
	"github.com/chaz8081/blewrite/internal/ble/gatt"
	"github.com/chaz8081/blewrite/internal/ble/protocol"
)

// Backends selectable under adapter.backend.
const (
	BackendTinyGo = "tinygo"
	BackendHCI    = "hci"
)

// Config holds all application configuration.
type Config struct {
	Target         TargetConfig    `yaml:"target"`
	Attribute      AttributeConfig `yaml:"attribute"`
	Payload        PayloadConfig   `yaml:"payload"`
	Write          WriteConfig     `yaml:"write"`
	Adapter        AdapterConfig   `yaml:"adapter"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout"`
	LogLevel       string          `yaml:"log_level"`
}

// TargetConfig selects the peripheral to connect to.
type TargetConfig struct {
	Name         string        `yaml:"name"`
	Address      string        `yaml:"address"` // MAC, or CoreBluetooth UUID on macOS
	ScanTimeout  time.Duration `yaml:"scan_timeout"`
	TraceReports bool          `yaml:"trace_reports"`
}

// AttributeConfig selects the characteristic that receives writes.
type AttributeConfig struct {
	Policy         string `yaml:"policy"` // "explicit" or "first_writable"
	Service        string `yaml:"service"`
	Characteristic string `yaml:"characteristic"`
}

// PayloadConfig selects the wire format and the default level/flag.
type PayloadConfig struct {
	Variant string `yaml:"variant"`
	Level   int    `yaml:"level"`
	Flag    bool   `yaml:"flag"`
}

// WriteConfig holds write settings.
type WriteConfig struct {
	WithoutResponse bool `yaml:"without_response"`
}

// AdapterConfig selects the BLE stack.
type AdapterConfig struct {
	Backend string `yaml:"backend"` // "tinygo" or "hci"
	ID      int    `yaml:"id"`      // hciN, hci backend only
}

// DefaultTargetName is the peripheral looked for when neither target.name nor
// target.address is configured.
const DefaultTargetName = "Liam_BLE"

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blewrite")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. The attribute
// defaults to the Nordic UART RX characteristic, which most hobby firmwares
// expose for host-to-device writes.
func Default() *Config {
	return &Config{
		Target: TargetConfig{
			Name:        DefaultTargetName,
			ScanTimeout: 10 * time.Second,
		},
		Attribute: AttributeConfig{
			Policy:         gatt.PolicyExplicit.String(),
			Service:        "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			Characteristic: "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
		},
		Payload: PayloadConfig{
			Variant: protocol.VariantBitfield.String(),
			Level:   0,
		},
		Write: WriteConfig{
			WithoutResponse: true,
		},
		Adapter: AdapterConfig{
			Backend: BackendTinyGo,
		},
		ConnectTimeout: 20 * time.Second,
		LogLevel:       "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults, except that the default target name only applies when the
// file sets neither target.name nor target.address. Attribute UUIDs are
// canonicalised to lower-case dashed form.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	cfg.Target.Name = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Attribute.Service = canonicalUUID(cfg.Attribute.Service)
	cfg.Attribute.Characteristic = canonicalUUID(cfg.Attribute.Characteristic)
	cfg.Target.Address = strings.TrimSpace(cfg.Target.Address)
	if cfg.Target.Name == "" && cfg.Target.Address == "" {
		cfg.Target.Name = DefaultTargetName
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Target.Name == "" && c.Target.Address == "" {
		return errors.New("target.name or target.address must be set")
	}
	if c.Target.ScanTimeout <= 0 {
		return fmt.Errorf("target.scan_timeout must be > 0, got %s", c.Target.ScanTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0, got %s", c.ConnectTimeout)
	}

	policy, err := gatt.ParsePolicy(c.Attribute.Policy)
	if err != nil {
		return fmt.Errorf("attribute.policy must be \"explicit\" or \"first_writable\", got %q", c.Attribute.Policy)
	}
	if policy == gatt.PolicyExplicit {
		if _, err := uuid.Parse(c.Attribute.Service); err != nil {
			return fmt.Errorf("attribute.service: invalid UUID %q: %w", c.Attribute.Service, err)
		}
		if _, err := uuid.Parse(c.Attribute.Characteristic); err != nil {
			return fmt.Errorf("attribute.characteristic: invalid UUID %q: %w", c.Attribute.Characteristic, err)
		}
	}

	if _, err := protocol.ParseVariant(c.Payload.Variant); err != nil {
		return fmt.Errorf("payload.variant: %w", err)
	}
	if c.Payload.Level < 0 || c.Payload.Level > protocol.MaxLevel {
		return fmt.Errorf("payload.level must be in [0, %d], got %d", protocol.MaxLevel, c.Payload.Level)
	}

	switch c.Adapter.Backend {
	case BackendTinyGo:
		if policy == gatt.PolicyFirstWritable {
			return errors.New("attribute.policy \"first_writable\" needs characteristic properties, which the tinygo backend does not report; use \"explicit\" or adapter.backend \"hci\"")
		}
		if !c.Write.WithoutResponse && !ble.TinyGoWritesWithResponse {
			return errors.New("write.without_response must be true with the tinygo backend on this platform; use adapter.backend \"hci\" for write requests")
		}
	case BackendHCI:
		if c.Adapter.ID < 0 {
			return fmt.Errorf("adapter.id must be >= 0, got %d", c.Adapter.ID)
		}
	default:
		return fmt.Errorf("adapter.backend must be \"tinygo\" or \"hci\", got %q", c.Adapter.Backend)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// AttributeSelector converts the attribute section for the resolver.
// Call Validate first.
func (c *Config) AttributeSelector() gatt.Selector {
	policy, _ := gatt.ParsePolicy(c.Attribute.Policy)
	return gatt.Selector{
		Policy:             policy,
		ServiceUUID:        c.Attribute.Service,
		CharacteristicUUID: c.Attribute.Characteristic,
	}
}

// PayloadVariant returns the configured wire format. Call Validate first.
func (c *Config) PayloadVariant() protocol.Variant {
	v, _ := protocol.ParseVariant(c.Payload.Variant)
	return v
}

// SlogLevel returns the slog level for log_level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a log level name to slog. Unknown names map to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

const defaultHeader = `# blewrite configuration
#
# target:      peripheral to connect to; name and/or address must be set.
# attribute:   "explicit" writes to service/characteristic; "first_writable"
#              picks the first characteristic advertising write support
#              (hci backend only).
# payload:     variant is one of int32_pair, int32_triple, bitfield,
#              ascii_level, ascii_level_bool_word, ascii_level_bool_digit.
# adapter:     backend "tinygo" (CoreBluetooth/BlueZ) or "hci" (Linux raw HCI).

`

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" if a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
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

// canonicalUUID lower-cases and dashes a UUID; anything unparsable is
// returned trimmed so Validate can report it.
func canonicalUUID(s string) string {
	s = strings.TrimSpace(s)
	if id, err := uuid.Parse(s); err == nil {
		return id.String()
	}
	return s
}
