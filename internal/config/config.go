package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so TOML values like "100ms" parse.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Node    NodeConfig    `toml:"node"`
	Store   StoreConfig   `toml:"store"`
	Listen  ListenConfig  `toml:"listen"`
	Logging LoggingConfig `toml:"logging"`
}

type NodeConfig struct {
	DataDir string `toml:"data_dir"`
}

type StoreConfig struct {
	File               string   `toml:"file"`
	Backend            string   `toml:"backend"`
	SaveInitialBackoff Duration `toml:"save_initial_backoff"`
	SaveMaxBackoff     Duration `toml:"save_max_backoff"`
}

type ListenConfig struct {
	Addr              string `toml:"addr"`
	MaxClients        int    `toml:"max_clients"`
	Encryption        bool   `toml:"encryption"`
	AuthorizedClients string `toml:"authorized_clients"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults returns a Config with sane defaults: file backend under
// ~/.configstored, debounced saves, plaintext listener on localhost.
func Defaults() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "~/.configstored",
		},
		Store: StoreConfig{
			Backend:            "file",
			SaveInitialBackoff: Duration{100 * time.Millisecond},
			SaveMaxBackoff:     Duration{5 * time.Second},
		},
		Listen: ListenConfig{
			Addr: "127.0.0.1:5999",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file over Defaults. If path is empty the default
// location is tried; a missing default file just yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome("~/.configstored/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with. All problems
// found are reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if err := validateListenAddr(c.Listen.Addr); err != nil {
		errs = append(errs, fmt.Errorf("listen.addr: %w", err))
	}
	if c.Listen.MaxClients < 0 {
		errs = append(errs, fmt.Errorf("listen.max_clients: must not be negative, got %d", c.Listen.MaxClients))
	}

	switch c.Store.Backend {
	case "file", "bolt":
	default:
		errs = append(errs, fmt.Errorf("store.backend: %q is not %q or %q", c.Store.Backend, "file", "bolt"))
	}

	initial := c.Store.SaveInitialBackoff.Duration
	max := c.Store.SaveMaxBackoff.Duration
	if initial < 0 {
		errs = append(errs, fmt.Errorf("store.save_initial_backoff: must not be negative, got %v", initial))
	}
	if max < 0 {
		errs = append(errs, fmt.Errorf("store.save_max_backoff: must not be negative, got %v", max))
	}
	// Both zero disables the save scheduler; otherwise max must bound initial.
	if initial >= 0 && max >= 0 && (initial != 0 || max != 0) && max < initial {
		errs = append(errs, fmt.Errorf("store.save_max_backoff: %v below save_initial_backoff %v", max, initial))
	}

	if err := validateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if err := validateLogFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}

	return errors.Join(errs...)
}

func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("empty host in %q", addr)
	}
	if port == "" {
		return fmt.Errorf("empty port in %q", addr)
	}
	return nil
}

// Empty level is valid and means the default.
func validateLogLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("%q is not one of debug, info, warn, error", level)
}

func validateLogFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("%q is not text or json", format)
}

// DataDir returns the data directory with a leading ~/ expanded.
func (c *Config) DataDir() string {
	return expandHome(c.Node.DataDir)
}

// StoreFile returns the image path, defaulting to <data_dir>/store.db.
func (c *Config) StoreFile() string {
	if c.Store.File != "" {
		return expandHome(c.Store.File)
	}
	return filepath.Join(c.DataDir(), "store.db")
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
