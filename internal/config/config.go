package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that reads and writes as a string like "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.chatline/config.toml.
type Config struct {
	DefaultProfile   string   `toml:"default_profile"`
	BaseURL          string   `toml:"base_url"`
	HubPath          string   `toml:"hub_path"`
	Role             string   `toml:"role"`
	Token            string   `toml:"token"`
	TokenFile        string   `toml:"token_file"`
	EchoWindow       Duration `toml:"echo_window"`
	DirectoryRefresh Duration `toml:"directory_refresh"`
	MetricsAddr      string   `toml:"metrics_addr"`
	Cache            bool     `toml:"cache"`

	Realtime Realtime `toml:"realtime"`
	Requests Requests `toml:"requests"`
}

// Realtime configures the websocket transport.
type Realtime struct {
	ConnectTimeout       Duration   `toml:"connect_timeout"`
	InvokeTimeout        Duration   `toml:"invoke_timeout"`
	Backoff              []Duration `toml:"backoff"`
	MaxReconnectAttempts int        `toml:"max_reconnect_attempts"`
}

// Requests configures the REST client.
type Requests struct {
	Timeout       Duration `toml:"timeout"`
	RatePerSecond float64  `toml:"rate_per_second"`
	Burst         int      `toml:"burst"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		BaseURL:          "http://localhost:8080",
		HubPath:          "/hubs/chat",
		Role:             "user",
		EchoWindow:       Duration{2 * time.Minute},
		DirectoryRefresh: Duration{30 * time.Second},
		Cache:            true,
		Realtime: Realtime{
			ConnectTimeout: Duration{10 * time.Second},
			InvokeTimeout:  Duration{10 * time.Second},
			Backoff: []Duration{
				{0}, {2 * time.Second}, {5 * time.Second}, {10 * time.Second},
			},
		},
		Requests: Requests{
			Timeout:       Duration{15 * time.Second},
			RatePerSecond: 10,
			Burst:         20,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides fields from CHATLINE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHATLINE_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("CHATLINE_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("CHATLINE_ROLE"); v != "" {
		c.Role = v
	}
}

// ResolveToken returns the inline token, or the trimmed contents of TokenFile.
func (c *Config) ResolveToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}
	if c.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// BackoffSchedule returns the reconnect delays as plain durations.
func (c *Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Realtime.Backoff))
	for _, d := range c.Realtime.Backoff {
		out = append(out, d.Duration)
	}
	return out
}

// Validate checks the fields the client cannot start without.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url: scheme must be http or https, got %q", u.Scheme)
	}
	if !strings.HasPrefix(c.HubPath, "/") {
		return fmt.Errorf("hub_path must start with '/', got %q", c.HubPath)
	}
	if c.Role == "" {
		return fmt.Errorf("role must not be empty")
	}
	for i, d := range c.Realtime.Backoff {
		if d.Duration < 0 {
			return fmt.Errorf("realtime.backoff[%d] is negative", i)
		}
	}
	if c.Realtime.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must be >= 0")
	}
	if c.Requests.RatePerSecond < 0 || c.Requests.Burst < 0 {
		return fmt.Errorf("requests rate limits must be >= 0")
	}
	return nil
}
