package authsession

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBufferInterval is how often the in-flight registry is checked
	// after a successful refresh.
	DefaultBufferInterval = 25 * time.Millisecond

	// DefaultBufferWaitLimit bounds the wait for in-flight requests before
	// the buffer is replayed.
	DefaultBufferWaitLimit = 500 * time.Millisecond
)

// Events are optional callbacks fired by the session.
type Events struct {
	// Login is called after Login (including a restore during Initialize).
	Login func()

	// Logout is called after Logout, including the logout that follows a
	// failed refresh.
	Logout func()

	// TokenExpiration refreshes the credential after a 401. Without it,
	// authentication failures are returned to the caller unmodified.
	TokenExpiration RefreshFunc
}

// Config holds the session settings applied by Initialize.
type Config struct {
	// BufferInterval is the poll period of the quiescence wait.
	// Defaults to 25ms.
	BufferInterval time.Duration

	// BufferWaitLimit is the longest the quiescence wait may last.
	// Defaults to 500ms.
	BufferWaitLimit time.Duration

	// CsrfToken is sent as X-CSRF-Token on every request when set.
	CsrfToken string

	Events Events
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferInterval:  DefaultBufferInterval,
		BufferWaitLimit: DefaultBufferWaitLimit,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.BufferInterval <= 0 {
		c.BufferInterval = DefaultBufferInterval
	}
	if c.BufferWaitLimit <= 0 {
		c.BufferWaitLimit = DefaultBufferWaitLimit
	}
}

// fileConfig is the YAML form of Config. Events cannot be expressed in a
// file and are left to the caller.
type fileConfig struct {
	BufferInterval  string `yaml:"bufferInterval"`
	BufferWaitLimit string `yaml:"bufferWaitLimit"`
	CsrfToken       string `yaml:"csrfToken"`
}

// ParseConfig decodes a YAML configuration document. Durations use
// time.ParseDuration syntax ("25ms", "1s").
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := Config{CsrfToken: fc.CsrfToken}

	var err error
	if cfg.BufferInterval, err = parseDuration("bufferInterval", fc.BufferInterval); err != nil {
		return Config{}, err
	}
	if cfg.BufferWaitLimit, err = parseDuration("bufferWaitLimit", fc.BufferWaitLimit); err != nil {
		return Config{}, err
	}

	cfg.EnsureDefaults()
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", field, value)
	}
	return d, nil
}
