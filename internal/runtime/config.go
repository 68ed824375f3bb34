// Package runtime wires discovery, the session controller and the control
// API into a running service, and loads its configuration.
package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/phoneagent/internal/adapters"
	"github.com/szaher/phoneagent/internal/controller"
	"github.com/szaher/phoneagent/internal/discovery"
	"github.com/szaher/phoneagent/internal/router"
	"github.com/szaher/phoneagent/internal/secrets"
	"github.com/szaher/phoneagent/internal/telemetry"
)

// Config is the complete service configuration.
type Config struct {
	Agent       AgentConfig       `yaml:"agent"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Session     SessionConfig     `yaml:"session"`
	Router      RouterConfig      `yaml:"router"`
	Credentials CredentialsConfig `yaml:"credentials"`
	State       StateConfig       `yaml:"state"`
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
}

// AgentConfig describes the agent executable and its launch arguments.
type AgentConfig struct {
	Path    string              `yaml:"path"`
	Args    controller.ArgNames `yaml:"args"`
	BaseURL string              `yaml:"base_url"`
	Model   string              `yaml:"model"`
	Lang    string              `yaml:"lang"`
	// Allowlist restricts which executables may be launched. Empty allows any.
	Allowlist []string `yaml:"allowlist"`
	Env       []string `yaml:"env"`
	Dir       string   `yaml:"dir"`
}

// DiscoveryConfig controls device enumeration.
type DiscoveryConfig struct {
	Enumerator string               `yaml:"enumerator"`
	ADBPath    string               `yaml:"adb_path"`
	Interval   time.Duration        `yaml:"interval"`
	Timeout    time.Duration        `yaml:"timeout"`
	Static     []discovery.Snapshot `yaml:"static"`
}

// SessionConfig tunes session behavior.
type SessionConfig struct {
	SendTimeout   time.Duration `yaml:"send_timeout"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
	// MaxEntries caps each device's transcript; 0 keeps everything.
	MaxEntries int `yaml:"max_entries"`
}

// RouterConfig controls which agent output lines reach the transcript.
type RouterConfig struct {
	PromptPrefixes []string `yaml:"prompt_prefixes"`
	// DropRule is an expression over line, stream and device; lines for
	// which it is true are dropped.
	DropRule string `yaml:"drop_rule"`
}

// CredentialsConfig locates the agent API key.
type CredentialsConfig struct {
	Path   string `yaml:"path"`
	EnvVar string `yaml:"env_var"`
}

// StateConfig locates the PID ledger.
type StateConfig struct {
	PIDDir string `yaml:"pid_dir"`
}

// ServerConfig controls the HTTP control API.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	APIKeyEnv string `yaml:"api_key_env"`
	NoAuth    bool   `yaml:"no_auth"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Path:    "phone-agent",
			Args:    controller.DefaultArgNames(),
			BaseURL: "http://127.0.0.1:8000/v1",
			Model:   "autoglm-phone",
			Lang:    "en",
		},
		Discovery: DiscoveryConfig{
			Enumerator: "adb",
			Interval:   discovery.DefaultInterval,
			Timeout:    10 * time.Second,
		},
		Session: SessionConfig{
			SendTimeout:   5 * time.Second,
			SettleTimeout: controller.DefaultSettleTimeout,
		},
		Router: RouterConfig{
			PromptPrefixes: []string{">"},
		},
		Credentials: CredentialsConfig{
			EnvVar: secrets.DefaultEnvVar,
		},
		Server: ServerConfig{
			Addr:      "127.0.0.1:8765",
			APIKeyEnv: "PHONEAGENT_SERVER_KEY",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads path over the defaults and applies PHONEAGENT_*
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Path == "" {
		errs = append(errs, errors.New("agent.path is required"))
	}
	if _, err := adapters.Get(c.Discovery.Enumerator); err != nil {
		errs = append(errs, fmt.Errorf("discovery.enumerator: %w (available: %v)", err, adapters.List()))
	}
	if c.Discovery.Interval < time.Second {
		errs = append(errs, fmt.Errorf("discovery.interval must be at least 1s, got %s", c.Discovery.Interval))
	}
	if c.Discovery.Timeout < 0 {
		errs = append(errs, errors.New("discovery.timeout must not be negative"))
	}
	if c.Session.SendTimeout < 0 {
		errs = append(errs, errors.New("session.send_timeout must not be negative"))
	}
	if c.Session.SettleTimeout < 0 {
		errs = append(errs, errors.New("session.settle_timeout must not be negative"))
	}
	if c.Session.MaxEntries < 0 {
		errs = append(errs, errors.New("session.max_entries must not be negative"))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Router.DropRule != "" {
		if _, err := router.NewExprClassifier(c.Router.DropRule, nil); err != nil {
			errs = append(errs, fmt.Errorf("router.drop_rule: %w", err))
		}
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	return errors.Join(errs...)
}

// CredentialsPath returns the configured key file, or the per-user default.
func (c *Config) CredentialsPath() (string, error) {
	if c.Credentials.Path != "" {
		return c.Credentials.Path, nil
	}
	return secrets.DefaultPath()
}

// LedgerPath returns the PID ledger file.
func (c *Config) LedgerPath() (string, error) {
	dir := c.State.PIDDir
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return "", fmt.Errorf("locate cache dir: %w", err)
		}
		dir = filepath.Join(cache, "phoneagent")
	}
	return filepath.Join(dir, "agents.json"), nil
}

// LaunchConfig returns the controller launch settings.
func (c *Config) LaunchConfig() controller.LaunchConfig {
	return controller.LaunchConfig{
		Path:    c.Agent.Path,
		Args:    c.Agent.Args,
		BaseURL: c.Agent.BaseURL,
		Model:   c.Agent.Model,
		Lang:    c.Agent.Lang,
		Env:     c.Agent.Env,
		Dir:     c.Agent.Dir,
	}
}

// EnumeratorConfig returns the settings handed to the enumerator factory.
func (c *Config) EnumeratorConfig() adapters.Config {
	return adapters.Config{
		ADBPath: c.Discovery.ADBPath,
		Devices: c.Discovery.Static,
		Timeout: c.Discovery.Timeout,
	}
}
