// Package config loads ritual's settings from a YAML file overlaid with
// RITUAL_* environment variables, and validates the result against an
// embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ritual/internal/version"
)

//go:embed schema.cue
var schemaSource string

// Environment variables overriding the file.
const (
	EnvURL        = "RITUAL_URL"
	EnvAnonKey    = "RITUAL_ANON_KEY"
	EnvData       = "RITUAL_DATA"
	EnvAppVersion = "RITUAL_APP_VERSION"
)

// Defaults applied when neither the file nor the environment set a value.
const (
	DefaultServeAddr    = "127.0.0.1:54321"
	DefaultMagicLinkTTL = time.Hour
	DefaultSessionTTL   = time.Hour
	DefaultRefreshTTL   = 30 * 24 * time.Hour
)

// ErrMissingBackend is returned by RequireBackend when cloud sync is needed
// but the backend is not configured.
var ErrMissingBackend = errors.New("missing backend configuration: set " + EnvURL + " and " + EnvAnonKey)

// Config is the merged configuration.
type Config struct {
	URL        string       `yaml:"url"`
	AnonKey    string       `yaml:"anon_key"`
	RedirectTo string       `yaml:"redirect_to"`
	DataPath   string       `yaml:"data"`
	AppVersion string       `yaml:"app_version"`
	Remote     RemoteConfig `yaml:"remote"`
	Serve      ServeConfig  `yaml:"serve"`

	// Path is the file the config was read from, empty when none.
	Path string `yaml:"-"`
}

// RemoteConfig tunes the HTTP clients.
type RemoteConfig struct {
	// Timeout bounds each request. Zero leaves the transport default.
	Timeout time.Duration `yaml:"timeout"`
}

// ServeConfig configures the bundled backend.
type ServeConfig struct {
	Addr         string        `yaml:"addr"`
	AnonKey      string        `yaml:"anon_key"`
	SiteURL      string        `yaml:"site_url"`
	MagicLinkTTL time.Duration `yaml:"magic_link_ttl"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	// RefreshTTL is how long a session can be renewed after sign-in.
	RefreshTTL   time.Duration `yaml:"refresh_ttl"`
}

// Load reads path, or the default location when path is empty, overlays
// the environment read through getenv and validates the result. A missing
// default file is not an error; a missing explicit one is.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{}
	explicit := path != ""
	if !explicit {
		path = DefaultPath(getenv)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
			cfg.Path = path
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.overlayEnv(getenv)
	cfg.applyDefaults(getenv)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) {
	if v := getenv(EnvURL); v != "" {
		c.URL = v
	}
	if v := getenv(EnvAnonKey); v != "" {
		c.AnonKey = v
	}
	if v := getenv(EnvData); v != "" {
		c.DataPath = v
	}
	if v := getenv(EnvAppVersion); v != "" {
		c.AppVersion = v
	}
}

func (c *Config) applyDefaults(getenv func(string) string) {
	if c.DataPath == "" {
		c.DataPath = DefaultDataPath(getenv)
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = DefaultServeAddr
	}
	if c.Serve.AnonKey == "" {
		c.Serve.AnonKey = c.AnonKey
	}
	if c.Serve.MagicLinkTTL == 0 {
		c.Serve.MagicLinkTTL = DefaultMagicLinkTTL
	}
	if c.Serve.SessionTTL == 0 {
		c.Serve.SessionTTL = DefaultSessionTTL
	}
	if c.Serve.RefreshTTL == 0 {
		c.Serve.RefreshTTL = DefaultRefreshTTL
	}
}

// Version resolves the configured app version; empty means the active one.
func (c *Config) Version() (version.Version, error) {
	return version.Resolve(c.AppVersion)
}

// RequireBackend reports ErrMissingBackend unless URL and anon key are set.
func (c *Config) RequireBackend() error {
	if c.URL == "" || c.AnonKey == "" {
		return ErrMissingBackend
	}
	return nil
}

// DefaultPath returns $XDG_CONFIG_HOME/ritual/config.yaml, falling back to
// ~/.config. It returns "" when neither can be determined.
func DefaultPath(getenv func(string) string) string {
	dir := getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home := getenv("HOME")
		if home == "" {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "ritual", "config.yaml")
}

// DefaultDataPath returns $XDG_DATA_HOME/ritual/ritual.db, falling back to
// ~/.local/share and then the working directory.
func DefaultDataPath(getenv func(string) string) string {
	dir := getenv("XDG_DATA_HOME")
	if dir == "" {
		home := getenv("HOME")
		if home == "" {
			return "ritual.db"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "ritual", "ritual.db")
}

// schemaView is the CUE-facing shape of Config. Durations are rendered as
// Go duration strings.
type schemaView struct {
	URL        string         `json:"url,omitempty"`
	AnonKey    string         `json:"anon_key,omitempty"`
	RedirectTo string         `json:"redirect_to,omitempty"`
	DataPath   string         `json:"data,omitempty"`
	AppVersion string         `json:"app_version,omitempty"`
	Remote     map[string]any `json:"remote,omitempty"`
	Serve      map[string]any `json:"serve,omitempty"`
}

// Validate checks cfg against the embedded schema and the version
// registry.
func Validate(cfg *Config) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := ctx.Encode(view(cfg))
	if err := v.Err(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Remote.Timeout < 0 {
		return fmt.Errorf("invalid config: remote.timeout must not be negative")
	}
	if _, err := cfg.Version(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func view(cfg *Config) schemaView {
	v := schemaView{
		URL:        cfg.URL,
		AnonKey:    cfg.AnonKey,
		RedirectTo: cfg.RedirectTo,
		DataPath:   cfg.DataPath,
		AppVersion: cfg.AppVersion,
	}
	if cfg.Remote.Timeout != 0 {
		v.Remote = map[string]any{"timeout": cfg.Remote.Timeout.String()}
	}

	serve := map[string]any{}
	if cfg.Serve.Addr != "" {
		serve["addr"] = cfg.Serve.Addr
	}
	if cfg.Serve.AnonKey != "" {
		serve["anon_key"] = cfg.Serve.AnonKey
	}
	if cfg.Serve.SiteURL != "" {
		serve["site_url"] = cfg.Serve.SiteURL
	}
	if cfg.Serve.MagicLinkTTL != 0 {
		serve["magic_link_ttl"] = cfg.Serve.MagicLinkTTL.String()
	}
	if cfg.Serve.SessionTTL != 0 {
		serve["session_ttl"] = cfg.Serve.SessionTTL.String()
	}
	if cfg.Serve.RefreshTTL != 0 {
		serve["refresh_ttl"] = cfg.Serve.RefreshTTL.String()
	}
	if len(serve) > 0 {
		v.Serve = serve
	}
	return v
}
