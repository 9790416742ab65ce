// Package config loads treekv's TOML configuration.
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

const defaultPath = "~/.treekv/config.toml"

type Config struct {
	Bucket  BucketConfig  `toml:"bucket"`
	Author  AuthorConfig  `toml:"author"`
	Store   StoreConfig   `toml:"store"`
	Remote  RemoteConfig  `toml:"remote"`
	Serve   ServeConfig   `toml:"serve"`
	Logging LoggingConfig `toml:"logging"`
}

type BucketConfig struct {
	Path   string `toml:"path"`
	Remote string `toml:"remote"`
	Branch string `toml:"branch"`
}

// AuthorConfig is the identity recorded on commits.
type AuthorConfig struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type StoreConfig struct {
	OpenTimeout   Duration `toml:"open_timeout"`
	TreeCacheSize int      `toml:"tree_cache_size"`
}

// RemoteConfig controls connections to a tcp:// remote.
type RemoteConfig struct {
	DialTimeout    Duration `toml:"dial_timeout"`
	DialRetries    int      `toml:"dial_retries"`
	RequestTimeout Duration `toml:"request_timeout"`
	// ServerKey pins the hex transport key the remote must present.
	ServerKey string `toml:"server_key"`
}

type ServeConfig struct {
	Listen        string   `toml:"listen"`
	SSHListen     string   `toml:"ssh_listen"`
	MetricsListen string   `toml:"metrics_listen"`
	Identity      string   `toml:"identity"`
	AllowedPeers  []string `toml:"allowed_peers"`
	RateLimit     float64  `toml:"rate_limit"`
	IdleTimeout   Duration `toml:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration is a time.Duration written as a string ("5s", "1m30s") in TOML.
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

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	return &Config{
		Bucket: BucketConfig{
			Path:   "~/.treekv/bucket",
			Branch: "main",
		},
		Author: AuthorConfig{
			Name:  "treekv",
			Email: "treekv@" + hostname,
		},
		Store: StoreConfig{
			OpenTimeout:   Duration{5 * time.Second},
			TreeCacheSize: 1024,
		},
		Remote: RemoteConfig{
			DialTimeout:    Duration{10 * time.Second},
			DialRetries:    3,
			RequestTimeout: Duration{30 * time.Second},
		},
		Serve: ServeConfig{
			Listen:      "127.0.0.1:7411",
			SSHListen:   "127.0.0.1:2222",
			Identity:    "~/.treekv/node.key",
			RateLimit:   50,
			IdleTimeout: Duration{5 * time.Minute},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML config file over the defaults. With an empty path the
// default location is tried and its absence is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = expandHome(defaultPath)
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

// Validate reports every invalid field at once, each as "section.field: reason".
func (c *Config) Validate() error {
	var errs []error
	add := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	if strings.TrimSpace(c.Bucket.Path) == "" {
		add("bucket.path", errors.New("must not be empty"))
	}
	if c.Bucket.Remote != "" {
		add("bucket.remote", validateRemote(c.Bucket.Remote))
	}
	add("bucket.branch", validateBranch(c.Bucket.Branch))

	if strings.TrimSpace(c.Author.Name) == "" {
		add("author.name", errors.New("must not be empty"))
	}

	if c.Store.OpenTimeout.Duration < 0 {
		add("store.open_timeout", fmt.Errorf("must not be negative, got %s", c.Store.OpenTimeout))
	}
	if c.Store.TreeCacheSize < 0 {
		add("store.tree_cache_size", fmt.Errorf("must not be negative, got %d", c.Store.TreeCacheSize))
	}

	if c.Remote.DialTimeout.Duration < 0 {
		add("remote.dial_timeout", fmt.Errorf("must not be negative, got %s", c.Remote.DialTimeout))
	}
	if c.Remote.DialRetries < 0 {
		add("remote.dial_retries", fmt.Errorf("must not be negative, got %d", c.Remote.DialRetries))
	}
	if c.Remote.RequestTimeout.Duration < 0 {
		add("remote.request_timeout", fmt.Errorf("must not be negative, got %s", c.Remote.RequestTimeout))
	}
	if c.Remote.ServerKey != "" {
		add("remote.server_key", validatePeerKey(c.Remote.ServerKey))
	}

	if c.Serve.Listen != "" {
		add("serve.listen", validateListenAddr(c.Serve.Listen))
	}
	if c.Serve.SSHListen != "" {
		add("serve.ssh_listen", validateListenAddr(c.Serve.SSHListen))
	}
	if c.Serve.MetricsListen != "" {
		add("serve.metrics_listen", validateListenAddr(c.Serve.MetricsListen))
	}
	for i, k := range c.Serve.AllowedPeers {
		add(fmt.Sprintf("serve.allowed_peers[%d]", i), validatePeerKey(k))
	}
	if c.Serve.RateLimit < 0 {
		add("serve.rate_limit", fmt.Errorf("must not be negative, got %g", c.Serve.RateLimit))
	}
	if c.Serve.IdleTimeout.Duration < 0 {
		add("serve.idle_timeout", fmt.Errorf("must not be negative, got %s", c.Serve.IdleTimeout))
	}

	add("logging.level", validateLogLevel(c.Logging.Level))
	add("logging.format", validateLogFormat(c.Logging.Format))

	return errors.Join(errs...)
}

func validateListenAddr(addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return errors.New("address is empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", addr)
	}
	if port == "" {
		return fmt.Errorf("missing port in %q", addr)
	}
	return nil
}

func validateRemote(remote string) error {
	if rest, ok := strings.CutPrefix(remote, "tcp://"); ok {
		return validateListenAddr(rest)
	}
	if strings.Contains(remote, "://") {
		return fmt.Errorf("unsupported scheme in %q", remote)
	}
	return nil
}

func validateBranch(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("must not contain whitespace, got %q", name)
	}
	return nil
}

// validatePeerKey accepts a hex X25519 public key.
func validatePeerKey(k string) error {
	if len(k) != 64 {
		return fmt.Errorf("want 64 hex characters, got %d", len(k))
	}
	for _, r := range k {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return fmt.Errorf("not hex: %q", k)
		}
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown level %q", level)
}

func validateLogFormat(format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("unknown format %q", format)
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
