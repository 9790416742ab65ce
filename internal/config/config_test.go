package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Bucket.Branch != "main" {
		t.Errorf("Bucket.Branch: got %q, want main", cfg.Bucket.Branch)
	}
	if cfg.Serve.Listen != "127.0.0.1:7411" {
		t.Errorf("Serve.Listen: got %q", cfg.Serve.Listen)
	}
	if cfg.Store.OpenTimeout.Duration != 5*time.Second {
		t.Errorf("Store.OpenTimeout: got %s", cfg.Store.OpenTimeout)
	}
	if cfg.Author.Name == "" || cfg.Author.Email == "" {
		t.Errorf("Author should default, got %+v", cfg.Author)
	}
	if cfg.Remote.DialRetries != 3 || cfg.Remote.DialTimeout.Duration != 10*time.Second {
		t.Errorf("Remote: got %+v", cfg.Remote)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadNoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket.Path != "~/.treekv/bucket" {
		t.Errorf("Bucket.Path: got %q", cfg.Bucket.Path)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[bucket]
path = "/tmp/treekv-test"
remote = "tcp://10.0.0.1:7411"
branch = "prod"

[author]
name = "ci"
email = "ci@example.com"

[store]
open_timeout = "750ms"
tree_cache_size = 16

[remote]
dial_timeout = "3s"
dial_retries = 7
server_key = "aa00000000000000000000000000000000000000000000000000000000000000"

[serve]
listen = "0.0.0.0:7000"
allowed_peers = ["aa00000000000000000000000000000000000000000000000000000000000000"]
rate_limit = 2.5
idle_timeout = "1m"

[logging]
level = "debug"
format = "json"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bucket.Remote != "tcp://10.0.0.1:7411" || cfg.Bucket.Branch != "prod" {
		t.Errorf("Bucket: got %+v", cfg.Bucket)
	}
	if cfg.Author.Email != "ci@example.com" {
		t.Errorf("Author.Email: got %q", cfg.Author.Email)
	}
	if cfg.Store.OpenTimeout.Duration != 750*time.Millisecond {
		t.Errorf("Store.OpenTimeout: got %s", cfg.Store.OpenTimeout)
	}
	if cfg.Store.TreeCacheSize != 16 {
		t.Errorf("Store.TreeCacheSize: got %d", cfg.Store.TreeCacheSize)
	}
	if cfg.Remote.DialTimeout.Duration != 3*time.Second || cfg.Remote.DialRetries != 7 {
		t.Errorf("Remote: got %+v", cfg.Remote)
	}
	if cfg.Remote.ServerKey == "" || cfg.Remote.RequestTimeout.Duration != 30*time.Second {
		t.Errorf("Remote.ServerKey or default RequestTimeout lost: %+v", cfg.Remote)
	}
	if cfg.Serve.RateLimit != 2.5 || cfg.Serve.IdleTimeout.Duration != time.Minute {
		t.Errorf("Serve: got %+v", cfg.Serve)
	}
	if len(cfg.Serve.AllowedPeers) != 1 {
		t.Errorf("Serve.AllowedPeers: got %v", cfg.Serve.AllowedPeers)
	}
	// Unset fields keep their defaults.
	if cfg.Serve.SSHListen != "127.0.0.1:2222" {
		t.Errorf("Serve.SSHListen: got %q", cfg.Serve.SSHListen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("{{invalid"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestLoadBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[store]\nopen_timeout = \"soon\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got, want := ExpandHome("~/foo/bar"), filepath.Join(home, "foo/bar"); got != want {
		t.Errorf("ExpandHome: got %q, want %q", got, want)
	}
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("ExpandHome: got %q, want /absolute/path", got)
	}
}
