package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Server.URL != "ws://localhost:8080/stream" {
		t.Errorf("expected default server URL, got %q", cfg.Server.URL)
	}
	if cfg.Server.HandshakeTimeout() != 10*time.Second {
		t.Errorf("expected 10s handshake timeout, got %v", cfg.Server.HandshakeTimeout())
	}
	if cfg.Stream.Backoff() != nil {
		t.Errorf("expected nil backoff override, got %v", cfg.Stream.Backoff())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected info log level, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromEnv(t *testing.T) {
	_ = os.Setenv("STREAMSYNC_SERVER_URL", "wss://example.com/stream")
	defer func() { _ = os.Unsetenv("STREAMSYNC_SERVER_URL") }()

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "wss://example.com/stream" {
		t.Errorf("env override ignored, got %q", cfg.Server.URL)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `server:
  url: ws://stream.internal:9000/stream
stream:
  backoff_sec: [0, 1, 2]
  routes:
    trial_profile: trials
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.URL != "ws://stream.internal:9000/stream" {
		t.Errorf("server URL = %q", cfg.Server.URL)
	}
	want := []time.Duration{0, time.Second, 2 * time.Second}
	got := cfg.Stream.Backoff()
	if len(got) != len(want) {
		t.Fatalf("backoff = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if cfg.Stream.Routes["trial_profile"] != "trials" {
		t.Errorf("routes = %v", cfg.Stream.Routes)
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := &Config{Server: ServerConfig{URL: "http://example.com"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("http URL validated successfully")
	}
}

func TestValidateRejectsNegativeBackoff(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{URL: "ws://x/stream"},
		Stream: StreamConfig{BackoffSec: []int{0, -1}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("negative backoff validated successfully")
	}
}
