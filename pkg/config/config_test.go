package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestURLsForDomain(t *testing.T) {
	cases := []struct {
		domain string
		want   BackendURLs
	}{
		{"shipth.is", BackendURLs{API: "https://api.shipth.is/api/1.0.0", Web: "https://shipth.is/", WS: "wss://ws.shipth.is"}},
		{"staging.shipth.is", BackendURLs{API: "https://api.staging.shipth.is/api/1.0.0", Web: "https://staging.shipth.is/", WS: "wss://ws.staging.shipth.is"}},
		{"ship.example.com", BackendURLs{API: "https://ship.example.com/api/1.0.0", Web: "https://ship.example.com/", WS: "wss://ship.example.com"}},
		{"", BackendURLs{API: "https://api.shipth.is/api/1.0.0", Web: "https://shipth.is/", WS: "wss://ws.shipth.is"}},
	}
	for _, tc := range cases {
		if got := URLsForDomain(tc.domain); got != tc.want {
			t.Fatalf("URLsForDomain(%q) = %+v, want %+v", tc.domain, got, tc.want)
		}
	}
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SHIPGO_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadLauncherConfigDefaults(t *testing.T) {
	isolate(t)
	cfg, err := LoadLauncherConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConnectTimeout != 15*time.Second || cfg.ReadTimeout != 300*time.Second {
		t.Fatalf("unexpected timeouts: %v %v", cfg.ConnectTimeout, cfg.ReadTimeout)
	}
	if cfg.KVBackend != "file" || cfg.RuntimeHost != "dir" {
		t.Fatalf("unexpected backends: %q %q", cfg.KVBackend, cfg.RuntimeHost)
	}
	if cfg.Backend().API != "https://api.shipth.is/api/1.0.0" {
		t.Fatalf("unexpected api url %q", cfg.Backend().API)
	}
	if cfg.ModulesDir != filepath.Join(cfg.DataDir, "modules") {
		t.Fatalf("modules dir not derived: %q", cfg.ModulesDir)
	}
}

func TestLoadLauncherConfigEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SHIPGO_DOMAIN", "ship.example.com")
	t.Setenv("SHIPGO_WS_URL", "ws://127.0.0.1:9000/")
	t.Setenv("SHIPGO_READ_TIMEOUT", "45s")
	t.Setenv("SHIPGO_RUNTIME_HOST", "Docker")

	cfg, err := LoadLauncherConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ReadTimeout != 45*time.Second {
		t.Fatalf("read timeout = %v", cfg.ReadTimeout)
	}
	if cfg.RuntimeHost != "docker" {
		t.Fatalf("runtime host = %q", cfg.RuntimeHost)
	}
	urls := cfg.Backend()
	if urls.API != "https://ship.example.com/api/1.0.0" || urls.WS != "ws://127.0.0.1:9000" {
		t.Fatalf("unexpected urls %+v", urls)
	}
}

func TestLoadLauncherConfigFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("domain: files.shipth.is\ncrash_lines: 42\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SHIPGO_CONFIG", path)

	cfg, err := LoadLauncherConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Domain != "files.shipth.is" || cfg.CrashLines != 42 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
}

func TestLoadLauncherConfigRejectsRedisWithoutURL(t *testing.T) {
	isolate(t)
	t.Setenv("SHIPGO_KV_BACKEND", "redis")
	if _, err := LoadLauncherConfig(); err == nil {
		t.Fatalf("expected error for redis backend without url")
	}
}
