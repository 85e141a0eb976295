package config

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestLoadAndWatchNoPathReturnsDefaults(t *testing.T) {
	cfg, w, err := LoadAndWatch("", zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("LoadAndWatch: %v", err)
	}
	if w != nil {
		t.Errorf("expected nil Watcher when no path is given")
	}
	if cfg == nil {
		t.Fatalf("expected a non-nil zero-value Config")
	}
}

func TestLoadAppliesDefaultsAndExpandsEnv(t *testing.T) {
	os.Setenv("RINGHASHD_TEST_HOST", "ring.internal")
	defer os.Unsetenv("RINGHASHD_TEST_HOST")

	dir := t.TempDir()
	path := filepath.Join(dir, "ringhashd.yaml")
	content := `
server:
  host: "${RINGHASHD_TEST_HOST}"
seed:
  backends:
    - host: b1
      port: 9001
      key: 0
    - host: b2
      port: 9002
      key: 180
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, w, err := LoadAndWatch(path, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("LoadAndWatch: %v", err)
	}
	defer w.Close()

	if cfg.Server.Host != "ring.internal" {
		t.Errorf("Server.Host = %q, want expanded env var", cfg.Server.Host)
	}
	if cfg.Server.Port != 5003 {
		t.Errorf("Server.Port = %d, want default 5003", cfg.Server.Port)
	}
	if cfg.Limits.HashMax != 360 {
		t.Errorf("Limits.HashMax = %v, want default 360", cfg.Limits.HashMax)
	}
	if len(cfg.Seed.Backends) != 2 {
		t.Fatalf("Seed.Backends = %v, want 2 entries", cfg.Seed.Backends)
	}
	if cfg.Seed.Backends[1].Key != 180 {
		t.Errorf("second seed backend key = %v, want 180", cfg.Seed.Backends[1].Key)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, _, err := LoadAndWatch(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop().Sugar())
	if err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
