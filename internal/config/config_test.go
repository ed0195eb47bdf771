package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := Default()
	if cfg != def {
		t.Fatalf("got %+v want %+v", cfg, def)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.json")
	body := `{"tableName":"custom","feedPartitions":8,"digestDelay":"90s"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TableName != "custom" || cfg.FeedPartitions != 8 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.DigestDelay.Std() != 90*time.Second {
		t.Fatalf("digestDelay: %v", cfg.DigestDelay.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.SubscriptionTTL != Default().SubscriptionTTL {
		t.Fatalf("subscriptionTtl default lost: %v", cfg.SubscriptionTTL)
	}
}

func TestFromEnvOverlay(t *testing.T) {
	t.Setenv("STRAND_TABLE_NAME", "envtable")
	t.Setenv("STRAND_FEED_PARTITIONS", "16")
	t.Setenv("STRAND_DIGEST_DELAY", "2m")

	cfg := Default()
	FromEnv(&cfg)
	if cfg.TableName != "envtable" || cfg.FeedPartitions != 16 {
		t.Fatalf("env overlay: %+v", cfg)
	}
	if cfg.DigestDelay.Std() != 2*time.Minute {
		t.Fatalf("digestDelay: %v", cfg.DigestDelay.Std())
	}
}

func TestFromEnvIgnoresBadValues(t *testing.T) {
	t.Setenv("STRAND_FEED_PARTITIONS", "not-a-number")

	cfg := Default()
	FromEnv(&cfg)
	if cfg.FeedPartitions != Default().FeedPartitions {
		t.Fatalf("bad value applied: %+v", cfg)
	}
}

func TestDefaultDataDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	if got := DefaultDataDir(); got != filepath.Join("/tmp/xdg-data", "strand") {
		t.Fatalf("DefaultDataDir = %q", got)
	}
}

func TestDefaultDataDirNeverEmpty(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "")
	if got := DefaultDataDir(); got == "" {
		t.Fatal("DefaultDataDir returned empty path")
	}
}
