package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	TableName         string   `json:"tableName"`
	FeedPartitions    int      `json:"feedPartitions"`
	SubscriptionTTL   Duration `json:"subscriptionTtl"`
	DigestDelay       Duration `json:"digestDelay"`
	DispatchBatchSize int      `json:"dispatchBatchSize"`
	SchedulerPoll     Duration `json:"schedulerPoll"`
}

// Duration is a time.Duration that marshals as a Go duration string
// ("30s", "5m") in JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		TableName:         "strand",
		FeedPartitions:    4,
		SubscriptionTTL:   Duration(24 * time.Hour),
		DigestDelay:       Duration(5 * time.Minute),
		DispatchBatchSize: 64,
		SchedulerPoll:     Duration(250 * time.Millisecond),
	}
}

// DefaultDataDir picks the store location when --data-dir is not given: the
// XDG data home when set, otherwise the OS-conventional application
// directory, with a dotdir in $HOME as the fallback.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "strand")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Strand")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "Strand")
	default:
		// Reuse a system dir only when provisioning already created it.
		if info, err := os.Stat("/var/lib/strand"); err == nil && info.IsDir() {
			return "/var/lib/strand"
		}
		return filepath.Join(home, ".strand")
	}
}

// Load reads configuration from a JSON file. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
