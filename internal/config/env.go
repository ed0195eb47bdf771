package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays STRAND_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("STRAND_TABLE_NAME"); v != "" {
		cfg.TableName = v
	}
	if v := os.Getenv("STRAND_FEED_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FeedPartitions = n
		}
	}
	if v := os.Getenv("STRAND_SUBSCRIPTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SubscriptionTTL = Duration(d)
		}
	}
	if v := os.Getenv("STRAND_DIGEST_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DigestDelay = Duration(d)
		}
	}
	if v := os.Getenv("STRAND_DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchBatchSize = n
		}
	}
	if v := os.Getenv("STRAND_SCHEDULER_POLL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SchedulerPoll = Duration(d)
		}
	}
}
