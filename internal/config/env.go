package config

import (
	"os"
	"strconv"
)

// FromEnv overlays HISTORE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("HISTORE_ALLOW_AUTO_CREATE_REALMS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreateRealms = b
		}
	}
	if v := os.Getenv("HISTORE_DEFAULT_REALM_NAME"); v != "" {
		cfg.DefaultRealmName = v
	}
	if v := os.Getenv("HISTORE_REALM_NAME_REGEX"); v != "" {
		cfg.RealmNameRegex = v
	}
	if v := os.Getenv("HISTORE_REPLAY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryDefaults.ReplayBatchSize = n
		}
	}
	if v := os.Getenv("HISTORE_DRAIN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryDefaults.DrainBatchSize = n
		}
	}
	if v := os.Getenv("HISTORE_RATE_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryDefaults.RateWindowSeconds = n
		}
	}
	if v := os.Getenv("HISTORE_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryDefaults.PayloadMaxBytes = n
		}
	}
}
