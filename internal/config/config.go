package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	AllowAutoCreateRealms bool            `json:"allowAutoCreateRealms" yaml:"allowAutoCreateRealms"`
	DefaultRealmName      string          `json:"defaultRealmName" yaml:"defaultRealmName"`
	RealmNameRegex        string          `json:"realmNameRegex" yaml:"realmNameRegex"`
	HistoryDefaults       HistoryDefaults `json:"historyDefaults" yaml:"historyDefaults"`
}

// HistoryDefaults captures baseline tunables for history caches and listeners.
type HistoryDefaults struct {
	// ReplayBatchSize bounds how many stored events a source listener reads
	// per iteration step.
	ReplayBatchSize int `json:"replayBatchSize" yaml:"replayBatchSize"`
	// DrainBatchSize bounds how many buffered events the aggregator delivers
	// between cooperative yields.
	DrainBatchSize int `json:"drainBatchSize" yaml:"drainBatchSize"`
	// RateWindowSeconds is the rolling window for throughput estimation.
	RateWindowSeconds int `json:"rateWindowSeconds" yaml:"rateWindowSeconds"`
	// PayloadMaxBytes caps a single stored event payload.
	PayloadMaxBytes int `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AllowAutoCreateRealms: true,
		DefaultRealmName:      "default",
		RealmNameRegex:        "[a-z0-9-_]{1,64}",
		HistoryDefaults: HistoryDefaults{
			ReplayBatchSize:   128,
			DrainBatchSize:    64,
			RateWindowSeconds: 5,
			PayloadMaxBytes:   1 << 20,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is
// empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
