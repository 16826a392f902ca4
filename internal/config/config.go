// Package config loads master server configuration through Viper,
// generalizing the keys the teacher's sharedlog/scalog client read
// directly off a package-level viper instance
// (data-replication-factor, disc-ip, disc-port, data-port) into a typed
// Config struct plus the handful of additional knobs this spec's
// components need (recovery fan-out, segment size, lease grace period).
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable this repo's components read at construction
// time. Nothing here is reloaded at runtime; a new Config is built once
// per process the way the teacher's main() reads viper once at startup.
type Config struct {
	// ReplicationFactor is the number of backup replicas syncChanges must
	// confirm before an append is considered durable.
	ReplicationFactor int32
	// DiscoveryIP/DiscoveryPort/DataPort locate the external replication cluster
	// (scalog's discovery and data services).
	DiscoveryIP   string
	DiscoveryPort uint16
	DataPort      uint16

	// SegmentSizeBytes bounds how large a single log segment may grow
	// before rollHeadOver forces a new head (spec.md section 4.1).
	SegmentSizeBytes int

	// RecoveryFanout is the fixed concurrent-fetch width the recovery
	// engine uses (spec.md section 4.6: "a fixed fan-out of 4").
	RecoveryFanout int

	// LeaseGracePeriod bounds how long UnackedRpcResults' background
	// cleaner waits past a lease's expiry before discarding its entries.
	LeaseGracePeriod time.Duration

	// MigrationEpochDrainTimeout bounds the phase-2 busy-wait spec.md
	// section 9 flags as missing an explicit timeout in the original.
	MigrationEpochDrainTimeout time.Duration
}

// Default returns the configuration this repo boots with when no
// overrides are supplied; every field is also registered with viper via
// SetDefault so environment/flag overrides (handled by the caller) take
// effect without touching this struct's call sites.
func Default() *Config {
	viper.SetDefault("data-replication-factor", 3)
	viper.SetDefault("disc-ip", "127.0.0.1")
	viper.SetDefault("disc-port", 9000)
	viper.SetDefault("data-port", 9001)
	viper.SetDefault("segment-size-bytes", 8<<20)
	viper.SetDefault("recovery-fanout", 4)
	viper.SetDefault("lease-grace-period", "60s")
	viper.SetDefault("migration-epoch-drain-timeout", "10s")

	return &Config{
		ReplicationFactor:          int32(viper.GetInt("data-replication-factor")),
		DiscoveryIP:                viper.GetString("disc-ip"),
		DiscoveryPort:              uint16(viper.GetInt("disc-port")),
		DataPort:                   uint16(viper.GetInt("data-port")),
		SegmentSizeBytes:           viper.GetInt("segment-size-bytes"),
		RecoveryFanout:             viper.GetInt("recovery-fanout"),
		LeaseGracePeriod:           viper.GetDuration("lease-grace-period"),
		MigrationEpochDrainTimeout: viper.GetDuration("migration-epoch-drain-timeout"),
	}
}

// Load reads configuration from the named file (any format Viper
// supports: yaml, toml, json) layered on top of Default's values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}
	return Default(), nil
}
