// Package dht implements the Mainline DHT engine: it owns a local node
// identity, bootstraps against a seed endpoint, answers the four KRPC
// query kinds, drives iterative closest-node search, and runs periodic
// maintenance.
package dht

import "time"

// Config tunes the engine's timeouts and maintenance cadences. The
// zero value is not directly usable; start from DefaultConfig.
type Config struct {
	DiscoverInterval time.Duration
	CheckInterval    time.Duration
	CheckBatch       int
	ReportInterval   time.Duration
	LimitInterval    time.Duration
	LimitCeiling     int
	RedeemInterval   time.Duration
	RedeemFraction   float64

	QueryTimeout     time.Duration
	BootstrapTimeout time.Duration
	SearchRetries    int

	// TokenRotationInterval controls write-access token key rotation.
	// Zero (the default) disables rotation, matching the reference
	// implementation's process-lifetime key.
	TokenRotationInterval time.Duration
}

// DefaultConfig returns the engine's standard tuning.
func DefaultConfig() Config {
	return Config{
		DiscoverInterval: 180 * time.Second,
		CheckInterval:    30 * time.Second,
		CheckBatch:       10,
		ReportInterval:   10 * time.Second,
		LimitInterval:    30 * time.Second,
		LimitCeiling:     2000,
		RedeemInterval:   300 * time.Second,
		RedeemFraction:   0.05,

		QueryTimeout:     5 * time.Second,
		BootstrapTimeout: 1 * time.Second,
		SearchRetries:    2,

		TokenRotationInterval: 0,
	}
}
