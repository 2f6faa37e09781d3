// Package util provides small helpers shared across tunnel-manager packages.
// It imports nothing from internal/* so any package can depend on it.
package util

import "time"

const (
	// Defaults for the lifecycle timings. appconfig falls back to these when
	// config.yaml holds missing or non-positive values.
	DefaultProbeTimeout     = 5 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultBindTimeout      = 2 * time.Second
	DefaultSettleInterval   = 1500 * time.Millisecond
	DefaultConnectAllDelay  = 500 * time.Millisecond
	DefaultPortReleaseDelay = 1 * time.Second

	// DefaultRefreshSeconds is the TUI status refresh interval.
	DefaultRefreshSeconds = 3

	DefaultSSHBinary   = "ssh"
	DefaultRelayBinary = "socat"
)
