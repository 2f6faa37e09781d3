package model

import (
	"fmt"

	"github.com/google/uuid"
)

// TunnelConfig is the declarative description of one local-forwarding tunnel.
//
// IsConnected is a cache of the last known state. The live process handle held
// by the tunnel manager is the ground truth.
type TunnelConfig struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	RemoteHost  string `yaml:"remoteHost" json:"remote_host"`
	RemotePort  int    `yaml:"remotePort" json:"remote_port"`
	SSHUser     string `yaml:"sshUser" json:"ssh_user"`
	SSHHost     string `yaml:"sshHost" json:"ssh_host"`
	LocalPort   int    `yaml:"localPort" json:"local_port"`
	IsConnected bool   `yaml:"isConnected" json:"is_connected"`
}

// NewTunnelID returns a fresh opaque tunnel identifier.
func NewTunnelID() string {
	return uuid.NewString()
}

// Destination renders the ssh destination, user@host when a user is set.
func (t TunnelConfig) Destination() string {
	if t.SSHUser == "" {
		return t.SSHHost
	}
	return t.SSHUser + "@" + t.SSHHost
}

func (t TunnelConfig) RemoteString() string {
	return fmt.Sprintf("%s:%d", t.RemoteHost, t.RemotePort)
}

func (t TunnelConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

// TunnelStatus is the observable state of a tunnel as reported by the manager.
type TunnelStatus string

const (
	StatusDisconnected TunnelStatus = "disconnected"
	StatusConnecting   TunnelStatus = "connecting"
	StatusConnected    TunnelStatus = "connected"
	// StatusUntracked means the tunnel is flagged connected but no process
	// handle is held for it: either a stale flag or a forwarder started by
	// an earlier run of the application.
	StatusUntracked TunnelStatus = "connected-untracked"
)

// ForwarderInfo identifies an OS process already forwarding a local port.
type ForwarderInfo struct {
	PID         int    `json:"pid"`
	CommandLine string `json:"command_line"`
	LocalPort   int    `json:"local_port"`
}

// PortStatus is the result of a local port availability query.
type PortStatus struct {
	Port      int            `json:"port"`
	Available bool           `json:"available"`
	Existing  *ForwarderInfo `json:"existing,omitempty"`
}
