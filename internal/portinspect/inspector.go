// Package portinspect answers "is this local port free, and if not, which
// forwarder owns it". It binds a test socket for the first question and scans
// the OS process table for the second.
package portinspect

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/util"
)

// ProcessEntry is one row of the OS process table.
type ProcessEntry struct {
	PID         int
	CommandLine string
}

// ProcessLister enumerates running processes and terminates them by PID.
type ProcessLister interface {
	Processes(ctx context.Context) ([]ProcessEntry, error)
	Terminate(ctx context.Context, pid int) error
}

// Inspector implements local port inspection.
type Inspector struct {
	procs       ProcessLister
	bindTimeout time.Duration
}

// New returns an Inspector. A nil lister uses the gopsutil-backed system lister.
func New(procs ProcessLister, bindTimeout time.Duration) *Inspector {
	if procs == nil {
		procs = SystemProcesses{}
	}
	if bindTimeout <= 0 {
		bindTimeout = util.DefaultBindTimeout
	}
	return &Inspector{procs: procs, bindTimeout: bindTimeout}
}

// IsPortFree tries to listen on 127.0.0.1:port. The socket is closed at once.
func (i *Inspector) IsPortFree(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, i.bindTimeout)
	defer cancel()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		slog.Debug("port bind test failed", "port", port, "error", err)
		return false
	}
	_ = ln.Close()
	return true
}

// FindExistingForwarder returns the first ssh or relay process forwarding
// port, or nil. Enumeration errors are logged and treated as "none found".
func (i *Inspector) FindExistingForwarder(ctx context.Context, port int) *model.ForwarderInfo {
	procs, err := i.procs.Processes(ctx)
	if err != nil {
		slog.Warn("failed to enumerate processes", "port", port, "error", err)
		return nil
	}
	for _, p := range procs {
		if IsSSHForward(p.CommandLine, port) || IsRelayForward(p.CommandLine, port) {
			return &model.ForwarderInfo{PID: p.PID, CommandLine: p.CommandLine, LocalPort: port}
		}
	}
	return nil
}

// CheckPortStatus combines the bind test with a process scan. The scan only
// runs when the port is occupied.
func (i *Inspector) CheckPortStatus(ctx context.Context, port int) model.PortStatus {
	if i.IsPortFree(ctx, port) {
		return model.PortStatus{Port: port, Available: true}
	}
	return model.PortStatus{Port: port, Existing: i.FindExistingForwarder(ctx, port)}
}

// KillProcess sends a termination signal to pid.
func (i *Inspector) KillProcess(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := i.procs.Terminate(ctx, pid); err != nil {
		slog.Warn("failed to terminate process", "pid", pid, "error", err)
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	return nil
}
