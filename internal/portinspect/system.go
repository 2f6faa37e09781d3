package portinspect

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

// SystemProcesses lists and signals real OS processes through gopsutil.
type SystemProcesses struct{}

// Processes returns every process whose command line could be read. Processes
// that vanish or deny access mid-scan are skipped.
func (SystemProcesses) Processes(ctx context.Context) ([]ProcessEntry, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	self := int32(os.Getpid())
	out := make([]ProcessEntry, 0, len(procs))
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, ProcessEntry{PID: int(p.Pid), CommandLine: cmdline})
	}
	return out, nil
}

// Terminate sends SIGTERM (TerminateProcess on Windows) to pid.
func (SystemProcesses) Terminate(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.TerminateWithContext(ctx)
}
