// Package sshclient launches the external processes that carry tunnel traffic.
//
// This package does NOT implement SSH or TCP relaying itself. It shells out to
// the system "ssh" binary for remote tunnels and to a relay binary (socat by
// default) when the tunnel's SSH host is the local machine, so a target that
// is already reachable locally does not need an SSH round trip.
//
// There are three operations:
//
//   - Probe() runs a short, non-interactive ssh command with a bounded timeout
//     so unreachable hosts fail fast with a readable message instead of
//     leaving a forwarder hanging.
//
//   - StartForwarder() launches the long-running forwarder (ssh -N -L ... or
//     socat TCP-LISTEN:...) in the background and returns a *Process that
//     reports exit through Done().
//
//   - Command() renders the exact invocation without starting anything, for
//     previews and tests.
//
// All arguments go through exec.Command's argv, never through a shell.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/util"
)

// Options configures the binaries and timeouts used by a Client.
type Options struct {
	SSHBinary      string
	RelayBinary    string
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	// LogDir receives one stderr log per tunnel. Empty keeps stderr in memory.
	LogDir string
}

// Client builds and launches forwarder and probe processes. It holds no
// per-tunnel state and is safe for concurrent use.
type Client struct {
	opts Options
}

// New creates a Client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.SSHBinary == "" {
		opts.SSHBinary = util.DefaultSSHBinary
	}
	if opts.RelayBinary == "" {
		opts.RelayBinary = util.DefaultRelayBinary
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = util.DefaultConnectTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = util.DefaultProbeTimeout
	}
	return &Client{opts: opts}
}

// EnsureBinary checks that name resolves on PATH (or is an existing path).
func EnsureBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s binary not found in PATH", name)
	}
	return nil
}

// SSHBinary and RelayBinary expose the configured executables for diagnostics.
func (c *Client) SSHBinary() string   { return c.opts.SSHBinary }
func (c *Client) RelayBinary() string { return c.opts.RelayBinary }

func seconds(d time.Duration) string {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

// ForwardArgs returns the ssh arguments for a remote tunnel:
//
//	-N -o ConnectTimeout=10 -o StrictHostKeyChecking=no -o ExitOnForwardFailure=yes
//	-o ServerAliveInterval=30 -L 15432:db.internal:5432 deploy@bastion
//
// The -L value intentionally starts with the bare local port: the process
// scanner in portinspect recognises forwarders by the "<port>:" substring.
func (c *Client) ForwardArgs(t model.TunnelConfig) []string {
	return []string{
		"-N",
		"-o", "ConnectTimeout=" + seconds(c.opts.ConnectTimeout),
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-L", fmt.Sprintf("%d:%s:%d", t.LocalPort, util.DefaultString(t.RemoteHost, "localhost"), t.RemotePort),
		t.Destination(),
	}
}

// ProbeArgs returns the ssh arguments for the connectivity probe. BatchMode
// stops ssh from prompting for a password, which would hang the probe.
func (c *Client) ProbeArgs(t model.TunnelConfig) []string {
	return []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + seconds(c.opts.ProbeTimeout),
		"-o", "StrictHostKeyChecking=no",
		t.Destination(),
		"exit",
	}
}

// RelayArgs returns the socat arguments bridging the local port to the target.
func (c *Client) RelayArgs(t model.TunnelConfig) []string {
	return []string{
		fmt.Sprintf("TCP-LISTEN:%d,fork,reuseaddr,bind=127.0.0.1", t.LocalPort),
		fmt.Sprintf("TCP:%s:%d", util.DefaultString(t.RemoteHost, "localhost"), t.RemotePort),
	}
}

// UsesRelay reports whether t is served by the relay instead of ssh.
func UsesRelay(t model.TunnelConfig) bool {
	return util.IsLoopbackHost(t.SSHHost)
}

// Command returns the binary and argv StartForwarder would run for t.
func (c *Client) Command(t model.TunnelConfig) (string, []string) {
	if UsesRelay(t) {
		return c.opts.RelayBinary, c.RelayArgs(t)
	}
	return c.opts.SSHBinary, c.ForwardArgs(t)
}

// ProbeError is returned when the connectivity probe fails. Output holds what
// ssh printed, which usually names the cause ("Connection refused",
// "Permission denied (publickey)", ...).
type ProbeError struct {
	Destination string
	Output      string
	Err         error
}

func (e *ProbeError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("cannot reach %s: %s", e.Destination, e.Output)
	}
	return fmt.Sprintf("cannot reach %s: %v", e.Destination, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Probe checks that t's SSH host accepts a non-interactive login within the
// probe timeout. Cancelling ctx kills the probe.
func (c *Client) Probe(ctx context.Context, t model.TunnelConfig) error {
	// Give ssh its own ConnectTimeout first; the context is the backstop.
	ctx, cancel := context.WithTimeout(ctx, c.probeDeadline())
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.SSHBinary, c.ProbeArgs(t)...)
	cmd.Stdin = nil
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return ctxErr
	}
	return &ProbeError{Destination: t.Destination(), Output: lastLine(string(out)), Err: err}
}

// maxProbeWait caps a whole probe, ssh's own timeout included.
const maxProbeWait = 9 * time.Second

func (c *Client) probeDeadline() time.Duration {
	return min(c.opts.ProbeTimeout+2*time.Second, maxProbeWait)
}

// StartForwarder launches the forwarder for t in the background.
//
// The process is deliberately not bound to ctx: a forwarder outlives the
// request that started it and is stopped through Process.Terminate. ctx is
// only checked before launch.
func (c *Client) StartForwarder(ctx context.Context, t model.TunnelConfig) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bin, args := c.Command(t)
	cmd := exec.Command(bin, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	// Own process group: a terminal Ctrl-C aimed at the CLI must not reach it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var (
		logFile *os.File
		mem     *tailBuffer
		logPath string
	)
	if c.opts.LogDir != "" {
		if err := os.MkdirAll(c.opts.LogDir, 0o700); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logPath = filepath.Join(c.opts.LogDir, logName(t)+".log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open forwarder log: %w", err)
		}
		logFile = f
		// A file, not a pipe: the forwarder must survive this process exiting.
		cmd.Stderr = f
	} else {
		mem = &tailBuffer{max: 4096}
		cmd.Stderr = mem
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	return newProcess(cmd, logFile, logPath, mem), nil
}

func logName(t model.TunnelConfig) string {
	if t.ID != "" {
		return t.ID
	}
	return strconv.Itoa(t.LocalPort)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
