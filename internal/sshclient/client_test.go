package sshclient

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/tunnel-manager/internal/model"
)

var remoteTunnel = model.TunnelConfig{
	ID: "t1", RemoteHost: "db.internal", RemotePort: 5432,
	SSHUser: "deploy", SSHHost: "bastion", LocalPort: 15432,
}

func TestForwardArgs(t *testing.T) {
	c := New(Options{ConnectTimeout: 10 * time.Second})
	want := []string{
		"-N",
		"-o", "ConnectTimeout=10",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=30",
		"-L", "15432:db.internal:5432",
		"deploy@bastion",
	}
	if got := c.ForwardArgs(remoteTunnel); !reflect.DeepEqual(got, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, got)
	}
}

func TestProbeArgs(t *testing.T) {
	c := New(Options{ProbeTimeout: 3 * time.Second})
	noUser := remoteTunnel
	noUser.SSHUser = ""
	want := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=3", "-o", "StrictHostKeyChecking=no", "bastion", "exit"}
	if got := c.ProbeArgs(noUser); !reflect.DeepEqual(got, want) {
		t.Fatalf("args mismatch\nwant=%v\n got=%v", want, got)
	}
}

func TestCommandPicksRelayForLoopback(t *testing.T) {
	c := New(Options{})
	local := model.TunnelConfig{RemoteHost: "localhost", RemotePort: 3000, SSHHost: "127.0.0.1", LocalPort: 8080}

	bin, args := c.Command(local)
	assert.Equal(t, "socat", bin)
	assert.Equal(t, []string{"TCP-LISTEN:8080,fork,reuseaddr,bind=127.0.0.1", "TCP:localhost:3000"}, args)

	bin, _ = c.Command(remoteTunnel)
	assert.Equal(t, "ssh", bin)
}

func TestStartForwarderMissingBinary(t *testing.T) {
	c := New(Options{SSHBinary: "/nonexistent/ssh-binary"})
	_, err := c.StartForwarder(context.Background(), remoteTunnel)
	require.Error(t, err)
}

func TestStartForwarderRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).StartForwarder(ctx, remoteTunnel)
	require.ErrorIs(t, err, context.Canceled)
}

// "sh -N ..." exits at once with a usage error on stderr, which stands in for
// an ssh process that dies during the settle window.
func TestStartForwarderImmediateExitCapturesStderr(t *testing.T) {
	if err := EnsureBinary("sh"); err != nil {
		t.Skip("sh not available")
	}
	logDir := t.TempDir()
	c := New(Options{SSHBinary: "sh", LogDir: logDir})

	p, err := c.StartForwarder(context.Background(), remoteTunnel)
	require.NoError(t, err)
	assert.Positive(t, p.PID())
	assert.Contains(t, p.CommandLine(), "sh -N")

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Error(t, p.Err())
	assert.NotEmpty(t, p.Output())
	assert.NoError(t, p.Terminate())
	assert.FileExists(t, logDir+"/t1.log")
}

func TestProbeDeadlineStaysUnderTenSeconds(t *testing.T) {
	for _, timeout := range []time.Duration{time.Second, 5 * time.Second, 7 * time.Second, 9 * time.Second, time.Minute} {
		d := New(Options{ProbeTimeout: timeout}).probeDeadline()
		assert.LessOrEqual(t, d, 9*time.Second, "timeout %s", timeout)
		assert.GreaterOrEqual(t, d, min(timeout, 9*time.Second), "timeout %s", timeout)
	}
	assert.Equal(t, 5*time.Second, New(Options{ProbeTimeout: 3 * time.Second}).probeDeadline())
}

func TestProbeErrorMessage(t *testing.T) {
	err := &ProbeError{Destination: "deploy@bastion", Output: "Connection refused"}
	assert.Equal(t, "cannot reach deploy@bastion: Connection refused", err.Error())
}

func TestTailBufferKeepsTail(t *testing.T) {
	b := &tailBuffer{max: 4}
	_, _ = b.Write([]byte("abcdef"))
	assert.Equal(t, "cdef", b.String())
}
