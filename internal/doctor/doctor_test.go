package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/tunnel"
)

type staticSource []tunnel.TunnelState

func (s staticSource) Snapshot(ctx context.Context) []tunnel.TunnelState { return s }

func state(id string, port int, status model.TunnelStatus) tunnel.TunnelState {
	return tunnel.TunnelState{
		Config: model.TunnelConfig{ID: id, Name: id, RemoteHost: "db", RemotePort: 5432, SSHHost: "bastion", LocalPort: port},
		Status: status,
	}
}

func findChecks(report Report, check string) []Issue {
	var out []Issue
	for _, issue := range report.Issues {
		if issue.Check == check {
			out = append(out, issue)
		}
	}
	return out
}

func isolate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestRunFindsDuplicatePorts(t *testing.T) {
	isolate(t)
	src := staticSource{
		state("api", 9601, model.StatusDisconnected),
		state("db", 9601, model.StatusDisconnected),
		state("cache", 9602, model.StatusDisconnected),
	}
	report, err := Run(context.Background(), src, Options{})
	require.NoError(t, err)

	dups := findChecks(report, "duplicate-local-port")
	require.Len(t, dups, 1)
	assert.Equal(t, "127.0.0.1:9601", dups[0].Target)
}

func TestRunFindsInvalidDefinitions(t *testing.T) {
	isolate(t)
	bad := state("bad", 0, model.StatusDisconnected)
	bad.Config.SSHHost = ""
	report, err := Run(context.Background(), staticSource{bad}, Options{})
	require.NoError(t, err)

	assert.Len(t, findChecks(report, "invalid-port"), 1)
	assert.Len(t, findChecks(report, "missing-ssh-host"), 1)
}

type unreadableSource struct {
	staticSource
	issue *tunnel.LoadIssue
}

func (s unreadableSource) LoadIssue() *tunnel.LoadIssue { return s.issue }

func TestRunReportsUnreadableTunnelFile(t *testing.T) {
	isolate(t)
	src := unreadableSource{issue: &tunnel.LoadIssue{
		Path:    "/cfg/tunnels.yaml",
		MovedTo: "/cfg/tunnels.yaml.invalid",
		Err:     errors.New("yaml: line 1: did not find expected node content"),
	}}
	report, err := Run(context.Background(), src, Options{})
	require.NoError(t, err)

	found := findChecks(report, "tunnel-file")
	require.Len(t, found, 1)
	assert.Equal(t, SeverityHigh, found[0].Severity)
	assert.Equal(t, "/cfg/tunnels.yaml", found[0].Target)
	assert.Contains(t, found[0].Message, "moved to /cfg/tunnels.yaml.invalid")
	assert.Contains(t, found[0].Recommendation, "config merge /cfg/tunnels.yaml.invalid")

	report, err = Run(context.Background(), unreadableSource{}, Options{})
	require.NoError(t, err)
	assert.Empty(t, findChecks(report, "tunnel-file"))
}

func TestRunReportsUntrackedForwarders(t *testing.T) {
	isolate(t)
	src := staticSource{state("legacy", 15432, model.StatusUntracked), state("ok", 15433, model.StatusConnected)}
	report, err := Run(context.Background(), src, Options{})
	require.NoError(t, err)

	got := findChecks(report, "untracked-forwarder")
	require.Len(t, got, 1)
	assert.Equal(t, "legacy", got[0].Target)
	assert.Contains(t, got[0].Recommendation, "disconnect legacy")
}

func TestRunMissingBinaries(t *testing.T) {
	isolate(t)
	local := state("local", 8080, model.StatusDisconnected)
	local.Config.SSHHost = "localhost"
	report, err := Run(context.Background(), staticSource{local}, Options{
		SSHBinary:   "/nonexistent/ssh",
		RelayBinary: "/nonexistent/socat",
	})
	require.NoError(t, err)

	sshIssues := findChecks(report, "ssh-binary")
	require.Len(t, sshIssues, 1)
	assert.Equal(t, SeverityHigh, sshIssues[0].Severity)
	relay := findChecks(report, "relay-binary")
	require.Len(t, relay, 1)
	assert.Equal(t, SeverityHigh, relay[0].Severity, "a loopback tunnel needs the relay")
	assert.Equal(t, SeverityHigh, report.Issues[0].Severity)
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	isolate(t)
	report, err := Run(context.Background(), staticSource{}, Options{})
	require.NoError(t, err)

	b, err := json.Marshal(report)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Contains(t, decoded, "issues")
}
