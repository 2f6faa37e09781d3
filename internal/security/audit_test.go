package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLocalAudit_CleanTree(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "tunnel-manager")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tunnels.yaml"), []byte("tunnels: []\n"), 0o600))

	report, err := RunLocalAudit()
	require.NoError(t, err)
	assert.Empty(t, report.Findings)
}

func TestRunLocalAudit_FindsLoosePermissions(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	sshDir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(sshDir, 0o755))
	require.NoError(t, os.Chmod(sshDir, 0o755))

	configs := filepath.Join(xdg, "tunnel-manager", "configs")
	require.NoError(t, os.MkdirAll(configs, 0o700))
	shared := filepath.Join(configs, "shared.yaml")
	require.NoError(t, os.WriteFile(shared, []byte("tunnels: []\n"), 0o600))
	require.NoError(t, os.Chmod(shared, 0o666))

	report, err := RunLocalAudit()
	require.NoError(t, err)
	require.True(t, report.HasHigh())
	assert.Equal(t, shared, report.Findings[0].Target)

	var targets []string
	for _, f := range report.Findings {
		targets = append(targets, f.Target)
	}
	assert.Contains(t, targets, sshDir)
}

func TestRedactMessage(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	msg := home + "/.ssh/id_ed25519 permission denied"
	got := RedactMessage(msg)
	assert.NotEqual(t, msg, got)
	assert.NotContains(t, got, home)
	assert.Equal(t, "", UserMessage(nil, true))
	assert.Equal(t, "~/x", UserMessage(errors.New(home+"/x"), true))
}
