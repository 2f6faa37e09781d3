package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treykane/tunnel-manager/internal/model"
)

func TestTouchAndLastUsed(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.NoError(t, Touch("t1"))

	got, err := LastUsed()
	require.NoError(t, err)
	assert.Positive(t, got["t1"])

	require.NoError(t, Forget("t1"))
	got, err = LastUsed()
	require.NoError(t, err)
	assert.NotContains(t, got, "t1")
}

func TestRecorderWritesHistory(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	require.NoError(t, Recorder{}.Touch("abc"))
	got, err := LastUsed()
	require.NoError(t, err)
	assert.Contains(t, got, "abc")
}

func TestCorruptHistoryIsIgnored(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	dir := filepath.Join(xdg, "tunnel-manager")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.json"), []byte("{not json"), 0o600))

	got, err := LastUsed()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSortTunnelsRecent(t *testing.T) {
	tunnels := []model.TunnelConfig{
		{ID: "1", Name: "db"},
		{ID: "2", Name: "api"},
		{ID: "3", Name: "cache"},
		{ID: "4", Name: "admin"},
	}
	now := time.Now().Unix()
	sorted := SortTunnelsRecent(tunnels, map[string]int64{
		"2": now,
		"1": now - 60,
	})
	var names []string
	for _, tun := range sorted {
		names = append(names, tun.Name)
	}
	assert.Equal(t, []string{"api", "db", "cache", "admin"}, names)
	assert.Equal(t, "db", tunnels[0].Name, "input must not be reordered")
}
