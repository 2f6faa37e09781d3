// Package history records when each tunnel last connected successfully, so
// lists can put recently used tunnels first.
package history

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/tunnel-manager/internal/appconfig"
	"github.com/treykane/tunnel-manager/internal/model"
)

type store struct {
	LastUsed map[string]int64 `json:"last_used"`
}

// mu serializes read-modify-write cycles within this process.
var mu sync.Mutex

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// Touch records a successful connection for a tunnel id.
func Touch(id string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	st.LastUsed[id] = time.Now().Unix()
	return save(st)
}

// Forget drops ids that no longer name a tunnel.
func Forget(ids ...string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(st.LastUsed, id)
	}
	return save(st)
}

// LastUsed returns last successful connection timestamps by tunnel id.
func LastUsed() (map[string]int64, error) {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return nil, err
	}
	return st.LastUsed, nil
}

// SortTunnelsRecent returns a new slice ordered by most recent connection,
// then by name. Tunnels never connected keep their relative order at the end.
func SortTunnelsRecent(tunnels []model.TunnelConfig, lastUsed map[string]int64) []model.TunnelConfig {
	out := append([]model.TunnelConfig(nil), tunnels...)
	sort.SliceStable(out, func(i, j int) bool {
		ti := lastUsed[out[i].ID]
		tj := lastUsed[out[j].ID]
		if ti != tj {
			return ti > tj
		}
		if ti == 0 {
			return false
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Recorder satisfies tunnel.Recorder using the history file.
type Recorder struct{}

func (Recorder) Touch(id string) error { return Touch(id) }

func load() (store, error) {
	path, err := filePath()
	if err != nil {
		return store{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store{LastUsed: map[string]int64{}}, nil
		}
		return store{}, err
	}
	var st store
	if err := json.Unmarshal(b, &st); err != nil {
		slog.Warn("ignoring corrupt history file", "path", path, "error", err)
		return store{LastUsed: map[string]int64{}}, nil
	}
	if st.LastUsed == nil {
		st.LastUsed = map[string]int64{}
	}
	return st, nil
}

func save(st store) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
