// Package store reads and writes tunnel configuration files.
//
// A tunnel file is a YAML document with a top-level "tunnels" key holding an
// ordered list of tunnel records:
//
//	tunnels:
//	  - id: 6f1c...
//	    name: staging-db
//	    remoteHost: db.internal
//	    remotePort: 5432
//	    sshUser: deploy
//	    sshHost: bastion.example.com
//	    localPort: 15432
//	    isConnected: false
//
// The package only does file I/O. Deciding what to load, merge or persist is
// the tunnel manager's job.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treykane/tunnel-manager/internal/model"
)

const tunnelsKey = "tunnels"

// ErrInvalidFormat is returned for files that do not have the expected shape.
var ErrInvalidFormat = errors.New("invalid tunnel file")

type fileModel struct {
	Tunnels []model.TunnelConfig `yaml:"tunnels"`
}

// FileInfo describes a tunnel file without loading it into a manager.
type FileInfo struct {
	Path        string    `json:"path"`
	Name        string    `json:"name"`
	TunnelCount int       `json:"tunnel_count"`
	ModTime     time.Time `json:"mod_time"`
	Size        int64     `json:"size"`
}

// Read loads the tunnel list stored at path, preserving file order.
func Read(path string) ([]model.TunnelConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	tunnels, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tunnels, nil
}

// Decode parses a tunnel document. The "tunnels" key must be present; its
// value may be null, an empty sequence, or a sequence of mappings.
func Decode(b []byte) ([]model.TunnelConfig, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidFormat)
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level must be a mapping", ErrInvalidFormat)
	}

	var list *yaml.Node
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value == tunnelsKey {
			list = root.Content[i+1]
			break
		}
	}
	if list == nil {
		return nil, fmt.Errorf("%w: missing %q key", ErrInvalidFormat, tunnelsKey)
	}

	switch {
	case list.Kind == yaml.ScalarNode && list.Tag == "!!null":
		return []model.TunnelConfig{}, nil
	case list.Kind != yaml.SequenceNode:
		return nil, fmt.Errorf("%w: %q must be a list", ErrInvalidFormat, tunnelsKey)
	}

	out := make([]model.TunnelConfig, 0, len(list.Content))
	for i, item := range list.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: entry %d is not a record", ErrInvalidFormat, i)
		}
		var t model.TunnelConfig
		if err := item.Decode(&t); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidFormat, i, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// Write stores tunnels at path, creating parent directories as needed. The
// file is written to a temp file first and renamed into place.
func Write(path string, tunnels []model.TunnelConfig) error {
	if tunnels == nil {
		tunnels = []model.TunnelConfig{}
	}
	b, err := yaml.Marshal(fileModel{Tunnels: tunnels})
	if err != nil {
		return fmt.Errorf("encode tunnels: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tunnels-*.yaml")
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Info returns metadata for the tunnel file at path.
func Info(path string) (FileInfo, error) {
	st, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	tunnels, err := Read(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Path:        path,
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		TunnelCount: len(tunnels),
		ModTime:     st.ModTime(),
		Size:        st.Size(),
	}, nil
}

// List enumerates valid tunnel files (*.yaml, *.yml) in dir, sorted by name.
// Files that fail to parse are skipped. A missing dir yields no files.
func List(dir string) ([]FileInfo, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("list %s: %w", dir, err)}
	}
	var (
		out  []FileInfo
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
		default:
			continue
		}
		info, err := Info(filepath.Join(dir, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, errs
}
