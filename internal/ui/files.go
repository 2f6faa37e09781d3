package ui

import (
	"fmt"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/treykane/tunnel-manager/internal/security"
	"github.com/treykane/tunnel-manager/internal/store"
	"github.com/treykane/tunnel-manager/internal/tunnel"
	"github.com/treykane/tunnel-manager/internal/util"
)

// fileOpDoneMsg reports a finished load or merge.
type fileOpDoneMsg struct {
	op   string
	path string
	n    int
	err  error
}

// filePicker lists the tunnel files in the configs directory. The preview is
// re-read whenever the selection moves.
type filePicker struct {
	files      []store.FileInfo
	skipped    int
	sel        int
	preview    store.FileInfo
	previewErr error
}

func newFilePicker(mgr *tunnel.Manager) *filePicker {
	files, errs := mgr.ConfigFiles()
	p := &filePicker{files: files, skipped: len(errs)}
	p.refreshPreview(mgr)
	return p
}

func (p *filePicker) selected() (store.FileInfo, bool) {
	if p.sel < 0 || p.sel >= len(p.files) {
		return store.FileInfo{}, false
	}
	return p.files[p.sel], true
}

func (p *filePicker) refreshPreview(mgr *tunnel.Manager) {
	fi, ok := p.selected()
	if !ok {
		p.preview, p.previewErr = store.FileInfo{}, nil
		return
	}
	p.preview, p.previewErr = mgr.FileInfo(fi.Path)
}

func (p *filePicker) listView(current string) string {
	var b strings.Builder
	for i, fi := range p.files {
		cursor := " "
		if i == p.sel {
			cursor = ">"
		}
		mark := ""
		if fi.Path == current {
			mark = " (loaded)"
		}
		b.WriteString(fmt.Sprintf("%s %s %d tunnels%s\n",
			cursor, util.PadRight(util.Truncate(fi.Name, 24), 24), fi.TunnelCount, mark))
	}
	if len(p.files) == 0 {
		b.WriteString("  (no tunnel files; use `tunnel-manager config export` to create one)\n")
	}
	if p.skipped > 0 {
		b.WriteString(fmt.Sprintf("  %d unreadable file(s) skipped\n", p.skipped))
	}
	return b.String()
}

func (p *filePicker) previewView() string {
	if _, ok := p.selected(); !ok {
		return "Nothing to preview.\n"
	}
	if p.previewErr != nil {
		return errorStyle.Render(security.UserMessage(p.previewErr, false)) + "\n"
	}
	fi := p.preview
	return fmt.Sprintf("Name: %s\nPath: %s\nTunnels: %d\nSize: %s\nModified: %s\n\nEnter loads (replaces and stops current tunnels).\nm merges into the current list.\n",
		fi.Name, fi.Path, fi.TunnelCount, humanize.Bytes(uint64(fi.Size)), humanize.Time(fi.ModTime))
}

func (m dashboardModel) updatePicker(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := m.picker
	switch msg.String() {
	case "esc", "q":
		m.picker = nil
		m.status = "Closed file list"
		return m, nil
	case "j", "down":
		if p.sel < len(p.files)-1 {
			p.sel++
			p.refreshPreview(m.mgr)
		}
	case "k", "up":
		if p.sel > 0 {
			p.sel--
			p.refreshPreview(m.mgr)
		}
	case "enter", "l":
		if fi, ok := p.selected(); ok {
			m.picker = nil
			m.status = "Loading " + fi.Name + "..."
			return m, m.fileOpCmd("load", fi.Path)
		}
	case "m":
		if fi, ok := p.selected(); ok {
			m.picker = nil
			m.status = "Merging " + fi.Name + "..."
			return m, m.fileOpCmd("merge", fi.Path)
		}
	}
	return m, nil
}

func (m dashboardModel) fileOpCmd(op, path string) tea.Cmd {
	mgr, ctx := m.mgr, m.ctx
	return func() tea.Msg {
		if op == "merge" {
			n, err := mgr.Merge(ctx, path)
			return fileOpDoneMsg{op: op, path: path, n: n, err: err}
		}
		err := mgr.Load(ctx, path)
		return fileOpDoneMsg{op: op, path: path, n: len(mgr.Tunnels()), err: err}
	}
}

func (m *dashboardModel) handleFileOpDone(msg fileOpDoneMsg) {
	name := filepath.Base(msg.path)
	if msg.err != nil {
		m.status = fmt.Sprintf("%s %s failed: %s", msg.op, name, security.UserMessage(msg.err, false))
		return
	}
	m.conflictID = ""
	if msg.op == "merge" {
		m.status = fmt.Sprintf("Merged %d tunnels from %s", msg.n, name)
		return
	}
	m.status = fmt.Sprintf("Loaded %d tunnels from %s; w saves back to it", msg.n, name)
}

// fileLabel names the tunnel file the dashboard is working on.
func (m dashboardModel) fileLabel() string {
	if f := m.mgr.CurrentFile(); f != "" {
		return f
	}
	return m.subtitle
}
