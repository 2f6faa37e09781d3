// Package ui is the interactive bubbletea dashboard over a tunnel.Manager.
//
// Manager calls that can block (connect, disconnect, snapshots with latency
// probes) run inside tea.Cmds, never in Update. State changes arrive through
// the manager's event bus and trigger a fresh snapshot.
package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/history"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/security"
	"github.com/treykane/tunnel-manager/internal/sshclient"
	"github.com/treykane/tunnel-manager/internal/tunnel"
	"github.com/treykane/tunnel-manager/internal/util"
)

var (
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	connectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	untrackedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// Options configures Run.
type Options struct {
	Manager *tunnel.Manager
	Client  *sshclient.Client
	// Refresh is the snapshot interval in seconds.
	Refresh int
	// Subtitle names the tunnel file in use.
	Subtitle string
}

type (
	tickMsg     time.Time
	eventMsg    events.Event
	statusMsg   string
	snapshotMsg []tunnel.TunnelState
	opDoneMsg   struct {
		op   string
		id   string
		name string
		err  error
	}
	connectAllMsg struct {
		results map[string]error
	}
)

// titleNotifier receives the manager's tooltip and exposes it as the
// terminal window title.
type titleNotifier struct {
	mu      sync.Mutex
	title   string
	present bool
}

func (n *titleNotifier) TooltipChanged(s string) {
	n.mu.Lock()
	n.title = s
	n.mu.Unlock()
}

func (n *titleNotifier) TunnelsPresent(present bool) {
	n.mu.Lock()
	n.present = present
	n.mu.Unlock()
}

func (n *titleNotifier) current() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title
}

type dashboardModel struct {
	ctx      context.Context
	mgr      *tunnel.Manager
	client   *sshclient.Client
	sub      *events.Subscription
	notifier *titleNotifier
	refresh  int
	subtitle string

	states      []tunnel.TunnelState
	rows        []tunnel.TunnelState
	sel         int
	filter      string
	filterMode  bool
	recentFirst bool
	showHelp    bool

	// confirmRemove holds the id awaiting y/n.
	confirmRemove string
	// conflictID is the tunnel whose last connect hit a forwarder that K can kill.
	conflictID string

	form    *tunnelForm
	picker  *filePicker
	spinner spinner.Model
	status  string
	width   int
	height  int
}

func newDashboard(ctx context.Context, opts Options) dashboardModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	n := &titleNotifier{}
	opts.Manager.SetNotifier(n)
	m := dashboardModel{
		ctx:      ctx,
		mgr:      opts.Manager,
		client:   opts.Client,
		sub:      opts.Manager.Subscribe(),
		notifier: n,
		refresh:  opts.Refresh,
		subtitle: opts.Subtitle,
		spinner:  s,
		status:   "Ready. Enter toggles the selected tunnel, a adds one, ? for help.",
	}
	if issue := m.mgr.LoadIssue(); issue != nil && issue.MovedTo != "" {
		m.status = "Could not read " + issue.Path + "; moved it to " + issue.MovedTo + ". Run tunnel-manager doctor for details."
	} else if issue != nil {
		m.status = "Could not read " + issue.Path + "; changes will not be saved. Run tunnel-manager doctor for details."
	}
	m.states = m.mgr.Snapshot(ctx)
	m.applyFilter()
	return m
}

// Run shows the dashboard until the user quits, then stops every forwarder
// the dashboard started.
func Run(ctx context.Context, opts Options) error {
	m := newDashboard(ctx, opts)
	defer m.sub.Unsubscribe()
	defer opts.Manager.Shutdown()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForEvent(sub *events.Subscription) tea.Cmd {
	return func() tea.Msg {
		evt, ok := <-sub.C()
		if !ok {
			return nil
		}
		return eventMsg(evt)
	}
}

func (m dashboardModel) snapshotCmd() tea.Cmd {
	mgr, ctx := m.mgr, m.ctx
	return func() tea.Msg { return snapshotMsg(mgr.Snapshot(ctx)) }
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(m.refresh),
		waitForEvent(m.sub),
		m.spinner.Tick,
		tea.SetWindowTitle(m.notifier.current()),
	)
}

func (m *dashboardModel) applyFilter() {
	rows := append([]tunnel.TunnelState(nil), m.states...)
	if f := strings.ToLower(strings.TrimSpace(m.filter)); f != "" {
		rows = rows[:0]
		for _, st := range m.states {
			t := st.Config
			if strings.Contains(strings.ToLower(t.Name), f) ||
				strings.Contains(strings.ToLower(t.Destination()), f) ||
				strings.Contains(strings.ToLower(t.RemoteString()), f) ||
				strings.Contains(fmt.Sprint(t.LocalPort), f) {
				rows = append(rows, st)
			}
		}
	}
	if m.recentFirst {
		if lastUsed, err := history.LastUsed(); err == nil {
			byID := make(map[string]tunnel.TunnelState, len(rows))
			tunnels := make([]model.TunnelConfig, 0, len(rows))
			for _, st := range rows {
				byID[st.Config.ID] = st
				tunnels = append(tunnels, st.Config)
			}
			rows = rows[:0]
			for _, t := range history.SortTunnelsRecent(tunnels, lastUsed) {
				rows = append(rows, byID[t.ID])
			}
		}
	}
	m.rows = rows
	if m.sel >= len(m.rows) {
		m.sel = len(m.rows) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m dashboardModel) selected() (tunnel.TunnelState, bool) {
	if len(m.rows) == 0 {
		return tunnel.TunnelState{}, false
	}
	return m.rows[m.sel], true
}

func (m dashboardModel) connectCmd(t model.TunnelConfig, kill bool) tea.Cmd {
	mgr, ctx := m.mgr, m.ctx
	return func() tea.Msg {
		op := "connect"
		var err error
		if kill {
			op = "kill-and-connect"
			err = mgr.DisconnectExistingAndConnect(ctx, t.ID)
		} else {
			err = mgr.Connect(ctx, t.ID)
		}
		return opDoneMsg{op: op, id: t.ID, name: t.DisplayName(), err: err}
	}
}

func (m dashboardModel) disconnectCmd(st tunnel.TunnelState) tea.Cmd {
	mgr, ctx := m.mgr, m.ctx
	t := st.Config
	return func() tea.Msg {
		var err error
		if st.Status == model.StatusUntracked && !mgr.HasActiveHandle(t.ID) {
			err = mgr.DisconnectUntracked(ctx, t.ID)
		} else {
			err = mgr.Disconnect(t.ID)
		}
		return opDoneMsg{op: "disconnect", id: t.ID, name: t.DisplayName(), err: err}
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.snapshotCmd(), tickCmd(m.refresh))
	case eventMsg:
		return m, tea.Batch(
			m.snapshotCmd(),
			waitForEvent(m.sub),
			tea.SetWindowTitle(m.notifier.current()),
		)
	case snapshotMsg:
		m.states = msg
		m.applyFilter()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case opDoneMsg:
		m.handleOpDone(msg)
		return m, m.snapshotCmd()
	case fileOpDoneMsg:
		m.handleFileOpDone(msg)
		return m, m.snapshotCmd()
	case connectAllMsg:
		failed := 0
		for _, err := range msg.results {
			if err != nil {
				failed++
			}
		}
		m.status = fmt.Sprintf("Connect all: %d of %d connected", len(msg.results)-failed, len(msg.results))
		if failed > 0 {
			m.status += fmt.Sprintf(", %d failed (see events)", failed)
		}
		return m, m.snapshotCmd()
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.picker != nil {
			return m.updatePicker(msg)
		}
		if m.confirmRemove != "" {
			return m.updateConfirmRemove(msg)
		}
		if m.filterMode {
			return m.updateFilter(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m *dashboardModel) handleOpDone(msg opDoneMsg) {
	if msg.err == nil {
		m.conflictID = ""
		switch msg.op {
		case "disconnect":
			m.status = "Disconnected " + msg.name
		default:
			m.status = "Connected " + msg.name
		}
		return
	}
	if tunnel.IsCancelled(msg.err) {
		m.status = "Connection attempt cancelled: " + msg.name
		return
	}
	m.status = fmt.Sprintf("%s failed: %s", msg.op, security.UserMessage(msg.err, false))
	if te, ok := tunnel.AsError(msg.err); ok && te.Kind == tunnel.KindPortConflict && te.PID > 0 {
		m.conflictID = msg.id
		m.status += fmt.Sprintf(" - press K to kill pid %d and retry", te.PID)
	}
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		m.status = "Cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	if res.editing {
		if err := m.mgr.Update(res.tunnel); err != nil {
			m.status = "Update failed: " + security.UserMessage(err, false)
			return m, nil
		}
		m.status = "Updated " + res.tunnel.DisplayName()
	} else {
		t, err := m.mgr.Add(res.tunnel)
		if err != nil {
			m.status = "Add failed: " + security.UserMessage(err, false)
			return m, nil
		}
		res.tunnel = t
		m.status = "Added " + t.DisplayName()
	}
	if res.connect {
		return m, tea.Batch(m.snapshotCmd(), m.connectCmd(res.tunnel, false))
	}
	return m, m.snapshotCmd()
}

func (m dashboardModel) updateConfirmRemove(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	id := m.confirmRemove
	m.confirmRemove = ""
	if msg.String() != "y" {
		m.status = "Remove cancelled"
		return m, nil
	}
	mgr, ctx := m.mgr, m.ctx
	return m, func() tea.Msg {
		t, _ := mgr.Tunnel(id)
		if mgr.StatusOf(id) == model.StatusUntracked {
			if err := mgr.DisconnectUntracked(ctx, id); err != nil {
				return statusMsg("Remove failed: " + security.UserMessage(err, false))
			}
		}
		if err := mgr.Remove(id); err != nil {
			return statusMsg("Remove failed: " + security.UserMessage(err, false))
		}
		_ = history.Forget(id)
		return statusMsg("Removed " + t.DisplayName())
	}
}

func (m dashboardModel) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter", "esc":
		m.filterMode = false
	case "backspace":
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.filter += msg.String()
		}
	}
	m.applyFilter()
	return m, nil
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.status = "Stopping tunnels..."
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.rows)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "s":
		m.recentFirst = !m.recentFirst
		m.applyFilter()
		if m.recentFirst {
			m.status = "Sorted by most recently connected"
		} else {
			m.status = "Sorted by file order"
		}
	case "r":
		m.status = "Refreshed tunnel status"
		return m, m.snapshotCmd()
	case "a":
		m.form = newForm()
		return m, nil
	case "o":
		m.picker = newFilePicker(m.mgr)
		m.status = "Pick a tunnel file: Enter loads, m merges, Esc closes"
	case "e":
		st, ok := m.selected()
		if !ok {
			break
		}
		if st.Status != model.StatusDisconnected {
			m.status = "Disconnect " + st.Config.DisplayName() + " before editing it"
			break
		}
		m.form = newEditForm(st.Config)
		return m, m.form.fields[0].Cursor.BlinkCmd()
	case "delete", "X":
		if st, ok := m.selected(); ok {
			m.confirmRemove = st.Config.ID
			m.status = fmt.Sprintf("Remove %s? y to confirm", st.Config.DisplayName())
		}
	case "enter":
		st, ok := m.selected()
		if !ok {
			break
		}
		switch st.Status {
		case model.StatusDisconnected:
			return m.startConnect(st.Config)
		case model.StatusConnecting:
			m.mgr.Cancel(st.Config.ID)
		default:
			return m, m.disconnectCmd(st)
		}
	case "c":
		if st, ok := m.selected(); ok {
			return m.startConnect(st.Config)
		}
	case "x":
		if st, ok := m.selected(); ok {
			if !m.mgr.Cancel(st.Config.ID) {
				m.status = "No connection attempt in progress for " + st.Config.DisplayName()
			}
		}
	case "d":
		if st, ok := m.selected(); ok {
			return m, m.disconnectCmd(st)
		}
	case "K":
		st, ok := m.selected()
		if !ok {
			break
		}
		if m.conflictID != st.Config.ID {
			m.status = "No conflicting forwarder known for " + st.Config.DisplayName()
			break
		}
		m.conflictID = ""
		m.status = "Killing existing forwarder and reconnecting " + st.Config.DisplayName()
		return m, m.connectCmd(st.Config, true)
	case "C":
		m.status = "Connecting all disconnected tunnels..."
		mgr, ctx := m.mgr, m.ctx
		return m, func() tea.Msg { return connectAllMsg{results: mgr.ConnectAllDisconnected(ctx)} }
	case "D":
		mgr := m.mgr
		return m, func() tea.Msg {
			mgr.DisconnectAll()
			return statusMsg("Disconnected all tunnels started here")
		}
	case "w":
		if m.mgr.CurrentFile() == "" {
			m.status = "No tunnel file loaded (press o to pick one); changes already go to the default file"
			break
		}
		if err := m.mgr.SaveCurrent(); err != nil {
			m.status = "Save failed: " + security.UserMessage(err, false)
			break
		}
		m.status = "Saved " + m.mgr.CurrentFile()
	}
	return m, nil
}

func (m dashboardModel) startConnect(t model.TunnelConfig) (tea.Model, tea.Cmd) {
	m.status = "Connecting " + t.DisplayName() + "..."
	return m, m.connectCmd(t, false)
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Tunnel Manager")
	connected := 0
	for _, st := range m.states {
		if st.Status == model.StatusConnected || st.Status == model.StatusUntracked {
			connected++
		}
	}
	subhead := fmt.Sprintf("file=%s tunnels=%d connected=%d shown=%d refresh=%ds",
		m.fileLabel(), len(m.states), connected, len(m.rows), clampRefresh(m.refresh))
	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	if m.recentFirst {
		filterLine += "  [recent first]"
	}
	quickHelp := "Keys: Enter toggle | x cancel | C/D all | a add | e edit | X remove | o files | / filter | ? help | q quit"

	width := m.effectiveWidth()
	var body string
	switch {
	case m.form != nil:
		body = m.form.view(m.renderPanel, width)
	case m.picker != nil:
		body = m.renderSplit("Tunnel files", m.picker.listView(m.mgr.CurrentFile()), "Preview", m.picker.previewView())
	default:
		body = m.renderMainPanels(m.listPanel(), m.detailPanel())
	}
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", helpBlock(), width, lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(lipgloss.Left, head, subhead, filterLine, quickHelp, body, help, status)
}

func (m dashboardModel) statusCell(st model.TunnelStatus) string {
	switch st {
	case model.StatusConnecting:
		return m.spinner.View() + " connecting"
	case model.StatusConnected:
		return connectedStyle.Render("● connected")
	case model.StatusUntracked:
		return untrackedStyle.Render("● untracked")
	default:
		return idleStyle.Render("○ disconnected")
	}
}

func (m dashboardModel) listPanel() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("  %s %s %s\n", util.PadRight("NAME", 20), util.PadRight("LOCAL", 6), "STATUS"))
	for i, st := range m.rows {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		b.WriteString(fmt.Sprintf("%s %s %s %s\n",
			cursor,
			util.PadRight(util.Truncate(st.Config.DisplayName(), 20), 20),
			util.PadRight(fmt.Sprint(st.Config.LocalPort), 6),
			m.statusCell(st.Status)))
	}
	if len(m.rows) == 0 {
		if len(m.states) == 0 {
			b.WriteString("  (no tunnels yet; press a to add one)\n")
		} else {
			b.WriteString("  (no tunnels matched)\n")
		}
	}
	return b.String()
}

func (m dashboardModel) detailPanel() string {
	st, ok := m.selected()
	if !ok {
		return "Pick a tunnel to see its details.\n"
	}
	t := st.Config
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Name: %s\nID: %s\nLocal: 127.0.0.1:%d\nRemote: %s\nVia: %s\n",
		util.EmptyDash(t.Name), t.ID, t.LocalPort, t.RemoteString(), t.Destination()))
	b.WriteString(fmt.Sprintf("Status: %s\n", st.Status))
	if st.PID > 0 {
		b.WriteString(fmt.Sprintf("PID: %d\n", st.PID))
	}
	if st.UptimeSec > 0 {
		b.WriteString(fmt.Sprintf("Uptime: %s\n", time.Duration(st.UptimeSec)*time.Second))
	}
	if st.LatencyMS > 0 {
		b.WriteString(fmt.Sprintf("Latency: %dms\n", st.LatencyMS))
	}
	if m.client != nil {
		bin, args := m.client.Command(t)
		b.WriteString("\nCommand:\n  " + bin + " " + strings.Join(args, " ") + "\n")
	}
	b.WriteString("\nNext steps:\n")
	b.WriteString(guidanceFor(st, m.conflictID == t.ID))
	return b.String()
}

func guidanceFor(st tunnel.TunnelState, conflict bool) string {
	var lines []string
	switch st.Status {
	case model.StatusDisconnected:
		lines = append(lines, "  - Press Enter to connect.")
		if conflict {
			lines = append(lines, "  - Press K to kill the forwarder holding the port and retry.")
		}
	case model.StatusConnecting:
		lines = append(lines, "  - Press x to cancel the attempt.")
	case model.StatusConnected:
		lines = append(lines, "  - Press Enter or d to disconnect.")
	case model.StatusUntracked:
		lines = append(lines,
			"  - A forwarder from an earlier session is serving this port.",
			"  - Press d to stop it.")
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m dashboardModel) renderMainPanels(listPanel, detailPanel string) string {
	return m.renderSplit("Tunnels", listPanel, "Details", detailPanel)
}

func (m dashboardModel) renderSplit(leftTitle, left, rightTitle, right string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel(leftTitle, left, width, lipgloss.Color("39")),
			m.renderPanel(rightTitle, right, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel(leftTitle, left, leftWidth, lipgloss.Color("39")),
		m.renderPanel(rightTitle, right, rightWidth, lipgloss.Color("69")),
	)
}

func helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; s toggles recent-first order.",
		"  Filtering: press /, type name, host or port, then Enter.",
		"  Connect: Enter or c. While connecting, x or Enter cancels.",
		"  Disconnect: Enter or d. Untracked forwarders are killed by pid.",
		"  Port conflicts: K kills the forwarder holding the port and retries.",
		"  All: C connects every disconnected tunnel in order; D disconnects.",
		"  Edit: a adds, e edits, X removes (with confirmation), w saves the loaded file.",
		"  Files: o lists tunnel files; Enter loads one, m merges it into the list.",
		"  Quit: q (or Ctrl+C) stops every tunnel this session started.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

