package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/util"
)

// formMode distinguishes between the mode-select, quick-entry, and full-field screens.
type formMode int

const (
	formModeSelect formMode = iota
	formModeQuick
	formModeFull
)

// Field indices for the full form.
const (
	fieldName = iota
	fieldLocalPort
	fieldRemoteHost
	fieldRemotePort
	fieldSSHHost
	fieldSSHUser
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	tunnel  model.TunnelConfig
	editing bool
	connect bool // connect right after saving
}

// tunnelForm holds the state of the add/edit tunnel form.
type tunnelForm struct {
	mode    formMode
	modeSel int // 0 = quick, 1 = full

	quickInput textinput.Model

	fields   []textinput.Model
	focusIdx int

	// editID is set when the form edits an existing tunnel.
	editID string

	connect bool
	errMsg  string
}

// newForm creates an add form starting at mode selection.
func newForm() *tunnelForm {
	f := &tunnelForm{mode: formModeSelect, connect: true}

	qi := textinput.New()
	qi.Placeholder = "15432:db.internal:5432 deploy@bastion"
	qi.CharLimit = 256
	qi.Width = 50
	f.quickInput = qi

	placeholders := []string{
		"staging-db (optional)",
		"15432 (required)",
		"localhost (default)",
		"5432 (required)",
		"bastion.example.com or localhost (required)",
		"deploy (optional)",
	}
	limits := []int{64, 5, 256, 5, 256, 64}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}
	return f
}

// newEditForm opens the full form prefilled with t.
func newEditForm(t model.TunnelConfig) *tunnelForm {
	f := newForm()
	f.mode = formModeFull
	f.editID = t.ID
	f.connect = false
	f.fields[fieldName].SetValue(t.Name)
	f.fields[fieldLocalPort].SetValue(strconv.Itoa(t.LocalPort))
	f.fields[fieldRemoteHost].SetValue(t.RemoteHost)
	f.fields[fieldRemotePort].SetValue(strconv.Itoa(t.RemotePort))
	f.fields[fieldSSHHost].SetValue(t.SSHHost)
	f.fields[fieldSSHUser].SetValue(t.SSHUser)
	f.fields[0].Focus()
	return f
}

// update processes a key message and returns a formResult once the form is complete.
func (f *tunnelForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch f.mode {
	case formModeSelect:
		return f.updateModeSelect(msg)
	case formModeQuick:
		return f.updateQuick(msg)
	case formModeFull:
		return f.updateFull(msg)
	}
	return nil, nil
}

func (f *tunnelForm) updateModeSelect(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if f.modeSel < 1 {
			f.modeSel++
		}
	case "k", "up":
		if f.modeSel > 0 {
			f.modeSel--
		}
	case "enter":
		if f.modeSel == 0 {
			f.mode = formModeQuick
			f.quickInput.Focus()
			return nil, f.quickInput.Cursor.BlinkCmd()
		}
		f.mode = formModeFull
		f.focusIdx = 0
		f.fields[0].Focus()
		return nil, f.fields[0].Cursor.BlinkCmd()
	}
	return nil, nil
}

func (f *tunnelForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "enter":
		t, err := parseQuickTunnel(f.quickInput.Value())
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{tunnel: t, connect: true}, nil
	default:
		var cmd tea.Cmd
		f.quickInput, cmd = f.quickInput.Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *tunnelForm) updateFull(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+o":
		f.connect = !f.connect
		return nil, nil
	case "enter":
		t, err := f.buildTunnel()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{tunnel: t, editing: f.editID != "", connect: f.connect}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func parsePortField(label, v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("%s is required", label)
	}
	p, err := strconv.Atoi(v)
	if err != nil || util.ValidatePort(p) != nil {
		return 0, fmt.Errorf("%s must be 1-65535", label)
	}
	return p, nil
}

func (f *tunnelForm) buildTunnel() (model.TunnelConfig, error) {
	value := func(i int) string { return strings.TrimSpace(f.fields[i].Value()) }

	local, err := parsePortField("local port", value(fieldLocalPort))
	if err != nil {
		return model.TunnelConfig{}, err
	}
	remote, err := parsePortField("remote port", value(fieldRemotePort))
	if err != nil {
		return model.TunnelConfig{}, err
	}
	if value(fieldSSHHost) == "" {
		return model.TunnelConfig{}, fmt.Errorf("ssh host is required")
	}
	return model.TunnelConfig{
		ID:         f.editID,
		Name:       value(fieldName),
		LocalPort:  local,
		RemoteHost: util.DefaultString(value(fieldRemoteHost), "localhost"),
		RemotePort: remote,
		SSHHost:    value(fieldSSHHost),
		SSHUser:    value(fieldSSHUser),
	}, nil
}

// view renders the form panel.
func (f *tunnelForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.mode {
	case formModeSelect:
		return renderPanel("New Tunnel", f.modeSelectView(), width, accent)
	case formModeQuick:
		return renderPanel("New Tunnel - Quick", f.quickView(), width, accent)
	case formModeFull:
		title := "New Tunnel"
		if f.editID != "" {
			title = "Edit Tunnel"
		}
		return renderPanel(title, f.fullView(), width, accent)
	}
	return ""
}

func (f *tunnelForm) modeSelectView() string {
	var b strings.Builder
	b.WriteString("Choose how to describe the tunnel:\n\n")

	options := []struct {
		label string
		desc  string
	}{
		{"Quick", "One line in ssh -L form, connects immediately"},
		{"Full", "Fill in each field"},
	}
	for i, opt := range options {
		cursor := "  "
		if i == f.modeSel {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s[%s]  %s\n", cursor, opt.label, opt.desc))
	}
	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *tunnelForm) quickView() string {
	var b strings.Builder
	b.WriteString("Forward:\n\n")
	b.WriteString("  " + f.quickInput.View() + "\n\n")
	b.WriteString("Formats: local:host:remote [user@]sshhost | local:remote [user@]sshhost\n")
	if f.errMsg != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nEnter to add and connect, Esc to cancel")
	return b.String()
}

func (f *tunnelForm) fullView() string {
	labels := []string{"Name:", "Local port:", "Remote host:", "Remote port:", "SSH host:", "SSH user:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-13s %s\n", cursor, label, f.fields[i].View()))
	}

	mark := " "
	if f.connect {
		mark = "x"
	}
	b.WriteString(fmt.Sprintf("\n  [%s] Connect after saving\n", mark))
	if f.errMsg != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+f.errMsg) + "\n")
	}
	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+O toggle connect | Enter save | Esc cancel")
	return b.String()
}

// parseQuickTunnel parses a one-line forward in ssh -L order followed by the
// ssh destination. Supported forms:
//
//	15432:db.internal:5432 deploy@bastion
//	8080:3000 localhost
func parseQuickTunnel(input string) (model.TunnelConfig, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return model.TunnelConfig{}, fmt.Errorf("forward cannot be empty")
	}
	if len(fields) != 2 {
		return model.TunnelConfig{}, fmt.Errorf("expected \"<forward> <ssh host>\"")
	}

	t := model.TunnelConfig{RemoteHost: "localhost"}
	parts := strings.Split(fields[0], ":")
	var err error
	switch len(parts) {
	case 2:
		if t.LocalPort, err = parsePortField("local port", parts[0]); err != nil {
			return model.TunnelConfig{}, err
		}
		if t.RemotePort, err = parsePortField("remote port", parts[1]); err != nil {
			return model.TunnelConfig{}, err
		}
	case 3:
		if t.LocalPort, err = parsePortField("local port", parts[0]); err != nil {
			return model.TunnelConfig{}, err
		}
		t.RemoteHost = util.DefaultString(parts[1], "localhost")
		if t.RemotePort, err = parsePortField("remote port", parts[2]); err != nil {
			return model.TunnelConfig{}, err
		}
	default:
		return model.TunnelConfig{}, fmt.Errorf("forward must be local:host:remote or local:remote")
	}

	dest := fields[1]
	if at := strings.LastIndex(dest, "@"); at >= 0 {
		t.SSHUser = dest[:at]
		dest = dest[at+1:]
	}
	if dest == "" {
		return model.TunnelConfig{}, fmt.Errorf("ssh host cannot be empty")
	}
	t.SSHHost = dest
	return t, nil
}
