package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/tunnel-manager/internal/model"
)

func TestParseQuickTunnel(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantLocal  int
		wantRemote string
		wantRPort  int
		wantHost   string
		wantUser   string
		wantErr    bool
	}{
		{
			name:       "full forward with user",
			input:      "15432:db.internal:5432 deploy@bastion",
			wantLocal:  15432,
			wantRemote: "db.internal",
			wantRPort:  5432,
			wantHost:   "bastion",
			wantUser:   "deploy",
		},
		{
			name:       "two-part forward defaults remote host",
			input:      "8080:3000 localhost",
			wantLocal:  8080,
			wantRemote: "localhost",
			wantRPort:  3000,
			wantHost:   "localhost",
		},
		{
			name:       "extra whitespace",
			input:      "  9000:cache:6379   ops@jump.example.com ",
			wantLocal:  9000,
			wantRemote: "cache",
			wantRPort:  6379,
			wantHost:   "jump.example.com",
			wantUser:   "ops",
		},
		{
			name:       "empty remote host falls back to localhost",
			input:      "9000::6379 jump",
			wantLocal:  9000,
			wantRemote: "localhost",
			wantRPort:  6379,
			wantHost:   "jump",
		},
		{name: "empty input", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "missing ssh host", input: "8080:3000", wantErr: true},
		{name: "too many parts", input: "1:2:3:4 host", wantErr: true},
		{name: "port out of range", input: "70000:db:5432 host", wantErr: true},
		{name: "non-numeric port", input: "abc:db:5432 host", wantErr: true},
		{name: "user without host", input: "8080:3000 deploy@", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQuickTunnel(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.LocalPort != tt.wantLocal {
				t.Errorf("local port: want %d, got %d", tt.wantLocal, got.LocalPort)
			}
			if got.RemoteHost != tt.wantRemote {
				t.Errorf("remote host: want %q, got %q", tt.wantRemote, got.RemoteHost)
			}
			if got.RemotePort != tt.wantRPort {
				t.Errorf("remote port: want %d, got %d", tt.wantRPort, got.RemotePort)
			}
			if got.SSHHost != tt.wantHost {
				t.Errorf("ssh host: want %q, got %q", tt.wantHost, got.SSHHost)
			}
			if got.SSHUser != tt.wantUser {
				t.Errorf("ssh user: want %q, got %q", tt.wantUser, got.SSHUser)
			}
			if got.ID != "" {
				t.Errorf("quick form must not assign an id, got %q", got.ID)
			}
		})
	}
}

func TestEditFormRoundTrip(t *testing.T) {
	in := model.TunnelConfig{
		ID: "abc", Name: "db", LocalPort: 15432, RemoteHost: "db.internal",
		RemotePort: 5432, SSHHost: "bastion", SSHUser: "deploy",
	}
	f := newEditForm(in)
	res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if res == nil {
		t.Fatalf("expected a result, form error: %q", f.errMsg)
	}
	if !res.editing {
		t.Error("expected editing result")
	}
	if res.connect {
		t.Error("edit form must not connect by default")
	}
	if res.tunnel != in {
		t.Errorf("want %+v, got %+v", in, res.tunnel)
	}
}

func TestFullFormValidation(t *testing.T) {
	f := newForm()
	f.update(tea.KeyMsg{Type: tea.KeyDown})
	f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if f.mode != formModeFull {
		t.Fatalf("expected full mode, got %d", f.mode)
	}

	if res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter}); res != nil {
		t.Fatal("empty form must not submit")
	}
	if f.errMsg != "local port is required" {
		t.Errorf("unexpected error message %q", f.errMsg)
	}

	f.fields[fieldLocalPort].SetValue("8080")
	f.fields[fieldRemotePort].SetValue("3000")
	if res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter}); res != nil {
		t.Fatal("missing ssh host must not submit")
	}

	f.fields[fieldSSHHost].SetValue("localhost")
	res, _ := f.update(tea.KeyMsg{Type: tea.KeyEnter})
	if res == nil {
		t.Fatalf("expected result, got error %q", f.errMsg)
	}
	if res.tunnel.RemoteHost != "localhost" {
		t.Errorf("remote host should default to localhost, got %q", res.tunnel.RemoteHost)
	}
	if !res.connect || res.editing {
		t.Errorf("new tunnel should connect and not be an edit: %+v", res)
	}
}
