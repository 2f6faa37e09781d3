// Package cli provides the command-line interface for tunnel-manager.
//
// Every command runs against a fresh tunnel.Manager restored from the default
// tunnels file. The CLI is one-shot: forwarders it starts keep running after
// it exits, and the next invocation sees them as connected-untracked through
// reconciliation.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-manager/internal/appconfig"
	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/history"
	"github.com/treykane/tunnel-manager/internal/logging"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/portinspect"
	"github.com/treykane/tunnel-manager/internal/security"
	"github.com/treykane/tunnel-manager/internal/sshclient"
	"github.com/treykane/tunnel-manager/internal/tunnel"
	"github.com/treykane/tunnel-manager/internal/ui"
)

// launcherFor builds the Launcher used by every session. Tests replace it.
var launcherFor = func(c *sshclient.Client) tunnel.Launcher {
	return tunnel.NewSSHLauncher(c)
}

// session bundles what a command needs.
type session struct {
	cfg     appconfig.Config
	client  *sshclient.Client
	mgr     *tunnel.Manager
	journal *events.Journal
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	tunnelsPath, err := appconfig.TunnelsFilePath()
	if err != nil {
		return nil, err
	}
	configsDir, err := appconfig.ConfigsDir()
	if err != nil {
		return nil, err
	}
	logsDir, err := appconfig.LogsDir()
	if err != nil {
		return nil, err
	}

	client := sshclient.New(sshclient.Options{
		SSHBinary:      cfg.SSH.Binary,
		RelayBinary:    cfg.SSH.RelayBinary,
		ConnectTimeout: cfg.ConnectTimeout(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		LogDir:         logsDir,
	})
	journal := events.NewJournal("")
	mgr := tunnel.NewManager(launcherFor(client), portinspect.New(nil, cfg.BindTimeout()), tunnel.Options{
		Path:       tunnelsPath,
		ConfigsDir: configsDir,
		Timing: tunnel.Timing{
			SettleInterval:   cfg.SettleInterval(),
			ConnectAllDelay:  cfg.ConnectAllDelay(),
			PortReleaseDelay: cfg.PortReleaseDelay(),
		},
		Journal:  journal,
		Recorder: history.Recorder{},
	})
	if err := mgr.LoadDefault(ctx); err != nil {
		return nil, err
	}
	return &session{cfg: cfg, client: client, mgr: mgr, journal: journal}, nil
}

// NewRootCommand creates the root cobra command. Without a subcommand it
// launches the TUI dashboard.
func NewRootCommand() *cobra.Command {
	var (
		logLevel  string
		s         *session
		logCloser io.Closer
	)
	root := &cobra.Command{
		Use:           "tunnel-manager",
		Short:         "Manage SSH local port-forwarding tunnels",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			if cmd.Parent() == nil {
				path, err := appconfig.LogFilePath()
				if err != nil {
					return err
				}
				if logCloser, err = logging.InitForTUI(level, path); err != nil {
					return err
				}
			} else {
				logging.InitForCLI(level, os.Stderr)
			}
			s, err = openSession(cmd.Context())
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if logCloser != nil {
				defer logCloser.Close()
			}
			return ui.Run(cmd.Context(), ui.Options{
				Manager:  s.mgr,
				Client:   s.client,
				Refresh:  s.cfg.UI.RefreshSeconds,
				Subtitle: currentLabel(s.mgr),
			})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	get := func() *session { return s }
	root.AddCommand(
		newListCmd(get),
		newAddCmd(get),
		newEditCmd(get),
		newRemoveCmd(get),
		newConnectCmd(get),
		newDisconnectCmd(get),
		newConnectAllCmd(get),
		newDisconnectAllCmd(get),
		newKillAndConnectCmd(get),
		newStatusCmd(get),
		newPortCmd(get),
		newCommandCmd(get),
		newConfigCmd(get),
		newEventsCmd(get),
		newDoctorCmd(get),
	)
	return root
}

// Execute runs the root command and prints errors the way users should see
// them.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", security.UserMessage(err, true))
		return 1
	}
	return 0
}

func currentLabel(mgr *tunnel.Manager) string {
	if f := mgr.CurrentFile(); f != "" {
		return f
	}
	return "default"
}

// resolveTunnel accepts an id, a unique id prefix, or a unique name.
func resolveTunnel(mgr *tunnel.Manager, ref string) (model.TunnelConfig, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.TunnelConfig{}, fmt.Errorf("tunnel reference is empty")
	}
	tunnels := mgr.Tunnels()
	for _, t := range tunnels {
		if t.ID == ref {
			return t, nil
		}
	}
	var matches []model.TunnelConfig
	for _, t := range tunnels {
		if strings.EqualFold(t.Name, ref) {
			matches = append(matches, t)
		}
	}
	if len(matches) == 0 && len(ref) >= 4 {
		for _, t := range tunnels {
			if strings.HasPrefix(t.ID, ref) {
				matches = append(matches, t)
			}
		}
	}
	switch len(matches) {
	case 0:
		return model.TunnelConfig{}, fmt.Errorf("tunnel not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return model.TunnelConfig{}, fmt.Errorf("%q matches %d tunnels; use the id", ref, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
