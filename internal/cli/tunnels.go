package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-manager/internal/history"
	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/tunnel"
	"github.com/treykane/tunnel-manager/internal/util"
)

type sessionFunc func() *session

func printTunnelTable(states []tunnel.TunnelState) {
	fmt.Printf("%s %s %s %s %s %s\n",
		util.PadRight("ID", 8), util.PadRight("NAME", 20), util.PadRight("LOCAL", 6),
		util.PadRight("REMOTE", 28), util.PadRight("VIA", 28), "STATUS")
	for _, st := range states {
		t := st.Config
		fmt.Printf("%s %s %s %s %s %s\n",
			util.PadRight(shortID(t.ID), 8),
			util.PadRight(util.Truncate(util.EmptyDash(t.Name), 20), 20),
			util.PadRight(fmt.Sprint(t.LocalPort), 6),
			util.PadRight(util.Truncate(t.RemoteString(), 28), 28),
			util.PadRight(util.Truncate(t.Destination(), 28), 28),
			st.Status)
	}
}

func newListCmd(get sessionFunc) *cobra.Command {
	var (
		recent  bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tunnels and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			states := s.mgr.Snapshot(cmd.Context())
			if recent {
				lastUsed, err := history.LastUsed()
				if err != nil {
					return err
				}
				byID := make(map[string]tunnel.TunnelState, len(states))
				tunnels := make([]model.TunnelConfig, 0, len(states))
				for _, st := range states {
					byID[st.Config.ID] = st
					tunnels = append(tunnels, st.Config)
				}
				states = states[:0]
				for _, t := range history.SortTunnelsRecent(tunnels, lastUsed) {
					states = append(states, byID[t.ID])
				}
			}
			if jsonOut {
				return writeJSON(states)
			}
			printTunnelTable(states)
			return nil
		},
	}
	cmd.Flags().BoolVar(&recent, "recent", false, "sort by most recently connected")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// tunnelFlags binds the editable tunnel fields to a command's flags.
func tunnelFlags(cmd *cobra.Command, t *model.TunnelConfig) {
	cmd.Flags().StringVar(&t.Name, "name", "", "display name")
	cmd.Flags().IntVar(&t.LocalPort, "local-port", 0, "local port to listen on")
	cmd.Flags().StringVar(&t.RemoteHost, "remote-host", "localhost", "target host as seen from the ssh host")
	cmd.Flags().IntVar(&t.RemotePort, "remote-port", 0, "target port")
	cmd.Flags().StringVar(&t.SSHHost, "ssh-host", "", "ssh host (localhost uses a local relay)")
	cmd.Flags().StringVar(&t.SSHUser, "ssh-user", "", "ssh user")
}

func newAddCmd(get sessionFunc) *cobra.Command {
	var (
		in      model.TunnelConfig
		connect bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			t, err := s.mgr.Add(in)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (%s) %d -> %s via %s\n", t.ID, util.EmptyDash(t.Name), t.LocalPort, t.RemoteString(), t.Destination())
			if connect {
				return connectOne(cmd.Context(), s.mgr, t)
			}
			return nil
		},
	}
	tunnelFlags(cmd, &in)
	cmd.Flags().BoolVar(&connect, "connect", false, "connect after adding")
	_ = cmd.MarkFlagRequired("local-port")
	_ = cmd.MarkFlagRequired("remote-port")
	_ = cmd.MarkFlagRequired("ssh-host")
	return cmd
}

func newEditCmd(get sessionFunc) *cobra.Command {
	var in model.TunnelConfig
	cmd := &cobra.Command{
		Use:   "edit <tunnel>",
		Short: "Change a tunnel's definition (disconnects it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			t, err := resolveTunnel(s.mgr, args[0])
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("name") {
				t.Name = in.Name
			}
			if f.Changed("local-port") {
				t.LocalPort = in.LocalPort
			}
			if f.Changed("remote-host") {
				t.RemoteHost = in.RemoteHost
			}
			if f.Changed("remote-port") {
				t.RemotePort = in.RemotePort
			}
			if f.Changed("ssh-host") {
				t.SSHHost = in.SSHHost
			}
			if f.Changed("ssh-user") {
				t.SSHUser = in.SSHUser
			}
			if s.mgr.StatusOf(t.ID) == model.StatusUntracked {
				if err := s.mgr.DisconnectUntracked(cmd.Context(), t.ID); err != nil {
					return err
				}
			}
			if err := s.mgr.Update(t); err != nil {
				return err
			}
			fmt.Printf("updated %s\n", t.ID)
			return nil
		},
	}
	tunnelFlags(cmd, &in)
	return cmd
}

func newRemoveCmd(get sessionFunc) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <tunnel>",
		Aliases: []string{"remove"},
		Short:   "Disconnect and delete a tunnel",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			t, err := resolveTunnel(s.mgr, args[0])
			if err != nil {
				return err
			}
			if s.mgr.StatusOf(t.ID) == model.StatusUntracked {
				if err := s.mgr.DisconnectUntracked(cmd.Context(), t.ID); err != nil {
					return err
				}
			}
			if err := s.mgr.Remove(t.ID); err != nil {
				return err
			}
			if err := history.Forget(t.ID); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", t.ID)
			return nil
		},
	}
}

// connectOne connects t and explains port conflicts.
func connectOne(ctx context.Context, mgr *tunnel.Manager, t model.TunnelConfig) error {
	if err := mgr.Connect(ctx, t.ID); err != nil {
		if te, ok := tunnel.AsError(err); ok && te.Kind == tunnel.KindPortConflict && te.PID > 0 {
			return fmt.Errorf("%w\n  held by: %s\n  run `tunnel-manager kill-and-connect %s` to replace it", err, te.Command, shortID(t.ID))
		}
		return err
	}
	fmt.Printf("connected %s  127.0.0.1:%d -> %s\n", t.DisplayName(), t.LocalPort, t.RemoteString())
	return nil
}

// waitAndDisconnect blocks until SIGINT/SIGTERM, then stops what this
// process owns.
func waitAndDisconnect(ctx context.Context, mgr *tunnel.Manager) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Println("forwarding; press Ctrl-C to disconnect")
	<-ctx.Done()
	mgr.Shutdown()
}

func newConnectCmd(get sessionFunc) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "connect <tunnel>...",
		Short: "Connect one or more tunnels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			var failed []error
			for _, ref := range args {
				t, err := resolveTunnel(s.mgr, ref)
				if err == nil {
					err = connectOne(cmd.Context(), s.mgr, t)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", ref, err)
					failed = append(failed, err)
				}
			}
			if wait && len(failed) < len(args) {
				waitAndDisconnect(cmd.Context(), s.mgr)
			}
			if len(failed) == 1 && len(args) == 1 {
				return failed[0]
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d tunnels failed to connect", len(failed), len(args))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "stay in the foreground and disconnect on Ctrl-C")
	return cmd
}

// disconnectRef stops a tunnel whether or not this process owns its
// forwarder. A CLI invocation never owns forwarders from earlier runs.
func disconnectRef(ctx context.Context, mgr *tunnel.Manager, id string) error {
	if mgr.HasActiveHandle(id) {
		return mgr.Disconnect(id)
	}
	return mgr.DisconnectUntracked(ctx, id)
}

func newDisconnectCmd(get sessionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <tunnel>...",
		Short: "Disconnect one or more tunnels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			var errs []error
			for _, ref := range args {
				t, err := resolveTunnel(s.mgr, ref)
				if err == nil {
					err = disconnectRef(cmd.Context(), s.mgr, t.ID)
				}
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ref, err))
					continue
				}
				fmt.Printf("disconnected %s\n", t.DisplayName())
			}
			return errors.Join(errs...)
		},
	}
}

func newConnectAllCmd(get sessionFunc) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "connect-all",
		Short: "Connect every disconnected tunnel, one at a time",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			results := s.mgr.ConnectAllDisconnected(cmd.Context())
			failed := 0
			for _, t := range s.mgr.Tunnels() {
				err, attempted := results[t.ID]
				if !attempted {
					continue
				}
				if err != nil {
					failed++
					fmt.Printf("[FAIL] %s: %v\n", t.DisplayName(), err)
					continue
				}
				fmt.Printf("[ OK ] %s  127.0.0.1:%d -> %s\n", t.DisplayName(), t.LocalPort, t.RemoteString())
			}
			fmt.Printf("connected %d of %d\n", len(results)-failed, len(results))
			if wait && len(results) > failed {
				waitAndDisconnect(cmd.Context(), s.mgr)
			}
			if failed > 0 {
				return fmt.Errorf("%d tunnels failed to connect", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "stay in the foreground and disconnect on Ctrl-C")
	return cmd
}

func newDisconnectAllCmd(get sessionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect-all",
		Short: "Disconnect every connected tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			s.mgr.DisconnectAll()
			var errs []error
			n := 0
			for _, t := range s.mgr.Tunnels() {
				if s.mgr.StatusOf(t.ID) != model.StatusUntracked {
					continue
				}
				if err := s.mgr.DisconnectUntracked(cmd.Context(), t.ID); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", t.DisplayName(), err))
					continue
				}
				n++
			}
			fmt.Printf("disconnected %d tunnels\n", n)
			return errors.Join(errs...)
		},
	}
}

func newKillAndConnectCmd(get sessionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-and-connect <tunnel>",
		Short: "Kill whatever forwards the tunnel's local port, then connect",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			t, err := resolveTunnel(s.mgr, args[0])
			if err != nil {
				return err
			}
			if err := s.mgr.DisconnectExistingAndConnect(cmd.Context(), t.ID); err != nil {
				return err
			}
			fmt.Printf("connected %s  127.0.0.1:%d -> %s\n", t.DisplayName(), t.LocalPort, t.RemoteString())
			return nil
		},
	}
}

func newStatusCmd(get sessionFunc) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connected tunnels with process details",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			var live []tunnel.TunnelState
			for _, st := range s.mgr.Snapshot(cmd.Context()) {
				if st.Status == model.StatusDisconnected {
					continue
				}
				if st.PID == 0 {
					if info := s.mgr.CheckPortStatus(cmd.Context(), st.Config.LocalPort).Existing; info != nil {
						st.PID = info.PID
						st.CommandLine = info.CommandLine
					}
				}
				live = append(live, st)
			}
			if jsonOut {
				return writeJSON(live)
			}
			fmt.Printf("%s %s %s %s %s\n", util.PadRight("NAME", 20), util.PadRight("LOCAL", 6), util.PadRight("STATUS", 20), util.PadRight("PID", 8), "COMMAND")
			for _, st := range live {
				fmt.Printf("%s %s %s %s %s\n",
					util.PadRight(util.Truncate(st.Config.DisplayName(), 20), 20),
					util.PadRight(fmt.Sprint(st.Config.LocalPort), 6),
					util.PadRight(string(st.Status), 20),
					util.PadRight(fmt.Sprint(st.PID), 8),
					util.Truncate(util.EmptyDash(st.CommandLine), 60))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
