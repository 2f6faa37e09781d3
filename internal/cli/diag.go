package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/treykane/tunnel-manager/internal/doctor"
	"github.com/treykane/tunnel-manager/internal/events"
	"github.com/treykane/tunnel-manager/internal/sshclient"
	"github.com/treykane/tunnel-manager/internal/util"
)

func newPortCmd(get sessionFunc) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "port <port>",
		Short: "Check whether a local port is free and who holds it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[0])
			}
			if err := util.ValidatePort(port); err != nil {
				return err
			}
			st := get().mgr.CheckPortStatus(cmd.Context(), port)
			if jsonOut {
				return writeJSON(st)
			}
			switch {
			case st.Available:
				fmt.Printf("port %d is free\n", port)
			case st.Existing != nil:
				fmt.Printf("port %d is forwarded by pid %d: %s\n", port, st.Existing.PID, st.Existing.CommandLine)
			default:
				fmt.Printf("port %d is in use by another application\n", port)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newCommandCmd(get sessionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "command <tunnel>",
		Short: "Print the forwarder command a tunnel would run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			t, err := resolveTunnel(s.mgr, args[0])
			if err != nil {
				return err
			}
			bin, argv := s.client.Command(t)
			if !sshclient.UsesRelay(t) {
				fmt.Printf("# probe: %s\n", shellquote.Join(append([]string{bin}, s.client.ProbeArgs(t)...)...))
			}
			fmt.Println(shellquote.Join(append([]string{bin}, argv...)...))
			return nil
		},
	}
}

func newEventsCmd(get sessionFunc) *cobra.Command {
	var (
		ref     string
		typ     string
		since   time.Duration
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the tunnel event journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			q := events.Query{Type: events.Type(typ), Limit: limit}
			if ref != "" {
				if t, err := resolveTunnel(s.mgr, ref); err == nil {
					q.TunnelID = t.ID
				} else {
					// Removed tunnels only survive in the journal, by name.
					q.Name = ref
				}
			}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := s.journal.Read(q)
			if err != nil {
				return err
			}
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return writeJSON(evts)
			}
			for _, e := range evts {
				fmt.Printf("%s %s %s %s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"),
					util.PadRight(string(e.Type), 18),
					util.PadRight(util.Truncate(util.EmptyDash(e.Name), 20), 20),
					util.PadRight(string(e.Status), 20),
					e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "tunnel", "", "filter by tunnel id or name")
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "show at most this many events (0 = all)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newDoctorCmd(get sessionFunc) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check binaries, tunnel definitions and file permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := get()
			report, err := doctor.Run(cmd.Context(), s.mgr, doctor.Options{
				SSHBinary:   s.client.SSHBinary(),
				RelayBinary: s.client.RelayBinary(),
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Printf("[%s] %s %s: %s\n", issue.Severity, issue.Check, issue.Target, issue.Message)
				fmt.Printf("    -> %s\n", issue.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func formatSize(n int64) string {
	if n < 0 {
		return "-"
	}
	return humanize.Bytes(uint64(n))
}
