// Package doctor runs local diagnostics: required binaries, tunnel definition
// problems, forwarders left running without a handle, and file permissions.
package doctor

import (
	"context"
	"fmt"
	"sort"

	"github.com/treykane/tunnel-manager/internal/model"
	"github.com/treykane/tunnel-manager/internal/security"
	"github.com/treykane/tunnel-manager/internal/sshclient"
	"github.com/treykane/tunnel-manager/internal/tunnel"
	"github.com/treykane/tunnel-manager/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Source is the tunnel view doctor inspects; *tunnel.Manager satisfies it.
type Source interface {
	Snapshot(ctx context.Context) []tunnel.TunnelState
}

// loadIssuer is implemented by sources that remember a tunnel file they
// could not restore.
type loadIssuer interface {
	LoadIssue() *tunnel.LoadIssue
}

// Options names the binaries to look for.
type Options struct {
	SSHBinary   string
	RelayBinary string
}

// Run executes local diagnostics for tunnel-manager.
func Run(ctx context.Context, src Source, opts Options) (Report, error) {
	var issues []Issue
	states := src.Snapshot(ctx)

	sshBin := util.DefaultString(opts.SSHBinary, util.DefaultSSHBinary)
	if err := sshclient.EnsureBinary(sshBin); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install the OpenSSH client and ensure `ssh` is on PATH",
		})
	}
	relayBin := util.DefaultString(opts.RelayBinary, util.DefaultRelayBinary)
	if err := sshclient.EnsureBinary(relayBin); err != nil {
		sev := SeverityLow
		for _, st := range states {
			if sshclient.UsesRelay(st.Config) {
				sev = SeverityHigh
				break
			}
		}
		issues = append(issues, Issue{
			Severity:       sev,
			Check:          "relay-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install socat; tunnels whose ssh host is this machine need it",
		})
	}

	if li, ok := src.(loadIssuer); ok {
		if issue := li.LoadIssue(); issue != nil {
			issues = append(issues, tunnelFileIssue(issue))
		}
	}

	tunnels := make([]model.TunnelConfig, 0, len(states))
	for _, st := range states {
		tunnels = append(tunnels, st.Config)
	}
	issues = append(issues, definitionIssues(tunnels)...)
	issues = append(issues, duplicatePortIssues(tunnels)...)

	for _, st := range states {
		if st.Status != model.StatusUntracked {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "untracked-forwarder",
			Target:         st.Config.ID,
			Message:        fmt.Sprintf("port %d is forwarded by a process this session does not manage", st.Config.LocalPort),
			Recommendation: "run `tunnel-manager disconnect " + st.Config.ID + "` to stop it or `tunnel-manager kill-and-connect` to take it over",
		})
	}

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			issues = append(issues, Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func tunnelFileIssue(li *tunnel.LoadIssue) Issue {
	issue := Issue{
		Severity: SeverityHigh,
		Check:    "tunnel-file",
		Target:   li.Path,
		Message:  tunnel.DebugMessage(li.Err),
	}
	if li.MovedTo != "" {
		issue.Message += "; moved to " + li.MovedTo
		issue.Recommendation = "repair " + li.MovedTo + " and run `tunnel-manager config merge " + li.MovedTo + "` to restore its tunnels"
	} else {
		issue.Recommendation = "fix the permissions or contents of " + li.Path + "; changes are not saved until it can be read"
	}
	return issue
}

func definitionIssues(tunnels []model.TunnelConfig) []Issue {
	var issues []Issue
	for _, t := range tunnels {
		if err := util.ValidatePort(t.LocalPort); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityHigh, Check: "invalid-port", Target: t.ID,
				Message:        fmt.Sprintf("local port: %v", err),
				Recommendation: "edit the tunnel and choose a port between 1 and 65535",
			})
		}
		if err := util.ValidatePort(t.RemotePort); err != nil {
			issues = append(issues, Issue{
				Severity: SeverityHigh, Check: "invalid-port", Target: t.ID,
				Message:        fmt.Sprintf("remote port: %v", err),
				Recommendation: "edit the tunnel and choose a port between 1 and 65535",
			})
		}
		if t.SSHHost == "" {
			issues = append(issues, Issue{
				Severity: SeverityHigh, Check: "missing-ssh-host", Target: t.ID,
				Message:        "tunnel has no ssh host",
				Recommendation: "edit the tunnel and set its ssh host",
			})
		}
	}
	return issues
}

func duplicatePortIssues(tunnels []model.TunnelConfig) []Issue {
	seen := map[int][]string{}
	for _, t := range tunnels {
		seen[t.LocalPort] = append(seen[t.LocalPort], t.DisplayName())
	}
	var issues []Issue
	for port, names := range seen {
		if len(names) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "duplicate-local-port",
			Target:         fmt.Sprintf("127.0.0.1:%d", port),
			Message:        fmt.Sprintf("local port is used by %d tunnels", len(names)),
			Recommendation: "only one of these tunnels can be connected at a time; give each a unique local port",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
