// Package security audits the file permissions of tunnel-manager state and
// the user's OpenSSH directory, and redacts paths from user-facing messages.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/tunnel-manager/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of tunnel files, logs and the
// OpenSSH directory. Tunnel files name internal hosts and ports, so they are
// held to the same 0600 standard as ~/.ssh/config.
func RunLocalAudit() (AuditReport, error) {
	var findings []Finding

	if home, err := os.UserHomeDir(); err == nil {
		checkPathPerm(&findings, filepath.Join(home, ".ssh"), 0o700, false)
		checkPathPerm(&findings, filepath.Join(home, ".ssh", "config"), 0o600, true)
	}

	cfgDir, err := appconfig.ConfigDir()
	if err != nil {
		return AuditReport{}, err
	}
	checkPathPerm(&findings, cfgDir, 0o700, false)
	for _, name := range []string{"config.yaml", "tunnels.yaml", "events.jsonl", "history.json"} {
		checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
	}

	for _, sub := range []string{"configs", "logs"} {
		dir := filepath.Join(cfgDir, sub)
		checkPathPerm(&findings, dir, 0o700, false)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			checkPathPerm(&findings, filepath.Join(dir, e.Name()), 0o600, true)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max == 0 {
		return
	}
	kind := "directory"
	if isFile {
		kind = "file"
	}
	sev := SeverityMedium
	if mode&0o002 != 0 {
		sev = SeverityHigh
	}
	*findings = append(*findings, Finding{
		Severity:       sev,
		Target:         path,
		Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
		Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
	})
}

// UserMessage returns err's text for CLI/TUI output, optionally redacted.
func UserMessage(err error, redact bool) string {
	if err == nil {
		return ""
	}
	if redact {
		return RedactMessage(err.Error())
	}
	return err.Error()
}

// RedactMessage replaces the home directory with ~ and hides key file names
// under .ssh.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := msg
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	if strings.Contains(out, "/.ssh/") {
		out = strings.ReplaceAll(out, "/.ssh/", "/.ssh/[redacted]/")
	}
	return out
}
