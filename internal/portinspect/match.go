package portinspect

import (
	"fmt"
	"strings"
)

// The matchers below are a compatibility contract with forwarders started by
// earlier versions: an ssh command line is a local forward for port P when it
// carries -L and the literal substring "P:"; a relay is a socat listening on
// TCP-LISTEN:P. Keep them textual.

// IsSSHForward reports whether cmdline looks like an ssh local forward of port.
func IsSSHForward(cmdline string, port int) bool {
	return strings.Contains(cmdline, "ssh") &&
		strings.Contains(cmdline, "-L") &&
		strings.Contains(cmdline, fmt.Sprintf("%d:", port))
}

// IsRelayForward reports whether cmdline is a socat relay listening on port.
func IsRelayForward(cmdline string, port int) bool {
	if !strings.Contains(cmdline, "socat") {
		return false
	}
	needle := fmt.Sprintf("TCP-LISTEN:%d", port)
	idx := strings.Index(cmdline, needle)
	if idx < 0 {
		return false
	}
	// TCP-LISTEN:80 must not match TCP-LISTEN:8080.
	rest := cmdline[idx+len(needle):]
	return rest == "" || rest[0] == ',' || rest[0] == ' '
}
