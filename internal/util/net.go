package util

import (
	"fmt"
	"net"
	"strings"
)

// ValidatePort rejects anything outside the TCP port range. Port 0 ("any")
// is rejected too: a tunnel needs a fixed local port.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d is outside 1-65535", port)
	}
	return nil
}

// IsLoopbackHost reports whether host names the local machine. Tunnels whose
// SSH host is loopback are served by a direct TCP relay instead of ssh.
//
//	IsLoopbackHost("localhost")  → true
//	IsLoopbackHost("127.0.0.2")  → true
//	IsLoopbackHost("[::1]")      → true
//	IsLoopbackHost("bastion")    → false
func IsLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(strings.TrimPrefix(h, "["), "]")
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
