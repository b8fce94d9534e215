// ABOUTME: Derives the stable identity string for one agent process instance.
// ABOUTME: Identity is "{host}-{pid}" with the host lowercased for cross-platform stability.

package identity

import (
	"fmt"
	"os"
	"strings"
)

// FallbackHost is used when the local hostname cannot be resolved.
// An unresolved hostname must never block agent startup.
const FallbackHost = "unknown-host"

// New builds the identity string for a host/pid pair.
// The host component is trimmed and lowercased so that identities remain
// stable across platforms that report hostnames with different casing.
func New(host string, pid int) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		host = FallbackHost
	}
	return fmt.Sprintf("%s-%d", host, pid)
}

// Local returns the identity for the current process. If the hostname
// cannot be determined the FallbackHost sentinel is used instead.
func Local() string {
	host, err := os.Hostname()
	if err != nil {
		host = FallbackHost
	}
	return New(host, os.Getpid())
}

// HostLabel returns the display-name component for the current machine,
// falling back to the sentinel when the hostname is unavailable.
func HostLabel() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return FallbackHost
	}
	return strings.TrimSpace(host)
}
