package supervisor

import (
	"fmt"
	"strings"
	"syscall"
)

// ParseSignal maps a configured signal name (TERM, SIGINT, ...) to the signal
// sent to ask an agent to exit.
func ParseSignal(name string) (syscall.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "", "TERM":
		return syscall.SIGTERM, nil
	case "INT":
		return syscall.SIGINT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	default:
		return 0, fmt.Errorf("unsupported end signal %q", name)
	}
}
