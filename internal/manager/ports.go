package manager

import (
	"fmt"
	"net"
)

// pickPortInRange probes ports by binding and releasing, returning the
// first free one. The small race between release and the engine's own bind
// is acceptable on loopback.
func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, p))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}
