// Package netutil provides the socket-level helpers the connection engine
// needs: a listener with SO_REUSEADDR set, outbound dialing that (when IPv4
// is preferred) tries IPv4-then-dual-stack candidates the way the teacher's
// remote dialer does, and bind-port parsing.
package netutil

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DialTimeout bounds how long an outbound connect to the upstream may take
// before it is abandoned. In a readiness-driven C engine this is the point
// a pending-connect registration would give up; here it bounds the
// goroutine's blocking Dial instead.
const DialTimeout = 10 * time.Second

// Listen creates a TCP listener with SO_REUSEADDR set on the socket, so a
// restarted proxy can rebind a just-vacated address immediately instead of
// waiting out TIME_WAIT.
func Listen(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var setErr error
			ctrlErr := c.Control(func(fd uintptr) {
				setErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return setErr
		},
	}
	ln, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "netutil: listen %s %s", network, address)
	}
	return ln, nil
}

// DialUpstream connects to addr, trying "tcp4" before falling back to the
// dual-stack "tcp" network when preferIPv4 is set - the same candidate
// order the teacher's dial() helper in remote.go uses. ctx bounds the
// whole attempt in addition to DialTimeout.
func DialUpstream(ctx context.Context, addr string, preferIPv4 bool) (net.Conn, error) {
	d := &net.Dialer{Timeout: DialTimeout}

	networks := []string{"tcp"}
	if preferIPv4 {
		networks = []string{"tcp4", "tcp"}
	}

	var conn net.Conn
	var err error
	for _, network := range networks {
		conn, err = d.DialContext(ctx, network, addr)
		if err == nil {
			return conn, nil
		}
	}
	return nil, errors.Wrapf(err, "netutil: dial upstream %s", addr)
}

// ParseBindPort validates a decimal port string is in the 1-65535 range
// required of both the bind port and the upstream port (section 6).
func ParseBindPort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "netutil: port %q is not an integer", s)
	}
	if port < 1 || port > 65535 {
		return 0, errors.Errorf("netutil: port %d out of range 1-65535", port)
	}
	return port, nil
}
