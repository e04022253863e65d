//go:build linux || darwin || freebsd

package transport

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

func (o SocketOptions) control(network, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = o.apply(int(fd), network)
	})
	if err != nil {
		return err
	}
	return serr
}

// apply sets the options on fd. Reuse failures are fatal; buffer and TOS
// settings are best effort since the kernel may clamp or refuse them.
func (o SocketOptions) apply(fd int, network string) error {
	if o.ReuseAddr {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("set SO_REUSEADDR: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	}
	if o.RecvBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.RecvBuffer)
	}
	if o.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.SendBuffer)
	}
	if o.TOS != 0 {
		if strings.HasSuffix(network, "6") {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, o.TOS)
		} else {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, o.TOS)
		}
	}
	return nil
}
