//go:build !linux && !darwin && !freebsd

package transport

import "syscall"

// Socket options are not supported on this platform.
func (o SocketOptions) control(_, _ string, _ syscall.RawConn) error {
	return nil
}
