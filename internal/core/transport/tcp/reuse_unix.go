//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package tcp

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported 当前平台是否支持 SO_REUSEPORT
const ReusePortSupported = true

// reuseControl 设置 SO_REUSEADDR 和 SO_REUSEPORT
func reuseControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEADDR: %w", err)
			return
		}
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			opErr = fmt.Errorf("set SO_REUSEPORT: %w", err)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
