//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package tcp

import "syscall"

// ReusePortSupported 当前平台是否支持 SO_REUSEPORT
const ReusePortSupported = false

// reuseControl 在不支持的平台上不做任何设置，出站拨号会因端口占用回退为随机端口
func reuseControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
