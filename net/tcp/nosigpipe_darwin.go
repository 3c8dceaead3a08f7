//go:build darwin || ios

package tcp

import "golang.org/x/sys/unix"

// setNoSigpipe 关闭套接字上的 SIGPIPE 信号
func setNoSigpipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
