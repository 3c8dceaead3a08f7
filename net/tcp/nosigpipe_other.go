//go:build !darwin && !ios

package tcp

// setNoSigpipe 本系统没有 SO_NOSIGPIPE,写端关闭通过错误码感知
func setNoSigpipe(fd int) error { return nil }
