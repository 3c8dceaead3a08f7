//go:build !linux

package selector

import (
	"github.com/dep2p/netcore/core/netstatus"
)

// epollSupported 当前系统是否支持 epoll 后端
const epollSupported = false

// pollRDHUP 本系统的 poll 不提供对端半关闭事件位
const pollRDHUP = int16(0)

// newEpollLoop 本系统未编译 epoll 后端
func newEpollLoop(signalFd int, maxEventsPerStep int) (selectorLoop, error) {
	return nil, netstatus.Errorf(netstatus.Unimplemented,
		"当前系统不支持epoll后端")
}

// newEventFd 本系统未编译 eventfd 支持
func newEventFd() (int, error) {
	return -1, netstatus.Errorf(netstatus.Unimplemented,
		"当前系统不支持eventfd")
}
