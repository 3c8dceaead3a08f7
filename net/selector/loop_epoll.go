//go:build linux

package selector

import (
	"time"

	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"golang.org/x/sys/unix"
)

// epollSupported 当前系统是否支持 epoll 后端
const epollSupported = true

// epollLoop 基于 epoll 的后端,Linux 专用
type epollLoop struct {
	signalFd int
	epfd     int

	// epoll 无法携带Go对象指针,以fd为键反查关联对象
	fdData map[int]network.Selectable
	// 每步等待复用的事件缓冲
	events []unix.EpollEvent
}

var _ selectorLoop = (*epollLoop)(nil)

// newEpollLoop 构造一个 epoll 后端并登记唤醒描述符
// 参数:
//   - signalFd: int 唤醒用的文件描述符
//   - maxEventsPerStep: int 每步接受的事件上限
//
// 返回值:
//   - selectorLoop 构造的后端
//   - error epoll 创建或登记失败时返回错误
func newEpollLoop(signalFd int, maxEventsPerStep int) (selectorLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, netstatus.FromErrno(err, "创建epoll文件描述符失败")
	}
	l := &epollLoop{
		signalFd: signalFd,
		epfd:     epfd,
		fdData:   make(map[int]network.Selectable),
		events:   make([]unix.EpollEvent, maxEventsPerStep),
	}
	if err := l.Add(signalFd, nil, network.WantRead|network.WantError); err != nil {
		unix.Close(epfd)
		return nil, netstatus.Wrap(netstatus.Internal, err,
			"登记唤醒文件描述符 %d 失败", signalFd)
	}
	return l, nil
}

// desiresToEpollEvents 将事件集合转换为 epoll 事件位
func desiresToEpollEvents(desires network.SelectDesire) uint32 {
	var events uint32
	if desires&network.WantRead != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if desires&network.WantWrite != 0 {
		events |= unix.EPOLLOUT
	}
	if desires&network.WantError != 0 {
		events |= unix.EPOLLERR | unix.EPOLLHUP
	}
	return events
}

func (l *epollLoop) ctl(op int, fd int, desires network.SelectDesire) error {
	event := &unix.EpollEvent{
		Events: desiresToEpollEvents(desires),
		Fd:     int32(fd),
	}
	return unix.EpollCtl(l.epfd, op, fd, event)
}

func (l *epollLoop) Add(fd int, s network.Selectable, desires network.SelectDesire) error {
	if fd < 0 {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"无效的文件描述符无法加入epoll: %d", fd)
	}
	if err := l.ctl(unix.EPOLL_CTL_ADD, fd, desires); err != nil {
		return netstatus.FromErrno(err, "epoll添加文件描述符 %d 失败", fd)
	}
	l.fdData[fd] = s
	return nil
}

func (l *epollLoop) Update(fd int, s network.Selectable, desires network.SelectDesire) error {
	if fd < 0 {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"无效的文件描述符无法在epoll中更新: %d", fd)
	}
	if err := l.ctl(unix.EPOLL_CTL_MOD, fd, desires); err != nil {
		return netstatus.FromErrno(err, "epoll更新文件描述符 %d 失败", fd)
	}
	l.fdData[fd] = s
	return nil
}

func (l *epollLoop) Del(fd int) error {
	if fd < 0 {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"无效的文件描述符无法从epoll中删除: %d", fd)
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return netstatus.FromErrno(err, "epoll删除文件描述符 %d 失败", fd)
	}
	delete(l.fdData, fd)
	return nil
}

func (l *epollLoop) Wait(timeout time.Duration) ([]network.EventData, error) {
	n, err := unix.EpollWait(l.epfd, l.events, loopTimeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, netstatus.FromErrno(err, "epoll等待失败")
	}
	events := make([]network.EventData, 0, n)
	for i := 0; i < n; i++ {
		ev := l.events[i]
		var desires network.SelectDesire
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			desires |= network.WantError
		}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
			desires |= network.WantRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			desires |= network.WantWrite
		}
		events = append(events, network.EventData{
			Selectable:    l.fdData[int(ev.Fd)],
			Desires:       desires,
			InternalEvent: ev.Events,
		})
	}
	return events, nil
}

func (l *epollLoop) Close() error {
	return unix.Close(l.epfd)
}

func (l *epollLoop) IsHangUpEvent(value uint32) bool {
	return value&unix.EPOLLHUP != 0
}
func (l *epollLoop) IsRemoteHangUpEvent(value uint32) bool {
	return value&unix.EPOLLRDHUP != 0
}
func (l *epollLoop) IsAnyHangUpEvent(value uint32) bool {
	return value&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
}
func (l *epollLoop) IsErrorEvent(value uint32) bool {
	return value&unix.EPOLLERR != 0
}
func (l *epollLoop) IsInputEvent(value uint32) bool {
	return value&unix.EPOLLIN != 0
}

// newEventFd 创建一个非阻塞的 eventfd 用于跨线程唤醒
// 返回值:
//   - int 创建的文件描述符
//   - error 创建失败时返回错误
func newEventFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, netstatus.FromErrno(err, "创建eventfd失败")
	}
	return fd, nil
}

// pollRDHUP poll 后端使用的对端半关闭事件位
const pollRDHUP = int16(unix.POLLRDHUP)
