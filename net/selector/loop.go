package selector

import (
	"time"

	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"golang.org/x/sys/unix"
)

// selectorLoop 内核多路复用接口的最小抽象
//
// 具体实现有基于 epoll 的变体(Linux)与基于 poll 的变体(可移植);
// 在构造选择器时二选一
type selectorLoop interface {
	// Add 将文件描述符加入观察集合
	Add(fd int, s network.Selectable, desires network.SelectDesire) error
	// Update 更新文件描述符的关注事件与关联对象
	Update(fd int, s network.Selectable, desires network.SelectDesire) error
	// Del 将文件描述符移出观察集合
	Del(fd int) error
	// Wait 执行一次等待,返回就绪事件
	// EINTR 视为正常,返回空批次
	Wait(timeout time.Duration) ([]network.EventData, error)
	// Close 释放后端资源
	Close() error

	// 以下谓词基于后端原始事件位判断信号种类
	IsHangUpEvent(value uint32) bool
	IsRemoteHangUpEvent(value uint32) bool
	IsAnyHangUpEvent(value uint32) bool
	IsErrorEvent(value uint32) bool
	IsInputEvent(value uint32) bool
}

// minLoopTimeout 后端等待的最小超时
const minLoopTimeout = time.Millisecond

// loopTimeoutMs 将等待时长转换为毫秒并夹紧到最小值
func loopTimeoutMs(timeout time.Duration) int {
	if timeout < minLoopTimeout {
		timeout = minLoopTimeout
	}
	return int(timeout / time.Millisecond)
}

// maxPollFds poll 后端可观察的文件描述符上限
const maxPollFds = 4096

// pollEntry poll 后端中一个文件描述符的登记信息
type pollEntry struct {
	index int                // 在 fds 稠密数组中的下标
	s     network.Selectable // 关联的I/O对象,唤醒描述符为 nil
}

// pollLoop 基于 poll 的后端,可用于大多数系统,速度与容量有限
type pollLoop struct {
	signalFd int

	// 稠密的 pollfd 数组,每步开始前压实
	fds    []unix.PollFd
	fdData map[int]*pollEntry
	// 等待压实的数组下标
	toCompact []int
}

var _ selectorLoop = (*pollLoop)(nil)

// newPollLoop 构造一个 poll 后端并登记唤醒描述符
// 参数:
//   - signalFd: int 唤醒用的文件描述符
//
// 返回值:
//   - *pollLoop 构造的后端
//   - error 登记唤醒描述符失败时返回错误
func newPollLoop(signalFd int) (*pollLoop, error) {
	l := &pollLoop{
		signalFd: signalFd,
		fds:      make([]unix.PollFd, 0, 64),
		fdData:   make(map[int]*pollEntry),
	}
	if err := l.Add(signalFd, nil, network.WantRead|network.WantError); err != nil {
		return nil, err
	}
	return l, nil
}

// desiresToPollEvents 将事件集合转换为 poll 事件位
func desiresToPollEvents(desires network.SelectDesire) int16 {
	var events int16
	if desires&network.WantRead != 0 {
		events |= unix.POLLIN | pollRDHUP
	}
	if desires&network.WantWrite != 0 {
		events |= unix.POLLOUT
	}
	if desires&network.WantError != 0 {
		events |= unix.POLLERR | unix.POLLHUP
	}
	return events
}

func (l *pollLoop) Add(fd int, s network.Selectable, desires network.SelectDesire) error {
	if fd < 0 {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"无效的文件描述符无法加入poll: %d", fd)
	}
	if len(l.fds) >= maxPollFds {
		return netstatus.Errorf(netstatus.ResourceExhausted,
			"poll结构中的文件描述符过多,已达到上限 %d", maxPollFds)
	}
	l.fds = append(l.fds, unix.PollFd{
		Fd:     int32(fd),
		Events: desiresToPollEvents(desires),
	})
	l.fdData[fd] = &pollEntry{index: len(l.fds) - 1, s: s}
	return nil
}

func (l *pollLoop) Update(fd int, s network.Selectable, desires network.SelectDesire) error {
	entry, ok := l.fdData[fd]
	if !ok {
		return netstatus.Errorf(netstatus.NotFound,
			"文件描述符 %d 未登记在poll后端中,无法更新", fd)
	}
	l.fds[entry.index].Events = desiresToPollEvents(desires)
	entry.s = s
	return nil
}

func (l *pollLoop) Del(fd int) error {
	entry, ok := l.fdData[fd]
	if !ok {
		return netstatus.Errorf(netstatus.NotFound,
			"文件描述符 %d 未登记在poll后端中,无法删除", fd)
	}
	// 不立即压实,避免在一步中途丢失其他描述符的事件
	l.toCompact = append(l.toCompact, entry.index)
	l.fds[entry.index].Fd = -1
	delete(l.fdData, fd)
	return nil
}

// compact 在每步开始前压实 fds 数组,回填被删除的槽位
func (l *pollLoop) compact() {
	if len(l.toCompact) == 0 {
		return
	}
	for i := len(l.toCompact) - 1; i >= 0 && len(l.fds) > 0; i-- {
		index := l.toCompact[i]
		last := len(l.fds) - 1
		if index != last {
			moved := l.fds[last]
			l.fds[index] = moved
			l.fds[index].Revents = 0
			if entry, ok := l.fdData[int(moved.Fd)]; ok {
				entry.index = index
			}
		}
		l.fds = l.fds[:last]
	}
	l.toCompact = l.toCompact[:0]
}

func (l *pollLoop) Wait(timeout time.Duration) ([]network.EventData, error) {
	l.compact()
	n, err := unix.Poll(l.fds, loopTimeoutMs(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, netstatus.FromErrno(err, "poll等待失败")
	}
	events := make([]network.EventData, 0, n)
	for i := 0; i < len(l.fds) && n > 0; i++ {
		revents := l.fds[i].Revents
		if revents == 0 {
			continue
		}
		n--
		var desires network.SelectDesire
		if revents&(unix.POLLERR|unix.POLLHUP|pollRDHUP) != 0 {
			desires |= network.WantError
		}
		if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
			desires |= network.WantRead
		}
		if revents&unix.POLLOUT != 0 {
			desires |= network.WantWrite
		}
		entry, ok := l.fdData[int(l.fds[i].Fd)]
		if !ok {
			continue
		}
		events = append(events, network.EventData{
			Selectable:    entry.s,
			Desires:       desires,
			InternalEvent: uint32(uint16(revents)),
		})
	}
	return events, nil
}

func (l *pollLoop) Close() error { return nil }

func (l *pollLoop) IsHangUpEvent(value uint32) bool {
	return value&uint32(uint16(unix.POLLHUP)) != 0
}
func (l *pollLoop) IsRemoteHangUpEvent(value uint32) bool {
	return pollRDHUP != 0 && value&uint32(uint16(pollRDHUP)) != 0
}
func (l *pollLoop) IsAnyHangUpEvent(value uint32) bool {
	return l.IsHangUpEvent(value) || l.IsRemoteHangUpEvent(value)
}
func (l *pollLoop) IsErrorEvent(value uint32) bool {
	return value&uint32(uint16(unix.POLLERR)) != 0
}
func (l *pollLoop) IsInputEvent(value uint32) bool {
	return value&uint32(uint16(unix.POLLIN)) != 0
}
