// Package selector 实现了单线程协作式的事件反应器
//
// 每个 Selector 在一个独占的OS线程上循环:等待内核就绪通知、
// 按 错误→读→写 的顺序分发事件、执行投递的延迟任务并触发到期的
// 定时器。注册与注销等修改 Selectable 的操作必须在循环线程执行;
// RunInSelectLoop、RegisterAlarm、UnregisterAlarm 与 MakeLoopExit
// 可从任意线程调用
package selector

import (
	"container/heap"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/dep2p/log"
	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"github.com/eapache/queue"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// log 用于记录选择器相关的日志
var log = logging.Logger("net-selector")

// Params 选择器的配置参数
type Params struct {
	// MaxEventsPerStep 每个循环步接受的I/O事件上限
	MaxEventsPerStep int
	// MaxCallbacksPerEvent 每个循环步执行的延迟任务上限
	MaxCallbacksPerEvent int
	// CallbacksTimeoutPerEvent 每个循环步执行延迟任务的时间预算
	CallbacksTimeoutPerEvent time.Duration
	// DefaultLoopTimeout 无事件时打断等待的默认超时
	DefaultLoopTimeout time.Duration
	// UseEventFd 使用 eventfd 进行循环唤醒,否则使用自管道
	UseEventFd bool
	// UseEpoll 使用 epoll 后端,否则使用 poll 后端
	UseEpoll bool
}

// DefaultParams 返回默认的选择器配置
func DefaultParams() Params {
	return Params{
		MaxEventsPerStep:         128,
		MaxCallbacksPerEvent:     64,
		CallbacksTimeoutPerEvent: time.Second,
		DefaultLoopTimeout:       time.Second,
		UseEventFd:               true,
		UseEpoll:                 epollSupported,
	}
}

// SetMaxEventsPerStep 设置每步的事件上限
func (p Params) SetMaxEventsPerStep(v int) Params {
	p.MaxEventsPerStep = v
	return p
}

// SetMaxCallbacksPerEvent 设置每步的延迟任务上限
func (p Params) SetMaxCallbacksPerEvent(v int) Params {
	p.MaxCallbacksPerEvent = v
	return p
}

// SetCallbacksTimeoutPerEvent 设置每步延迟任务的时间预算
func (p Params) SetCallbacksTimeoutPerEvent(v time.Duration) Params {
	p.CallbacksTimeoutPerEvent = v
	return p
}

// SetDefaultLoopTimeout 设置默认的循环等待超时
func (p Params) SetDefaultLoopTimeout(v time.Duration) Params {
	p.DefaultLoopTimeout = v
	return p
}

// SetUseEventFd 设置是否使用 eventfd 唤醒
func (p Params) SetUseEventFd(v bool) Params {
	p.UseEventFd = v
	return p
}

// SetUseEpoll 设置是否使用 epoll 后端
func (p Params) SetUseEpoll(v bool) Params {
	p.UseEpoll = v
	return p
}

// AlarmId 定时器的标识,在选择器生命周期内单调递增且不复用
type AlarmId = uint64

// noAlarm nextAlarmNanos 的哨兵值,表示没有待触发的定时器
const noAlarm = int64(math.MaxInt64)

// alarmEntry 定时器堆中的一项
type alarmEntry struct {
	deadline time.Time
	id       AlarmId
}

// alarmHeap 以到期时间为序的最小堆;到期时间相同时按注册顺序触发
type alarmHeap []alarmEntry

func (h alarmHeap) Len() int { return len(h) }
func (h alarmHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h alarmHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *alarmHeap) Push(x interface{}) {
	*h = append(*h, x.(alarmEntry))
}
func (h *alarmHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Selector 单线程事件反应器
type Selector struct {
	params Params
	clk    clock.Clock

	// 循环goroutine的标识(见 curThreadId),循环未运行时为0
	tid atomic.Int64
	// 标记退出循环
	shouldEnd atomic.Bool

	// 唤醒写端与读端;使用 eventfd 时两者相同
	signalWriteFd int
	signalReadFd  int

	// 内核多路复用后端
	loop selectorLoop

	// 已注册的对象集合,仅由循环线程修改
	registered map[network.Selectable]struct{}

	// 延迟任务队列:多生产者,循环线程单消费
	taskMu   sync.Mutex
	tasks    *queue.Queue
	hasTasks atomic.Bool

	// 定时器结构
	alarmMu        sync.Mutex
	alarmId        atomic.Uint64
	alarms         map[AlarmId]func()
	alarmTimeouts  alarmHeap
	nextAlarmNanos atomic.Int64
	numAlarms      atomic.Int64

	// 最近一次脱离内核等待的时刻,纳秒
	now atomic.Int64

	// 循环退出时调用的函数
	callOnClose func()
}

var _ network.Selector = (*Selector)(nil)

// New 构造一个选择器
// 参数:
//   - params: Params 配置参数
//
// 返回值:
//   - *Selector 构造的选择器
//   - error 参数非法或后端创建失败时返回错误
func New(params Params) (*Selector, error) {
	if params.MaxEventsPerStep <= 0 || params.MaxCallbacksPerEvent <= 0 {
		return nil, netstatus.Errorf(netstatus.InvalidArgument,
			"选择器参数必须为正: MaxEventsPerStep=%d MaxCallbacksPerEvent=%d",
			params.MaxEventsPerStep, params.MaxCallbacksPerEvent)
	}
	s := &Selector{
		params:        params,
		clk:           clock.New(),
		signalWriteFd: network.InvalidFd,
		signalReadFd:  network.InvalidFd,
		registered:    make(map[network.Selectable]struct{}),
		tasks:         queue.New(),
		alarms:        make(map[AlarmId]func()),
	}
	s.nextAlarmNanos.Store(noAlarm)

	var err error
	if params.UseEpoll {
		if params.UseEventFd {
			fd, eerr := newEventFd()
			if eerr != nil {
				return nil, eerr
			}
			s.signalReadFd = fd
			s.signalWriteFd = fd
		} else {
			if err = s.setupSignalPipe(); err != nil {
				return nil, err
			}
		}
		s.loop, err = newEpollLoop(s.signalReadFd, params.MaxEventsPerStep)
	} else {
		if err = s.setupSignalPipe(); err != nil {
			return nil, err
		}
		s.loop, err = newPollLoop(s.signalReadFd)
	}
	if err != nil {
		s.closeSignalFds()
		return nil, err
	}
	return s, nil
}

// setupSignalPipe 创建非阻塞的自管道作为唤醒通道
func (s *Selector) setupSignalPipe() error {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return netstatus.FromErrno(err, "创建唤醒管道失败")
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return netstatus.FromErrno(err, "设置唤醒管道非阻塞失败")
		}
		unix.CloseOnExec(fd)
	}
	s.signalReadFd = fds[0]
	s.signalWriteFd = fds[1]
	return nil
}

// closeSignalFds 关闭唤醒文件描述符
func (s *Selector) closeSignalFds() error {
	var err error
	if s.signalReadFd != network.InvalidFd {
		err = multierr.Append(err, unix.Close(s.signalReadFd))
	}
	if s.signalWriteFd != network.InvalidFd && s.signalWriteFd != s.signalReadFd {
		err = multierr.Append(err, unix.Close(s.signalWriteFd))
	}
	s.signalReadFd = network.InvalidFd
	s.signalWriteFd = network.InvalidFd
	return err
}

// Params 返回选择器的配置参数
func (s *Selector) Params() Params { return s.params }

// Now 返回最近一次脱离内核等待的时刻
func (s *Selector) Now() time.Time {
	return time.Unix(0, s.now.Load())
}

// updateNow 将 now 更新为当前时刻
func (s *Selector) updateNow() {
	s.now.Store(s.clk.Now().UnixNano())
}

// SetCallOnClose 设置循环退出时调用的函数,须在启动循环前设置
func (s *Selector) SetCallOnClose(f func()) {
	s.callOnClose = f
}

// IsExiting 判断选择器是否已在退出流程中
// 此状态下已注册的回调仍可能执行
func (s *Selector) IsExiting() bool {
	return s.shouldEnd.Load()
}

// IsInSelectThread 判断调用者是否为选择器循环线程
// 返回值:
//   - bool 调用线程等于循环线程时返回 true
func (s *Selector) IsInSelectThread() bool {
	tid := s.tid.Load()
	return tid != 0 && tid == curThreadId()
}

// checkInSelectThread 校验当前调用在循环线程或循环尚未启动
func (s *Selector) checkInSelectThread(op string) error {
	if s.tid.Load() != 0 && !s.IsInSelectThread() {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"%s 只能在循环启动前或选择器线程中调用", op)
	}
	return nil
}

// MakeLoopExit 调度循环退出,任意线程可调用
func (s *Selector) MakeLoopExit() {
	if !s.IsInSelectThread() {
		s.RunInSelectLoop(func() { s.shouldEnd.Store(true) })
	} else {
		s.shouldEnd.Store(true)
	}
}

// Register 注册一个I/O对象,开始观察其事件
// 幂等;只能在循环启动前或选择器线程中调用
// 参数:
//   - sel: network.Selectable 注册的对象
//
// 返回值:
//   - error 线程校验失败、对象属于其他选择器或后端失败时返回错误
func (s *Selector) Register(sel network.Selectable) error {
	if err := s.checkInSelectThread("Register"); err != nil {
		return err
	}
	if sel.Selector() == nil {
		sel.SetSelector(s)
	} else if sel.Selector() != network.Selector(s) {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"Selectable已注册到其他选择器")
	}
	if _, ok := s.registered[sel]; ok {
		return nil
	}
	s.registered[sel] = struct{}{}
	return s.loop.Add(sel.Fd(), sel, sel.Desire())
}

// Unregister 注销一个已注册的I/O对象
// 只能在循环启动前或选择器线程中调用
// 参数:
//   - sel: network.Selectable 注销的对象
//
// 返回值:
//   - error 线程校验失败、对象不属于本选择器或后端失败时返回错误
func (s *Selector) Unregister(sel network.Selectable) error {
	if err := s.checkInSelectThread("Unregister"); err != nil {
		return err
	}
	if sel.Selector() != network.Selector(s) {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"Selectable不属于本选择器,无法注销")
	}
	delete(s.registered, sel)
	sel.SetSelector(nil)
	return s.loop.Del(sel.Fd())
}

// EnableReadCallback 开关对象的读事件关注
// 只能在循环启动前或选择器线程中调用
func (s *Selector) EnableReadCallback(sel network.Selectable, enable bool) error {
	return s.UpdateDesire(sel, enable, network.WantRead)
}

// EnableWriteCallback 开关对象的写事件关注
// 只能在循环启动前或选择器线程中调用
func (s *Selector) EnableWriteCallback(sel network.Selectable, enable bool) error {
	return s.UpdateDesire(sel, enable, network.WantWrite)
}

// UpdateDesire 更新对象关注的事件集合
// 幂等;只能在循环启动前或选择器线程中调用
// 参数:
//   - sel: network.Selectable 目标对象
//   - enable: bool 开启或关闭
//   - desire: network.SelectDesire 操作的事件位
//
// 返回值:
//   - error 线程校验失败或后端失败时返回错误
func (s *Selector) UpdateDesire(sel network.Selectable, enable bool, desire network.SelectDesire) error {
	if err := s.checkInSelectThread("UpdateDesire"); err != nil {
		return err
	}
	if sel.Selector() != network.Selector(s) {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"Selectable不属于本选择器,无法更新事件集合")
	}
	current := sel.Desire()
	if (enable && current&desire == desire) ||
		(!enable && current&desire == 0) {
		return nil
	}
	if enable {
		sel.SetDesire(current | desire)
	} else {
		sel.SetDesire(current &^ desire)
	}
	return s.loop.Update(sel.Fd(), sel, sel.Desire())
}

// CleanAndCloseAll 关闭全部已注册对象
// 每个对象的 Close 必须重新进入 Unregister;只能在循环启动前或
// 选择器线程中调用
// 返回值:
//   - error 线程校验失败时返回错误
func (s *Selector) CleanAndCloseAll() error {
	if err := s.checkInSelectThread("CleanAndCloseAll"); err != nil {
		return err
	}
	for len(s.registered) > 0 {
		var pick network.Selectable
		for sel := range s.registered {
			pick = sel
			break
		}
		pick.Close()
		if _, still := s.registered[pick]; still {
			// Close 未按约定注销,强制移出以保证终止
			log.Warnf("Selectable的Close未执行注销,强制移除: fd=%d", pick.Fd())
			delete(s.registered, pick)
		}
	}
	return nil
}

// RunInSelectLoop 将任务投递到选择器线程执行
// 任意线程可调用;同一线程投递的任务按投递顺序执行
// 参数:
//   - task: func() 执行的任务
func (s *Selector) RunInSelectLoop(task func()) {
	s.taskMu.Lock()
	s.tasks.Add(task)
	s.hasTasks.Store(true)
	s.taskMu.Unlock()
	if !s.IsInSelectThread() {
		s.sendWakeSignal()
	}
}

// RegisterAlarm 注册一个在指定时长后于选择器线程执行的定时器
// 任意线程可调用
// 参数:
//   - callback: func() 到期执行的回调
//   - timeout: time.Duration 距当前的触发时长
//
// 返回值:
//   - AlarmId 定时器标识,可用于注销
func (s *Selector) RegisterAlarm(callback func(), timeout time.Duration) AlarmId {
	deadline := s.clk.Now().Add(timeout)
	s.alarmMu.Lock()
	id := s.alarmId.Add(1)
	s.alarms[id] = callback
	heap.Push(&s.alarmTimeouts, alarmEntry{deadline: deadline, id: id})
	s.nextAlarmNanos.Store(s.alarmTimeouts[0].deadline.UnixNano())
	s.numAlarms.Store(int64(len(s.alarms)))
	s.alarmMu.Unlock()
	if !s.IsInSelectThread() {
		s.sendWakeSignal()
	}
	return id
}

// UnregisterAlarm 注销一个定时器
// 任意线程可调用;堆中的残留项在触发时被过滤
// 参数:
//   - id: AlarmId 定时器标识
func (s *Selector) UnregisterAlarm(id AlarmId) {
	s.alarmMu.Lock()
	delete(s.alarms, id)
	s.numAlarms.Store(int64(len(s.alarms)))
	s.alarmMu.Unlock()
}

// sendWakeSignal 向唤醒描述符写入一个值以打断内核等待
func (s *Selector) sendWakeSignal() {
	if s.signalWriteFd == network.InvalidFd {
		return
	}
	var buf []byte
	if s.signalWriteFd == s.signalReadFd {
		// eventfd 需要写入一个64位计数
		buf = []byte{1, 0, 0, 0, 0, 0, 0, 0}
	} else {
		buf = []byte{1}
	}
	if _, err := unix.Write(s.signalWriteFd, buf); err != nil && err != unix.EAGAIN {
		log.Warnf("写入唤醒文件描述符失败: %v", err)
	}
}

// clearSignalFd 排空唤醒描述符中积累的字节
func (s *Selector) clearSignalFd() {
	var buf [512]byte
	for {
		n, err := unix.Read(s.signalReadFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// popTask 从队列头取出一个任务,队列为空时返回 nil
func (s *Selector) popTask() func() {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.tasks.Length() == 0 {
		s.hasTasks.Store(false)
		return nil
	}
	task := s.tasks.Remove().(func())
	s.hasTasks.Store(s.tasks.Length() > 0)
	return task
}

// runCallbacks 执行至多 maxNum 个延迟任务,遵守时间预算
// 剩余任务保留在队列中供下一步执行,顺序不变
func (s *Selector) runCallbacks(maxNum int) int {
	s.clearSignalFd()
	deadline := s.clk.Now().Add(s.params.CallbacksTimeoutPerEvent)
	numRun := 0
	for numRun < maxNum {
		task := s.popTask()
		if task == nil {
			break
		}
		task()
		numRun++
		if !s.clk.Now().Before(deadline) {
			break
		}
	}
	return numRun
}

// loopCallbacks 在循环步中执行延迟任务
func (s *Selector) loopCallbacks() int {
	runCount := 0
	for s.hasTasks.Load() && runCount < s.params.MaxCallbacksPerEvent {
		s.updateNow()
		n := s.runCallbacks(s.params.MaxCallbacksPerEvent - runCount)
		if n == 0 {
			return runCount
		}
		runCount += n
	}
	return runCount
}

// loopAlarms 触发全部到期的定时器
func (s *Selector) loopAlarms() int {
	if s.numAlarms.Load() == 0 {
		return 0
	}
	s.updateNow()
	endAlarms := s.Now()
	var toRun []func()
	s.alarmMu.Lock()
	for len(s.alarmTimeouts) > 0 && !s.alarmTimeouts[0].deadline.After(endAlarms) {
		entry := heap.Pop(&s.alarmTimeouts).(alarmEntry)
		if callback, ok := s.alarms[entry.id]; ok {
			toRun = append(toRun, callback)
			delete(s.alarms, entry.id)
		}
	}
	s.numAlarms.Store(int64(len(s.alarms)))
	if len(s.alarmTimeouts) == 0 {
		s.nextAlarmNanos.Store(noAlarm)
	} else {
		s.nextAlarmNanos.Store(s.alarmTimeouts[0].deadline.UnixNano())
	}
	s.alarmMu.Unlock()
	for _, callback := range toRun {
		callback()
	}
	return len(toRun)
}

// Loop 运行主循环,阻塞当前goroutine直到循环结束
//
// 循环独占一个OS线程;后端等待失败将中止循环并返回错误。
// 退出时关闭全部已注册对象、排空延迟任务,并调用 call-on-close
// 返回值:
//   - error 正常退出返回 nil,后端失败返回对应错误
func (s *Selector) Loop() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if !s.tid.CompareAndSwap(0, curThreadId()) {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"选择器循环已在运行")
	}
	defer s.tid.Store(0)
	s.shouldEnd.Store(false)

	for !s.shouldEnd.Load() {
		loopTimeout := s.params.DefaultLoopTimeout
		s.updateNow()
		if s.hasTasks.Load() {
			loopTimeout = 0
		} else if next := s.nextAlarmNanos.Load(); next != noAlarm {
			delta := time.Duration(next - s.now.Load())
			if delta <= 0 {
				loopTimeout = 0
			} else if delta < loopTimeout {
				loopTimeout = delta
			}
		}
		events, err := s.loop.Wait(loopTimeout)
		if err != nil {
			return netstatus.Wrap(netstatus.Internal, err, "选择器循环等待失败")
		}
		s.updateNow()
		for _, event := range events {
			sel := event.Selectable
			if sel == nil || sel.Selector() != network.Selector(s) {
				// 唤醒描述符的事件,或对象已在本步中被注销
				continue
			}
			// 处理器执行中对象可能关闭自身,据fd有效性停止后续分发
			keepProcessing := true
			if event.Desires&network.WantError != 0 {
				keepProcessing = sel.HandleErrorEvent(event) &&
					sel.Fd() != network.InvalidFd
			}
			if keepProcessing && event.Desires&network.WantRead != 0 {
				keepProcessing = sel.HandleReadEvent(event) &&
					sel.Fd() != network.InvalidFd
			}
			if keepProcessing && event.Desires&network.WantWrite != 0 {
				sel.HandleWriteEvent(event)
			}
		}
		s.loopCallbacks()
		s.loopAlarms()
	}
	if err := s.CleanAndCloseAll(); err != nil {
		log.Warnf("退出时关闭全部对象失败: %v", err)
	}
	// 延迟任务队列在退出前必须排空
	for s.hasTasks.Load() {
		s.runCallbacks(s.params.MaxCallbacksPerEvent)
	}
	if s.callOnClose != nil {
		s.callOnClose()
	}
	return nil
}

// Shutdown 释放选择器占用的内核资源,循环结束后调用
func (s *Selector) Shutdown() error {
	return multierr.Append(s.loop.Close(), s.closeSignalFds())
}

// IsHangUpEvent 判断原始事件位是否包含挂断信号
func (s *Selector) IsHangUpEvent(value uint32) bool { return s.loop.IsHangUpEvent(value) }

// IsRemoteHangUpEvent 判断原始事件位是否包含对端半关闭信号
func (s *Selector) IsRemoteHangUpEvent(value uint32) bool {
	return s.loop.IsRemoteHangUpEvent(value)
}

// IsAnyHangUpEvent 判断原始事件位是否包含任一挂断信号
func (s *Selector) IsAnyHangUpEvent(value uint32) bool { return s.loop.IsAnyHangUpEvent(value) }

// IsErrorEvent 判断原始事件位是否包含错误信号
func (s *Selector) IsErrorEvent(value uint32) bool { return s.loop.IsErrorEvent(value) }

// IsInputEvent 判断原始事件位是否包含输入信号
func (s *Selector) IsInputEvent(value uint32) bool { return s.loop.IsInputEvent(value) }
