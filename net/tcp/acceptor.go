package tcp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"github.com/dep2p/netcore/net/selector"
	tec "github.com/jbenet/go-temp-err-catcher"
	"golang.org/x/sys/unix"
)

// AcceptorStatistics 监听器的运行统计
type AcceptorStatistics struct {
	// HangUpsHandled 监听套接字上收到的挂断事件数
	HangUpsHandled atomic.Uint64
	// ErrorsHandled 监听套接字上收到的错误事件数,错误即关闭,至多为1
	ErrorsHandled atomic.Uint64
	// PeerParseErrors 解析对端地址失败的次数
	PeerParseErrors atomic.Uint64
	// FilteredConnections 被过滤回调拒绝的连接数
	FilteredConnections atomic.Uint64
	// ConnectionsAcceptScheduled 已调度到目标选择器初始化的连接数
	ConnectionsAcceptScheduled atomic.Uint64
	// ConnectionsAccepted 在目标选择器上开始初始化的连接数
	ConnectionsAccepted atomic.Uint64
	// ConnectionWrapErrors 接管套接字失败的连接数
	ConnectionWrapErrors atomic.Uint64
	// ConnectionsInitialized 成功初始化并交付应用的连接数
	ConnectionsInitialized atomic.Uint64
}

// Acceptor TCP监听器
//
// Listen 后进入 Listening 状态;每个可读事件执行一次 accept,
// 新连接经过滤回调后按轮转交给配置的选择器线程池完成初始化
type Acceptor struct {
	network.SelectableBase
	sel    *selector.Selector
	params AcceptorParams

	fd    atomic.Int64
	state atomic.Int32

	mu           sync.Mutex
	localAddress netaddr.HostPort
	lastError    error

	filterHandler network.FilterHandler
	acceptHandler network.AcceptHandler
	closeHandler  network.AcceptorCloseHandler

	stats AcceptorStatistics
}

var _ network.Acceptor = (*Acceptor)(nil)
var _ network.Selectable = (*Acceptor)(nil)

// NewAcceptor 构造一个未监听的TCP监听器
// 参数:
//   - sel: *selector.Selector 拥有监听套接字的选择器
//   - params: AcceptorParams 配置参数
//
// 返回值:
//   - *Acceptor 构造的监听器
func NewAcceptor(sel *selector.Selector, params AcceptorParams) *Acceptor {
	if params.AcceptorThreads == nil {
		params.AcceptorThreads = &AcceptorThreads{}
	}
	a := &Acceptor{
		SelectableBase: network.NewSelectableBase(nil),
		sel:            sel,
		params:         params,
	}
	a.fd.Store(invalidFd)
	a.state.Store(int32(network.AcceptorDisconnected))
	return a
}

// Stats 返回监听器的运行统计
func (a *Acceptor) Stats() *AcceptorStatistics { return &a.stats }

// Fd 返回监听套接字文件描述符
func (a *Acceptor) Fd() int { return int(a.fd.Load()) }

// State 返回监听器当前的状态
func (a *Acceptor) State() network.AcceptorState {
	return network.AcceptorState(a.state.Load())
}

func (a *Acceptor) setState(s network.AcceptorState) {
	a.state.Store(int32(s))
}

// LocalAddress 返回实际绑定的本地地址
func (a *Acceptor) LocalAddress() *netaddr.HostPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.localAddress
	return &addr
}

// LastError 返回最近记录的错误
func (a *Acceptor) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

func (a *Acceptor) setLastError(err error) {
	if err == nil {
		return
	}
	if a.params.DetailLog {
		log.Debugf("%s - 记录错误: %v", a.String(), err)
	}
	a.mu.Lock()
	if a.lastError == nil {
		a.lastError = err
	}
	a.mu.Unlock()
}

// SetFilterHandler 设置连接过滤回调
func (a *Acceptor) SetFilterHandler(h network.FilterHandler) { a.filterHandler = h }

// SetAcceptHandler 设置连接交付回调
func (a *Acceptor) SetAcceptHandler(h network.AcceptHandler) { a.acceptHandler = h }

// SetCloseHandler 设置关闭回调
func (a *Acceptor) SetCloseHandler(h network.AcceptorCloseHandler) { a.closeHandler = h }

// String 返回监听器的人类可读描述
func (a *Acceptor) String() string {
	return fmt.Sprintf("TcpAcceptor [ %s state: %s fd: %d ]",
		a.LocalAddress().String(), a.State().String(), a.fd.Load())
}

// Listen 在本地地址上开始监听
//
// 创建监听套接字、设置选项、bind 与 listen,注册到选择器后
// 从套接字读回实际绑定的地址(支持端口0语义)并进入 Listening;
// 任一步骤失败都关闭套接字并保持 Disconnected
// 参数:
//   - local: *netaddr.HostPort 监听地址,端口可以为0
//
// 返回值:
//   - error 状态非法或内核调用失败时返回错误
func (a *Acceptor) Listen(local *netaddr.HostPort) error {
	if a.fd.Load() != invalidFd {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"监听套接字已存在,无法重复监听: %s", a.String())
	}
	if a.State() != network.AcceptorDisconnected {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"非断开状态的监听器无法监听: %s", a.String())
	}
	sa, ipv6 := listenSockaddr(local)
	fd, err := newStreamSocket(ipv6)
	if err != nil {
		return err
	}
	a.fd.Store(int64(fd))
	cleanup := func() {
		a.closeFd()
	}
	if err := a.setSocketOptions(); err != nil {
		cleanup()
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		cleanup()
		return netstatus.FromErrno(err, "bind失败: %s", local.String())
	}
	if err := unix.Listen(fd, a.params.MaxBacklog); err != nil {
		cleanup()
		return netstatus.FromErrno(err, "listen失败: %s", local.String())
	}
	if err := a.sel.Register(a); err != nil {
		cleanup()
		return err
	}
	// 从套接字读回实际绑定的地址,端口0时在此获知系统分配的端口
	if err := a.initializeLocalAddress(); err != nil {
		if uerr := a.sel.Unregister(a); uerr != nil {
			log.Warnf("%s - 注销监听器失败: %v", a.String(), uerr)
		}
		cleanup()
		return err
	}
	if a.params.DetailLog {
		log.Debugf("%s - 已绑定并监听", a.String())
	}
	a.setState(network.AcceptorListening)
	// 读事件默认已开启
	return nil
}

// setSocketOptions 设置监听套接字选项:非阻塞与地址快速复用
func (a *Acceptor) setSocketOptions() error {
	fd := int(a.fd.Load())
	if fd == invalidFd {
		return netstatus.Errorf(netstatus.FailedPrecondition, "监听套接字未创建")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return netstatus.FromErrno(err, "设置非阻塞失败")
	}
	// 不设置SO_REUSEADDR时,关闭套接字后端口会进入约1分钟的
	// 等待状态,期间bind返回EADDRINUSE
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return netstatus.FromErrno(err, "设置SO_REUSEADDR失败")
	}
	if err := setNoSigpipe(fd); err != nil {
		return netstatus.FromErrno(err, "设置SO_NOSIGPIPE失败")
	}
	return nil
}

// initializeLocalAddress 从套接字读取实际绑定的本地地址
func (a *Acceptor) initializeLocalAddress() error {
	sa, err := unix.Getsockname(int(a.fd.Load()))
	if err != nil {
		return netstatus.FromErrno(err, "getsockname失败: %s", a.String())
	}
	hp, err := netaddr.ParseFromSockaddr(sa)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.localAddress.Update(hp)
	a.mu.Unlock()
	return nil
}

// HandleReadEvent 处理监听套接字的可读事件:接受一个新连接
//
// 临时性错误(对端在accept前离开等)忽略并继续监听;其他错误
// 停止接受。对端地址解析失败与被过滤的连接计入统计后继续;
// 通过的连接按轮转选取目标选择器并投递初始化
func (a *Acceptor) HandleReadEvent(event network.EventData) bool {
	clientFd, sa, err := unix.Accept(int(a.fd.Load()))
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR ||
			err == unix.ECONNABORTED || tec.ErrIsTemporary(err) {
			return true
		}
		log.Warnf("%s - accept失败,监听器将停止接受: %v", a.String(), err)
		a.internalClose(netstatus.FromErrno(err, "accept失败: %s", a.String()))
		return false
	}
	peer, perr := netaddr.ParseFromSockaddr(sa)
	if perr != nil {
		log.Warnf("无法从sockaddr解析对端地址: %v - 关闭该连接", perr)
		a.stats.PeerParseErrors.Add(1)
		unix.Close(clientFd)
		return true
	}
	if a.filterHandler != nil && !a.filterHandler(peer) {
		if a.params.DetailLog {
			log.Debugf("%s - 连接被过滤: %s", a.String(), peer.String())
		}
		a.stats.FilteredConnections.Add(1)
		unix.Close(clientFd)
		return true
	}
	a.stats.ConnectionsAcceptScheduled.Add(1)
	if a.params.DetailLog {
		log.Debugf("%s - 接受来自 %s 的连接", a.String(), peer.String())
	}
	targetSel := a.params.AcceptorThreads.NextSelector()
	if targetSel != nil && targetSel != a.sel {
		targetSel.RunInSelectLoop(func() {
			a.initializeAcceptedConnection(targetSel, clientFd)
		})
	} else {
		a.initializeAcceptedConnection(a.sel, clientFd)
	}
	return true
}

// HandleWriteEvent 监听套接字不应收到写事件
func (a *Acceptor) HandleWriteEvent(event network.EventData) bool {
	log.Warnf("%s - 监听套接字上收到写事件", a.String())
	return false
}

// HandleErrorEvent 处理监听套接字的错误事件
// 挂断事件记入统计后继续监听;真实错误取出 SO_ERROR 并关闭监听器
func (a *Acceptor) HandleErrorEvent(event network.EventData) bool {
	value := event.InternalEvent
	if a.sel.IsAnyHangUpEvent(value) {
		if a.params.DetailLog {
			log.Debugf("%s - 监听套接字上收到挂断事件", a.String())
		}
		a.stats.HangUpsHandled.Add(1)
		return true
	}
	if a.sel.IsErrorEvent(value) {
		err := extractSocketErrno(int(a.fd.Load()))
		a.stats.ErrorsHandled.Add(1)
		a.internalClose(netstatus.Wrap(netstatus.Internal, err,
			"监听套接字上检测到错误: %s", a.String()))
		return false
	}
	return true
}

// initializeAcceptedConnection 在目标选择器上初始化新接受的连接
// 在目标选择器的线程中执行;交付回调同样运行在该线程上
func (a *Acceptor) initializeAcceptedConnection(sel *selector.Selector, clientFd int) {
	a.stats.ConnectionsAccepted.Add(1)
	client := NewConnection(sel, a.params.ConnectionParams)
	if err := client.Wrap(clientFd); err != nil {
		a.stats.ConnectionWrapErrors.Add(1)
		log.Warnf("接管新连接的套接字失败: fd=%d err=%v", clientFd, err)
		unix.Close(clientFd)
		return
	}
	a.stats.ConnectionsInitialized.Add(1)
	if a.params.DetailLog {
		log.Debugf("%s - 新连接初始化完成: %s", a.String(), client.String())
	}
	if a.acceptHandler != nil {
		a.acceptHandler(client)
	} else {
		log.Warnf("%s - 未设置连接交付回调,连接将被关闭: %s",
			a.String(), client.String())
		client.ForceClose()
	}
}

// Close 关闭监听器,任意线程可调用
func (a *Acceptor) Close() {
	if !a.sel.IsInSelectThread() {
		a.sel.RunInSelectLoop(a.Close)
		return
	}
	if a.params.DetailLog {
		log.Debugf("%s - 关闭监听器", a.String())
	}
	a.internalClose(nil)
}

// closeFd 关闭并放弃监听套接字
func (a *Acceptor) closeFd() {
	fd := a.fd.Swap(invalidFd)
	if fd == invalidFd {
		return
	}
	if err := unix.Close(int(fd)); err != nil {
		log.Warnf("%s - 关闭监听套接字失败: %v", a.String(), err)
	}
}

// internalClose 关闭监听套接字并触发关闭回调
func (a *Acceptor) internalClose(status error) {
	a.setLastError(status)
	if a.fd.Load() == invalidFd {
		return
	}
	if err := a.sel.Unregister(a); err != nil {
		log.Warnf("%s - 从选择器注销失败: %v", a.String(), err)
	}
	a.closeFd()
	a.setState(network.AcceptorDisconnected)
	if a.closeHandler != nil {
		a.closeHandler(status)
	}
}
