package tcp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dep2p/netcore/core/iobuf"
	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"github.com/dep2p/netcore/net/dns"
	"github.com/dep2p/netcore/net/selector"
	"golang.org/x/sys/unix"
)

// shutdownTimeoutID 半关闭等待超时使用的标识
const shutdownTimeoutID TimeoutId = -100

// Connection 非阻塞TCP字节流连接
//
// 所有状态变更都发生在拥有它的选择器线程上;FlushAndClose、
// ForceClose 与 CloseCommunication 从其他线程调用时经延迟队列转投
type Connection struct {
	network.SelectableBase
	sel    *selector.Selector
	params ConnectionParams

	// 套接字文件描述符,无效时为 invalidFd
	fd    atomic.Int64
	state atomic.Int32

	mu            sync.Mutex
	localAddress  netaddr.HostPort
	remoteAddress netaddr.HostPort
	lastError     error
	// 解析期间收到关闭请求时记录是否调用关闭回调
	closeOnResolve    bool
	closeOnResolveSet bool

	connectHandler network.ConnectHandler
	readHandler    network.ReadHandler
	writeHandler   network.WriteHandler
	closeHandler   network.CloseHandler

	countBytesRead    atomic.Int64
	countBytesWritten atomic.Int64
	lastReadNanos     atomic.Int64
	lastWriteNanos    atomic.Int64

	readClosed  atomic.Bool
	writeClosed atomic.Bool

	// 远端到本端的数据,仅在选择器线程访问
	inbuf *iobuf.Chain
	// 本端到远端的数据,仅在选择器线程访问
	outbuf *iobuf.Chain

	// 本连接的超时管理
	timeouter *Timeouter
	// 域名解析器,默认使用进程级解析器
	resolver *dns.Resolver
}

var _ network.Conn = (*Connection)(nil)
var _ network.Selectable = (*Connection)(nil)

// NewConnection 构造一个未连接的TCP连接
// 参数:
//   - sel: *selector.Selector 拥有本连接的选择器
//   - params: ConnectionParams 配置参数
//
// 返回值:
//   - *Connection 构造的连接
func NewConnection(sel *selector.Selector, params ConnectionParams) *Connection {
	c := &Connection{
		SelectableBase: network.NewSelectableBase(nil),
		sel:            sel,
		params:         params,
		inbuf:          iobuf.NewChain(params.BlockSize),
		outbuf:         iobuf.NewChain(params.BlockSize),
	}
	c.fd.Store(invalidFd)
	c.state.Store(int32(network.Disconnected))
	c.readClosed.Store(true)
	c.writeClosed.Store(true)
	c.timeouter = NewTimeouter(sel, c.handleTimeoutEvent)
	return c
}

// SetResolver 替换本连接使用的域名解析器
// 未设置时使用进程级默认解析器
func (c *Connection) SetResolver(r *dns.Resolver) { c.resolver = r }

func (c *Connection) dnsResolver() *dns.Resolver {
	if c.resolver != nil {
		return c.resolver
	}
	return dns.Default()
}

// NetSelector 返回拥有本连接的选择器
func (c *Connection) NetSelector() *selector.Selector { return c.sel }

// Fd 返回套接字文件描述符
func (c *Connection) Fd() int { return int(c.fd.Load()) }

// State 返回连接当前的状态
func (c *Connection) State() network.ConnState {
	return network.ConnState(c.state.Load())
}

func (c *Connection) setState(s network.ConnState) {
	c.state.Store(int32(s))
}

// LastError 返回最近记录的错误
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Connection) setLastError(err error) {
	if err == nil {
		return
	}
	if c.params.DetailLog {
		log.Debugf("%s - 记录错误: %v", c.String(), err)
	}
	c.mu.Lock()
	if c.lastError == nil {
		c.lastError = err
	}
	c.mu.Unlock()
}

// CountBytesRead 返回累计读取的字节数
func (c *Connection) CountBytesRead() int64 { return c.countBytesRead.Load() }

// CountBytesWritten 返回累计写入的字节数
func (c *Connection) CountBytesWritten() int64 { return c.countBytesWritten.Load() }

// Inbuf 返回输入缓冲,仅在选择器线程访问
func (c *Connection) Inbuf() *iobuf.Chain { return c.inbuf }

// Outbuf 返回输出缓冲,仅在选择器线程访问
func (c *Connection) Outbuf() *iobuf.Chain { return c.outbuf }

// SetConnectHandler 设置连接建立回调
func (c *Connection) SetConnectHandler(h network.ConnectHandler) { c.connectHandler = h }

// SetReadHandler 设置数据读取回调
func (c *Connection) SetReadHandler(h network.ReadHandler) { c.readHandler = h }

// SetWriteHandler 设置数据写入回调
func (c *Connection) SetWriteHandler(h network.WriteHandler) { c.writeHandler = h }

// SetCloseHandler 设置关闭回调
func (c *Connection) SetCloseHandler(h network.CloseHandler) { c.closeHandler = h }

// ClearAllHandlers 清除全部回调
func (c *Connection) ClearAllHandlers() {
	c.connectHandler = nil
	c.readHandler = nil
	c.writeHandler = nil
	c.closeHandler = nil
}

// GetLocalAddress 返回本端地址
func (c *Connection) GetLocalAddress() *netaddr.HostPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.localAddress
	return &addr
}

// GetRemoteAddress 返回远端地址
func (c *Connection) GetRemoteAddress() *netaddr.HostPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.remoteAddress
	return &addr
}

// String 返回连接的人类可读描述
func (c *Connection) String() string {
	return fmt.Sprintf("TcpConnection [ %s => %s (fd: %d, state: %s) ]",
		c.GetLocalAddress().String(), c.GetRemoteAddress().String(),
		c.fd.Load(), c.State().String())
}

// Write 将数据追加到输出缓冲并登记写事件
// 仅在选择器线程调用;从事件回调中调用是典型用法
// 参数:
//   - data: []byte 写出的数据
func (c *Connection) Write(data []byte) {
	c.outbuf.Write(data)
	if err := c.RequestWriteEvents(true); err != nil {
		log.Warnf("%s - 登记写事件失败: %v", c.String(), err)
	}
}

// Connect 向远端地址发起连接
//
// 远端未解析时进入 Resolving 状态并提交异步DNS解析,解析完成后
// 以选取的地址重新进入本方法;已解析时创建套接字并发起非阻塞
// 连接,首个I/O事件将状态提升为 Connected 并调用连接回调
// 参数:
//   - remote: *netaddr.HostPort 远端地址
//
// 返回值:
//   - error 状态非法、地址非法或内核调用失败时返回错误
func (c *Connection) Connect(remote *netaddr.HostPort) error {
	state := c.State()
	if state != network.Disconnected && state != network.Resolving {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"连接状态非法,无法发起连接: %s", state)
	}
	if c.fd.Load() != invalidFd {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"连接的套接字已创建")
	}
	if remote.Port() == 0 {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"TCP连接的远端地址未指定端口: %s", remote.String())
	}
	// 需要时先进行DNS解析
	if state == network.Disconnected && !remote.IsResolved() {
		host, ok := remote.Host()
		if !ok {
			return netstatus.Errorf(netstatus.InvalidArgument,
				"TCP连接的远端地址未指定主机或IP: %s", remote.String())
		}
		c.mu.Lock()
		c.remoteAddress = *remote
		c.mu.Unlock()
		if c.params.DetailLog {
			log.Debugf("%s - 开始DNS解析", c.String())
		}
		c.setState(network.Resolving)
		c.dnsResolver().ResolveAsync(host, func(info *dns.HostInfo, err error) {
			c.handleDnsResult(info, err)
		})
		return nil
	}

	sa, err := remote.ToSockaddr()
	if err != nil {
		return err
	}
	ip, _ := remote.IP()
	fd, err := newStreamSocket(ip.IsIPv6())
	if err != nil {
		return err
	}
	c.fd.Store(int64(fd))
	if err := c.setSocketOptions(); err != nil {
		c.closeFd()
		return err
	}
	if err := c.sel.Register(c); err != nil {
		c.closeFd()
		return err
	}

	c.mu.Lock()
	c.remoteAddress = *remote
	c.mu.Unlock()
	c.setState(network.Connecting)
	c.readClosed.Store(false)
	c.writeClosed.Store(false)

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		cerr := netstatus.FromErrno(err, "发起连接失败: %s", remote.String())
		c.internalClose(cerr, false)
		return cerr
	}
	// EINPROGRESS 是预期路径;即使连接立即完成,也统一等待
	// 首个读写事件再进入 Connected
	if err := c.RequestWriteEvents(true); err != nil {
		c.internalClose(err, false)
		return err
	}
	if err := c.RequestReadEvents(true); err != nil {
		c.internalClose(err, false)
		return err
	}
	if c.params.DetailLog {
		log.Debugf("%s - 连接中", c.String())
	}
	return nil
}

// Wrap 接管一个已连接的文件描述符
// 监听器以此初始化接受的连接;本端与远端地址从套接字读取
// 参数:
//   - fd: int 已连接的套接字
//
// 返回值:
//   - error 设置选项、注册或读取地址失败时返回错误
func (c *Connection) Wrap(fd int) error {
	if c.fd.Load() != invalidFd {
		return netstatus.Errorf(netstatus.FailedPrecondition,
			"只能在未连接的连接上接管套接字")
	}
	c.fd.Store(int64(fd))
	cleanup := func() { c.fd.Store(invalidFd) }
	if err := c.setSocketOptions(); err != nil {
		cleanup()
		return err
	}
	if err := c.sel.Register(c); err != nil {
		cleanup()
		return err
	}
	if err := c.initializeLocalAddress(); err != nil {
		c.unregisterAndInvalidate()
		return err
	}
	if err := c.initializeRemoteAddress(); err != nil {
		c.unregisterAndInvalidate()
		return err
	}
	if err := c.RequestReadEvents(true); err != nil {
		c.unregisterAndInvalidate()
		return err
	}
	c.readClosed.Store(false)
	c.writeClosed.Store(false)
	c.setState(network.Connected)
	return nil
}

// unregisterAndInvalidate 接管失败时的回退:注销并放弃fd
// 套接字本身仍归调用方关闭
func (c *Connection) unregisterAndInvalidate() {
	if err := c.sel.Unregister(c); err != nil {
		log.Warnf("%s - 注销连接失败: %v", c.String(), err)
	}
	c.fd.Store(invalidFd)
}

// closeFd 关闭并放弃当前的fd,用于建立早期的失败路径
func (c *Connection) closeFd() {
	fd := c.fd.Swap(invalidFd)
	if fd == invalidFd {
		return
	}
	if err := unix.Close(int(fd)); err != nil {
		log.Warnf("%s - 关闭套接字失败: %v", c.String(), err)
	}
}

// FlushAndClose 排空输出缓冲后正常关闭,任意线程可调用
func (c *Connection) FlushAndClose() {
	if !c.sel.IsInSelectThread() {
		c.sel.RunInSelectLoop(c.FlushAndClose)
		return
	}
	if c.params.DetailLog {
		log.Debugf("%s - 排空并关闭", c.String())
	}
	c.CloseCommunication(network.CloseWrite)
}

// ForceClose 立即关闭连接,任意线程可调用
func (c *Connection) ForceClose() {
	if !c.sel.IsInSelectThread() {
		c.sel.RunInSelectLoop(c.ForceClose)
		return
	}
	if c.params.DetailLog {
		log.Debugf("%s - 强制关闭", c.String())
	}
	c.internalClose(nil, true)
}

// Close 实现 Selectable 接口的关闭
func (c *Connection) Close() {
	c.internalClose(nil, true)
}

// CloseCommunication 关闭指定方向的通信,任意线程可调用
//
// CloseRead 无需处理;CloseWrite 与 CloseReadWrite 使已连接的
// 连接进入 Flushing 并登记写事件,输出缓冲排空后执行真正的半关闭
// 参数:
//   - directive: network.CloseDirective 关闭的方向
func (c *Connection) CloseCommunication(directive network.CloseDirective) {
	if c.fd.Load() == invalidFd {
		return
	}
	if !c.sel.IsInSelectThread() {
		c.sel.RunInSelectLoop(func() { c.CloseCommunication(directive) })
		return
	}
	if c.params.DetailLog {
		log.Debugf("%s - 关闭通信: %s", c.String(), directive)
	}
	state := c.State()
	if (directive == network.CloseWrite || directive == network.CloseReadWrite) &&
		!c.writeClosed.Load() &&
		(state == network.Connected || state == network.Flushing) {
		// 对端半关闭可能已使连接进入 Flushing,此处仍需登记写事件,
		// 否则排空后的 shutdown(write) 无人触发
		c.setState(network.Flushing)
		if err := c.RequestWriteEvents(true); err != nil {
			log.Warnf("%s - 登记写事件失败: %v", c.String(), err)
		}
		// 输出缓冲排空后执行 shutdown(write) 并置 writeClosed
	}
}

// SetSendBufferSize 设置内核发送缓冲大小
func (c *Connection) SetSendBufferSize(size int) error {
	return netstatus.FromErrno(
		unix.SetsockoptInt(int(c.fd.Load()), unix.SOL_SOCKET, unix.SO_SNDBUF, size),
		"设置发送缓冲大小 %d 失败", size)
}

// SetRecvBufferSize 设置内核接收缓冲大小
func (c *Connection) SetRecvBufferSize(size int) error {
	return netstatus.FromErrno(
		unix.SetsockoptInt(int(c.fd.Load()), unix.SOL_SOCKET, unix.SO_RCVBUF, size),
		"设置接收缓冲大小 %d 失败", size)
}

// RequestReadEvents 开关读事件关注
func (c *Connection) RequestReadEvents(enable bool) error {
	return c.sel.EnableReadCallback(c, enable)
}

// RequestWriteEvents 开关写事件关注
func (c *Connection) RequestWriteEvents(enable bool) error {
	return c.sel.EnableWriteCallback(c, enable)
}

// setSocketOptions 设置套接字选项:非阻塞、关闭Nagle缓冲、
// 以及配置的内核缓冲大小
func (c *Connection) setSocketOptions() error {
	fd := int(c.fd.Load())
	if fd == invalidFd {
		return netstatus.Errorf(netstatus.FailedPrecondition, "套接字未创建")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return netstatus.FromErrno(err, "设置非阻塞失败")
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return netstatus.FromErrno(err, "设置TCP_NODELAY失败")
	}
	if err := setNoSigpipe(fd); err != nil {
		return netstatus.FromErrno(err, "设置SO_NOSIGPIPE失败")
	}
	if c.params.SendBufferSize > 0 {
		if err := c.SetSendBufferSize(c.params.SendBufferSize); err != nil {
			return err
		}
	}
	if c.params.RecvBufferSize > 0 {
		if err := c.SetRecvBufferSize(c.params.RecvBufferSize); err != nil {
			return err
		}
	}
	return nil
}

// initializeLocalAddress 从套接字读取本端地址
func (c *Connection) initializeLocalAddress() error {
	sa, err := unix.Getsockname(int(c.fd.Load()))
	if err != nil {
		return netstatus.FromErrno(err, "getsockname失败")
	}
	hp, err := netaddr.ParseFromSockaddr(sa)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.localAddress.Update(hp)
	c.mu.Unlock()
	return nil
}

// initializeRemoteAddress 从套接字读取远端地址
func (c *Connection) initializeRemoteAddress() error {
	sa, err := unix.Getpeername(int(c.fd.Load()))
	if err != nil {
		return netstatus.FromErrno(err, "getpeername失败")
	}
	hp, err := netaddr.ParseFromSockaddr(sa)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteAddress.Update(hp)
	c.mu.Unlock()
	return nil
}

// HandleReadEvent 处理可读事件
//
// Connecting 状态下首个事件完成连接建立;否则执行一次缓冲读取,
// 有数据时调用应用读取回调。读到文件结束、写半已关闭或处于
// Flushing 时置 readClosed,调用关闭回调并停掉读事件关注
func (c *Connection) HandleReadEvent(event network.EventData) bool {
	state := c.State()
	if state == network.Disconnected {
		return false
	}
	if state == network.Connecting {
		return c.performConnectOnFirstOperation()
	}
	if state != network.Connected && state != network.Flushing {
		return false
	}
	n, eof, err := c.performRead()
	if err != nil {
		c.internalClose(err, true)
		return false
	}
	if n > 0 && c.readHandler != nil {
		if herr := c.readHandler(); herr != nil {
			c.internalClose(herr, true)
			return false
		}
	}
	if eof || c.writeClosed.Load() || c.State() == network.Flushing {
		c.readClosed.Store(true)
	}
	if c.readClosed.Load() {
		c.callCloseHandler(nil, network.CloseRead)
		if c.fd.Load() != invalidFd {
			// 水平触发的可读事件会持续到来,必须停掉关注
			if rerr := c.RequestReadEvents(false); rerr != nil {
				c.internalClose(rerr, true)
				return false
			}
		}
	}
	return true
}

// performRead 从套接字执行一次缓冲读取
// 返回值:
//   - int 读取的字节数
//   - bool 是否读到文件结束
//   - error 内核调用失败时返回错误
func (c *Connection) performRead() (int, bool, error) {
	fd := int(c.fd.Load())
	count, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	if err != nil {
		return 0, false, netstatus.FromErrno(err, "执行FIONREAD失败")
	}
	if c.params.ReadLimit > 0 && count > c.params.ReadLimit {
		count = c.params.ReadLimit
	}
	if count <= 0 {
		// 可读事件下没有待读字节,以一次真实读取确认是否对端关闭
		count = 1
	}
	buf := make([]byte, count)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, false, nil
		}
		return 0, false, netstatus.FromErrno(err, "读取套接字失败")
	}
	if n == 0 {
		return 0, true, nil
	}
	c.inbuf.Append(buf[:n])
	c.countBytesRead.Add(int64(n))
	c.lastReadNanos.Store(c.sel.Now().UnixNano())
	return n, false, nil
}

// HandleWriteEvent 处理可写事件
//
// 以向量化写出输出缓冲中至多 WriteLimit 字节;非 Flushing 状态
// 调用应用写入回调;缓冲排空后停掉写事件关注,Flushing 状态下
// 执行 shutdown(write) 并启动半关闭等待超时
func (c *Connection) HandleWriteEvent(event network.EventData) bool {
	state := c.State()
	if state == network.Disconnected {
		return false
	}
	if state == network.Connecting {
		return c.performConnectOnFirstOperation()
	}
	if state != network.Connected && state != network.Flushing {
		return false
	}
	fd := int(c.fd.Load())
	if blocks := c.outbuf.Blocks(c.params.WriteLimit); len(blocks) > 0 {
		n, err := unix.Writev(fd, blocks)
		if err != nil && err != unix.EAGAIN {
			c.internalClose(netstatus.FromErrno(err, "写出套接字失败"), true)
			return false
		}
		if n > 0 {
			c.outbuf.Skip(n)
			c.countBytesWritten.Add(int64(n))
			c.lastWriteNanos.Store(c.sel.Now().UnixNano())
		}
	}
	if c.State() != network.Flushing && c.writeHandler != nil {
		if herr := c.writeHandler(); herr != nil {
			c.internalClose(herr, true)
			return false
		}
	}
	if c.outbuf.Len() > 0 {
		return true
	}
	if err := c.RequestWriteEvents(false); err != nil {
		c.internalClose(err, true)
		return false
	}
	if c.State() != network.Flushing {
		return true
	}
	// Flushing 且缓冲已排空:执行写半关闭
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		c.internalClose(netstatus.FromErrno(err, "排空后shutdown失败"), true)
		return false
	}
	c.writeClosed.Store(true)
	// 对端收到RDHUP后应当关闭连接并以HUP通知我们;
	// 超过等待时限则强制关闭
	c.timeouter.SetTimeout(shutdownTimeoutID, c.params.ShutdownLingerTimeout)
	return true
}

// HandleErrorEvent 处理错误事件
//
// 纯错误取出 SO_ERROR 并以其关闭连接;HUP 标记写半关闭,有待读
// 数据时继续读取排空,否则关闭;RDHUP 进入 Flushing,同样在排空
// 待读数据后关闭
func (c *Connection) HandleErrorEvent(event network.EventData) bool {
	state := c.State()
	if state == network.Disconnected {
		return false
	}
	value := event.InternalEvent
	if c.sel.IsErrorEvent(value) {
		err := extractSocketErrno(int(c.fd.Load()))
		c.internalClose(netstatus.Wrap(netstatus.Internal, err,
			"连接套接字上检测到错误"), true)
		return false
	}
	if c.sel.IsHangUpEvent(value) {
		// 对端已完全关闭连接
		c.writeClosed.Store(true)
		if state != network.Connecting && c.sel.IsInputEvent(value) {
			// 还有待读数据,交给后续读事件排空;HUP会持续触发
			if c.params.DetailLog {
				log.Debugf("%s - 检测到HUP,继续读取剩余数据", c.String())
			}
			return true
		}
		if c.params.DetailLog {
			log.Debugf("%s - 检测到HUP,关闭连接", c.String())
		}
		c.internalClose(nil, true)
		return false
	}
	if c.sel.IsRemoteHangUpEvent(value) {
		// 对端关闭了写半,本端进入排空
		c.setState(network.Flushing)
		if state != network.Connecting && c.sel.IsInputEvent(value) {
			if c.params.DetailLog {
				log.Debugf("%s - 检测到对端半关闭,继续读取剩余数据", c.String())
			}
			return true
		}
		if c.params.DetailLog {
			log.Debugf("%s - 检测到对端半关闭,关闭连接", c.String())
		}
		c.internalClose(nil, true)
		return false
	}
	return true
}

// performConnectOnFirstOperation 首个I/O事件上完成连接建立
func (c *Connection) performConnectOnFirstOperation() bool {
	c.setState(network.Connected)
	if err := c.initializeLocalAddress(); err != nil {
		log.Warnf("%s - 连接建立时读取本端地址失败: %v", c.String(), err)
	}
	if c.connectHandler != nil {
		c.connectHandler()
	} else {
		log.Warnf("%s - 未设置连接建立回调", c.String())
	}
	// 应用可能在回调中关闭了连接
	return c.State() == network.Connected
}

// handleDnsResult 处理异步DNS解析结果
// 解析线程的调用被按值转投到选择器线程执行
func (c *Connection) handleDnsResult(info *dns.HostInfo, err error) {
	if !c.sel.IsInSelectThread() {
		c.sel.RunInSelectLoop(func() { c.handleDnsResult(info, err) })
		return
	}
	if c.State() != network.Resolving {
		return
	}
	c.mu.Lock()
	closeRequested := c.closeOnResolveSet
	callHandler := c.closeOnResolve
	c.mu.Unlock()
	if closeRequested {
		if c.params.DetailLog {
			log.Debugf("%s - 解析完成,但期间已请求关闭", c.String())
		}
		// 解析期间请求的关闭在此兑现
		c.setState(network.Disconnected)
		c.finishClose(c.LastError(), callHandler)
		return
	}
	status := err
	if status == nil {
		ip, ok := info.PickNextAddress()
		if !ok {
			status = netstatus.Errorf(netstatus.Internal,
				"未解析到有效的IP地址: %s", c.String())
		} else {
			c.mu.Lock()
			c.remoteAddress.SetIP(ip)
			connectAddr := c.remoteAddress
			c.mu.Unlock()
			if c.params.DetailLog {
				log.Debugf("%s - 解析完成", c.String())
			}
			status = c.Connect(&connectAddr)
		}
	}
	if status != nil {
		c.setLastError(status)
		// 此时可能仍处于 Resolving(无套接字),直接完成关闭
		c.setState(network.Disconnected)
		c.finishClose(status, true)
	}
}

// handleTimeoutEvent 超时管理器的触发入口
func (c *Connection) handleTimeoutEvent(timeoutID TimeoutId) {
	if timeoutID != shutdownTimeoutID {
		log.Warnf("%s - 收到未知的超时标识: %d", c.String(), timeoutID)
	}
	c.internalClose(nil, true)
}

// internalClose 立即关闭底层文件描述符
// 只能在选择器线程调用;Resolving 状态下延迟到解析完成后执行
func (c *Connection) internalClose(status error, callCloseHandler bool) {
	if c.State() == network.Disconnected {
		return
	}
	c.setLastError(status)
	if c.State() == network.Resolving {
		if c.params.DetailLog {
			log.Debugf("%s - 解析进行中,关闭延后", c.String())
		}
		c.mu.Lock()
		c.closeOnResolve = callCloseHandler
		c.closeOnResolveSet = true
		c.mu.Unlock()
		return
	}
	c.setState(network.Disconnected)
	c.finishClose(status, callCloseHandler)
}

// finishClose 完成关闭:注销、断开套接字并触发关闭回调
func (c *Connection) finishClose(status error, callCloseHandler bool) {
	fd := c.fd.Load()
	if fd != invalidFd {
		if err := c.sel.Unregister(c); err != nil {
			log.Warnf("%s - 从选择器注销失败: %v", c.String(), err)
		}
		if err := unix.Shutdown(int(fd), unix.SHUT_RDWR); err != nil &&
			err != unix.ENOTCONN {
			log.Warnf("%s - shutdown失败: %v", c.String(), err)
		}
		if err := unix.Close(int(fd)); err != nil {
			log.Warnf("%s - close失败: %v", c.String(), err)
		}
		c.fd.Store(invalidFd)
	}
	c.readClosed.Store(true)
	c.writeClosed.Store(true)
	c.timeouter.ClearAllTimeouts()
	if c.inbuf.Len() > 0 {
		log.Warnf("%s - 关闭时输入缓冲仍有 %d 字节未消费",
			c.String(), c.inbuf.Len())
	}
	if c.outbuf.Len() > 0 {
		log.Warnf("%s - 关闭时输出缓冲仍有 %d 字节未写出",
			c.String(), c.outbuf.Len())
	}
	c.inbuf.Clear()
	c.outbuf.Clear()
	if callCloseHandler {
		c.callCloseHandler(status, network.CloseReadWrite)
	}
}

// callCloseHandler 调用关闭回调,未设置时退化为排空关闭
func (c *Connection) callCloseHandler(status error, directive network.CloseDirective) {
	if c.closeHandler != nil {
		c.closeHandler(status, directive)
		return
	}
	if c.params.DetailLog {
		log.Debugf("%s - 未设置关闭回调", c.String())
	}
	c.FlushAndClose()
}
