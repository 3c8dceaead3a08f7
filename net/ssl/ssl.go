// Package ssl 在TCP连接之上实现TLS记录信封的状态机
//
// 记录层密码学处理委托给可插拔的 Engine;本包负责信封状态机:
// 在 Connected 之前增加一个交替读写的握手阶段,握手完成后在
// 引擎与连接缓冲之间搬运明文,排空关闭前先发送关闭通知记录
package ssl

import (
	logging "github.com/dep2p/log"
	"github.com/dep2p/netcore/core/iobuf"
	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/core/network"
	"github.com/dep2p/netcore/net/selector"
	"github.com/dep2p/netcore/net/tcp"
)

// log 用于记录TLS信封相关的日志
var log = logging.Logger("net-ssl")

// Engine TLS记录层引擎
//
// 实现由应用绑定具体的密码学库;引擎按记录处理字节,
// 不关心传输与事件循环
type Engine interface {
	// HandshakeStep 推进一步握手
	// 参数:
	//   - inbound: []byte 收到的握手密文,可以为空
	//
	// 返回值:
	//   - []byte 需要发给对端的握手密文,可以为空
	//   - bool 握手是否完成
	//   - error 引擎报告的致命错误
	HandshakeStep(inbound []byte) ([]byte, bool, error)

	// Seal 将明文封装为密文记录
	Seal(plaintext []byte) ([]byte, error)
	// Open 将密文记录解封为明文
	Open(ciphertext []byte) ([]byte, error)
	// CloseNotify 返回关闭通知记录
	CloseNotify() []byte
}

// EngineFactory 构造一个引擎实例
// 参数:
//   - server: bool 是否为服务端
type EngineFactory func(server bool) (Engine, error)

// ConnectionParams TLS连接的配置参数
type ConnectionParams struct {
	// Engine 记录层引擎工厂
	Engine EngineFactory
	// TcpParams 底层TCP连接的配置参数
	TcpParams tcp.ConnectionParams
}

// AcceptorParams TLS监听器的配置参数
type AcceptorParams struct {
	// TcpParams 底层TCP监听器的配置参数
	TcpParams tcp.AcceptorParams
	// SslParams 接受的TLS连接的配置参数
	SslParams ConnectionParams
}

// Connection TCP连接之上的TLS信封连接
type Connection struct {
	tcpConn *tcp.Connection
	params  ConnectionParams
	engine  Engine
	server  bool

	// 握手是否已完成
	handshaked bool
	// 解封后的明文输入
	inbuf *iobuf.Chain
	// 握手完成前暂存的明文输出
	pending *iobuf.Chain

	connectHandler network.ConnectHandler
	readHandler    network.ReadHandler
	closeHandler   network.CloseHandler
}

// NewConnection 构造一个TLS连接
// 参数:
//   - sel: *selector.Selector 拥有底层连接的选择器
//   - params: ConnectionParams 配置参数
//
// 返回值:
//   - *Connection 构造的连接
func NewConnection(sel *selector.Selector, params ConnectionParams) *Connection {
	c := &Connection{
		tcpConn: tcp.NewConnection(sel, params.TcpParams),
		params:  params,
		inbuf:   iobuf.NewChain(params.TcpParams.BlockSize),
		pending: iobuf.NewChain(params.TcpParams.BlockSize),
	}
	c.bindTcpHandlers()
	return c
}

// wrapAccepted 由监听器调用:把已接受的TCP连接升级为TLS连接
func wrapAccepted(tcpConn *tcp.Connection, params ConnectionParams) (*Connection, error) {
	engine, err := params.Engine(true)
	if err != nil {
		return nil, netstatus.Wrap(netstatus.Internal, err, "创建服务端TLS引擎失败")
	}
	c := &Connection{
		tcpConn: tcpConn,
		params:  params,
		engine:  engine,
		server:  true,
		inbuf:   iobuf.NewChain(params.TcpParams.BlockSize),
		pending: iobuf.NewChain(params.TcpParams.BlockSize),
	}
	c.bindTcpHandlers()
	// 服务端等待客户端的首个握手记录
	return c, nil
}

// bindTcpHandlers 把信封状态机挂到底层连接的事件回调上
func (c *Connection) bindTcpHandlers() {
	c.tcpConn.SetConnectHandler(c.onTcpConnect)
	c.tcpConn.SetReadHandler(c.onTcpRead)
	c.tcpConn.SetCloseHandler(c.onTcpClose)
}

// TcpConn 返回底层的TCP连接
func (c *Connection) TcpConn() *tcp.Connection { return c.tcpConn }

// Inbuf 返回明文输入缓冲,仅在选择器线程访问
func (c *Connection) Inbuf() *iobuf.Chain { return c.inbuf }

// SetConnectHandler 设置握手完成回调
func (c *Connection) SetConnectHandler(h network.ConnectHandler) { c.connectHandler = h }

// SetReadHandler 设置明文读取回调
func (c *Connection) SetReadHandler(h network.ReadHandler) { c.readHandler = h }

// SetCloseHandler 设置关闭回调
func (c *Connection) SetCloseHandler(h network.CloseHandler) { c.closeHandler = h }

// State 返回底层连接的状态;握手期间对外仍视作连接建立中
func (c *Connection) State() network.ConnState {
	state := c.tcpConn.State()
	if state == network.Connected && !c.handshaked {
		return network.Connecting
	}
	return state
}

// Connect 以客户端身份连接远端并发起握手
// 参数:
//   - remote: *netaddr.HostPort 远端地址
//
// 返回值:
//   - error 引擎创建或连接发起失败时返回错误
func (c *Connection) Connect(remote *netaddr.HostPort) error {
	engine, err := c.params.Engine(false)
	if err != nil {
		return netstatus.Wrap(netstatus.Internal, err, "创建客户端TLS引擎失败")
	}
	c.engine = engine
	return c.tcpConn.Connect(remote)
}

// Write 写出明文
// 握手完成后立即封装发送,否则暂存到握手完成
// 参数:
//   - data: []byte 明文数据
func (c *Connection) Write(data []byte) {
	if !c.handshaked {
		c.pending.Write(data)
		return
	}
	ciphertext, err := c.engine.Seal(data)
	if err != nil {
		c.fail(netstatus.Wrap(netstatus.Internal, err, "TLS封装失败"))
		return
	}
	c.tcpConn.Write(ciphertext)
}

// FlushAndClose 发送关闭通知记录后排空并关闭底层连接
func (c *Connection) FlushAndClose() {
	if c.handshaked {
		if notify := c.engine.CloseNotify(); len(notify) > 0 {
			c.tcpConn.Write(notify)
		}
	}
	c.tcpConn.FlushAndClose()
}

// ForceClose 立即关闭底层连接
func (c *Connection) ForceClose() {
	c.tcpConn.ForceClose()
}

// onTcpConnect 底层连接建立:客户端主动发出首个握手记录
func (c *Connection) onTcpConnect() {
	if c.server {
		return
	}
	c.pumpHandshake(nil)
}

// onTcpRead 底层连接收到密文
func (c *Connection) onTcpRead() error {
	ciphertext := c.tcpConn.Inbuf().ReadAll()
	if !c.handshaked {
		c.pumpHandshake(ciphertext)
		return nil
	}
	plaintext, err := c.engine.Open(ciphertext)
	if err != nil {
		return netstatus.Wrap(netstatus.Internal, err, "TLS解封失败")
	}
	if len(plaintext) > 0 {
		c.inbuf.Append(plaintext)
		if c.readHandler != nil {
			return c.readHandler()
		}
	}
	return nil
}

// pumpHandshake 推进握手:交替消化入站记录与发出出站记录
func (c *Connection) pumpHandshake(inbound []byte) {
	outbound, done, err := c.engine.HandshakeStep(inbound)
	if err != nil {
		c.fail(netstatus.Wrap(netstatus.Internal, err, "TLS握手失败"))
		return
	}
	if len(outbound) > 0 {
		c.tcpConn.Write(outbound)
	}
	if !done {
		return
	}
	c.handshaked = true
	log.Debugf("TLS握手完成: %s", c.tcpConn.String())
	// 握手期间暂存的明文现在封装发出
	if c.pending.Len() > 0 {
		c.Write(c.pending.ReadAll())
	}
	if c.connectHandler != nil {
		c.connectHandler()
	}
}

// onTcpClose 底层连接关闭,向应用转发同样的关闭指令
func (c *Connection) onTcpClose(err error, directive network.CloseDirective) {
	if c.closeHandler != nil {
		c.closeHandler(err, directive)
	}
}

// fail 以引擎错误中止连接
func (c *Connection) fail(err error) {
	log.Warnf("TLS连接失败: %v", err)
	c.tcpConn.ForceClose()
	if c.closeHandler != nil {
		c.closeHandler(err, network.CloseReadWrite)
	}
}

// AcceptHandler TLS连接交付给应用层的回调
type AcceptHandler func(conn *Connection)

// Acceptor TCP监听器之上的TLS监听器
// 接受的连接在握手完成后才交付应用
type Acceptor struct {
	tcpAcceptor *tcp.Acceptor
	params      AcceptorParams

	acceptHandler AcceptHandler
}

// NewAcceptor 构造一个TLS监听器
// 参数:
//   - sel: *selector.Selector 拥有监听套接字的选择器
//   - params: AcceptorParams 配置参数
//
// 返回值:
//   - *Acceptor 构造的监听器
func NewAcceptor(sel *selector.Selector, params AcceptorParams) *Acceptor {
	a := &Acceptor{
		tcpAcceptor: tcp.NewAcceptor(sel, params.TcpParams),
		params:      params,
	}
	a.tcpAcceptor.SetAcceptHandler(a.onAccepted)
	return a
}

// TcpAcceptor 返回底层的TCP监听器
func (a *Acceptor) TcpAcceptor() *tcp.Acceptor { return a.tcpAcceptor }

// SetAcceptHandler 设置TLS连接交付回调
func (a *Acceptor) SetAcceptHandler(h AcceptHandler) { a.acceptHandler = h }

// Listen 在本地地址上开始监听
func (a *Acceptor) Listen(local *netaddr.HostPort) error {
	if a.params.SslParams.Engine == nil {
		return netstatus.Errorf(netstatus.InvalidArgument,
			"TLS监听器未配置记录层引擎")
	}
	return a.tcpAcceptor.Listen(local)
}

// Close 关闭监听器,任意线程可调用
func (a *Acceptor) Close() { a.tcpAcceptor.Close() }

// onAccepted 升级接受的TCP连接并等待其握手完成
func (a *Acceptor) onAccepted(conn network.Conn) {
	tcpConn, ok := conn.(*tcp.Connection)
	if !ok {
		log.Warnf("TLS监听器收到未知类型的连接,关闭之")
		conn.ForceClose()
		return
	}
	sslConn, err := wrapAccepted(tcpConn, a.params.SslParams)
	if err != nil {
		log.Warnf("升级TLS连接失败: %v", err)
		tcpConn.ForceClose()
		return
	}
	sslConn.SetConnectHandler(func() {
		if a.acceptHandler != nil {
			a.acceptHandler(sslConn)
		} else {
			log.Warnf("TLS监听器未设置交付回调,连接将被关闭")
			sslConn.ForceClose()
		}
	})
}
