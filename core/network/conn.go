package network

import (
	"github.com/dep2p/netcore/core/iobuf"
	"github.com/dep2p/netcore/core/netaddr"
)

// ConnState 连接状态机的状态
type ConnState int32

const (
	// Disconnected 未连接
	Disconnected ConnState = iota
	// Resolving 正在进行DNS解析
	Resolving
	// Connecting 连接建立中
	Connecting
	// Connected 已连接
	Connected
	// Flushing 排空输出缓冲后执行半关闭
	Flushing
)

// String 返回连接状态名称
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Resolving:
		return "RESOLVING"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Flushing:
		return "FLUSHING"
	default:
		return "UNKNOWN"
	}
}

// AcceptorState 监听器状态机的状态
type AcceptorState int32

const (
	// AcceptorDisconnected 未监听
	AcceptorDisconnected AcceptorState = iota
	// AcceptorListening 正在监听
	AcceptorListening
)

// String 返回监听器状态名称
func (s AcceptorState) String() string {
	switch s {
	case AcceptorDisconnected:
		return "DISCONNECTED"
	case AcceptorListening:
		return "LISTENING"
	default:
		return "UNKNOWN"
	}
}

// CloseDirective 指示关闭连接的哪一半
type CloseDirective int

const (
	// CloseRead 关闭读取方向
	CloseRead CloseDirective = iota
	// CloseWrite 关闭写入方向
	CloseWrite
	// CloseReadWrite 关闭两个方向
	CloseReadWrite
)

// String 返回关闭指令名称
func (d CloseDirective) String() string {
	switch d {
	case CloseRead:
		return "CLOSE_READ"
	case CloseWrite:
		return "CLOSE_WRITE"
	case CloseReadWrite:
		return "CLOSE_READ_WRITE"
	default:
		return "UNKNOWN"
	}
}

// ConnectHandler 连接建立完成时的回调
type ConnectHandler func()

// ReadHandler 有新数据进入输入缓冲时的回调,返回错误将中止连接
type ReadHandler func() error

// WriteHandler 输出缓冲有写入空间时的回调,返回错误将中止连接
type WriteHandler func() error

// CloseHandler 连接半关闭或全关闭时的回调
// 参数:
//   - err: error 终止状态,正常关闭为 nil
//   - directive: CloseDirective 被关闭的方向
type CloseHandler func(err error, directive CloseDirective)

// FilterHandler 新到连接的过滤回调,返回 false 则拒绝该连接
type FilterHandler func(peer *netaddr.HostPort) bool

// AcceptHandler 完整建立的新连接交付给应用层的回调
type AcceptHandler func(conn Conn)

// AcceptorCloseHandler 监听器因错误关闭时的回调
type AcceptorCloseHandler func(err error)

// Conn 字节流连接的能力接口
type Conn interface {
	// Connect 向远端地址发起连接,未解析的地址先进行DNS解析
	Connect(remote *netaddr.HostPort) error
	// Write 将数据追加到输出缓冲并登记写事件,仅在选择器线程调用
	Write(data []byte)
	// FlushAndClose 排空输出缓冲后正常关闭
	FlushAndClose()
	// ForceClose 立即关闭
	ForceClose()
	// CloseCommunication 关闭指定方向的通信
	CloseCommunication(directive CloseDirective)

	// RequestReadEvents 开关读事件关注
	RequestReadEvents(enable bool) error
	// RequestWriteEvents 开关写事件关注
	RequestWriteEvents(enable bool) error
	// SetSendBufferSize 设置内核发送缓冲大小
	SetSendBufferSize(size int) error
	// SetRecvBufferSize 设置内核接收缓冲大小
	SetRecvBufferSize(size int) error

	// GetLocalAddress 返回本端地址
	GetLocalAddress() *netaddr.HostPort
	// GetRemoteAddress 返回远端地址
	GetRemoteAddress() *netaddr.HostPort

	// State 返回当前状态
	State() ConnState
	// LastError 返回最近记录的错误
	LastError() error
	// CountBytesRead 返回累计读取的字节数
	CountBytesRead() int64
	// CountBytesWritten 返回累计写入的字节数
	CountBytesWritten() int64
	// Inbuf 返回输入缓冲,仅在选择器线程访问
	Inbuf() *iobuf.Chain
	// Outbuf 返回输出缓冲,仅在选择器线程访问
	Outbuf() *iobuf.Chain

	// SetConnectHandler 设置连接建立回调
	SetConnectHandler(h ConnectHandler)
	// SetReadHandler 设置数据读取回调
	SetReadHandler(h ReadHandler)
	// SetWriteHandler 设置数据写入回调
	SetWriteHandler(h WriteHandler)
	// SetCloseHandler 设置关闭回调
	SetCloseHandler(h CloseHandler)

	// String 返回连接的人类可读描述
	String() string
}

// Acceptor 监听器的能力接口
type Acceptor interface {
	// Listen 在本地地址上开始监听
	Listen(local *netaddr.HostPort) error
	// Close 关闭监听器,任意线程可调用
	Close()

	// State 返回当前状态
	State() AcceptorState
	// LocalAddress 返回实际绑定的本地地址
	LocalAddress() *netaddr.HostPort
	// LastError 返回最近记录的错误
	LastError() error

	// SetFilterHandler 设置连接过滤回调
	SetFilterHandler(h FilterHandler)
	// SetAcceptHandler 设置连接交付回调
	SetAcceptHandler(h AcceptHandler)
	// SetCloseHandler 设置关闭回调
	SetCloseHandler(h AcceptorCloseHandler)

	// String 返回监听器的人类可读描述
	String() string
}
