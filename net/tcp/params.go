package tcp

import (
	"sync/atomic"
	"time"

	"github.com/dep2p/netcore/core/iobuf"
	"github.com/dep2p/netcore/net/selector"
)

// ConnectionParams TCP连接的配置参数
type ConnectionParams struct {
	// SendBufferSize 内核发送缓冲大小,0表示沿用系统默认
	SendBufferSize int
	// RecvBufferSize 内核接收缓冲大小,0表示沿用系统默认
	RecvBufferSize int
	// ReadLimit 单次缓冲读取的字节上限,0表示不限
	ReadLimit int
	// WriteLimit 单次缓冲写入的字节上限,0表示不限
	WriteLimit int
	// BlockSize 缓冲读写的分块大小
	BlockSize int
	// ShutdownLingerTimeout 半关闭后等待对端确认的时长上限
	ShutdownLingerTimeout time.Duration
	// DetailLog 是否记录连接的详细日志
	DetailLog bool
}

// DefaultConnectionParams 返回默认的连接配置
func DefaultConnectionParams() ConnectionParams {
	return ConnectionParams{
		BlockSize:             iobuf.DefaultBlockSize,
		ShutdownLingerTimeout: 5 * time.Second,
	}
}

// SetSendBufferSize 设置内核发送缓冲大小
func (p ConnectionParams) SetSendBufferSize(v int) ConnectionParams {
	p.SendBufferSize = v
	return p
}

// SetRecvBufferSize 设置内核接收缓冲大小
func (p ConnectionParams) SetRecvBufferSize(v int) ConnectionParams {
	p.RecvBufferSize = v
	return p
}

// SetReadLimit 设置单次读取的字节上限
func (p ConnectionParams) SetReadLimit(v int) ConnectionParams {
	p.ReadLimit = v
	return p
}

// SetWriteLimit 设置单次写入的字节上限
func (p ConnectionParams) SetWriteLimit(v int) ConnectionParams {
	p.WriteLimit = v
	return p
}

// SetBlockSize 设置缓冲分块大小
func (p ConnectionParams) SetBlockSize(v int) ConnectionParams {
	p.BlockSize = v
	return p
}

// SetShutdownLingerTimeout 设置半关闭等待时长
func (p ConnectionParams) SetShutdownLingerTimeout(v time.Duration) ConnectionParams {
	p.ShutdownLingerTimeout = v
	return p
}

// SetDetailLog 设置是否记录详细日志
func (p ConnectionParams) SetDetailLog(v bool) ConnectionParams {
	p.DetailLog = v
	return p
}

// AcceptorThreads 接收新连接的选择器线程池
// 新连接按轮转从池中选取目标选择器
type AcceptorThreads struct {
	next    atomic.Uint64
	threads []*selector.SelectorThread
}

// SetClientThreads 设置线程池成员
// 参数:
//   - threads: []*selector.SelectorThread 池中的选择器线程
//
// 返回值:
//   - *AcceptorThreads 便于链式调用
func (at *AcceptorThreads) SetClientThreads(threads []*selector.SelectorThread) *AcceptorThreads {
	at.threads = threads
	return at
}

// NextSelector 轮转选取下一个选择器
// 返回值:
//   - *selector.Selector 选取的选择器,池为空时返回 nil
func (at *AcceptorThreads) NextSelector() *selector.Selector {
	if len(at.threads) == 0 {
		return nil
	}
	return at.threads[at.next.Add(1)%uint64(len(at.threads))].Selector()
}

// AcceptorParams TCP监听器的配置参数
type AcceptorParams struct {
	// AcceptorThreads 新连接的选择器线程池
	AcceptorThreads *AcceptorThreads
	// ConnectionParams 新建连接的配置参数
	ConnectionParams ConnectionParams
	// MaxBacklog 等待接受的连接数上限
	MaxBacklog int
	// DetailLog 是否记录监听器的详细日志
	DetailLog bool
}

// DefaultAcceptorParams 返回默认的监听器配置
func DefaultAcceptorParams() AcceptorParams {
	return AcceptorParams{
		AcceptorThreads:  &AcceptorThreads{},
		ConnectionParams: DefaultConnectionParams(),
		MaxBacklog:       100,
	}
}

// SetAcceptorThreads 设置选择器线程池
func (p AcceptorParams) SetAcceptorThreads(v *AcceptorThreads) AcceptorParams {
	p.AcceptorThreads = v
	return p
}

// SetConnectionParams 设置新建连接的配置
func (p AcceptorParams) SetConnectionParams(v ConnectionParams) AcceptorParams {
	p.ConnectionParams = v
	return p
}

// SetMaxBacklog 设置等待连接数上限
func (p AcceptorParams) SetMaxBacklog(v int) AcceptorParams {
	p.MaxBacklog = v
	return p
}

// SetDetailLog 设置是否记录详细日志
func (p AcceptorParams) SetDetailLog(v bool) AcceptorParams {
	p.DetailLog = v
	return p
}
