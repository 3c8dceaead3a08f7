package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/dep2p/log"
	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"github.com/dep2p/netcore/sync/lfqueue"
	"golang.org/x/sync/errgroup"
)

// log 用于记录DNS解析相关的日志
var log = logging.Logger("net-dns")

// Options 解析器的配置参数
type Options struct {
	// NumThreads 异步解析的工作线程数
	NumThreads int
	// QueueSize 每个工作线程的请求队列容量
	QueueSize int
	// PutTimeout 向请求队列投递的等待时长,超时则解析失败
	PutTimeout time.Duration
}

// DefaultOptions 返回默认的解析器配置
func DefaultOptions() Options {
	return Options{
		NumThreads: 4,
		QueueSize:  100,
		PutTimeout: time.Millisecond,
	}
}

// SetNumThreads 设置工作线程数
func (o Options) SetNumThreads(v int) Options {
	o.NumThreads = v
	return o
}

// SetQueueSize 设置请求队列容量
func (o Options) SetQueueSize(v int) Options {
	o.QueueSize = v
	return o
}

// SetPutTimeout 设置投递等待时长
func (o Options) SetPutTimeout(v time.Duration) Options {
	o.PutTimeout = v
	return o
}

// Callback 异步解析完成时的回调
// 参数:
//   - info: *HostInfo 解析信息,失败时为 nil
//   - err: error 解析错误,成功时为 nil
type Callback func(info *HostInfo, err error)

// resolveRequest 一个异步解析请求;两个成员均为空表示退出哨兵
type resolveRequest struct {
	hostname string
	callback Callback
}

// resolveQueue 一个工作线程的请求队列
//
// 底层的无锁队列要求有界的生产者集合,投递方可能是任意线程,
// 以互斥锁将它们折叠为单一生产者;消费者只有对应的工作线程
type resolveQueue struct {
	mu sync.Mutex
	q  *lfqueue.Queue[resolveRequest]
}

func (rq *resolveQueue) put(req resolveRequest, timeout time.Duration) bool {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.q.PutTimeout(req, 0, timeout)
}

// Resolver DNS解析器,内部使用系统解析例程,不缓存解析结果
type Resolver struct {
	opts    Options
	queues  []*resolveQueue
	workers *errgroup.Group
	// 轮转分发请求的计数器
	resolveIndex atomic.Uint64
}

// defaultResolver 进程级默认解析器,首次使用时构造
var (
	defaultResolver     *Resolver
	defaultResolverOnce sync.Once
)

// Default 返回进程级的默认解析器
// 返回值:
//   - *Resolver 以默认配置构造的全局解析器
func Default() *Resolver {
	defaultResolverOnce.Do(func() {
		defaultResolver = NewResolver(DefaultOptions())
	})
	return defaultResolver
}

// NewResolver 构造一个解析器并启动其工作线程
// 参数:
//   - opts: Options 配置参数,线程数与队列容量必须为正
//
// 返回值:
//   - *Resolver 构造的解析器
func NewResolver(opts Options) *Resolver {
	if opts.NumThreads <= 0 || opts.QueueSize <= 0 {
		panic("dns: 解析线程数与队列容量必须为正")
	}
	r := &Resolver{
		opts:    opts,
		queues:  make([]*resolveQueue, opts.NumThreads),
		workers: &errgroup.Group{},
	}
	for i := 0; i < opts.NumThreads; i++ {
		r.queues[i] = &resolveQueue{
			q: lfqueue.New[resolveRequest](lfqueue.Options{
				Capacity:     opts.QueueSize,
				NumProducers: 1,
				NumConsumers: 1,
				WaitDuration: 100 * time.Microsecond,
			}),
		}
		queue := r.queues[i]
		r.workers.Go(func() error {
			r.runResolve(queue)
			return nil
		})
	}
	return r
}

// Close 注入退出哨兵并等待全部工作线程结束
func (r *Resolver) Close() {
	for _, rq := range r.queues {
		rq.mu.Lock()
		rq.q.Put(resolveRequest{}, 0)
		rq.mu.Unlock()
	}
	_ = r.workers.Wait()
}

// runResolve 工作线程主体:顺序处理一条队列上的请求流
func (r *Resolver) runResolve(rq *resolveQueue) {
	for {
		req := rq.q.Get(0)
		if req.hostname == "" && req.callback == nil {
			return
		}
		info, err := r.Resolve(req.hostname)
		req.callback(info, err)
	}
}

// ResolveAsync 异步解析一个主机名
// 请求按轮转选择一条队列投递;队列在 PutTimeout 内无法接收时,
// 以 Unavailable 错误就地调用回调
// 参数:
//   - hostname: string 解析的主机名
//   - callback: Callback 完成回调
func (r *Resolver) ResolveAsync(hostname string, callback Callback) {
	index := int(r.resolveIndex.Add(1)-1) % len(r.queues)
	req := resolveRequest{hostname: hostname, callback: callback}
	if !r.queues[index].put(req, r.opts.PutTimeout) {
		log.Warnf("异步解析队列已满,拒绝请求: %q", hostname)
		callback(nil, netstatus.Errorf(netstatus.Unavailable,
			"异步解析队列已满"))
	}
}

// Resolve 同步解析一个主机名,阻塞直至完成
// 重复地址被去除,各地址族内保持系统返回的顺序
// 参数:
//   - hostname: string 解析的主机名
//
// 返回值:
//   - *HostInfo 解析信息
//   - error 解析失败时返回分类错误
func (r *Resolver) Resolve(hostname string) (*HostInfo, error) {
	hi := NewHostInfo(hostname)
	resolveName, err := hi.DnsResolveName()
	if err != nil {
		return nil, err
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(
		context.Background(), resolveName)
	if err != nil {
		return nil, dnsErrorToStatus(err, hostname)
	}
	seen := make(map[netaddr.IpAddress]struct{}, len(addrs))
	var ipv4, ipv6 []netaddr.IpAddress
	for _, addr := range addrs {
		ip, perr := netaddr.ParseIpFromString(addr.IP.String())
		if perr != nil {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		if ip.IsIPv4() {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}
	hi.SetIpAddresses(ipv4, ipv6)
	return hi, nil
}

// dnsErrorToStatus 将系统解析错误映射为分类错误
// 参数:
//   - err: error 系统解析例程返回的错误
//   - hostname: string 解析的主机名
//
// 返回值:
//   - error 分类后的错误
func dnsErrorToStatus(err error, hostname string) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return netstatus.Wrap(netstatus.NotFound, err,
				"DNS名称不存在: %q", hostname)
		case dnsErr.IsTimeout, dnsErr.IsTemporary:
			return netstatus.Wrap(netstatus.Unavailable, err,
				"DNS解析临时失败: %q", hostname)
		}
	}
	return netstatus.Wrap(netstatus.Internal, err,
		"DNS解析失败: %q", hostname)
}
