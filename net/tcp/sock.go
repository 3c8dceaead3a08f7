// Package tcp 实现了非阻塞TCP连接与监听器的状态机
//
// 连接的生命周期为 解析→连接中→已连接→排空中→已断开,全部I/O
// 严格发生在拥有它的选择器线程上;监听器接受的新连接按轮转交给
// 配置的选择器线程池初始化
package tcp

import (
	logging "github.com/dep2p/log"
	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"golang.org/x/sys/unix"
)

// log 用于记录TCP连接与监听器相关的日志
var log = logging.Logger("net-tcp")

// extractSocketErrno 提取套接字上最近的错误码
// 参数:
//   - fd: int 套接字文件描述符
//
// 返回值:
//   - error 套接字错误,无错误时为 nil
func extractSocketErrno(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// newStreamSocket 创建一个非阻塞的流式套接字
// 参数:
//   - ipv6: bool 是否使用IPv6地址族
//
// 返回值:
//   - int 套接字文件描述符
//   - error 创建或设置非阻塞失败时返回错误
func newStreamSocket(ipv6 bool) (int, error) {
	family := unix.AF_INET
	if ipv6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return invalidFd, netstatus.FromErrno(err, "创建套接字失败")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return invalidFd, netstatus.FromErrno(err, "设置套接字非阻塞失败")
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// invalidFd 无效文件描述符的哨兵值
const invalidFd = -1

// listenSockaddr 由本地地址构造监听用的内核地址结构
// 未设置IP时使用IPv4的任意地址
// 参数:
//   - local: *netaddr.HostPort 本地地址,端口可以为0
//
// 返回值:
//   - unix.Sockaddr 可用于 bind 的内核地址结构
//   - bool 是否为IPv6地址族
func listenSockaddr(local *netaddr.HostPort) (unix.Sockaddr, bool) {
	if ip, ok := local.IP(); ok {
		scope, _ := local.ScopeID()
		return ip.ToSockaddr(local.Port(), scope), ip.IsIPv6()
	}
	return netaddr.AnySockaddr(false, local.Port()), false
}
