package tcp

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/network"
	"github.com/dep2p/netcore/net/selector"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// startSelectorThread 启动一个测试用的选择器线程
func startSelectorThread(t *testing.T) *selector.SelectorThread {
	t.Helper()
	st, err := selector.NewSelectorThread(selector.DefaultParams())
	require.NoError(t, err)
	require.True(t, st.Start())
	t.Cleanup(func() { st.Stop() })
	return st
}

// listenLoopback 在回环地址的随机端口上启动监听
func listenLoopback(t *testing.T, sel *selector.Selector, a *Acceptor) uint16 {
	t.Helper()
	local := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback)
	errCh := make(chan error, 1)
	sel.RunInSelectLoop(func() { errCh <- a.Listen(local) })
	require.NoError(t, <-errCh)
	port := a.LocalAddress().Port()
	require.NotZero(t, port, "监听后应当获知系统分配的端口")
	return port
}

// connectLoopback 从选择器线程发起客户端连接
func connectLoopback(t *testing.T, sel *selector.Selector, c *Connection, addr *netaddr.HostPort) {
	t.Helper()
	errCh := make(chan error, 1)
	sel.RunInSelectLoop(func() { errCh <- c.Connect(addr) })
	require.NoError(t, <-errCh)
}

// TestAcceptorConnectionPingPong 监听、连接、双向收发与正常关闭
//
// 服务端在接受后写出 "ping";客户端读到 "ping" 后写回 "pong"
// 并排空关闭;服务端读到 "pong" 后同样排空关闭。两端的关闭回调
// 都应以 CLOSE_READ_WRITE 与nil状态结束,各自的字节计数均为4
func TestAcceptorConnectionPingPong(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()

	serverDone := make(chan error, 4)
	clientDone := make(chan error, 4)
	var serverConn atomic.Value

	acceptor := NewAcceptor(sel, DefaultAcceptorParams())
	acceptor.SetAcceptHandler(func(conn network.Conn) {
		serverConn.Store(conn)
		conn.SetReadHandler(func() error {
			if string(conn.Inbuf().ReadAll()) == "pong" {
				conn.FlushAndClose()
			}
			return nil
		})
		conn.SetCloseHandler(func(err error, directive network.CloseDirective) {
			if directive == network.CloseReadWrite {
				serverDone <- err
			}
		})
		conn.Write([]byte("ping"))
	})
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	client := NewConnection(sel, DefaultConnectionParams())
	connected := make(chan struct{}, 1)
	client.SetConnectHandler(func() { connected <- struct{}{} })
	client.SetReadHandler(func() error {
		if string(client.Inbuf().ReadAll()) == "ping" {
			client.Write([]byte("pong"))
			client.FlushAndClose()
		}
		return nil
	})
	client.SetCloseHandler(func(err error, directive network.CloseDirective) {
		if directive == network.CloseReadWrite {
			clientDone <- err
		}
	})
	remote := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback).SetPort(port)
	connectLoopback(t, sel, client, remote)

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("客户端连接建立超时")
	}
	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("客户端关闭超时")
	}
	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("服务端关闭超时")
	}

	require.Equal(t, int64(4), client.CountBytesRead())
	require.Equal(t, int64(4), client.CountBytesWritten())
	server := serverConn.Load().(network.Conn)
	require.Equal(t, int64(4), server.CountBytesRead())
	require.Equal(t, int64(4), server.CountBytesWritten())
	require.Equal(t, network.Disconnected, client.State())
}

// TestConnectViaDnsResolve 未解析地址的连接经过
// Resolving → Connecting → Connected 的状态迁移
func TestConnectViaDnsResolve(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()

	acceptor := NewAcceptor(sel, DefaultAcceptorParams())
	acceptor.SetAcceptHandler(func(conn network.Conn) {
		conn.SetCloseHandler(func(error, network.CloseDirective) {})
	})
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	client := NewConnection(sel, DefaultConnectionParams())
	connected := make(chan struct{}, 1)
	client.SetConnectHandler(func() { connected <- struct{}{} })
	client.SetCloseHandler(func(error, network.CloseDirective) {})

	remote, err := netaddr.ParseFromString(fmt.Sprintf("localhost:%d", port))
	require.NoError(t, err)
	require.False(t, remote.IsResolved())

	errCh := make(chan error, 1)
	sel.RunInSelectLoop(func() {
		errCh <- client.Connect(remote)
	})
	require.NoError(t, <-errCh)

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("经DNS解析的连接建立超时")
	}
	require.Equal(t, network.Connected, client.State())
	client.ForceClose()
}

// TestShutdownLinger 对端不配合关闭时半关闭等待超时强制断开
func TestShutdownLinger(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()

	params := DefaultAcceptorParams()
	params.ConnectionParams = params.ConnectionParams.
		SetShutdownLingerTimeout(200 * time.Millisecond)

	serverClosed := make(chan struct{})
	acceptor := NewAcceptor(sel, params)
	acceptor.SetAcceptHandler(func(conn network.Conn) {
		conn.SetCloseHandler(func(err error, directive network.CloseDirective) {
			if directive == network.CloseReadWrite {
				close(serverClosed)
			}
		})
		conn.Write([]byte("hi"))
		conn.FlushAndClose()
	})
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	// 裸套接字客户端:连接后既不读取也不关闭
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Connect(fd, sa))

	start := time.Now()
	select {
	case <-serverClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("半关闭等待超时未触发强制关闭")
	}
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"连接不应在等待时限前关闭")
	require.EqualValues(t, 1, acceptor.Stats().ConnectionsInitialized.Load())
}

// TestAcceptorFilter 被过滤回调拒绝的连接计入统计并被关闭
func TestAcceptorFilter(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()

	acceptor := NewAcceptor(sel, DefaultAcceptorParams())
	acceptor.SetFilterHandler(func(peer *netaddr.HostPort) bool { return false })
	accepted := make(chan struct{}, 1)
	acceptor.SetAcceptHandler(func(conn network.Conn) { accepted <- struct{}{} })
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Connect(fd, sa))

	require.Eventually(t, func() bool {
		return acceptor.Stats().FilteredConnections.Load() == 1
	}, 5*time.Second, 10*time.Millisecond, "连接应当被过滤")
	select {
	case <-accepted:
		t.Fatal("被过滤的连接不应交付应用")
	default:
	}
}

// TestAcceptorFanOut 新连接按轮转分配到选择器线程池
func TestAcceptorFanOut(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()
	worker1 := startSelectorThread(t)
	worker2 := startSelectorThread(t)

	params := DefaultAcceptorParams()
	params.AcceptorThreads.SetClientThreads(
		[]*selector.SelectorThread{worker1, worker2})

	var accepted atomic.Int64
	acceptor := NewAcceptor(sel, params)
	acceptor.SetAcceptHandler(func(conn network.Conn) {
		accepted.Add(1)
		conn.SetCloseHandler(func(error, network.CloseDirective) {})
	})
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	const numClients = 4
	fds := make([]int, 0, numClients)
	defer func() {
		for _, fd := range fds {
			unix.Close(fd)
		}
	}()
	for i := 0; i < numClients; i++ {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		fds = append(fds, fd)
		sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
		require.NoError(t, unix.Connect(fd, sa))
	}
	require.Eventually(t, func() bool {
		return accepted.Load() == numClients
	}, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, numClients,
		acceptor.Stats().ConnectionsInitialized.Load())
}

// TestCloseCommunicationReadIsNoop CloseRead指令不触发任何关闭
func TestCloseCommunicationReadIsNoop(t *testing.T) {
	st := startSelectorThread(t)
	sel := st.Selector()

	acceptor := NewAcceptor(sel, DefaultAcceptorParams())
	connCh := make(chan network.Conn, 1)
	acceptor.SetAcceptHandler(func(conn network.Conn) {
		conn.SetCloseHandler(func(error, network.CloseDirective) {})
		connCh <- conn
	})
	port := listenLoopback(t, sel, acceptor)
	defer acceptor.Close()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	sa := &unix.SockaddrInet4{Port: int(port), Addr: [4]byte{127, 0, 0, 1}}
	require.NoError(t, unix.Connect(fd, sa))

	var server network.Conn
	select {
	case server = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("接受连接超时")
	}
	server.CloseCommunication(network.CloseRead)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, network.Connected, server.State(),
		"CloseRead不应改变连接状态")
	server.ForceClose()
}
