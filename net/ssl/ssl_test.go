package ssl

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/network"
	"github.com/dep2p/netcore/net/selector"
	"github.com/dep2p/netcore/net/tcp"
	"github.com/stretchr/testify/require"
)

// 测试用的透明记录引擎:一来一回的握手,封装与解封为恒等变换
//
// 客户端先发 "HELLO",服务端应答 "OLLEH" 即完成;多余的入站
// 字节暂存,由后续 Open 取回
type plainEngine struct {
	server   bool
	done     bool
	leftover []byte
}

func newPlainEngine(server bool) (Engine, error) {
	return &plainEngine{server: server}, nil
}

var clientHello = []byte("HELLO")
var serverHello = []byte("OLLEH")

func (e *plainEngine) HandshakeStep(inbound []byte) ([]byte, bool, error) {
	if e.done {
		e.leftover = append(e.leftover, inbound...)
		return nil, true, nil
	}
	if e.server {
		if len(inbound) == 0 {
			return nil, false, nil
		}
		if !bytes.HasPrefix(inbound, clientHello) {
			return nil, false, errors.New("意外的握手记录")
		}
		e.leftover = append(e.leftover, inbound[len(clientHello):]...)
		e.done = true
		return serverHello, true, nil
	}
	if len(inbound) == 0 {
		// 客户端主动发起
		return clientHello, false, nil
	}
	if !bytes.HasPrefix(inbound, serverHello) {
		return nil, false, errors.New("意外的握手应答")
	}
	e.leftover = append(e.leftover, inbound[len(serverHello):]...)
	e.done = true
	return nil, true, nil
}

func (e *plainEngine) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}

func (e *plainEngine) Open(ciphertext []byte) ([]byte, error) {
	out := append(e.leftover, ciphertext...)
	e.leftover = nil
	return out, nil
}

func (e *plainEngine) CloseNotify() []byte { return nil }

// TestSslHandshakeAndExchange 握手完成后双向交换明文
func TestSslHandshakeAndExchange(t *testing.T) {
	st, err := selector.NewSelectorThread(selector.DefaultParams())
	require.NoError(t, err)
	require.True(t, st.Start())
	defer st.Stop()
	sel := st.Selector()

	sslParams := ConnectionParams{
		Engine:    newPlainEngine,
		TcpParams: tcp.DefaultConnectionParams(),
	}
	acceptor := NewAcceptor(sel, AcceptorParams{
		TcpParams: tcp.DefaultAcceptorParams(),
		SslParams: sslParams,
	})

	serverGot := make(chan string, 1)
	acceptor.SetAcceptHandler(func(conn *Connection) {
		conn.SetReadHandler(func() error {
			data := string(conn.Inbuf().ReadAll())
			serverGot <- data
			conn.Write([]byte("pong"))
			return nil
		})
	})

	local := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback)
	errCh := make(chan error, 1)
	sel.RunInSelectLoop(func() { errCh <- acceptor.Listen(local) })
	require.NoError(t, <-errCh)
	port := acceptor.TcpAcceptor().LocalAddress().Port()
	defer acceptor.Close()

	client := NewConnection(sel, sslParams)
	handshaked := make(chan struct{}, 1)
	clientGot := make(chan string, 1)
	client.SetConnectHandler(func() { handshaked <- struct{}{} })
	client.SetReadHandler(func() error {
		clientGot <- string(client.Inbuf().ReadAll())
		return nil
	})
	client.SetCloseHandler(func(error, network.CloseDirective) {})

	remote := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback).SetPort(port)
	sel.RunInSelectLoop(func() { errCh <- client.Connect(remote) })
	require.NoError(t, <-errCh)

	select {
	case <-handshaked:
	case <-time.After(5 * time.Second):
		t.Fatal("TLS握手超时")
	}
	require.Equal(t, network.Connected, client.State())

	// 握手完成后写出明文
	sel.RunInSelectLoop(func() { client.Write([]byte("ping")) })

	select {
	case got := <-serverGot:
		require.Equal(t, "ping", got)
	case <-time.After(5 * time.Second):
		t.Fatal("服务端未收到明文")
	}
	select {
	case got := <-clientGot:
		require.Equal(t, "pong", got)
	case <-time.After(5 * time.Second):
		t.Fatal("客户端未收到应答")
	}
	client.ForceClose()
}

// TestSslWriteBeforeHandshake 握手前写出的明文被暂存并在完成后送达
func TestSslWriteBeforeHandshake(t *testing.T) {
	st, err := selector.NewSelectorThread(selector.DefaultParams())
	require.NoError(t, err)
	require.True(t, st.Start())
	defer st.Stop()
	sel := st.Selector()

	sslParams := ConnectionParams{
		Engine:    newPlainEngine,
		TcpParams: tcp.DefaultConnectionParams(),
	}
	acceptor := NewAcceptor(sel, AcceptorParams{
		TcpParams: tcp.DefaultAcceptorParams(),
		SslParams: sslParams,
	})
	serverGot := make(chan string, 1)
	acceptor.SetAcceptHandler(func(conn *Connection) {
		conn.SetReadHandler(func() error {
			serverGot <- string(conn.Inbuf().ReadAll())
			return nil
		})
	})
	local := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback)
	errCh := make(chan error, 1)
	sel.RunInSelectLoop(func() { errCh <- acceptor.Listen(local) })
	require.NoError(t, <-errCh)
	port := acceptor.TcpAcceptor().LocalAddress().Port()
	defer acceptor.Close()

	client := NewConnection(sel, sslParams)
	client.SetCloseHandler(func(error, network.CloseDirective) {})
	remote := (&netaddr.HostPort{}).SetIP(netaddr.IPv4Loopback).SetPort(port)
	sel.RunInSelectLoop(func() {
		// 在连接乃至握手完成之前写出
		client.Write([]byte("early-data"))
		errCh <- client.Connect(remote)
	})
	require.NoError(t, <-errCh)

	select {
	case got := <-serverGot:
		require.Equal(t, "early-data", got)
	case <-time.After(5 * time.Second):
		t.Fatal("服务端未收到暂存的明文")
	}
	client.ForceClose()
}
