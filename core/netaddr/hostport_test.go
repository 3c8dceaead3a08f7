package netaddr

import (
	"testing"

	"github.com/dep2p/netcore/core/netstatus"
	"github.com/stretchr/testify/require"
)

// TestHostPortParseForms 测试各种文本形式的解析
func TestHostPortParseForms(t *testing.T) {
	hp, err := ParseFromString("example.com:8080")
	require.NoError(t, err)
	host, ok := hp.Host()
	require.True(t, ok)
	require.Equal(t, "example.com", host)
	require.Equal(t, uint16(8080), hp.Port())
	require.True(t, hp.IsValid())
	require.False(t, hp.IsResolved())

	hp, err = ParseFromString("10.0.0.1:443")
	require.NoError(t, err)
	ip, ok := hp.IP()
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", ip.String())
	require.True(t, hp.IsResolved())

	hp, err = ParseFromString("[2001:db8::1]:53")
	require.NoError(t, err)
	ip, ok = hp.IP()
	require.True(t, ok)
	require.Equal(t, "2001:db8::1", ip.String())
	require.Equal(t, uint16(53), hp.Port())

	// 不带端口的IPv6需要方括号包裹,端口保持未设置
	hp, err = ParseFromString("[2001:db8::2]")
	require.NoError(t, err)
	require.Equal(t, uint16(0), hp.Port())
	require.False(t, hp.IsValid())
}

// TestHostPortParseErrors 测试解析错误路径
func TestHostPortParseErrors(t *testing.T) {
	// IPv6裸地址出现在host:port位置必须使用方括号
	_, err := ParseFromString("2001:db8::1:80")
	require.Error(t, err)
	require.Equal(t, netstatus.InvalidArgument, netstatus.KindOf(err))

	_, err = ParseFromString("example.com:0")
	require.Error(t, err)

	_, err = ParseFromString("example.com:70000")
	require.Error(t, err)

	_, err = ParseFromString("example.com:abc")
	require.Error(t, err)
}

// TestHostPortParseEmpty 测试空字符串解析为零值
func TestHostPortParseEmpty(t *testing.T) {
	hp, err := ParseFromString("")
	require.NoError(t, err)
	require.False(t, hp.IsValid())
	require.Equal(t, "[]", hp.String())
}

// TestHostPortStringRoundTrip 测试已解析地址的字符串往返
func TestHostPortStringRoundTrip(t *testing.T) {
	for _, s := range []string{"10.1.2.3:80", "[2001:db8::1]:8443"} {
		hp, err := ParseFromString(s)
		require.NoError(t, err)
		text, err := hp.ToHostportString()
		require.NoError(t, err)
		require.Equal(t, s, text)
		again, err := ParseFromString(text)
		require.NoError(t, err)
		require.Equal(t, hp, again)
	}
	// 仅有主机名的地址,主机串逐字节保留
	hp, err := ParseFromString("some-host.example:1234")
	require.NoError(t, err)
	host, _ := hp.Host()
	require.Equal(t, "some-host.example", host)
}

// TestHostPortToSockaddr 测试与内核地址结构的转换
func TestHostPortToSockaddr(t *testing.T) {
	hp, err := ParseFromString("127.0.0.1:9000")
	require.NoError(t, err)
	sa, err := hp.ToSockaddr()
	require.NoError(t, err)
	back, err := ParseFromSockaddr(sa)
	require.NoError(t, err)
	require.Equal(t, hp.String(), back.String())

	// 未解析的地址无法转换
	unresolved, err := ParseFromString("example.com:80")
	require.NoError(t, err)
	_, err = unresolved.ToSockaddr()
	require.Error(t, err)
	require.Equal(t, netstatus.FailedPrecondition, netstatus.KindOf(err))
}

// TestHostPortUpdate 测试按成员合并更新
func TestHostPortUpdate(t *testing.T) {
	base := (&HostPort{}).SetHost("example.com")
	ip, _ := ParseIpFromString("10.0.0.9")
	other := (&HostPort{}).SetIP(ip).SetPort(8080)
	base.Update(other)
	require.True(t, base.IsResolved())
	require.Equal(t, "example.com[10.0.0.9]:8080", base.String())
	host, _ := base.Host()
	require.Equal(t, "example.com", host)
}
