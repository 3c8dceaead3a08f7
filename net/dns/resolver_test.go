package dns

import (
	"testing"
	"time"

	"github.com/dep2p/netcore/core/netaddr"
	"github.com/stretchr/testify/require"
)

// TestDnsResolveNameAscii 测试纯ASCII主机名原样通过IDN映射
func TestDnsResolveNameAscii(t *testing.T) {
	for _, name := range []string{"localhost", "example.com", "a-b.c-d.example"} {
		hi := NewHostInfo(name)
		got, err := hi.DnsResolveName()
		require.NoError(t, err)
		require.Equal(t, name, got)
	}
}

// TestDnsResolveNameIdn 测试非ASCII主机名的UTS-46映射
func TestDnsResolveNameIdn(t *testing.T) {
	cases := map[string]string{
		"bücher.example": "xn--bcher-kva.example",
		"中国.example":     "xn--fiqs8s.example",
	}
	for name, want := range cases {
		hi := NewHostInfo(name)
		got, err := hi.DnsResolveName()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

// testHostInfo 构造一份带地址的解析信息
func testHostInfo(t *testing.T) *HostInfo {
	t.Helper()
	hi := NewHostInfo("multi.example")
	mustIP := func(s string) netaddr.IpAddress {
		ip, err := netaddr.ParseIpFromString(s)
		require.NoError(t, err)
		return ip
	}
	hi.SetIpAddresses(
		[]netaddr.IpAddress{mustIP("10.0.0.1"), mustIP("10.0.0.2")},
		[]netaddr.IpAddress{mustIP("2001:db8::1")},
	)
	return hi
}

// TestPickFirstAddress 测试首选地址的选取,IPv4优先
func TestPickFirstAddress(t *testing.T) {
	hi := testHostInfo(t)
	ip, ok := hi.PickFirstAddress()
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", ip.String())

	ip6, ok := hi.PickFirstIpv6Address()
	require.True(t, ok)
	require.Equal(t, "2001:db8::1", ip6.String())

	empty := NewHostInfo("empty.example")
	_, ok = empty.PickFirstAddress()
	require.False(t, ok, "没有已知地址时不应返回地址")
}

// TestPickNextAddress 测试地址轮转:先IPv4后IPv6,循环往复
func TestPickNextAddress(t *testing.T) {
	hi := testHostInfo(t)
	var got []string
	for i := 0; i < 6; i++ {
		ip, ok := hi.PickNextAddress()
		require.True(t, ok)
		got = append(got, ip.String())
	}
	require.Equal(t, []string{
		"10.0.0.1", "10.0.0.2", "2001:db8::1",
		"10.0.0.1", "10.0.0.2", "2001:db8::1",
	}, got)

	// 仅在没有任何已知地址时返回false
	empty := NewHostInfo("empty.example")
	_, ok := empty.PickNextAddress()
	require.False(t, ok)
}

// TestResolveLocalhost 测试同步解析回环主机名
func TestResolveLocalhost(t *testing.T) {
	r := NewResolver(DefaultOptions().SetNumThreads(1).SetQueueSize(4))
	defer r.Close()

	hi, err := r.Resolve("localhost")
	require.NoError(t, err)
	require.True(t, hi.IsValid())
	found := false
	for _, ip := range hi.IPv4() {
		if ip == netaddr.IPv4Loopback {
			found = true
		}
	}
	for _, ip := range hi.IPv6() {
		if ip == netaddr.IPv6Loopback {
			found = true
		}
	}
	require.True(t, found, "localhost应当解析到回环地址: %s", hi.String())
}

// TestResolveAsync 测试异步解析的回调交付
func TestResolveAsync(t *testing.T) {
	r := NewResolver(DefaultOptions().SetNumThreads(2))
	defer r.Close()

	type result struct {
		info *HostInfo
		err  error
	}
	done := make(chan result, 1)
	r.ResolveAsync("localhost", func(info *HostInfo, err error) {
		done <- result{info, err}
	})
	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.True(t, res.info.IsValid())
	case <-time.After(10 * time.Second):
		t.Fatal("异步解析超时")
	}
}

// TestResolveFailure 测试无法解析的名称返回错误
func TestResolveFailure(t *testing.T) {
	r := NewResolver(DefaultOptions().SetNumThreads(1))
	defer r.Close()

	_, err := r.Resolve("definitely-not-a-real-host.invalid")
	require.Error(t, err)
}
