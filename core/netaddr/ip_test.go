package netaddr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIpParseFormatRoundTrip 测试IP地址解析与格式化的往返一致性
func TestIpParseFormatRoundTrip(t *testing.T) {
	cases := []string{
		"127.0.0.1",
		"0.0.0.0",
		"255.255.255.255",
		"192.168.1.20",
		"::1",
		"fe80::1",
		"2001:db8::8a2e:370:7334",
		"::",
	}
	for _, s := range cases {
		ip, err := ParseIpFromString(s)
		require.NoError(t, err, "解析失败: %s", s)
		require.Equal(t, s, ip.String(), "往返不一致: %s", s)
		again, err := ParseIpFromString(ip.String())
		require.NoError(t, err)
		require.Equal(t, ip, again)
	}
}

// TestIpParseInvalid 测试非法输入的解析错误
func TestIpParseInvalid(t *testing.T) {
	for _, s := range []string{"", "not-an-ip", "300.1.1.1", "1.2.3", "::zz"} {
		if _, err := ParseIpFromString(s); err == nil {
			t.Fatalf("期望解析失败: %q", s)
		}
	}
}

// TestIpV4Mapped 测试IPv4映射形式
func TestIpV4Mapped(t *testing.T) {
	ip, err := ParseIpFromString("10.0.0.1")
	require.NoError(t, err)
	require.True(t, ip.IsIPv4())
	require.False(t, ip.IsIPv6())
	require.Equal(t, uint32(0x0a000001), ip.IPv4())

	v6, err := ParseIpFromString("2001:db8::1")
	require.NoError(t, err)
	require.True(t, v6.IsIPv6())
	require.False(t, v6.IsIPv4())
}

// TestIpLoopbackConstants 测试回环地址常量
func TestIpLoopbackConstants(t *testing.T) {
	require.Equal(t, "127.0.0.1", IPv4Loopback.String())
	require.Equal(t, "::1", IPv6Loopback.String())
	require.True(t, IPv4Loopback.IsIPv4())
	require.True(t, IPv6Loopback.IsIPv6())
}

// TestIpLocalLink 测试链路本地地址判断
func TestIpLocalLink(t *testing.T) {
	cases := map[string]bool{
		"169.254.1.1": true,
		"169.253.1.1": false,
		"fe80::1234":  true,
		"fe81::1":     false,
		"10.1.2.3":    false,
		"::1":         false,
	}
	for s, want := range cases {
		ip, err := ParseIpFromString(s)
		require.NoError(t, err)
		require.Equal(t, want, ip.IsLocalLink(), "地址: %s", s)
	}
}

// TestIpCompare 测试字节字典序比较
func TestIpCompare(t *testing.T) {
	a, _ := ParseIpFromString("10.0.0.1")
	b, _ := ParseIpFromString("10.0.0.2")
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
	// IPv4映射地址大于纯IPv6地址
	v6, _ := ParseIpFromString("::1")
	require.Equal(t, 1, a.Compare(v6))
}

// TestIpSockaddrRoundTrip 测试与内核地址结构的互相转换
func TestIpSockaddrRoundTrip(t *testing.T) {
	v4, _ := ParseIpFromString("192.168.0.7")
	sa := v4.ToSockaddr(8080, 0)
	back, err := ParseIpFromSockaddr(sa)
	require.NoError(t, err)
	require.Equal(t, v4, back)

	v6, _ := ParseIpFromString("2001:db8::42")
	sa6 := v6.ToSockaddr(443, 3)
	back6, err := ParseIpFromSockaddr(sa6)
	require.NoError(t, err)
	require.Equal(t, v6, back6)
}

// TestIpAsMapKey 测试地址作为map键的可用性
func TestIpAsMapKey(t *testing.T) {
	m := map[IpAddress]int{}
	a, _ := ParseIpFromString("1.2.3.4")
	b, _ := ParseIpFromString("1.2.3.4")
	m[a] = 1
	m[b] = 2
	if len(m) != 1 || m[a] != 2 {
		t.Fatalf("相同地址应当映射到同一个键: %v", m)
	}
}
