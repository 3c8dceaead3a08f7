// Package dns 提供了线程池式的异步域名解析
//
// 解析请求被轮转分发到各工作线程独立的有界队列上,每个工作线程
// 顺序处理自己的请求流;解析本身委托给系统解析例程,主机名先经过
// IDN(UTS-46 非过渡)映射为ASCII兼容形式
package dns

import (
	"strings"
	"sync/atomic"

	"github.com/dep2p/netcore/core/netaddr"
	"github.com/dep2p/netcore/core/netstatus"
	"golang.org/x/net/idna"
)

// HostInfo 一个主机名的DNS解析信息
type HostInfo struct {
	// 待解析的主机名,UTF8形式
	hostname string

	// 解析得到的IPv4地址
	ipv4 []netaddr.IpAddress
	// 解析得到的IPv6地址
	ipv6 []netaddr.IpAddress

	// 轮转选取地址的计数器,三个序列相互独立
	nextIP   atomic.Uint64
	nextIPv4 atomic.Uint64
	nextIPv6 atomic.Uint64
}

// NewHostInfo 为一个UTF8主机名构造解析信息对象
func NewHostInfo(hostname string) *HostInfo {
	return &HostInfo{hostname: hostname}
}

// Hostname 返回主机名
func (hi *HostInfo) Hostname() string { return hi.hostname }

// IPv4 返回解析得到的IPv4地址
func (hi *HostInfo) IPv4() []netaddr.IpAddress { return hi.ipv4 }

// IPv6 返回解析得到的IPv6地址
func (hi *HostInfo) IPv6() []netaddr.IpAddress { return hi.ipv6 }

// IsValid 判断是否解析到了任何IP地址
func (hi *HostInfo) IsValid() bool {
	return len(hi.ipv4) > 0 || len(hi.ipv6) > 0
}

// SetIpAddresses 设置主机的IP地址
// 参数:
//   - ipv4: []netaddr.IpAddress IPv4地址
//   - ipv6: []netaddr.IpAddress IPv6地址
func (hi *HostInfo) SetIpAddresses(ipv4, ipv6 []netaddr.IpAddress) {
	hi.ipv4 = ipv4
	hi.ipv6 = ipv6
}

// DnsResolveName 返回用于实际DNS解析的主机名
// 纯ASCII主机名原样返回,其余经 UTS-46 非过渡规则映射为
// ASCII兼容编码
// 返回值:
//   - string 解析用的主机名
//   - error 映射失败时返回 InvalidArgument 错误
func (hi *HostInfo) DnsResolveName() (string, error) {
	isASCII := true
	for i := 0; i < len(hi.hostname); i++ {
		if hi.hostname[i] >= 0x80 {
			isASCII = false
			break
		}
	}
	if isASCII {
		return hi.hostname, nil
	}
	ascii, err := idna.Lookup.ToASCII(hi.hostname)
	if err != nil {
		return "", netstatus.Wrap(netstatus.InvalidArgument, err,
			"主机名转换为ASCII兼容编码失败: %q", hi.hostname)
	}
	return ascii, nil
}

// PickFirstAddress 返回第一个可用地址,优先IPv4
// 返回值:
//   - netaddr.IpAddress 选取的地址
//   - bool 是否存在可用地址
func (hi *HostInfo) PickFirstAddress() (netaddr.IpAddress, bool) {
	if len(hi.ipv4) > 0 {
		return hi.ipv4[0], true
	}
	if len(hi.ipv6) > 0 {
		return hi.ipv6[0], true
	}
	return netaddr.IpAddress{}, false
}

// PickFirstIpv4Address 返回第一个IPv4地址
func (hi *HostInfo) PickFirstIpv4Address() (netaddr.IpAddress, bool) {
	if len(hi.ipv4) > 0 {
		return hi.ipv4[0], true
	}
	return netaddr.IpAddress{}, false
}

// PickFirstIpv6Address 返回第一个IPv6地址
func (hi *HostInfo) PickFirstIpv6Address() (netaddr.IpAddress, bool) {
	if len(hi.ipv6) > 0 {
		return hi.ipv6[0], true
	}
	return netaddr.IpAddress{}, false
}

// PickNextAddress 在全部地址上轮转选取,先IPv4后IPv6
// 仅在没有任何已知地址时返回 false
// 返回值:
//   - netaddr.IpAddress 选取的地址
//   - bool 是否存在可用地址
func (hi *HostInfo) PickNextAddress() (netaddr.IpAddress, bool) {
	total := len(hi.ipv4) + len(hi.ipv6)
	if total == 0 {
		return netaddr.IpAddress{}, false
	}
	ndx := int(hi.nextIP.Add(1)-1) % total
	if ndx < len(hi.ipv4) {
		return hi.ipv4[ndx], true
	}
	return hi.ipv6[ndx-len(hi.ipv4)], true
}

// PickNextIpv4Address 在IPv4地址上轮转选取
func (hi *HostInfo) PickNextIpv4Address() (netaddr.IpAddress, bool) {
	if len(hi.ipv4) == 0 {
		return netaddr.IpAddress{}, false
	}
	return hi.ipv4[int(hi.nextIPv4.Add(1)-1)%len(hi.ipv4)], true
}

// PickNextIpv6Address 在IPv6地址上轮转选取
func (hi *HostInfo) PickNextIpv6Address() (netaddr.IpAddress, bool) {
	if len(hi.ipv6) == 0 {
		return netaddr.IpAddress{}, false
	}
	return hi.ipv6[int(hi.nextIPv6.Add(1)-1)%len(hi.ipv6)], true
}

// String 返回解析信息的人类可读描述
func (hi *HostInfo) String() string {
	var b strings.Builder
	b.WriteString("Hostname: `")
	b.WriteString(hi.hostname)
	b.WriteString("`\n")
	if name, err := hi.DnsResolveName(); err == nil {
		b.WriteString("DNS resolve name: `")
		b.WriteString(name)
		b.WriteString("`\n")
	} else {
		b.WriteString("DNS name error: `")
		b.WriteString(err.Error())
		b.WriteString("`\n")
	}
	for _, ip := range hi.ipv4 {
		b.WriteString("  IPv4: ")
		b.WriteString(ip.String())
		b.WriteString("\n")
	}
	for _, ip := range hi.ipv6 {
		b.WriteString("  IPv6: ")
		b.WriteString(ip.String())
		b.WriteString("\n")
	}
	return b.String()
}
