// Package netaddr 提供了网络地址的数据模型
//
// IpAddress 是一个不可变的16字节地址值,IPv4 地址以 IPv4 映射 IPv6
// 形式(前缀 ::ffff:)存储;HostPort 是 {主机名, IP, 端口, 范围ID}
// 的可选元组,并提供与内核 sockaddr 结构的互相转换
package netaddr

import (
	"bytes"
	"net"

	"github.com/dep2p/netcore/core/netstatus"
	"golang.org/x/sys/unix"
)

// IpV6Size IPv6 地址的字节长度
const IpV6Size = 16

// ipv4Index IPv4 地址在16字节缓冲区中的起始位置
const ipv4Index = 12

// ipv4Prefix IPv4 映射 IPv6 地址的固定前缀
var ipv4Prefix = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}

// IpAddress 一个不可变的IP地址值,可直接比较、可作为map键
type IpAddress struct {
	addr [IpV6Size]byte
}

// IPv4Loopback IPv4 回环地址 (127.0.0.1)
var IPv4Loopback = IpAddress{addr: [IpV6Size]byte{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 127, 0, 0, 1}}

// IPv6Loopback IPv6 回环地址 (::1)
var IPv6Loopback = IpAddress{addr: [IpV6Size]byte{
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}}

// NewIpV4 从主机字节序的32位值构造一个IPv4地址
// 参数:
//   - addr: uint32 主机字节序的IPv4地址
//
// 返回值:
//   - IpAddress 构造的地址对象
func NewIpV4(addr uint32) IpAddress {
	var ip IpAddress
	ip.addr[10] = 0xff
	ip.addr[11] = 0xff
	ip.addr[12] = byte(addr >> 24)
	ip.addr[13] = byte(addr >> 16)
	ip.addr[14] = byte(addr >> 8)
	ip.addr[15] = byte(addr)
	return ip
}

// NewIpFromBytes 从16字节缓冲区构造一个地址
// 参数:
//   - addr: [16]byte 地址字节
//
// 返回值:
//   - IpAddress 构造的地址对象
func NewIpFromBytes(addr [IpV6Size]byte) IpAddress {
	return IpAddress{addr: addr}
}

// IsIPv4 判断是否为IPv4映射地址
// 返回值:
//   - bool 前12字节为 ::ffff: 前缀时返回 true
func (ip IpAddress) IsIPv4() bool {
	return bytes.Equal(ip.addr[:ipv4Index], ipv4Prefix)
}

// IsIPv6 判断是否为纯IPv6地址
func (ip IpAddress) IsIPv6() bool { return !ip.IsIPv4() }

// IsLocalLink 判断是否为链路本地地址
// 返回值:
//   - bool IPv4 的 169.254.0.0/16 或 IPv6 的 fe80::/64 返回 true
func (ip IpAddress) IsLocalLink() bool {
	if ip.IsIPv4() {
		return ip.addr[12] == 169 && ip.addr[13] == 254
	}
	return ip.addr[0] == 0xfe && ip.addr[1] == 0x80 &&
		bytes.Equal(ip.addr[2:8], []byte{0, 0, 0, 0, 0, 0})
}

// IPv4 返回主机字节序的IPv4部分
// 返回值:
//   - uint32 最后4字节组成的32位值
func (ip IpAddress) IPv4() uint32 {
	return uint32(ip.addr[12])<<24 | uint32(ip.addr[13])<<16 |
		uint32(ip.addr[14])<<8 | uint32(ip.addr[15])
}

// Bytes 返回完整的16字节地址
func (ip IpAddress) Bytes() [IpV6Size]byte { return ip.addr }

// Compare 按字节字典序比较两个地址
// 参数:
//   - other: IpAddress 比较对象
//
// 返回值:
//   - int 本地址较小返回-1,相等返回0,较大返回1
func (ip IpAddress) Compare(other IpAddress) int {
	return bytes.Compare(ip.addr[:], other.addr[:])
}

// ParseIpFromString 从字符串解析IP地址
// 支持点分十进制的IPv4形式与冒号十六进制的IPv6形式
// 参数:
//   - s: string 地址字符串
//
// 返回值:
//   - IpAddress 解析出的地址
//   - error 无法解析时返回 InvalidArgument 错误
func ParseIpFromString(s string) (IpAddress, error) {
	if len(s) == 0 {
		return IpAddress{}, netstatus.Errorf(netstatus.InvalidArgument,
			"IP地址字符串为空")
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return IpAddress{}, netstatus.Errorf(netstatus.InvalidArgument,
			"IP地址字符串既不是IPv4也不是IPv6形式: %q", s)
	}
	if v4 := parsed.To4(); v4 != nil {
		return NewIpV4(uint32(v4[0])<<24 | uint32(v4[1])<<16 |
			uint32(v4[2])<<8 | uint32(v4[3])), nil
	}
	var ip IpAddress
	copy(ip.addr[:], parsed.To16())
	return ip, nil
}

// ParseIpFromSockaddr 从内核 sockaddr 结构解析IP地址
// 参数:
//   - sa: unix.Sockaddr 内核地址结构,须为 AF_INET 或 AF_INET6 族
//
// 返回值:
//   - IpAddress 解析出的地址
//   - error 地址族不支持时返回 InvalidArgument 错误
func ParseIpFromSockaddr(sa unix.Sockaddr) (IpAddress, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return NewIpV4(uint32(a.Addr[0])<<24 | uint32(a.Addr[1])<<16 |
			uint32(a.Addr[2])<<8 | uint32(a.Addr[3])), nil
	case *unix.SockaddrInet6:
		return NewIpFromBytes(a.Addr), nil
	default:
		return IpAddress{}, netstatus.Errorf(netstatus.InvalidArgument,
			"sockaddr结构不是AF_INET或AF_INET6地址族")
	}
}

// ToSockaddr 将地址与端口转换为内核 sockaddr 结构
// 参数:
//   - port: uint16 主机字节序的端口号
//   - scopeID: uint32 IPv6范围ID,IPv4时忽略
//
// 返回值:
//   - unix.Sockaddr 可用于 bind/connect 的内核地址结构
func (ip IpAddress) ToSockaddr(port uint16, scopeID uint32) unix.Sockaddr {
	if ip.IsIPv4() {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], ip.addr[ipv4Index:])
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(port), ZoneId: scopeID}
	sa.Addr = ip.addr
	return sa
}

// String 返回地址的规范字符串表示
// IPv4 为点分十进制,IPv6 为规范的缩短形式
func (ip IpAddress) String() string {
	if ip.IsIPv4() {
		return net.IP(ip.addr[ipv4Index:]).String()
	}
	return net.IP(ip.addr[:]).String()
}
