package netaddr

import (
	"strconv"
	"strings"

	"github.com/dep2p/netcore/core/netstatus"
	"golang.org/x/sys/unix"
)

// HostPort 主机名、IP地址、端口与范围ID的可选元组
//
// 各成员均可缺失;有效性规则为 端口非0 且 (主机名或IP已设置),
// 已解析规则为 端口非0 且 IP已设置
type HostPort struct {
	host     string    // 主机名,空串表示未设置
	ip       IpAddress // IP地址,仅在 hasIP 时有效
	hasIP    bool      // IP是否已设置
	port     uint16    // 端口,0表示未设置
	scopeID  uint32    // IPv6范围ID,仅在 hasScope 时有效
	hasScope bool      // 范围ID是否已设置
}

// Host 返回主机名
// 返回值:
//   - string 主机名
//   - bool 主机名是否已设置
func (hp *HostPort) Host() (string, bool) { return hp.host, hp.host != "" }

// IP 返回IP地址
// 返回值:
//   - IpAddress IP地址
//   - bool IP是否已设置
func (hp *HostPort) IP() (IpAddress, bool) { return hp.ip, hp.hasIP }

// Port 返回端口号,0表示未设置
func (hp *HostPort) Port() uint16 { return hp.port }

// ScopeID 返回IPv6范围ID
// 返回值:
//   - uint32 范围ID
//   - bool 范围ID是否已设置
func (hp *HostPort) ScopeID() (uint32, bool) { return hp.scopeID, hp.hasScope }

// SetHost 设置主机名
func (hp *HostPort) SetHost(host string) *HostPort {
	hp.host = host
	return hp
}

// SetIP 设置IP地址
func (hp *HostPort) SetIP(ip IpAddress) *HostPort {
	hp.ip = ip
	hp.hasIP = true
	return hp
}

// SetPort 设置端口号
func (hp *HostPort) SetPort(port uint16) *HostPort {
	hp.port = port
	return hp
}

// SetScopeID 设置IPv6范围ID
func (hp *HostPort) SetScopeID(scopeID uint32) *HostPort {
	hp.scopeID = scopeID
	hp.hasScope = true
	return hp
}

// IsValid 判断是否有效,即端口非0且主机名或IP已设置
func (hp *HostPort) IsValid() bool {
	return hp.port != 0 && (hp.hasIP || hp.host != "")
}

// IsResolved 判断是否已解析,即端口非0且IP已设置
func (hp *HostPort) IsResolved() bool {
	return hp.port != 0 && hp.hasIP
}

// Update 用另一个 HostPort 中已设置的成员更新本对象
// 参数:
//   - other: *HostPort 更新来源
func (hp *HostPort) Update(other *HostPort) {
	if other.host != "" {
		hp.host = other.host
	}
	if other.hasIP {
		hp.SetIP(other.ip)
	}
	if other.port != 0 {
		hp.port = other.port
	}
	if other.hasScope {
		hp.SetScopeID(other.scopeID)
	}
}

// String 返回规范的字符串表示: host[ip]:port
// IPv6 的IP部分始终以 [...] 包裹;全部成员缺失时返回 "[]"
func (hp *HostPort) String() string {
	var b strings.Builder
	if hp.host != "" {
		b.WriteString(hp.host)
	}
	if hp.hasIP {
		brackets := b.Len() > 0 || hp.ip.IsIPv6()
		if brackets {
			b.WriteByte('[')
		}
		b.WriteString(hp.ip.String())
		if brackets {
			b.WriteByte(']')
		}
	}
	if hp.port != 0 {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(hp.port)))
	}
	if b.Len() == 0 {
		return "[]"
	}
	return b.String()
}

// ToHostportString 返回适合网络使用的表示
// IP存在时返回 ip:port,否则返回 host:port
// 返回值:
//   - string 网络地址字符串
//   - error 主机与IP均缺失或端口缺失时返回 FailedPrecondition 错误
func (hp *HostPort) ToHostportString() (string, error) {
	var b strings.Builder
	if hp.hasIP {
		if hp.ip.IsIPv6() {
			b.WriteByte('[')
			b.WriteString(hp.ip.String())
			b.WriteByte(']')
		} else {
			b.WriteString(hp.ip.String())
		}
	} else if hp.host != "" {
		b.WriteString(hp.host)
	} else {
		return "", netstatus.Errorf(netstatus.FailedPrecondition,
			"HostPort未设置主机名或IP")
	}
	if hp.port == 0 {
		return "", netstatus.Errorf(netstatus.FailedPrecondition,
			"HostPort未设置端口")
	}
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(int(hp.port)))
	return b.String(), nil
}

// ToSockaddr 将本对象转换为内核 sockaddr 结构
// 返回值:
//   - unix.Sockaddr 内核地址结构
//   - error 未解析时返回 FailedPrecondition 错误
func (hp *HostPort) ToSockaddr() (unix.Sockaddr, error) {
	if !hp.IsResolved() {
		return nil, netstatus.Errorf(netstatus.FailedPrecondition,
			"HostPort尚未解析,无法转换为sockaddr: %s", hp.String())
	}
	var scope uint32
	if hp.hasScope {
		scope = hp.scopeID
	}
	return hp.ip.ToSockaddr(hp.port, scope), nil
}

// ParseFromString 从字符串解析 HostPort
//
// 解析规则:若末尾含 "]" 则右方括号必须是最后一个字符,
// 否则以最后一个 ":" 分隔主机与端口
// 参数:
//   - s: string 形如 host:port / ip:port / [ipv6]:port / [ipv6] 的字符串
//
// 返回值:
//   - *HostPort 解析结果,可能无效或未解析
//   - error 端口号非法或IPv6缺少方括号时返回 InvalidArgument 错误
func ParseFromString(s string) (*HostPort, error) {
	result := &HostPort{}
	if len(s) == 0 {
		return result, nil
	}
	pos := -1
	if !strings.HasSuffix(s, "]") {
		pos = strings.LastIndexByte(s, ':')
	}
	host := s
	if pos >= 0 {
		host = s[:pos]
	}
	ipHost := host
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		ipHost = host[1 : len(host)-1]
	}
	if ip, err := ParseIpFromString(ipHost); err == nil {
		result.SetIP(ip)
		if ip.IsIPv6() && ipHost == host {
			return nil, netstatus.Errorf(netstatus.InvalidArgument,
				"IPv6主机端口需要使用 [ip]:port 形式: %q", s)
		}
	} else {
		result.SetHost(host)
	}
	if pos >= 0 {
		port, err := strconv.ParseUint(s[pos+1:], 10, 32)
		if err != nil {
			return nil, netstatus.Errorf(netstatus.InvalidArgument,
				"无法解析HostPort端口: %q", s)
		}
		if port == 0 || port > 0xffff {
			return nil, netstatus.Errorf(netstatus.InvalidArgument,
				"HostPort端口超出范围: %d", port)
		}
		result.SetPort(uint16(port))
	}
	return result, nil
}

// ParseFromSockaddr 从内核 sockaddr 结构解析 HostPort
// 仅设置 IP、端口与范围ID
// 参数:
//   - sa: unix.Sockaddr 内核地址结构
//
// 返回值:
//   - *HostPort 解析结果
//   - error 地址族不支持时返回 InvalidArgument 错误
func ParseFromSockaddr(sa unix.Sockaddr) (*HostPort, error) {
	ip, err := ParseIpFromSockaddr(sa)
	if err != nil {
		return nil, err
	}
	hp := &HostPort{}
	hp.SetIP(ip)
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		hp.SetPort(uint16(a.Port))
	case *unix.SockaddrInet6:
		hp.SetPort(uint16(a.Port))
		if a.ZoneId != 0 {
			hp.SetScopeID(a.ZoneId)
		}
	}
	return hp, nil
}

// AnySockaddr 构造一个监听任意地址的内核 sockaddr 结构
// 参数:
//   - ipv6: bool 是否使用IPv6地址族
//   - port: uint16 端口号
//
// 返回值:
//   - unix.Sockaddr 可用于 bind 的内核地址结构
func AnySockaddr(ipv6 bool, port uint16) unix.Sockaddr {
	if ipv6 {
		return &unix.SockaddrInet6{Port: int(port)}
	}
	return &unix.SockaddrInet4{Port: int(port)}
}
