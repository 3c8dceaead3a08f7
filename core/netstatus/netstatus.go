// Package netstatus 定义了网络核心库统一的错误分类体系
//
// 所有同步 API 返回携带分类的错误;事件循环在分发过程中捕获
// 处理器返回的错误,并以该错误作为终止状态关闭对应的对象
package netstatus

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind 表示错误的分类
type Kind int

const (
	// OK 无错误
	OK Kind = iota
	// InvalidArgument 用户数据未通过校验(无法解析的地址、连接端口为0等)
	InvalidArgument
	// FailedPrecondition 在错误的状态下调用了 API
	FailedPrecondition
	// NotFound DNS 名称无法解析;资源查找未命中
	NotFound
	// Unavailable 临时性资源耗尽、连接未就绪、异步解析队列超时
	Unavailable
	// Internal 内核调用意外失败;TLS 引擎报告致命错误
	Internal
	// Unimplemented 当前操作系统未编译对应的后端
	Unimplemented
	// Cancelled 操作被取消
	Cancelled
	// ResourceExhausted 资源耗尽(文件描述符、内存等)
	ResourceExhausted
)

// String 返回错误分类的字符串表示
// 返回值:
//   - string 分类名称
func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case FailedPrecondition:
		return "FAILED_PRECONDITION"
	case NotFound:
		return "NOT_FOUND"
	case Unavailable:
		return "UNAVAILABLE"
	case Internal:
		return "INTERNAL"
	case Unimplemented:
		return "UNIMPLEMENTED"
	case Cancelled:
		return "CANCELLED"
	case ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	default:
		return "UNKNOWN"
	}
}

// Error 携带分类信息的错误对象
type Error struct {
	kind  Kind   // 错误分类
	msg   string // 错误描述
	cause error  // 底层错误,可以为空
}

var _ error = (*Error)(nil)

// Error 实现 error 接口
// 返回值:
//   - string 错误描述
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.msg)
}

// Kind 返回错误的分类
func (e *Error) Kind() Kind { return e.kind }

// Unwrap 返回底层错误
func (e *Error) Unwrap() error { return e.cause }

// Errorf 构造一个指定分类的错误
// 参数:
//   - kind: Kind 错误分类
//   - format: string 格式化字符串
//   - args: ...interface{} 格式化参数
//
// 返回值:
//   - error 构造的错误对象
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap 使用指定分类包装底层错误
// 参数:
//   - kind: Kind 错误分类
//   - cause: error 底层错误
//   - format: string 格式化字符串
//   - args: ...interface{} 格式化参数
//
// 返回值:
//   - error 包装后的错误对象,cause 为空时返回 nil
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf 提取错误的分类
// 参数:
//   - err: error 任意错误
//
// 返回值:
//   - Kind 错误分类,nil 返回 OK,无分类信息时返回 Internal
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Internal
}

// FromErrno 将系统调用错误码转换为分类错误
// 参数:
//   - errno: error 系统调用返回的错误
//   - format: string 格式化字符串
//   - args: ...interface{} 格式化参数
//
// 返回值:
//   - error 分类后的错误对象
func FromErrno(errno error, format string, args ...interface{}) error {
	if errno == nil {
		return nil
	}
	kind := Internal
	var eno unix.Errno
	if errors.As(errno, &eno) {
		switch eno {
		case unix.EAGAIN, unix.EINPROGRESS, unix.ECONNREFUSED, unix.ETIMEDOUT:
			kind = Unavailable
		case unix.EINVAL, unix.EADDRNOTAVAIL, unix.EAFNOSUPPORT:
			kind = InvalidArgument
		case unix.EMFILE, unix.ENFILE, unix.ENOMEM, unix.ENOBUFS:
			kind = ResourceExhausted
		case unix.ECANCELED:
			kind = Cancelled
		}
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: errno}
}
