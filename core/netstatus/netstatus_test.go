package netstatus

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

// TestKindOf 测试错误分类的提取
func TestKindOf(t *testing.T) {
	if KindOf(nil) != OK {
		t.Fatal("nil错误应当归类为OK")
	}
	err := Errorf(NotFound, "没有这个东西")
	if KindOf(err) != NotFound {
		t.Fatalf("分类提取错误: %v", KindOf(err))
	}
	if KindOf(errors.New("普通错误")) != Internal {
		t.Fatal("无分类信息的错误应当归类为Internal")
	}
}

// TestWrap 测试错误包装与解包
func TestWrap(t *testing.T) {
	if Wrap(Unavailable, nil, "无事发生") != nil {
		t.Fatal("包装nil应当返回nil")
	}
	cause := errors.New("底层失败")
	err := Wrap(Unavailable, cause, "操作失败")
	if KindOf(err) != Unavailable {
		t.Fatalf("分类错误: %v", KindOf(err))
	}
	if !errors.Is(err, cause) {
		t.Fatal("包装后应当保留底层错误链")
	}
}

// TestFromErrno 测试系统错误码的分类映射
func TestFromErrno(t *testing.T) {
	cases := map[unix.Errno]Kind{
		unix.EAGAIN:    Unavailable,
		unix.EINVAL:    InvalidArgument,
		unix.EMFILE:    ResourceExhausted,
		unix.EBADF:     Internal,
		unix.ECANCELED: Cancelled,
	}
	for errno, want := range cases {
		err := FromErrno(errno, "系统调用失败")
		if KindOf(err) != want {
			t.Fatalf("errno %v 应当映射为 %v,实际为 %v", errno, want, KindOf(err))
		}
		if !errors.Is(err, errno) {
			t.Fatalf("errno %v 应当保留在错误链中", errno)
		}
	}
	if FromErrno(nil, "无事") != nil {
		t.Fatal("nil错误码应当返回nil")
	}
}
