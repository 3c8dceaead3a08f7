package selector

import (
	"bytes"
	"runtime"
	"strconv"
)

// curThreadId 返回当前goroutine的标识
//
// 循环goroutine通过 LockOSThread 独占一个OS线程,事件处理器与
// 延迟任务都在该goroutine上执行,因此以goroutine标识判定
// "是否在选择器线程中" 与线程判定等价,且在所有平台可用
func curThreadId() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// 栈首形如 "goroutine 12 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
