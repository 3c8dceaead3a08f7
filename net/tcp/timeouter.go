package tcp

import (
	"sync"
	"time"

	"github.com/dep2p/netcore/net/selector"
)

// TimeoutId 调用方自定义的超时标识
type TimeoutId = int64

// TimeoutCallback 超时触发时的回调
type TimeoutCallback func(timeoutID TimeoutId)

// Timeouter 按标识管理一组选择器定时器
//
// 通常由一个连接持有;操作可能来自应用线程与选择器线程,
// 内部以互斥锁保护映射
type Timeouter struct {
	sel      *selector.Selector
	callback TimeoutCallback

	mu sync.Mutex
	// 超时标识到定时器标识的映射
	timeouts map[TimeoutId]selector.AlarmId
}

// NewTimeouter 构造一个超时管理器
// 参数:
//   - sel: *selector.Selector 注册定时器的选择器
//   - callback: TimeoutCallback 每次超时触发时调用的回调
//
// 返回值:
//   - *Timeouter 构造的超时管理器
func NewTimeouter(sel *selector.Selector, callback TimeoutCallback) *Timeouter {
	return &Timeouter{
		sel:      sel,
		callback: callback,
		timeouts: make(map[TimeoutId]selector.AlarmId),
	}
}

// SetTimeout 注册或重新注册一个超时
// 同一标识已有定时器时先注销旧的
// 参数:
//   - timeoutID: TimeoutId 超时标识
//   - timeout: time.Duration 距当前的触发时长
func (t *Timeouter) SetTimeout(timeoutID TimeoutId, timeout time.Duration) {
	callback := func() { t.processTimeout(timeoutID) }
	t.mu.Lock()
	defer t.mu.Unlock()
	if alarmID, ok := t.timeouts[timeoutID]; ok {
		t.sel.UnregisterAlarm(alarmID)
	}
	t.timeouts[timeoutID] = t.sel.RegisterAlarm(callback, timeout)
}

// ClearTimeout 清除一个已注册的超时
// 参数:
//   - timeoutID: TimeoutId 超时标识
//
// 返回值:
//   - bool 确实清除了一个超时返回 true
func (t *Timeouter) ClearTimeout(timeoutID TimeoutId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	alarmID, ok := t.timeouts[timeoutID]
	if !ok {
		return false
	}
	t.sel.UnregisterAlarm(alarmID)
	delete(t.timeouts, timeoutID)
	return true
}

// ClearAllTimeouts 清除全部超时
func (t *Timeouter) ClearAllTimeouts() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, alarmID := range t.timeouts {
		t.sel.UnregisterAlarm(alarmID)
	}
	t.timeouts = make(map[TimeoutId]selector.AlarmId)
}

// processTimeout 定时器触发路径:先原子地移除映射再调用回调
// 若 ClearTimeout 先执行则回调被抑制
func (t *Timeouter) processTimeout(timeoutID TimeoutId) {
	t.mu.Lock()
	_, ok := t.timeouts[timeoutID]
	delete(t.timeouts, timeoutID)
	t.mu.Unlock()
	if ok {
		t.callback(timeoutID)
	}
}
