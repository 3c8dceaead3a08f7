package selector

import (
	"sync"
	"sync/atomic"
)

// SelectorThread 将一个选择器包装进独立的OS线程
//
// Start 启动线程并运行循环直至结束;Stop 调度循环退出并等待线程
// 结束,重复调用安全
type SelectorThread struct {
	sel *Selector

	mu sync.Mutex
	// 循环goroutine的完成信号,未启动时为 nil
	done chan struct{}
	// 最近一次循环的终止状态
	loopStatus error

	isStarted atomic.Bool
}

// NewSelectorThread 构造一个处于停止状态的选择器线程
// 参数:
//   - params: Params 底层选择器的配置参数
//
// 返回值:
//   - *SelectorThread 构造的选择器线程
//   - error 底层选择器创建失败时返回错误
func NewSelectorThread(params Params) (*SelectorThread, error) {
	sel, err := New(params)
	if err != nil {
		return nil, err
	}
	return &SelectorThread{sel: sel}, nil
}

// Start 在独立线程中启动选择器循环
// 返回值:
//   - bool 本次启动返回 true,已在运行返回 false
func (st *SelectorThread) Start() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done != nil || st.isStarted.Load() {
		return false
	}
	done := make(chan struct{})
	st.done = done
	st.isStarted.Store(true)
	go func() {
		status := st.sel.Loop()
		st.mu.Lock()
		st.loopStatus = status
		st.mu.Unlock()
		close(done)
	}()
	return true
}

// Stop 调度循环退出并等待线程结束
// 返回值:
//   - bool 本次停止返回 true,已停止返回 false
func (st *SelectorThread) Stop() bool {
	st.mu.Lock()
	done := st.done
	st.done = nil
	st.mu.Unlock()
	if done == nil {
		return false
	}
	st.sel.MakeLoopExit()
	<-done
	st.isStarted.Store(false)
	return true
}

// CleanAndCloseAll 投递关闭全部已注册对象的请求
// 为线程的干净退出做准备
func (st *SelectorThread) CleanAndCloseAll() {
	st.sel.RunInSelectLoop(func() {
		if err := st.sel.CleanAndCloseAll(); err != nil {
			log.Warnf("选择器线程关闭全部对象失败: %v", err)
		}
	})
}

// Selector 返回底层的选择器
func (st *SelectorThread) Selector() *Selector { return st.sel }

// IsStarted 判断选择器线程是否正在运行
func (st *SelectorThread) IsStarted() bool { return st.isStarted.Load() }

// LoopStatus 返回最近一次循环的终止状态
func (st *SelectorThread) LoopStatus() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.loopStatus
}
