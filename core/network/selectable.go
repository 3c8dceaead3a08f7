// Package network 定义了反应器核心的能力接口与共享类型
//
// Selectable 表示一个持有文件描述符并注册到选择器上的I/O对象;
// Conn 与 Acceptor 是字节流连接与监听器的能力接口,由 net/tcp 与
// net/ssl 中的具体类型实现
package network

// SelectDesire 表示 Selectable 请求选择器观察的事件集合
type SelectDesire uint32

const (
	// WantRead 关注可读事件
	WantRead SelectDesire = 1 << iota
	// WantWrite 关注可写事件
	WantWrite
	// WantError 关注错误事件
	WantError
)

// DefaultDesire 新注册对象的默认事件集合:可读与错误
const DefaultDesire = WantRead | WantError

// InvalidFd 无效文件描述符的哨兵值
const InvalidFd = -1

// EventData 选择器分发给 Selectable 的单个事件
type EventData struct {
	// Selectable 事件关联的I/O对象,唤醒描述符的事件为 nil
	Selectable Selectable
	// Desires 触发的事件集合,为 SelectDesire 的按位或
	Desires SelectDesire
	// InternalEvent 后端原始事件位,供选择器的事件谓词判断
	InternalEvent uint32
}

// Selector 事件循环的最小接口,供 Selectable 持有反向引用
//
// 完整实现位于 net/selector 包;此处仅声明 Selectable 注册关系
// 所需的能力,避免循环依赖
type Selector interface {
	// IsInSelectThread 判断调用者是否为选择器循环线程
	IsInSelectThread() bool
	// RunInSelectLoop 将任务投递到选择器线程执行,任意线程可调用
	RunInSelectLoop(task func())
}

// Selectable 注册到选择器上的I/O对象
//
// 同一时刻最多被一个选择器拥有;所有 Handle 方法仅由拥有它的
// 选择器线程调用,返回 false 表示停止分发本步内的后续事件
type Selectable interface {
	// Fd 返回关联的文件描述符,无效时返回 InvalidFd
	Fd() int

	// HandleReadEvent 处理可读事件
	// 返回值:
	//   - bool 是否继续处理该对象的后续事件
	HandleReadEvent(event EventData) bool

	// HandleWriteEvent 处理可写事件
	// 返回值:
	//   - bool 是否继续处理该对象的后续事件
	HandleWriteEvent(event EventData) bool

	// HandleErrorEvent 处理错误事件
	// 返回值:
	//   - bool 是否继续处理该对象的后续事件
	HandleErrorEvent(event EventData) bool

	// Close 关闭对象及其文件描述符,实现内部须重新进入 Unregister
	Close()

	// Selector 返回拥有本对象的选择器,未注册时为 nil
	Selector() Selector
	// SetSelector 设置选择器反向引用
	// 仅允许从 nil 设置为非 nil,或清空回 nil
	SetSelector(s Selector)

	// Desire 返回当前关注的事件集合,仅由选择器修改
	Desire() SelectDesire
	// SetDesire 更新关注的事件集合,仅由选择器调用
	SetDesire(d SelectDesire)
}

// SelectableBase Selectable 反向引用与事件集合的公共实现
// 嵌入具体的I/O对象中使用
type SelectableBase struct {
	selector Selector     // 拥有本对象的选择器
	desire   SelectDesire // 当前关注的事件集合
}

// NewSelectableBase 构造一个带默认事件集合的公共基础
func NewSelectableBase(s Selector) SelectableBase {
	return SelectableBase{selector: s, desire: DefaultDesire}
}

// Selector 返回拥有本对象的选择器
func (b *SelectableBase) Selector() Selector { return b.selector }

// SetSelector 设置选择器反向引用
func (b *SelectableBase) SetSelector(s Selector) { b.selector = s }

// Desire 返回当前关注的事件集合
func (b *SelectableBase) Desire() SelectDesire { return b.desire }

// SetDesire 更新关注的事件集合
func (b *SelectableBase) SetDesire(d SelectDesire) { b.desire = d }
