// Package iobuf 提供了连接I/O使用的字节链缓冲
//
// Chain 是一个只追加的分块字节容器,支持廉价的前缀丢弃与零拷贝的
// 分块视图,用于配合向量化写入
package iobuf

// DefaultBlockSize 默认的分块大小
const DefaultBlockSize = 16384

// Chain 分块字节链
//
// 非并发安全;连接的输入输出缓冲仅在选择器线程访问
type Chain struct {
	blocks    [][]byte // 数据块,首块可能有已消费前缀
	skip      int      // 首块中已消费的字节数
	size      int      // 未消费的总字节数
	blockSize int      // 新块的分配大小
}

// NewChain 构造一个字节链
// 参数:
//   - blockSize: int 分块大小,非正值使用 DefaultBlockSize
//
// 返回值:
//   - *Chain 构造的字节链
func NewChain(blockSize int) *Chain {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Chain{blockSize: blockSize}
}

// Len 返回未消费的字节数
func (c *Chain) Len() int { return c.size }

// Write 将数据拷贝追加到链尾
// 参数:
//   - p: []byte 追加的数据
func (c *Chain) Write(p []byte) {
	for len(p) > 0 {
		if n := len(c.blocks); n > 0 {
			tail := c.blocks[n-1]
			if free := cap(tail) - len(tail); free > 0 {
				take := free
				if take > len(p) {
					take = len(p)
				}
				c.blocks[n-1] = append(tail, p[:take]...)
				c.size += take
				p = p[take:]
				continue
			}
		}
		alloc := c.blockSize
		if alloc < len(p) {
			alloc = len(p)
		}
		block := make([]byte, 0, alloc)
		c.blocks = append(c.blocks, block)
	}
}

// WriteString 将字符串拷贝追加到链尾
func (c *Chain) WriteString(s string) {
	c.Write([]byte(s))
}

// Append 将数据块直接挂到链尾,调用方转移所有权
// 参数:
//   - block: []byte 追加的数据块
func (c *Chain) Append(block []byte) {
	if len(block) == 0 {
		return
	}
	c.blocks = append(c.blocks, block)
	c.size += len(block)
}

// Skip 丢弃链首的 n 个字节
// 参数:
//   - n: int 丢弃的字节数,超过现有数据时清空整条链
func (c *Chain) Skip(n int) {
	if n >= c.size {
		c.Clear()
		return
	}
	c.size -= n
	for n > 0 {
		avail := len(c.blocks[0]) - c.skip
		if n < avail {
			c.skip += n
			return
		}
		n -= avail
		c.blocks = c.blocks[1:]
		c.skip = 0
	}
}

// Blocks 返回链首至多 limit 字节的零拷贝分块视图
// 参数:
//   - limit: int 视图的字节上限,非正值表示不限
//
// 返回值:
//   - [][]byte 分块视图,供向量化写入使用
func (c *Chain) Blocks(limit int) [][]byte {
	if limit <= 0 || limit > c.size {
		limit = c.size
	}
	var out [][]byte
	skip := c.skip
	for _, b := range c.blocks {
		if limit <= 0 {
			break
		}
		chunk := b[skip:]
		skip = 0
		if len(chunk) == 0 {
			continue
		}
		if len(chunk) > limit {
			chunk = chunk[:limit]
		}
		out = append(out, chunk)
		limit -= len(chunk)
	}
	return out
}

// Peek 返回链首至多 n 字节的拷贝,不消费数据
func (c *Chain) Peek(n int) []byte {
	if n > c.size {
		n = c.size
	}
	out := make([]byte, 0, n)
	for _, chunk := range c.Blocks(n) {
		out = append(out, chunk...)
	}
	return out
}

// ReadAll 消费并返回链中全部数据
// 返回值:
//   - []byte 全部未消费的数据
func (c *Chain) ReadAll() []byte {
	out := c.Peek(c.size)
	c.Clear()
	return out
}

// Next 消费并返回链首至多 n 个字节
func (c *Chain) Next(n int) []byte {
	out := c.Peek(n)
	c.Skip(len(out))
	return out
}

// Clear 清空整条链
func (c *Chain) Clear() {
	c.blocks = nil
	c.skip = 0
	c.size = 0
}
