package lfqueue

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// TestQueueSingleProducerSingleConsumerOrder 测试单生产者单消费者
// 时元素按插入顺序出队
func TestQueueSingleProducerSingleConsumerOrder(t *testing.T) {
	q := New[int](Options{
		Capacity:     64,
		NumProducers: 1,
		NumConsumers: 1,
		WaitDuration: 10 * time.Microsecond,
	})
	const n = 10000
	go func() {
		for i := 0; i < n; i++ {
			q.Put(i, 0)
		}
	}()
	for i := 0; i < n; i++ {
		if got := q.Get(0); got != i {
			t.Fatalf("顺序错乱: 位置 %d 取到 %d", i, got)
		}
	}
}

// TestQueueCapacityRounding 测试容量向上取整到2的幂
func TestQueueCapacityRounding(t *testing.T) {
	q := New[int](Options{Capacity: 100, NumProducers: 1, NumConsumers: 1})
	if q.size != 128 {
		t.Fatalf("容量应当取整到128,实际为 %d", q.size)
	}
}

// TestQueuePutTimeout 测试限时投递在队列满时失败且无副作用
func TestQueuePutTimeout(t *testing.T) {
	q := New[int](Options{
		Capacity:     4,
		NumProducers: 1,
		NumConsumers: 1,
		WaitDuration: 100 * time.Microsecond,
	})
	for i := 0; i < 4; i++ {
		q.Put(i, 0)
	}
	if q.PutTimeout(99, 0, 20*time.Millisecond) {
		t.Fatal("队列已满,限时投递应当失败")
	}
	if q.Size() != 4 {
		t.Fatalf("失败的投递不应有副作用: size=%d", q.Size())
	}
	if got := q.Get(0); got != 0 {
		t.Fatalf("队首元素错误: %d", got)
	}
	if !q.PutTimeout(99, 0, 20*time.Millisecond) {
		t.Fatal("腾出空位后限时投递应当成功")
	}
}

// TestQueueMpmcStress 多生产者多消费者压力测试
// 校验出队元素的多重集等于入队元素的多重集
func TestQueueMpmcStress(t *testing.T) {
	const (
		numProducers = 8
		numConsumers = 8
		perProducer  = 20000
	)
	q := New[int](Options{
		Capacity:     128,
		NumProducers: numProducers,
		NumConsumers: numConsumers + numProducers,
		WaitDuration: 10 * time.Microsecond,
	})

	var mu sync.Mutex
	counts := make(map[int]int)

	var producers errgroup.Group
	for p := 0; p < numProducers; p++ {
		producers.Go(func() error {
			for i := 0; i < perProducer; i++ {
				q.Put(i, p)
			}
			return nil
		})
	}

	var consumers errgroup.Group
	for cid := 0; cid < numConsumers; cid++ {
		consumers.Go(func() error {
			local := make(map[int]int)
			for {
				v := q.Get(cid)
				if v < 0 {
					break
				}
				local[v]++
			}
			mu.Lock()
			for k, n := range local {
				counts[k] += n
			}
			mu.Unlock()
			return nil
		})
	}

	if err := producers.Wait(); err != nil {
		t.Fatal(err)
	}
	// 每个消费者一个退出哨兵
	for i := 0; i < numConsumers; i++ {
		q.Put(-1, 0)
	}
	if err := consumers.Wait(); err != nil {
		t.Fatal(err)
	}

	if len(counts) != perProducer {
		t.Fatalf("取值种类错误: %d", len(counts))
	}
	for v := 0; v < perProducer; v++ {
		if counts[v] != numProducers {
			t.Fatalf("值 %d 的出现次数错误: %d", v, counts[v])
		}
	}
}
