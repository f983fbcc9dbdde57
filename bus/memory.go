package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus 进程内事件总线。
// 每个订阅者持有独立队列与投递协程：同一主题的事件按发布顺序送达，
// 慢订阅者只阻塞自己的队列，不影响其他订阅者。
type MemoryBus struct {
	mu          sync.Mutex
	subscribers []*memorySubscriber
	queueSize   int
	seq         uint64
	running     bool
	wg          sync.WaitGroup
	quit        chan struct{}
}

type memorySubscriber struct {
	name    string
	topic   EventType
	handler Handler
	queue   chan Event
}

// NewMemoryBus 创建进程内总线；queueSize 为每个订阅者的缓冲深度。
func NewMemoryBus(queueSize int) *MemoryBus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &MemoryBus{
		queueSize: queueSize,
		quit:      make(chan struct{}),
	}
}

// Subscribe 注册订阅者，必须在 Start 之前调用。
func (b *MemoryBus) Subscribe(topic EventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, &memorySubscriber{
		name:    name,
		topic:   topic,
		handler: handler,
		queue:   make(chan Event, b.queueSize),
	})
}

// Publish 发布事件。订阅者队列满时阻塞（背压），保证不丢事件。
func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Seq = atomic.AddUint64(&b.seq, 1)

	b.mu.Lock()
	subs := b.subscribers
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.topic != event.Type && sub.topic != EventAll {
			continue
		}
		select {
		case sub.queue <- event:
		case <-b.quit:
			return
		}
	}
}

// Start 启动投递协程
func (b *MemoryBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	subs := b.subscribers
	b.mu.Unlock()

	for _, sub := range subs {
		b.wg.Add(1)
		go func(s *memorySubscriber) {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.quit:
					// 退出前清空队列，避免关停丢事件
					for {
						select {
						case ev := <-s.queue:
							s.handler(ev)
						default:
							return
						}
					}
				case ev := <-s.queue:
					s.handler(ev)
				}
			}
		}(sub)
	}
	return nil
}

// Stop 停止总线并等待订阅者退出
func (b *MemoryBus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.quit)
	b.wg.Wait()
	return nil
}
