package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DurableBus 持久化事件总线。
// 事件以 JSON 行追加到日志文件，投递完成后推进 ack 偏移；
// 进程重启时从上次 ack 之后回放，保证至少一次投递。
// 投递顺序与写入顺序一致，与 MemoryBus 保持相同的有序保证。
type DurableBus struct {
	journalPath string
	offsetPath  string
	registry    *payloadRegistry

	mu          sync.Mutex
	file        *os.File
	pending     []Event
	subscribers []*durableSubscriber
	seq         uint64
	acked       uint64
	running     bool

	notify chan struct{}
	quit   chan struct{}
	wg     sync.WaitGroup
}

type durableSubscriber struct {
	name    string
	topic   EventType
	handler Handler
}

type journalRecord struct {
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
}

// NewDurableBus 创建持久化总线；日志与偏移文件位于 dir 下。
func NewDurableBus(dir string) (*DurableBus, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &DurableBus{
		journalPath: filepath.Join(dir, "events.jsonl"),
		offsetPath:  filepath.Join(dir, "events.offset"),
		registry:    newPayloadRegistry(),
		notify:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
	}, nil
}

// RegisterPayload 注册自定义负载类型的解码工厂（回放时使用）。
func (b *DurableBus) RegisterPayload(t EventType, fn func() interface{}) {
	b.registry.register(t, fn)
}

// Subscribe 注册订阅者，必须在 Start 之前调用。
func (b *DurableBus) Subscribe(topic EventType, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, &durableSubscriber{name: name, topic: topic, handler: handler})
}

// Publish 追加事件到日志并排队投递。写失败时事件仍在内存排队。
func (b *DurableBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.seq++
	event.Seq = b.seq

	raw, err := json.Marshal(event.Payload)
	if err == nil {
		event.raw = raw
		rec := journalRecord{Seq: event.Seq, Type: event.Type, Timestamp: event.Timestamp, Payload: raw}
		if line, err := json.Marshal(rec); err == nil && b.file != nil {
			_, _ = b.file.Write(append(line, '\n'))
			_ = b.file.Sync()
		}
	}
	b.pending = append(b.pending, event)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Start 打开日志、回放未 ack 事件并启动投递协程。
func (b *DurableBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}

	if err := b.loadOffset(); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.replayJournal(); err != nil {
		b.mu.Unlock()
		return err
	}

	file, err := os.OpenFile(b.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("open journal: %w", err)
	}
	b.file = file
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.dispatchLoop(ctx)

	// 已有回放事件时立即触发投递
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stop 停止总线
func (b *DurableBus) Stop() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	close(b.quit)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
	return nil
}

func (b *DurableBus) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		ev, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.quit:
				// 排空剩余事件后退出
				for {
					ev, ok := b.next()
					if !ok {
						return
					}
					b.deliver(ev)
				}
			case <-b.notify:
				continue
			}
		}
		b.deliver(ev)
	}
}

func (b *DurableBus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Event{}, false
	}
	ev := b.pending[0]
	b.pending = b.pending[1:]
	return ev, true
}

// deliver 顺序投递给所有匹配订阅者，全部处理后推进 ack。
// 崩溃在 ack 之前发生时该事件会被重放（至少一次）。
func (b *DurableBus) deliver(ev Event) {
	b.mu.Lock()
	subs := b.subscribers
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.topic == ev.Type || sub.topic == EventAll {
			sub.handler(ev)
		}
	}

	b.mu.Lock()
	b.acked = ev.Seq
	b.mu.Unlock()
	_ = os.WriteFile(b.offsetPath, []byte(strconv.FormatUint(ev.Seq, 10)), 0644)
}

func (b *DurableBus) loadOffset() error {
	data, err := os.ReadFile(b.offsetPath)
	if err != nil {
		if os.IsNotExist(err) {
			b.acked = 0
			return nil
		}
		return fmt.Errorf("read offset: %w", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("parse offset: %w", err)
	}
	b.acked = n
	return nil
}

// replayJournal 加载日志中 seq > acked 的事件到待投递队列
func (b *DurableBus) replayJournal() error {
	file, err := os.Open(b.journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal for replay: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// 尾部截断的脏行：跳过，不中断回放
			continue
		}
		if rec.Seq > b.seq {
			b.seq = rec.Seq
		}
		if rec.Seq <= b.acked {
			continue
		}
		payload, err := b.registry.decode(rec.Type, rec.Payload)
		if err != nil {
			continue
		}
		b.pending = append(b.pending, Event{
			Type:      rec.Type,
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Payload:   payload,
			raw:       rec.Payload,
		})
	}
	return scanner.Err()
}
