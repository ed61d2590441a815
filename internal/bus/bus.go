// Package bus 提供进程内事件总线。
// 事件按 Key 哈希到固定数量的分片，同一分片内串行分发，
// 保证同一订单或同一转账的事件按发布顺序处理。
package bus

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

const defaultShardCount = 16

// Handler 事件处理函数
// 返回错误仅记录日志，不中断同主题其他处理函数。
type Handler func(ctx context.Context, event Event) error

type envelope struct {
	ctx   context.Context
	event Event
}

// Bus 进程内事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler

	shards []chan envelope
	wg     sync.WaitGroup // 在途事件计数
	runWg  sync.WaitGroup // 分片协程
	closed bool
}

// Option 总线配置选项
type Option func(*options)

type options struct {
	shardCount int
	bufferSize int
}

// WithShardCount 设置分片数量
func WithShardCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shardCount = n
		}
	}
}

// WithBufferSize 设置每个分片的队列长度
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// New 创建事件总线并启动分片协程
func New(opts ...Option) *Bus {
	o := &options{
		shardCount: defaultShardCount,
		bufferSize: 1024,
	}
	for _, opt := range opts {
		opt(o)
	}

	b := &Bus{
		handlers: make(map[Topic][]Handler),
		shards:   make([]chan envelope, o.shardCount),
	}

	for i := range b.shards {
		b.shards[i] = make(chan envelope, o.bufferSize)
		b.runWg.Add(1)
		go b.runShard(b.shards[i])
	}

	return b
}

// Subscribe 注册事件处理函数
// 同一主题的处理函数按注册顺序执行，订阅须在发布开始前完成。
func (b *Bus) Subscribe(topic Topic, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], handler)
}

// Publish 发布事件
// 入队后立即返回，分发在分片协程中异步进行。
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		logger.Warn("publish on closed bus dropped",
			zap.String("topic", string(event.Topic())),
			zap.String("key", event.Key()))
		return
	}
	b.wg.Add(1)
	b.mu.RUnlock()

	b.shards[b.shardIndex(event.Key())] <- envelope{ctx: ctx, event: event}
}

func (b *Bus) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % len(b.shards)
}

func (b *Bus) runShard(ch chan envelope) {
	defer b.runWg.Done()
	for env := range ch {
		b.dispatch(env.ctx, env.event)
		b.wg.Done()
	}
}

func (b *Bus) dispatch(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Topic()]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			logger.Error("event handler failed",
				zap.String("topic", string(event.Topic())),
				zap.String("key", event.Key()),
				zap.Error(err))
		}
	}
}

// Flush 等待所有已发布事件分发完成
func (b *Bus) Flush() {
	b.wg.Wait()
}

// Close 停止总线，等待在途事件分发完成
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()
	for _, ch := range b.shards {
		close(ch)
	}
	b.runWg.Wait()
}
