// Package worker 承载后台任务: 转账执行工作池与订单过期清扫。
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

var ErrExecutorStopped = errors.New("transfer executor stopped")

// TransferExecutor 转账执行接口，由 service.TransferService 实现
type TransferExecutor interface {
	Execute(ctx context.Context, transferID string) error
}

// ExecutorPool 转账执行工作池
// 订阅转账登记事件，经有界队列分发给固定数量的 worker 执行。
// 队列满时入队阻塞在 worker 消费上，形成天然背压。
type ExecutorPool struct {
	executor TransferExecutor
	eventBus *bus.Bus

	queue   chan string
	workers int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// ExecutorPoolConfig 工作池配置
type ExecutorPoolConfig struct {
	Workers   int
	QueueSize int
}

// NewExecutorPool 创建转账执行工作池
func NewExecutorPool(executor TransferExecutor, eventBus *bus.Bus, cfg *ExecutorPoolConfig) *ExecutorPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	return &ExecutorPool{
		executor: executor,
		eventBus: eventBus,
		queue:    make(chan string, queueSize),
		workers:  workers,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动 worker 并订阅转账登记事件
func (p *ExecutorPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.eventBus.Subscribe(bus.TopicTransferScheduled, p.onTransferScheduled)
	logger.Info("transfer executor pool started", zap.Int("workers", p.workers))
}

// Stop 停止工作池，等待在途执行完成
func (p *ExecutorPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	logger.Info("transfer executor pool stopped")
}

// Enqueue 将转账排入执行队列
func (p *ExecutorPool) Enqueue(transferID string) error {
	select {
	case <-p.stopCh:
		return ErrExecutorStopped
	default:
	}

	select {
	case <-p.stopCh:
		return ErrExecutorStopped
	case p.queue <- transferID:
		metrics.TransferQueueGauge.Set(float64(len(p.queue)))
		return nil
	}
}

func (p *ExecutorPool) onTransferScheduled(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferScheduled)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}
	return p.Enqueue(ev.TransferID)
}

func (p *ExecutorPool) runWorker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			// 停机前清空已入队的转账
			for {
				select {
				case transferID := <-p.queue:
					p.execute(transferID)
				default:
					return
				}
			}
		case transferID := <-p.queue:
			p.execute(transferID)
		}
	}
}

func (p *ExecutorPool) execute(transferID string) {
	metrics.TransferQueueGauge.Set(float64(len(p.queue)))
	start := time.Now()

	if err := p.executor.Execute(context.Background(), transferID); err != nil {
		logger.Error("transfer execution error",
			zap.String("transfer_id", transferID),
			zap.Error(err))
	}
	metrics.TransferExecutionDuration.Observe(time.Since(start).Seconds())
}
