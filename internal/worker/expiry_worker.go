package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// OrderExpirer 订单过期接口，由 service.OrderService 实现
type OrderExpirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// ExpiryWorker 订单过期清扫
// 定时扫描路由已过期且无匹配支付的订单，将其置为过期并释放路由。
type ExpiryWorker struct {
	expirer   OrderExpirer
	interval  time.Duration
	batchSize int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// ExpiryWorkerConfig 清扫配置
type ExpiryWorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

// NewExpiryWorker 创建订单过期清扫
func NewExpiryWorker(expirer OrderExpirer, cfg *ExpiryWorkerConfig) *ExpiryWorker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &ExpiryWorker{
		expirer:   expirer,
		interval:  interval,
		batchSize: batchSize,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start 启动清扫循环
func (w *ExpiryWorker) Start(ctx context.Context) {
	go w.run(ctx)
	logger.Info("order expiry worker started",
		zap.Duration("interval", w.interval),
		zap.Int("batch_size", w.batchSize))
}

// Stop 停止清扫循环
func (w *ExpiryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	<-w.doneCh
}

func (w *ExpiryWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	expired, err := w.expirer.ExpireStale(ctx, w.batchSize)
	if err != nil {
		logger.Error("order expiry sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		logger.Info("expired stale orders", zap.Int("count", expired))
	}
}
