// Package metrics 提供 clearhub-settlement 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clearhub_settlement"

// 订单与支付指标
var (
	// OrdersTotal 订单状态迁移总数
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_total",
			Help:      "订单状态迁移总数",
		},
		[]string{"status"}, // created, paid, confirmed, expired
	)

	// PaymentsMatchedTotal 匹配到订单的支付总数
	PaymentsMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_matched_total",
			Help:      "匹配到订单的支付总数",
		},
		[]string{"kind"}, // blockchain, channel, internal
	)

	// PaymentsConfirmedTotal 达到确认深度的支付总数
	PaymentsConfirmedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_confirmed_total",
			Help:      "达到确认深度的支付总数",
		},
	)

	// UnmatchedDepositsTotal 无开放路由可匹配的入金总数
	UnmatchedDepositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_deposits_total",
			Help:      "无开放路由可匹配的入金总数",
		},
	)

	// DuplicateDepositsTotal 重复观察到的入金总数 (幂等去重)
	DuplicateDepositsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_deposits_total",
			Help:      "被幂等去重的重复入金总数",
		},
	)
)

// 路由指标
var (
	// RoutesAllocatedTotal 分配的路由总数
	RoutesAllocatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_allocated_total",
			Help:      "分配的支付路由总数",
		},
		[]string{"type"}, // blockchain, channel
	)

	// WalletsProvisionedTotal 现场补给的入金钱包总数
	WalletsProvisionedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallets_provisioned_total",
			Help:      "现场补给的入金钱包总数",
		},
	)
)

// 确认追踪指标
var (
	// BlocksProcessedTotal 处理的区块总数
	BlocksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_processed_total",
			Help:      "处理的区块总数",
		},
		[]string{"chain_id"},
	)

	// ChainHeightGauge 链头高度
	ChainHeightGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_height",
			Help:      "当前链头高度",
		},
		[]string{"chain_id"},
	)

	// ReorgsTotal 检测到的链重组总数
	ReorgsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_total",
			Help:      "检测到的链重组总数",
		},
		[]string{"chain_id"},
	)

	// ReorgRevertedTotal 重组回退的确认对象总数
	ReorgRevertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorg_reverted_total",
			Help:      "重组回退的确认对象总数",
		},
		[]string{"kind"}, // payment, transfer
	)

	// BufferedBlocksGauge 等待前序区块的缓冲区块数
	BufferedBlocksGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_blocks",
			Help:      "等待前序区块到达的缓冲区块数",
		},
		[]string{"chain_id"},
	)
)

// 转账指标
var (
	// TransfersTotal 转账状态迁移总数
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "转账状态迁移总数",
		},
		[]string{"kind", "status"}, // kind: internal/external, status: scheduled/executed/confirmed/failed
	)

	// TransferExecutionDuration 外部转账执行耗时
	TransferExecutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_execution_duration_seconds",
			Help:      "外部转账从出队到提交上链的耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// TransferQueueGauge 待执行转账队列长度
	TransferQueueGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfer_queue_length",
			Help:      "待执行转账队列长度",
		},
	)
)

// 账本指标
var (
	// BalanceEntriesTotal 追加的账目总数
	BalanceEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_entries_total",
			Help:      "追加的账目总数",
		},
		[]string{"ref_type"}, // payment, transfer, compensation
	)
)

// Kafka 指标
var (
	// KafkaMessagesTotal Kafka 消息总数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息总数",
		},
		[]string{"topic", "direction", "status"}, // direction: consume/produce, status: success/error
	)
)
