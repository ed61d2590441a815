// ## 生产者 - 本服务发送的 Topic
//
// 1. Topic: order-paid
//    - 消费者: 商户通知服务
//    - 消息内容: OrderPaidMessage (订单累计支付已覆盖金额)
//    - Partition Key: order_id
//
// 2. Topic: order-confirmed
//    - 消费者: 商户通知服务、对账服务
//    - 消息内容: OrderConfirmedMessage (订单全部支付达到确认深度并入账)
//    - Partition Key: order_id
//
// 3. Topic: transfer-events
//    - 消费者: 通知服务、审计服务
//    - 消息内容: TransferEventMessage (转账生命周期变更，status 字段区分)
//    - Partition Key: transfer_id
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// 生产者发送的 Topic
const (
	TopicOrderPaid      = "order-paid"
	TopicOrderConfirmed = "order-confirmed"
	TopicTransferEvents = "transfer-events"
)

// OrderPaidMessage 订单已支付通知
type OrderPaidMessage struct {
	OrderID   string `json:"order_id"`
	Timestamp int64  `json:"timestamp"`
}

// OrderConfirmedMessage 订单已确认通知
type OrderConfirmedMessage struct {
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp int64           `json:"timestamp"`
}

// TransferEventMessage 转账生命周期变更通知
type TransferEventMessage struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"` // scheduled, executed, confirmed, reverted, failed
	ChainID    int64  `json:"chain_id,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.KafkaMessagesTotal.WithLabelValues(topic, "produce", "error").Inc()
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	metrics.KafkaMessagesTotal.WithLabelValues(topic, "produce", "success").Inc()
	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendOrderPaid 发送订单已支付通知
func (p *Producer) SendOrderPaid(ctx context.Context, msg *OrderPaidMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.send(TopicOrderPaid, msg.OrderID, data)
}

// SendOrderConfirmed 发送订单已确认通知
func (p *Producer) SendOrderConfirmed(ctx context.Context, msg *OrderConfirmedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.send(TopicOrderConfirmed, msg.OrderID, data)
}

// SendTransferEvent 发送转账生命周期变更通知
func (p *Producer) SendTransferEvent(ctx context.Context, msg *TransferEventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.send(TopicTransferEvents, msg.TransferID, data)
}

// Publisher 将内部总线事件转发到 Kafka
// 订阅须在匹配器、订单与确认服务之后注册，
// 保证外发通知不早于内部状态落库。
type Publisher struct {
	producer *Producer
}

// NewPublisher 创建事件转发器
func NewPublisher(producer *Producer) *Publisher {
	return &Publisher{producer: producer}
}

// Register 订阅需要外发的总线事件
func (p *Publisher) Register(b *bus.Bus) {
	b.Subscribe(bus.TopicOrderPaid, p.onOrderPaid)
	b.Subscribe(bus.TopicOrderConfirmed, p.onOrderConfirmed)
	b.Subscribe(bus.TopicTransferScheduled, p.onTransferScheduled)
	b.Subscribe(bus.TopicTransferExecuted, p.onTransferExecuted)
	b.Subscribe(bus.TopicTransferConfirmed, p.onTransferConfirmed)
	b.Subscribe(bus.TopicTransferReverted, p.onTransferReverted)
	b.Subscribe(bus.TopicTransferFailed, p.onTransferFailed)
}

func (p *Publisher) onOrderPaid(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.OrderPaid)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendOrderPaid(ctx, &OrderPaidMessage{
		OrderID:   ev.OrderID,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Publisher) onOrderConfirmed(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.OrderConfirmed)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendOrderConfirmed(ctx, &OrderConfirmedMessage{
		OrderID:   ev.OrderID,
		UserID:    ev.UserID,
		Token:     ev.Token,
		Amount:    ev.Amount,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (p *Publisher) onTransferScheduled(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferScheduled)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendTransferEvent(ctx, &TransferEventMessage{
		TransferID: ev.TransferID,
		Status:     "scheduled",
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *Publisher) onTransferExecuted(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferExecuted)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendTransferEvent(ctx, &TransferEventMessage{
		TransferID: ev.TransferID,
		Status:     "executed",
		ChainID:    ev.ChainID,
		TxHash:     ev.TxHash,
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *Publisher) onTransferConfirmed(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferConfirmed)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendTransferEvent(ctx, &TransferEventMessage{
		TransferID: ev.TransferID,
		Status:     "confirmed",
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *Publisher) onTransferReverted(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferReverted)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendTransferEvent(ctx, &TransferEventMessage{
		TransferID: ev.TransferID,
		Status:     "reverted",
		Timestamp:  time.Now().UnixMilli(),
	})
}

func (p *Publisher) onTransferFailed(ctx context.Context, event bus.Event) error {
	ev, ok := event.(bus.TransferFailed)
	if !ok {
		return fmt.Errorf("unexpected event type %T", event)
	}

	return p.producer.SendTransferEvent(ctx, &TransferEventMessage{
		TransferID: ev.TransferID,
		Status:     "failed",
		Reason:     ev.Reason,
		Timestamp:  time.Now().UnixMilli(),
	})
}
