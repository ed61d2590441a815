// Package kafka 承载服务的消息边界
//
// ## 消费者 - 本服务订阅的 Topic
//
// 1. Topic: block-events
//    - 生产者: 链观察节点
//    - 消息内容: BlockMessage (新链头区块及其交易哈希)
//
// 2. Topic: deposit-events
//    - 生产者: 链观察节点
//    - 消息内容: DepositMessage (指向某地址的链上转账)
//
// 3. Topic: channel-payment-events
//    - 生产者: 通道网关
//    - 消息内容: ChannelPaymentMessage (链下通道支付)
//
// 消息被转换为内部总线事件后由匹配器与确认追踪器消费。
// 链重组不走独立 topic: 观察节点在重组后重发新链段的区块，
// 确认追踪器据同高度不同哈希自行识别。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/clearhub-pay/clearhub-settlement/internal/bus"
	"github.com/clearhub-pay/clearhub-settlement/internal/metrics"
	"github.com/clearhub-pay/clearhub-settlement/pkg/logger"
)

// 消费者订阅的 Topic
const (
	TopicBlockEvents          = "block-events"
	TopicDepositEvents        = "deposit-events"
	TopicChannelPaymentEvents = "channel-payment-events"
)

// BlockMessage 新链头区块
type BlockMessage struct {
	ChainID    int64    `json:"chain_id"`
	Height     int64    `json:"height"`
	Hash       string   `json:"hash"`
	ParentHash string   `json:"parent_hash"`
	Timestamp  int64    `json:"timestamp"`
	TxHashes   []string `json:"tx_hashes"`
}

// DepositMessage 链上入金
type DepositMessage struct {
	ChainID     int64           `json:"chain_id"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    int             `json:"log_index"`
	Token       string          `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
	To          string          `json:"to"`
	BlockHeight int64           `json:"block_height"`
}

// ChannelPaymentMessage 链下通道支付
type ChannelPaymentMessage struct {
	NetworkID        string          `json:"network_id"`
	ChannelPaymentID string          `json:"channel_payment_id"`
	Identifier       string          `json:"identifier"`
	Token            string          `json:"token"`
	Amount           decimal.Decimal `json:"amount"`
}

// Consumer Kafka 消费者
// 将摄取 topic 的消息转换为内部总线事件。
type Consumer struct {
	client   sarama.ConsumerGroup
	eventBus *bus.Bus
	topics   []string
	groupID  string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	EventBus *bus.Bus
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		eventBus: cfg.EventBus,
		topics:   []string{TopicBlockEvents, TopicDepositEvents, TopicChannelPaymentEvents},
		groupID:  cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &ingestHandler{eventBus: c.eventBus}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))
	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false
	return c.client.Close()
}

// ingestHandler 消费组处理器
type ingestHandler struct {
	eventBus *bus.Bus
}

func (h *ingestHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *ingestHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *ingestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := context.Background()

		if err := h.handle(ctx, msg.Topic, msg.Value); err != nil {
			metrics.KafkaMessagesTotal.WithLabelValues(msg.Topic, "consume", "error").Inc()
			logger.Error("failed to handle kafka message",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			// 坏消息跳过，不阻塞分区
			session.MarkMessage(msg, "")
			continue
		}

		metrics.KafkaMessagesTotal.WithLabelValues(msg.Topic, "consume", "success").Inc()
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *ingestHandler) handle(ctx context.Context, topic string, data []byte) error {
	switch topic {
	case TopicBlockEvents:
		var msg BlockMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		h.eventBus.Publish(ctx, bus.BlockAdded{
			ChainID:    msg.ChainID,
			Height:     msg.Height,
			Hash:       msg.Hash,
			ParentHash: msg.ParentHash,
			Timestamp:  msg.Timestamp,
			TxHashes:   msg.TxHashes,
		})

	case TopicDepositEvents:
		var msg DepositMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		h.eventBus.Publish(ctx, bus.DepositReceived{
			ChainID:     msg.ChainID,
			TxHash:      msg.TxHash,
			LogIndex:    msg.LogIndex,
			Token:       msg.Token,
			Amount:      msg.Amount,
			To:          msg.To,
			BlockHeight: msg.BlockHeight,
		})

	case TopicChannelPaymentEvents:
		var msg ChannelPaymentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		h.eventBus.Publish(ctx, bus.ChannelPaymentReceived{
			NetworkID:        msg.NetworkID,
			ChannelPaymentID: msg.ChannelPaymentID,
			Identifier:       msg.Identifier,
			Token:            msg.Token,
			Amount:           msg.Amount,
		})

	default:
		logger.Warn("unknown topic", zap.String("topic", topic))
	}
	return nil
}
