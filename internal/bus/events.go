package bus

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Topic 事件主题
type Topic string

const (
	// 摄取侧事件
	TopicDepositReceived        Topic = "deposit.received"
	TopicChannelPaymentReceived Topic = "channel_payment.received"
	TopicBlockAdded             Topic = "block.added"
	TopicReorgDetected          Topic = "reorg.detected"

	// 支付生命周期事件
	TopicPaymentReceived  Topic = "payment.received"
	TopicPaymentConfirmed Topic = "payment.confirmed"
	TopicPaymentReverted  Topic = "payment.reverted"

	// 订单生命周期事件
	TopicOrderPaid      Topic = "order.paid"
	TopicOrderConfirmed Topic = "order.confirmed"
	TopicOrderExpired   Topic = "order.expired"

	// 转账生命周期事件
	TopicTransferScheduled Topic = "transfer.scheduled"
	TopicTransferExecuted  Topic = "transfer.executed"
	TopicTransferConfirmed Topic = "transfer.confirmed"
	TopicTransferReverted  Topic = "transfer.reverted"
	TopicTransferFailed    Topic = "transfer.failed"
)

// Event 总线事件
// Key 决定分发分片，相同 Key 的事件串行处理。
type Event interface {
	Topic() Topic
	Key() string
}

// DepositReceived 观察到指向某入金目标的链上转账
type DepositReceived struct {
	ChainID     int64
	TxHash      string
	LogIndex    int
	Token       string
	Amount      decimal.Decimal
	To          string // 入金目标地址
	BlockHeight int64
}

func (e DepositReceived) Topic() Topic { return TopicDepositReceived }
func (e DepositReceived) Key() string  { return e.To }

// ChannelPaymentReceived 观察到指向某通道标识的链下支付
type ChannelPaymentReceived struct {
	NetworkID        string
	ChannelPaymentID string
	Identifier       string // 入金目标 (通道标识)
	Token            string
	Amount           decimal.Decimal
}

func (e ChannelPaymentReceived) Topic() Topic { return TopicChannelPaymentReceived }
func (e ChannelPaymentReceived) Key() string  { return e.Identifier }

// BlockAdded 新区块加入链头
type BlockAdded struct {
	ChainID    int64
	Height     int64
	Hash       string
	ParentHash string
	Timestamp  int64
	TxHashes   []string
}

func (e BlockAdded) Topic() Topic { return TopicBlockAdded }
func (e BlockAdded) Key() string  { return strconv.FormatInt(e.ChainID, 10) }

// ReorgDetected 检测到链重组，新链头高度为 NewHeight
type ReorgDetected struct {
	ChainID   int64
	NewHeight int64
}

func (e ReorgDetected) Topic() Topic { return TopicReorgDetected }
func (e ReorgDetected) Key() string  { return strconv.FormatInt(e.ChainID, 10) }

// PaymentReceived 支付已匹配到订单
type PaymentReceived struct {
	OrderID   string
	PaymentID string
}

func (e PaymentReceived) Topic() Topic { return TopicPaymentReceived }
func (e PaymentReceived) Key() string  { return e.OrderID }

// PaymentConfirmed 支付达到确认深度
type PaymentConfirmed struct {
	OrderID         string
	PaymentID       string
	ConfirmedHeight int64
}

func (e PaymentConfirmed) Topic() Topic { return TopicPaymentConfirmed }
func (e PaymentConfirmed) Key() string  { return e.OrderID }

// PaymentReverted 重组导致支付确认回退
type PaymentReverted struct {
	OrderID   string
	PaymentID string
}

func (e PaymentReverted) Topic() Topic { return TopicPaymentReverted }
func (e PaymentReverted) Key() string  { return e.OrderID }

// OrderPaid 订单累计支付覆盖订单金额
type OrderPaid struct {
	OrderID string
}

func (e OrderPaid) Topic() Topic { return TopicOrderPaid }
func (e OrderPaid) Key() string  { return e.OrderID }

// OrderConfirmed 订单全部支付达到确认深度并已入账
type OrderConfirmed struct {
	OrderID string
	UserID  string
	Token   string
	Amount  decimal.Decimal
}

func (e OrderConfirmed) Topic() Topic { return TopicOrderConfirmed }
func (e OrderConfirmed) Key() string  { return e.OrderID }

// OrderExpired 订单路由过期且无匹配支付
type OrderExpired struct {
	OrderID string
}

func (e OrderExpired) Topic() Topic { return TopicOrderExpired }
func (e OrderExpired) Key() string  { return e.OrderID }

// TransferScheduled 转账已登记等待执行
type TransferScheduled struct {
	TransferID string
}

func (e TransferScheduled) Topic() Topic { return TopicTransferScheduled }
func (e TransferScheduled) Key() string  { return e.TransferID }

// TransferExecuted 外部转账已提交上链
type TransferExecuted struct {
	TransferID string
	ChainID    int64
	TxHash     string
}

func (e TransferExecuted) Topic() Topic { return TopicTransferExecuted }
func (e TransferExecuted) Key() string  { return e.TransferID }

// TransferConfirmed 转账已确认
type TransferConfirmed struct {
	TransferID string
}

func (e TransferConfirmed) Topic() Topic { return TopicTransferConfirmed }
func (e TransferConfirmed) Key() string  { return e.TransferID }

// TransferReverted 重组导致外部转账确认回退
type TransferReverted struct {
	TransferID string
}

func (e TransferReverted) Topic() Topic { return TopicTransferReverted }
func (e TransferReverted) Key() string  { return e.TransferID }

// TransferFailed 转账进入失败终态
type TransferFailed struct {
	TransferID string
	Reason     string
}

func (e TransferFailed) Topic() Topic { return TopicTransferFailed }
func (e TransferFailed) Key() string  { return e.TransferID }
