package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// PaymentKind 支付类型
type PaymentKind int8

const (
	PaymentKindBlockchain PaymentKind = 0 // 链上转账
	PaymentKindChannel    PaymentKind = 1 // 链下通道支付
	PaymentKindInternal   PaymentKind = 2 // 内部账本划转
)

func (k PaymentKind) String() string {
	switch k {
	case PaymentKindBlockchain:
		return "BLOCKCHAIN"
	case PaymentKindChannel:
		return "CHANNEL"
	case PaymentKindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// PaymentStatus 支付状态
type PaymentStatus int8

const (
	PaymentStatusReceived  PaymentStatus = 0 // 已匹配到订单，等待确认深度
	PaymentStatusConfirmed PaymentStatus = 1 // 已达到确认深度
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusReceived:
		return "RECEIVED"
	case PaymentStatusConfirmed:
		return "CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// Payment 支付记录
// 金额与来源在创建后不可变；source_ref 上的唯一索引保证
// 同一笔链上转账或通道支付只会产生一条支付记录 (幂等)。
// 链上支付的 source_ref 为 "txHash:logIndex"，通道支付为通道支付 ID。
type Payment struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID       string          `gorm:"column:payment_id;type:varchar(64);uniqueIndex;not null" json:"payment_id"`
	OrderID         string          `gorm:"column:order_id;type:varchar(64);index;not null" json:"order_id"`
	Kind            PaymentKind     `gorm:"column:kind;type:smallint;not null" json:"kind"`
	Token           string          `gorm:"column:token;type:varchar(20);not null" json:"token"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	SourceRef       string          `gorm:"column:source_ref;type:varchar(128);uniqueIndex;not null" json:"source_ref"`
	TxHash          string          `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash"`
	LogIndex        int             `gorm:"column:log_index;type:int;not null;default:0" json:"log_index"`
	ChainID         int64           `gorm:"column:chain_id;type:int;not null;default:0" json:"chain_id"`
	BlockHeight     int64           `gorm:"column:block_height;type:bigint;index;not null;default:0" json:"block_height"` // 包含交易的区块高度
	Status          PaymentStatus   `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	ConfirmedHeight int64           `gorm:"column:confirmed_height;type:bigint;index;not null;default:0" json:"confirmed_height"` // 触发确认的链头高度
	CreatedAt       int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Payment) TableName() string {
	return "settlement_payments"
}

// SourceRefOf 生成链上支付的来源引用
func SourceRefOf(txHash string, logIndex int) string {
	return txHash + ":" + strconv.Itoa(logIndex)
}
