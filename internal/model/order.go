package model

import "github.com/shopspring/decimal"

// OrderStatus 支付订单状态
// 状态只向前推进: created -> paid -> confirmed
// expired 仅能从 created 进入 (路由过期且无匹配支付)
type OrderStatus int8

const (
	OrderStatusCreated   OrderStatus = 0 // 已创建，等待支付
	OrderStatusPaid      OrderStatus = 1 // 已收到支付，等待确认
	OrderStatusConfirmed OrderStatus = 2 // 已确认并入账 (终态)
	OrderStatusExpired   OrderStatus = 3 // 路由过期 (终态)
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreated:
		return "CREATED"
	case OrderStatusPaid:
		return "PAID"
	case OrderStatusConfirmed:
		return "CONFIRMED"
	case OrderStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusConfirmed || s == OrderStatusExpired
}

// PaymentOrder 支付订单
type PaymentOrder struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	UserID    string          `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	Token     string          `gorm:"column:token;type:varchar(20);not null" json:"token"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Status    OrderStatus     `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatedAt int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (PaymentOrder) TableName() string {
	return "settlement_orders"
}

// PaymentEventType 订单状态历史类型
type PaymentEventType int8

const (
	PaymentEventRequested PaymentEventType = 0
	PaymentEventPaid      PaymentEventType = 1
	PaymentEventConfirmed PaymentEventType = 2
	PaymentEventExpired   PaymentEventType = 3
	PaymentEventReverted  PaymentEventType = 4 // 重组导致确认回退
)

func (t PaymentEventType) String() string {
	switch t {
	case PaymentEventRequested:
		return "REQUESTED"
	case PaymentEventPaid:
		return "PAID"
	case PaymentEventConfirmed:
		return "CONFIRMED"
	case PaymentEventExpired:
		return "EXPIRED"
	case PaymentEventReverted:
		return "REVERTED"
	default:
		return "UNKNOWN"
	}
}

// PaymentOrderEvent 订单状态历史 (追加写入)
// 每次状态变更先写事件记录，再应用副作用 (入账、释放路由)
type PaymentOrderEvent struct {
	ID        int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   string           `gorm:"column:order_id;type:varchar(64);index;not null" json:"order_id"`
	EventType PaymentEventType `gorm:"column:event_type;type:smallint;not null" json:"event_type"`
	CreatedAt int64            `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (PaymentOrderEvent) TableName() string {
	return "settlement_order_events"
}
