package model

// RouteType 支付路由类型
type RouteType int8

const (
	RouteTypeBlockchain RouteType = 0 // 链上钱包地址
	RouteTypeChannel    RouteType = 1 // 链下支付通道标识
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeBlockchain:
		return "BLOCKCHAIN"
	case RouteTypeChannel:
		return "CHANNEL"
	default:
		return "UNKNOWN"
	}
}

// PaymentRoute 支付路由
// 一个开放路由独占一个入金目标 (钱包地址或通道标识)，
// 订单终结后路由被删除，入金目标可被后续订单复用。
// deposit_target 上的唯一索引保证两个开放路由不会共享同一目标。
type PaymentRoute struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RouteID       string    `gorm:"column:route_id;type:varchar(64);uniqueIndex;not null" json:"route_id"`
	OrderID       string    `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	RouteType     RouteType `gorm:"column:route_type;type:smallint;not null" json:"route_type"`
	DepositTarget string    `gorm:"column:deposit_target;type:varchar(128);uniqueIndex;not null" json:"deposit_target"`
	NetworkID     string    `gorm:"column:network_id;type:varchar(64)" json:"network_id"` // 通道路由所属网络
	ExpiresAt     int64     `gorm:"column:expires_at;type:bigint;index;not null" json:"expires_at"`
	CreatedAt     int64     `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (PaymentRoute) TableName() string {
	return "settlement_routes"
}

// IsExpired 路由是否已过期
func (r *PaymentRoute) IsExpired(nowMilli int64) bool {
	return nowMilli >= r.ExpiresAt
}

// Wallet 入金钱包
// 仅保存地址，私钥托管在外部签名服务
type Wallet struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Address   string `gorm:"column:address;type:varchar(42);uniqueIndex;not null" json:"address"`
	ChainID   int64  `gorm:"column:chain_id;type:int;not null" json:"chain_id"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Wallet) TableName() string {
	return "settlement_wallets"
}

// ChannelNetwork 链下支付通道网络
// 记录哪个通道网络可以结算哪个代币
type ChannelNetwork struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	NetworkID string `gorm:"column:network_id;type:varchar(64);uniqueIndex:uk_network_token;not null" json:"network_id"`
	Token     string `gorm:"column:token;type:varchar(20);uniqueIndex:uk_network_token;index;not null" json:"token"`
	CreatedAt int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ChannelNetwork) TableName() string {
	return "settlement_channel_networks"
}
